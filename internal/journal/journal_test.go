package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/matching-engine/internal/book"
)

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.log")

	j, err := Open(path)
	require.NoError(t, err)

	records := []Record{
		{SequenceID: 1, Action: ActionSubmit, OrderID: 1, Side: book.SideBuy, Kind: book.KindGoodTillCancel, Price: 100, Quantity: 10, LoggedAt: time.Now().UTC()},
		{SequenceID: 2, Action: ActionSubmit, OrderID: 2, Side: book.SideSell, Kind: book.KindGoodTillCancel, Price: 101, Quantity: 5, LoggedAt: time.Now().UTC()},
		{SequenceID: 3, Action: ActionCancel, OrderID: 1, LoggedAt: time.Now().UTC()},
	}
	for _, record := range records {
		require.NoError(t, j.Append(record))
	}
	require.NoError(t, j.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	var replayed []Record
	err = reopened.Replay(func(record Record) error {
		replayed = append(replayed, record)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, replayed, 3)
	assert.Equal(t, uint64(1), replayed[0].SequenceID)
	assert.Equal(t, ActionSubmit, replayed[0].Action)
	assert.Equal(t, book.OrderID(1), replayed[0].OrderID)
	assert.Equal(t, book.Price(100), replayed[0].Price)
	assert.Equal(t, ActionCancel, replayed[2].Action)
}

func TestReplay_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never-written.log")

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	// Remove it and replay against the empty path.
	fresh := &Journal{path: filepath.Join(t.TempDir(), "absent.log")}
	calls := 0
	err = fresh.Replay(func(Record) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestReplay_AppendAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.log")

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Append(Record{SequenceID: 1, Action: ActionSubmit, OrderID: 9}))
	require.NoError(t, j.Close())

	// Reopening appends, never truncates.
	j, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Append(Record{SequenceID: 2, Action: ActionCancel, OrderID: 9}))
	defer j.Close()

	var seqs []uint64
	require.NoError(t, j.Replay(func(record Record) error {
		seqs = append(seqs, record.SequenceID)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2}, seqs)
}
