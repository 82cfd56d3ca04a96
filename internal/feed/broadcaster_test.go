package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/matching-engine/internal/book"
	"github.com/nathanyu/matching-engine/internal/domain"
	"github.com/nathanyu/matching-engine/internal/outbox"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []domain.ExecutionReport
	failAfter int // fail every publish once this many succeeded, -1 never
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{failAfter: -1}
}

func (f *fakePublisher) Publish(_ context.Context, report domain.ExecutionReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAfter >= 0 && len(f.published) >= f.failAfter {
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, report)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) sequences() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	seqs := make([]uint64, len(f.published))
	for i, report := range f.published {
		seqs[i] = report.SequenceID
	}
	return seqs
}

func testReport(seq uint64) domain.ExecutionReport {
	return domain.ExecutionReport{
		ExecID:       "exec",
		Symbol:       "AAPL",
		SequenceID:   seq,
		MakerOrderID: 1,
		TakerOrderID: 2,
		TakerSide:    book.SideSell,
		Price:        100,
		Quantity:     5,
		ExecutedAt:   time.Now().UTC(),
	}
}

func newTestOutbox(t *testing.T, seqs ...uint64) *outbox.Outbox {
	t.Helper()

	o, err := outbox.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })

	for _, seq := range seqs {
		require.NoError(t, o.Put(testReport(seq)))
	}
	return o
}

func TestBroadcasterDrainsInOrder(t *testing.T) {
	o := newTestOutbox(t, 1, 2, 3)
	pub := newFakePublisher()
	b := NewBroadcaster(Config{Outbox: o, Publisher: pub})

	n, err := b.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []uint64{1, 2, 3}, pub.sequences())

	// Everything acked: a second sweep publishes nothing.
	n, err = b.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, pub.sequences(), 3)
}

func TestBroadcasterRetriesAfterFailure(t *testing.T) {
	o := newTestOutbox(t, 1, 2, 3)
	pub := newFakePublisher()
	pub.failAfter = 1 // report 2 fails
	b := NewBroadcaster(Config{Outbox: o, Publisher: pub})

	n, err := b.DrainOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint64{1}, pub.sequences())

	// The failed report stays pending in SENT and is retried in order.
	pub.failAfter = -1
	n, err = b.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint64{1, 2, 3}, pub.sequences())

	record, err := o.Get(2)
	require.NoError(t, err)
	assert.Equal(t, outbox.StateAcked, record.State)
	assert.Equal(t, uint32(2), record.Attempts)
}

func TestBroadcasterBatchSize(t *testing.T) {
	o := newTestOutbox(t, 1, 2, 3, 4, 5)
	pub := newFakePublisher()
	b := NewBroadcaster(Config{Outbox: o, Publisher: pub, BatchSize: 2})

	n, err := b.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = b.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = b.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, pub.sequences())
}

func TestBroadcasterStartLoop(t *testing.T) {
	o := newTestOutbox(t, 1, 2)
	pub := newFakePublisher()
	b := NewBroadcaster(Config{
		Outbox:    o,
		Publisher: pub,
		Interval:  5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)

	assert.Eventually(t, func() bool {
		return len(pub.sequences()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	b.Wait()
}
