package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/matching-engine/internal/book"
	"github.com/nathanyu/matching-engine/internal/domain"
	"github.com/nathanyu/matching-engine/internal/journal"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	e := New(Config{Symbol: "AAPL"})
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

func submitReq(id book.OrderID, side book.Side, price book.Price, quantity book.Quantity) OrderRequest {
	return OrderRequest{
		OrderID:  id,
		Side:     side,
		Kind:     book.KindGoodTillCancel,
		Price:    price,
		Quantity: quantity,
	}
}

func collectReports(t *testing.T, e *Engine, n int) []domain.ExecutionReport {
	t.Helper()

	reports := make([]domain.ExecutionReport, 0, n)
	for len(reports) < n {
		select {
		case report := <-e.Reports():
			reports = append(reports, report)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for report %d of %d", len(reports)+1, n)
		}
	}
	return reports
}

func TestEngineSubmitAndMatch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	rest, err := e.Submit(ctx, submitReq(1, book.SideBuy, 100, 10))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rest.SequenceID)
	assert.True(t, rest.Resting)
	assert.Empty(t, rest.Trades)

	hit, err := e.Submit(ctx, submitReq(2, book.SideSell, 95, 10))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), hit.SequenceID)
	assert.False(t, hit.Resting)
	require.Len(t, hit.Trades, 1)
	assert.Equal(t, book.Price(100), hit.Trades[0].Bid.Price)

	reports := collectReports(t, e, 1)
	report := reports[0]
	assert.NotEmpty(t, report.ExecID)
	assert.Equal(t, "AAPL", report.Symbol)
	assert.Equal(t, uint64(1), report.SequenceID)
	assert.Equal(t, book.OrderID(1), report.MakerOrderID)
	assert.Equal(t, book.OrderID(2), report.TakerOrderID)
	assert.Equal(t, book.SideSell, report.TakerSide)
	assert.Equal(t, book.Price(100), report.Price)
	assert.Equal(t, book.Quantity(10), report.Quantity)

	size, err := e.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestEngineDuplicateSubmit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	first, err := e.Submit(ctx, submitReq(7, book.SideBuy, 100, 10))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	// Same id again: nothing changes and no sequence is consumed.
	second, err := e.Submit(ctx, submitReq(7, book.SideSell, 200, 99))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.True(t, second.Resting)
	assert.Zero(t, second.SequenceID)
	assert.Empty(t, second.Trades)

	assert.Equal(t, uint64(1), e.CurrentSequence())

	size, err := e.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestEngineCancel(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Submit(ctx, submitReq(1, book.SideBuy, 100, 10))
	require.NoError(t, err)

	canceled, err := e.Cancel(ctx, 1)
	require.NoError(t, err)
	assert.True(t, canceled.Canceled)
	assert.Equal(t, uint64(2), canceled.SequenceID)

	// Unknown ids are a quiet no-op.
	missing, err := e.Cancel(ctx, 1)
	require.NoError(t, err)
	assert.False(t, missing.Canceled)
	assert.Zero(t, missing.SequenceID)

	size, err := e.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestEngineModify(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	missing, err := e.Modify(ctx, ModifyRequest{OrderID: 42, Side: book.SideBuy, Price: 100, Quantity: 10})
	require.NoError(t, err)
	assert.False(t, missing.Found)

	_, err = e.Submit(ctx, submitReq(1, book.SideSell, 105, 10))
	require.NoError(t, err)
	_, err = e.Submit(ctx, submitReq(2, book.SideBuy, 100, 10))
	require.NoError(t, err)

	// Repricing the bid to 105 crosses the resting ask.
	modified, err := e.Modify(ctx, ModifyRequest{OrderID: 2, Side: book.SideBuy, Price: 105, Quantity: 10})
	require.NoError(t, err)
	assert.True(t, modified.Found)
	assert.False(t, modified.Resting)
	require.Len(t, modified.Trades, 1)
	assert.Equal(t, book.Price(105), modified.Trades[0].Ask.Price)

	report := collectReports(t, e, 1)[0]
	assert.Equal(t, book.OrderID(1), report.MakerOrderID)
	assert.Equal(t, book.OrderID(2), report.TakerOrderID)
	assert.Equal(t, book.SideBuy, report.TakerSide)
	assert.Equal(t, book.Price(105), report.Price)
}

func TestEngineFillAndKillRejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	result, err := e.Submit(ctx, OrderRequest{
		OrderID:  1,
		Side:     book.SideBuy,
		Kind:     book.KindFillAndKill,
		Price:    100,
		Quantity: 10,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Trades)
	assert.False(t, result.Resting)
	assert.False(t, result.Duplicate)

	size, err := e.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestEngineSnapshot(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Submit(ctx, submitReq(1, book.SideBuy, 100, 10))
	require.NoError(t, err)
	_, err = e.Submit(ctx, submitReq(2, book.SideBuy, 99, 5))
	require.NoError(t, err)
	_, err = e.Submit(ctx, submitReq(3, book.SideBuy, 98, 5))
	require.NoError(t, err)
	_, err = e.Submit(ctx, submitReq(4, book.SideSell, 105, 7))
	require.NoError(t, err)

	snapshot, err := e.Snapshot(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", snapshot.Symbol)
	assert.Equal(t, uint64(4), snapshot.SequenceID)
	assert.False(t, snapshot.CapturedAt.IsZero())

	// Depth caps each side; best levels come first.
	require.Len(t, snapshot.Bids, 2)
	assert.Equal(t, book.Price(100), snapshot.Bids[0].Price)
	assert.Equal(t, book.Price(99), snapshot.Bids[1].Price)
	require.Len(t, snapshot.Asks, 1)
	assert.Equal(t, book.Price(105), snapshot.Asks[0].Price)
	assert.Equal(t, book.Quantity(7), snapshot.Asks[0].Quantity)
}

func TestEngineValidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Submit(ctx, OrderRequest{OrderID: 1, Side: "hold", Kind: book.KindGoodTillCancel, Price: 100, Quantity: 10})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = e.Submit(ctx, OrderRequest{OrderID: 1, Side: book.SideBuy, Kind: "immediate", Price: 100, Quantity: 10})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = e.Submit(ctx, OrderRequest{OrderID: 1, Side: book.SideBuy, Kind: book.KindGoodTillCancel, Price: 100, Quantity: 0})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = e.Modify(ctx, ModifyRequest{OrderID: 1, Side: "hold", Price: 100, Quantity: 10})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = e.Modify(ctx, ModifyRequest{OrderID: 1, Side: book.SideSell, Price: 100, Quantity: 0})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	// Nothing was sequenced or applied.
	assert.Zero(t, e.CurrentSequence())
}

func TestEngineReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ops.journal")
	ctx := context.Background()

	first, err := journal.Open(path)
	require.NoError(t, err)

	e1 := New(Config{Symbol: "AAPL", Journal: first})
	require.NoError(t, e1.Replay())
	e1.Start()

	_, err = e1.Submit(ctx, submitReq(1, book.SideBuy, 100, 10))
	require.NoError(t, err)
	_, err = e1.Submit(ctx, submitReq(2, book.SideSell, 105, 5))
	require.NoError(t, err)
	_, err = e1.Submit(ctx, submitReq(3, book.SideSell, 100, 4))
	require.NoError(t, err)
	_, err = e1.Cancel(ctx, 2)
	require.NoError(t, err)

	e1.Stop()
	require.NoError(t, first.Close())

	second, err := journal.Open(path)
	require.NoError(t, err)
	defer second.Close()

	e2 := New(Config{Symbol: "AAPL", Journal: second})
	require.NoError(t, e2.Replay())
	e2.Start()
	defer e2.Stop()

	// Order 1 is partially filled by order 3, order 2 was canceled.
	size, err := e2.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	snapshot, err := e2.Snapshot(ctx, 0)
	require.NoError(t, err)
	require.Len(t, snapshot.Bids, 1)
	assert.Equal(t, book.Price(100), snapshot.Bids[0].Price)
	assert.Equal(t, book.Quantity(6), snapshot.Bids[0].Quantity)
	assert.Empty(t, snapshot.Asks)

	// Sequencing continues where the journal left off.
	result, err := e2.Submit(ctx, submitReq(9, book.SideSell, 200, 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), result.SequenceID)
}

func TestEngineStopped(t *testing.T) {
	e := New(Config{Symbol: "AAPL"})
	e.Start()
	e.Stop()

	_, err := e.Submit(context.Background(), submitReq(1, book.SideBuy, 100, 10))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestEngineConcurrentSubmits(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	const workers = 16
	seqs := make(chan uint64, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Distinct prices on one side so nothing crosses.
			result, err := e.Submit(ctx, submitReq(book.OrderID(i+1), book.SideBuy, book.Price(100+i), 10))
			assert.NoError(t, err)
			seqs <- result.SequenceID
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool, workers)
	for seq := range seqs {
		assert.False(t, seen[seq], "sequence id %d assigned twice", seq)
		seen[seq] = true
	}
	assert.Len(t, seen, workers)

	size, err := e.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, workers, size)
}
