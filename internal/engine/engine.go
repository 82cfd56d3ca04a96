package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nathanyu/matching-engine/internal/book"
	"github.com/nathanyu/matching-engine/internal/domain"
	"github.com/nathanyu/matching-engine/internal/journal"
)

const (
	opsBufferSize        = 256
	defaultReportBuffer  = 1024
	defaultSnapshotDepth = 50
)

// ErrInvalidOrder rejects malformed requests before they reach the book.
var ErrInvalidOrder = errors.New("invalid order request")

// ErrStopped is returned for operations dispatched after Stop.
var ErrStopped = errors.New("engine stopped")

// OrderRequest carries the caller-supplied parameters of a submission.
type OrderRequest struct {
	OrderID  book.OrderID   `json:"order_id"`
	Side     book.Side      `json:"side"`
	Kind     book.OrderKind `json:"kind"`
	Price    book.Price     `json:"price"`
	Quantity book.Quantity  `json:"quantity"`
}

func (r OrderRequest) validate() error {
	if !r.Side.Valid() {
		return errors.Wrapf(ErrInvalidOrder, "side %q", r.Side)
	}
	if !r.Kind.Valid() {
		return errors.Wrapf(ErrInvalidOrder, "kind %q", r.Kind)
	}
	if r.Quantity == 0 {
		return errors.Wrap(ErrInvalidOrder, "quantity must be positive")
	}
	return nil
}

// ModifyRequest carries the replacement terms of a modify. The order's kind
// is preserved from the resting order and cannot be changed.
type ModifyRequest struct {
	OrderID  book.OrderID  `json:"order_id"`
	Side     book.Side     `json:"side"`
	Price    book.Price    `json:"price"`
	Quantity book.Quantity `json:"quantity"`
}

func (r ModifyRequest) validate() error {
	if !r.Side.Valid() {
		return errors.Wrapf(ErrInvalidOrder, "side %q", r.Side)
	}
	if r.Quantity == 0 {
		return errors.Wrap(ErrInvalidOrder, "quantity must be positive")
	}
	return nil
}

// SubmitResult reports what a submission did. Duplicate means the id was
// already resting and nothing changed; Resting means the id is on the book
// after the call.
type SubmitResult struct {
	SequenceID uint64       `json:"sequence_id"`
	Trades     []book.Trade `json:"trades"`
	Resting    bool         `json:"resting"`
	Duplicate  bool         `json:"duplicate"`
}

// CancelResult reports whether the id was resting and got removed.
type CancelResult struct {
	SequenceID uint64 `json:"sequence_id"`
	Canceled   bool   `json:"canceled"`
}

// ModifyResult reports what a modify did. Found is false when the id was not
// resting and nothing changed.
type ModifyResult struct {
	SequenceID uint64       `json:"sequence_id"`
	Trades     []book.Trade `json:"trades"`
	Resting    bool         `json:"resting"`
	Found      bool         `json:"found"`
}

type opKind int

const (
	opSubmit opKind = iota
	opCancel
	opModify
	opSnapshot
	opSize
)

type request struct {
	kind     opKind
	submit   OrderRequest
	modify   ModifyRequest
	cancelID book.OrderID
	depth    int
	resp     chan response
}

type response struct {
	submit   SubmitResult
	cancel   CancelResult
	modify   ModifyResult
	snapshot domain.DepthSnapshot
	size     int
	err      error
}

// Config wires an Engine.
type Config struct {
	Symbol string
	// Journal, when set, makes every accepted mutating operation durable
	// before it is applied.
	Journal *journal.Journal
	// ReportBuffer sizes the execution report channel. Defaults to 1024.
	ReportBuffer int
	Logger       *zap.Logger
}

// Engine serializes all access to one instrument's book behind a
// single-writer loop. Operations are synchronous to callers and processed
// strictly in arrival order; each accepted mutating operation gets a
// monotonically increasing sequence id.
type Engine struct {
	symbol  string
	book    *book.Orderbook
	journal *journal.Journal
	logger  *zap.Logger

	seq    atomic.Uint64 // operation sequence
	outSeq atomic.Uint64 // execution report sequence

	ops      chan request
	reports  chan domain.ExecutionReport
	done     chan struct{}
	stopOnce sync.Once

	dropped atomic.Uint64

	now func() time.Time
}

// New builds an Engine that owns a fresh book. Call Replay before Start when
// a journal is configured.
func New(cfg Config) *Engine {
	if cfg.ReportBuffer <= 0 {
		cfg.ReportBuffer = defaultReportBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Engine{
		symbol:  cfg.Symbol,
		book:    book.New(),
		journal: cfg.Journal,
		logger:  cfg.Logger,
		ops:     make(chan request, opsBufferSize),
		reports: make(chan domain.ExecutionReport, cfg.ReportBuffer),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Symbol returns the instrument this engine matches.
func (e *Engine) Symbol() string {
	return e.symbol
}

// Reports exposes the stream of execution reports. The channel is closed
// when the engine stops.
func (e *Engine) Reports() <-chan domain.ExecutionReport {
	return e.reports
}

// DroppedReports counts execution reports discarded because the report
// channel was full.
func (e *Engine) DroppedReports() uint64 {
	return e.dropped.Load()
}

// CurrentSequence returns the last assigned operation sequence id.
func (e *Engine) CurrentSequence() uint64 {
	return e.seq.Load()
}

// SeedOutboundSequence moves the execution report sequence past seq, so
// report ids keep growing across restarts. Call before Start.
func (e *Engine) SeedOutboundSequence(seq uint64) {
	if seq > e.outSeq.Load() {
		e.outSeq.Store(seq)
	}
}

// Replay rebuilds the book from the journal. It must run before Start and
// emits no execution reports; the operations already produced their reports
// in the run that journaled them.
func (e *Engine) Replay() error {
	if e.journal == nil {
		return nil
	}

	var maxSeq uint64
	count := 0
	err := e.journal.Replay(func(record journal.Record) error {
		count++
		if record.SequenceID > maxSeq {
			maxSeq = record.SequenceID
		}

		switch record.Action {
		case journal.ActionSubmit:
			order := book.NewOrder(record.Kind, record.OrderID, record.Side, record.Price, record.Quantity)
			_, err := e.book.Submit(order)
			return err
		case journal.ActionCancel:
			e.book.Cancel(record.OrderID)
			return nil
		case journal.ActionModify:
			_, err := e.book.Modify(record.OrderID, record.Side, record.Price, record.Quantity)
			return err
		default:
			return errors.Errorf("unknown journal action %q", record.Action)
		}
	})
	if err != nil {
		return errors.Wrap(err, "replay journal")
	}

	if maxSeq > e.seq.Load() {
		e.seq.Store(maxSeq)
	}
	if count > 0 {
		e.logger.Info("rebuilt book from journal",
			zap.Int("operations", count),
			zap.Uint64("sequence_id", maxSeq),
			zap.Int("resting_orders", e.book.Size()),
		)
	}
	return nil
}

// Start launches the single-writer loop.
func (e *Engine) Start() {
	go e.run()
}

// Stop shuts the loop down. Queued operations are abandoned.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
	})
}

// Submit places an order through the single-writer loop and returns the
// trades it produced.
func (e *Engine) Submit(ctx context.Context, req OrderRequest) (SubmitResult, error) {
	if err := req.validate(); err != nil {
		return SubmitResult{}, err
	}

	resp, err := e.dispatch(ctx, request{kind: opSubmit, submit: req})
	if err != nil {
		return SubmitResult{}, err
	}
	return resp.submit, resp.err
}

// Cancel removes a resting order by id.
func (e *Engine) Cancel(ctx context.Context, id book.OrderID) (CancelResult, error) {
	resp, err := e.dispatch(ctx, request{kind: opCancel, cancelID: id})
	if err != nil {
		return CancelResult{}, err
	}
	return resp.cancel, resp.err
}

// Modify replaces a resting order's terms, forfeiting its time priority.
func (e *Engine) Modify(ctx context.Context, req ModifyRequest) (ModifyResult, error) {
	if err := req.validate(); err != nil {
		return ModifyResult{}, err
	}

	resp, err := e.dispatch(ctx, request{kind: opModify, modify: req})
	if err != nil {
		return ModifyResult{}, err
	}
	return resp.modify, resp.err
}

// Snapshot returns the aggregated depth view, capped at depth levels per
// side (0 means the default depth).
func (e *Engine) Snapshot(ctx context.Context, depth int) (domain.DepthSnapshot, error) {
	if depth <= 0 {
		depth = defaultSnapshotDepth
	}

	resp, err := e.dispatch(ctx, request{kind: opSnapshot, depth: depth})
	if err != nil {
		return domain.DepthSnapshot{}, err
	}
	return resp.snapshot, resp.err
}

// Size returns the number of resting orders.
func (e *Engine) Size(ctx context.Context) (int, error) {
	resp, err := e.dispatch(ctx, request{kind: opSize})
	if err != nil {
		return 0, err
	}
	return resp.size, resp.err
}

func (e *Engine) dispatch(ctx context.Context, req request) (response, error) {
	select {
	case <-e.done:
		return response{}, ErrStopped
	default:
	}

	req.resp = make(chan response, 1)

	select {
	case e.ops <- req:
	case <-e.done:
		return response{}, ErrStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}

	select {
	case resp := <-req.resp:
		return resp, nil
	case <-e.done:
		return response{}, ErrStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

// run is the single-writer loop. All book access happens here.
func (e *Engine) run() {
	defer close(e.reports)

	e.logger.Info("engine started", zap.String("symbol", e.symbol))
	for {
		select {
		case req := <-e.ops:
			e.process(req)
		case <-e.done:
			e.logger.Info("engine stopped", zap.String("symbol", e.symbol))
			return
		}
	}
}

func (e *Engine) process(req request) {
	var resp response
	switch req.kind {
	case opSubmit:
		resp.submit, resp.err = e.processSubmit(req.submit)
	case opCancel:
		resp.cancel, resp.err = e.processCancel(req.cancelID)
	case opModify:
		resp.modify, resp.err = e.processModify(req.modify)
	case opSnapshot:
		resp.snapshot = e.processSnapshot(req.depth)
	case opSize:
		resp.size = e.book.Size()
	}
	req.resp <- resp
}

func (e *Engine) processSubmit(req OrderRequest) (SubmitResult, error) {
	// Duplicate ids are a no-op: no sequence, no journal entry.
	if e.book.Contains(req.OrderID) {
		return SubmitResult{Duplicate: true, Resting: true}, nil
	}

	seq := e.seq.Add(1)
	record := journal.Record{
		SequenceID: seq,
		Action:     journal.ActionSubmit,
		OrderID:    req.OrderID,
		Side:       req.Side,
		Kind:       req.Kind,
		Price:      req.Price,
		Quantity:   req.Quantity,
	}
	if err := e.appendJournal(record); err != nil {
		return SubmitResult{}, err
	}

	order := book.NewOrder(req.Kind, req.OrderID, req.Side, req.Price, req.Quantity)
	trades, err := e.book.Submit(order)
	if err != nil {
		e.logger.Error("book rejected fill during submit",
			zap.Uint64("order_id", uint64(req.OrderID)),
			zap.Error(err),
		)
		return SubmitResult{SequenceID: seq}, err
	}

	e.emitReports(trades, req.OrderID, req.Side)

	return SubmitResult{
		SequenceID: seq,
		Trades:     trades,
		Resting:    e.book.Contains(req.OrderID),
	}, nil
}

func (e *Engine) processCancel(id book.OrderID) (CancelResult, error) {
	if !e.book.Contains(id) {
		return CancelResult{}, nil
	}

	seq := e.seq.Add(1)
	record := journal.Record{
		SequenceID: seq,
		Action:     journal.ActionCancel,
		OrderID:    id,
	}
	if err := e.appendJournal(record); err != nil {
		return CancelResult{}, err
	}

	e.book.Cancel(id)
	return CancelResult{SequenceID: seq, Canceled: true}, nil
}

func (e *Engine) processModify(req ModifyRequest) (ModifyResult, error) {
	if !e.book.Contains(req.OrderID) {
		return ModifyResult{}, nil
	}

	seq := e.seq.Add(1)
	record := journal.Record{
		SequenceID: seq,
		Action:     journal.ActionModify,
		OrderID:    req.OrderID,
		Side:       req.Side,
		Price:      req.Price,
		Quantity:   req.Quantity,
	}
	if err := e.appendJournal(record); err != nil {
		return ModifyResult{}, err
	}

	trades, err := e.book.Modify(req.OrderID, req.Side, req.Price, req.Quantity)
	if err != nil {
		e.logger.Error("book rejected fill during modify",
			zap.Uint64("order_id", uint64(req.OrderID)),
			zap.Error(err),
		)
		return ModifyResult{SequenceID: seq, Found: true}, err
	}

	e.emitReports(trades, req.OrderID, req.Side)

	return ModifyResult{
		SequenceID: seq,
		Trades:     trades,
		Resting:    e.book.Contains(req.OrderID),
		Found:      true,
	}, nil
}

func (e *Engine) processSnapshot(depth int) domain.DepthSnapshot {
	levels := e.book.Levels()

	return domain.DepthSnapshot{
		Symbol:     e.symbol,
		SequenceID: e.seq.Load(),
		Bids:       toPriceLevels(levels.Bids, depth),
		Asks:       toPriceLevels(levels.Asks, depth),
		CapturedAt: e.now(),
	}
}

func toPriceLevels(infos []book.LevelInfo, depth int) []domain.PriceLevel {
	if depth > 0 && len(infos) > depth {
		infos = infos[:depth]
	}
	out := make([]domain.PriceLevel, len(infos))
	for i, info := range infos {
		out[i] = domain.PriceLevel{Price: info.Price, Quantity: info.Quantity}
	}
	return out
}

func (e *Engine) appendJournal(record journal.Record) error {
	if e.journal == nil {
		return nil
	}
	record.LoggedAt = e.now()
	if err := e.journal.Append(record); err != nil {
		e.logger.Error("journal append failed, rejecting operation",
			zap.Uint64("sequence_id", record.SequenceID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// emitReports turns each trade into an execution report and publishes it
// without blocking the matching loop. A full channel drops the report and
// counts the drop.
func (e *Engine) emitReports(trades []book.Trade, takerID book.OrderID, takerSide book.Side) {
	for _, trade := range trades {
		maker := trade.Bid
		if takerSide == book.SideBuy {
			maker = trade.Ask
		}

		report := domain.ExecutionReport{
			ExecID:       uuid.New().String(),
			Symbol:       e.symbol,
			SequenceID:   e.outSeq.Add(1),
			MakerOrderID: maker.OrderID,
			TakerOrderID: takerID,
			TakerSide:    takerSide,
			Price:        maker.Price, // trades execute at the resting order's price
			Quantity:     trade.Bid.Quantity,
			ExecutedAt:   e.now(),
		}

		select {
		case e.reports <- report:
		default:
			e.dropped.Add(1)
			e.logger.Warn("report channel full, dropping execution report",
				zap.Uint64("sequence_id", report.SequenceID),
			)
		}
	}
}
