package marketdata

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nathanyu/matching-engine/internal/domain"
)

const (
	defaultDepthInterval = 500 * time.Millisecond
	defaultDepthLevels   = 20
)

// Snapshotter produces aggregated depth views. Satisfied by the engine.
type Snapshotter interface {
	Snapshot(ctx context.Context, depth int) (domain.DepthSnapshot, error)
}

// DepthConfig wires a DepthPublisher.
type DepthConfig struct {
	Source Snapshotter
	// Store, when set, also caches each published snapshot in Redis.
	Store  *RedisStore
	Logger *zap.Logger
	// Interval between polls. Defaults to 500ms.
	Interval time.Duration
	// Depth caps levels per side. Defaults to 20.
	Depth int
}

// DepthPublisher polls the book for depth snapshots and fans them out to
// websocket subscribers and the cache. Snapshots are skipped while the book
// sequence has not advanced.
type DepthPublisher struct {
	source   Snapshotter
	store    *RedisStore
	hub      *Hub[domain.DepthSnapshot]
	logger   *zap.Logger
	interval time.Duration
	depth    int

	published bool
	lastSeq   uint64

	wg sync.WaitGroup
}

// NewDepthPublisher builds a DepthPublisher.
func NewDepthPublisher(cfg DepthConfig) *DepthPublisher {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultDepthInterval
	}
	if cfg.Depth <= 0 {
		cfg.Depth = defaultDepthLevels
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &DepthPublisher{
		source:   cfg.Source,
		store:    cfg.Store,
		hub:      NewHub[domain.DepthSnapshot](),
		logger:   cfg.Logger,
		interval: cfg.Interval,
		depth:    cfg.Depth,
	}
}

// Feed exposes the snapshot hub for websocket streaming.
func (p *DepthPublisher) Feed() *Hub[domain.DepthSnapshot] {
	return p.hub
}

// Start launches the poll loop. It stops when ctx is canceled.
func (p *DepthPublisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.logger.Info("depth publisher started",
			zap.Duration("interval", p.interval),
			zap.Int("depth", p.depth),
		)
		for {
			select {
			case <-ctx.Done():
				p.logger.Info("depth publisher stopped")
				return
			case <-ticker.C:
				if err := p.PublishOnce(ctx); err != nil {
					p.logger.Warn("depth publish failed", zap.Error(err))
				}
			}
		}
	}()
}

// Wait blocks until the poll loop has exited.
func (p *DepthPublisher) Wait() {
	p.wg.Wait()
}

// PublishOnce takes one snapshot and pushes it out, unless nothing changed
// since the last publish.
func (p *DepthPublisher) PublishOnce(ctx context.Context) error {
	snapshot, err := p.source.Snapshot(ctx, p.depth)
	if err != nil {
		return err
	}
	if p.published && snapshot.SequenceID == p.lastSeq {
		return nil
	}

	p.hub.Broadcast(snapshot)
	if p.store != nil {
		if err := p.store.SaveDepth(ctx, snapshot); err != nil {
			return err
		}
	}

	p.published = true
	p.lastSeq = snapshot.SequenceID
	return nil
}
