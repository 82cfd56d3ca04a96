package feed

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nathanyu/matching-engine/internal/outbox"
)

const (
	defaultDrainInterval   = 250 * time.Millisecond
	defaultBatchSize       = 256
	defaultCompactInterval = time.Minute
)

// Config wires a Broadcaster.
type Config struct {
	Outbox    *outbox.Outbox
	Publisher Publisher
	Logger    *zap.Logger
	// Interval between drain sweeps. Defaults to 250ms.
	Interval time.Duration
	// BatchSize caps reports pushed per sweep. Defaults to 256.
	BatchSize int
	// CompactInterval between acked-report cleanups. Defaults to 1m.
	CompactInterval time.Duration
}

// Broadcaster drains the outbox to the feed on a ticker. Delivery is
// at-least-once: a report is only acked after the publisher accepted it, so
// a crash between publish and ack replays the report.
type Broadcaster struct {
	outbox          *outbox.Outbox
	publisher       Publisher
	logger          *zap.Logger
	interval        time.Duration
	batchSize       int
	compactInterval time.Duration

	wg sync.WaitGroup
}

// NewBroadcaster builds a Broadcaster.
func NewBroadcaster(cfg Config) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultDrainInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.CompactInterval <= 0 {
		cfg.CompactInterval = defaultCompactInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Broadcaster{
		outbox:          cfg.Outbox,
		publisher:       cfg.Publisher,
		logger:          cfg.Logger,
		interval:        cfg.Interval,
		batchSize:       cfg.BatchSize,
		compactInterval: cfg.CompactInterval,
	}
}

// Start launches the drain loop. It stops when ctx is canceled.
func (b *Broadcaster) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		drain := time.NewTicker(b.interval)
		defer drain.Stop()
		compact := time.NewTicker(b.compactInterval)
		defer compact.Stop()

		b.logger.Info("feed broadcaster started",
			zap.Duration("interval", b.interval),
			zap.Int("batch_size", b.batchSize),
		)
		for {
			select {
			case <-ctx.Done():
				b.logger.Info("feed broadcaster stopped")
				return
			case <-drain.C:
				if n, err := b.DrainOnce(ctx); err != nil {
					b.logger.Warn("feed drain interrupted, will retry",
						zap.Int("published", n),
						zap.Error(err),
					)
				}
			case <-compact.C:
				if n, err := b.outbox.CompactAcked(); err != nil {
					b.logger.Warn("outbox compaction failed", zap.Error(err))
				} else if n > 0 {
					b.logger.Debug("compacted acked reports", zap.Int("removed", n))
				}
			}
		}
	}()
}

// Wait blocks until the drain loop has exited.
func (b *Broadcaster) Wait() {
	b.wg.Wait()
}

// DrainOnce pushes pending reports oldest-first and stops at the first
// failure, so the feed never observes reports out of sequence order.
func (b *Broadcaster) DrainOnce(ctx context.Context) (int, error) {
	published := 0
	err := b.outbox.ScanPending(b.batchSize, func(seq uint64, record outbox.Record) error {
		if err := b.outbox.MarkSent(seq); err != nil {
			return err
		}
		if err := b.publisher.Publish(ctx, record.Report); err != nil {
			return err
		}
		if err := b.outbox.MarkAcked(seq); err != nil {
			return err
		}
		published++
		return nil
	})
	return published, err
}
