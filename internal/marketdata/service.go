package marketdata

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nathanyu/matching-engine/internal/book"
	"github.com/nathanyu/matching-engine/internal/domain"
)

const (
	candleRingCapacity    = 100
	defaultTapeCapacity   = 1000
	defaultCandleInterval = time.Minute
)

// Stats summarizes the trade tape.
type Stats struct {
	LastPrice    book.Price    `json:"last_price"`
	LastQuantity book.Quantity `json:"last_quantity"`
	TradeCount   uint64        `json:"trade_count"`
	Volume       book.Quantity `json:"volume"`
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Symbol string
	// TapeCapacity bounds the in-memory trade tape. Defaults to 1000.
	TapeCapacity int
	// CandleInterval is the bucketing interval. Defaults to 1m.
	CandleInterval time.Duration
	Logger         *zap.Logger
}

// Service turns the stream of execution reports into market data: a bounded
// trade tape, OHLCV candles, and a live trade feed for websocket clients.
type Service struct {
	mu sync.RWMutex

	symbol   string
	interval time.Duration
	label    string

	tape     *ring[domain.ExecutionReport]
	candles  *ring[domain.Candle]
	building domain.Candle
	hasData  bool

	current Stats

	trades *Hub[domain.ExecutionReport]
	logger *zap.Logger

	ticker   *time.Ticker
	done     chan struct{}
	stopOnce sync.Once
}

// NewService builds a Service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.TapeCapacity <= 0 {
		cfg.TapeCapacity = defaultTapeCapacity
	}
	if cfg.CandleInterval <= 0 {
		cfg.CandleInterval = defaultCandleInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Service{
		symbol:   cfg.Symbol,
		interval: cfg.CandleInterval,
		label:    intervalLabel(cfg.CandleInterval),
		tape:     newRing[domain.ExecutionReport](cfg.TapeCapacity),
		candles:  newRing[domain.Candle](candleRingCapacity),
		trades:   NewHub[domain.ExecutionReport](),
		logger:   cfg.Logger,
		done:     make(chan struct{}),
	}
}

// Start begins candle rotation.
func (s *Service) Start() {
	s.ticker = time.NewTicker(s.interval)
	go s.run()
}

// Stop shuts the rotation loop down.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.done)
	})
}

func (s *Service) run() {
	s.logger.Info("market data service started",
		zap.String("symbol", s.symbol),
		zap.String("interval", s.label),
	)
	for {
		select {
		case <-s.ticker.C:
			s.rotateCandle()
		case <-s.done:
			s.logger.Info("market data service stopped")
			return
		}
	}
}

// TradeFeed exposes the live execution report hub for websocket streaming.
func (s *Service) TradeFeed() *Hub[domain.ExecutionReport] {
	return s.trades
}

// Record ingests one execution report: it lands on the tape, folds into the
// building candle, and goes out to live subscribers.
func (s *Service) Record(report domain.ExecutionReport) {
	s.mu.Lock()
	s.tape.push(report)
	s.current.LastPrice = report.Price
	s.current.LastQuantity = report.Quantity
	s.current.TradeCount++
	s.current.Volume += report.Quantity
	s.updateCandle(report)
	s.mu.Unlock()

	s.trades.Broadcast(report)
}

func (s *Service) updateCandle(report domain.ExecutionReport) {
	if !s.hasData {
		s.building = domain.Candle{
			Symbol:    s.symbol,
			Open:      report.Price,
			High:      report.Price,
			Low:       report.Price,
			Close:     report.Price,
			Volume:    report.Quantity,
			Timestamp: report.ExecutedAt.Truncate(s.interval),
			Interval:  s.label,
		}
		s.hasData = true
		return
	}

	if report.Price > s.building.High {
		s.building.High = report.Price
	}
	if report.Price < s.building.Low {
		s.building.Low = report.Price
	}
	s.building.Close = report.Price
	s.building.Volume += report.Quantity
}

// rotateCandle closes the building candle and opens the next interval.
func (s *Service) rotateCandle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasData {
		return
	}
	s.candles.push(s.building)
	s.hasData = false
	s.building = domain.Candle{}
}

// Candles returns up to count recent candles, oldest first. The still
// building candle is included last when it has trades.
func (s *Service) Candles(count int) []domain.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := s.candles.recent(count)
	if s.hasData {
		result = append(result, s.building)
	}
	return result
}

// Trades returns up to limit tape entries, oldest first, optionally
// filtered by participating order id (0 matches all) and a lower time bound.
func (s *Service) Trades(limit int, orderID book.OrderID, since time.Time) []domain.ExecutionReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.ExecutionReport
	for _, report := range s.tape.all() {
		if orderID != 0 && report.MakerOrderID != orderID && report.TakerOrderID != orderID {
			continue
		}
		if !since.IsZero() && report.ExecutedAt.Before(since) {
			continue
		}
		result = append(result, report)
	}

	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result
}

// Stats returns the running tape summary.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func intervalLabel(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return d.String()
	}
}
