package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nathanyu/matching-engine/internal/config"
	"github.com/nathanyu/matching-engine/internal/engine"
	"github.com/nathanyu/matching-engine/internal/feed"
	"github.com/nathanyu/matching-engine/internal/gateway"
	"github.com/nathanyu/matching-engine/internal/handler"
	"github.com/nathanyu/matching-engine/internal/journal"
	"github.com/nathanyu/matching-engine/internal/marketdata"
	"github.com/nathanyu/matching-engine/internal/middleware"
	"github.com/nathanyu/matching-engine/internal/outbox"
	"github.com/nathanyu/matching-engine/internal/telemetry"
)

const metricsSyncInterval = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting matching engine",
		zap.String("symbol", cfg.Symbol),
		zap.String("environment", cfg.Environment),
	)

	// bgCtx stops the background loops (depth publisher, feed drain,
	// metrics sync) during shutdown.
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	shutdownTracer, err := telemetry.InitTracer(bgCtx, "matching-engine", cfg.Telemetry.Endpoint, cfg.Environment, logger)
	if err != nil {
		logger.Fatal("init tracer", zap.Error(err))
	}

	// --- Core components ---

	var jnl *journal.Journal
	if cfg.Journal.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0o755); err != nil {
			logger.Fatal("create journal directory", zap.Error(err))
		}
		jnl, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			logger.Fatal("open journal", zap.Error(err))
		}
	}

	eng := engine.New(engine.Config{
		Symbol:  cfg.Symbol,
		Journal: jnl,
		Logger:  logger,
	})
	if jnl != nil {
		if err := eng.Replay(); err != nil {
			logger.Fatal("replay journal", zap.Error(err))
		}
	}

	// The outbox only exists to feed the broker. Without a drain it would
	// grow unbounded, so its lifecycle follows the Kafka switch.
	var (
		ob          *outbox.Outbox
		kafkaPub    *feed.KafkaPublisher
		broadcaster *feed.Broadcaster
	)
	if cfg.Kafka.Enabled {
		ob, err = outbox.Open(cfg.Outbox.Dir)
		if err != nil {
			logger.Fatal("open outbox", zap.Error(err))
		}
		maxSeq, err := ob.MaxSequence()
		if err != nil {
			logger.Fatal("read outbox sequence", zap.Error(err))
		}
		eng.SeedOutboundSequence(maxSeq)

		kafkaPub = feed.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		broadcaster = feed.NewBroadcaster(feed.Config{
			Outbox:          ob,
			Publisher:       kafkaPub,
			Logger:          logger,
			Interval:        cfg.Outbox.DrainInterval,
			BatchSize:       cfg.Outbox.BatchSize,
			CompactInterval: cfg.Outbox.CompactInterval,
		})
	}

	eng.Start()

	market := marketdata.NewService(marketdata.ServiceConfig{
		Symbol:         cfg.Symbol,
		TapeCapacity:   cfg.Market.TapeCapacity,
		CandleInterval: cfg.Market.CandleInterval,
		Logger:         logger,
	})
	market.Start()

	var (
		redisClient *redis.Client
		store       *marketdata.RedisStore
	)
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store = marketdata.NewRedisStore(redisClient, cfg.Redis.SnapshotTTL)

		pingCtx, cancel := context.WithTimeout(bgCtx, 2*time.Second)
		if err := store.Ping(pingCtx); err != nil {
			logger.Warn("redis unreachable, depth cache degraded", zap.Error(err))
		}
		cancel()
	}

	depth := marketdata.NewDepthPublisher(marketdata.DepthConfig{
		Source:   eng,
		Store:    store,
		Logger:   logger,
		Interval: cfg.Market.DepthInterval,
		Depth:    cfg.Market.DepthLevels,
	})

	// --- Wire the report fan-out ---
	//
	// Engine → [Reports] → outbox (durable, drained to Kafka)
	//                    → market data (tape, candles, websocket hub)
	//
	// The fan-out is the single consumer of the report channel; it ends
	// when the engine stops and closes it.
	fanoutDone := make(chan struct{})
	go func() {
		defer close(fanoutDone)
		for report := range eng.Reports() {
			if ob != nil {
				if err := ob.Put(report); err != nil {
					logger.Error("outbox append failed",
						zap.Uint64("sequence_id", report.SequenceID),
						zap.Error(err),
					)
				}
			}
			market.Record(report)
			middleware.TradesTotal.WithLabelValues(report.Symbol).Inc()
		}
	}()

	depth.Start(bgCtx)
	if broadcaster != nil {
		broadcaster.Start(bgCtx)
	}

	// --- Order gateway (NATS) ---

	var (
		natsConn *nats.Conn
		gw       *gateway.Gateway
	)
	if cfg.NATS.Enabled {
		natsConn, err = gateway.Connect(cfg.NATS.URL, logger)
		if err != nil {
			logger.Fatal("connect nats", zap.Error(err))
		}
		gw = gateway.New(gateway.Config{
			Engine:  eng,
			Conn:    natsConn,
			Subject: cfg.NATS.Subject,
			Logger:  logger,
		})
		if err := gw.Start(); err != nil {
			logger.Fatal("start gateway", zap.Error(err))
		}
	}

	// --- Gauge sync ---

	go func() {
		ticker := time.NewTicker(metricsSyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sizeCtx, cancel := context.WithTimeout(bgCtx, time.Second)
				size, err := eng.Size(sizeCtx)
				cancel()
				if err == nil {
					middleware.RestingOrders.Set(float64(size))
				}
				middleware.OperationSequence.Set(float64(eng.CurrentSequence()))
				middleware.DroppedReports.Set(float64(eng.DroppedReports()))
			case <-bgCtx.Done():
				return
			}
		}
	}()

	// --- HTTP server ---

	r := gin.Default()
	r.Use(middleware.Prometheus())
	r.Use(middleware.Tracing())

	h := handler.New(handler.Config{
		Engine: eng,
		Market: market,
		Depth:  depth,
		Cache:  store,
		Logger: logger,
	})
	h.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	// --- Metrics server ---

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    cfg.HTTP.MetricsAddr,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server listening", zap.String("addr", cfg.HTTP.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	// --- Graceful shutdown ---

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancelShutdown()

	// Stop ingress first so no new operations arrive, then drain the
	// pipeline back to front.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", zap.Error(err))
	}
	if gw != nil {
		gw.Stop()
	}
	if natsConn != nil {
		if err := natsConn.Drain(); err != nil {
			logger.Warn("nats drain", zap.Error(err))
		}
	}

	eng.Stop()
	<-fanoutDone
	market.Stop()

	cancelBg()
	depth.Wait()
	if broadcaster != nil {
		broadcaster.Wait()
		if _, err := broadcaster.DrainOnce(shutdownCtx); err != nil {
			logger.Warn("final feed drain", zap.Error(err))
		}
	}
	if kafkaPub != nil {
		if err := kafkaPub.Close(); err != nil {
			logger.Warn("close kafka writer", zap.Error(err))
		}
	}
	if ob != nil {
		if err := ob.Close(); err != nil {
			logger.Warn("close outbox", zap.Error(err))
		}
	}
	if jnl != nil {
		if err := jnl.Close(); err != nil {
			logger.Warn("close journal", zap.Error(err))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("close redis client", zap.Error(err))
		}
	}
	shutdownTracer()

	logger.Info("matching engine stopped")
}
