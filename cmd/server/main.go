package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"checkout/internal/cart"
	"checkout/internal/config"
	"checkout/internal/database"
	"checkout/internal/order"
	"checkout/internal/queue"
	"checkout/internal/router"
	"checkout/internal/stock"
	rediskey "checkout/pkg/redis"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	log := newLogger(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal("open database", zap.String("driver", cfg.DBDriver), zap.Error(err))
	}
	defer func() { _ = database.Close(db) }()

	rdb, err := rediskey.New(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		log.Fatal("connect redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	defer func() { _ = rdb.Close() }()

	ledger := stock.NewLedger(db, rdb, log, cfg.ListingCacheTTL)
	if n, err := ledger.Preload(ctx); err != nil {
		log.Warn("initial stock preload failed", zap.Error(err))
	} else {
		log.Info("stock cache warmed", zap.Int("variants", n))
	}

	producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer func() { _ = producer.Close() }()

	var wg sync.WaitGroup
	goRun := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	var jobs queue.Enqueuer = producer
	if cfg.QueueMode == config.QueueModeStream {
		jobs = queue.NewStreamEnqueuer(rdb, cfg.OrderJobStream)
		relay := queue.NewRelay(rdb, producer, log.Named("relay"), cfg.OrderJobStream, cfg.OrderJobGroup, cfg.OrderJobConsumer)
		goRun(func() { relay.Run(ctx) })
	}

	worker := order.NewWorker(db, rdb, log.Named("worker"), order.WorkerConfig{
		MaxAttempts:       cfg.JobMaxAttempts,
		Backoff:           cfg.JobBackoff,
		ReservationWindow: cfg.ReservationWindow,
		ResultTTL:         cfg.ResultTTL,
	})
	for i := 0; i < cfg.WorkerCount; i++ {
		wlog := log.Named("consumer").With(zap.Int("worker", i))
		goRun(func() { consume(ctx, cfg, worker.Handle, wlog) })
	}

	sweeper := order.NewSweeper(db, rdb, ledger, log.Named("sweeper"), order.SweeperConfig{
		Interval:    cfg.SweepInterval,
		BatchSize:   cfg.SweepBatchSize,
		CancelGrace: cfg.CancelGrace,
	})
	goRun(func() { sweeper.Run(ctx) })

	coord := order.NewCoordinator(ledger, rdb, jobs, cart.NewStore(db), log.Named("checkout"), order.CoordinatorConfig{
		LockTTL:           cfg.CheckoutLockTTL,
		PollInterval:      cfg.ResultPollInterval,
		PollAttempts:      cfg.ResultPollAttempts,
		ReservationWindow: cfg.ReservationWindow,
		HoldGrace:         cfg.HoldGrace,
		IdempotencyTTL:    cfg.IdempotencyTTL,
	})

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	router.Setup(r, router.Deps{
		Coordinator: coord,
		Admin:       order.NewAdmin(db, ledger, log.Named("admin")),
		Sweeper:     sweeper,
		Ledger:      ledger,
		Redis:       rdb,
		Log:         log.Named("http"),
		Config:      cfg,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("queue_mode", cfg.QueueMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	wg.Wait()
}

// consume keeps one Kafka consumer running. A consumer that stopped on a failed job is
// replaced by a fresh one, which resumes from the last committed offset.
func consume(ctx context.Context, cfg config.AppConfig, handle queue.Handler, log *zap.Logger) {
	for ctx.Err() == nil {
		c := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, handle, log)
		c.Run(ctx)
		if err := c.Close(); err != nil {
			log.Warn("consumer close", zap.Error(err))
		}

		select {
		case <-ctx.Done():
		case <-time.After(cfg.JobBackoff):
		}
	}
}

func newLogger(level string) *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if level == "debug" {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		zap.NewExample().Fatal("build logger", zap.Error(err))
	}
	if os.Getenv("HOSTNAME") != "" {
		log = log.With(zap.String("host", os.Getenv("HOSTNAME")))
	}
	return log
}
