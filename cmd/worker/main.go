package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	mqcontracts "anniversary-notifier/contracts/mq"
	"anniversary-notifier/internal/config"
	"anniversary-notifier/internal/httpserver"
	"anniversary-notifier/internal/mqhandler"
	"anniversary-notifier/internal/repository"
	"anniversary-notifier/internal/service/guard"
	"anniversary-notifier/internal/service/notifier"
	"anniversary-notifier/internal/sink"
	"anniversary-notifier/pkg/db"
	"anniversary-notifier/pkg/logger"
	"anniversary-notifier/pkg/mq"
	redisclient "anniversary-notifier/pkg/redis"
	"anniversary-notifier/pkg/util"
)

func main() {
	log := logger.NewLogger()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting worker service...",
		zap.String("queue", cfg.Worker.Queue),
		zap.Int("concurrency", cfg.Worker.Concurrency),
	)

	// Init Redis
	rdb := redisclient.NewRedisClient(cfg.Redis)
	defer rdb.Close()
	if err := redisclient.Ping(ctx, rdb); err != nil {
		// lease 会 fail open，不阻止启动
		log.Warn("Redis not reachable at startup", zap.Error(err))
	}

	// Init DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	eventRepo := repository.NewEventRepository(dbConn)
	sentLogRepo := repository.NewSentLogRepository(dbConn)
	ledger := guard.NewGuard(sentLogRepo, cfg.Scheduler.ReclaimFailed, log)

	lease := util.NewDeduperWithLogger(rdb, cfg.Worker.LeaseTTL, log)
	// 计数器要活得比整条重试链久
	attempts := util.NewRetryCounter(rdb, time.Duration(cfg.Worker.MaxAttempts+1)*cfg.Worker.RetryMaxDelay)

	sinkClient := sink.NewClient(sink.Config{
		URL:        cfg.Sink.URL,
		Timeout:    cfg.Sink.Timeout,
		RatePerSec: cfg.Sink.RatePerSec,
		Burst:      cfg.Sink.Burst,
		Breaker:    cfg.Sink.Breaker,
	}, log)

	worker := notifier.NewWorker(ledger, sinkClient, lease, attempts, eventRepo, notifier.Config{
		TargetHour:     cfg.Scheduler.TargetHour,
		RetryBaseDelay: cfg.Worker.RetryBaseDelay,
		RetryMaxDelay:  cfg.Worker.RetryMaxDelay,
		MaxAttempts:    cfg.Worker.MaxAttempts,
	}, log)
	occurrenceHandler := mqhandler.NewOccurrenceDueHandler(worker, log)

	log.Info("Initializing occurrence consumer", zap.String("queue", cfg.Worker.Queue))
	consumer, err := mq.NewConsumer(cfg.MQ.URL, cfg.Worker.Queue, mqcontracts.RoutingKeyOccurrenceDue, log)
	if err != nil {
		log.Fatal("Failed to init occurrence consumer", zap.Error(err))
	}
	defer consumer.Close()
	if err := consumer.SetConcurrency(cfg.Worker.Concurrency, cfg.Worker.Prefetch); err != nil {
		log.Fatal("Failed to set consumer QoS", zap.Error(err))
	}
	consumer.SetHandler(occurrenceHandler.HandleOccurrenceDue)

	router := httpserver.NewRouter(httpserver.Options{
		Checks: []httpserver.ReadinessCheck{
			{Name: "db", Check: func(ctx context.Context) error { return dbConn.Ping(ctx) }},
			{Name: "redis", Check: func(ctx context.Context) error { return redisclient.Ping(ctx, rdb) }},
		},
		Logger: log,
	})
	server := httpserver.NewServer(":"+cfg.Worker.HTTPPort, router, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.StartConsuming(gctx)
	})
	g.Go(func() error {
		return server.Start(gctx)
	})

	log.Info("Worker is ready to process messages")
	if err := g.Wait(); err != nil {
		log.Error("Worker stopped with error", zap.Error(err))
	}
	log.Info("Worker stopped")
}
