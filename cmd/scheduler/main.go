package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"anniversary-notifier/internal/config"
	"anniversary-notifier/internal/handler"
	"anniversary-notifier/internal/httpserver"
	"anniversary-notifier/internal/repository"
	"anniversary-notifier/internal/service/discovery"
	"anniversary-notifier/internal/service/dispatch"
	"anniversary-notifier/internal/service/guard"
	"anniversary-notifier/internal/service/reconcile"
	"anniversary-notifier/internal/service/scheduler"
	"anniversary-notifier/internal/service/user"
	"anniversary-notifier/internal/timezone"
	"anniversary-notifier/pkg/db"
	"anniversary-notifier/pkg/logger"
	"anniversary-notifier/pkg/mq"
	"anniversary-notifier/pkg/outbox"
	redisclient "anniversary-notifier/pkg/redis"
)

func main() {
	issueRole := flag.String("issue-token", "", "print an admin token for this role (viewer|operator|admin) and exit")
	subject := flag.String("subject", "ops", "token subject used with -issue-token")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "token lifetime used with -issue-token")
	flag.Parse()

	log := logger.NewLogger()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	if *issueRole != "" {
		token, err := httpserver.GenerateToken(*subject, *issueRole, cfg.JWT.Secret, *tokenTTL)
		if err != nil {
			log.Fatal("Failed to issue token", zap.Error(err))
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting scheduler service...",
		zap.Int("target_hour", cfg.Scheduler.TargetHour),
		zap.Int("catch_up_hours", cfg.Scheduler.CatchUpHours),
		zap.String("cron", cfg.Scheduler.Cron),
	)

	// Init DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	if err := db.Migrate(ctx, dbConn, log); err != nil {
		log.Fatal("Migration failed", zap.Error(err))
	}

	// Redis 只用于 readiness，scheduler 本身不依赖它
	rdb := redisclient.NewRedisClient(cfg.Redis)
	defer rdb.Close()

	catalog, err := timezone.LoadSystemCatalog(cfg.Scheduler.ZoneinfoDirs, log)
	if err != nil {
		log.Fatal("Failed to load timezone catalog", zap.Error(err))
	}

	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	// Init Repositories
	userRepo := repository.NewUserRepository(dbConn)
	eventRepo := repository.NewEventRepository(dbConn)
	sentLogRepo := repository.NewSentLogRepository(dbConn)
	outboxRepo := outbox.NewRepository(dbConn)

	// Init Services
	scanner := timezone.NewScanner(catalog, cfg.Scheduler.CatchUpHours)
	discoverer := discovery.NewDiscoverer(eventRepo, log)
	claimGuard := guard.NewGuard(sentLogRepo, cfg.Scheduler.ReclaimFailed, log)
	dispatcher := dispatch.NewDispatcher(publisher, outboxRepo, cfg.Scheduler.BatchSize, log)
	sched := scheduler.NewScheduler(scanner, discoverer, claimGuard, dispatcher,
		cfg.Scheduler.TargetHour, cfg.Scheduler.BucketConcurrency, log)
	reconciler := reconcile.NewReconciler(sentLogRepo, dispatcher,
		cfg.Scheduler.StalePendingAfter, cfg.Scheduler.BatchSize, log)
	userService := user.NewService(userRepo, eventRepo, catalog, cfg.Scheduler.TargetHour, log)

	relay := outbox.NewRelay(outboxRepo, publisher, log).
		WithInterval(cfg.Outbox.Interval).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxRetries(cfg.Outbox.MaxRetries)

	c := scheduler.NewCron(log)
	if _, err := sched.Register(ctx, c, cfg.Scheduler.Cron); err != nil {
		log.Fatal("Failed to schedule tick", zap.Error(err))
	}
	if _, err := reconciler.Register(ctx, c, cfg.Scheduler.ReconcileCron); err != nil {
		log.Fatal("Failed to schedule reconciler", zap.Error(err))
	}

	router := httpserver.NewRouter(httpserver.Options{
		JWTSecret: cfg.JWT.Secret,
		Checks: []httpserver.ReadinessCheck{
			{Name: "db", Check: func(ctx context.Context) error { return dbConn.Ping(ctx) }},
			{Name: "redis", Check: func(ctx context.Context) error { return redisclient.Ping(ctx, rdb) }},
			{Name: "mq", Check: func(context.Context) error {
				if !publisher.IsConnected() {
					return fmt.Errorf("publisher disconnected")
				}
				return nil
			}},
		},
		Zones:  catalog.Names,
		Admin:  handler.NewAdminHandler(sched, eventRepo, sentLogRepo, reconciler, outboxRepo, log),
		Users:  handler.NewUserHandler(userService, log),
		Logger: log,
	})
	server := httpserver.NewServer(":"+cfg.Server.Port, router, log)

	// 启动时先跑一次，覆盖停机期间落在 catch-up 窗口内的事件
	if _, err := sched.Tick(ctx, time.Now()); err != nil {
		log.Warn("Startup tick failed", zap.Error(err))
	}

	c.Start()
	log.Info("Scheduler is running", zap.Int("timezones", catalog.Len()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		relay.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Scheduler stopped with error", zap.Error(err))
	}

	// 等待正在执行的 tick 结束
	<-c.Stop().Done()
	log.Info("Scheduler stopped")
}
