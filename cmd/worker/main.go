package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"appliance-dispatch/internal/calendar"
	"appliance-dispatch/internal/chat"
	"appliance-dispatch/internal/config"
	"appliance-dispatch/internal/delivery"
	"appliance-dispatch/internal/directory"
	"appliance-dispatch/internal/fsm"
	"appliance-dispatch/internal/lock"
	"appliance-dispatch/internal/media"
	"appliance-dispatch/internal/queue"
	"appliance-dispatch/internal/ratelimit"
	"appliance-dispatch/internal/store"
	"appliance-dispatch/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	log := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	q := queue.New(rdb, queue.Options{
		VisibilityTimeout: cfg.VisibilityTimeout,
		DLQName:           cfg.DLQName,
	})
	bucket := ratelimit.NewTokenBucket(rdb, cfg.MaxTokens, cfg.SlowModeThreshold, cfg.CriticalThreshold, cfg.RefillInterval)
	go func() {
		if err := bucket.RunRefiller(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("refiller stopped")
		}
	}()

	sender := chat.NewSender(q, cfg.ChunkSize, cfg.MaxMessageLen, log)
	notifier := chat.NewNotifier(sender, log)
	dir := directory.New(rdb)

	var cal fsm.Calendar = calendar.Noop{}
	if cfg.CalendarBaseURL != "" {
		cal = calendar.NewHTTPClient(cfg.CalendarBaseURL, cfg.CalendarTimeout)
	}

	// The worker carries its own engine so scheduled timer deliveries can
	// re-enter the lifecycle without a round trip through the API.
	engine := fsm.New(fsm.Options{
		Store:       st,
		Locks:       lock.NewManager(rdb, cfg.LockTTL),
		Calendar:    cal,
		Notifier:    notifier,
		Sender:      sender,
		Directory:   dir,
		Timers:      queue.NewTimerScheduler(q),
		UnlockDelay: cfg.CompletionUnlockDelay,
		Log:         log,
	})

	// Constructed even without a bucket: plain-URL references pass through
	// and only s3:// ones are rejected.
	resolver, err := media.NewResolver(ctx, cfg)
	if err != nil {
		log.Fatalf("init media resolver: %v", err)
	}

	worker := delivery.New(delivery.Options{
		Queue:              q,
		Bucket:             bucket,
		Transport:          chat.NewBotAPI(cfg.ChatAPIBase, cfg.ChatBotToken, cfg.ChatTimeout),
		Media:              resolver,
		Events:             engine,
		Cards:              st,
		PollInterval:       cfg.WorkerPollInterval,
		ScheduledBatchSize: int64(cfg.ScheduledBatchSize),
		MaxAttempts:        cfg.MaxAttempts,
		BackoffInitial:     cfg.BackoffInitial,
		BackoffMax:         cfg.BackoffMax,
		MaxMessageLen:      cfg.MaxMessageLen,
		Log:                log,
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Infof("metrics server stopped: %v", err)
		}
	}()

	log.Infof("worker started visibility=%s backoff_initial=%s max_attempts=%d",
		cfg.VisibilityTimeout, cfg.BackoffInitial, cfg.MaxAttempts)
	if err := worker.Run(ctx); err != nil {
		log.Infof("worker stopped: %v", err)
	}
}

func newLogger(cfg config.Config) *logrus.Entry {
	l := logrus.New()
	if cfg.Env == "dev" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
		l.SetLevel(logrus.InfoLevel)
	}
	return l.WithField("service", "worker")
}
