package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"appliance-dispatch/internal/api"
	"appliance-dispatch/internal/calendar"
	"appliance-dispatch/internal/chat"
	"appliance-dispatch/internal/config"
	"appliance-dispatch/internal/directory"
	"appliance-dispatch/internal/fsm"
	"appliance-dispatch/internal/lock"
	"appliance-dispatch/internal/queue"
	"appliance-dispatch/internal/store"
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
	sender := chat.NewSender(q, cfg.ChunkSize, cfg.MaxMessageLen, log)
	notifier := chat.NewNotifier(sender, log)
	dir := directory.New(rdb)

	var cal fsm.Calendar = calendar.Noop{}
	if cfg.CalendarBaseURL != "" {
		cal = calendar.NewHTTPClient(cfg.CalendarBaseURL, cfg.CalendarTimeout)
	}

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

	server := api.New(cfg, st, q, engine, sender, dir, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Infof("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
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
	return l.WithField("service", "api")
}
