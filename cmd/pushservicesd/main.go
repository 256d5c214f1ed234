package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/splendidbits/pushservices/internal/config"
	"github.com/splendidbits/pushservices/internal/dispatch/gcm"
	"github.com/splendidbits/pushservices/internal/eventbus"
	"github.com/splendidbits/pushservices/internal/storage"
	"github.com/splendidbits/pushservices/internal/taskqueue"
	"github.com/splendidbits/pushservices/pkg/logx"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig(cfg.Logging.File),
	})
	defer logSvc.Close()
	mgr.SetLogger(log)
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		_, _, err := c.Queue.Durations()
		return err
	})

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	throttle, sweep, err := cfg.Queue.Durations()
	if err != nil {
		return err
	}
	gcmTimeout, err := config.ParseDurationField("gcm.timeout", cfg.GCM.Timeout)
	if err != nil {
		return err
	}

	bus := eventbus.New()
	dispatcher := gcm.New(gcm.Config{
		Endpoint:    cfg.GCM.Endpoint,
		Timeout:     gcmTimeout,
		Concurrency: cfg.GCM.Concurrency,
	}, log)
	queue := taskqueue.New(taskqueue.Config{
		QueueSize:  cfg.Queue.QueueSize,
		Throttle:   throttle,
		SweepEvery: sweep,
	}, store, dispatcher, bus, log)

	queue.Start(ctx)
	log.Info("pushservices up",
		logx.String("config", cfgPath),
		logx.String("storage", cfg.Storage.Driver))

	// Hot-reload: log level and queue tunables follow the config file.
	go func() {
		_ = mgr.Watch(ctx)
	}()
	updates := mgr.Subscribe(1)
	defer mgr.Unsubscribe(updates)
	go func() {
		for next := range updates {
			logSvc.Apply(logx.Config{
				Level:   next.Logging.Level,
				Console: next.Logging.Console,
				File:    logx.FileConfig(next.Logging.File),
			})
			throttle, sweep, err := next.Queue.Durations()
			if err != nil {
				continue
			}
			queue.Apply(taskqueue.Config{
				QueueSize:  next.Queue.QueueSize,
				Throttle:   throttle,
				SweepEvery: sweep,
			})
			log.Info("config reloaded", logx.Duration("throttle", throttle))
		}
	}()

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	queue.Stop(stopCtx)
	return nil
}
