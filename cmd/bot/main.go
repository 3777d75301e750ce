package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xjedubot/internal/bot"
	"xjedubot/internal/config"
	"xjedubot/internal/monitor"
	rtsup "xjedubot/internal/runtime/supervisor"
	"xjedubot/internal/storage"
	"xjedubot/internal/transport/telegram"
	logx "xjedubot/pkg/logx"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.NewConsole(cfg.Logging.Level))
	if err != nil {
		return fmt.Errorf("telegram adapter: %w", err)
	}

	logSvc, log := logx.New(logConfig(cfg.Logging), adapter)
	defer logSvc.Close()
	if cfg.Telegram.GroupLog != 0 {
		logSvc.SetTelegramTarget(cfg.Telegram.GroupLog, cfg.Logging.Telegram.ThreadID)
	}

	mgr.SetLogger(log.With(logx.String("comp", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		return config.Validate(c)
	})

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	storePath := cfg.Storage.Path
	if storePath == "" {
		storePath = "./xjedubot_store.json"
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        storePath,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	opt, err := monitor.OptionsFromConfig(cfg.Monitor)
	if err != nil {
		return err
	}
	svc := monitor.New(opt, store, adapter, log.With(logx.String("comp", "monitor")))
	if err := svc.Load(ctx); err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	router := bot.NewRouter(adapter, svc, cfg.Telegram.OwnerUserIDs, log.With(logx.String("comp", "bot")))
	if err := router.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	sup := rtsup.New(ctx, rtsup.WithLogger(log), rtsup.WithCancelOnError(false))
	sup.Go("config.watch", mgr.Watch)

	// Mirror pipeline lifecycle events into the operational log.
	events, unsubEvents := svc.Events().Subscribe(64)
	defer unsubEvents()
	evLog := log.With(logx.String("comp", "events"))
	sup.Go0("monitor.events", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				evLog.Debug(ev.Type, logx.Time("at", ev.Time), logx.Any("data", ev.Data))
			}
		}
	})

	// Hot-apply logging changes; everything else takes effect on restart.
	updates := mgr.Subscribe(1)
	sup.Go0("config.apply", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-updates:
				if !ok || next == nil {
					return
				}
				logSvc.Apply(logConfig(next.Logging))
				if next.Telegram.GroupLog != 0 {
					logSvc.SetTelegramTarget(next.Telegram.GroupLog, next.Logging.Telegram.ThreadID)
				}
				log.Info("logging config applied")
			}
		}
	})

	log.Info("xjedubot started",
		logx.String("config", configPath),
		logx.String("storage", cfg.Storage.Driver),
		logx.Int("tasks", len(svc.List())))

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := router.Stop(shutdownCtx); err != nil {
		log.Warn("router stop", logx.Err(err))
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Warn("monitor stop", logx.Err(err))
	}
	mgr.Unsubscribe(updates)
	_ = sup.Stop(shutdownCtx)
	return nil
}

func logConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}
