package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"ironscout/internal/config"
	"ironscout/internal/fetch"
	"ironscout/internal/notify"
	"ironscout/internal/storage"
	"ironscout/internal/watch"
	"ironscout/pkg/logx"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "config.yaml", "path to config file (yaml or json)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("ironscout", version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "ironscout:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	boot := logx.NewConsole("info")
	boot.Debug("loading config", logx.String("path", configPath))

	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("loading config %s: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(loggingConfig(cfg))
	defer logSvc.Close()
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	log.Info("starting", logx.String("version", version), logx.String("config", configPath),
		logx.Int("categories", len(cfg.Categories)))

	opts, err := watch.OptionsFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// The validator gate for hot reloads: structural checks plus everything
	// OptionsFromConfig parses (schedule syntax, durations).
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		if err := c.Validate(); err != nil {
			return err
		}
		_, err := watch.OptionsFromConfig(c)
		return err
	})

	store, err := openStore(cfg, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	fetcher, err := newFetcher(cfg, log)
	if err != nil {
		return fmt.Errorf("fetch client: %w", err)
	}

	sender, err := notify.NewTelegram(notify.TelegramConfig{
		Token:  cfg.Telegram.Token,
		ChatID: cfg.Telegram.ChatID,
	})
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	notifier := notify.New(notifyConfig(cfg), sender, log.With(logx.String("comp", "notify")))
	notifier.Start(ctx)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		notifier.Stop(drainCtx)
	}()

	runner := watch.New(store, fetcher, notifier, opts,
		log.With(logx.String("comp", "watch")), logSvc.Timing())

	// Config hot reload: logging and watch options apply live; storage,
	// telegram credentials, and fetch transport need a restart.
	updates := mgr.Subscribe(1)
	defer mgr.Unsubscribe(updates)
	go func() {
		if err := mgr.Watch(ctx); err != nil {
			log.Warn("config watcher exited", logx.Err(err))
		}
	}()
	go func() {
		for c := range updates {
			logSvc.Apply(loggingConfig(c))
			newOpts, err := watch.OptionsFromConfig(c)
			if err != nil {
				// Validator should have caught this; keep the old options.
				log.Error("reloaded config unusable", logx.Err(err))
				continue
			}
			runner.Apply(newOpts)
		}
	}()

	notifyReady(ctx, log)

	err = runner.Run(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down", logx.Err(err))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// notifyReady tells systemd we're up and keeps the watchdog fed when one is
// configured. Both are no-ops outside systemd.
func notifyReady(ctx context.Context, log logx.Logger) {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		log.Debug("sd_notify: ready")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}

func loggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:   cfg.Logging.File.Enabled,
			Path:      cfg.Logging.File.Path,
			MaxSizeMB: cfg.Logging.File.MaxSizeMB,
		},
		Timing: logx.FileConfig{
			Enabled:   cfg.Logging.TimingFile.Enabled,
			Path:      cfg.Logging.TimingFile.Path,
			MaxSizeMB: cfg.Logging.TimingFile.MaxSizeMB,
		},
	}
}

func openStore(cfg *config.Config, log logx.Logger) (*storage.Store, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	return storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "storage")))
}

func newFetcher(cfg *config.Config, log logx.Logger) (*fetch.Client, error) {
	pageTimeout, err := config.ParseDurationField("fetch.page_timeout", cfg.Fetch.PageTimeout)
	if err != nil {
		return nil, err
	}
	return fetch.New(fetch.Config{
		BaseURL:     cfg.Fetch.BaseURL,
		Parallelism: cfg.Fetch.Parallelism,
		PageTimeout: pageTimeout,
		RatePerSec:  cfg.Fetch.RatePerSec,
	}, log.With(logx.String("comp", "fetch"))), nil
}

func notifyConfig(cfg *config.Config) notify.Config {
	if cfg.Notify == nil {
		return notify.Config{}
	}
	retryBase, _ := config.ParseDurationField("notify.retry_base", cfg.Notify.RetryBase)
	retryMaxDelay, _ := config.ParseDurationField("notify.retry_max_delay", cfg.Notify.RetryMaxDelay)
	return notify.Config{
		Workers:       cfg.Notify.Workers,
		QueueSize:     cfg.Notify.QueueSize,
		RatePerSec:    cfg.Notify.RatePerSec,
		RetryMax:      cfg.Notify.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
	}
}
