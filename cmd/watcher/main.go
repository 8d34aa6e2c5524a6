package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"registry_watch/internal/cache"
	"registry_watch/internal/config"
	"registry_watch/internal/dispatcher"
	"registry_watch/internal/httpapi"
	"registry_watch/internal/metrics"
	"registry_watch/internal/model"
	"registry_watch/internal/notify"
	"registry_watch/internal/poller"
	"registry_watch/internal/registry"
	"registry_watch/internal/storage"
	"registry_watch/internal/subscriptions"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		if cfg.StrictConfig {
			log.Error("invalid config", "error", err)
			os.Exit(1)
		}
		log.Warn("invalid config", "error", err)
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := openCache(ctx, cfg.RedisURL)
	if err != nil {
		log.Error("open cache", "error", err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	digest := notify.NewDigest(log)
	senders := newSenders(cfg, httpClient, digest)

	if cfg.SubscriptionsFile != "" {
		loader := subscriptions.NewLoader(cfg.SubscriptionsFile, store, senders, log)
		if _, err := loader.Load(ctx); err != nil {
			if cfg.StrictConfig {
				log.Error("load subscriptions", "path", cfg.SubscriptionsFile, "error", err)
				os.Exit(1)
			}
			log.Warn("load subscriptions", "path", cfg.SubscriptionsFile, "error", err)
		}
		go func() {
			if err := loader.Watch(ctx); err != nil {
				log.Warn("watch subscriptions", "error", err)
			}
		}()
	}
	if err := checkEmail(ctx, cfg, store); err != nil {
		if cfg.StrictConfig {
			log.Error("email channels", "error", err)
			os.Exit(1)
		}
		log.Warn("email channels", "error", err)
	}

	disp := dispatcher.New(senders, store, log, dispatcher.Options{
		Cache:            c,
		DestinationLimit: cfg.DestRatePerMinute,
		Metrics:          m,
	})

	p := poller.New(registry.New(cfg.RegistryURL, httpClient), store, c, disp, log, poller.Options{
		Interval:   cfg.PollInterval,
		LockTTL:    cfg.PollInterval * 9 / 10,
		InstanceID: cfg.InstanceID,
		Metrics:    m,
	})

	digest.Start(ctx)

	var wg sync.WaitGroup
	if cfg.HTTPAddr != "" {
		router := httpapi.NewRouter(httpapi.Deps{
			Store:   store,
			Cache:   c,
			Poller:  p,
			Metrics: metrics.Handler(reg),
			Log:     log,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpapi.Serve(ctx, cfg.HTTPAddr, router, log); err != nil {
				log.Error("http server", "error", err)
				cancel()
			}
		}()
	}

	log.Info("starting watcher",
		"registry", cfg.RegistryURL,
		"interval", cfg.PollInterval,
		"instance", cfg.InstanceID,
	)
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug("sd_notify", "error", err)
	}

	p.Run(ctx)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	digest.Stop(context.Background())
	wg.Wait()

	log.Info("watcher stopped")
}

func openCache(ctx context.Context, redisURL string) (cache.Cache, error) {
	if redisURL == "" {
		return cache.NewMemory(), nil
	}
	r, err := cache.NewRedis(ctx, redisURL, "registry_watch:")
	if err != nil {
		return nil, err
	}
	return r, nil
}

func newSenders(cfg *config.Config, client *http.Client, digest *notify.Digest) *notify.Registry {
	chat := notify.Options{
		Client:      client,
		Limiter:     notify.NewChatLimiter(cfg.ChatRatePerMinute, 1),
		Policy:      notify.Policy{Attempts: cfg.RetryAttemptsChat, Base: notify.ChatPolicy.Base},
		RegistryURL: cfg.RegistryURL,
	}
	webhook := notify.Options{
		Client:      client,
		Policy:      notify.Policy{Attempts: cfg.RetryAttemptsWebhook, Base: notify.WebhookPolicy.Base},
		RegistryURL: cfg.RegistryURL,
	}
	email := notify.Options{
		Policy:      notify.Policy{Attempts: cfg.RetryAttemptsEmail, Base: notify.EmailPolicy.Base},
		RegistryURL: cfg.RegistryURL,
	}
	smtp := notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}

	// Telegram has its own API quota, so it gets a separate bucket.
	telegram := chat
	telegram.Limiter = notify.NewChatLimiter(cfg.ChatRatePerMinute, 1)

	return notify.NewRegistry(
		notify.NewDiscord(chat),
		notify.NewSlack(chat),
		notify.NewTeams(chat),
		notify.NewTelegram(telegram),
		notify.NewWebhook(webhook),
		notify.NewEmail(smtp, email, digest),
	)
}

// checkEmail reports active email channels that cannot be delivered
// because SMTP is not configured.
func checkEmail(ctx context.Context, cfg *config.Config, store storage.Storage) error {
	if cfg.SMTPConfigured() {
		return nil
	}
	subs, err := store.GetActiveSubscriptions(ctx)
	if err != nil {
		return err
	}
	for _, s := range subs {
		for _, ch := range s.Channels {
			if ch.Type == model.ChannelEmail && ch.Enabled {
				return errors.New("email channel " + ch.ID + " is configured but SMTP_HOST or SMTP_FROM is not set")
			}
		}
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
