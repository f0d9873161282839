package main

import (
	"context"
	"errors"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/yourneighborhoodchef/tokcheck/internal/checker"
	"github.com/yourneighborhoodchef/tokcheck/internal/client"
	"github.com/yourneighborhoodchef/tokcheck/internal/config"
	"github.com/yourneighborhoodchef/tokcheck/internal/control"
	"github.com/yourneighborhoodchef/tokcheck/internal/dedup"
	"github.com/yourneighborhoodchef/tokcheck/internal/engine"
	"github.com/yourneighborhoodchef/tokcheck/internal/headers"
	"github.com/yourneighborhoodchef/tokcheck/internal/identifier"
	"github.com/yourneighborhoodchef/tokcheck/internal/logging"
	"github.com/yourneighborhoodchef/tokcheck/internal/metrics"
	"github.com/yourneighborhoodchef/tokcheck/internal/notify"
	"github.com/yourneighborhoodchef/tokcheck/internal/proxypool"
	"github.com/yourneighborhoodchef/tokcheck/internal/proxypool/model"
	"github.com/yourneighborhoodchef/tokcheck/internal/proxypool/source"
	"github.com/yourneighborhoodchef/tokcheck/internal/proxypool/validator"
)

const shutdownGrace = 30 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		if flags.WroteHelp(err) {
			return
		}
		_ = logging.Init("info", "console")
		logging.Fatal().Err(err).Msg("Invalid configuration.")
	}
	if err := logging.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize logging.")
	}

	telegramKinds, err := notify.ParseKinds(cfg.Telegram.Events)
	if err != nil {
		logging.Fatal().Err(err).Msg("Invalid telegram.events.")
	}

	headers.InitProfilePool(500)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	clients := client.NewCache(client.New, cfg.Checker.Timeout)

	pool := proxypool.New(
		proxypool.Config{
			FailureThreshold:  cfg.Proxy.FailureThreshold,
			CooldownDuration:  cfg.Proxy.Cooldown,
			MaxCooldowns:      cfg.Proxy.MaxCooldowns,
			LowWater:          cfg.Proxy.LowWater,
			FetchCount:        cfg.Proxy.FetchCount,
			RefreshBackoff:    cfg.Proxy.RefreshBackoff,
			RefreshBackoffMax: cfg.Proxy.RefreshBackoffMax,
		},
		proxySource(cfg),
		validator.NewValidator(cfg.Validator.Target, cfg.Validator.Timeout, cfg.Validator.Concurrency, client.New),
		proxypool.WithMetrics(m),
		proxypool.WithEvictHook(clients.Forget),
	)
	defer pool.Close()

	chk := checker.New(checker.Config{
		Target:    cfg.Checker.Target,
		Timeout:   cfg.Checker.Timeout,
		SniffBody: cfg.Checker.SniffBody,
	}, clients)

	resolved := dedup.NewFilter(cfg.Engine.BloomSize, cfg.Engine.BloomFP)
	if cfg.Engine.ResolvedFile != "" {
		if err := resolved.LoadFromFile(cfg.Engine.ResolvedFile); err != nil {
			logging.Warn().Err(err).Str("path", cfg.Engine.ResolvedFile).Msg("Could not load resolved set, starting empty.")
		} else {
			logging.Info().Uint32("approx_entries", resolved.ApproximateSize()).Msg("Loaded resolved set.")
		}
	}

	telegram := notify.NewTelegram(notify.TelegramConfig{
		BaseURL: cfg.Telegram.APIURL,
		Token:   cfg.Telegram.Token,
		ChatID:  cfg.Telegram.ChatID,
	}, nil)
	hub := notify.NewHub()
	sinks := notify.Multi{notify.Filter{Sink: telegram, Kinds: telegramKinds}, hub}
	if cfg.Log.Events {
		lines := notify.NewJSONLines(os.Stdout, 1000)
		defer lines.Close()
		sinks = append(sinks, lines)
	}

	eng := engine.New(engine.Config{
		Concurrency:    cfg.Engine.Concurrency,
		MaxAttempts:    cfg.Engine.MaxAttempts,
		MinDelay:       cfg.Engine.MinDelay,
		MaxDelay:       cfg.Engine.MaxDelay,
		MaxRPS:         cfg.Engine.MaxRPS,
		Burst:          cfg.Engine.Burst,
		EmptyPoolPause: cfg.Engine.EmptyPoolPause,
		StatusInterval: cfg.Engine.StatusInterval,
		NotifyTimeout:  cfg.Engine.NotifyTimeout,
	}, engine.Deps{
		Pool:     pool,
		Checker:  chk,
		Sources:  identifierSource(cfg),
		Sink:     sinks,
		Resolved: resolved,
		Metrics:  m,
	})

	webhook := control.NewWebhook(control.WebhookConfig{
		ChatID: cfg.Telegram.ChatID,
		Secret: cfg.Telegram.WebhookSecret,
	}, eng, telegram)

	server := control.NewServer(control.ServerConfig{
		Listen:   cfg.Server.Listen,
		User:     cfg.Server.User,
		Password: cfg.Server.Password,
	}, control.Handlers{
		Webhook: webhook,
		Events:  hub,
		Metrics: m.Handler(),
		Status:  statusFunc(eng, pool, clients, hub),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go hub.Run(ctx)
	go func() {
		if err := server.Serve(); err != nil {
			logging.Error().Err(err).Msg("HTTP server failed.")
			stop()
		}
	}()

	if cfg.Telegram.WebhookURL != "" {
		wctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := telegram.SetWebhook(wctx, cfg.Telegram.WebhookURL, cfg.Telegram.WebhookSecret); err != nil {
			logging.Error().Err(err).Msg("Failed to set webhook.")
		}
		cancel()
	} else {
		logging.Warn().Msg("No webhook URL configured, Telegram commands will not arrive.")
	}

	go func() {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if n, err := pool.Refresh(rctx); err != nil {
			logging.Warn().Err(err).Msg("Initial proxy refresh failed.")
		} else {
			logging.Info().Int("admitted", n).Msg("Initial proxy refresh done.")
		}
	}()

	if cfg.Autostart {
		if err := eng.HandleStart(ctx); err != nil {
			logging.Error().Err(err).Msg("Autostart failed.")
		}
	}

	<-ctx.Done()
	logging.Info().Msg("Shutting down...")

	if err := eng.HandleStop(); err != nil && !errors.Is(err, engine.ErrNotRunning) {
		logging.Warn().Err(err).Msg("Stop failed.")
	}
	select {
	case <-eng.Done():
	case <-time.After(shutdownGrace):
		logging.Warn().Msg("In-flight probes did not finish in time.")
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		logging.Warn().Err(err).Msg("HTTP server shutdown failed.")
	}
	webhook.Wait()

	if cfg.Engine.ResolvedFile != "" {
		if err := resolved.SaveToFile(cfg.Engine.ResolvedFile); err != nil {
			logging.Error().Err(err).Msg("Failed to save resolved set.")
		}
	}
}

func proxySource(cfg *config.Config) source.Source {
	if cfg.Proxy.Provider == "static" {
		return source.NewStatic(config.SplitList(cfg.Proxy.Static), cfg.Proxy.Protocol)
	}
	return source.NewWebshare(cfg.Proxy.WebshareURL, cfg.Proxy.WebshareKey, cfg.Proxy.Protocol, 0, nil)
}

// identifierSource picks, in order: explicit identifiers, a wordlist, or
// random short handles.
func identifierSource(cfg *config.Config) engine.SourceFactory {
	return func() (identifier.Source, error) {
		if ids := config.SplitList(cfg.Engine.Identifiers); len(ids) > 0 {
			return identifier.NewSlice(ids), nil
		}
		if cfg.Engine.Wordlist != "" {
			return identifier.OpenFile(cfg.Engine.Wordlist)
		}
		return identifier.NewRandom(identifier.RandomConfig{
			MinLen: cfg.Engine.RandomMinLen,
			MaxLen: cfg.Engine.RandomMaxLen,
			Digits: cfg.Engine.RandomDigits,
			Limit:  cfg.Engine.RandomLimit,
		}), nil
	}
}

// statusView is the /status document: engine status plus the per-proxy
// view and client counts.
type statusView struct {
	engine.Status
	Proxies       []model.Proxy `json:"proxies"`
	CachedClients int           `json:"cached_clients"`
	EventClients  int           `json:"event_clients"`
}

func statusFunc(eng *engine.Engine, pool *proxypool.Pool, clients *client.Cache, hub *notify.Hub) func() interface{} {
	return func() interface{} {
		proxies := pool.Snapshot()
		for i := range proxies {
			proxies[i].Endpoint = redactEndpoint(proxies[i].Endpoint)
		}
		return statusView{
			Status:        eng.HandleStatus(),
			Proxies:       proxies,
			CachedClients: clients.Len(),
			EventClients:  hub.Clients(),
		}
	}
}

// redactEndpoint masks the proxy password.
func redactEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return u.Redacted()
}
