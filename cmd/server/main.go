// Package main is the entry point for the portfolio rebalancing engine. It
// wires the quote cache, the streaming price feed, the valuation engine and
// the trade execution orchestrator behind an HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/folioworks/rebalancer/internal/clientdata"
	"github.com/folioworks/rebalancer/internal/clients/backend"
	"github.com/folioworks/rebalancer/internal/config"
	"github.com/folioworks/rebalancer/internal/events"
	"github.com/folioworks/rebalancer/internal/execution"
	"github.com/folioworks/rebalancer/internal/pricefeed"
	"github.com/folioworks/rebalancer/internal/rebalance"
	"github.com/folioworks/rebalancer/internal/scheduler"
	"github.com/folioworks/rebalancer/internal/server"
	"github.com/folioworks/rebalancer/internal/session"
	"github.com/folioworks/rebalancer/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting rebalancing engine")

	// Persistent quote cache, warmed into the in-memory cache below
	db, err := clientdata.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open client data database")
	}
	defer db.Close()
	quoteRepo := clientdata.NewRepository(db, cfg.QuoteTTL)

	bus := events.NewBus()
	eventManager := events.NewManager(bus, log)

	cache := pricefeed.NewCache()
	if quotes, err := quoteRepo.LoadFresh(); err != nil {
		log.Warn().Err(err).Msg("Failed to warm quote cache from disk")
	} else if len(quotes) > 0 {
		cache.Warm(quotes)
		log.Info().Int("quotes", len(quotes)).Msg("Quote cache warmed from disk")
	}

	// The backend client reads the token lazily so it always uses the
	// current session's credentials.
	var sessions *session.Manager
	backendClient := backend.NewClient(cfg.BackendURL, cfg.RequestTimeout, func() string {
		return sessions.Token()
	}, log)

	orchestrator := execution.NewOrchestrator(backendClient, backendClient, eventManager, cfg.RequestTimeout, log)
	consumer := rebalance.NewConsumer(backendClient, orchestrator, eventManager, log)

	// Each session gets its own feed instance so nothing from a previous
	// connection can leak into the next one.
	feedFactory := func(token string) session.Feed {
		feedURL := cfg.FeedURL
		if token != "" {
			feedURL += "?token=" + url.QueryEscape(token)
		}
		return pricefeed.NewManager(feedURL, cfg.ReconnectDelay, cache, backendClient, quoteRepo, eventManager, log)
	}
	sessions = session.NewManager(feedFactory, eventManager, log)

	// A session end invalidates the installed plan along with its
	// execution state.
	bus.Subscribe(events.SessionEnded, func(e *events.Event) {
		consumer.Invalidate()
	})

	sched := scheduler.New(log)
	staleJob := scheduler.NewStaleQuotesJob(cache, backendClient, quoteRepo, sessions, cfg.StaleAfter, cfg.RequestTimeout, log)
	if err := sched.AddJob(cfg.PullSchedule, staleJob); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.PullSchedule).Msg("Failed to register stale quotes job")
	}
	if err := sched.AddJob("0 0 3 * * *", clientdata.NewCleanupJob(quoteRepo, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register cleanup job")
	}
	sched.Start()

	// Restore a session from the environment token, if present and unexpired
	sessions.Restore(cfg.SessionToken)

	srv := server.New(server.Config{
		Log:          log,
		Port:         cfg.Port,
		DevMode:      cfg.DevMode,
		Sessions:     sessions,
		Cache:        cache,
		Store:        backendClient,
		Source:       backendClient,
		Persister:    quoteRepo,
		Consumer:     consumer,
		Orchestrator: orchestrator,
		DriftDefault: cfg.DriftThreshold,
		EventBus:     bus,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Engine started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	sched.Stop()
	sessions.End()

	log.Info().Msg("Shutdown complete")
}
