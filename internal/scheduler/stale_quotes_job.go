package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/folioworks/rebalancer/internal/domain"
	"github.com/folioworks/rebalancer/internal/pricefeed"
)

// SessionChecker reports whether a session is currently active
type SessionChecker interface {
	Active() bool
}

// StaleQuotesJob pulls quotes synchronously when the push feed has gone quiet.
// The pull covers every symbol already in the cache; newly opened portfolios
// get their symbols pulled on demand by the valuation endpoint instead.
type StaleQuotesJob struct {
	cache      *pricefeed.Cache
	source     domain.QuoteSource
	persister  pricefeed.Persister
	sessions   SessionChecker
	staleAfter time.Duration
	timeout    time.Duration
	log        zerolog.Logger
}

// NewStaleQuotesJob creates the staleness pull fallback job
func NewStaleQuotesJob(cache *pricefeed.Cache, source domain.QuoteSource, persister pricefeed.Persister, sessions SessionChecker, staleAfter, timeout time.Duration, log zerolog.Logger) *StaleQuotesJob {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StaleQuotesJob{
		cache:      cache,
		source:     source,
		persister:  persister,
		sessions:   sessions,
		staleAfter: staleAfter,
		timeout:    timeout,
		log:        log.With().Str("job", "stale_quotes_pull").Logger(),
	}
}

// Run pulls fresh quotes if the cache has not been updated within the
// staleness window. Pull failures are logged and swallowed: the cache keeps
// serving last-known values and the next tick tries again.
func (j *StaleQuotesJob) Run() error {
	if !j.sessions.Active() {
		return nil
	}
	if !j.cache.StaleSince(j.staleAfter) {
		return nil
	}

	symbols := j.cache.Symbols()
	if len(symbols) == 0 {
		return nil
	}

	j.log.Info().
		Int("symbols", len(symbols)).
		Dur("stale_after", j.staleAfter).
		Msg("Cache stale, pulling quotes")

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	quotes, err := j.source.PullQuotes(ctx, symbols)
	if err != nil {
		j.log.Warn().Err(err).Msg("Stale quote pull failed")
		return nil
	}
	if len(quotes) == 0 {
		return nil
	}

	j.cache.Merge(quotes, time.Now())
	if j.persister != nil {
		if err := j.persister.SaveQuotes(quotes); err != nil {
			j.log.Warn().Err(err).Msg("Failed to persist pulled quotes")
		}
	}

	j.log.Debug().Int("quotes", len(quotes)).Msg("Stale quote pull completed")
	return nil
}

// Name returns the job name for scheduling and logging
func (j *StaleQuotesJob) Name() string {
	return "stale_quotes_pull"
}
