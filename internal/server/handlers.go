package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/folioworks/rebalancer/internal/domain"
	"github.com/folioworks/rebalancer/internal/events"
	"github.com/folioworks/rebalancer/internal/execution"
	"github.com/folioworks/rebalancer/internal/pricefeed"
	"github.com/folioworks/rebalancer/internal/rebalance"
	"github.com/folioworks/rebalancer/internal/session"
	"github.com/folioworks/rebalancer/internal/valuation"
)

// Handlers carries the engine services the HTTP API exposes
type Handlers struct {
	sessions     *session.Manager
	cache        *pricefeed.Cache
	store        domain.PortfolioStore
	source       domain.QuoteSource
	persister    pricefeed.Persister
	consumer     *rebalance.Consumer
	orchestrator *execution.Orchestrator
	defaultDrift float64
	log          zerolog.Logger

	// Display-only feed status, driven by bus events. Never gates any
	// computation or request.
	feedConnected atomic.Bool
}

// NewHandlers creates the API handlers and wires the feed status tracker
func NewHandlers(
	sessions *session.Manager,
	cache *pricefeed.Cache,
	store domain.PortfolioStore,
	source domain.QuoteSource,
	persister pricefeed.Persister,
	consumer *rebalance.Consumer,
	orchestrator *execution.Orchestrator,
	defaultDrift float64,
	eventBus *events.Bus,
	log zerolog.Logger,
) *Handlers {
	h := &Handlers{
		sessions:     sessions,
		cache:        cache,
		store:        store,
		source:       source,
		persister:    persister,
		consumer:     consumer,
		orchestrator: orchestrator,
		defaultDrift: defaultDrift,
		log:          log.With().Str("component", "handlers").Logger(),
	}

	eventBus.Subscribe(events.FeedConnected, func(e *events.Event) {
		h.feedConnected.Store(true)
	})
	eventBus.Subscribe(events.FeedDisconnected, func(e *events.Event) {
		h.feedConnected.Store(false)
	})
	eventBus.Subscribe(events.SessionEnded, func(e *events.Event) {
		h.feedConnected.Store(false)
	})

	return h
}

// HandleStatus returns overall engine status
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"sessionActive": h.sessions.Active(),
		"feedConnected": h.feedConnected.Load(),
		"cachedSymbols": len(h.cache.Symbols()),
	}
	if last := h.cache.LastUpdated(); !last.IsZero() {
		status["lastQuoteUpdate"] = last.Format(time.RFC3339)
	}
	respondJSON(w, http.StatusOK, status)
}

// HandleCreateSession establishes a session from a bearer token
func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.sessions.Establish(req.Token); err != nil {
		if errors.Is(err, session.ErrTokenExpired) || errors.Is(err, session.ErrEmptyToken) {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"active": true})
}

// HandleEndSession terminates the current session
func (h *Handlers) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	h.sessions.End()
	respondJSON(w, http.StatusOK, map[string]interface{}{"active": false})
}

// valuationResponse is the drift table plus display state for one portfolio
type valuationResponse struct {
	PortfolioID   int64               `json:"portfolioId"`
	HasData       bool                `json:"hasData"`
	TotalValue    float64             `json:"totalValue"`
	Currency      string              `json:"currency"`
	Entries       []domain.DriftEntry `json:"entries"`
	MaxDrift      float64             `json:"maxDrift"`
	DriftWarning  bool                `json:"driftWarning"`
	WarningRows   []domain.DriftEntry `json:"warningRows"`
	PnL           valuation.PnL       `json:"pnl"`
	FeedConnected bool                `json:"feedConnected"`
}

// HandleValuation recomputes the full drift table for one portfolio. Symbols
// not yet in the cache are pulled synchronously first; pull failures are
// swallowed and the affected holdings value at zero until a price arrives.
func (h *Handlers) HandleValuation(w http.ResponseWriter, r *http.Request) {
	portfolioID, err := portfolioIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid portfolio id")
		return
	}

	portfolio, err := h.store.FetchPortfolio(r.Context(), portfolioID)
	if err != nil {
		h.log.Error().Err(err).Int64("portfolio_id", portfolioID).Msg("Failed to fetch portfolio")
		respondError(w, http.StatusBadGateway, "failed to fetch portfolio")
		return
	}

	symbols := make([]string, 0, len(portfolio.Holdings))
	for _, holding := range portfolio.Holdings {
		symbols = append(symbols, holding.TickerSymbol)
	}
	if missing := h.cache.Missing(symbols); len(missing) > 0 {
		h.pullMissing(r, missing)
	}

	threshold := portfolio.DriftThreshold
	if threshold <= 0 {
		threshold = h.defaultDrift
	}
	result := valuation.Compute(valuation.Input{
		Holdings:       portfolio.Holdings,
		Targets:        portfolio.TargetAllocations,
		CashBalance:    portfolio.CashBalance,
		DriftThreshold: threshold,
		Prices:         h.cache,
	})

	respondJSON(w, http.StatusOK, valuationResponse{
		PortfolioID:   portfolioID,
		HasData:       result.HasData,
		TotalValue:    result.TotalValue,
		Currency:      portfolio.BaseCurrency,
		Entries:       result.Entries,
		MaxDrift:      result.MaxDrift,
		DriftWarning:  result.DriftWarning,
		WarningRows:   result.SignificantEntries(),
		PnL:           result.PnL,
		FeedConnected: h.feedConnected.Load(),
	})
}

// pullMissing fetches quotes for symbols absent from the cache. Failures are
// logged and swallowed.
func (h *Handlers) pullMissing(r *http.Request, missing []string) {
	quotes, err := h.source.PullQuotes(r.Context(), missing)
	if err != nil {
		h.log.Warn().Err(err).Strs("symbols", missing).Msg("On-demand quote pull failed")
		return
	}
	if len(quotes) == 0 {
		return
	}
	h.cache.Merge(quotes, time.Now())
	if h.persister != nil {
		if err := h.persister.SaveQuotes(quotes); err != nil {
			h.log.Warn().Err(err).Msg("Failed to persist pulled quotes")
		}
	}
}

// planResponse pairs the current plan with its execution progress
type planResponse struct {
	Plan       *domain.RebalancePlan `json:"plan"`
	Generation string                `json:"generation"`
	Balanced   bool                  `json:"balanced"`
	States     []string              `json:"states,omitempty"`
	Settlement execution.Settlement  `json:"settlement,omitempty"`
}

// HandleCalculateRebalance requests a fresh drift-correction plan
func (h *Handlers) HandleCalculateRebalance(w http.ResponseWriter, r *http.Request) {
	portfolioID, err := portfolioIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid portfolio id")
		return
	}

	plan, err := h.consumer.Calculate(r.Context(), portfolioID)
	if err != nil {
		h.log.Error().Err(err).Int64("portfolio_id", portfolioID).Msg("Rebalance calculation failed")
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.respondPlan(w, plan)
}

// HandleCalculateCashRebalance requests a plan distributing a cash amount
func (h *Handlers) HandleCalculateCashRebalance(w http.ResponseWriter, r *http.Request) {
	portfolioID, err := portfolioIDParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid portfolio id")
		return
	}

	var req struct {
		Amount float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	plan, err := h.consumer.CalculateCash(r.Context(), portfolioID, req.Amount)
	if err != nil {
		if errors.Is(err, rebalance.ErrInvalidAmount) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Int64("portfolio_id", portfolioID).Msg("Cash rebalance calculation failed")
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.respondPlan(w, plan)
}

// HandleCurrentPlan returns the installed plan and its execution progress
func (h *Handlers) HandleCurrentPlan(w http.ResponseWriter, r *http.Request) {
	plan, _, ok := h.consumer.Plan()
	if !ok {
		respondError(w, http.StatusNotFound, "no rebalance plan installed")
		return
	}
	h.respondPlan(w, plan)
}

// HandleInvalidatePlan discards the installed plan and its execution state
func (h *Handlers) HandleInvalidatePlan(w http.ResponseWriter, r *http.Request) {
	h.consumer.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) respondPlan(w http.ResponseWriter, plan *domain.RebalancePlan) {
	resp := planResponse{Plan: plan, Balanced: plan.Balanced()}
	if status, ok := h.orchestrator.Status(); ok {
		resp.Generation = status.Generation
		resp.States = status.States
		resp.Settlement = status.Settlement
	}
	respondJSON(w, http.StatusOK, resp)
}

// HandleExecuteTrade executes one recommendation from the current batch
func (h *Handlers) HandleExecuteTrade(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid trade index")
		return
	}

	err = h.orchestrator.Execute(r.Context(), index)

	var settlementErr *execution.SettlementError
	switch {
	case err == nil:
	case errors.As(err, &settlementErr):
		// Trades succeeded; only the final cash update failed. Reported
		// with the full execution status so the client can show the
		// batch as done but unsettled.
		status, _ := h.orchestrator.Status()
		respondJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":      settlementErr.Error(),
			"settlement": status.Settlement,
			"states":     status.States,
		})
		return
	case errors.Is(err, execution.ErrNoPlan), errors.Is(err, execution.ErrIndexOutOfRange):
		respondError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, execution.ErrNotExecutable), errors.Is(err, execution.ErrBatchReplaced):
		respondError(w, http.StatusConflict, err.Error())
		return
	default:
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	status, _ := h.orchestrator.Status()
	respondJSON(w, http.StatusOK, status)
}

func portfolioIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
