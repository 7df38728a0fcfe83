// Package execution drives per-trade execution of a rebalance batch against
// the backend trade ledger and performs the final cash settlement.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/folioworks/rebalancer/internal/domain"
	"github.com/folioworks/rebalancer/internal/events"
)

// State is the execution state of one recommendation index
type State int

const (
	StateIdle State = iota
	StateExecuting
	StateDone
	StateError
)

// String returns the state name for display and JSON
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Settlement describes the batch-level cash settlement state
type Settlement string

const (
	SettlementNone      Settlement = "none"      // no remainder to settle, or batch incomplete
	SettlementCompleted Settlement = "completed" // cash balance updated exactly once
	SettlementFailed    Settlement = "failed"    // trades done but cash update failed
)

var (
	// ErrNoPlan is returned when no batch is installed
	ErrNoPlan = errors.New("no rebalance plan installed")
	// ErrIndexOutOfRange is returned for an index outside the batch
	ErrIndexOutOfRange = errors.New("trade index out of range")
	// ErrNotExecutable is returned when the index is not in idle or error state
	ErrNotExecutable = errors.New("trade is not in an executable state")
	// ErrBatchReplaced is returned when the owning batch was replaced while
	// the trade booking was in flight; the result is discarded
	ErrBatchReplaced = errors.New("rebalance batch was replaced")
)

// SettlementError reports a failed cash settlement after a fully executed
// batch. Distinct from trade errors: the trades have already succeeded, so
// this is a dangling-consistency state the caller must surface explicitly.
type SettlementError struct {
	PortfolioID int64
	Amount      float64
	Err         error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("trades executed but cash settlement of %.2f for portfolio %d failed: %v", e.Amount, e.PortfolioID, e.Err)
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

// Status is a snapshot of the current batch's execution progress
type Status struct {
	Generation      string     `json:"generation"`
	States          []string   `json:"states"`
	Settlement      Settlement `json:"settlement"`
	UnallocatedCash *float64   `json:"unallocatedCash,omitempty"`
}

// Orchestrator tracks per-trade state for the current batch, indexed by
// position in the batch. State exists only for the lifetime of one batch and
// is discarded wholesale when a new batch is installed.
type Orchestrator struct {
	ledger   domain.TradeLedger
	store    domain.PortfolioStore
	eventBus *events.Manager
	timeout  time.Duration
	log      zerolog.Logger

	mu         sync.Mutex
	generation uuid.UUID
	plan       *domain.RebalancePlan
	states     []State
	settlement Settlement
	settled    bool
}

// NewOrchestrator creates a trade execution orchestrator
func NewOrchestrator(ledger domain.TradeLedger, store domain.PortfolioStore, eventBus *events.Manager, timeout time.Duration, log zerolog.Logger) *Orchestrator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Orchestrator{
		ledger:   ledger,
		store:    store,
		eventBus: eventBus,
		timeout:  timeout,
		log:      log.With().Str("component", "trade_execution").Logger(),
	}
}

// Install replaces the tracked batch and resets all per-trade state. In-flight
// bookings for the old batch run to completion but their results are
// discarded: no transition exists once the owning batch is replaced.
func (o *Orchestrator) Install(generation uuid.UUID, plan *domain.RebalancePlan) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.generation = generation
	o.plan = plan
	o.settlement = SettlementNone
	o.settled = false
	if plan == nil {
		o.states = nil
		return
	}
	o.states = make([]State, len(plan.Trades))
}

// Execute books the trade at the given index. Only legal from idle or error;
// retry is this same operation invoked again after a failure. Different
// indices may execute concurrently, but two concurrent executes for the same
// index are rejected.
func (o *Orchestrator) Execute(ctx context.Context, index int) error {
	o.mu.Lock()
	if o.plan == nil {
		o.mu.Unlock()
		return ErrNoPlan
	}
	if index < 0 || index >= len(o.states) {
		o.mu.Unlock()
		return ErrIndexOutOfRange
	}
	if o.states[index] != StateIdle && o.states[index] != StateError {
		o.mu.Unlock()
		return fmt.Errorf("%w: index %d is %s", ErrNotExecutable, index, o.states[index])
	}
	o.states[index] = StateExecuting
	generation := o.generation
	plan := o.plan
	rec := plan.Trades[index]
	o.mu.Unlock()

	o.log.Info().
		Int("index", index).
		Str("symbol", rec.TickerSymbol).
		Str("action", string(rec.Action)).
		Float64("shares", rec.Shares).
		Msg("Executing trade")

	// A booking already sent to the ledger must run to completion even if
	// the caller goes away; only the per-call timeout bounds it.
	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	trade, err := o.ledger.BookTrade(bookCtx, plan.PortfolioID, rec.HoldingID, domain.BookTradeRequest{
		Date:     time.Now().Format("2006-01-02"),
		Type:     rec.Action,
		Quantity: rec.Shares,
		Price:    rec.CurrentPrice,
	})

	o.mu.Lock()
	if o.generation != generation {
		o.mu.Unlock()
		o.log.Warn().Int("index", index).Msg("Batch replaced during execution, discarding result")
		return ErrBatchReplaced
	}

	if err != nil {
		o.states[index] = StateError
		o.mu.Unlock()

		o.log.Error().Err(err).Int("index", index).Str("symbol", rec.TickerSymbol).Msg("Trade booking failed")
		if o.eventBus != nil {
			o.eventBus.Emit(events.TradeFailed, "trade_execution", map[string]interface{}{
				"portfolio_id": plan.PortfolioID,
				"index":        index,
				"symbol":       rec.TickerSymbol,
				"error":        err.Error(),
			})
		}
		return fmt.Errorf("failed to book trade for %s: %w", rec.TickerSymbol, err)
	}

	o.states[index] = StateDone
	settle := o.completionCheckLocked()
	o.mu.Unlock()

	o.log.Info().
		Int("index", index).
		Int64("trade_id", trade.ID).
		Str("symbol", rec.TickerSymbol).
		Msg("Trade executed")

	if o.eventBus != nil {
		o.eventBus.EmitTyped(events.TradeExecuted, "trade_execution", &events.TradeExecutedData{
			PortfolioID: plan.PortfolioID,
			HoldingID:   rec.HoldingID,
			Symbol:      rec.TickerSymbol,
			Action:      string(rec.Action),
			Shares:      rec.Shares,
			Price:       rec.CurrentPrice,
			Index:       index,
			Generation:  generation.String(),
		})
		// Execution success is only meaningful once reflected in the
		// authoritative holdings and portfolio records.
		o.eventBus.Emit(events.HoldingsRefreshRequested, "trade_execution", map[string]interface{}{
			"portfolio_id": plan.PortfolioID,
		})
	}

	if settle {
		return o.settle(plan, generation)
	}
	return nil
}

// completionCheckLocked re-scans all indices after a success. It reports true
// when the whole batch is done, a positive unallocated-cash remainder exists
// and settlement has not fired yet; the caller then performs the settlement.
// The settled flag is flipped here, under the lock, so the call fires at most
// once per batch and never races an in-flight execution.
func (o *Orchestrator) completionCheckLocked() bool {
	if o.settled || o.plan == nil {
		return false
	}
	for _, s := range o.states {
		if s != StateDone {
			return false
		}
	}
	if o.plan.UnallocatedCash == nil || *o.plan.UnallocatedCash <= 0 {
		return false
	}
	o.settled = true
	return true
}

// settle issues the single cash-balance update for the completed batch
func (o *Orchestrator) settle(plan *domain.RebalancePlan, generation uuid.UUID) error {
	amount := *plan.UnallocatedCash

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	err := o.store.UpdateCashBalance(ctx, plan.PortfolioID, amount)

	o.mu.Lock()
	if o.generation == generation {
		if err != nil {
			o.settlement = SettlementFailed
		} else {
			o.settlement = SettlementCompleted
		}
	}
	o.mu.Unlock()

	if err != nil {
		o.log.Error().Err(err).
			Int64("portfolio_id", plan.PortfolioID).
			Float64("amount", amount).
			Msg("Cash settlement failed after completed batch")
		if o.eventBus != nil {
			o.eventBus.EmitTyped(events.SettlementFailed, "trade_execution", &events.SettlementData{
				PortfolioID: plan.PortfolioID,
				Amount:      amount,
				Error:       err.Error(),
			})
		}
		return &SettlementError{PortfolioID: plan.PortfolioID, Amount: amount, Err: err}
	}

	o.log.Info().
		Int64("portfolio_id", plan.PortfolioID).
		Float64("amount", amount).
		Msg("Batch complete, unallocated cash settled")
	if o.eventBus != nil {
		o.eventBus.EmitTyped(events.SettlementCompleted, "trade_execution", &events.SettlementData{
			PortfolioID: plan.PortfolioID,
			Amount:      amount,
		})
	}
	return nil
}

// Status returns a snapshot of the current batch's progress
func (o *Orchestrator) Status() (Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.plan == nil {
		return Status{}, false
	}

	states := make([]string, len(o.states))
	for i, s := range o.states {
		states[i] = s.String()
	}
	return Status{
		Generation:      o.generation.String(),
		States:          states,
		Settlement:      o.settlement,
		UnallocatedCash: o.plan.UnallocatedCash,
	}, true
}

// States returns the raw per-index states for the current batch
func (o *Orchestrator) States() []State {
	o.mu.Lock()
	defer o.mu.Unlock()

	states := make([]State, len(o.states))
	copy(states, o.states)
	return states
}
