// Package rebalance holds the latest trade recommendation batch produced by
// the external calculator, together with its paired drift comparison table.
package rebalance

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/folioworks/rebalancer/internal/domain"
	"github.com/folioworks/rebalancer/internal/events"
)

// ErrInvalidAmount is returned for a non-positive cash rebalance amount
var ErrInvalidAmount = errors.New("cash rebalance amount must be positive")

// Installer receives each new batch (or nil on invalidation) so per-trade
// execution state can be reset together with the plan.
type Installer interface {
	Install(generation uuid.UUID, plan *domain.RebalancePlan)
}

// Consumer requests plans from the calculator and holds the latest one.
// Receiving a new batch unconditionally discards the previous batch and all
// per-trade execution state; there is no merge.
type Consumer struct {
	calc      domain.RebalanceCalculator
	installer Installer
	eventBus  *events.Manager
	log       zerolog.Logger

	mu         sync.RWMutex
	plan       *domain.RebalancePlan
	generation uuid.UUID
}

// NewConsumer creates a plan consumer
func NewConsumer(calc domain.RebalanceCalculator, installer Installer, eventBus *events.Manager, log zerolog.Logger) *Consumer {
	return &Consumer{
		calc:      calc,
		installer: installer,
		eventBus:  eventBus,
		log:       log.With().Str("component", "rebalance_consumer").Logger(),
	}
}

// Calculate requests a full rebalance plan and installs it
func (c *Consumer) Calculate(ctx context.Context, portfolioID int64) (*domain.RebalancePlan, error) {
	plan, err := c.calc.CalculateRebalance(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("rebalance calculation failed: %w", err)
	}
	c.install(plan)
	return plan, nil
}

// CalculateCash requests a cash-injection rebalance plan for the given amount
// of new cash to deploy and installs it
func (c *Consumer) CalculateCash(ctx context.Context, portfolioID int64, amount float64) (*domain.RebalancePlan, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: got %.2f", ErrInvalidAmount, amount)
	}
	plan, err := c.calc.CalculateCashRebalance(ctx, portfolioID, amount)
	if err != nil {
		return nil, fmt.Errorf("cash rebalance calculation failed: %w", err)
	}
	c.install(plan)
	return plan, nil
}

// install replaces the current batch wholesale under a fresh generation ID
func (c *Consumer) install(plan *domain.RebalancePlan) {
	generation := uuid.New()

	c.mu.Lock()
	c.plan = plan
	c.generation = generation
	c.mu.Unlock()

	if c.installer != nil {
		c.installer.Install(generation, plan)
	}

	if plan.Balanced() {
		c.log.Info().Int64("portfolio_id", plan.PortfolioID).Msg("Portfolio already balanced, no trades needed")
	} else {
		c.log.Info().
			Int64("portfolio_id", plan.PortfolioID).
			Int("trades", len(plan.Trades)).
			Str("generation", generation.String()).
			Msg("Rebalance plan installed")
	}

	if c.eventBus != nil {
		c.eventBus.EmitTyped(events.PlanUpdated, "rebalance_consumer", &events.PlanUpdatedData{
			PortfolioID: plan.PortfolioID,
			Generation:  generation.String(),
			Trades:      len(plan.Trades),
			Balanced:    plan.Balanced(),
		})
	}
}

// Plan returns the current batch and its generation, if any
func (c *Consumer) Plan() (*domain.RebalancePlan, uuid.UUID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.plan, c.generation, c.plan != nil
}

// Invalidate discards the current batch and its execution state. Called when
// holdings or targets change outside of trade execution: stale derived state
// must never be displayed or acted upon.
func (c *Consumer) Invalidate() {
	c.mu.Lock()
	had := c.plan != nil
	c.plan = nil
	c.generation = uuid.Nil
	c.mu.Unlock()

	if c.installer != nil {
		c.installer.Install(uuid.Nil, nil)
	}
	if had {
		c.log.Debug().Msg("Rebalance plan invalidated")
	}
}
