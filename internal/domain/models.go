// Package domain contains the core models and collaborator contracts of the
// rebalancing engine. The domain layer is pure: no transport, storage or
// framework dependencies.
package domain

import "time"

// AssetClass is a coarse categorical bucket used for allocation targets
type AssetClass string

const (
	AssetClassEquity     AssetClass = "EQUITY"
	AssetClassBond       AssetClass = "BOND"
	AssetClassCommodity  AssetClass = "COMMODITY"
	AssetClassRealEstate AssetClass = "REAL_ESTATE"
	AssetClassCash       AssetClass = "CASH"
)

// Valid reports whether the asset class is one of the known buckets
func (a AssetClass) Valid() bool {
	switch a {
	case AssetClassEquity, AssetClassBond, AssetClassCommodity, AssetClassRealEstate, AssetClassCash:
		return true
	}
	return false
}

// TradeAction is the direction of a recommended or booked trade
type TradeAction string

const (
	ActionBuy  TradeAction = "BUY"
	ActionSell TradeAction = "SELL"
)

// Quote is the latest market snapshot for one symbol. Quotes are ephemeral
// and replaced wholesale per symbol on every update; the engine keeps no
// price history.
type Quote struct {
	Symbol        string  `json:"symbol"`
	Name          string  `json:"name,omitempty"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	Currency      string  `json:"currency"`
}

// QuoteBatch is one push-channel message: a set of quotes plus the time the
// upstream produced them
type QuoteBatch struct {
	Quotes    []Quote   `json:"quotes"`
	Timestamp time.Time `json:"timestamp"`
}

// Holding is a ticker position owned by a portfolio. Quantity and cost mutate
// only through trade execution or explicit edits upstream.
type Holding struct {
	ID           int64      `json:"id"`
	TickerSymbol string     `json:"tickerSymbol"`
	Name         string     `json:"name,omitempty"`
	AssetClass   AssetClass `json:"assetClass"`
	Quantity     float64    `json:"quantity"`
	TotalCost    *float64   `json:"totalCost,omitempty"` // nil when cost basis is unknown
	RealizedPnL  float64    `json:"realizedPnL"`
	Currency     string     `json:"currency"`
}

// TargetAllocation is the desired share of portfolio value for one asset class
type TargetAllocation struct {
	AssetClass       AssetClass `json:"assetClass"`
	TargetPercentage float64    `json:"targetPercentage"`
}

// Portfolio aggregates holdings, cash and targets. CashBalance is mutated by
// explicit user edits upstream and by batch cash settlement in this engine.
type Portfolio struct {
	ID                int64              `json:"id"`
	Name              string             `json:"name"`
	BaseCurrency      string             `json:"baseCurrency"`
	CashBalance       float64            `json:"cashBalance"`
	DriftThreshold    float64            `json:"driftThreshold"`
	Holdings          []Holding          `json:"holdings"`
	TargetAllocations []TargetAllocation `json:"targetAllocations"`
}

// LotDetail is an opaque per-lot gain attribution produced upstream by the
// HIFO lot selection. Consumed for display only.
type LotDetail struct {
	TradeID       int64   `json:"tradeId"`
	PurchaseDate  string  `json:"purchaseDate"`
	Quantity      float64 `json:"quantity"`
	CostBasis     float64 `json:"costBasis"`
	EstimatedGain float64 `json:"estimatedGain"`
}

// TradeRecommendation is one trade from a rebalance plan. Immutable once
// received; a new plan fully replaces the batch.
type TradeRecommendation struct {
	HoldingID     int64       `json:"holdingId"`
	TickerSymbol  string      `json:"tickerSymbol"`
	Name          string      `json:"name,omitempty"`
	AssetClass    AssetClass  `json:"assetClass"`
	Action        TradeAction `json:"action"`
	Shares        float64     `json:"shares"`
	CurrentPrice  float64     `json:"currentPrice"`
	EstimatedCost float64     `json:"estimatedCost"`
	LotDetails    []LotDetail `json:"lotDetails,omitempty"`
}

// AllocationComparison is the upstream calculator's per-class drift row,
// paired with a plan
type AllocationComparison struct {
	AssetClass        AssetClass `json:"assetClass"`
	CurrentPercentage float64    `json:"currentPercentage"`
	TargetPercentage  float64    `json:"targetPercentage"`
	DriftPercentage   float64    `json:"driftPercentage"`
	CurrentValue      float64    `json:"currentValue"`
	TargetValue       float64    `json:"targetValue"`
}

// RebalancePlan is one immutable batch of trade recommendations produced by a
// single calculation request
type RebalancePlan struct {
	PortfolioID         int64                  `json:"portfolioId"`
	TotalPortfolioValue float64                `json:"totalPortfolioValue"`
	Currency            string                 `json:"currency"`
	Allocations         []AllocationComparison `json:"allocations"`
	Trades              []TradeRecommendation  `json:"trades"`
	UnallocatedCash     *float64               `json:"unallocatedCash,omitempty"`
	CalculatedAt        time.Time              `json:"calculatedAt"`
}

// Balanced reports whether the plan is the "already balanced" terminal state:
// a valid response with zero trades, distinct from an error
func (p *RebalancePlan) Balanced() bool {
	return len(p.Trades) == 0
}

// BookTradeRequest is the payload for booking one trade against the ledger
type BookTradeRequest struct {
	Date     string      `json:"date"` // ISO date, trade day
	Type     TradeAction `json:"type"`
	Quantity float64     `json:"quantity"`
	Price    float64     `json:"price"`
}

// Trade is a booked ledger entry returned by the trade ledger
type Trade struct {
	ID        int64       `json:"id"`
	HoldingID int64       `json:"holdingId"`
	Date      string      `json:"date"`
	Type      TradeAction `json:"type"`
	Quantity  float64     `json:"quantity"`
	Price     float64     `json:"price"`
}

// DriftEntry is one derived row of the valuation engine's drift table.
// Recomputed from scratch on every input change, never patched incrementally.
type DriftEntry struct {
	AssetClass        AssetClass `json:"assetClass"`
	CurrentValue      float64    `json:"currentValue"`
	CurrentPercentage float64    `json:"currentPercentage"`
	TargetPercentage  float64    `json:"targetPercentage"`
	DriftPercentage   float64    `json:"driftPercentage"`
	DriftValue        float64    `json:"driftValue"`
}
