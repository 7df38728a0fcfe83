package domain

import "context"

// PortfolioStore is the external holdings/portfolio persistence boundary.
// Used for refresh-after-execution and for the post-settlement cash update.
type PortfolioStore interface {
	FetchPortfolio(ctx context.Context, portfolioID int64) (*Portfolio, error)
	FetchHoldings(ctx context.Context, portfolioID int64) ([]Holding, error)
	UpdateCashBalance(ctx context.Context, portfolioID int64, amount float64) error
}

// RebalanceCalculator produces trade recommendation batches server-side.
// The plans are opaque to this engine: consumed, never recomputed locally.
type RebalanceCalculator interface {
	CalculateRebalance(ctx context.Context, portfolioID int64) (*RebalancePlan, error)
	CalculateCashRebalance(ctx context.Context, portfolioID int64, amount float64) (*RebalancePlan, error)
}

// TradeLedger books individual trades against the backend ledger
type TradeLedger interface {
	BookTrade(ctx context.Context, portfolioID, holdingID int64, req BookTradeRequest) (*Trade, error)
}

// QuoteSource is the synchronous on-demand quote pull, used before the first
// push arrives or for symbols the push feed does not cover
type QuoteSource interface {
	PullQuotes(ctx context.Context, symbols []string) ([]Quote, error)
}
