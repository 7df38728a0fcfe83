// Package valuation derives portfolio value, per-asset-class drift and P&L
// from holdings, cash, targets and the live price cache.
//
// Compute is a pure function: it is recomputed from scratch on every input
// change and never patched incrementally, so stale partial state cannot leak
// into the result. Recomputing redundantly is safe, just wasteful.
package valuation

import (
	"math"
	"sort"

	"github.com/folioworks/rebalancer/internal/domain"
)

const (
	// DefaultDriftThreshold is the warning banner threshold used when a
	// portfolio does not carry its own.
	DefaultDriftThreshold = 5.0

	// RowSignificance is the noise floor for listing individual classes in
	// a drift warning. Independent of the banner threshold; the two must
	// not be conflated.
	RowSignificance = 2.0
)

// PriceLookup resolves the latest price for a symbol. A missing price is not
// an error: the holding contributes zero value.
type PriceLookup interface {
	Price(symbol string) (float64, bool)
}

// Input is everything the engine needs for one recomputation
type Input struct {
	Holdings       []domain.Holding
	Targets        []domain.TargetAllocation
	CashBalance    float64
	DriftThreshold float64 // <= 0 falls back to DefaultDriftThreshold
	Prices         PriceLookup
}

// PnL is the derived profit-and-loss summary
type PnL struct {
	CostBasis    float64 `json:"costBasis"`
	HasCostBasis bool    `json:"hasCostBasis"`
	Unrealized   float64 `json:"unrealized"`
	Realized     float64 `json:"realized"`
	Total        float64 `json:"total"`
	Percent      float64 `json:"percent"` // over cost basis, not total value
}

// Result is one complete valuation snapshot
type Result struct {
	// HasData is false when total value is zero: drift is undefined and
	// no entries are produced rather than dividing by zero.
	HasData      bool                `json:"hasData"`
	TotalValue   float64             `json:"totalValue"`
	Entries      []domain.DriftEntry `json:"entries"`
	MaxDrift     float64             `json:"maxDrift"`
	DriftWarning bool                `json:"driftWarning"`
	PnL          PnL                 `json:"pnl"`
}

// classOrder fixes a deterministic ordering for drift entries
var classOrder = map[domain.AssetClass]int{
	domain.AssetClassEquity:     0,
	domain.AssetClassBond:       1,
	domain.AssetClassCommodity:  2,
	domain.AssetClassRealEstate: 3,
	domain.AssetClassCash:       4,
}

// Compute derives the drift table and P&L for one portfolio snapshot.
//
// Cash is treated as a first-class CASH bucket populated from the cash
// balance, so that current percentages over the class union always sum to
// 100 when total value is positive.
func Compute(in Input) Result {
	valueByClass := make(map[domain.AssetClass]float64)
	totalValue := 0.0

	for _, h := range in.Holdings {
		price, ok := in.Prices.Price(h.TickerSymbol)
		if !ok {
			price = 0
		}
		value := h.Quantity * price
		valueByClass[h.AssetClass] += value
		totalValue += value
	}

	totalValue += in.CashBalance
	if in.CashBalance > 0 {
		valueByClass[domain.AssetClassCash] += in.CashBalance
	}

	result := Result{TotalValue: totalValue}
	result.PnL = computePnL(in.Holdings, totalValue)

	if totalValue == 0 {
		return result
	}
	result.HasData = true

	// Union of classes appearing on either side. A class with holdings but
	// no target drifts against a zero target; a class with a target but no
	// holdings shows the full negative target.
	targetByClass := make(map[domain.AssetClass]float64, len(in.Targets))
	union := make(map[domain.AssetClass]struct{})
	for _, t := range in.Targets {
		targetByClass[t.AssetClass] = t.TargetPercentage
		union[t.AssetClass] = struct{}{}
	}
	for _, h := range in.Holdings {
		union[h.AssetClass] = struct{}{}
	}
	if in.CashBalance > 0 {
		union[domain.AssetClassCash] = struct{}{}
	}

	entries := make([]domain.DriftEntry, 0, len(union))
	maxDrift := 0.0
	for class := range union {
		value := valueByClass[class]
		currentPct := value / totalValue * 100
		targetPct := targetByClass[class]
		drift := currentPct - targetPct
		entries = append(entries, domain.DriftEntry{
			AssetClass:        class,
			CurrentValue:      value,
			CurrentPercentage: currentPct,
			TargetPercentage:  targetPct,
			DriftPercentage:   drift,
			DriftValue:        value - totalValue*targetPct/100,
		})
		if math.Abs(drift) > maxDrift {
			maxDrift = math.Abs(drift)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		oi, iok := classOrder[entries[i].AssetClass]
		oj, jok := classOrder[entries[j].AssetClass]
		if iok && jok {
			return oi < oj
		}
		if iok != jok {
			return iok
		}
		return entries[i].AssetClass < entries[j].AssetClass
	})

	threshold := in.DriftThreshold
	if threshold <= 0 {
		threshold = DefaultDriftThreshold
	}

	result.Entries = entries
	result.MaxDrift = maxDrift
	result.DriftWarning = maxDrift > threshold
	return result
}

// SignificantEntries filters the drift rows worth listing in a warning:
// classes whose absolute drift exceeds the fixed noise floor. The banner
// condition and this row filter use independent thresholds.
func (r Result) SignificantEntries() []domain.DriftEntry {
	var significant []domain.DriftEntry
	for _, e := range r.Entries {
		if math.Abs(e.DriftPercentage) > RowSignificance {
			significant = append(significant, e)
		}
	}
	return significant
}

// computePnL sums cost basis and realized P&L across holdings. Unrealized
// P&L is only reported when a positive cost basis is known; realized P&L is
// added unconditionally. The percentage divides by cost basis, not value.
func computePnL(holdings []domain.Holding, totalValue float64) PnL {
	pnl := PnL{}
	for _, h := range holdings {
		if h.TotalCost != nil {
			pnl.CostBasis += *h.TotalCost
		}
		pnl.Realized += h.RealizedPnL
	}

	if pnl.CostBasis > 0 {
		pnl.HasCostBasis = true
		pnl.Unrealized = totalValue - pnl.CostBasis
	}
	pnl.Total = pnl.Unrealized + pnl.Realized
	if pnl.CostBasis > 0 {
		pnl.Percent = pnl.Total / pnl.CostBasis * 100
	}
	return pnl
}
