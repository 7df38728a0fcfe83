package valuation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folioworks/rebalancer/internal/domain"
)

// mapPrices is a PriceLookup backed by a plain map
type mapPrices map[string]float64

func (m mapPrices) Price(symbol string) (float64, bool) {
	p, ok := m[symbol]
	return p, ok
}

func floatPtr(v float64) *float64 { return &v }

func TestComputeDriftTable(t *testing.T) {
	// 60 AAA @ 100 = 6000 equity, 30 BBB @ 100 = 3000 bonds, 1000 cash.
	// Total 10000: equity 60%, bonds 30%, cash 10%.
	in := Input{
		Holdings: []domain.Holding{
			{TickerSymbol: "AAA", AssetClass: domain.AssetClassEquity, Quantity: 60},
			{TickerSymbol: "BBB", AssetClass: domain.AssetClassBond, Quantity: 30},
		},
		Targets: []domain.TargetAllocation{
			{AssetClass: domain.AssetClassEquity, TargetPercentage: 50},
			{AssetClass: domain.AssetClassBond, TargetPercentage: 40},
			{AssetClass: domain.AssetClassCash, TargetPercentage: 10},
		},
		CashBalance: 1000,
		Prices:      mapPrices{"AAA": 100, "BBB": 100},
	}

	result := Compute(in)
	require.True(t, result.HasData)
	assert.InDelta(t, 10000, result.TotalValue, 1e-9)

	byClass := make(map[domain.AssetClass]domain.DriftEntry)
	for _, e := range result.Entries {
		byClass[e.AssetClass] = e
	}

	equity := byClass[domain.AssetClassEquity]
	assert.InDelta(t, 6000, equity.CurrentValue, 1e-9)
	assert.InDelta(t, 60, equity.CurrentPercentage, 1e-9)
	assert.InDelta(t, 10, equity.DriftPercentage, 1e-9)
	assert.InDelta(t, 1000, equity.DriftValue, 1e-9)

	bond := byClass[domain.AssetClassBond]
	assert.InDelta(t, -10, bond.DriftPercentage, 1e-9)
	assert.InDelta(t, -1000, bond.DriftValue, 1e-9)

	cash := byClass[domain.AssetClassCash]
	assert.InDelta(t, 10, cash.CurrentPercentage, 1e-9)
	assert.InDelta(t, 0, cash.DriftPercentage, 1e-9)

	assert.InDelta(t, 10, result.MaxDrift, 1e-9)
	assert.True(t, result.DriftWarning) // 10 > default threshold 5
}

func TestComputeDriftWithoutCashTarget(t *testing.T) {
	// Equity 6000, bonds 3000, cash 1000 against targets {EQUITY:50, BOND:50}.
	// Cash is its own bucket with an implicit target of 0, so it drifts +10
	// alongside equity while bonds drift -20.
	in := Input{
		Holdings: []domain.Holding{
			{TickerSymbol: "AAA", AssetClass: domain.AssetClassEquity, Quantity: 60},
			{TickerSymbol: "BBB", AssetClass: domain.AssetClassBond, Quantity: 30},
		},
		Targets: []domain.TargetAllocation{
			{AssetClass: domain.AssetClassEquity, TargetPercentage: 50},
			{AssetClass: domain.AssetClassBond, TargetPercentage: 50},
		},
		CashBalance: 1000,
		Prices:      mapPrices{"AAA": 100, "BBB": 100},
	}

	result := Compute(in)
	require.True(t, result.HasData)
	assert.InDelta(t, 10000, result.TotalValue, 1e-9)
	require.Len(t, result.Entries, 3)

	byClass := make(map[domain.AssetClass]domain.DriftEntry)
	for _, e := range result.Entries {
		byClass[e.AssetClass] = e
	}

	assert.InDelta(t, 10, byClass[domain.AssetClassEquity].DriftPercentage, 1e-9)
	assert.InDelta(t, -20, byClass[domain.AssetClassBond].DriftPercentage, 1e-9)

	cash := byClass[domain.AssetClassCash]
	assert.InDelta(t, 10, cash.CurrentPercentage, 1e-9)
	assert.InDelta(t, 0, cash.TargetPercentage, 1e-9)
	assert.InDelta(t, 10, cash.DriftPercentage, 1e-9)

	assert.InDelta(t, 20, result.MaxDrift, 1e-9)
	assert.True(t, result.DriftWarning)
}

func TestComputePercentagesSumToHundred(t *testing.T) {
	in := Input{
		Holdings: []domain.Holding{
			{TickerSymbol: "AAA", AssetClass: domain.AssetClassEquity, Quantity: 3},
			{TickerSymbol: "BBB", AssetClass: domain.AssetClassBond, Quantity: 7},
			{TickerSymbol: "CCC", AssetClass: domain.AssetClassCommodity, Quantity: 2},
		},
		Targets: []domain.TargetAllocation{
			{AssetClass: domain.AssetClassEquity, TargetPercentage: 100},
		},
		CashBalance: 137.5,
		Prices:      mapPrices{"AAA": 17.3, "BBB": 42.11, "CCC": 5.99},
	}

	result := Compute(in)
	require.True(t, result.HasData)

	sum := 0.0
	for _, e := range result.Entries {
		sum += e.CurrentPercentage
	}
	assert.InDelta(t, 100, sum, 1e-9)
}

func TestComputeMissingPriceValuesZero(t *testing.T) {
	in := Input{
		Holdings: []domain.Holding{
			{TickerSymbol: "AAA", AssetClass: domain.AssetClassEquity, Quantity: 10},
			{TickerSymbol: "ZZZ", AssetClass: domain.AssetClassBond, Quantity: 5},
		},
		Targets: []domain.TargetAllocation{
			{AssetClass: domain.AssetClassEquity, TargetPercentage: 100},
		},
		Prices: mapPrices{"AAA": 10}, // ZZZ has no quote yet
	}

	result := Compute(in)
	require.True(t, result.HasData)
	assert.InDelta(t, 100, result.TotalValue, 1e-9)

	for _, e := range result.Entries {
		if e.AssetClass == domain.AssetClassBond {
			assert.Zero(t, e.CurrentValue)
			assert.Zero(t, e.CurrentPercentage)
		}
	}
}

func TestComputeNoDataWhenTotalZero(t *testing.T) {
	in := Input{
		Holdings: []domain.Holding{
			{TickerSymbol: "AAA", AssetClass: domain.AssetClassEquity, Quantity: 10},
		},
		Targets: []domain.TargetAllocation{
			{AssetClass: domain.AssetClassEquity, TargetPercentage: 100},
		},
		Prices: mapPrices{},
	}

	result := Compute(in)
	assert.False(t, result.HasData)
	assert.Empty(t, result.Entries)
	assert.False(t, result.DriftWarning)
}

func TestComputeUnionIncludesTargetOnlyClasses(t *testing.T) {
	in := Input{
		Holdings: []domain.Holding{
			{TickerSymbol: "AAA", AssetClass: domain.AssetClassEquity, Quantity: 1},
		},
		Targets: []domain.TargetAllocation{
			{AssetClass: domain.AssetClassEquity, TargetPercentage: 80},
			{AssetClass: domain.AssetClassRealEstate, TargetPercentage: 20},
		},
		Prices: mapPrices{"AAA": 100},
	}

	result := Compute(in)
	require.True(t, result.HasData)

	var found bool
	for _, e := range result.Entries {
		if e.AssetClass == domain.AssetClassRealEstate {
			found = true
			assert.Zero(t, e.CurrentValue)
			assert.InDelta(t, -20, e.DriftPercentage, 1e-9)
		}
	}
	assert.True(t, found, "target-only class must appear in the drift table")
}

func TestComputeIsIdempotent(t *testing.T) {
	in := Input{
		Holdings: []domain.Holding{
			{TickerSymbol: "AAA", AssetClass: domain.AssetClassEquity, Quantity: 60},
			{TickerSymbol: "BBB", AssetClass: domain.AssetClassBond, Quantity: 30},
		},
		Targets: []domain.TargetAllocation{
			{AssetClass: domain.AssetClassEquity, TargetPercentage: 50},
			{AssetClass: domain.AssetClassBond, TargetPercentage: 50},
		},
		CashBalance: 1000,
		Prices:      mapPrices{"AAA": 100, "BBB": 100},
	}

	first := Compute(in)
	second := Compute(in)
	assert.Equal(t, first, second)
}

func TestComputePortfolioThresholdOverridesDefault(t *testing.T) {
	in := Input{
		Holdings: []domain.Holding{
			{TickerSymbol: "AAA", AssetClass: domain.AssetClassEquity, Quantity: 53},
			{TickerSymbol: "BBB", AssetClass: domain.AssetClassBond, Quantity: 47},
		},
		Targets: []domain.TargetAllocation{
			{AssetClass: domain.AssetClassEquity, TargetPercentage: 50},
			{AssetClass: domain.AssetClassBond, TargetPercentage: 50},
		},
		DriftThreshold: 2.5,
		Prices:         mapPrices{"AAA": 1, "BBB": 1},
	}

	// Max drift 3: above the portfolio's 2.5, below the default 5
	result := Compute(in)
	assert.InDelta(t, 3, result.MaxDrift, 1e-9)
	assert.True(t, result.DriftWarning)

	in.DriftThreshold = 0 // falls back to default 5
	result = Compute(in)
	assert.False(t, result.DriftWarning)
}

func TestSignificantEntriesFilterIsIndependentOfThreshold(t *testing.T) {
	in := Input{
		Holdings: []domain.Holding{
			{TickerSymbol: "AAA", AssetClass: domain.AssetClassEquity, Quantity: 53},
			{TickerSymbol: "BBB", AssetClass: domain.AssetClassBond, Quantity: 46},
			{TickerSymbol: "CCC", AssetClass: domain.AssetClassCommodity, Quantity: 1},
		},
		Targets: []domain.TargetAllocation{
			{AssetClass: domain.AssetClassEquity, TargetPercentage: 50},
			{AssetClass: domain.AssetClassBond, TargetPercentage: 48},
			{AssetClass: domain.AssetClassCommodity, TargetPercentage: 2},
		},
		DriftThreshold: 100, // banner never fires
		Prices:         mapPrices{"AAA": 1, "BBB": 1, "CCC": 1},
	}

	result := Compute(in)
	assert.False(t, result.DriftWarning)

	// Equity drift +3 passes the 2-point row filter; the others do not
	significant := result.SignificantEntries()
	require.Len(t, significant, 1)
	assert.Equal(t, domain.AssetClassEquity, significant[0].AssetClass)
}

func TestComputePnL(t *testing.T) {
	in := Input{
		Holdings: []domain.Holding{
			{TickerSymbol: "AAA", AssetClass: domain.AssetClassEquity, Quantity: 10, TotalCost: floatPtr(800), RealizedPnL: 50},
			{TickerSymbol: "BBB", AssetClass: domain.AssetClassBond, Quantity: 5, TotalCost: floatPtr(400), RealizedPnL: -10},
		},
		Targets: []domain.TargetAllocation{
			{AssetClass: domain.AssetClassEquity, TargetPercentage: 100},
		},
		Prices: mapPrices{"AAA": 100, "BBB": 100},
	}

	result := Compute(in)
	require.True(t, result.HasData)
	require.True(t, result.PnL.HasCostBasis)

	assert.InDelta(t, 1200, result.PnL.CostBasis, 1e-9)
	assert.InDelta(t, 300, result.PnL.Unrealized, 1e-9) // 1500 - 1200
	assert.InDelta(t, 40, result.PnL.Realized, 1e-9)
	assert.InDelta(t, 340, result.PnL.Total, 1e-9)
	assert.InDelta(t, 340.0/1200.0*100.0, result.PnL.Percent, 1e-9)
}

func TestComputePnLWithoutCostBasis(t *testing.T) {
	in := Input{
		Holdings: []domain.Holding{
			{TickerSymbol: "AAA", AssetClass: domain.AssetClassEquity, Quantity: 10, RealizedPnL: 25},
		},
		Targets: []domain.TargetAllocation{
			{AssetClass: domain.AssetClassEquity, TargetPercentage: 100},
		},
		Prices: mapPrices{"AAA": 100},
	}

	result := Compute(in)
	assert.False(t, result.PnL.HasCostBasis)
	assert.Zero(t, result.PnL.Unrealized)
	// Realized gains are reported even with no cost basis
	assert.InDelta(t, 25, result.PnL.Realized, 1e-9)
	assert.InDelta(t, 25, result.PnL.Total, 1e-9)
	assert.Zero(t, result.PnL.Percent)
}
