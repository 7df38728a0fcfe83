package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folioworks/rebalancer/internal/domain"
	"github.com/folioworks/rebalancer/internal/events"
)

type fakeLedger struct {
	mu     sync.Mutex
	calls  int
	failOn map[int64]error // holding ID -> error
	block  chan struct{}   // when set, BookTrade waits until closed
}

func (l *fakeLedger) BookTrade(ctx context.Context, portfolioID, holdingID int64, req domain.BookTradeRequest) (*domain.Trade, error) {
	if l.block != nil {
		<-l.block
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if err, ok := l.failOn[holdingID]; ok && err != nil {
		return nil, err
	}
	return &domain.Trade{ID: int64(l.calls), HoldingID: holdingID, Type: req.Type, Quantity: req.Quantity, Price: req.Price}, nil
}

type fakeStore struct {
	mu          sync.Mutex
	cashUpdates []float64
	err         error
}

func (s *fakeStore) FetchPortfolio(ctx context.Context, portfolioID int64) (*domain.Portfolio, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStore) FetchHoldings(ctx context.Context, portfolioID int64) ([]domain.Holding, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStore) UpdateCashBalance(ctx context.Context, portfolioID int64, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.cashUpdates = append(s.cashUpdates, amount)
	return nil
}

func (s *fakeStore) updates() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.cashUpdates))
	copy(out, s.cashUpdates)
	return out
}

func remainderPtr(v float64) *float64 { return &v }

func testPlan(trades int, unallocated *float64) *domain.RebalancePlan {
	plan := &domain.RebalancePlan{
		PortfolioID:         1,
		TotalPortfolioValue: 10000,
		Currency:            "USD",
		UnallocatedCash:     unallocated,
		CalculatedAt:        time.Now(),
	}
	for i := 0; i < trades; i++ {
		plan.Trades = append(plan.Trades, domain.TradeRecommendation{
			HoldingID:    int64(i + 1),
			TickerSymbol: "SYM",
			AssetClass:   domain.AssetClassEquity,
			Action:       domain.ActionBuy,
			Shares:       1,
			CurrentPrice: 100,
		})
	}
	return plan
}

func newTestOrchestrator(ledger domain.TradeLedger, store domain.PortfolioStore, bus *events.Bus) *Orchestrator {
	var manager *events.Manager
	if bus != nil {
		manager = events.NewManager(bus, zerolog.Nop())
	}
	return NewOrchestrator(ledger, store, manager, time.Second, zerolog.Nop())
}

func TestExecuteWithoutPlan(t *testing.T) {
	o := newTestOrchestrator(&fakeLedger{}, &fakeStore{}, nil)
	err := o.Execute(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNoPlan)
}

func TestExecuteIndexOutOfRange(t *testing.T) {
	o := newTestOrchestrator(&fakeLedger{}, &fakeStore{}, nil)
	o.Install(uuid.New(), testPlan(1, nil))

	assert.ErrorIs(t, o.Execute(context.Background(), -1), ErrIndexOutOfRange)
	assert.ErrorIs(t, o.Execute(context.Background(), 1), ErrIndexOutOfRange)
}

func TestExecuteSuccessTransitionsToDone(t *testing.T) {
	bus := events.NewBus()
	var executed, refresh int
	bus.Subscribe(events.TradeExecuted, func(e *events.Event) { executed++ })
	bus.Subscribe(events.HoldingsRefreshRequested, func(e *events.Event) { refresh++ })

	o := newTestOrchestrator(&fakeLedger{}, &fakeStore{}, bus)
	o.Install(uuid.New(), testPlan(2, nil))

	require.NoError(t, o.Execute(context.Background(), 0))

	states := o.States()
	assert.Equal(t, StateDone, states[0])
	assert.Equal(t, StateIdle, states[1])
	assert.Equal(t, 1, executed)
	assert.Equal(t, 1, refresh)
}

func TestExecuteDoneIsTerminal(t *testing.T) {
	o := newTestOrchestrator(&fakeLedger{}, &fakeStore{}, nil)
	o.Install(uuid.New(), testPlan(1, nil))

	require.NoError(t, o.Execute(context.Background(), 0))
	err := o.Execute(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNotExecutable)
}

func TestExecuteErrorAllowsRetry(t *testing.T) {
	ledger := &fakeLedger{failOn: map[int64]error{1: errors.New("rejected")}}
	o := newTestOrchestrator(ledger, &fakeStore{}, nil)
	o.Install(uuid.New(), testPlan(1, nil))

	err := o.Execute(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, StateError, o.States()[0])

	// Retry is the same operation again after the failure clears
	ledger.mu.Lock()
	delete(ledger.failOn, 1)
	ledger.mu.Unlock()

	require.NoError(t, o.Execute(context.Background(), 0))
	assert.Equal(t, StateDone, o.States()[0])
}

func TestExecuteRejectsConcurrentSameIndex(t *testing.T) {
	block := make(chan struct{})
	ledger := &fakeLedger{block: block}
	o := newTestOrchestrator(ledger, &fakeStore{}, nil)
	o.Install(uuid.New(), testPlan(1, nil))

	done := make(chan error, 1)
	go func() { done <- o.Execute(context.Background(), 0) }()

	require.Eventually(t, func() bool {
		return o.States()[0] == StateExecuting
	}, time.Second, 5*time.Millisecond)

	err := o.Execute(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNotExecutable)

	close(block)
	require.NoError(t, <-done)
}

func TestSettlementFiresOnceWhenAllDone(t *testing.T) {
	store := &fakeStore{}
	bus := events.NewBus()
	var settled int
	bus.Subscribe(events.SettlementCompleted, func(e *events.Event) { settled++ })

	o := newTestOrchestrator(&fakeLedger{}, store, bus)
	o.Install(uuid.New(), testPlan(2, remainderPtr(12.50)))

	require.NoError(t, o.Execute(context.Background(), 0))
	assert.Empty(t, store.updates(), "settlement must wait for the whole batch")

	require.NoError(t, o.Execute(context.Background(), 1))
	require.Equal(t, []float64{12.50}, store.updates())
	assert.Equal(t, 1, settled)

	status, ok := o.Status()
	require.True(t, ok)
	assert.Equal(t, SettlementCompleted, status.Settlement)
}

func TestSettlementGatedByErrorThenRetry(t *testing.T) {
	ledger := &fakeLedger{failOn: map[int64]error{2: errors.New("rejected")}}
	store := &fakeStore{}
	o := newTestOrchestrator(ledger, store, nil)
	o.Install(uuid.New(), testPlan(3, remainderPtr(5)))

	require.NoError(t, o.Execute(context.Background(), 0))
	require.Error(t, o.Execute(context.Background(), 1))
	require.NoError(t, o.Execute(context.Background(), 2))

	// Two done, one error: no settlement
	assert.Empty(t, store.updates())

	ledger.mu.Lock()
	delete(ledger.failOn, 2)
	ledger.mu.Unlock()

	require.NoError(t, o.Execute(context.Background(), 1))
	assert.Equal(t, []float64{5}, store.updates(), "settlement fires exactly once after the retry completes the batch")
}

func TestNoSettlementWithoutRemainder(t *testing.T) {
	store := &fakeStore{}
	o := newTestOrchestrator(&fakeLedger{}, store, nil)

	o.Install(uuid.New(), testPlan(1, nil))
	require.NoError(t, o.Execute(context.Background(), 0))
	assert.Empty(t, store.updates())

	o.Install(uuid.New(), testPlan(1, remainderPtr(0)))
	require.NoError(t, o.Execute(context.Background(), 0))
	assert.Empty(t, store.updates(), "zero remainder must not settle")
}

func TestSettlementFailureIsDistinct(t *testing.T) {
	store := &fakeStore{err: errors.New("backend down")}
	bus := events.NewBus()
	var failed int
	bus.Subscribe(events.SettlementFailed, func(e *events.Event) { failed++ })

	o := newTestOrchestrator(&fakeLedger{}, store, bus)
	o.Install(uuid.New(), testPlan(1, remainderPtr(3.25)))

	err := o.Execute(context.Background(), 0)
	require.Error(t, err)

	var settlementErr *SettlementError
	require.ErrorAs(t, err, &settlementErr)
	assert.Equal(t, 3.25, settlementErr.Amount)

	// The trade itself stayed done; only the settlement failed
	assert.Equal(t, StateDone, o.States()[0])
	assert.Equal(t, 1, failed)

	status, ok := o.Status()
	require.True(t, ok)
	assert.Equal(t, SettlementFailed, status.Settlement)
}

func TestInstallReplacesBatchWholesale(t *testing.T) {
	o := newTestOrchestrator(&fakeLedger{}, &fakeStore{}, nil)

	o.Install(uuid.New(), testPlan(2, nil))
	require.NoError(t, o.Execute(context.Background(), 0))
	assert.Equal(t, StateDone, o.States()[0])

	// A new batch discards all prior per-trade state
	o.Install(uuid.New(), testPlan(3, nil))
	states := o.States()
	require.Len(t, states, 3)
	for _, s := range states {
		assert.Equal(t, StateIdle, s)
	}
}

func TestInFlightResultDiscardedWhenBatchReplaced(t *testing.T) {
	block := make(chan struct{})
	ledger := &fakeLedger{block: block}
	store := &fakeStore{}
	o := newTestOrchestrator(ledger, store, nil)
	o.Install(uuid.New(), testPlan(1, remainderPtr(9)))

	done := make(chan error, 1)
	go func() { done <- o.Execute(context.Background(), 0) }()

	require.Eventually(t, func() bool {
		return o.States()[0] == StateExecuting
	}, time.Second, 5*time.Millisecond)

	o.Install(uuid.New(), testPlan(2, nil))
	close(block)

	assert.ErrorIs(t, <-done, ErrBatchReplaced)
	assert.Empty(t, store.updates())

	// The new batch's state is untouched
	for _, s := range o.States() {
		assert.Equal(t, StateIdle, s)
	}
}

func TestInstallNilClearsState(t *testing.T) {
	o := newTestOrchestrator(&fakeLedger{}, &fakeStore{}, nil)
	o.Install(uuid.New(), testPlan(1, nil))

	o.Install(uuid.Nil, nil)
	_, ok := o.Status()
	assert.False(t, ok)
	assert.ErrorIs(t, o.Execute(context.Background(), 0), ErrNoPlan)
}

func TestStatusSnapshot(t *testing.T) {
	o := newTestOrchestrator(&fakeLedger{}, &fakeStore{}, nil)
	gen := uuid.New()
	o.Install(gen, testPlan(2, remainderPtr(1)))

	require.NoError(t, o.Execute(context.Background(), 0))

	status, ok := o.Status()
	require.True(t, ok)
	assert.Equal(t, gen.String(), status.Generation)
	assert.Equal(t, []string{"done", "idle"}, status.States)
	assert.Equal(t, SettlementNone, status.Settlement)
	require.NotNil(t, status.UnallocatedCash)
	assert.Equal(t, 1.0, *status.UnallocatedCash)
}
