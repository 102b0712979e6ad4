package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/riskcore/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakePositionStore reproduces the SCD2 contract in memory: every write
// expires the current row and appends a fresh one with a new surrogate id.
type fakePositionStore struct {
	rows   []domain.Position
	nextID int64
}

func (f *fakePositionStore) current(key uuid.UUID) (int, bool) {
	for i, row := range f.rows {
		if row.BusinessKey == key && row.RowCurrent {
			return i, true
		}
	}
	return 0, false
}

func (f *fakePositionStore) resolveKey(ref domain.PositionRef) (uuid.UUID, bool) {
	if ref.BusinessKey != uuid.Nil {
		return ref.BusinessKey, true
	}
	for _, row := range f.rows {
		if row.SurrogateID == ref.SurrogateID {
			return row.BusinessKey, true
		}
	}
	return uuid.Nil, false
}

func (f *fakePositionStore) insert(pos domain.Position) domain.Position {
	f.nextID++
	pos.SurrogateID = f.nextID
	pos.RowStart = time.Now().UTC()
	pos.RowEnd = nil
	pos.RowCurrent = true
	f.rows = append(f.rows, pos)
	return pos
}

func (f *fakePositionStore) supersede(idx int) {
	now := time.Now().UTC()
	f.rows[idx].RowCurrent = false
	f.rows[idx].RowEnd = &now
}

func (f *fakePositionStore) Create(_ context.Context, pos domain.Position) (domain.Position, error) {
	pos.BusinessKey = uuid.New()
	return f.insert(pos), nil
}

func (f *fakePositionStore) Update(_ context.Context, ref domain.PositionRef, changes domain.PositionUpdate) (domain.Position, error) {
	key, ok := f.resolveKey(ref)
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	idx, ok := f.current(key)
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}

	next := f.rows[idx]
	if changes.CurrentPrice != nil {
		next.CurrentPrice = *changes.CurrentPrice
	}
	if changes.UnrealizedPnL != nil {
		next.UnrealizedPnL = *changes.UnrealizedPnL
	}
	if changes.TargetPrice != nil {
		next.TargetPrice = changes.TargetPrice
	}
	if changes.StopLossPrice != nil {
		next.StopLossPrice = changes.StopLossPrice
	}
	if changes.TrailingStop != nil {
		next.TrailingStop = changes.TrailingStop
	}

	f.supersede(idx)
	return f.insert(next), nil
}

func (f *fakePositionStore) Close(_ context.Context, ref domain.PositionRef, exitPrice decimal.Decimal, reason domain.ExitReason, realizedPnL decimal.Decimal) (domain.Position, error) {
	key, ok := f.resolveKey(ref)
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	idx, ok := f.current(key)
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	if !f.rows[idx].IsOpen() {
		return domain.Position{}, &domain.InvalidPositionStateError{
			BusinessKey: key,
			Status:      f.rows[idx].Status,
			Op:          "close",
		}
	}

	next := f.rows[idx]
	next.Status = domain.PositionStatusClosed
	next.CurrentPrice = exitPrice
	next.UnrealizedPnL = decimal.Zero
	next.RealizedPnL = &realizedPnL
	next.ExitReason = &reason

	f.supersede(idx)
	return f.insert(next), nil
}

func (f *fakePositionStore) Settle(_ context.Context, ref domain.PositionRef, settlementPrice decimal.Decimal, realizedPnL decimal.Decimal) (domain.Position, error) {
	key, ok := f.resolveKey(ref)
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	idx, ok := f.current(key)
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	if !f.rows[idx].IsOpen() {
		return domain.Position{}, &domain.InvalidPositionStateError{
			BusinessKey: key,
			Status:      f.rows[idx].Status,
			Op:          "settle",
		}
	}

	next := f.rows[idx]
	next.Status = domain.PositionStatusSettled
	next.CurrentPrice = settlementPrice
	next.UnrealizedPnL = decimal.Zero
	next.RealizedPnL = &realizedPnL
	reason := domain.ExitReasonSettlement
	next.ExitReason = &reason

	f.supersede(idx)
	return f.insert(next), nil
}

func (f *fakePositionStore) GetCurrent(_ context.Context, key uuid.UUID) (domain.Position, error) {
	idx, ok := f.current(key)
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return f.rows[idx], nil
}

func (f *fakePositionStore) Resolve(ctx context.Context, ref domain.PositionRef) (domain.Position, error) {
	key, ok := f.resolveKey(ref)
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return f.GetCurrent(ctx, key)
}

func (f *fakePositionStore) History(_ context.Context, key uuid.UUID) ([]domain.Position, error) {
	var history []domain.Position
	for _, row := range f.rows {
		if row.BusinessKey == key {
			history = append(history, row)
		}
	}
	return history, nil
}

func (f *fakePositionStore) ListOpen(_ context.Context) ([]domain.Position, error) {
	var open []domain.Position
	for _, row := range f.rows {
		if row.RowCurrent && row.Status == domain.PositionStatusOpen {
			open = append(open, row)
		}
	}
	return open, nil
}

func (f *fakePositionStore) ListClosedSince(_ context.Context, t time.Time) ([]domain.Position, error) {
	var closed []domain.Position
	for _, row := range f.rows {
		if row.RowCurrent && !row.IsOpen() && !row.RowStart.Before(t) {
			closed = append(closed, row)
		}
	}
	return closed, nil
}

// fakeVersionStore keeps the store contract in memory: stored config bytes
// are copied verbatim and never reparsed, duplicates are rejected, and status
// moves are validated against the transition table.
type fakeVersionStore struct {
	byID    map[int64]domain.ConfigVersion
	nextID  int64
	metrics map[int64]domain.MetricsDelta
}

func newFakeVersionStore() *fakeVersionStore {
	return &fakeVersionStore{
		byID:    make(map[int64]domain.ConfigVersion),
		metrics: make(map[int64]domain.MetricsDelta),
	}
}

func (f *fakeVersionStore) Create(_ context.Context, identity domain.VersionIdentity) (domain.ConfigVersion, error) {
	for _, v := range f.byID {
		if v.Identity.Kind == identity.Kind && v.Identity.Name == identity.Name && v.Identity.Version == identity.Version {
			return domain.ConfigVersion{}, &domain.DuplicateVersionError{
				Kind:    identity.Kind,
				Name:    identity.Name,
				Version: identity.Version,
			}
		}
	}

	identity.Config = append([]byte(nil), identity.Config...)
	f.nextID++
	now := time.Now().UTC()
	v := domain.ConfigVersion{
		ID:        f.nextID,
		Identity:  identity,
		Status:    domain.StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.byID[v.ID] = v
	return v, nil
}

func (f *fakeVersionStore) Get(_ context.Context, id int64) (domain.ConfigVersion, error) {
	v, ok := f.byID[id]
	if !ok {
		return domain.ConfigVersion{}, domain.ErrNotFound
	}
	return v, nil
}

func (f *fakeVersionStore) GetByName(_ context.Context, kind domain.VersionKind, name string) ([]domain.ConfigVersion, error) {
	var out []domain.ConfigVersion
	for _, v := range f.byID {
		if v.Identity.Kind == kind && v.Identity.Name == name {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeVersionStore) ListActive(_ context.Context, kind domain.VersionKind) ([]domain.ConfigVersion, error) {
	var out []domain.ConfigVersion
	for _, v := range f.byID {
		if v.Identity.Kind == kind && v.Status == domain.StatusActive {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeVersionStore) UpdateStatus(_ context.Context, id int64, status domain.VersionStatus) (domain.ConfigVersion, error) {
	v, ok := f.byID[id]
	if !ok {
		return domain.ConfigVersion{}, domain.ErrNotFound
	}
	if !v.Status.CanTransitionTo(status) {
		return domain.ConfigVersion{}, &domain.InvalidStatusTransitionError{From: v.Status, To: status}
	}
	v.Status = status
	v.UpdatedAt = time.Now().UTC()
	f.byID[id] = v
	return v, nil
}

func (f *fakeVersionStore) UpdateMetrics(_ context.Context, id int64, delta domain.MetricsDelta) (domain.ConfigVersion, error) {
	agg := f.metrics[id]
	agg.PaperTrades += delta.PaperTrades
	agg.LiveTrades += delta.LiveTrades
	agg.PaperPnL = agg.PaperPnL.Add(delta.PaperPnL)
	agg.LivePnL = agg.LivePnL.Add(delta.LivePnL)
	f.metrics[id] = agg
	return domain.ConfigVersion{ID: id}, nil
}

type fakeTradeStore struct {
	trades []domain.Trade
}

func (f *fakeTradeStore) Insert(_ context.Context, t domain.Trade) (domain.Trade, error) {
	t.ID = int64(len(f.trades) + 1)
	f.trades = append(f.trades, t)
	return t, nil
}

func (f *fakeTradeStore) ListByPosition(_ context.Context, key uuid.UUID) ([]domain.Trade, error) {
	var out []domain.Trade
	for _, t := range f.trades {
		if t.BusinessKey == key {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTradeStore) ListByVersion(context.Context, domain.VersionKind, int64, domain.ListOpts) ([]domain.Trade, error) {
	return nil, nil
}

type fakePriceFeed struct {
	prices map[string]decimal.Decimal
}

func (f *fakePriceFeed) GetPrice(_ context.Context, marketID string) (decimal.Decimal, time.Time, error) {
	p, ok := f.prices[marketID]
	if !ok {
		return decimal.Decimal{}, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now().UTC(), nil
}

type fakeBalance struct {
	margin decimal.Decimal
}

func (f *fakeBalance) AvailableMargin(context.Context) (decimal.Decimal, error) {
	return f.margin, nil
}

type fakeLocks struct {
	held     bool
	acquired int
}

func (f *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	if f.held {
		return nil, domain.ErrLockHeld
	}
	f.acquired++
	return func() {}, nil
}

// mutexLocks serializes callers the way the production per-key lock does,
// but blocks instead of failing fast so concurrent writers all get through.
type mutexLocks struct {
	mu sync.Mutex
}

func (m *mutexLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	m.mu.Lock()
	return m.mu.Unlock, nil
}

type fakeBus struct {
	events [][]byte
}

func (f *fakeBus) Publish(_ context.Context, _ string, payload []byte) error {
	f.events = append(f.events, payload)
	return nil
}

func (f *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

type fakeAudit struct {
	events []string
}

func (f *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type managerFixture struct {
	manager   *PositionManager
	positions *fakePositionStore
	versions  *fakeVersionStore
	trades    *fakeTradeStore
	prices    *fakePriceFeed
	balance   *fakeBalance
	locks     *fakeLocks
	bus       *fakeBus
	audit     *fakeAudit
}

func newFixture() *managerFixture {
	f := &managerFixture{
		positions: &fakePositionStore{},
		versions:  newFakeVersionStore(),
		trades:    &fakeTradeStore{},
		prices:    &fakePriceFeed{prices: map[string]decimal.Decimal{}},
		balance:   &fakeBalance{margin: d("10000")},
		locks:     &fakeLocks{},
		bus:       &fakeBus{},
		audit:     &fakeAudit{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.manager = NewPositionManager(
		f.positions, f.versions, f.trades, f.prices, f.balance,
		f.locks, f.bus, f.audit,
		RiskParams{
			KellyFraction: d("0.25"),
			MinEdge:       d("0.02"),
			Fees:          d("0"),
			PaperMode:     true,
			LockTTL:       time.Second,
		},
		logger,
	)
	return f
}

func openRequest() OpenPositionRequest {
	return OpenPositionRequest{
		MarketID:          "mkt-1",
		StrategyVersionID: 1,
		ModelVersionID:    2,
		Side:              domain.SideYes,
		Quantity:          10,
		EntryPrice:        d("0.50"),
	}
}

func TestOpenPositionInsufficientMargin(t *testing.T) {
	f := newFixture()
	f.balance.margin = d("3.00")

	_, err := f.manager.OpenPosition(context.Background(), openRequest())

	var marginErr *domain.InsufficientMarginError
	require.ErrorAs(t, err, &marginErr)
	assert.True(t, marginErr.Required.Equal(d("5.00")), "required = %s", marginErr.Required)
	assert.True(t, marginErr.Available.Equal(d("3.00")), "available = %s", marginErr.Available)
	assert.Empty(t, f.positions.rows)
	assert.Empty(t, f.trades.trades)
}

func TestOpenPositionRecordsRowAndTrade(t *testing.T) {
	f := newFixture()

	pos, err := f.manager.OpenPosition(context.Background(), openRequest())
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, pos.BusinessKey)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.True(t, pos.CurrentPrice.Equal(pos.EntryPrice))

	require.Len(t, f.trades.trades, 1)
	assert.Equal(t, domain.TradeActionOpen, f.trades.trades[0].Action)
	assert.Equal(t, pos.BusinessKey, f.trades.trades[0].BusinessKey)

	assert.Contains(t, f.audit.events, "position_opened")
	assert.Len(t, f.bus.events, 1)
}

func TestUpdatePriceCreatesNewVersions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	pos, err := f.manager.OpenPosition(ctx, openRequest())
	require.NoError(t, err)

	prices := []string{"0.52", "0.55", "0.60"}
	seen := map[int64]bool{pos.SurrogateID: true}
	for _, p := range prices {
		updated, _, err := f.manager.UpdatePrice(ctx, pos.BusinessKey, d(p))
		require.NoError(t, err)
		assert.Equal(t, pos.BusinessKey, updated.BusinessKey)
		assert.False(t, seen[updated.SurrogateID], "surrogate id reused")
		seen[updated.SurrogateID] = true
	}

	history, err := f.manager.History(ctx, pos.BusinessKey)
	require.NoError(t, err)
	require.Len(t, history, len(prices)+1)

	currentRows := 0
	for _, row := range history {
		if row.RowCurrent {
			currentRows++
		}
	}
	assert.Equal(t, 1, currentRows)

	final := history[len(history)-1]
	assert.True(t, final.CurrentPrice.Equal(d("0.60")))
	assert.True(t, final.UnrealizedPnL.Equal(d("1.00")), "pnl = %s", final.UnrealizedPnL)
}

func TestClosePositionFeedsVersionMetrics(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	pos, err := f.manager.OpenPosition(ctx, openRequest())
	require.NoError(t, err)

	closed, err := f.manager.ClosePosition(ctx, pos.BusinessKey, d("0.60"), domain.ExitReasonManual)
	require.NoError(t, err)

	require.NotNil(t, closed.RealizedPnL)
	assert.True(t, closed.RealizedPnL.Equal(d("1.00")), "realized = %s", *closed.RealizedPnL)
	assert.True(t, closed.UnrealizedPnL.IsZero())
	require.NotNil(t, closed.ExitReason)
	assert.Equal(t, domain.ExitReasonManual, *closed.ExitReason)

	// Paper-mode metrics land on both the strategy and the model version.
	for _, id := range []int64{1, 2} {
		agg := f.versions.metrics[id]
		assert.Equal(t, int64(1), agg.PaperTrades, "version %d", id)
		assert.True(t, agg.PaperPnL.Equal(d("1.00")), "version %d pnl = %s", id, agg.PaperPnL)
		assert.Equal(t, int64(0), agg.LiveTrades)
	}

	require.Len(t, f.trades.trades, 2)
	assert.Equal(t, domain.TradeActionClose, f.trades.trades[1].Action)
}

func TestClosePositionTwiceFails(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	pos, err := f.manager.OpenPosition(ctx, openRequest())
	require.NoError(t, err)

	_, err = f.manager.ClosePosition(ctx, pos.BusinessKey, d("0.60"), domain.ExitReasonManual)
	require.NoError(t, err)

	_, err = f.manager.ClosePosition(ctx, pos.BusinessKey, d("0.65"), domain.ExitReasonManual)
	var stateErr *domain.InvalidPositionStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, domain.PositionStatusClosed, stateErr.Status)
}

func TestUpdatePriceOnClosedPositionFails(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	pos, err := f.manager.OpenPosition(ctx, openRequest())
	require.NoError(t, err)
	_, err = f.manager.ClosePosition(ctx, pos.BusinessKey, d("0.60"), domain.ExitReasonManual)
	require.NoError(t, err)

	_, _, err = f.manager.UpdatePrice(ctx, pos.BusinessKey, d("0.70"))
	var stateErr *domain.InvalidPositionStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestUpdatePriceLockHeld(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	pos, err := f.manager.OpenPosition(ctx, openRequest())
	require.NoError(t, err)

	f.locks.held = true
	_, _, err = f.manager.UpdatePrice(ctx, pos.BusinessKey, d("0.55"))
	require.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestTrailingStopLifecycle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	pos, err := f.manager.OpenPosition(ctx, openRequest())
	require.NoError(t, err)

	cfg := domain.TrailingStopConfig{
		ActivationThreshold: d("0.05"),
		InitialDistance:     d("0.04"),
		TighteningRate:      d("0"),
		FloorDistance:       d("0.01"),
	}
	armed, err := f.manager.ArmTrailingStop(ctx, pos.BusinessKey, cfg)
	require.NoError(t, err)
	require.NotNil(t, armed.TrailingStop)
	assert.Equal(t, domain.TrailingInactive, armed.TrailingStop.Phase)

	// Below the activation threshold the stop stays inactive.
	updated, hit, err := f.manager.UpdatePrice(ctx, pos.BusinessKey, d("0.53"))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, domain.TrailingInactive, updated.TrailingStop.Phase)

	// Activation and ratchet.
	updated, hit, err = f.manager.UpdatePrice(ctx, pos.BusinessKey, d("0.55"))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, domain.TrailingActive, updated.TrailingStop.Phase)

	updated, hit, err = f.manager.UpdatePrice(ctx, pos.BusinessKey, d("0.60"))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.True(t, updated.TrailingStop.StopPrice.Equal(d("0.56")), "stop = %s", updated.TrailingStop.StopPrice)

	// Pullback to the stop triggers.
	updated, hit, err = f.manager.UpdatePrice(ctx, pos.BusinessKey, d("0.56"))
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, domain.TrailingTriggered, updated.TrailingStop.Phase)

	closed, err := f.manager.ClosePosition(ctx, pos.BusinessKey, d("0.56"), domain.ExitReasonTrailingStop)
	require.NoError(t, err)
	require.NotNil(t, closed.ExitReason)
	assert.Equal(t, domain.ExitReasonTrailingStop, *closed.ExitReason)
}

func TestArmTrailingStopRejectsBadConfig(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	pos, err := f.manager.OpenPosition(ctx, openRequest())
	require.NoError(t, err)

	bad := domain.TrailingStopConfig{
		ActivationThreshold: d("0.05"),
		InitialDistance:     d("0"),
		TighteningRate:      d("0"),
		FloorDistance:       d("0.01"),
	}
	_, err = f.manager.ArmTrailingStop(ctx, pos.BusinessKey, bad)
	var rangeErr *domain.RangeError
	require.ErrorAs(t, err, &rangeErr)
}

func TestConcurrentUpdatesKeepOneCurrentRow(t *testing.T) {
	f := newFixture()
	f.manager.locks = &mutexLocks{}
	ctx := context.Background()

	pos, err := f.manager.OpenPosition(ctx, openRequest())
	require.NoError(t, err)

	const writers = 16
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		price := d("0.50").Add(decimal.NewFromInt(int64(i + 1)).Div(decimal.NewFromInt(100)))
		go func(p decimal.Decimal) {
			defer wg.Done()
			_, _, err := f.manager.UpdatePrice(ctx, pos.BusinessKey, p)
			assert.NoError(t, err)
		}(price)
	}
	wg.Wait()

	history, err := f.manager.History(ctx, pos.BusinessKey)
	require.NoError(t, err)
	require.Len(t, history, writers+1)

	currentRows := 0
	seen := make(map[int64]bool, len(history))
	for _, row := range history {
		if row.RowCurrent {
			currentRows++
		}
		assert.False(t, seen[row.SurrogateID], "surrogate id reused")
		seen[row.SurrogateID] = true
		assert.Equal(t, pos.BusinessKey, row.BusinessKey)
	}
	assert.Equal(t, 1, currentRows)
}

func TestSettlePosition(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	pos, err := f.manager.OpenPosition(ctx, openRequest())
	require.NoError(t, err)

	// YES 10 @ 0.50 resolving YES pays out at 1: realized 10 * 0.50 = 5.00.
	settled, err := f.manager.SettlePosition(ctx, pos.BusinessKey, domain.SideYes)
	require.NoError(t, err)

	assert.Equal(t, domain.PositionStatusSettled, settled.Status)
	require.NotNil(t, settled.RealizedPnL)
	assert.True(t, settled.RealizedPnL.Equal(d("5.00")), "realized = %s", *settled.RealizedPnL)
	require.NotNil(t, settled.ExitReason)
	assert.Equal(t, domain.ExitReasonSettlement, *settled.ExitReason)
	assert.True(t, settled.CurrentPrice.Equal(d("1")))

	require.Len(t, f.trades.trades, 2)
	assert.Equal(t, domain.TradeActionClose, f.trades.trades[1].Action)
	assert.True(t, f.trades.trades[1].Price.Equal(d("1")))

	for _, id := range []int64{1, 2} {
		agg := f.versions.metrics[id]
		assert.Equal(t, int64(1), agg.PaperTrades, "version %d", id)
		assert.True(t, agg.PaperPnL.Equal(d("5.00")), "version %d pnl = %s", id, agg.PaperPnL)
	}

	assert.Contains(t, f.audit.events, "position_settled")

	// Settled positions surface in the archive listing.
	closed, err := f.positions.ListClosedSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, closed, 1)

	// A second settlement attempt finds no open row.
	_, err = f.manager.SettlePosition(ctx, pos.BusinessKey, domain.SideNo)
	var stateErr *domain.InvalidPositionStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestSettlePositionLosingSide(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	pos, err := f.manager.OpenPosition(ctx, openRequest())
	require.NoError(t, err)

	// YES 10 @ 0.50 resolving NO settles at 0: realized -5.00.
	settled, err := f.manager.SettlePosition(ctx, pos.BusinessKey, domain.SideNo)
	require.NoError(t, err)
	require.NotNil(t, settled.RealizedPnL)
	assert.True(t, settled.RealizedPnL.Equal(d("-5.00")), "realized = %s", *settled.RealizedPnL)
	assert.True(t, settled.CurrentPrice.IsZero())
}

func TestOpenPositionArmsDefaultTrailing(t *testing.T) {
	f := newFixture()
	f.manager.params.DefaultTrailing = &domain.TrailingStopConfig{
		ActivationThreshold: d("0.05"),
		InitialDistance:     d("0.04"),
		TighteningRate:      d("0.5"),
		FloorDistance:       d("0.01"),
	}

	pos, err := f.manager.OpenPosition(context.Background(), openRequest())
	require.NoError(t, err)

	require.NotNil(t, pos.TrailingStop)
	assert.Equal(t, domain.TrailingInactive, pos.TrailingStop.Phase)
	assert.True(t, pos.TrailingStop.Config.InitialDistance.Equal(d("0.04")))
}

func TestCheckTrailingStop(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	pos, err := f.manager.OpenPosition(ctx, openRequest())
	require.NoError(t, err)

	// No trailing stop armed yet.
	hit, err := f.manager.CheckTrailingStop(ctx, pos.BusinessKey)
	require.NoError(t, err)
	assert.False(t, hit)

	cfg := domain.TrailingStopConfig{
		ActivationThreshold: d("0.05"),
		InitialDistance:     d("0.04"),
		TighteningRate:      d("0"),
		FloorDistance:       d("0.01"),
	}
	_, err = f.manager.ArmTrailingStop(ctx, pos.BusinessKey, cfg)
	require.NoError(t, err)

	_, _, err = f.manager.UpdatePrice(ctx, pos.BusinessKey, d("0.60"))
	require.NoError(t, err)
	hit, err = f.manager.CheckTrailingStop(ctx, pos.BusinessKey)
	require.NoError(t, err)
	assert.False(t, hit)

	// Pullback to the stop trips the read-only check too.
	_, _, err = f.manager.UpdatePrice(ctx, pos.BusinessKey, d("0.56"))
	require.NoError(t, err)
	hit, err = f.manager.CheckTrailingStop(ctx, pos.BusinessKey)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestSuggestSize(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// edge 0.10, quarter kelly on 10000 -> 250
	size, err := f.manager.SuggestSize(ctx, d("0.60"), d("0.50"))
	require.NoError(t, err)
	assert.True(t, size.Equal(d("250")), "size = %s", size)

	// edge below the gate -> exact zero
	size, err = f.manager.SuggestSize(ctx, d("0.51"), d("0.50"))
	require.NoError(t, err)
	assert.True(t, size.IsZero())
}
