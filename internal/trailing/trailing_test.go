package trailing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/riskcore/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func cfg() domain.TrailingStopConfig {
	return domain.TrailingStopConfig{
		ActivationThreshold: d("0.05"),
		InitialDistance:     d("0.04"),
		TighteningRate:      d("0"),
		FloorDistance:       d("0.01"),
	}
}

func TestFavorable(t *testing.T) {
	assert.True(t, Favorable(domain.SideYes, d("0.30")).Equal(d("0.30")))
	assert.True(t, Favorable(domain.SideNo, d("0.30")).Equal(d("0.70")))
}

func TestAdvanceActivation(t *testing.T) {
	state := domain.NewTrailingStop(cfg())
	entry := d("0.50")

	// Below the activation threshold nothing moves.
	next, hit := Advance(state, domain.SideYes, entry, d("0.54"), nil)
	assert.False(t, hit)
	assert.Equal(t, domain.TrailingInactive, next.Phase)

	// Profit reaches the threshold: stop seeds at current - initial distance.
	next, hit = Advance(state, domain.SideYes, entry, d("0.55"), nil)
	require.False(t, hit)
	assert.Equal(t, domain.TrailingActive, next.Phase)
	assert.True(t, next.HighestPrice.Equal(d("0.55")), "highest = %s", next.HighestPrice)
	assert.True(t, next.StopPrice.Equal(d("0.51")), "stop = %s", next.StopPrice)
}

func TestAdvanceRatchetOnlyMovesUp(t *testing.T) {
	state := domain.NewTrailingStop(cfg())
	entry := d("0.50")

	state, _ = Advance(state, domain.SideYes, entry, d("0.55"), nil)

	// New high pulls the stop up.
	state, hit := Advance(state, domain.SideYes, entry, d("0.60"), nil)
	require.False(t, hit)
	assert.True(t, state.HighestPrice.Equal(d("0.60")))
	assert.True(t, state.StopPrice.Equal(d("0.56")), "stop = %s", state.StopPrice)

	// A pullback above the stop leaves both the high-water mark and the stop
	// where they are.
	state, hit = Advance(state, domain.SideYes, entry, d("0.58"), nil)
	require.False(t, hit)
	assert.True(t, state.HighestPrice.Equal(d("0.60")))
	assert.True(t, state.StopPrice.Equal(d("0.56")))

	// Touching the stop triggers.
	state, hit = Advance(state, domain.SideYes, entry, d("0.56"), nil)
	assert.True(t, hit)
	assert.Equal(t, domain.TrailingTriggered, state.Phase)

	// Triggered is terminal.
	state, hit = Advance(state, domain.SideYes, entry, d("0.70"), nil)
	assert.True(t, hit)
	assert.Equal(t, domain.TrailingTriggered, state.Phase)
}

func TestAdvanceTightening(t *testing.T) {
	c := cfg()
	c.TighteningRate = d("0.5")
	state := domain.NewTrailingStop(c)
	entry := d("0.50")

	state, _ = Advance(state, domain.SideYes, entry, d("0.55"), nil)

	// profit 0.10, ratio 0.2: distance = 0.04 * (1 - 0.5*0.2) = 0.036
	state, hit := Advance(state, domain.SideYes, entry, d("0.60"), nil)
	require.False(t, hit)
	assert.True(t, state.StopPrice.Equal(d("0.564")), "stop = %s", state.StopPrice)
}

func TestAdvanceFloorDistance(t *testing.T) {
	c := cfg()
	c.TighteningRate = d("1")
	state := domain.NewTrailingStop(c)
	entry := d("0.50")

	state, _ = Advance(state, domain.SideYes, entry, d("0.55"), nil)

	// profit 0.40, ratio 0.8: raw distance 0.008 is below the floor of 0.01.
	state, hit := Advance(state, domain.SideYes, entry, d("0.90"), nil)
	require.False(t, hit)
	assert.True(t, state.StopPrice.Equal(d("0.89")), "stop = %s", state.StopPrice)
}

func TestAdvanceStaticStopFloorsSeed(t *testing.T) {
	state := domain.NewTrailingStop(cfg())
	entry := d("0.50")
	staticStop := d("0.53")

	// Seed would be 0.51 but must not fall below the static stop.
	state, hit := Advance(state, domain.SideYes, entry, d("0.55"), &staticStop)
	require.False(t, hit)
	assert.True(t, state.StopPrice.Equal(d("0.53")), "stop = %s", state.StopPrice)
}

func TestAdvanceNoSide(t *testing.T) {
	state := domain.NewTrailingStop(cfg())
	entry := d("0.50")

	// For a NO position the YES price falling is favorable: favorable price
	// is 0.55, profit 0.05, stop seeds at 0.51 in favorable space.
	state, hit := Advance(state, domain.SideNo, entry, d("0.45"), nil)
	require.False(t, hit)
	assert.Equal(t, domain.TrailingActive, state.Phase)
	assert.True(t, state.StopPrice.Equal(d("0.51")), "stop = %s", state.StopPrice)

	// The YES price climbing back to 1 - stop = 0.49 breaches the stop.
	state, hit = Advance(state, domain.SideNo, entry, d("0.49"), nil)
	assert.True(t, hit)
	assert.Equal(t, domain.TrailingTriggered, state.Phase)
}

func TestTriggered(t *testing.T) {
	state := domain.NewTrailingStop(cfg())
	assert.False(t, Triggered(state, domain.SideYes, d("0.10")))

	state.Phase = domain.TrailingActive
	state.StopPrice = d("0.56")
	assert.False(t, Triggered(state, domain.SideYes, d("0.58")))
	assert.True(t, Triggered(state, domain.SideYes, d("0.56")))

	state.Phase = domain.TrailingTriggered
	assert.True(t, Triggered(state, domain.SideYes, d("0.99")))
}
