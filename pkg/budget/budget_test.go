package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeterChargeWithinBudget(t *testing.T) {
	m := NewMeter(FuelBudget{FuelUnits: 100})

	require.NoError(t, m.Charge(40))
	require.NoError(t, m.Charge(60))

	u := m.Usage()
	assert.Equal(t, uint64(100), u.FuelConsumed)
	assert.False(t, u.Exhausted)
}

func TestMeterFuelExhaustion(t *testing.T) {
	m := NewMeter(FuelBudget{FuelUnits: 100})

	require.NoError(t, m.Charge(100))
	err := m.Charge(1)
	require.Error(t, err)

	be, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrFuelExhausted, be.Code)
	assert.Equal(t, int64(100), be.Limit)
	assert.Equal(t, int64(101), be.Consumed)

	// The violation sticks: later checkpoints keep failing.
	assert.Error(t, m.CheckTime())
	assert.Error(t, m.Charge(0))
	assert.True(t, m.Usage().Exhausted)
}

func TestMeterTimeExhaustion(t *testing.T) {
	m := NewMeter(FuelBudget{TimeLimitMs: 50})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.started = base
	m.now = func() time.Time { return base.Add(51 * time.Millisecond) }

	err := m.CheckTime()
	require.Error(t, err)
	assert.Equal(t, ErrTimeExhausted, err.(*Error).Code)
}

func TestMeterMemoryExhaustion(t *testing.T) {
	m := NewMeter(FuelBudget{MemoryLimitBytes: 1024})

	require.NoError(t, m.RecordMemory(512))
	err := m.RecordMemory(2048)
	require.Error(t, err)
	assert.Equal(t, ErrMemoryExhausted, err.(*Error).Code)
	assert.Equal(t, int64(2048), m.Usage().MemoryPeak)
}

func TestMeterZeroBudgetIsUnlimited(t *testing.T) {
	m := NewMeter(FuelBudget{})

	require.NoError(t, m.Charge(1<<40))
	require.NoError(t, m.RecordMemory(1<<40))
	require.NoError(t, m.CheckTime())
	assert.Nil(t, m.Err())
}

func TestBudgetMin(t *testing.T) {
	a := FuelBudget{FuelUnits: 1000, TimeLimitMs: 0, MemoryLimitBytes: 4096}
	b := FuelBudget{FuelUnits: 500, TimeLimitMs: 100, MemoryLimitBytes: 8192}

	got := Min(a, b)
	assert.Equal(t, uint64(500), got.FuelUnits)
	assert.Equal(t, int64(100), got.TimeLimitMs)
	assert.Equal(t, int64(4096), got.MemoryLimitBytes)
}

func TestIsBudgetError(t *testing.T) {
	m := NewMeter(FuelBudget{FuelUnits: 1})
	_ = m.Charge(1)
	err := m.Charge(1)
	assert.True(t, IsBudgetError(err))
	assert.False(t, IsBudgetError(assert.AnError))
}
