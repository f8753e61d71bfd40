package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/servibook/callkit/internal/callerr"
)

func newTestManager() *Manager {
	return NewManager(zap.NewNop(), 3, time.Second, 5*time.Second)
}

func TestConnectionFailureBackoffSchedule(t *testing.T) {
	m := newTestManager()

	d1 := m.Decide(callerr.ConnectionFailure)
	require.Equal(t, ActionReconnect, d1.Action)
	assert.Equal(t, time.Second, d1.Delay)

	d2 := m.Decide(callerr.ConnectionFailure)
	require.Equal(t, ActionReconnect, d2.Action)
	assert.Equal(t, 2*time.Second, d2.Delay)

	d3 := m.Decide(callerr.ConnectionFailure)
	assert.Equal(t, ActionFail, d3.Action)
}

func TestReconnectDelayCapped(t *testing.T) {
	m := NewManager(zap.NewNop(), 5, time.Second, 5*time.Second)

	var last Decision
	for i := 0; i < 4; i++ {
		last = m.Decide(callerr.ConnectionFailure)
	}
	require.Equal(t, ActionReconnect, last.Action)
	assert.Equal(t, 5*time.Second, last.Delay, "delay should cap at 5s")
}

func TestRetryCounterMonotonicAndCapped(t *testing.T) {
	m := newTestManager()

	prev := 0
	for i := 0; i < 6; i++ {
		m.Decide(callerr.SignalingTimeout)
		count := m.RetryCount(ClassStartCall)
		assert.GreaterOrEqual(t, count, prev)
		assert.LessOrEqual(t, count, 3, "counter must never exceed the budget")
		prev = count
	}
}

func TestMarkRecoveredResetsOnlyOwnClass(t *testing.T) {
	m := newTestManager()

	m.Decide(callerr.ConnectionFailure)
	m.Decide(callerr.IceFailure)
	require.Equal(t, 1, m.RetryCount(ClassConnection))
	require.Equal(t, 1, m.RetryCount(ClassICE))

	m.MarkRecovered(ClassConnection)
	assert.Equal(t, 0, m.RetryCount(ClassConnection))
	assert.Equal(t, 1, m.RetryCount(ClassICE), "other class must keep its count")
}

func TestICEExhaustionFallsBackToTURNOnce(t *testing.T) {
	m := newTestManager()

	d1 := m.Decide(callerr.IceFailure)
	assert.Equal(t, ActionICERestart, d1.Action)
	assert.Equal(t, time.Second, d1.Delay)

	d2 := m.Decide(callerr.IceFailure)
	assert.Equal(t, ActionICERestart, d2.Action)
	assert.Equal(t, 2*time.Second, d2.Delay)

	d3 := m.Decide(callerr.IceFailure)
	require.Equal(t, ActionFallbackTURN, d3.Action)
	assert.Zero(t, d3.Delay, "TURN fallback is immediate")
	assert.True(t, m.TURNUsed())

	// The fallback is one-shot: another ICE failure is terminal.
	d4 := m.Decide(callerr.IceFailure)
	assert.Equal(t, ActionFail, d4.Action)
}

func TestFatalCategoriesNeverRetry(t *testing.T) {
	m := newTestManager()

	for _, cat := range []callerr.Category{
		callerr.PermissionError,
		callerr.DeviceError,
		callerr.ServerRejected,
	} {
		d := m.Decide(cat)
		assert.Equal(t, ActionFail, d.Action, "category %s", cat)
	}
}

func TestResetClearsAllHistory(t *testing.T) {
	m := newTestManager()

	m.Decide(callerr.IceFailure)
	m.Decide(callerr.IceFailure)
	m.Decide(callerr.IceFailure) // consumes the TURN fallback
	require.True(t, m.TURNUsed())

	m.Reset()
	assert.False(t, m.TURNUsed())
	assert.Equal(t, 0, m.RetryCount(ClassICE))
}
