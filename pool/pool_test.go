package pool

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/orchestra/clock"
	"github.com/flowmesh/orchestra/errs"
)

func newTestRegistry(now time.Time) (*Registry, *clock.Frozen) {
	clk := clock.NewFrozen(now)
	return New(DefaultConfig(), clk, nil), clk
}

func TestRegisterAndSnapshot(t *testing.T) {
	r, clk := newTestRegistry(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, r.Register(Descriptor{ID: "b", Capabilities: []string{"x"}}))
	require.NoError(t, r.Register(Descriptor{ID: "a", Capabilities: []string{"x"}}))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "a", snap[0].Descriptor.ID, "snapshot must be sorted by id")
	require.Equal(t, StatusAvailable, snap[0].Runtime.Status)
	require.Equal(t, clk.Now(), snap[0].Runtime.LastHeartbeat)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r, _ := newTestRegistry(time.Now())
	require.NoError(t, r.Register(Descriptor{ID: "a"}))

	err := r.Register(Descriptor{ID: "a"})
	require.Error(t, err)
	var oe *errs.Error
	require.True(t, errors.As(err, &oe))
	require.Equal(t, errs.KindValidation, oe.Kind)
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestRegisterAfterRetireSucceeds(t *testing.T) {
	r, _ := newTestRegistry(time.Now())
	require.NoError(t, r.Register(Descriptor{ID: "a"}))
	require.NoError(t, r.Retire("a"))
	require.NoError(t, r.Register(Descriptor{ID: "a"}))

	e, ok := r.Get("a")
	require.True(t, ok)
	require.Equal(t, StatusAvailable, e.Runtime.Status)
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	r, _ := newTestRegistry(time.Now())
	err := r.Heartbeat("ghost", time.Now(), HeartbeatSample{})
	require.ErrorIs(t, err, ErrUnknown)
}

func TestHeartbeatRecoversFromUnreachable(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r, clk := newTestRegistry(start)
	require.NoError(t, r.Register(Descriptor{ID: "a"}))

	clk.Advance(r.cfg.HeartbeatTimeout + time.Second)
	r.sweep()

	e, _ := r.Get("a")
	require.Equal(t, StatusUnreachable, e.Runtime.Status)

	require.NoError(t, r.Heartbeat("a", clk.Now(), HeartbeatSample{LoadFactor: 0.2}))
	e, _ = r.Get("a")
	require.Equal(t, StatusAvailable, e.Runtime.Status)
}

// A heartbeat older than 3x the configured interval must be ignored and
// must never move LastHeartbeat backwards.
func TestHeartbeatIgnoresStaleOutOfOrderSample(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r, clk := newTestRegistry(start)
	require.NoError(t, r.Register(Descriptor{ID: "a"}))

	clk.Advance(r.cfg.HeartbeatInterval * 4)
	require.NoError(t, r.Heartbeat("a", clk.Now(), HeartbeatSample{LoadFactor: 0.5}))

	e, _ := r.Get("a")
	current := e.Runtime.LastHeartbeat

	stale := current.Add(-4 * r.cfg.HeartbeatInterval)
	require.NoError(t, r.Heartbeat("a", stale, HeartbeatSample{LoadFactor: 0.9}))

	e, _ = r.Get("a")
	require.Equal(t, current, e.Runtime.LastHeartbeat, "stale sample must not move LastHeartbeat backwards")
	require.Equal(t, 0.5, e.Runtime.LoadFactor, "stale sample must not overwrite other runtime fields either")
}

func TestUpdateLoadDegradesAfterConsecutiveFailures(t *testing.T) {
	r, _ := newTestRegistry(time.Now())
	require.NoError(t, r.Register(Descriptor{ID: "a"}))

	fail := false
	for i := 0; i < r.cfg.DegradeAfter; i++ {
		r.UpdateLoad("a", 0, &fail)
	}

	e, _ := r.Get("a")
	require.Equal(t, StatusDegraded, e.Runtime.Status)

	ok := true
	for i := 0; i < r.cfg.RecoverAfter; i++ {
		r.UpdateLoad("a", 0, &ok)
	}
	e, _ = r.Get("a")
	require.Equal(t, StatusAvailable, e.Runtime.Status)
}

func TestUpdateLoadNeverGoesNegative(t *testing.T) {
	r, _ := newTestRegistry(time.Now())
	require.NoError(t, r.Register(Descriptor{ID: "a"}))

	r.UpdateLoad("a", -5, nil)
	e, _ := r.Get("a")
	require.Equal(t, 0, e.Runtime.InFlight)
}

func TestRetireIsTerminal(t *testing.T) {
	r, _ := newTestRegistry(time.Now())
	require.NoError(t, r.Register(Descriptor{ID: "a"}))
	require.NoError(t, r.Retire("a"))

	err := r.Heartbeat("a", time.Now(), HeartbeatSample{})
	require.ErrorIs(t, err, ErrUnknown)
}
