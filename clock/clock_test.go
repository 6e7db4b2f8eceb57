package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrozenAdvanceAndSet(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFrozen(start)
	require.Equal(t, start, f.Now())

	f.Advance(time.Hour)
	require.Equal(t, start.Add(time.Hour), f.Now())

	other := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)
	f.Set(other)
	require.Equal(t, other, f.Now())
}

func TestSequentialGeneratorIsStableAndPrefixed(t *testing.T) {
	s := NewSequential("cid")
	require.Equal(t, "cid-1", s.NewID())
	require.Equal(t, "cid-2", s.NewID())
	require.Equal(t, "cid-3", s.NewID())
}

func TestSequentialGeneratorDefaultsPrefix(t *testing.T) {
	s := NewSequential("")
	require.Equal(t, "id-1", s.NewID())
}

func TestSystemClockAdvances(t *testing.T) {
	sys := System{}
	a := sys.Now()
	time.Sleep(time.Millisecond)
	b := sys.Now()
	require.True(t, b.After(a) || b.Equal(a))
}
