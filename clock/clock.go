// Package clock provides the monotonic time source and unique-identifier
// generator used throughout the orchestration core. Both are injected
// rather than called directly so property-based tests can drive them
// deterministically, per spec.md §2 and §9 ("no global mutable state").
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time.Now so tests can control it.
type Clock interface {
	Now() time.Time
}

// System is the production Clock backed by the wall clock.
type System struct{}

// Now returns the current time.
func (System) Now() time.Time { return time.Now() }

// Frozen is a test Clock that never advances unless Advance is called.
type Frozen struct {
	t time.Time
}

// NewFrozen creates a Frozen clock starting at t.
func NewFrozen(t time.Time) *Frozen { return &Frozen{t: t} }

// Now returns the frozen time.
func (f *Frozen) Now() time.Time { return f.t }

// Advance moves the frozen clock forward by d.
func (f *Frozen) Advance(d time.Duration) { f.t = f.t.Add(d) }

// Set pins the frozen clock to t.
func (f *Frozen) Set(t time.Time) { f.t = t }

// IDGenerator produces unique, stable identifiers.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator generates RFC 4122 UUIDs via google/uuid, the generator
// the teacher uses for task and invocation identifiers (pkg/task/task.go).
type UUIDGenerator struct{}

// NewID returns a new random UUID string.
func (UUIDGenerator) NewID() string { return uuid.New().String() }

// Sequential is a deterministic test IDGenerator producing "id-1",
// "id-2", ... in call order.
type Sequential struct {
	prefix string
	n      int
}

// NewSequential creates a Sequential generator with the given prefix.
func NewSequential(prefix string) *Sequential {
	if prefix == "" {
		prefix = "id"
	}
	return &Sequential{prefix: prefix}
}

// NewID returns the next sequential identifier.
func (s *Sequential) NewID() string {
	s.n++
	return sequentialID(s.prefix, s.n)
}

func sequentialID(prefix string, n int) string {
	const digits = "0123456789"
	if n == 0 {
		return prefix + "-0"
	}
	buf := make([]byte, 0, 8)
	for n > 0 {
		buf = append([]byte{digits[n%10]}, buf...)
		n /= 10
	}
	return prefix + "-" + string(buf)
}
