package statestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryPutGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	v, err := m.Put(ctx, "exec/1/checkpoint/minimal", []byte("a"))
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	rec, err := m.Get(ctx, "exec/1/checkpoint/minimal")
	require.NoError(t, err)
	require.Equal(t, []byte("a"), rec.Value)
	require.Equal(t, int64(1), rec.Version)

	v2, err := m.Put(ctx, "exec/1/checkpoint/minimal", []byte("b"))
	require.NoError(t, err)
	require.Equal(t, int64(2), v2)
}

func TestMemoryGetNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCASRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	v, err := m.CAS(ctx, "k", 0, []byte("first"))
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	_, err = m.CAS(ctx, "k", 0, []byte("conflict"))
	require.ErrorIs(t, err, ErrVersionConflict)

	v2, err := m.CAS(ctx, "k", v, []byte("second"))
	require.NoError(t, err)
	require.Equal(t, int64(2), v2)
}

func TestMemoryCASRequiresAbsenceForZero(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.Put(ctx, "k", []byte("x"))
	require.NoError(t, err)

	_, err = m.CAS(ctx, "k", 0, []byte("y"))
	require.ErrorIs(t, err, ErrVersionConflict)
}

func TestMemoryScanPrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, _ = m.Put(ctx, "exec/1/a", []byte("1"))
	_, _ = m.Put(ctx, "exec/1/b", []byte("2"))
	_, _ = m.Put(ctx, "exec/2/a", []byte("3"))

	recs, err := m.Scan(ctx, "exec/1/")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "exec/1/a", recs[0].Key)
	require.Equal(t, "exec/1/b", recs[1].Key)
}

func TestMemoryDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _ = m.Put(ctx, "k", []byte("v"))

	require.NoError(t, m.Delete(ctx, "k"))
	require.NoError(t, m.Delete(ctx, "k"))

	_, err := m.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}
