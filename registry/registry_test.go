package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBaseRegistryRegisterGetList(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Register("b", 2))

	v, ok := r.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	require.ElementsMatch(t, []int{1, 2}, r.List())
	require.Equal(t, 2, r.Count())
}

func TestBaseRegistryRegisterRejectsEmptyNameAndDuplicates(t *testing.T) {
	r := NewBaseRegistry[string]()
	require.Error(t, r.Register("", "x"))
	require.NoError(t, r.Register("a", "x"))
	require.Error(t, r.Register("a", "y"))
}

func TestBaseRegistrySetUpsertsPastRegister(t *testing.T) {
	r := NewBaseRegistry[string]()
	require.NoError(t, r.Register("a", "x"))
	r.Set("a", "y")
	v, ok := r.Get("a")
	require.True(t, ok)
	require.Equal(t, "y", v)
}

func TestBaseRegistryRemove(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.Error(t, r.Remove("missing"))

	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Remove("a"))
	_, ok := r.Get("a")
	require.False(t, ok)
}

func TestBaseRegistryClear(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Register("b", 2))
	r.Clear()
	require.Equal(t, 0, r.Count())
	require.Empty(t, r.List())
}
