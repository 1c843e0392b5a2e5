package download

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddAssignsGUID(t *testing.T) {
	reg := NewRegistry()

	rec := &Record{ID: 1, State: StateInProgress}
	reg.Add(rec)
	require.NotEmpty(t, rec.GUID)

	got, ok := reg.GetByGUID(rec.GUID)
	require.True(t, ok)
	assert.Equal(t, uint32(1), got.ID)
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	reg := NewRegistry()
	reg.Add(NewRecord(1))

	got, ok := reg.Get(1)
	require.True(t, ok)

	// Mutating the copy must not leak into the registry.
	got.DangerType = DangerousContent

	again, ok := reg.Get(1)
	require.True(t, ok)
	assert.Equal(t, NotDangerous, again.DangerType)
}

func TestRegistryUpdate(t *testing.T) {
	reg := NewRegistry()
	reg.Add(NewRecord(1))

	updated, ok := reg.Update(1, func(r *Record) {
		r.DangerType = AsyncScanning
	})
	require.True(t, ok)
	assert.Equal(t, AsyncScanning, updated.DangerType)

	got, _ := reg.Get(1)
	assert.Equal(t, AsyncScanning, got.DangerType)

	_, ok = reg.Update(99, func(r *Record) {})
	assert.False(t, ok)
}

func TestRegistryRemove(t *testing.T) {
	reg := NewRegistry()
	rec := NewRecord(1)
	reg.Add(rec)

	reg.Remove(1)

	_, ok := reg.Get(1)
	assert.False(t, ok)
	_, ok = reg.GetByGUID(rec.GUID)
	assert.False(t, ok)

	// Removing twice is harmless.
	reg.Remove(1)
}

func TestRegistryAll(t *testing.T) {
	reg := NewRegistry()
	reg.Add(NewRecord(1))
	reg.Add(NewRecord(2))

	assert.Len(t, reg.All(), 2)
}
