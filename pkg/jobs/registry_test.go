package jobs

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("state.vacuum", "drop tombstoned keys", func(ctx context.Context, args json.RawMessage) (string, error) {
		return "removed 3 null keys", nil
	}))

	fn, ok := reg.Get("state.vacuum")
	require.True(t, ok)
	result, err := fn(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "removed 3 null keys", result)

	_, ok = reg.Get("state.compact")
	assert.False(t, ok)
}

func TestRegisterRejectsDuplicatesAndNil(t *testing.T) {
	reg := NewRegistry()
	noop := func(ctx context.Context, args json.RawMessage) (string, error) { return "", nil }

	require.NoError(t, reg.Register("stats.rollup", "", noop))
	assert.Error(t, reg.Register("stats.rollup", "", noop))
	assert.Error(t, reg.Register("stats.prune", "", nil))
}

func TestListIsSortedByName(t *testing.T) {
	reg := NewRegistry()
	noop := func(ctx context.Context, args json.RawMessage) (string, error) { return "", nil }
	require.NoError(t, reg.Register("stats.rollup", "hourly rollup", noop))
	require.NoError(t, reg.Register("registry.sweep", "eligibility sweep", noop))
	require.NoError(t, reg.Register("state.vacuum", "", noop))

	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "registry.sweep", infos[0].Name)
	assert.Equal(t, "state.vacuum", infos[1].Name)
	assert.Equal(t, "stats.rollup", infos[2].Name)
	assert.Equal(t, "eligibility sweep", infos[0].Description)
}
