package wfcontext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slopmasterai/maestro/core"
)

func newTestStore(config Config) *Store {
	return NewStore(core.NewMemoryStore(), nil, config)
}

func TestContextCreateAndGet(t *testing.T) {
	s := newTestStore(Config{})
	ctx := context.Background()

	wc, err := s.Create(ctx, "exec-1", map[string]interface{}{"seed": "value"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", wc.WorkflowID)
	assert.Equal(t, int64((24 * time.Hour).Seconds()), wc.TTLSeconds)

	loaded, err := s.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "value", loaded.Data["seed"])

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, core.ErrContextNotFound)

	_, err = s.Create(ctx, "", nil, 0)
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestContextSetAndGetValue(t *testing.T) {
	s := newTestStore(Config{})
	ctx := context.Background()

	_, err := s.Create(ctx, "exec-1", nil, 0)
	require.NoError(t, err)

	require.NoError(t, s.SetValue(ctx, "exec-1", "user.profile.name", "Ada"))
	require.NoError(t, s.SetValue(ctx, "exec-1", "results[1]", "second"))

	v, ok, err := s.GetValue(ctx, "exec-1", "user.profile.name")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Ada", v)

	v, ok, err = s.GetValue(ctx, "exec-1", "results[1]")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", v)

	_, ok, err = s.GetValue(ctx, "exec-1", "user.missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestContextDepthLimit(t *testing.T) {
	s := newTestStore(Config{MaxDepth: 3})
	ctx := context.Background()

	_, err := s.Create(ctx, "exec-1", nil, 0)
	require.NoError(t, err)

	require.NoError(t, s.SetValue(ctx, "exec-1", "a.b.c", 1))

	err = s.SetValue(ctx, "exec-1", "a.b.c.d", 1)
	assert.ErrorIs(t, err, core.ErrContextDepthLimit)
}

func TestContextSizeLimit(t *testing.T) {
	s := newTestStore(Config{MaxSizeBytes: 128})
	ctx := context.Background()

	_, err := s.Create(ctx, "exec-1", nil, 0)
	require.NoError(t, err)

	big := make([]byte, 256)
	for i := range big {
		big[i] = 'x'
	}
	err = s.SetValue(ctx, "exec-1", "blob", string(big))
	assert.ErrorIs(t, err, core.ErrContextSizeLimit)
}

func TestContextMerge(t *testing.T) {
	s := newTestStore(Config{})
	ctx := context.Background()

	_, err := s.Create(ctx, "exec-1", map[string]interface{}{
		"nested": map[string]interface{}{"keep": 1, "replace": "old"},
		"flat":   "original",
	}, 0)
	require.NoError(t, err)

	require.NoError(t, s.Merge(ctx, "exec-1", map[string]interface{}{
		"nested": map[string]interface{}{"replace": "new"},
	}, true))

	loaded, err := s.Get(ctx, "exec-1")
	require.NoError(t, err)
	nested := loaded.Data["nested"].(map[string]interface{})
	assert.Equal(t, "new", nested["replace"])
	assert.NotNil(t, nested["keep"], "deep merge preserves sibling keys")

	// Shallow merge replaces the whole key
	require.NoError(t, s.Merge(ctx, "exec-1", map[string]interface{}{
		"nested": map[string]interface{}{"only": true},
	}, false))
	loaded, err = s.Get(ctx, "exec-1")
	require.NoError(t, err)
	nested = loaded.Data["nested"].(map[string]interface{})
	assert.Nil(t, nested["keep"])
	assert.Equal(t, true, nested["only"])
}

func TestContextSnapshotAndRestore(t *testing.T) {
	s := newTestStore(Config{})
	ctx := context.Background()

	_, err := s.Create(ctx, "exec-1", map[string]interface{}{"state": "before"}, 0)
	require.NoError(t, err)

	sid, err := s.Snapshot(ctx, "exec-1", "checkpoint one")
	require.NoError(t, err)
	assert.Contains(t, sid, "checkpoint-one", "labels are sanitized")

	require.NoError(t, s.SetValue(ctx, "exec-1", "state", "after"))
	require.NoError(t, s.Restore(ctx, "exec-1", sid))

	v, ok, err := s.GetValue(ctx, "exec-1", "state")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "before", v)

	err = s.Restore(ctx, "exec-1", "123-unknown")
	assert.ErrorIs(t, err, core.ErrSnapshotNotFound)
}

func TestContextSnapshotPruning(t *testing.T) {
	s := newTestStore(Config{MaxSnapshots: 3})
	ctx := context.Background()

	_, err := s.Create(ctx, "exec-1", nil, 0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.Snapshot(ctx, "exec-1", "snap")
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond) // snapshot IDs are millisecond-scoped
	}

	infos, err := s.ListSnapshots(ctx, "exec-1")
	require.NoError(t, err)
	assert.Len(t, infos, 3)
	// Newest first
	assert.True(t, infos[0].CreatedAt.After(infos[2].CreatedAt))
}

func TestContextClearRemovesSnapshots(t *testing.T) {
	s := newTestStore(Config{})
	ctx := context.Background()

	_, err := s.Create(ctx, "exec-1", nil, 0)
	require.NoError(t, err)
	_, err = s.Snapshot(ctx, "exec-1", "pre")
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx, "exec-1"))

	_, err = s.Get(ctx, "exec-1")
	assert.ErrorIs(t, err, core.ErrContextNotFound)

	infos, err := s.ListSnapshots(ctx, "exec-1")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestResolveVariables(t *testing.T) {
	s := newTestStore(Config{})
	ctx := context.Background()

	_, err := s.Create(ctx, "exec-1", map[string]interface{}{
		"user":  map[string]interface{}{"name": "Ada"},
		"items": []interface{}{"first", "second"},
	}, 0)
	require.NoError(t, err)

	out, err := s.ResolveVariables(ctx, "exec-1", "Hi {{user.name}}, item: {{items[1]}}, gone: {{nope.deep}}!")
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada, item: second, gone: !", out)
}
