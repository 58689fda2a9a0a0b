package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	Facility string  `json:"facility"`
	Overall  float64 `json:"overall"`
}

func openTestStore(t *testing.T, now *time.Time) *BoltStore {
	t.Helper()
	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "nested", "cache.db"))
	require.NoError(t, err)
	s.WithClock(func() time.Time { return *now })
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)
	s := openTestStore(t, &now)

	require.NoError(t, s.Set(ctx, "risk:F1:7", snapshot{Facility: "F1", Overall: 42.5}))

	var got snapshot
	found, err := s.Get(ctx, "risk:F1:7", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, snapshot{Facility: "F1", Overall: 42.5}, got)

	found, err = s.Get(ctx, "risk:F2:7", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBoltStoreExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)
	s := openTestStore(t, &now)

	require.NoError(t, s.SetWithTTL(ctx, "short", snapshot{Overall: 1}, time.Minute))
	require.NoError(t, s.SetWithTTL(ctx, "forever", snapshot{Overall: 2}, 0))

	now = now.Add(2 * time.Minute)

	var got snapshot
	found, err := s.Get(ctx, "short", &got)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = s.Get(ctx, "forever", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2.0, got.Overall)
}

func TestBoltStoreDeletePrefix(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)
	s := openTestStore(t, &now)

	for _, key := range []string{"risk:F1:7", "risk:F1:30", "risk:F10:7", "risk:F2:7"} {
		require.NoError(t, s.Set(ctx, key, snapshot{}))
	}

	deleted, err := s.DeletePrefix(ctx, "risk:F1:")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	var got snapshot
	for key, want := range map[string]bool{"risk:F1:7": false, "risk:F1:30": false, "risk:F10:7": true, "risk:F2:7": true} {
		found, err := s.Get(ctx, key, &got)
		require.NoError(t, err)
		assert.Equal(t, want, found, key)
	}

	_, err = s.DeletePrefix(ctx, "")
	assert.Error(t, err)
}

func TestStoresSatisfyInterface(t *testing.T) {
	var _ Store = (*BoltStore)(nil)
	var _ Store = (*RedisStore)(nil)
}
