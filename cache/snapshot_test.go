package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edubot/edubot/logger"
)

func snapshotFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "cache.json")
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := snapshotFile(t)

	c := NewLRU(ctx, WithMaxSize(10), WithSnapshot(path))
	assert.NoError(t, c.Set(ctx, "alpha", "one", time.Hour))
	assert.NoError(t, c.Set(ctx, "beta", "two", time.Hour))
	assert.NoError(t, c.Close(ctx))

	// A fresh instance loads the same key set and values.
	c2 := NewLRU(ctx, WithMaxSize(10), WithSnapshot(path))
	defer c2.Close(ctx)
	found, val, err := c2.Get(ctx, "alpha")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "one", val)
	found, val, err = c2.Get(ctx, "beta")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "two", val)
}

func TestSnapshotDropsExpiredOnLoad(t *testing.T) {
	ctx := context.Background()
	path := snapshotFile(t)

	c := NewLRU(ctx, WithMaxSize(10), WithSnapshot(path))
	assert.NoError(t, c.Set(ctx, "fresh", "v", time.Hour))
	assert.NoError(t, c.Set(ctx, "stale", "v", 10*time.Millisecond))
	assert.NoError(t, c.Close(ctx))

	time.Sleep(11 * time.Millisecond)
	c2 := NewLRU(ctx, WithMaxSize(10), WithSnapshot(path))
	defer c2.Close(ctx)
	found, _, _ := c2.Get(ctx, "fresh")
	assert.True(t, found)
	found, _, _ = c2.Get(ctx, "stale")
	assert.False(t, found)
}

func TestSnapshotPreservesRecencyOrder(t *testing.T) {
	ctx := context.Background()
	path := snapshotFile(t)

	c := NewLRU(ctx, WithMaxSize(3), WithSnapshot(path))
	assert.NoError(t, c.Set(ctx, "A", 1, time.Hour))
	assert.NoError(t, c.Set(ctx, "B", 2, time.Hour))
	assert.NoError(t, c.Set(ctx, "C", 3, time.Hour))
	// A is now most recently used.
	_, _, _ = c.Get(ctx, "A")
	assert.NoError(t, c.Close(ctx))

	c2 := NewLRU(ctx, WithMaxSize(3), WithSnapshot(path))
	defer c2.Close(ctx)
	// Inserting D must evict B (oldest access), not A.
	assert.NoError(t, c2.Set(ctx, "D", 4, time.Hour))
	found, _, _ := c2.Get(ctx, "B")
	assert.False(t, found)
	found, _, _ = c2.Get(ctx, "A")
	assert.True(t, found)
}

func TestSnapshotMissingFileStartsEmpty(t *testing.T) {
	ctx := context.Background()
	c := NewLRU(ctx, WithMaxSize(10), WithSnapshot(snapshotFile(t)))
	defer c.Close(ctx)
	assert.Equal(t, 0, c.(*lruCache).Stats().Size)
}

func TestSnapshotCorruptFileStartsEmpty(t *testing.T) {
	ctx := context.Background()
	path := snapshotFile(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	log := logger.NewTestLogger()
	c := NewLRU(ctx, WithMaxSize(10), WithSnapshot(path), WithLogger(log))
	defer c.Close(ctx)
	assert.Equal(t, 0, c.(*lruCache).Stats().Size)

	var warned bool
	for _, e := range log.Entries() {
		if e.Severity == "WARN" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestSnapshotUnknownVersionStartsEmpty(t *testing.T) {
	ctx := context.Background()
	path := snapshotFile(t)
	doc := snapshotDocument{Version: 99, SavedAt: time.Now(), Entries: []snapshotEntry{
		{Key: "k", Value: "v", ExpiresAt: time.Now().Add(time.Hour)},
	}}
	buf, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	c := NewLRU(ctx, WithMaxSize(10), WithSnapshot(path))
	defer c.Close(ctx)
	assert.Equal(t, 0, c.(*lruCache).Stats().Size)
}

func TestSnapshotDocumentShape(t *testing.T) {
	ctx := context.Background()
	path := snapshotFile(t)
	c := NewLRU(ctx, WithMaxSize(10), WithSnapshot(path))
	assert.NoError(t, c.Set(ctx, "k", "v", time.Hour))
	assert.NoError(t, c.Close(ctx))

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc snapshotDocument
	require.NoError(t, json.Unmarshal(buf, &doc))
	assert.Equal(t, snapshotVersion, doc.Version)
	require.Len(t, doc.Entries, 1)
	assert.Equal(t, "k", doc.Entries[0].Key)
	assert.Equal(t, "v", doc.Entries[0].Value)
	assert.False(t, doc.Entries[0].CreatedAt.IsZero())
}

func TestSnapshotWriteFailureDegradesToMemory(t *testing.T) {
	ctx := context.Background()
	log := logger.NewTestLogger()
	// Snapshot path inside a directory that does not exist.
	path := filepath.Join(t.TempDir(), "missing-dir", "cache.json")
	c := NewLRU(ctx, WithMaxSize(10), WithSnapshot(path), WithLogger(log))
	assert.NoError(t, c.Set(ctx, "k", "v", time.Hour))
	assert.NoError(t, c.Close(ctx))

	// The value stayed readable in memory and the failure was logged,
	// never surfaced.
	var errored bool
	for _, e := range log.Entries() {
		if e.Severity == "ERROR" {
			errored = true
		}
	}
	assert.True(t, errored)
}

func TestSnapshotFlushAfterThreshold(t *testing.T) {
	ctx := context.Background()
	path := snapshotFile(t)
	c := NewLRU(ctx, WithMaxSize(100), WithSnapshot(path), WithSnapshotEvery(5))
	defer c.Close(ctx)

	for i := 0; i < 5; i++ {
		assert.NoError(t, c.Set(ctx, string(rune('a'+i)), i, time.Hour))
	}
	assert.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}
