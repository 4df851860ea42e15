package activity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"laresbridge/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T, clk clock.Clock) (*Cache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zones_last_seen.json")
	return NewCache(path, 5*time.Second, clk, zap.NewNop()), path
}

func readFile(t *testing.T, path string) map[string]int64 {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]int64
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestUpdateAndGet(t *testing.T) {
	c, _ := newTestCache(t, clock.NewMock(epoch))

	assert.True(t, c.Update("12", 1000))
	ts, ok := c.Get("12")
	require.True(t, ok)
	assert.Equal(t, int64(1000), ts)

	_, ok = c.Get("99")
	assert.False(t, ok)
}

func TestUpdateRejectsStaleAndInvalid(t *testing.T) {
	c, _ := newTestCache(t, clock.NewMock(epoch))

	require.True(t, c.Update("12", 1000))
	assert.False(t, c.Update("12", 1000), "equal timestamp is not newer")
	assert.False(t, c.Update("12", 999), "older timestamp is rejected")
	assert.False(t, c.Update("", 1000))
	assert.False(t, c.Update("12", 0))
	assert.False(t, c.Update("12", -5))

	ts, _ := c.Get("12")
	assert.Equal(t, int64(1000), ts)
}

func TestMaybeFlushDebounces(t *testing.T) {
	clk := clock.NewMock(epoch)
	c, path := newTestCache(t, clk)

	// First flush is immediate: nothing has been written yet.
	require.True(t, c.Update("12", 1000))
	c.MaybeFlush()
	assert.Equal(t, map[string]int64{"12": 1000}, readFile(t, path))

	// Within the interval the dirty value stays in memory only.
	require.True(t, c.Update("12", 2000))
	clk.Advance(2 * time.Second)
	c.MaybeFlush()
	assert.Equal(t, map[string]int64{"12": 1000}, readFile(t, path))

	// Once the interval elapses the next call writes.
	clk.Advance(3 * time.Second)
	c.MaybeFlush()
	assert.Equal(t, map[string]int64{"12": 2000}, readFile(t, path))
}

func TestMaybeFlushNoopWhenClean(t *testing.T) {
	clk := clock.NewMock(epoch)
	c, path := newTestCache(t, clk)

	c.MaybeFlush()
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "clean cache must not touch disk")
}

func TestFlushFailureKeepsDirty(t *testing.T) {
	clk := clock.NewMock(epoch)
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	// The parent "directory" is a regular file, so every write fails.
	c := NewCache(filepath.Join(blocker, "cache.json"), 5*time.Second, clk, zap.NewNop())
	require.True(t, c.Update("12", 1000))
	c.MaybeFlush()

	assert.Error(t, c.Flush())

	// The value is still held and still dirty; a later flush to a working
	// path is not possible here, but the data must not be lost.
	ts, ok := c.Get("12")
	require.True(t, ok)
	assert.Equal(t, int64(1000), ts)
}

func TestLoad(t *testing.T) {
	t.Run("seeds from disk and drops invalid values", func(t *testing.T) {
		clk := clock.NewMock(epoch)
		path := filepath.Join(t.TempDir(), "zones_last_seen.json")
		require.NoError(t, os.WriteFile(path,
			[]byte(`{"1":1000,"2":0,"3":-7,"4":2000}`), 0o644))

		c := NewCache(path, 5*time.Second, clk, zap.NewNop())
		c.Load()

		ts, ok := c.Get("1")
		require.True(t, ok)
		assert.Equal(t, int64(1000), ts)
		ts, ok = c.Get("4")
		require.True(t, ok)
		assert.Equal(t, int64(2000), ts)
		_, ok = c.Get("2")
		assert.False(t, ok)
		_, ok = c.Get("3")
		assert.False(t, ok)
	})

	t.Run("missing file yields empty cache", func(t *testing.T) {
		c, _ := newTestCache(t, clock.NewMock(epoch))
		c.Load()
		_, ok := c.Get("1")
		assert.False(t, ok)
	})

	t.Run("corrupt file yields empty cache", func(t *testing.T) {
		clk := clock.NewMock(epoch)
		path := filepath.Join(t.TempDir(), "zones_last_seen.json")
		require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

		c := NewCache(path, 5*time.Second, clk, zap.NewNop())
		c.Load()
		_, ok := c.Get("1")
		assert.False(t, ok)
	})
}

func TestFlushSurvivesRestart(t *testing.T) {
	clk := clock.NewMock(epoch)
	path := filepath.Join(t.TempDir(), "zones_last_seen.json")

	c1 := NewCache(path, 5*time.Second, clk, zap.NewNop())
	require.True(t, c1.Update("12", 1717243200))
	require.NoError(t, c1.Flush())

	c2 := NewCache(path, 5*time.Second, clk, zap.NewNop())
	c2.Load()
	ts, ok := c2.Get("12")
	require.True(t, ok)
	assert.Equal(t, int64(1717243200), ts)
}
