package cache

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIsCanonical(t *testing.T) {
	t.Parallel()
	a := Key("scrape", map[string]string{"page": "p1", "mode": "light"})
	b := Key("scrape", map[string]string{"mode": "light", "page": "p1"})
	assert.Equal(t, a, b)
	assert.Equal(t, "scrape:mode=light&page=p1", a)
	assert.Equal(t, "assets:", Key("assets", nil))
}

func TestLoadCachesValuesNotErrors(t *testing.T) {
	t.Parallel()
	c, err := New(8)
	require.NoError(t, err)

	calls := 0
	load := func() (string, error) {
		calls++
		return "v", nil
	}
	for range 3 {
		v, err := Load(c, "scope:k=1", load)
		require.NoError(t, err)
		assert.Equal(t, "v", v)
	}
	assert.Equal(t, 1, calls)

	boom := errors.New("boom")
	_, err = Load(c, "scope:k=2", func() (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	_, ok := c.Get("scope:k=2")
	assert.False(t, ok)
}

func TestInvalidateScopes(t *testing.T) {
	t.Parallel()
	c, err := New(8)
	require.NoError(t, err)
	c.Add(Key("scrape", map[string]string{"id": "1"}), 1)
	c.Add(Key("scrape", map[string]string{"id": "2"}), 2)
	c.Add(Key("scrapes", nil), 3)
	c.Add(Key("asset", map[string]string{"id": "1"}), 4)

	assert.Equal(t, 2, c.Invalidate("scrape"))
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(Key("scrapes", nil))
	assert.True(t, ok)

	assert.Equal(t, 2, c.Invalidate("scrapes", "asset"))
	assert.Zero(t, c.Len())
}

func TestDisabledCacheIsNoop(t *testing.T) {
	t.Parallel()
	c, err := New(0)
	require.NoError(t, err)
	c.Add("a:", 1)
	_, ok := c.Get("a:")
	assert.False(t, ok)
	assert.Zero(t, c.Invalidate("a"))

	var nilCache *Cache
	v, err := Load(nilCache, "a:", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestEviction(t *testing.T) {
	t.Parallel()
	c, err := New(2)
	require.NoError(t, err)
	c.Add("s:1", 1)
	c.Add("s:2", 2)
	c.Add("s:3", 3)
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("s:1")
	assert.False(t, ok)
}
