package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCache_Expiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := New[string](Options{DefaultTTL: time.Minute, Now: func() time.Time { return now }})
	defer c.Close()

	c.Set("a", "1", 0)
	c.Set("b", "2", 5*time.Minute)
	c.Set("", "ignored", 0)
	assert.Equal(t, 2, c.Len())

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok, "默认TTL到期后不可见")
	_, ok = c.Get("b")
	assert.True(t, ok)

	now = now.Add(10 * time.Minute)
	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 0, c.Len())
}

func TestTTLCache_DeleteAndClear(t *testing.T) {
	c := New[int](Options{})
	defer c.Close()

	c.Set("x", 1, 0)
	c.Set("y", 2, 0)
	c.Delete("x")
	_, ok := c.Get("x")
	assert.False(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Len())
	c.Close()
}
