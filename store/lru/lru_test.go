package lru

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	metacache "github.com/strmkit/metacache"
)

func meta(name string) *metacache.Meta {
	return &metacache.Meta{Name: name, Type: "movie"}
}

func TestCacheSetGet(t *testing.T) {
	c := New(10)

	assert.Equal(t, "", c.Set("tt1", meta("one")))

	got, found := c.Get("tt1")
	require.True(t, found)
	assert.Equal(t, "one", got.Name)

	_, found = c.Get("tt2")
	assert.False(t, found)
}

func TestCacheNegativeEntries(t *testing.T) {
	c := New(10)

	c.Set("tt-missing", nil)

	got, found := c.Get("tt-missing")
	assert.True(t, found)
	assert.Nil(t, got)
	assert.Equal(t, 1, c.Len())
}

func TestCacheEvictsOldest(t *testing.T) {
	c := New(3)

	c.Set("a", meta("a"))
	c.Set("b", meta("b"))
	c.Set("c", meta("c"))

	evicted := c.Set("d", meta("d"))
	assert.Equal(t, "a", evicted)
	assert.Equal(t, 3, c.Len())

	_, found := c.Get("a")
	assert.False(t, found)
	_, found = c.Get("b")
	assert.True(t, found)
}

func TestCacheGetProtectsFromEviction(t *testing.T) {
	c := New(3)

	c.Set("a", meta("a"))
	c.Set("b", meta("b"))
	c.Set("c", meta("c"))

	// Reading "a" promotes it, so "b" is now the oldest.
	_, found := c.Get("a")
	require.True(t, found)

	evicted := c.Set("d", meta("d"))
	assert.Equal(t, "b", evicted)

	_, found = c.Get("a")
	assert.True(t, found)
}

func TestCacheOverwritePromotes(t *testing.T) {
	c := New(3)

	c.Set("a", meta("a"))
	c.Set("b", meta("b"))
	c.Set("c", meta("c"))

	// Overwriting "a" promotes it without evicting anything.
	assert.Equal(t, "", c.Set("a", meta("a2")))
	assert.Equal(t, 3, c.Len())

	evicted := c.Set("d", meta("d"))
	assert.Equal(t, "b", evicted)

	got, found := c.Get("a")
	require.True(t, found)
	assert.Equal(t, "a2", got.Name)
}

func TestCacheRemove(t *testing.T) {
	c := New(10)

	c.Set("a", meta("a"))
	c.Set("b", meta("b"))
	c.Remove("a")

	_, found := c.Get("a")
	assert.False(t, found)
	assert.Equal(t, 1, c.Len())

	// Removing an absent key is a no-op.
	c.Remove("zzz")
	assert.Equal(t, 1, c.Len())
}

func TestCachePurge(t *testing.T) {
	c := New(10)

	c.Set("a", meta("a"))
	c.Set("b", meta("b"))
	c.Purge()

	assert.Equal(t, 0, c.Len())
	_, found := c.Get("a")
	assert.False(t, found)
}

func TestCacheDefaultCapacity(t *testing.T) {
	c := New(0)

	for i := 0; i < DefaultCapacity+50; i++ {
		c.Set(fmt.Sprintf("id%d", i), nil)
	}
	assert.Equal(t, DefaultCapacity, c.Len())
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := New(100)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("id%d", i%150)
				c.Set(key, meta(key))
				c.Get(key)
				if i%10 == 0 {
					c.Remove(key)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 100)
}
