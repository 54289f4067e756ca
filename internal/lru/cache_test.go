package lru

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func size[K comparable, V any](c *Cache[K, V]) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func TestGetPut(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a")
	c.Put("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok, "b was least recently used")
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, size(c))
}

func TestDelete(t *testing.T) {
	c := New[int, int](2)
	c.Put(1, 1)
	assert.True(t, c.Delete(1))
	assert.False(t, c.Delete(1))
	assert.Equal(t, 0, size(c))
}

func TestPanicOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int, int](0) })
}

func TestConcurrentAccess(t *testing.T) {
	c := New[string, int](16)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*i)%32)
				c.Put(key, i)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, size(c), 16)
}
