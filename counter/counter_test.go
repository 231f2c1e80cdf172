package counter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergingCounterMerge(t *testing.T) {
	// Two writers load the same stored value 10 and increment
	// independently. Whoever saves second must not lose the other's
	// increments.
	a := NewMergingCounter(10)
	b := NewMergingCounter(10)
	a.Add(3)
	b.Increment()

	stored := a.Merge(10)
	assert.Equal(t, int64(13), stored)
	stored = b.Merge(stored)
	assert.Equal(t, int64(14), stored)
	assert.Equal(t, int64(0), b.Delta())
}

func TestMergingCounterConcurrent(t *testing.T) {
	c := NewMergingCounter(0)
	wg := sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Increment()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(5000), c.Value())
	assert.Equal(t, int64(5000), c.Delta())
}

func TestMaximum(t *testing.T) {
	m := NewMaximum(100)
	assert.False(t, m.Observe(50))
	assert.True(t, m.Observe(200))
	assert.Equal(t, int64(200), m.Value())
	assert.Equal(t, int64(300), m.Merge(300))
	assert.Equal(t, int64(300), m.Merge(250))
}

func TestMinimum(t *testing.T) {
	m := NewMinimum(100)
	assert.False(t, m.Observe(150))
	assert.True(t, m.Observe(50))
	assert.Equal(t, int64(50), m.Value())
	assert.Equal(t, int64(10), m.Merge(10))
}

func TestRawMerges(t *testing.T) {
	assert.Equal(t, int64(7), SumMerge(5, 6, 6))
	assert.Equal(t, int64(9), MaxMerge(9, 3))
	assert.Equal(t, int64(3), MinMerge(9, 3))
}
