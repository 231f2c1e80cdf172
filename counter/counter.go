// Package counter provides numeric values that survive concurrent
// writers by merging instead of overwriting. A counter remembers the
// baseline it was loaded with, so on save the delta accumulated since
// the load can be applied on top of whatever another writer stored in
// the meantime.
package counter

import "sync"

// MergingCounter is a monotonically growing counter whose concurrent
// increments must all survive. Two writers that each add 1 on top of
// the same stored value end up at stored+2, not stored+1.
type MergingCounter struct {
	mu       sync.Mutex
	baseline int64
	value    int64
}

func NewMergingCounter(value int64) *MergingCounter {
	return &MergingCounter{baseline: value, value: value}
}

// Add applies a local increment and returns the new local value.
func (c *MergingCounter) Add(n int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += n
	return c.value
}

func (c *MergingCounter) Increment() int64 {
	return c.Add(1)
}

func (c *MergingCounter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Delta is the local change since the counter was loaded or last merged.
func (c *MergingCounter) Delta() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value - c.baseline
}

// Merge folds the local delta into a concurrently stored value and
// re-baselines the counter on the result. The returned value is what
// should be written back.
func (c *MergingCounter) Merge(stored int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = stored + (c.value - c.baseline)
	c.baseline = c.value
	return c.value
}

// Maximum resolves concurrent writes by keeping the largest value.
// Used for timestamps where the most recent observation wins.
type Maximum struct {
	mu    sync.Mutex
	value int64
}

func NewMaximum(value int64) *Maximum {
	return &Maximum{value: value}
}

// Observe raises the value if v is larger and reports whether it did.
func (m *Maximum) Observe(v int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v > m.value {
		m.value = v
		return true
	}
	return false
}

func (m *Maximum) Value() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

// Merge keeps the larger of the stored and local values.
func (m *Maximum) Merge(stored int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored > m.value {
		m.value = stored
	}
	return m.value
}

// Minimum is the mirror image of Maximum, the smallest value wins.
type Minimum struct {
	mu    sync.Mutex
	value int64
}

func NewMinimum(value int64) *Minimum {
	return &Minimum{value: value}
}

func (m *Minimum) Observe(v int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v < m.value {
		m.value = v
		return true
	}
	return false
}

func (m *Minimum) Value() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}

// Set assigns the local value directly. Merge still keeps the smaller
// of this and a concurrently stored value.
func (m *Minimum) Set(v int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = v
}

func (m *Minimum) Merge(stored int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stored < m.value {
		m.value = stored
	}
	return m.value
}

// SumMerge merges a raw counter field without a live counter object:
// stored is what another writer saved, loaded is the value this writer
// started from and current is its local value. All increments survive.
func SumMerge(loaded, stored, current int64) int64 {
	return stored + (current - loaded)
}

// MaxMerge and MinMerge are the raw-field variants of Maximum/Minimum.
func MaxMerge(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func MinMerge(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
