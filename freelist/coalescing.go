package freelist

import "sort"

// Coalescing is an address-ordered free list. Put merges the inserted range
// with adjacent neighbors, so two upstream blocks that happen to be physically
// contiguous become a single free extent and can satisfy requests larger than
// either block.
type Coalescing struct {
	extents []extent // sorted by addr, pairwise disjoint, never adjacent
}

// NewCoalescing creates an empty coalescing free list.
func NewCoalescing() *Coalescing {
	return &Coalescing{}
}

// Get removes a best-fit sub-range of size bytes aligned to align. Among all
// extents that can hold the request, the smallest one wins; the alignment gap
// and the tail remainder are re-inserted.
func (c *Coalescing) Get(size, align uintptr) uintptr {
	best := -1
	var bestAddr uintptr
	for i, e := range c.extents {
		aligned := alignUp(e.addr, align)
		if aligned+size > e.end() || aligned+size < aligned {
			continue
		}
		if best < 0 || e.size < c.extents[best].size {
			best, bestAddr = i, aligned
		}
	}
	if best < 0 {
		return 0
	}
	e := c.extents[best]
	c.removeAt(best)
	if head := bestAddr - e.addr; head > 0 {
		c.insert(extent{e.addr, head})
	}
	if tail := e.end() - (bestAddr + size); tail > 0 {
		c.insert(extent{bestAddr + size, tail})
	}
	return bestAddr
}

// Put inserts [addr, addr+size), merging with the extents that touch it.
func (c *Coalescing) Put(addr, size uintptr) {
	if size == 0 {
		return
	}
	i := sort.Search(len(c.extents), func(i int) bool {
		return c.extents[i].addr >= addr
	})
	e := extent{addr, size}
	// merge with predecessor
	if i > 0 && c.extents[i-1].end() == addr {
		e = extent{c.extents[i-1].addr, c.extents[i-1].size + size}
		i--
		c.removeAt(i)
	}
	// merge with successor
	if i < len(c.extents) && e.end() == c.extents[i].addr {
		e.size += c.extents[i].size
		c.removeAt(i)
	}
	c.insertAt(i, e)
}

// RemoveIfContained removes [addr, addr+size) iff it lies entirely within a
// single free extent. The pieces outside the removed range stay in the list.
func (c *Coalescing) RemoveIfContained(addr, size uintptr) bool {
	i := sort.Search(len(c.extents), func(i int) bool {
		return c.extents[i].end() > addr
	})
	if i == len(c.extents) {
		return false
	}
	e := c.extents[i]
	if e.addr > addr || addr+size > e.end() {
		return false
	}
	c.removeAt(i)
	if head := addr - e.addr; head > 0 {
		c.insert(extent{e.addr, head})
	}
	if tail := e.end() - (addr + size); tail > 0 {
		c.insert(extent{addr + size, tail})
	}
	return true
}

// Clear drops all extents.
func (c *Coalescing) Clear() {
	c.extents = c.extents[:0]
}

// Len returns the number of disjoint free extents.
func (c *Coalescing) Len() int { return len(c.extents) }

// FreeBytes returns the total number of free bytes tracked.
func (c *Coalescing) FreeBytes() uintptr {
	var n uintptr
	for _, e := range c.extents {
		n += e.size
	}
	return n
}

func (c *Coalescing) insert(e extent) {
	i := sort.Search(len(c.extents), func(i int) bool {
		return c.extents[i].addr >= e.addr
	})
	c.insertAt(i, e)
}

func (c *Coalescing) insertAt(i int, e extent) {
	c.extents = append(c.extents, extent{})
	copy(c.extents[i+1:], c.extents[i:])
	c.extents[i] = e
}

func (c *Coalescing) removeAt(i int) {
	copy(c.extents[i:], c.extents[i+1:])
	c.extents = c.extents[:len(c.extents)-1]
}

var _ List = (*Coalescing)(nil)
