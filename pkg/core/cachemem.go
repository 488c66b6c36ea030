package core

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/rivosinc/humility/pkg/regs"
)

// cacheLine is the granularity of the read cache. Word reads dominate the
// workload (kernel structures are walked a word at a time), so lines are kept
// small to avoid reading memory the caller never asked for.
const cacheLine = 32

// CachedMemory wraps a Core with an LRU read cache. Repeated reads of the
// same kernel structures (task tables, region descriptors) otherwise cost a
// transport round-trip each; on a dump the cache is simply cheap, on a live
// target it can be the difference between a usable and an unusable command.
//
// Writes and every operation that lets the target make progress (Run, Step,
// Reset, OpDone) invalidate the cache, since memory may have changed under
// it. A dump never invalidates.
type CachedMemory struct {
	Core
	cache *lru.Cache
	live  bool
}

// NewCachedMemory wraps c. capacity is the number of cache lines retained;
// zero selects a default.
func NewCachedMemory(c Core, capacity int) (*CachedMemory, error) {
	if capacity == 0 {
		capacity = 4096
	}
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &CachedMemory{Core: c, cache: cache, live: !c.IsDump()}, nil
}

// line returns the cache line containing addr, reading through on a miss.
func (c *CachedMemory) line(addr uint32) ([]byte, error) {
	base := addr &^ (cacheLine - 1)
	if v, ok := c.cache.Get(base); ok {
		return v.([]byte), nil
	}
	buf := make([]byte, cacheLine)
	if err := c.Core.Read8(base, buf); err != nil {
		return nil, err
	}
	c.cache.Add(base, buf)
	return buf, nil
}

func (c *CachedMemory) ReadWord32(addr uint32) (uint32, error) {
	// Unaligned words straddle lines; let the backend handle those.
	if addr%4 != 0 {
		return c.Core.ReadWord32(addr)
	}
	line, err := c.line(addr)
	if err != nil {
		// A line may cross into an unmapped or unreadable region even
		// when the word itself is fine.
		return c.Core.ReadWord32(addr)
	}
	off := addr & (cacheLine - 1)
	w := line[off : off+4]
	return uint32(w[0]) | uint32(w[1])<<8 | uint32(w[2])<<16 | uint32(w[3])<<24, nil
}

func (c *CachedMemory) Read8(addr uint32, buf []byte) error {
	if err := checkReadSize(len(buf)); err != nil {
		return err
	}
	// Serve entirely-within-one-line reads from the cache; bulk reads go
	// straight through, caching them would just churn the lines.
	base := addr &^ (cacheLine - 1)
	if int(addr-base)+len(buf) <= cacheLine {
		line, err := c.line(addr)
		if err == nil {
			copy(buf, line[addr-base:])
			return nil
		}
	}
	return c.Core.Read8(addr, buf)
}

func (c *CachedMemory) invalidate() {
	if c.live {
		c.cache.Purge()
	}
}

func (c *CachedMemory) WriteWord32(addr uint32, v uint32) error {
	c.invalidate()
	return c.Core.WriteWord32(addr, v)
}

func (c *CachedMemory) Write8(addr uint32, data []byte) error {
	c.invalidate()
	return c.Core.Write8(addr, data)
}

func (c *CachedMemory) WriteReg(r regs.Register, v uint64) error {
	c.invalidate()
	return c.Core.WriteReg(r, v)
}

func (c *CachedMemory) Run() error {
	c.invalidate()
	return c.Core.Run()
}

func (c *CachedMemory) Step() error {
	c.invalidate()
	return c.Core.Step()
}

func (c *CachedMemory) Reset() error {
	c.invalidate()
	return c.Core.Reset()
}

func (c *CachedMemory) OpDone() error {
	c.invalidate()
	return c.Core.OpDone()
}

func (c *CachedMemory) Load(path string) error {
	c.invalidate()
	return c.Core.Load(path)
}
