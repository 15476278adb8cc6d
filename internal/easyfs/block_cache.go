package easyfs

import (
	"fmt"
	"sync"

	"github.com/rvkern/rvkern/internal/upcell"
)

// blockCacheSlots is the maximum number of blocks resident at once.
const blockCacheSlots = 16

// BlockCache holds one 512-byte block in memory with lazy write-back: a
// dirty buffer goes back to the device once, when it is synced or its slot
// is evicted, and a clean buffer is never written.
type BlockCache struct {
	mu sync.Mutex

	cache    [BlockSize]byte
	blockID  uint64
	dev      BlockDevice
	modified bool
}

// newBlockCache loads a block from the device.
func newBlockCache(blockID uint64, dev BlockDevice) (*BlockCache, error) {
	c := &BlockCache{blockID: blockID, dev: dev}
	if err := dev.ReadBlock(blockID, c.cache[:]); err != nil {
		return nil, fmt.Errorf("easyfs: load block %d: %w", blockID, err)
	}
	return c, nil
}

// BlockID returns the cached block's id.
func (c *BlockCache) BlockID() uint64 {
	return c.blockID
}

func (c *BlockCache) checkRange(offset, size int) {
	if offset < 0 || size < 0 || offset+size > BlockSize {
		panic(fmt.Sprintf("easyfs: access [%d, %d) outside block of %d bytes", offset, offset+size, BlockSize))
	}
}

// Read runs f over size bytes at offset without marking the block dirty.
func (c *BlockCache) Read(offset, size int, f func([]byte)) {
	c.checkRange(offset, size)
	c.mu.Lock()
	defer c.mu.Unlock()
	f(c.cache[offset : offset+size])
}

// Modify runs f over size bytes at offset and marks the block dirty.
func (c *BlockCache) Modify(offset, size int, f func([]byte)) {
	c.checkRange(offset, size)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modified = true
	f(c.cache[offset : offset+size])
}

// Sync writes the buffer back if it is dirty.
func (c *BlockCache) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.modified {
		return nil
	}
	c.modified = false
	return c.dev.WriteBlock(c.blockID, c.cache[:])
}

type cacheSlot struct {
	cache *BlockCache
	// pins counts outstanding handles; only an unpinned slot may be
	// evicted.
	pins int
}

type cacheState struct {
	// queue keeps insertion order for eviction scanning.
	queue []*cacheSlot
}

// CacheManager is the process-wide block cache: a bounded queue of cached
// blocks serialized behind the exclusive cell.
type CacheManager struct {
	cell *upcell.Cell[cacheState]
}

// NewCacheManager creates an empty cache.
func NewCacheManager() *CacheManager {
	return &CacheManager{cell: upcell.New("block cache manager", cacheState{})}
}

// Get returns a pinned handle to the cached block, loading and, when the
// cache is full, evicting as needed. Every Get must be paired with Put.
// A full cache with every slot pinned is unrecoverable and panics.
func (m *CacheManager) Get(blockID uint64, dev BlockDevice) (*BlockCache, error) {
	var out *BlockCache
	var outErr error
	m.cell.With(func(st *cacheState) {
		for _, slot := range st.queue {
			if slot.cache.blockID == blockID {
				slot.pins++
				out = slot.cache
				return
			}
		}

		if len(st.queue) >= blockCacheSlots {
			evicted := false
			for i, slot := range st.queue {
				if slot.pins == 0 {
					if err := slot.cache.Sync(); err != nil {
						outErr = err
						return
					}
					st.queue = append(st.queue[:i], st.queue[i+1:]...)
					evicted = true
					break
				}
			}
			if !evicted {
				panic("easyfs: run out of block cache slots")
			}
		}

		cache, err := newBlockCache(blockID, dev)
		if err != nil {
			outErr = err
			return
		}
		st.queue = append(st.queue, &cacheSlot{cache: cache, pins: 1})
		out = cache
	})
	return out, outErr
}

// Put releases a handle returned by Get.
func (m *CacheManager) Put(c *BlockCache) {
	m.cell.With(func(st *cacheState) {
		for _, slot := range st.queue {
			if slot.cache == c {
				if slot.pins == 0 {
					panic(fmt.Sprintf("easyfs: over-release of block %d", c.blockID))
				}
				slot.pins--
				return
			}
		}
		panic(fmt.Sprintf("easyfs: release of unknown block %d", c.blockID))
	})
}

// With runs f over a pinned block and releases it afterwards.
func (m *CacheManager) With(blockID uint64, dev BlockDevice, f func(*BlockCache)) error {
	c, err := m.Get(blockID, dev)
	if err != nil {
		return err
	}
	defer m.Put(c)
	f(c)
	return nil
}

// SyncAll flushes every resident block.
func (m *CacheManager) SyncAll() error {
	var err error
	m.cell.With(func(st *cacheState) {
		for _, slot := range st.queue {
			if e := slot.cache.Sync(); e != nil && err == nil {
				err = e
			}
		}
	})
	return err
}
