package easyfs

import (
	"testing"
)

// countingDisk records write traffic to observe write-back behavior.
type countingDisk struct {
	*MemDisk
	writes map[uint64]int
}

func newCountingDisk(blocks uint64) *countingDisk {
	return &countingDisk{MemDisk: NewMemDisk(blocks), writes: make(map[uint64]int)}
}

func (d *countingDisk) WriteBlock(blockID uint64, buf []byte) error {
	d.writes[blockID]++
	return d.MemDisk.WriteBlock(blockID, buf)
}

func expectPanic(t *testing.T, what string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", what)
		}
	}()
	f()
}

func TestBlockCacheReadBack(t *testing.T) {
	disk := NewMemDisk(64)
	buf := make([]byte, BlockSize)
	buf[0] = 0x42
	disk.WriteBlock(7, buf)

	mgr := NewCacheManager()
	err := mgr.With(7, disk, func(c *BlockCache) {
		c.Read(0, 1, func(b []byte) {
			if b[0] != 0x42 {
				t.Errorf("read: got %#x", b[0])
			}
		})
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
}

func TestBlockCacheWriteBackOnce(t *testing.T) {
	disk := newCountingDisk(64)
	mgr := NewCacheManager()

	err := mgr.With(3, disk, func(c *BlockCache) {
		c.Modify(0, 4, func(b []byte) {
			copy(b, "abcd")
		})
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
	if disk.writes[3] != 0 {
		t.Error("write-back must be lazy")
	}

	// P5: after sync the device matches the buffer, and syncing a clean
	// block writes nothing.
	if err := mgr.SyncAll(); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if disk.writes[3] != 1 {
		t.Errorf("expected exactly one write-back, got %d", disk.writes[3])
	}
	if err := mgr.SyncAll(); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if disk.writes[3] != 1 {
		t.Error("clean block must not be rewritten")
	}

	var back [BlockSize]byte
	disk.ReadBlock(3, back[:])
	if string(back[:4]) != "abcd" {
		t.Error("device content does not match cache")
	}
}

func TestBlockCacheSharing(t *testing.T) {
	disk := NewMemDisk(64)
	mgr := NewCacheManager()

	a, err := mgr.Get(5, disk)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, err := mgr.Get(5, disk)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a != b {
		t.Error("same block must share one cache entry")
	}
	mgr.Put(a)
	mgr.Put(b)
	expectPanic(t, "over-release", func() {
		mgr.Put(b)
	})
}

func TestBlockCacheEviction(t *testing.T) {
	disk := newCountingDisk(256)
	mgr := NewCacheManager()

	// Dirty block 0, then fill the rest of the cache.
	if err := mgr.With(0, disk, func(c *BlockCache) {
		c.Modify(0, 1, func(b []byte) { b[0] = 0xAA })
	}); err != nil {
		t.Fatal(err)
	}
	for id := uint64(1); id < blockCacheSlots; id++ {
		if err := mgr.With(id, disk, func(*BlockCache) {}); err != nil {
			t.Fatal(err)
		}
	}

	// One more block forces the oldest unpinned entry (0) out, which
	// must flush it.
	if err := mgr.With(99, disk, func(*BlockCache) {}); err != nil {
		t.Fatal(err)
	}
	if disk.writes[0] != 1 {
		t.Errorf("evicted dirty block not written back (writes=%d)", disk.writes[0])
	}
	var buf [BlockSize]byte
	disk.ReadBlock(0, buf[:])
	if buf[0] != 0xAA {
		t.Error("write-back content wrong")
	}
}

func TestBlockCachePinnedFullPanics(t *testing.T) {
	disk := NewMemDisk(256)
	mgr := NewCacheManager()

	var handles []*BlockCache
	for id := uint64(0); id < blockCacheSlots; id++ {
		c, err := mgr.Get(id, disk)
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, c)
	}
	expectPanic(t, "pinned-full cache", func() {
		mgr.Get(999, disk)
	})
	for _, c := range handles {
		mgr.Put(c)
	}
}

func TestBlockCacheRangeGuard(t *testing.T) {
	disk := NewMemDisk(8)
	mgr := NewCacheManager()
	c, err := mgr.Get(0, disk)
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.Put(c)

	// The inclusive end is fine; one byte past it is not.
	c.Read(BlockSize-4, 4, func([]byte) {})
	expectPanic(t, "out of range", func() {
		c.Read(BlockSize-3, 4, func([]byte) {})
	})
}

func TestBitmapAllocDealloc(t *testing.T) {
	disk := NewMemDisk(64)
	mgr := NewCacheManager()
	bm := NewBitmap(2, 2) // 8192 bits over blocks 2 and 3

	// P6: N allocations from an empty bitmap yield N distinct indices,
	// in order for this allocator.
	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		bit, ok, err := bm.Alloc(mgr, disk)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("alloc %d failed", i)
		}
		if seen[bit] {
			t.Fatalf("duplicate bit %d", bit)
		}
		seen[bit] = true
	}

	// alloc/dealloc of one bit restores the prior state.
	bit, ok, err := bm.Alloc(mgr, disk)
	if err != nil || !ok {
		t.Fatal("alloc failed")
	}
	if err := bm.Dealloc(mgr, disk, bit); err != nil {
		t.Fatal(err)
	}
	again, ok, err := bm.Alloc(mgr, disk)
	if err != nil || !ok {
		t.Fatal("re-alloc failed")
	}
	if again != bit {
		t.Errorf("expected bit %d back, got %d", bit, again)
	}

	expectPanic(t, "dealloc of free bit", func() {
		bm.Dealloc(mgr, disk, 7000)
	})
}

func TestBitmapSpansAllBlocks(t *testing.T) {
	disk := NewMemDisk(64)
	mgr := NewCacheManager()
	bm := NewBitmap(2, 2)

	// Exhaust the first bitmap block; the scan must continue into the
	// second instead of giving up.
	for i := 0; i < BlockBits; i++ {
		if _, ok, err := bm.Alloc(mgr, disk); err != nil || !ok {
			t.Fatalf("alloc %d failed", i)
		}
	}
	bit, ok, err := bm.Alloc(mgr, disk)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("allocation must move on to the second bitmap block")
	}
	if bit != BlockBits {
		t.Errorf("expected bit %d, got %d", BlockBits, bit)
	}

	// Fill everything, then the bitmap really is exhausted.
	for i := 1; i < BlockBits; i++ {
		if _, ok, err := bm.Alloc(mgr, disk); err != nil || !ok {
			t.Fatalf("alloc in second block failed at %d", i)
		}
	}
	if _, ok, _ := bm.Alloc(mgr, disk); ok {
		t.Error("full bitmap must fail allocation")
	}
}

func TestSuperBlockRoundTrip(t *testing.T) {
	disk := NewMemDisk(1000)

	fs, err := Format(disk, 1000, 1, 8, 1, 990)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if !fs.Super.IsValid() {
		t.Fatal("fresh superblock invalid")
	}

	reopened, err := Open(disk)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sb := reopened.Super
	if !sb.IsValid() {
		t.Error("reloaded superblock invalid")
	}
	if sb.TotalBlocks != 1000 || sb.InodeBitmapBlocks != 1 || sb.InodeAreaBlocks != 8 ||
		sb.DataBitmapBlocks != 1 || sb.DataAreaBlocks != 990 {
		t.Errorf("superblock fields did not round-trip: %+v", sb)
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	disk := NewMemDisk(16)
	if _, err := Open(disk); err == nil {
		t.Error("expected an error opening a blank disk")
	}
}
