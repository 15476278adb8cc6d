package mm

import (
	"fmt"
	"slices"

	"github.com/rvkern/rvkern/internal/upcell"
)

// StackFrameAllocator hands out 4KiB physical frames from a contiguous free
// region. Never-used frames are bumped out of [current, end); freed frames
// go onto the recycled stack and are preferred on the next allocation.
type StackFrameAllocator struct {
	current  uint64
	end      uint64
	recycled []uint64
}

// Init sets the managed region to [l, r).
func (a *StackFrameAllocator) Init(l, r PhysPageNum) {
	a.current = uint64(l)
	a.end = uint64(r)
	a.recycled = a.recycled[:0]
}

// Alloc returns a frame, preferring recycled ones, or false when the pool is
// exhausted.
func (a *StackFrameAllocator) Alloc() (PhysPageNum, bool) {
	if n := len(a.recycled); n > 0 {
		ppn := a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
		return PhysPageNum(ppn), true
	}
	if a.current == a.end {
		return 0, false
	}
	ppn := a.current
	a.current++
	return PhysPageNum(ppn), true
}

// Dealloc returns a frame to the pool. A PPN that was never issued or is
// already free indicates frame-handle corruption and faults.
func (a *StackFrameAllocator) Dealloc(ppn PhysPageNum) {
	p := uint64(ppn)
	if p >= a.current || slices.Contains(a.recycled, p) {
		panic(fmt.Sprintf("mm: dealloc of frame %#x which is not allocated", p))
	}
	a.recycled = append(a.recycled, p)
}

// Frames is the process-wide frame allocator: the stack allocator behind the
// exclusive cell, plus the memory handle used to zero frames on allocation.
type Frames struct {
	mem  Mem
	cell *upcell.Cell[StackFrameAllocator]
}

// NewFrames builds the allocator over [l, r).
func NewFrames(mem Mem, l, r PhysPageNum) *Frames {
	var sfa StackFrameAllocator
	sfa.Init(l, r)
	return &Frames{mem: mem, cell: upcell.New("frame allocator", sfa)}
}

// Alloc allocates one zeroed frame wrapped in a tracker that returns it on
// Drop.
func (f *Frames) Alloc() (*FrameTracker, bool) {
	var ppn PhysPageNum
	var ok bool
	f.cell.With(func(a *StackFrameAllocator) {
		ppn, ok = a.Alloc()
	})
	if !ok {
		return nil, false
	}
	page := f.mem.PageBytes(uint64(ppn))
	if page == nil {
		panic(fmt.Sprintf("mm: allocated frame %#x outside RAM", uint64(ppn)))
	}
	clear(page)
	return &FrameTracker{PPN: ppn, frames: f}, true
}

// Dealloc returns a raw frame to the pool.
func (f *Frames) Dealloc(ppn PhysPageNum) {
	f.cell.With(func(a *StackFrameAllocator) {
		a.Dealloc(ppn)
	})
}

// Mem returns the physical memory handle.
func (f *Frames) Mem() Mem {
	return f.mem
}

// FrameTracker owns one physical frame; dropping it returns the frame to
// the allocator.
type FrameTracker struct {
	PPN    PhysPageNum
	frames *Frames
}

// Bytes returns the frame contents.
func (t *FrameTracker) Bytes() []byte {
	return t.frames.mem.PageBytes(uint64(t.PPN))
}

// Drop releases the frame. Dropping twice faults in the allocator.
func (t *FrameTracker) Drop() {
	t.frames.Dealloc(t.PPN)
}
