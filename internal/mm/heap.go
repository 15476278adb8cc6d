package mm

import (
	"fmt"

	"github.com/rvkern/rvkern/internal/config"
)

// Arena is the kernel heap: one fixed byte region of guest RAM serving
// dynamic allocations that must live in kernel memory, such as the staged
// images of the embedded applications. First-fit with coalescing on free.
type Arena struct {
	base uint64
	size uint64

	blocks []arenaBlock
}

type arenaBlock struct {
	addr uint64
	size uint64
	free bool
}

// NewArena creates the arena over the configured kernel heap region.
func NewArena() *Arena {
	return &Arena{
		base:   config.KernelHeapBase,
		size:   config.KernelHeapSize,
		blocks: []arenaBlock{{addr: config.KernelHeapBase, size: config.KernelHeapSize, free: true}},
	}
}

// Alloc reserves size bytes with the given alignment (a power of two) and
// returns the physical address of the reservation.
func (a *Arena) Alloc(size, align uint64) (PhysAddr, error) {
	if size == 0 {
		return 0, fmt.Errorf("arena: zero-size allocation")
	}
	if align == 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("arena: alignment %d is not a power of two", align)
	}
	for i := range a.blocks {
		b := &a.blocks[i]
		if !b.free {
			continue
		}
		start := (b.addr + align - 1) &^ (align - 1)
		pad := start - b.addr
		if pad+size > b.size {
			continue
		}
		// Split off the padding and the tail so the allocated block is
		// exactly [start, start+size).
		rest := b.size - pad - size
		blocks := a.blocks[:i:i]
		if pad > 0 {
			blocks = append(blocks, arenaBlock{addr: b.addr, size: pad, free: true})
		}
		blocks = append(blocks, arenaBlock{addr: start, size: size, free: false})
		if rest > 0 {
			blocks = append(blocks, arenaBlock{addr: start + size, size: rest, free: true})
		}
		a.blocks = append(blocks, a.blocks[i+1:]...)
		return PhysAddr(start), nil
	}
	return 0, fmt.Errorf("arena: out of memory allocating %d bytes", size)
}

// Free releases a previous allocation. Freeing an unknown or already free
// address is a kernel bug.
func (a *Arena) Free(addr PhysAddr) {
	for i := range a.blocks {
		b := &a.blocks[i]
		if b.addr != uint64(addr) {
			continue
		}
		if b.free {
			panic(fmt.Sprintf("arena: double free at %#x", uint64(addr)))
		}
		b.free = true
		a.coalesce()
		return
	}
	panic(fmt.Sprintf("arena: free of unknown address %#x", uint64(addr)))
}

func (a *Arena) coalesce() {
	out := a.blocks[:0]
	for _, b := range a.blocks {
		if n := len(out); n > 0 && out[n-1].free && b.free && out[n-1].addr+out[n-1].size == b.addr {
			out[n-1].size += b.size
			continue
		}
		out = append(out, b)
	}
	a.blocks = out
}

// FreeBytes returns the total free capacity.
func (a *Arena) FreeBytes() uint64 {
	var total uint64
	for _, b := range a.blocks {
		if b.free {
			total += b.size
		}
	}
	return total
}
