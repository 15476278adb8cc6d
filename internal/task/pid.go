package task

import (
	"fmt"
	"slices"

	"github.com/rvkern/rvkern/internal/config"
	"github.com/rvkern/rvkern/internal/mm"
	"github.com/rvkern/rvkern/internal/upcell"
)

// PidAllocator hands out process IDs with the same bump+recycle discipline
// as the frame allocator.
type PidAllocator struct {
	current  uint64
	recycled []uint64
}

// Alloc returns the next free PID.
func (a *PidAllocator) Alloc() uint64 {
	if n := len(a.recycled); n > 0 {
		pid := a.recycled[n-1]
		a.recycled = a.recycled[:n-1]
		return pid
	}
	a.current++
	return a.current - 1
}

// Dealloc returns a PID. Freeing an unissued or already free PID faults.
func (a *PidAllocator) Dealloc(pid uint64) {
	if pid >= a.current || slices.Contains(a.recycled, pid) {
		panic(fmt.Sprintf("task: dealloc of pid %d which is not allocated", pid))
	}
	a.recycled = append(a.recycled, pid)
}

// Pids is the process-wide PID allocator behind its exclusive cell.
type Pids struct {
	cell *upcell.Cell[PidAllocator]
}

// NewPids creates the allocator.
func NewPids() *Pids {
	return &Pids{cell: upcell.New("pid allocator", PidAllocator{})}
}

// Alloc returns a PID handle that releases on Drop.
func (p *Pids) Alloc() *PidHandle {
	var pid uint64
	p.cell.With(func(a *PidAllocator) {
		pid = a.Alloc()
	})
	return &PidHandle{ID: pid, pids: p}
}

// PidHandle owns one process ID.
type PidHandle struct {
	ID   uint64
	pids *Pids
}

// Drop releases the PID back to the allocator.
func (h *PidHandle) Drop() {
	h.pids.cell.With(func(a *PidAllocator) {
		a.Dealloc(h.ID)
	})
}

// KernelStack owns the per-PID kernel stack region inside the kernel
// address space: a framed R|W area below the trampoline, with a one-page
// guard between adjacent slots (slot 0 sits directly under the trampoline).
type KernelStack struct {
	pid    uint64
	kernel *mm.MemorySet
}

// NewKernelStack inserts the stack area for pid into the kernel space.
func NewKernelStack(pid uint64, kernel *mm.MemorySet) *KernelStack {
	bottom, top := config.KernelStackPosition(pid)
	kernel.InsertFramedArea(mm.VirtAddr(bottom), mm.VirtAddr(top), mm.PermR|mm.PermW)
	return &KernelStack{pid: pid, kernel: kernel}
}

// Top returns the stack top address in kernel space.
func (k *KernelStack) Top() uint64 {
	_, top := config.KernelStackPosition(k.pid)
	return top
}

// Drop removes the stack area, releasing its frames.
func (k *KernelStack) Drop() {
	bottom, _ := config.KernelStackPosition(k.pid)
	k.kernel.RemoveAreaWithStartVPN(mm.VirtAddr(bottom).Floor())
}
