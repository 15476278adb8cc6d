// Package trap implements the user/kernel boundary: the trap context layout
// in the per-process context page, and the trampoline save/restore protocol
// that moves the register file across a privilege switch. Dispatching the
// trap cause is the kernel's job; this package only performs the switch.
package trap

import (
	"encoding/binary"
	"fmt"

	"github.com/rvkern/rvkern/internal/config"
	"github.com/rvkern/rvkern/internal/machine"
	"github.com/rvkern/rvkern/internal/mm"
)

// HandlerVA is the symbolic kernel-space address of the trap handler, the
// third bootstrap field of every trap context. The handler itself is kernel
// code; the value anchors it at the start of kernel text.
const HandlerVA uint64 = config.SText

// ReturnVA is the symbolic address of the restore half of the trampoline.
// Every fresh task context points its return address here so the first
// switch into the task falls through to user mode.
const ReturnVA uint64 = config.TrampolineVA

// Context is the full U-mode state saved on trap entry plus the three
// kernel bootstrap fields written once at process creation.
type Context struct {
	X       [32]uint64
	Sstatus uint64
	Sepc    uint64

	KernelSatp  uint64
	KernelSP    uint64
	TrapHandler uint64
}

// Field offsets within the trap context page, in 8-byte words.
const (
	ctxWordSstatus     = 32
	ctxWordSepc        = 33
	ctxWordKernelSatp  = 34
	ctxWordKernelSP    = 35
	ctxWordTrapHandler = 36
	ctxWords           = 37
)

// AppInitContext builds the initial context of a new program: entry point in
// sepc, the user stack in x2, sstatus set up for a U-mode sret.
func AppInitContext(entry, userSP, kernelSatp, kernelSP uint64) Context {
	cx := Context{
		Sstatus:     machine.SstatusSPIE, // SPP=User, prior interrupts on
		Sepc:        entry,
		KernelSatp:  kernelSatp,
		KernelSP:    kernelSP,
		TrapHandler: HandlerVA,
	}
	cx.X[2] = userSP
	return cx
}

// SetSP points the user stack pointer.
func (cx *Context) SetSP(sp uint64) {
	cx.X[2] = sp
}

// Load reads a trap context out of its physical page.
func Load(mem mm.Mem, ppn mm.PhysPageNum) Context {
	page := mem.PageBytes(uint64(ppn))
	if page == nil {
		panic(fmt.Sprintf("trap: context frame %#x outside RAM", uint64(ppn)))
	}
	var cx Context
	for i := 0; i < 32; i++ {
		cx.X[i] = binary.LittleEndian.Uint64(page[i*8:])
	}
	cx.Sstatus = binary.LittleEndian.Uint64(page[ctxWordSstatus*8:])
	cx.Sepc = binary.LittleEndian.Uint64(page[ctxWordSepc*8:])
	cx.KernelSatp = binary.LittleEndian.Uint64(page[ctxWordKernelSatp*8:])
	cx.KernelSP = binary.LittleEndian.Uint64(page[ctxWordKernelSP*8:])
	cx.TrapHandler = binary.LittleEndian.Uint64(page[ctxWordTrapHandler*8:])
	return cx
}

// Store writes a trap context into its physical page.
func Store(mem mm.Mem, ppn mm.PhysPageNum, cx Context) {
	page := mem.PageBytes(uint64(ppn))
	if page == nil {
		panic(fmt.Sprintf("trap: context frame %#x outside RAM", uint64(ppn)))
	}
	for i := 0; i < 32; i++ {
		binary.LittleEndian.PutUint64(page[i*8:], cx.X[i])
	}
	binary.LittleEndian.PutUint64(page[ctxWordSstatus*8:], cx.Sstatus)
	binary.LittleEndian.PutUint64(page[ctxWordSepc*8:], cx.Sepc)
	binary.LittleEndian.PutUint64(page[ctxWordKernelSatp*8:], cx.KernelSatp)
	binary.LittleEndian.PutUint64(page[ctxWordKernelSP*8:], cx.KernelSP)
	binary.LittleEndian.PutUint64(page[ctxWordTrapHandler*8:], cx.TrapHandler)
}

// SetReturnValue writes the syscall return value into x10 of the context
// page without rewriting the rest.
func SetReturnValue(mem mm.Mem, ppn mm.PhysPageNum, val uint64) {
	page := mem.PageBytes(uint64(ppn))
	binary.LittleEndian.PutUint64(page[10*8:], val)
}

// AdvanceSepc moves sepc past the trapping instruction (or back onto it,
// for syscall restarts).
func AdvanceSepc(mem mm.Mem, ppn mm.PhysPageNum, delta int64) {
	page := mem.PageBytes(uint64(ppn))
	sepc := binary.LittleEndian.Uint64(page[ctxWordSepc*8:])
	binary.LittleEndian.PutUint64(page[ctxWordSepc*8:], uint64(int64(sepc)+delta))
}
