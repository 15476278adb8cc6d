package trap

import (
	"fmt"

	"github.com/rvkern/rvkern/internal/config"
	"github.com/rvkern/rvkern/internal/machine"
	"github.com/rvkern/rvkern/internal/mm"
)

// The trampoline is the one piece of code mapped at the same virtual
// address in every address space, so that swapping satp in the middle of a
// trap leaves the current instruction stream valid. Here the save and
// restore halves are Go code operating on the same state the assembly
// would touch; the shared page still exists and is mapped R|X everywhere,
// and the context page is reached through the kernel's own mapping of the
// frame backing TRAP_CONTEXT.

// Enter performs the save half after user execution trapped: capture the
// full register file plus sstatus/sepc into the trap context page, then
// switch the hart onto the kernel page table and privilege level.
func Enter(m *machine.Machine, trapCtxPPN mm.PhysPageNum, kernelSatp uint64) {
	cx := Load(m, trapCtxPPN)
	cx.X = m.CPU.X
	cx.Sstatus = m.CPU.Sstatus
	cx.Sepc = m.CPU.Sepc
	Store(m, trapCtxPPN, cx)

	if cx.KernelSatp != kernelSatp {
		panic(fmt.Sprintf("trap: context kernel satp %#x does not match %#x", cx.KernelSatp, kernelSatp))
	}

	m.WriteSatp(kernelSatp)
	m.FlushTLB()
	m.CPU.Priv = machine.PrivSupervisor
	m.CPU.X[2] = cx.KernelSP

	// While the kernel runs, a nested trap must not re-enter the
	// trampoline; park the vector on the kernel handler.
	m.CPU.Stvec = HandlerVA
}

// Return performs the restore half: reload the register file from the trap
// context page, switch onto the user page table, and drop to U-mode with
// sscratch parked on the context page for the next trap.
func Return(m *machine.Machine, trapCtxPPN mm.PhysPageNum, userSatp uint64) {
	cx := Load(m, trapCtxPPN)

	m.CPU.Sstatus = cx.Sstatus &^ machine.SstatusSPP // SPP=User
	m.CPU.Sepc = cx.Sepc
	m.CPU.Sscratch = config.TrapContextVA

	// Re-arm the user trap vector at the trampoline.
	m.CPU.Stvec = config.TrampolineVA

	m.WriteSatp(userSatp)
	m.FlushTLB()

	m.CPU.X = cx.X
	m.CPU.PC = cx.Sepc
	m.CPU.Priv = machine.PrivUser
}
