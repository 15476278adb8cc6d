// Package rvkern boots and runs a small preemptive multitasking kernel for
// an RV64 machine with SV39 paging: physical frames and page tables live in
// guest RAM, user programs execute on the machine's interpreter in their
// own address spaces, and the kernel schedules them through a fixed syscall
// surface with a 100Hz timer tick.
package rvkern

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/rvkern/rvkern/internal/config"
	"github.com/rvkern/rvkern/internal/loader"
	"github.com/rvkern/rvkern/internal/machine"
	"github.com/rvkern/rvkern/internal/mm"
	"github.com/rvkern/rvkern/internal/syscall"
	"github.com/rvkern/rvkern/internal/task"
	"github.com/rvkern/rvkern/internal/trap"
	"github.com/rvkern/rvkern/internal/userprog"
)

// ErrBudget is returned by Run when the cycle budget runs out before the
// machine shuts down.
var ErrBudget = errors.New("rvkern: cycle budget exhausted")

// errInitExited stops the scheduler when the initial process exits.
var errInitExited = errors.New("rvkern: init exited")

// Options configures a kernel boot.
type Options struct {
	// Output and Input are the console streams.
	Output io.Writer
	Input  io.Reader

	// Init names the application seeded as the first process; defaults
	// to initproc.
	Init string

	// ExtraApps adds ELF images beyond the built-in set, keyed by name.
	ExtraApps map[string][]byte
}

// Kernel is a booted system.
type Kernel struct {
	mach        *machine.Machine
	frames      *mm.Frames
	kernelSpace *mm.MemorySet
	loader      *loader.Loader
	sys         *task.System
	mgr         *task.Manager
	proc        *task.Processor
	env         *syscall.Env

	maxCycles uint64
}

// New boots a kernel: clear RAM, bring up the frame allocator over
// [ekernel, MEMORY_END), build and activate the kernel address space,
// stage the embedded applications, and seed the initial process.
func New(opts Options) (*Kernel, error) {
	if opts.Init == "" {
		opts.Init = "initproc"
	}

	mach := machine.NewMachine(config.MemoryEnd-config.RAMBase, opts.Output, opts.Input)

	// The first instruction of the trap save sequence and the sret of the
	// restore half mark the shared trampoline frame.
	tramp := mach.PageBytes(config.Trampoline >> config.PageBits)
	binary.LittleEndian.PutUint32(tramp[0:], 0x14011173) // csrrw sp, sscratch, sp
	binary.LittleEndian.PutUint32(tramp[4:], 0x10200073) // sret

	frames := mm.NewFrames(mach,
		mm.PhysAddr(config.EKernel).Ceil(),
		mm.PhysAddr(config.MemoryEnd).Floor())

	kernelSpace := mm.NewKernel(frames)
	kernelSpace.Activate(mach)
	slog.Info("kernel space activated", "token", fmt.Sprintf("%#x", kernelSpace.Token()))

	ld := loader.New(mach)
	if err := ld.StageAll(userprog.MustImages()); err != nil {
		return nil, err
	}
	for name, image := range opts.ExtraApps {
		if err := ld.Stage(name, image); err != nil {
			return nil, err
		}
	}

	sys := task.NewSystem(frames, kernelSpace)
	mgr := task.NewManager()
	proc := task.NewProcessor()

	k := &Kernel{
		mach:        mach,
		frames:      frames,
		kernelSpace: kernelSpace,
		loader:      ld,
		sys:         sys,
		mgr:         mgr,
		proc:        proc,
	}
	k.env = &syscall.Env{
		Sys:    sys,
		Mgr:    mgr,
		FW:     mach,
		Loader: ld,
		TimeUs: k.timeUs,
	}

	initData, ok := ld.AppData(opts.Init)
	if !ok {
		return nil, fmt.Errorf("rvkern: no such app %q", opts.Init)
	}
	initTask, err := sys.NewTask(initData)
	if err != nil {
		return nil, fmt.Errorf("rvkern: loading %s: %w", opts.Init, err)
	}
	sys.Init = initTask
	mgr.Add(initTask)
	slog.Info("seeded init process", "app", opts.Init, "pid", initTask.Pid.ID)

	k.setNextTrigger()
	return k, nil
}

// Machine exposes the underlying machine, mainly for inspection in tests.
func (k *Kernel) Machine() *machine.Machine {
	return k.mach
}

// Apps lists the staged application names.
func (k *Kernel) Apps() []string {
	return k.loader.Names()
}

// timeUs returns microseconds since boot.
func (k *Kernel) timeUs() uint64 {
	return k.mach.CLINT.Mtime() * config.MicroPerSec / config.ClockFreq
}

// setNextTrigger schedules the next timer interrupt one tick out.
func (k *Kernel) setNextTrigger() {
	k.mach.SetTimer(k.mach.CLINT.Mtime() + config.ClockFreq/config.TicksPerSec)
}

// Run drives the scheduler until the machine shuts down or, when maxCycles
// is non-zero, until that many machine cycles have retired (returning
// ErrBudget). A clean shutdown returns nil.
func (k *Kernel) Run(maxCycles uint64) error {
	k.maxCycles = maxCycles
	err := k.proc.RunTasks(k.mgr, k.runTask)
	switch {
	case errors.Is(err, task.ErrNoTasks):
		slog.Info("all applications completed, shutting down")
		k.mach.Shutdown(false)
		return nil
	case errors.Is(err, errInitExited):
		slog.Info("init process exited, shutting down")
		k.mach.Shutdown(false)
		return nil
	case errors.Is(err, machine.ErrHalt):
		return nil
	default:
		return err
	}
}

// disposition is what a handled trap asks the scheduler to do.
type disposition int

const (
	dispContinue disposition = iota
	dispYield
	dispExit
)

// runTask runs one task until it gives the CPU back: restore its trap
// context, execute user code until the next trap, handle it, repeat.
func (k *Kernel) runTask(t *task.Task) error {
	for {
		if k.maxCycles > 0 && k.mach.CPU.Cycle >= k.maxCycles {
			return ErrBudget
		}

		trap.Return(k.mach, t.TrapCtxPPN(), t.Token())
		tr, err := k.mach.RunUser()
		if err != nil {
			return err
		}
		trap.Enter(k.mach, t.TrapCtxPPN(), k.kernelSpace.Token())

		disp, exitCode := k.handleTrap(t, tr)
		switch disp {
		case dispContinue:
			// Back to user mode on the next loop turn.
		case dispYield:
			task.SuspendCurrentAndRunNext(k.proc, k.mgr)
			return nil
		case dispExit:
			exited := task.ExitCurrentAndRunNext(k.proc, k.sys, exitCode)
			if exited == k.sys.Init {
				return errInitExited
			}
			return nil
		}
	}
}

// handleTrap dispatches a user trap: syscalls, fatal faults, and the timer.
// An unexpected cause is a kernel bug and panics.
func (k *Kernel) handleTrap(t *task.Task, tr machine.Trap) (disposition, int32) {
	switch tr.Cause {
	case machine.CauseEcallFromU:
		// Resume past the ecall, then dispatch.
		trap.AdvanceSepc(k.sys.Mem, t.TrapCtxPPN(), 4)
		cx := trap.Load(k.sys.Mem, t.TrapCtxPPN())
		res := k.env.Dispatch(t, cx.X[17], [3]uint64{cx.X[10], cx.X[11], cx.X[12]})

		// exec may have swapped the address space; fetch the context
		// frame again before writing the return value.
		ppn := t.TrapCtxPPN()
		switch res.Action {
		case syscall.ActionContinue:
			trap.SetReturnValue(k.sys.Mem, ppn, uint64(res.Ret))
			return dispContinue, 0
		case syscall.ActionYield:
			trap.SetReturnValue(k.sys.Mem, ppn, uint64(res.Ret))
			return dispYield, 0
		case syscall.ActionRestart:
			trap.AdvanceSepc(k.sys.Mem, ppn, -4)
			return dispYield, 0
		case syscall.ActionExit:
			return dispExit, res.ExitCode
		default:
			panic(fmt.Sprintf("rvkern: unknown syscall action %d", res.Action))
		}

	case machine.CauseStorePageFault, machine.CauseLoadPageFault,
		machine.CauseInsnPageFault, machine.CauseStoreAccessFault,
		machine.CauseLoadAccessFault, machine.CauseInsnAccessFault:
		slog.Info("page fault in application, kernel killed it",
			"pid", t.Pid.ID,
			"stval", fmt.Sprintf("%#x", tr.Tval),
			"sepc", fmt.Sprintf("%#x", k.mach.CPU.Sepc))
		return dispExit, -2

	case machine.CauseIllegalInsn:
		slog.Info("illegal instruction in application, kernel killed it",
			"pid", t.Pid.ID,
			"sepc", fmt.Sprintf("%#x", k.mach.CPU.Sepc))
		return dispExit, -3

	case machine.CauseSTimerInt:
		k.setNextTrigger()
		return dispYield, 0

	default:
		panic(fmt.Sprintf("rvkern: unsupported trap cause=%#x stval=%#x", tr.Cause, tr.Tval))
	}
}
