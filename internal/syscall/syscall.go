// Package syscall maps the numeric syscall surface onto the kernel
// services: console I/O through the firmware, process control through the
// task layer, and user-memory access through translated buffers.
package syscall

import (
	"fmt"
	"log/slog"

	"github.com/rvkern/rvkern/internal/loader"
	"github.com/rvkern/rvkern/internal/machine"
	"github.com/rvkern/rvkern/internal/mm"
	"github.com/rvkern/rvkern/internal/task"
	"github.com/rvkern/rvkern/internal/trap"
)

// Syscall numbers.
const (
	SysRead    = 63
	SysWrite   = 64
	SysExit    = 93
	SysYield   = 124
	SysGetTime = 169
	SysGetpid  = 172
	SysFork    = 220
	SysExec    = 221
	SysWaitpid = 260
)

// Supported file descriptors.
const (
	FDStdin  = 0
	FDStdout = 1
)

// Action tells the trap handler what to do after a syscall.
type Action int

const (
	// ActionContinue: write the return value and resume the task.
	ActionContinue Action = iota
	// ActionYield: write the return value, then give up the CPU.
	ActionYield
	// ActionRestart: rewind sepc onto the ecall and give up the CPU; the
	// syscall re-executes when the task is scheduled again. No return
	// value is written.
	ActionRestart
	// ActionExit: the task is done (or killed); ExitCode applies.
	ActionExit
)

// Result is the outcome of a dispatch.
type Result struct {
	Ret      int64
	Action   Action
	ExitCode int32
}

// Env wires the dispatch table to the rest of the kernel.
type Env struct {
	Sys    *task.System
	Mgr    *task.Manager
	FW     machine.Firmware
	Loader *loader.Loader

	// TimeUs returns microseconds since boot.
	TimeUs func() uint64
}

// Dispatch runs syscall id for the current task.
func (e *Env) Dispatch(t *task.Task, id uint64, args [3]uint64) Result {
	switch id {
	case SysRead:
		return e.sysRead(t, args[0], args[1], args[2])
	case SysWrite:
		return e.sysWrite(t, args[0], args[1], args[2])
	case SysExit:
		return e.sysExit(t, int32(args[0]))
	case SysYield:
		return Result{Ret: 0, Action: ActionYield}
	case SysGetTime:
		return Result{Ret: int64(e.TimeUs())}
	case SysGetpid:
		return Result{Ret: int64(t.Pid.ID)}
	case SysFork:
		return e.sysFork(t)
	case SysExec:
		return e.sysExec(t, args[0])
	case SysWaitpid:
		return e.sysWaitpid(t, int64(args[0]), args[1])
	default:
		slog.Error("unsupported syscall, killing task", "id", id, "pid", t.Pid.ID)
		return Result{Action: ActionExit, ExitCode: -1}
	}
}

func (e *Env) sysWrite(t *task.Task, fd, buf, length uint64) Result {
	if fd != FDStdout {
		panic(fmt.Sprintf("syscall: unsupported fd %d in sys_write", fd))
	}
	buffers := mm.TranslatedByteBuffer(e.Sys.Mem, t.Token(), buf, length)
	for _, b := range buffers {
		for _, ch := range b {
			e.FW.ConsolePutchar(ch)
		}
	}
	return Result{Ret: int64(length)}
}

func (e *Env) sysRead(t *task.Task, fd, buf, length uint64) Result {
	if fd != FDStdin {
		panic(fmt.Sprintf("syscall: unsupported fd %d in sys_read", fd))
	}
	if length != 1 {
		panic("syscall: sys_read only supports length 1")
	}
	ch := e.FW.ConsoleGetchar()
	if ch == 0 {
		// No input ready: re-execute the ecall after a yield.
		return Result{Action: ActionRestart}
	}
	buffers := mm.TranslatedByteBuffer(e.Sys.Mem, t.Token(), buf, 1)
	buffers[0][0] = ch
	return Result{Ret: 1}
}

func (e *Env) sysExit(t *task.Task, code int32) Result {
	slog.Info("application exited", "pid", t.Pid.ID, "exit_code", code)
	return Result{Action: ActionExit, ExitCode: code}
}

func (e *Env) sysFork(t *task.Task) Result {
	child := e.Sys.Fork(t)
	// The child resumes from the same ecall with a zero return value.
	trap.SetReturnValue(e.Sys.Mem, child.TrapCtxPPN(), 0)
	e.Mgr.Add(child)
	return Result{Ret: int64(child.Pid.ID)}
}

func (e *Env) sysExec(t *task.Task, pathPtr uint64) Result {
	path := mm.TranslatedString(e.Sys.Mem, t.Token(), pathPtr)
	data, ok := e.Loader.AppData(path)
	if !ok {
		return Result{Ret: -1}
	}
	if err := e.Sys.Exec(t, data); err != nil {
		slog.Warn("exec failed", "path", path, "err", err)
		return Result{Ret: -1}
	}
	// The dispatcher writes the return value into the fresh trap context,
	// so exec "returns" 0 into the new program's a0.
	return Result{Ret: 0}
}

func (e *Env) sysWaitpid(t *task.Task, pid int64, exitCodePtr uint64) Result {
	res := e.Sys.Wait(t, pid)
	switch {
	case res.NoChild:
		return Result{Ret: -1}
	case !res.Found:
		return Result{Ret: -2}
	default:
		if exitCodePtr != 0 {
			mm.TranslatedWrite32(e.Sys.Mem, t.Token(), exitCodePtr, uint32(res.ExitCode))
		}
		return Result{Ret: int64(res.Pid)}
	}
}
