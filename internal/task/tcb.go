package task

import (
	"fmt"

	"github.com/rvkern/rvkern/internal/config"
	"github.com/rvkern/rvkern/internal/mm"
	"github.com/rvkern/rvkern/internal/trap"
	"github.com/rvkern/rvkern/internal/upcell"
)

// Status is the lifecycle state of a task.
type Status int

const (
	StatusReady Status = iota
	StatusRunning
	StatusZombie
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "Ready"
	case StatusRunning:
		return "Running"
	case StatusZombie:
		return "Zombie"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Task is a process control block. The PID and kernel stack are immutable
// for the task's lifetime; everything else sits behind the inner cell.
type Task struct {
	Pid   *PidHandle
	Stack *KernelStack

	inner *upcell.Cell[Inner]
}

// Inner is the mutable half of the TCB.
type Inner struct {
	// TrapCtxPPN is the physical frame backing the trap context page of
	// this task's address space.
	TrapCtxPPN mm.PhysPageNum

	// BaseSize is the user-space extent: everything below the stack top.
	BaseSize uint64

	TaskCx Context
	Status Status

	MemorySet *mm.MemorySet

	// Parent is a back-reference only; ownership runs parent->children.
	Parent   *Task
	Children []*Task

	ExitCode int32
}

// WithInner runs f with exclusive access to the mutable state.
func (t *Task) WithInner(f func(*Inner)) {
	t.inner.With(f)
}

// Token returns the task's address-space token.
func (t *Task) Token() uint64 {
	var token uint64
	t.WithInner(func(in *Inner) {
		token = in.MemorySet.Token()
	})
	return token
}

// TrapCtxPPN returns the frame backing the trap context page.
func (t *Task) TrapCtxPPN() mm.PhysPageNum {
	var ppn mm.PhysPageNum
	t.WithInner(func(in *Inner) {
		ppn = in.TrapCtxPPN
	})
	return ppn
}

// Status returns the task's current status.
func (t *Task) Status() Status {
	var st Status
	t.WithInner(func(in *Inner) {
		st = in.Status
	})
	return st
}

// System bundles the process-wide pieces task creation touches: the frame
// pool, the kernel address space (for kernel stacks), the PID allocator,
// and physical memory for trap context writes.
type System struct {
	Mem         mm.Mem
	Frames      *mm.Frames
	KernelSpace *mm.MemorySet
	Pids        *Pids

	// Init is the root of the process tree; orphans are adopted here.
	Init *Task
}

// NewSystem wires the task layer over an initialized memory layer.
func NewSystem(frames *mm.Frames, kernelSpace *mm.MemorySet) *System {
	return &System{
		Mem:         frames.Mem(),
		Frames:      frames,
		KernelSpace: kernelSpace,
		Pids:        NewPids(),
	}
}

func trapCtxPPNOf(ms *mm.MemorySet) mm.PhysPageNum {
	pte, ok := ms.Translate(mm.VirtAddr(config.TrapContextVA).Floor())
	if !ok {
		panic("task: address space has no trap context page")
	}
	return pte.PPN()
}

// NewTask builds a process from an ELF image, leaving it Ready but not yet
// queued.
func (s *System) NewTask(elfData []byte) (*Task, error) {
	ms, userSP, entry, err := mm.FromELF(s.Frames, elfData)
	if err != nil {
		return nil, err
	}
	trapCtxPPN := trapCtxPPNOf(ms)

	pid := s.Pids.Alloc()
	kstack := NewKernelStack(pid.ID, s.KernelSpace)

	t := &Task{
		Pid:   pid,
		Stack: kstack,
		inner: upcell.New(fmt.Sprintf("task %d", pid.ID), Inner{
			TrapCtxPPN: trapCtxPPN,
			BaseSize:   userSP,
			TaskCx:     GotoTrapReturn(kstack.Top()),
			Status:     StatusReady,
			MemorySet:  ms,
		}),
	}

	trap.Store(s.Mem, trapCtxPPN, trap.AppInitContext(entry, userSP, s.KernelSpace.Token(), kstack.Top()))
	return t, nil
}

// Fork clones parent into a new task: copied address space, fresh PID and
// kernel stack, a task context aimed at trap return. The child's saved a0
// is untouched here; the fork syscall zeroes it.
func (s *System) Fork(parent *Task) *Task {
	pid := s.Pids.Alloc()
	kstack := NewKernelStack(pid.ID, s.KernelSpace)

	var child *Task
	parent.WithInner(func(pin *Inner) {
		ms := mm.FromExistedUser(pin.MemorySet)
		trapCtxPPN := trapCtxPPNOf(ms)

		child = &Task{
			Pid:   pid,
			Stack: kstack,
			inner: upcell.New(fmt.Sprintf("task %d", pid.ID), Inner{
				TrapCtxPPN: trapCtxPPN,
				BaseSize:   pin.BaseSize,
				TaskCx:     GotoTrapReturn(kstack.Top()),
				Status:     StatusReady,
				MemorySet:  ms,
				Parent:     parent,
			}),
		}
		pin.Children = append(pin.Children, child)

		// The cloned context still names the parent's kernel stack.
		cx := trap.Load(s.Mem, trapCtxPPN)
		cx.KernelSP = kstack.Top()
		trap.Store(s.Mem, trapCtxPPN, cx)
	})
	return child
}

// Exec replaces t's address space with a fresh one from the ELF image and
// rewrites the trap context for the new entry point.
func (s *System) Exec(t *Task, elfData []byte) error {
	ms, userSP, entry, err := mm.FromELF(s.Frames, elfData)
	if err != nil {
		return err
	}
	trapCtxPPN := trapCtxPPNOf(ms)

	t.WithInner(func(in *Inner) {
		old := in.MemorySet
		in.MemorySet = ms
		in.TrapCtxPPN = trapCtxPPN
		in.BaseSize = userSP
		old.Free()

		trap.Store(s.Mem, trapCtxPPN, trap.AppInitContext(entry, userSP, s.KernelSpace.Token(), t.Stack.Top()))
	})
	return nil
}

// Exit turns t into a zombie: record the exit code, hand its children to
// init, and release its memory frames eagerly. The TCB itself stays
// reachable from the parent until collected.
func (s *System) Exit(t *Task, code int32) {
	var orphans []*Task
	t.WithInner(func(in *Inner) {
		in.Status = StatusZombie
		in.ExitCode = code
		orphans = in.Children
		in.Children = nil
		in.MemorySet.RecycleDataPages()
	})

	if len(orphans) > 0 {
		if s.Init == nil || s.Init == t {
			panic("task: orphaned children with no init to adopt them")
		}
		s.Init.WithInner(func(iin *Inner) {
			for _, c := range orphans {
				c.WithInner(func(cin *Inner) {
					cin.Parent = s.Init
				})
				iin.Children = append(iin.Children, c)
			}
		})
	}
}

// WaitResult is the outcome of a waitpid scan.
type WaitResult struct {
	// Pid is the collected child, valid when Found.
	Pid      uint64
	ExitCode int32
	// Found: a zombie child matched and was released.
	Found bool
	// NoChild: no child matches the requested pid at all.
	NoChild bool
}

// Wait scans t's children for a zombie matching pid (-1 matches any),
// releasing the child's remaining resources when found. !Found && !NoChild
// means children exist but none has exited yet.
func (s *System) Wait(t *Task, pid int64) WaitResult {
	var res WaitResult
	t.WithInner(func(in *Inner) {
		matched := false
		for i, c := range in.Children {
			if pid != -1 && uint64(pid) != c.Pid.ID {
				continue
			}
			matched = true
			if c.Status() != StatusZombie {
				continue
			}
			in.Children = append(in.Children[:i], in.Children[i+1:]...)
			res.Pid = c.Pid.ID
			c.WithInner(func(cin *Inner) {
				res.ExitCode = cin.ExitCode
				// Zombie pages are already recycled; now the page
				// table, kernel stack, and PID go too.
				cin.MemorySet.Free()
			})
			c.Stack.Drop()
			c.Pid.Drop()
			res.Found = true
			return
		}
		res.NoChild = !matched
	})
	return res
}
