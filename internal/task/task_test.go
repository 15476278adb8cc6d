package task

import (
	"testing"

	"github.com/rvkern/rvkern/internal/config"
	"github.com/rvkern/rvkern/internal/mm"
	"github.com/rvkern/rvkern/internal/trap"
	"github.com/rvkern/rvkern/internal/userprog"
)

type fakeMem struct {
	pages map[uint64][]byte
}

func newFakeMem() *fakeMem {
	return &fakeMem{pages: make(map[uint64][]byte)}
}

func (m *fakeMem) PageBytes(ppn uint64) []byte {
	p, ok := m.pages[ppn]
	if !ok {
		p = make([]byte, config.PageSize)
		m.pages[ppn] = p
	}
	return p
}

func newTestSystem(t *testing.T) *System {
	t.Helper()
	frames := mm.NewFrames(newFakeMem(),
		mm.PhysAddr(config.EKernel).Ceil(),
		mm.PhysAddr(config.MemoryEnd).Floor())
	return NewSystem(frames, mm.NewKernel(frames))
}

func appImage(t *testing.T, name string) []byte {
	t.Helper()
	images, err := userprog.Images()
	if err != nil {
		t.Fatalf("images: %v", err)
	}
	return images[name]
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

func TestContextSwitchRoundTrip(t *testing.T) {
	idle := ZeroContext()
	a := GotoTrapReturn(0x1000)
	if a.RA != trap.ReturnVA || a.SP != 0x1000 {
		t.Fatalf("fresh context: %+v", a)
	}

	// idle -> a, then a -> idle; the hart state must round-trip.
	Switch(&idle, &a)
	var aLive Context
	Switch(&aLive, &idle)
	if aLive != a {
		t.Errorf("task context did not round-trip: %+v vs %+v", aLive, a)
	}
}

func TestPidAllocator(t *testing.T) {
	pids := NewPids()
	a := pids.Alloc()
	b := pids.Alloc()
	if a.ID != 0 || b.ID != 1 {
		t.Fatalf("expected 0,1 got %d,%d", a.ID, b.ID)
	}
	b.Drop()
	c := pids.Alloc()
	if c.ID != 1 {
		t.Errorf("expected recycled pid 1, got %d", c.ID)
	}
	c.Drop()
	expectPanic(t, "double free", c.Drop)
}

func TestKernelStackLayout(t *testing.T) {
	bottom, top := config.KernelStackPosition(0)
	if top != config.TrampolineVA {
		t.Errorf("pid 0 stack top: got %#x", top)
	}
	if top-bottom != config.KernelStackSize {
		t.Errorf("stack size: got %#x", top-bottom)
	}

	b1, t1 := config.KernelStackPosition(1)
	if bottom-t1 != config.PageSize {
		t.Errorf("guard between slots: got %#x", bottom-t1)
	}
	if t1-b1 != config.KernelStackSize {
		t.Errorf("stack size: got %#x", t1-b1)
	}
}

func TestKernelStackInsertRemove(t *testing.T) {
	sys := newTestSystem(t)

	ks := NewKernelStack(3, sys.KernelSpace)
	bottom, _ := config.KernelStackPosition(3)
	vpn := mm.VirtAddr(bottom).Floor()
	if _, ok := sys.KernelSpace.Translate(vpn); !ok {
		t.Fatal("kernel stack not mapped after insert")
	}
	ks.Drop()
	if _, ok := sys.KernelSpace.Translate(vpn); ok {
		t.Error("kernel stack still mapped after drop")
	}
}

func TestManagerFIFO(t *testing.T) {
	m := NewManager()
	sys := newTestSystem(t)
	t1, err := sys.NewTask(appImage(t, "00write_a"))
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	t2, err := sys.NewTask(appImage(t, "04priv_inst"))
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}

	m.Add(t1)
	m.Add(t2)
	if got := m.Fetch(); got != t1 {
		t.Error("queue is not FIFO")
	}
	if got := m.Fetch(); got != t2 {
		t.Error("queue is not FIFO")
	}
	if m.Fetch() != nil {
		t.Error("empty queue should return nil")
	}
}

func TestNewTaskSetsUpTrapContext(t *testing.T) {
	sys := newTestSystem(t)
	tk, err := sys.NewTask(appImage(t, "00write_a"))
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}

	if tk.Status() != StatusReady {
		t.Errorf("status: got %v", tk.Status())
	}

	cx := trap.Load(sys.Mem, tk.TrapCtxPPN())
	if cx.Sepc != userprog.BaseAddress {
		t.Errorf("entry: got %#x", cx.Sepc)
	}
	if cx.KernelSatp != sys.KernelSpace.Token() {
		t.Error("kernel satp not recorded")
	}
	if cx.KernelSP != tk.Stack.Top() {
		t.Error("kernel sp not recorded")
	}
	tk.WithInner(func(in *Inner) {
		if in.TaskCx.RA != trap.ReturnVA {
			t.Error("task context must aim at trap return")
		}
		if in.TaskCx.SP != tk.Stack.Top() {
			t.Error("task context must use the kernel stack")
		}
	})
}

func TestForkClonesAndRelinks(t *testing.T) {
	sys := newTestSystem(t)
	parent, err := sys.NewTask(appImage(t, "00write_a"))
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}

	child := sys.Fork(parent)
	if child.Pid.ID == parent.Pid.ID {
		t.Error("child must get a fresh pid")
	}
	if child.TrapCtxPPN() == parent.TrapCtxPPN() {
		t.Error("child must own its trap context frame")
	}

	cx := trap.Load(sys.Mem, child.TrapCtxPPN())
	if cx.KernelSP != child.Stack.Top() {
		t.Error("child context must use its own kernel stack")
	}

	parent.WithInner(func(in *Inner) {
		if len(in.Children) != 1 || in.Children[0] != child {
			t.Error("child not linked into parent")
		}
	})
	child.WithInner(func(in *Inner) {
		if in.Parent != parent {
			t.Error("parent backlink missing")
		}
	})
}

func TestExitWaitZombieLifecycle(t *testing.T) {
	sys := newTestSystem(t)
	parent, err := sys.NewTask(appImage(t, "00write_a"))
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	sys.Init = parent
	child := sys.Fork(parent)

	// Nothing to collect yet.
	res := sys.Wait(parent, -1)
	if res.Found || res.NoChild {
		t.Fatalf("expected wait-again, got %+v", res)
	}
	// No such pid.
	res = sys.Wait(parent, 42)
	if !res.NoChild {
		t.Fatalf("expected no-child, got %+v", res)
	}

	sys.Exit(child, 7)
	if child.Status() != StatusZombie {
		t.Fatal("child should be a zombie")
	}
	child.WithInner(func(in *Inner) {
		if len(in.MemorySet.Areas()) != 0 {
			t.Error("zombie memory areas not released")
		}
	})

	res = sys.Wait(parent, -1)
	if !res.Found || res.Pid != child.Pid.ID || res.ExitCode != 7 {
		t.Fatalf("wait result: %+v", res)
	}
	parent.WithInner(func(in *Inner) {
		if len(in.Children) != 0 {
			t.Error("collected child still linked")
		}
	})
}

func TestExitReparentsToInit(t *testing.T) {
	sys := newTestSystem(t)
	initTask, err := sys.NewTask(appImage(t, "initproc"))
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	sys.Init = initTask

	mid := sys.Fork(initTask)
	leaf := sys.Fork(mid)

	sys.Exit(mid, 0)

	leaf.WithInner(func(in *Inner) {
		if in.Parent != initTask {
			t.Error("orphan not adopted by init")
		}
	})
	initTask.WithInner(func(in *Inner) {
		found := false
		for _, c := range in.Children {
			if c == leaf {
				found = true
			}
		}
		if !found {
			t.Error("orphan not in init's children")
		}
	})
}

func TestProcessorRunTasks(t *testing.T) {
	sys := newTestSystem(t)
	mgr := NewManager()
	proc := NewProcessor()

	tk, err := sys.NewTask(appImage(t, "00write_a"))
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	mgr.Add(tk)

	var sawRunning, yielded bool
	err = proc.RunTasks(mgr, func(t2 *Task) error {
		// P8: while run is in progress, current is set and the task is
		// the single Running one.
		if proc.Current() != t2 {
			t.Error("current not set during run")
		}
		if t2.Status() != StatusRunning {
			t.Error("task not marked Running")
		}
		sawRunning = true
		// Yield once voluntarily, then exit on the second run.
		if !yielded {
			yielded = true
			SuspendCurrentAndRunNext(proc, mgr)
			return nil
		}
		ExitCurrentAndRunNext(proc, sys, 0)
		return nil
	})
	if err != ErrNoTasks {
		t.Fatalf("expected ErrNoTasks, got %v", err)
	}
	if !sawRunning {
		t.Error("task never ran")
	}
	if proc.Current() != nil {
		t.Error("current should be clear when idle")
	}
}
