package task

import (
	"errors"

	"github.com/rvkern/rvkern/internal/upcell"
)

// ErrNoTasks is returned by RunTasks when the ready queue drains with no
// current task left, i.e. every process has exited.
var ErrNoTasks = errors.New("task: no runnable tasks")

type processorState struct {
	// current is the task owning the CPU; at most one task is Running at
	// any time.
	current *Task

	// idleCx is the crossroad context the scheduler loop runs on.
	idleCx Context
}

// Processor is the per-CPU scheduling structure (one CPU here).
type Processor struct {
	cell *upcell.Cell[processorState]
}

// NewProcessor creates an idle processor.
func NewProcessor() *Processor {
	return &Processor{cell: upcell.New("processor", processorState{})}
}

// Current returns the running task, nil when idle.
func (p *Processor) Current() *Task {
	var t *Task
	p.cell.With(func(ps *processorState) {
		t = ps.current
	})
	return t
}

// TakeCurrent removes and returns the running task.
func (p *Processor) TakeCurrent() *Task {
	var t *Task
	p.cell.With(func(ps *processorState) {
		t = ps.current
		ps.current = nil
	})
	return t
}

// Schedule switches from the suspended flow's context back to the idle
// loop.
func (p *Processor) Schedule(switched *Context) {
	p.cell.With(func(ps *processorState) {
		Switch(switched, &ps.idleCx)
	})
}

// RunTasks is the idle loop: pick the next ready task, switch in, run it
// until it gives the CPU back, repeat. run executes the task's kernel flow
// (trap return, user execution, trap handling) and returns once the task
// has suspended or exited; a non-nil error stops scheduling.
func (p *Processor) RunTasks(m *Manager, run func(*Task) error) error {
	for {
		t := m.Fetch()
		if t == nil {
			return ErrNoTasks
		}

		p.cell.With(func(ps *processorState) {
			t.WithInner(func(in *Inner) {
				in.Status = StatusRunning
				Switch(&ps.idleCx, &in.TaskCx)
			})
			ps.current = t
		})

		if err := run(t); err != nil {
			return err
		}
	}
}

// SuspendCurrentAndRunNext gives up the CPU voluntarily: the current task
// goes Ready onto the queue tail and control crosses back to the idle loop.
func SuspendCurrentAndRunNext(p *Processor, m *Manager) {
	t := p.TakeCurrent()
	if t == nil {
		panic("task: suspend with no current task")
	}
	var cx *Context
	t.WithInner(func(in *Inner) {
		in.Status = StatusReady
		cx = &in.TaskCx
	})
	m.Add(t)
	p.Schedule(cx)
}

// ExitCurrentAndRunNext terminates the current task with code and abandons
// its context. Returns the exiting task.
func ExitCurrentAndRunNext(p *Processor, s *System, code int32) *Task {
	t := p.TakeCurrent()
	if t == nil {
		panic("task: exit with no current task")
	}
	s.Exit(t, code)
	dummy := ZeroContext()
	p.Schedule(&dummy)
	return t
}
