package task

import "github.com/rvkern/rvkern/internal/upcell"

// readyQueue is a strict FIFO of runnable tasks.
type readyQueue struct {
	tasks []*Task
}

func (q *readyQueue) add(t *Task) {
	q.tasks = append(q.tasks, t)
}

func (q *readyQueue) fetch() *Task {
	if len(q.tasks) == 0 {
		return nil
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t
}

// Manager is the process-wide ready queue behind its exclusive cell.
// Timer-driven yields append to the tail, so starvation is bounded by the
// queue length.
type Manager struct {
	cell *upcell.Cell[readyQueue]
}

// NewManager creates an empty ready queue.
func NewManager() *Manager {
	return &Manager{cell: upcell.New("task manager", readyQueue{})}
}

// Add enqueues a runnable task.
func (m *Manager) Add(t *Task) {
	m.cell.With(func(q *readyQueue) {
		q.add(t)
	})
}

// Fetch dequeues the next runnable task, nil when empty.
func (m *Manager) Fetch() *Task {
	var t *Task
	m.cell.With(func(q *readyQueue) {
		t = q.fetch()
	})
	return t
}

// Len returns the queue length.
func (m *Manager) Len() int {
	var n int
	m.cell.With(func(q *readyQueue) {
		n = len(q.tasks)
	})
	return n
}
