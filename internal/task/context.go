// Package task implements the process model: task contexts and the switch
// primitive, PID and kernel-stack allocation, the task control block, the
// FIFO ready queue, and the processor idle loop.
package task

import "github.com/rvkern/rvkern/internal/trap"

// Context is the callee-saved register block of a suspended kernel control
// flow: return address, stack pointer, and s0-s11. It only ever moves
// between kernel-to-kernel switches.
type Context struct {
	RA uint64
	SP uint64
	S  [12]uint64
}

// ZeroContext returns an all-zero context.
func ZeroContext() Context {
	return Context{}
}

// GotoTrapReturn builds the initial context of a new task: the first switch
// into it "returns" into the trampoline's restore half on its kernel stack,
// which drops straight to user mode.
func GotoTrapReturn(kstackTop uint64) Context {
	return Context{RA: trap.ReturnVA, SP: kstackTop}
}

// hart holds the callee-saved state of the control flow currently owning
// the CPU, the role the physical registers play in the assembly version.
var hart Context

// Switch suspends the running flow into current and resumes next, the one
// primitive every "give up the CPU" path funnels through.
func Switch(current *Context, next *Context) {
	*current = hart
	hart = *next
}
