package machine

// CLINT implements the core-local timer. mtime advances one tick per retired
// instruction (the CPU cycle counter), which keeps runs reproducible.
type CLINT struct {
	cpu *CPU

	// Timer compare value; a supervisor timer interrupt is pending once
	// mtime >= stimecmp.
	stimecmp uint64
}

// NewCLINT creates a CLINT with the timer disarmed.
func NewCLINT(cpu *CPU) *CLINT {
	return &CLINT{
		cpu:      cpu,
		stimecmp: ^uint64(0),
	}
}

// Mtime returns the current timer value.
func (c *CLINT) Mtime() uint64 {
	return c.cpu.Cycle
}

// SetTimecmp arms the timer at an absolute mtime value.
func (c *CLINT) SetTimecmp(val uint64) {
	c.stimecmp = val
}

// TimerPending reports whether a supervisor timer interrupt is due.
func (c *CLINT) TimerPending() bool {
	return c.Mtime() >= c.stimecmp
}
