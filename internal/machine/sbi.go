package machine

import "errors"

// Legacy SBI call numbers, kept for the wire-level constants even though the
// kernel calls the firmware through the Go interface below.
const (
	SBISetTimer       = 0
	SBIConsolePutchar = 1
	SBIConsoleGetchar = 2
	SBIShutdown       = 8
)

// ErrHalt is returned when the machine has been shut down.
var ErrHalt = errors.New("machine halted")

// Firmware is the supervisor-visible service surface: console I/O, the
// timer, and shutdown. The Machine implements it; tests may substitute.
type Firmware interface {
	// ConsolePutchar writes one byte to the console.
	ConsolePutchar(ch byte)
	// ConsoleGetchar returns the next console byte, or 0 when no input
	// is ready.
	ConsoleGetchar() byte
	// SetTimer arms the timer at an absolute mtime value and clears any
	// pending timer interrupt that the new deadline supersedes.
	SetTimer(val uint64)
	// Shutdown powers the machine off. failure marks an abnormal exit.
	Shutdown(failure bool)
}

// ConsolePutchar implements Firmware.
func (m *Machine) ConsolePutchar(ch byte) {
	m.UART.Putchar(ch)
}

// ConsoleGetchar implements Firmware.
func (m *Machine) ConsoleGetchar() byte {
	return m.UART.Getchar()
}

// SetTimer implements Firmware.
func (m *Machine) SetTimer(val uint64) {
	m.CLINT.SetTimecmp(val)
}

// Shutdown implements Firmware.
func (m *Machine) Shutdown(failure bool) {
	m.halted = true
	m.failed = failure
}
