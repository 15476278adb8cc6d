package machine

import (
	"errors"
	"fmt"
	"io"
)

// Trap describes why user-mode execution came back to the kernel. The same
// values are latched into scause/stval/sepc before RunUser returns.
type Trap struct {
	Cause uint64
	Tval  uint64
}

// IsInterrupt reports whether the trap is an interrupt rather than an
// exception.
func (t Trap) IsInterrupt() bool {
	return t.Cause&InterruptBit != 0
}

// Machine is the single-hart RV64IM system the kernel supervises.
type Machine struct {
	CPU   *CPU
	Bus   *Bus
	MMU   *MMU
	CLINT *CLINT
	UART  *UART

	halted bool
	failed bool
}

// NewMachine creates a machine with the given RAM size and console streams.
func NewMachine(ramSize uint64, output io.Writer, input io.Reader) *Machine {
	bus := NewBus(ramSize)
	cpu := NewCPU(bus)
	return &Machine{
		CPU:   cpu,
		Bus:   bus,
		MMU:   NewMMU(cpu),
		CLINT: NewCLINT(cpu),
		UART:  NewUART(output, input),
	}
}

// Halted reports whether the machine has been shut down.
func (m *Machine) Halted() bool {
	return m.halted
}

// Failed reports whether shutdown was marked as a failure.
func (m *Machine) Failed() bool {
	return m.failed
}

// PageBytes exposes a physical frame to the kernel.
func (m *Machine) PageBytes(ppn uint64) []byte {
	return m.Bus.PageBytes(ppn)
}

// RunUser executes user-mode instructions until a trap occurs. The trap
// cause and value are returned and latched into scause/stval, with sepc
// pointing at the trapping instruction (or, for an interrupt, the next
// instruction to run). A bus access outside RAM comes back as an
// access-fault trap; a halted machine surfaces as ErrHalt.
func (m *Machine) RunUser() (Trap, error) {
	if m.halted {
		return Trap{}, ErrHalt
	}
	if m.CPU.Priv != PrivUser {
		return Trap{}, fmt.Errorf("RunUser entered in privilege %d", m.CPU.Priv)
	}

	for {
		if m.CLINT.TimerPending() {
			return m.latchTrap(CauseSTimerInt, 0, m.CPU.PC), nil
		}

		pc := m.CPU.PC
		if err := m.step(); err != nil {
			var exc ExceptionError
			if errors.As(err, &exc) {
				return m.latchTrap(exc.Cause, exc.Tval, pc), nil
			}
			return Trap{}, fmt.Errorf("step at PC=0x%x: %w", pc, err)
		}

		if m.halted {
			return Trap{}, ErrHalt
		}
	}
}

func (m *Machine) latchTrap(cause, tval, epc uint64) Trap {
	m.CPU.Scause = cause
	m.CPU.Stval = tval
	m.CPU.Sepc = epc
	return Trap{Cause: cause, Tval: tval}
}

// step executes a single instruction.
func (m *Machine) step() error {
	pc := m.CPU.PC

	paddr, err := m.MMU.TranslateFetch(pc)
	if err != nil {
		return err
	}
	insn, err := m.Bus.Fetch(paddr)
	if err != nil {
		return Exception(CauseInsnAccessFault, pc)
	}

	oldPC := m.CPU.PC

	switch opcode(insn) {
	case OpLoad:
		err = m.execLoadMMU(insn)
	case OpStore:
		err = m.execStoreMMU(insn)
	default:
		err = m.CPU.Execute(insn)
	}
	if err != nil {
		m.CPU.PC = oldPC
		return err
	}

	// If PC wasn't changed by a jump, advance it.
	if m.CPU.PC == oldPC {
		m.CPU.PC += 4
	}

	m.CPU.Cycle++
	return nil
}

// execLoadMMU executes a load through the MMU.
func (m *Machine) execLoadMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immI(insn))
	paddr, err := m.MMU.TranslateRead(vaddr)
	if err != nil {
		return err
	}

	var val uint64
	switch funct3(insn) {
	case 0b000: // LB
		v, e := m.Bus.Read8(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int8(v))
	case 0b001: // LH
		v, e := m.Bus.Read16(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int16(v))
	case 0b010: // LW
		v, e := m.Bus.Read32(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int32(v))
	case 0b011: // LD
		v, e := m.Bus.Read64(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = v
	case 0b100: // LBU
		v, e := m.Bus.Read8(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	case 0b101: // LHU
		v, e := m.Bus.Read16(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	case 0b110: // LWU
		v, e := m.Bus.Read32(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	m.CPU.WriteReg(rd(insn), val)
	return nil
}

// execStoreMMU executes a store through the MMU.
func (m *Machine) execStoreMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immS(insn))
	paddr, err := m.MMU.TranslateWrite(vaddr)
	if err != nil {
		return err
	}

	val := m.CPU.ReadReg(rs2(insn))

	var writeErr error
	switch funct3(insn) {
	case 0b000: // SB
		writeErr = m.Bus.Write8(paddr, uint8(val))
	case 0b001: // SH
		writeErr = m.Bus.Write16(paddr, uint16(val))
	case 0b010: // SW
		writeErr = m.Bus.Write32(paddr, uint32(val))
	case 0b011: // SD
		writeErr = m.Bus.Write64(paddr, val)
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}
	if writeErr != nil {
		return Exception(CauseStoreAccessFault, vaddr)
	}

	return nil
}

// WriteSatp sets the address-translation register. Translation takes effect
// on the next access; callers flush the TLB themselves, as hardware would
// require an sfence.vma.
func (m *Machine) WriteSatp(val uint64) {
	m.CPU.Satp = val
}

// FlushTLB drops every cached translation.
func (m *Machine) FlushTLB() {
	m.MMU.FlushTLB()
}
