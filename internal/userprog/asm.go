// Package userprog assembles the embedded user applications: RV64IM machine
// code emitted by a small two-pass assembler and wrapped into standalone
// riscv64 ELF executables. The kernel stages these images in its heap at
// boot and loads them through the regular ELF path.
package userprog

import (
	"encoding/binary"
	"fmt"
)

// Reg names an integer register by ABI position.
type Reg uint32

const (
	Zero Reg = iota
	RA
	SP
	GP
	TP
	T0
	T1
	T2
	S0
	S1
	A0
	A1
	A2
	A3
	A4
	A5
	A6
	A7
	S2
	S3
	S4
	S5
	S6
	S7
	S8
	S9
	S10
	S11
	T3
	T4
	T5
	T6
)

// encoder produces one 32-bit instruction once label addresses are known.
// pc is the instruction's own virtual address.
type encoder func(pc uint64, resolve func(string) uint64) (uint32, error)

// Assembler builds one program: a text section of fixed-width instructions
// followed by a data section of strings and buffers.
type Assembler struct {
	base uint64

	insns  []encoder
	labels map[string]uint64 // text labels: instruction offsets

	data       []byte
	dataLabels map[string]uint64 // data labels: offsets into data
	strLens    map[string]int

	err error
}

// NewAssembler starts a program linked at base.
func NewAssembler(base uint64) *Assembler {
	return &Assembler{
		base:       base,
		labels:     make(map[string]uint64),
		dataLabels: make(map[string]uint64),
		strLens:    make(map[string]int),
	}
}

func (a *Assembler) setErr(err error) {
	if a.err == nil {
		a.err = err
	}
}

func (a *Assembler) emit(e encoder) {
	a.insns = append(a.insns, e)
}

func (a *Assembler) emitRaw(insn uint32) {
	a.emit(func(uint64, func(string) uint64) (uint32, error) { return insn, nil })
}

// Label marks a text label at the current position.
func (a *Assembler) Label(name string) {
	if _, dup := a.labels[name]; dup {
		a.setErr(fmt.Errorf("asm: duplicate label %q", name))
		return
	}
	a.labels[name] = uint64(len(a.insns)) * 4
}

// Asciz places a NUL-terminated string in the data section.
func (a *Assembler) Asciz(name, s string) {
	if _, dup := a.dataLabels[name]; dup {
		a.setErr(fmt.Errorf("asm: duplicate data label %q", name))
		return
	}
	a.dataLabels[name] = uint64(len(a.data))
	a.strLens[name] = len(s)
	a.data = append(a.data, s...)
	a.data = append(a.data, 0)
}

// Buffer reserves size zeroed bytes in the data section with the given
// alignment.
func (a *Assembler) Buffer(name string, size int, align int) {
	if _, dup := a.dataLabels[name]; dup {
		a.setErr(fmt.Errorf("asm: duplicate data label %q", name))
		return
	}
	for len(a.data)%align != 0 {
		a.data = append(a.data, 0)
	}
	a.dataLabels[name] = uint64(len(a.data))
	a.data = append(a.data, make([]byte, size)...)
}

// StrLen returns the length of a string placed with Asciz.
func (a *Assembler) StrLen(name string) int {
	n, ok := a.strLens[name]
	if !ok {
		a.setErr(fmt.Errorf("asm: unknown string %q", name))
	}
	return n
}

// Instruction encodings.

func rtype(op, f3, f7 uint32, rd, rs1, rs2 Reg) uint32 {
	return f7<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | f3<<12 | uint32(rd)<<7 | op
}

func itype(op, f3 uint32, rd, rs1 Reg, imm int64) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("asm: I-immediate %d out of range", imm)
	}
	return uint32(imm&0xfff)<<20 | uint32(rs1)<<15 | f3<<12 | uint32(rd)<<7 | op, nil
}

func stype(op, f3 uint32, rs1, rs2 Reg, imm int64) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("asm: S-immediate %d out of range", imm)
	}
	u := uint32(imm & 0xfff)
	return (u>>5)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | f3<<12 | (u&0x1f)<<7 | op, nil
}

func btype(f3 uint32, rs1, rs2 Reg, off int64) (uint32, error) {
	if off < -4096 || off > 4094 || off&1 != 0 {
		return 0, fmt.Errorf("asm: branch offset %d out of range", off)
	}
	u := uint32(off & 0x1fff)
	insn := uint32(0x63)
	insn |= ((u >> 12) & 1) << 31
	insn |= ((u >> 5) & 0x3f) << 25
	insn |= uint32(rs2) << 20
	insn |= uint32(rs1) << 15
	insn |= f3 << 12
	insn |= ((u >> 1) & 0xf) << 8
	insn |= ((u >> 11) & 1) << 7
	return insn, nil
}

func utype(op uint32, rd Reg, imm20 uint32) uint32 {
	return imm20<<12 | uint32(rd)<<7 | op
}

func jtype(rd Reg, off int64) (uint32, error) {
	if off < -(1<<20) || off >= (1<<20) || off&1 != 0 {
		return 0, fmt.Errorf("asm: jump offset %d out of range", off)
	}
	u := uint32(off & 0x1fffff)
	insn := uint32(0x6f)
	insn |= ((u >> 20) & 1) << 31
	insn |= ((u >> 1) & 0x3ff) << 21
	insn |= ((u >> 11) & 1) << 20
	insn |= ((u >> 12) & 0xff) << 12
	insn |= uint32(rd) << 7
	return insn, nil
}

// Addi emits ADDI rd, rs1, imm.
func (a *Assembler) Addi(rd, rs1 Reg, imm int64) {
	insn, err := itype(0x13, 0, rd, rs1, imm)
	if err != nil {
		a.setErr(err)
		return
	}
	a.emitRaw(insn)
}

// Li loads an immediate, using ADDI for small values and LUI+ADDI for wider
// ones (values must fit in 32 bits).
func (a *Assembler) Li(rd Reg, v int64) {
	if v >= -2048 && v <= 2047 {
		a.Addi(rd, Zero, v)
		return
	}
	if v != int64(int32(v)) {
		a.setErr(fmt.Errorf("asm: li value %d exceeds 32 bits", v))
		return
	}
	hi := (v + 0x800) >> 12
	lo := v - hi<<12
	a.emitRaw(utype(0x37, rd, uint32(hi)&0xfffff))
	if lo != 0 {
		a.Addi(rd, rd, lo)
	}
}

// Mv copies rs into rd.
func (a *Assembler) Mv(rd, rs Reg) {
	a.Addi(rd, rs, 0)
}

// La loads the address of a label PC-relatively (AUIPC+ADDI).
func (a *Assembler) La(rd Reg, label string) {
	a.emit(func(pc uint64, resolve func(string) uint64) (uint32, error) {
		off := int64(resolve(label)) - int64(pc)
		hi := (off + 0x800) >> 12
		return utype(0x17, rd, uint32(hi)&0xfffff), nil
	})
	a.emit(func(pc uint64, resolve func(string) uint64) (uint32, error) {
		off := int64(resolve(label)) - int64(pc-4)
		hi := (off + 0x800) >> 12
		return itype(0x13, 0, rd, rd, off-hi<<12)
	})
}

// Register-register ALU ops.
func (a *Assembler) Add(rd, rs1, rs2 Reg)  { a.emitRaw(rtype(0x33, 0b000, 0, rd, rs1, rs2)) }
func (a *Assembler) Sub(rd, rs1, rs2 Reg)  { a.emitRaw(rtype(0x33, 0b000, 0b0100000, rd, rs1, rs2)) }
func (a *Assembler) Mul(rd, rs1, rs2 Reg)  { a.emitRaw(rtype(0x33, 0b000, 1, rd, rs1, rs2)) }
func (a *Assembler) Divu(rd, rs1, rs2 Reg) { a.emitRaw(rtype(0x33, 0b101, 1, rd, rs1, rs2)) }
func (a *Assembler) Remu(rd, rs1, rs2 Reg) { a.emitRaw(rtype(0x33, 0b110, 1, rd, rs1, rs2)) }

// Loads and stores.
func (a *Assembler) load(f3 uint32, rd, base Reg, off int64) {
	insn, err := itype(0x03, f3, rd, base, off)
	if err != nil {
		a.setErr(err)
		return
	}
	a.emitRaw(insn)
}

func (a *Assembler) store(f3 uint32, src, base Reg, off int64) {
	insn, err := stype(0x23, f3, base, src, off)
	if err != nil {
		a.setErr(err)
		return
	}
	a.emitRaw(insn)
}

func (a *Assembler) Lb(rd, base Reg, off int64)  { a.load(0b000, rd, base, off) }
func (a *Assembler) Lbu(rd, base Reg, off int64) { a.load(0b100, rd, base, off) }
func (a *Assembler) Lw(rd, base Reg, off int64)  { a.load(0b010, rd, base, off) }
func (a *Assembler) Ld(rd, base Reg, off int64)  { a.load(0b011, rd, base, off) }
func (a *Assembler) Sb(src, base Reg, off int64) { a.store(0b000, src, base, off) }
func (a *Assembler) Sw(src, base Reg, off int64) { a.store(0b010, src, base, off) }
func (a *Assembler) Sd(src, base Reg, off int64) { a.store(0b011, src, base, off) }

// Branches.
func (a *Assembler) branch(f3 uint32, rs1, rs2 Reg, label string) {
	a.emit(func(pc uint64, resolve func(string) uint64) (uint32, error) {
		return btype(f3, rs1, rs2, int64(resolve(label))-int64(pc))
	})
}

func (a *Assembler) Beq(rs1, rs2 Reg, label string) { a.branch(0b000, rs1, rs2, label) }
func (a *Assembler) Bne(rs1, rs2 Reg, label string) { a.branch(0b001, rs1, rs2, label) }
func (a *Assembler) Blt(rs1, rs2 Reg, label string) { a.branch(0b100, rs1, rs2, label) }
func (a *Assembler) Bge(rs1, rs2 Reg, label string) { a.branch(0b101, rs1, rs2, label) }

// J jumps to a label without linking.
func (a *Assembler) J(label string) {
	a.emit(func(pc uint64, resolve func(string) uint64) (uint32, error) {
		return jtype(Zero, int64(resolve(label))-int64(pc))
	})
}

// Jal jumps to a label, linking into ra.
func (a *Assembler) Jal(label string) {
	a.emit(func(pc uint64, resolve func(string) uint64) (uint32, error) {
		return jtype(RA, int64(resolve(label))-int64(pc))
	})
}

// Ret returns through ra.
func (a *Assembler) Ret() {
	insn, _ := itype(0x67, 0, Zero, RA, 0)
	a.emitRaw(insn)
}

// Ecall traps into the kernel.
func (a *Assembler) Ecall() {
	a.emitRaw(0x00000073)
}

// Word emits a raw instruction word; the privilege-violation programs use
// this for instructions the assembler refuses to know about.
func (a *Assembler) Word(insn uint32) {
	a.emitRaw(insn)
}

// Assemble resolves labels and returns text||data.
func (a *Assembler) Assemble() ([]byte, error) {
	if a.err != nil {
		return nil, a.err
	}
	textSize := uint64(len(a.insns)) * 4

	var resolveErr error
	resolve := func(name string) uint64 {
		if off, ok := a.labels[name]; ok {
			return a.base + off
		}
		if off, ok := a.dataLabels[name]; ok {
			return a.base + textSize + off
		}
		if resolveErr == nil {
			resolveErr = fmt.Errorf("asm: undefined label %q", name)
		}
		return 0
	}

	out := make([]byte, 0, int(textSize)+len(a.data))
	for i, enc := range a.insns {
		pc := a.base + uint64(i)*4
		insn, err := enc(pc, resolve)
		if err != nil {
			return nil, err
		}
		var word [4]byte
		binary.LittleEndian.PutUint32(word[:], insn)
		out = append(out, word[:]...)
	}
	if resolveErr != nil {
		return nil, resolveErr
	}
	return append(out, a.data...), nil
}
