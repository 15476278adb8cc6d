package machine

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/rvkern/rvkern/internal/config"
)

// loadWords writes a program into RAM and points the CPU at it in U-mode
// with translation off.
func loadWords(t *testing.T, m *Machine, base uint64, code []uint32) {
	t.Helper()
	for i, insn := range code {
		if err := m.Bus.Write32(base+uint64(i*4), insn); err != nil {
			t.Fatalf("loading insn %d: %v", i, err)
		}
	}
	m.CPU.PC = base
	m.CPU.Priv = PrivUser
}

func TestBasicALU(t *testing.T) {
	m := NewMachine(1024*1024, nil, nil)

	code := []uint32{
		0x00a00513, // li a0, 10
		0x00300593, // li a1, 3
		0x00b50633, // add a2, a0, a1
		0x40b506b3, // sub a3, a0, a1
		0x00b57733, // and a4, a0, a1
		0x00b567b3, // or a5, a0, a1
		0x00b54833, // xor a6, a0, a1
		0x00000073, // ecall
	}
	loadWords(t, m, config.RAMBase, code)

	tr, err := m.RunUser()
	if err != nil {
		t.Fatalf("RunUser: %v", err)
	}
	if tr.Cause != CauseEcallFromU {
		t.Fatalf("cause: expected ecall, got %d", tr.Cause)
	}

	if m.CPU.X[12] != 13 {
		t.Errorf("a2 (add): expected 13, got %d", m.CPU.X[12])
	}
	if m.CPU.X[13] != 7 {
		t.Errorf("a3 (sub): expected 7, got %d", m.CPU.X[13])
	}
	if m.CPU.X[14] != 2 {
		t.Errorf("a4 (and): expected 2, got %d", m.CPU.X[14])
	}
	if m.CPU.X[15] != 11 {
		t.Errorf("a5 (or): expected 11, got %d", m.CPU.X[15])
	}
	if m.CPU.X[16] != 9 {
		t.Errorf("a6 (xor): expected 9, got %d", m.CPU.X[16])
	}
}

func TestMultiplyDivide(t *testing.T) {
	m := NewMachine(1024*1024, nil, nil)

	code := []uint32{
		0x00700513, // li a0, 7
		0x00300593, // li a1, 3
		0x02b50633, // mul a2, a0, a1 (7*3=21)
		0x02b546b3, // div a3, a0, a1 (7/3=2)
		0x02b56733, // rem a4, a0, a1 (7%3=1)
		0x00000073, // ecall
	}
	loadWords(t, m, config.RAMBase, code)

	if _, err := m.RunUser(); err != nil {
		t.Fatalf("RunUser: %v", err)
	}
	if m.CPU.X[12] != 21 {
		t.Errorf("a2 (mul): expected 21, got %d", m.CPU.X[12])
	}
	if m.CPU.X[13] != 2 {
		t.Errorf("a3 (div): expected 2, got %d", m.CPU.X[13])
	}
	if m.CPU.X[14] != 1 {
		t.Errorf("a4 (rem): expected 1, got %d", m.CPU.X[14])
	}
}

func TestBranches(t *testing.T) {
	m := NewMachine(1024*1024, nil, nil)

	code := []uint32{
		0x00500513, // li a0, 5
		0x00500593, // li a1, 5
		0x00000613, // li a2, 0
		0x00b50463, // beq a0, a1, +8 (skip next insn)
		0x00100613, // li a2, 1 (skipped)
		0x00a60613, // addi a2, a2, 10
		0x00000073, // ecall
	}
	loadWords(t, m, config.RAMBase, code)

	if _, err := m.RunUser(); err != nil {
		t.Fatalf("RunUser: %v", err)
	}
	if m.CPU.X[12] != 10 {
		t.Errorf("a2: expected 10, got %d", m.CPU.X[12])
	}
}

func TestLoadStore(t *testing.T) {
	m := NewMachine(1024*1024, nil, nil)

	// Store 0x55 at RAMBase+0x310 and read it back.
	code := []uint32{
		0x00100513, // li a0, 1
		0x01f51513, // slli a0, a0, 31 (a0 = 0x80000000)
		0x05500593, // li a1, 0x55
		0x30b52823, // sw a1, 0x310(a0)
		0x31052603, // lw a2, 0x310(a0)
		0x00000073, // ecall
	}
	loadWords(t, m, config.RAMBase, code)

	if _, err := m.RunUser(); err != nil {
		t.Fatalf("RunUser: %v", err)
	}
	if m.CPU.X[12] != 0x55 {
		t.Errorf("a2: expected 0x55, got %#x", m.CPU.X[12])
	}
}

func TestEcallLatchesSepc(t *testing.T) {
	m := NewMachine(1024*1024, nil, nil)

	code := []uint32{
		0x00000013, // nop
		0x04000893, // li a7, 64
		0x00000073, // ecall
	}
	loadWords(t, m, config.RAMBase, code)

	tr, err := m.RunUser()
	if err != nil {
		t.Fatalf("RunUser: %v", err)
	}
	if tr.Cause != CauseEcallFromU {
		t.Fatalf("cause: expected %d, got %d", CauseEcallFromU, tr.Cause)
	}
	if want := config.RAMBase + 8; m.CPU.Sepc != want {
		t.Errorf("sepc: expected %#x, got %#x", want, m.CPU.Sepc)
	}
	if m.CPU.X[17] != 64 {
		t.Errorf("a7: expected 64, got %d", m.CPU.X[17])
	}
}

func TestPrivilegedInstructionsTrap(t *testing.T) {
	for _, tc := range []struct {
		name string
		insn uint32
	}{
		{"sret", 0x10200073},
		{"csrw sstatus", 0x10001073},
		{"wfi", 0x10500073},
		{"sfence.vma", 0x12000073},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMachine(1024*1024, nil, nil)
			loadWords(t, m, config.RAMBase, []uint32{tc.insn})
			tr, err := m.RunUser()
			if err != nil {
				t.Fatalf("RunUser: %v", err)
			}
			if tr.Cause != CauseIllegalInsn {
				t.Fatalf("cause: expected illegal instruction, got %d", tr.Cause)
			}
			if m.CPU.Sepc != config.RAMBase {
				t.Errorf("sepc: expected %#x, got %#x", config.RAMBase, m.CPU.Sepc)
			}
		})
	}
}

func TestTimerInterrupt(t *testing.T) {
	m := NewMachine(1024*1024, nil, nil)

	// Endless addi chain; the timer must break out of it.
	code := []uint32{
		0x00150513, // addi a0, a0, 1
		0xffdff06f, // jal x0, -4
	}
	loadWords(t, m, config.RAMBase, code)
	m.SetTimer(50)

	tr, err := m.RunUser()
	if err != nil {
		t.Fatalf("RunUser: %v", err)
	}
	if tr.Cause != CauseSTimerInt {
		t.Fatalf("cause: expected timer interrupt, got %#x", tr.Cause)
	}
	if m.CPU.Cycle < 50 {
		t.Errorf("cycle: expected >= 50, got %d", m.CPU.Cycle)
	}
	if !tr.IsInterrupt() {
		t.Error("trap should report as interrupt")
	}
}

func TestConsoleOutput(t *testing.T) {
	var out bytes.Buffer
	m := NewMachine(4*1024, &out, nil)
	m.ConsolePutchar('H')
	m.ConsolePutchar('i')
	if out.String() != "Hi" {
		t.Errorf("expected %q, got %q", "Hi", out.String())
	}
}

func TestConsoleInput(t *testing.T) {
	m := NewMachine(4*1024, nil, bytes.NewReader([]byte("a")))
	if ch := m.ConsoleGetchar(); ch != 'a' {
		t.Errorf("expected 'a', got %q", ch)
	}
	if ch := m.ConsoleGetchar(); ch != 0 {
		t.Errorf("expected 0 after input drained, got %q", ch)
	}
}

// buildLeafPTE mirrors the kernel's layout: PPN << 10 plus flags.
func buildLeafPTE(pa uint64, flags uint64) uint64 {
	return (pa>>config.PageBits)<<10 | flags
}

func TestSv39TranslationAndFault(t *testing.T) {
	m := NewMachine(8*1024*1024, nil, nil)

	root := config.RAMBase + 0x100000
	l1 := config.RAMBase + 0x101000
	l2 := config.RAMBase + 0x102000
	codePhys := config.RAMBase + 0x4000

	// Map VA 0x10000 -> codePhys with U|R|W|X. VPN 0x10: idx 0/0/16.
	m.Bus.Write64(root, (l1>>config.PageBits)<<10|PteV)
	m.Bus.Write64(l1, (l2>>config.PageBits)<<10|PteV)
	m.Bus.Write64(l2+16*8, buildLeafPTE(codePhys, PteV|PteR|PteW|PteX|PteU))

	code := []uint32{
		0x00100513, // li a0, 1
		0x00a52023, // sw a0, 0(a0)  -> store to VA 1, unmapped
	}
	for i, insn := range code {
		m.Bus.Write32(codePhys+uint64(i*4), insn)
	}

	m.WriteSatp(uint64(8)<<60 | root>>config.PageBits)
	m.FlushTLB()
	m.CPU.PC = 0x10000
	m.CPU.Priv = PrivUser

	tr, err := m.RunUser()
	if err != nil {
		t.Fatalf("RunUser: %v", err)
	}
	if tr.Cause != CauseStorePageFault {
		t.Fatalf("cause: expected store page fault, got %d", tr.Cause)
	}
	if tr.Tval != 1 {
		t.Errorf("stval: expected 1, got %#x", tr.Tval)
	}

	// The fetch walk must have set the A bit on the code page.
	pte, _ := m.Bus.Read64(l2 + 16*8)
	if pte&PteA == 0 {
		t.Error("accessed bit not set by page walk")
	}
}

func TestUserCannotTouchSupervisorPage(t *testing.T) {
	m := NewMachine(8*1024*1024, nil, nil)

	root := config.RAMBase + 0x100000
	l1 := config.RAMBase + 0x101000
	l2 := config.RAMBase + 0x102000
	codePhys := config.RAMBase + 0x4000
	dataPhys := config.RAMBase + 0x5000

	m.Bus.Write64(root, (l1>>config.PageBits)<<10|PteV)
	m.Bus.Write64(l1, (l2>>config.PageBits)<<10|PteV)
	m.Bus.Write64(l2+16*8, buildLeafPTE(codePhys, PteV|PteR|PteX|PteU))
	// VA 0x11000 mapped without U.
	m.Bus.Write64(l2+17*8, buildLeafPTE(dataPhys, PteV|PteR|PteW))

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], 0x00052583) // lw a1, 0(a0)
	m.Bus.LoadBytes(codePhys, buf[:])

	m.WriteSatp(uint64(8)<<60 | root>>config.PageBits)
	m.FlushTLB()
	m.CPU.PC = 0x10000
	m.CPU.Priv = PrivUser
	m.CPU.X[10] = 0x11000

	tr, err := m.RunUser()
	if err != nil {
		t.Fatalf("RunUser: %v", err)
	}
	if tr.Cause != CauseLoadPageFault {
		t.Fatalf("cause: expected load page fault, got %d", tr.Cause)
	}
}
