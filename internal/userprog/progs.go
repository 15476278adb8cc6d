package userprog

import "fmt"

// Syscall numbers shared with the kernel dispatch table.
const (
	sysRead    = 63
	sysWrite   = 64
	sysExit    = 93
	sysYield   = 124
	sysGetTime = 169
	sysGetpid  = 172
	sysFork    = 220
	sysExec    = 221
	sysWaitpid = 260
)

// Images assembles every embedded application and returns name -> ELF
// image.
func Images() (map[string][]byte, error) {
	builders := map[string]func(*Assembler){
		"initproc":      buildInitproc,
		"user_shell":    buildUserShell,
		"00write_a":     buildWriteA,
		"02store_fault": buildStoreFault,
		"04priv_inst":   buildPrivInst,
		"05priv_csr":    buildPrivCSR,
	}
	out := make(map[string][]byte, len(builders))
	for name, build := range builders {
		a := NewAssembler(BaseAddress)
		build(a)
		code, err := a.Assemble()
		if err != nil {
			return nil, fmt.Errorf("userprog: assemble %s: %w", name, err)
		}
		image, err := StandaloneELF(code)
		if err != nil {
			return nil, fmt.Errorf("userprog: wrap %s: %w", name, err)
		}
		out[name] = image
	}
	return out, nil
}

// MustImages is Images for boot paths where failure is a build bug.
func MustImages() map[string][]byte {
	images, err := Images()
	if err != nil {
		panic(err)
	}
	return images
}

// printStr emits write(1, label, len(label)).
func printStr(a *Assembler, label string) {
	a.Li(A0, 1)
	a.La(A1, label)
	a.Li(A2, int64(a.StrLen(label)))
	a.Li(A7, sysWrite)
	a.Ecall()
}

// exit emits exit(code).
func exit(a *Assembler, code int64) {
	a.Li(A0, code)
	a.Li(A7, sysExit)
	a.Ecall()
}

// emitPrintInt emits the print_int subroutine: a0 = signed value, printed
// in decimal through write(1, ...). Clobbers t-registers and a0-a2/a7.
// Call with Jal("print_int").
func emitPrintInt(a *Assembler) {
	a.Label("print_int")
	a.Addi(SP, SP, -48)
	a.Addi(T0, SP, 32) // digit cursor, grows down from sp+32
	a.Mv(T1, A0)
	a.Li(T3, 0) // negative flag
	a.Bge(T1, Zero, "pi_digits")
	a.Li(T3, 1)
	a.Sub(T1, Zero, T1)
	a.Label("pi_digits")
	a.Li(T2, 10)
	a.Label("pi_loop")
	a.Remu(T4, T1, T2)
	a.Addi(T4, T4, '0')
	a.Addi(T0, T0, -1)
	a.Sb(T4, T0, 0)
	a.Divu(T1, T1, T2)
	a.Bne(T1, Zero, "pi_loop")
	a.Beq(T3, Zero, "pi_emit")
	a.Addi(T0, T0, -1)
	a.Li(T4, '-')
	a.Sb(T4, T0, 0)
	a.Label("pi_emit")
	a.Addi(T5, SP, 32)
	a.Sub(A2, T5, T0)
	a.Mv(A1, T0)
	a.Li(A0, 1)
	a.Li(A7, sysWrite)
	a.Ecall()
	a.Addi(SP, SP, 48)
	a.Ret()
}

// buildWriteA renders the classic write test: five rows of ten 'A's with a
// row counter, then the OK line.
func buildWriteA(a *Assembler) {
	a.Asciz("row", "AAAAAAAAAA [")
	a.Asciz("rowend", "/5]\n")
	a.Asciz("ok", "Test write_a OK!\n")

	a.Li(S0, 1)
	a.Label("loop")
	printStr(a, "row")
	a.Mv(A0, S0)
	a.Jal("print_int")
	printStr(a, "rowend")
	a.Addi(S0, S0, 1)
	a.Li(T1, 6)
	a.Bne(S0, T1, "loop")
	printStr(a, "ok")
	exit(a, 0)
	emitPrintInt(a)
}

// buildInitproc forks the shell and then loops collecting zombies forever.
func buildInitproc(a *Assembler) {
	a.Asciz("sh_name", "user_shell")
	a.Asciz("ip1", "[initproc] Release a zombie process, pid = ")
	a.Asciz("ip2", ", exit_code = ")
	a.Asciz("nl", "\n")
	a.Buffer("xcode", 4, 4)

	a.Li(A7, sysFork)
	a.Ecall()
	a.Bne(A0, Zero, "parent")

	// Child: exec the shell; reaching the exit means exec failed.
	a.La(A0, "sh_name")
	a.Li(A7, sysExec)
	a.Ecall()
	exit(a, -1)

	a.Label("parent")
	a.Label("wait_loop")
	a.Li(A0, -1)
	a.La(A1, "xcode")
	a.Li(A7, sysWaitpid)
	a.Ecall()
	a.Li(T0, -1)
	a.Beq(A0, T0, "do_yield")
	a.Li(T0, -2)
	a.Beq(A0, T0, "do_yield")

	a.Mv(S0, A0)
	printStr(a, "ip1")
	a.Mv(A0, S0)
	a.Jal("print_int")
	printStr(a, "ip2")
	a.La(T0, "xcode")
	a.Lw(A0, T0, 0)
	a.Jal("print_int")
	printStr(a, "nl")
	a.J("wait_loop")

	a.Label("do_yield")
	a.Li(A7, sysYield)
	a.Ecall()
	a.J("wait_loop")

	emitPrintInt(a)
}

// buildUserShell reads lines from the console, forks and execs each one,
// and reports the child's exit status.
func buildUserShell(a *Assembler) {
	a.Asciz("banner", "rvkern user shell\n")
	a.Asciz("prompt_s", ">> ")
	a.Asciz("nl", "\n")
	a.Asciz("bs_seq", "\x08 \x08")
	a.Asciz("execerr", "Error when executing!\n")
	a.Asciz("sh1", "Shell: Process ")
	a.Asciz("sh2", " exited with code ")
	a.Buffer("ch", 1, 1)
	a.Buffer("xcode", 4, 4)
	a.Buffer("linelen", 8, 8)
	a.Buffer("line", 256, 8)

	printStr(a, "banner")
	a.Label("prompt")
	printStr(a, "prompt_s")

	a.Label("line_loop")
	a.Li(A0, 0)
	a.La(A1, "ch")
	a.Li(A2, 1)
	a.Li(A7, sysRead)
	a.Ecall()
	a.La(T0, "ch")
	a.Lbu(T1, T0, 0)
	a.Li(T2, '\n')
	a.Beq(T1, T2, "do_line")
	a.Li(T2, '\r')
	a.Beq(T1, T2, "do_line")
	a.Li(T2, 0x7f) // DEL
	a.Beq(T1, T2, "do_bs")
	a.Li(T2, 0x08) // BS
	a.Beq(T1, T2, "do_bs")

	// Append to the line buffer and echo.
	a.La(T2, "line")
	a.La(T3, "linelen")
	a.Ld(T4, T3, 0)
	a.Add(T5, T2, T4)
	a.Sb(T1, T5, 0)
	a.Addi(T4, T4, 1)
	a.Sd(T4, T3, 0)
	a.Li(A0, 1)
	a.La(A1, "ch")
	a.Li(A2, 1)
	a.Li(A7, sysWrite)
	a.Ecall()
	a.J("line_loop")

	a.Label("do_bs")
	a.La(T3, "linelen")
	a.Ld(T4, T3, 0)
	a.Beq(T4, Zero, "line_loop")
	a.Addi(T4, T4, -1)
	a.Sd(T4, T3, 0)
	printStr(a, "bs_seq")
	a.J("line_loop")

	a.Label("do_line")
	printStr(a, "nl")
	a.La(T3, "linelen")
	a.Ld(T4, T3, 0)
	a.Beq(T4, Zero, "prompt")
	a.La(T2, "line")
	a.Add(T5, T2, T4)
	a.Sb(Zero, T5, 0)
	a.Sd(Zero, T3, 0)

	a.Li(A7, sysFork)
	a.Ecall()
	a.Bne(A0, Zero, "shell_parent")

	// Child: exec the typed program.
	a.La(A0, "line")
	a.Li(A7, sysExec)
	a.Ecall()
	printStr(a, "execerr")
	exit(a, -4)

	a.Label("shell_parent")
	a.Mv(S0, A0)
	a.Label("wait_again")
	a.Mv(A0, S0)
	a.La(A1, "xcode")
	a.Li(A7, sysWaitpid)
	a.Ecall()
	a.Li(T0, -2)
	a.Bne(A0, T0, "got_child")
	a.Li(A7, sysYield)
	a.Ecall()
	a.J("wait_again")

	a.Label("got_child")
	a.Mv(S1, A0)
	printStr(a, "sh1")
	a.Mv(A0, S1)
	a.Jal("print_int")
	printStr(a, "sh2")
	a.La(T0, "xcode")
	a.Lw(A0, T0, 0)
	a.Jal("print_int")
	printStr(a, "nl")
	a.J("prompt")

	emitPrintInt(a)
}

// buildStoreFault stores to address zero, which the kernel answers with a
// page-fault kill.
func buildStoreFault(a *Assembler) {
	a.Asciz("msg", "Store to address 0, kernel should kill this application!\n")
	printStr(a, "msg")
	a.Li(T0, 0)
	a.Sw(Zero, T0, 0)
	exit(a, 0)
}

// buildPrivInst executes sret in U-mode.
func buildPrivInst(a *Assembler) {
	a.Asciz("m1", "Try to execute privileged instruction in U mode\n")
	a.Asciz("m2", "Kernel should kill this application!\n")
	printStr(a, "m1")
	printStr(a, "m2")
	a.Word(0x10200073) // sret
	exit(a, 0)
}

// buildPrivCSR writes the sstatus CSR in U-mode.
func buildPrivCSR(a *Assembler) {
	a.Asciz("m1", "Try to access privileged CSR in U mode\n")
	a.Asciz("m2", "Kernel should kill this application!\n")
	printStr(a, "m1")
	printStr(a, "m2")
	a.Word(0x10001073) // csrw sstatus, zero
	exit(a, 0)
}
