package machine

import "github.com/rvkern/rvkern/internal/config"

// SATP modes.
const (
	SatpModeOff  = 0
	SatpModeSv39 = 8
)

// Page table entry flags.
const (
	PteV = 1 << 0 // Valid
	PteR = 1 << 1 // Readable
	PteW = 1 << 2 // Writable
	PteX = 1 << 3 // Executable
	PteU = 1 << 4 // User accessible
	PteG = 1 << 5 // Global
	PteA = 1 << 6 // Accessed
	PteD = 1 << 7 // Dirty
)

const (
	vpnBits = 9
	ppnBits = 44
)

// Access kinds for Translate.
const (
	AccessRead    = 0
	AccessWrite   = 1
	AccessExecute = 2
)

// TLBEntry caches one 4KiB translation.
type TLBEntry struct {
	Valid bool
	VPN   uint64
	PPN   uint64
	Flags uint64
}

// MMU handles virtual to physical address translation for the interpreter.
type MMU struct {
	cpu *CPU

	tlb [512]TLBEntry
}

// NewMMU creates a new MMU.
func NewMMU(cpu *CPU) *MMU {
	return &MMU{cpu: cpu}
}

// FlushTLB invalidates all TLB entries. The kernel issues this whenever it
// switches or edits an address space; a missing flush shows up as a stale
// translation exactly like it would on hardware.
func (mmu *MMU) FlushTLB() {
	for i := range mmu.tlb {
		mmu.tlb[i].Valid = false
	}
}

// Translate translates a virtual address to a physical address.
func (mmu *MMU) Translate(vaddr uint64, access int) (uint64, error) {
	mode := (mmu.cpu.Satp >> 60) & 0xf
	if mode == SatpModeOff {
		return vaddr, nil
	}

	priv := mmu.cpu.Priv

	vpn := vaddr >> config.PageBits
	idx := vpn & uint64(len(mmu.tlb)-1)
	entry := &mmu.tlb[idx]

	if entry.Valid && entry.VPN == vpn {
		if err := mmu.checkPermissions(entry.Flags, access, priv, vaddr); err != nil {
			return 0, err
		}
		if entry.Flags&PteA == 0 {
			entry.Valid = false // force a walk to set the A bit
		} else if access == AccessWrite && entry.Flags&PteD == 0 {
			entry.Valid = false // force a walk to set the D bit
		} else {
			return entry.PPN<<config.PageBits | vaddr&(config.PageSize-1), nil
		}
	}

	paddr, flags, err := mmu.walkPageTable(vaddr, access, priv)
	if err != nil {
		return 0, err
	}

	entry.Valid = true
	entry.VPN = vpn
	entry.PPN = paddr >> config.PageBits
	entry.Flags = flags

	return paddr, nil
}

// walkPageTable performs an SV39 page table walk, taking the three 9-bit
// indices most-significant first. Superpages are not produced by the kernel
// and fault as misaligned leaves.
func (mmu *MMU) walkPageTable(vaddr uint64, access int, priv uint8) (uint64, uint64, error) {
	// Canonical check: bits 63:39 must equal bit 38.
	if vaddr >= (1<<38) && vaddr < 0xffff_ffc0_0000_0000 {
		return 0, 0, mmu.pageFault(access, vaddr)
	}

	ppn := mmu.cpu.Satp & ((1 << ppnBits) - 1)
	tableAddr := ppn << config.PageBits

	for level := 2; level >= 0; level-- {
		vpnShift := config.PageBits + level*vpnBits
		vpn := (vaddr >> vpnShift) & 0x1ff

		pteAddr := tableAddr + vpn*8
		pte, err := mmu.cpu.Bus.Read64(pteAddr)
		if err != nil {
			return 0, 0, mmu.pageFault(access, vaddr)
		}

		if pte&PteV == 0 {
			return 0, 0, mmu.pageFault(access, vaddr)
		}
		if pte&PteR == 0 && pte&PteW != 0 {
			return 0, 0, mmu.pageFault(access, vaddr)
		}

		if pte&PteR != 0 || pte&PteX != 0 {
			// Leaf PTE. The kernel only maps 4KiB pages.
			if level > 0 {
				return 0, 0, mmu.pageFault(access, vaddr)
			}
			if err := mmu.checkPermissions(pte, access, priv, vaddr); err != nil {
				return 0, 0, err
			}
			if pte&PteA == 0 || (access == AccessWrite && pte&PteD == 0) {
				newPte := pte | PteA
				if access == AccessWrite {
					newPte |= PteD
				}
				if err := mmu.cpu.Bus.Write64(pteAddr, newPte); err != nil {
					return 0, 0, mmu.pageFault(access, vaddr)
				}
				pte = newPte
			}
			leafPPN := (pte >> 10) & ((1 << ppnBits) - 1)
			return leafPPN<<config.PageBits | vaddr&(config.PageSize-1), pte, nil
		}

		// Non-leaf PTE, descend.
		tableAddr = ((pte >> 10) & ((1 << ppnBits) - 1)) << config.PageBits
	}

	return 0, 0, mmu.pageFault(access, vaddr)
}

// checkPermissions checks whether the access is allowed by the PTE flags.
func (mmu *MMU) checkPermissions(pte uint64, access int, priv uint8, vaddr uint64) error {
	if priv == PrivUser && pte&PteU == 0 {
		return mmu.pageFault(access, vaddr)
	}
	switch access {
	case AccessRead:
		if pte&PteR == 0 {
			return mmu.pageFault(access, vaddr)
		}
	case AccessWrite:
		if pte&PteW == 0 {
			return mmu.pageFault(access, vaddr)
		}
	case AccessExecute:
		if pte&PteX == 0 {
			return mmu.pageFault(access, vaddr)
		}
	}
	return nil
}

func (mmu *MMU) pageFault(access int, vaddr uint64) error {
	switch access {
	case AccessWrite:
		return Exception(CauseStorePageFault, vaddr)
	case AccessExecute:
		return Exception(CauseInsnPageFault, vaddr)
	default:
		return Exception(CauseLoadPageFault, vaddr)
	}
}

// TranslateRead translates a read access.
func (mmu *MMU) TranslateRead(vaddr uint64) (uint64, error) {
	return mmu.Translate(vaddr, AccessRead)
}

// TranslateWrite translates a write access.
func (mmu *MMU) TranslateWrite(vaddr uint64) (uint64, error) {
	return mmu.Translate(vaddr, AccessWrite)
}

// TranslateFetch translates an instruction fetch.
func (mmu *MMU) TranslateFetch(vaddr uint64) (uint64, error) {
	return mmu.Translate(vaddr, AccessExecute)
}
