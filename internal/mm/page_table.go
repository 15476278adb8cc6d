package mm

import (
	"encoding/binary"
	"fmt"

	"github.com/rvkern/rvkern/internal/config"
)

// PTEFlags are the low eight bits of a page table entry.
type PTEFlags uint8

const (
	PTEValid    PTEFlags = 1 << 0
	PTERead     PTEFlags = 1 << 1
	PTEWrite    PTEFlags = 1 << 2
	PTEExecute  PTEFlags = 1 << 3
	PTEUser     PTEFlags = 1 << 4
	PTEGlobal   PTEFlags = 1 << 5
	PTEAccessed PTEFlags = 1 << 6
	PTEDirty    PTEFlags = 1 << 7
)

// PageTableEntry is one 64-bit SV39 entry: PPN in bits 53:10, flags in the
// low byte.
type PageTableEntry uint64

// NewPTE builds an entry from a physical page number and flags.
func NewPTE(ppn PhysPageNum, flags PTEFlags) PageTableEntry {
	return PageTableEntry(uint64(ppn)<<10 | uint64(flags))
}

// EmptyPTE is an all-zero, invalid entry.
const EmptyPTE PageTableEntry = 0

// PPN extracts the physical page number.
func (e PageTableEntry) PPN() PhysPageNum {
	return PhysPageNum((uint64(e) >> 10) & ((1 << ppnWidth) - 1))
}

// Flags extracts the flag byte.
func (e PageTableEntry) Flags() PTEFlags {
	return PTEFlags(e)
}

// IsValid reports the V bit.
func (e PageTableEntry) IsValid() bool {
	return e.Flags()&PTEValid != 0
}

// Readable reports the R bit.
func (e PageTableEntry) Readable() bool {
	return e.Flags()&PTERead != 0
}

// Writable reports the W bit.
func (e PageTableEntry) Writable() bool {
	return e.Flags()&PTEWrite != 0
}

// Executable reports the X bit.
func (e PageTableEntry) Executable() bool {
	return e.Flags()&PTEExecute != 0
}

// PageTable owns a root frame plus every intermediate-level frame it has
// allocated. A table built by FromToken owns nothing and can only
// translate.
type PageTable struct {
	rootPPN PhysPageNum
	frames  []*FrameTracker

	mem   Mem
	alloc *Frames
}

// NewPageTable allocates an empty table.
func NewPageTable(alloc *Frames) *PageTable {
	root, ok := alloc.Alloc()
	if !ok {
		panic("mm: out of frames allocating page table root")
	}
	return &PageTable{
		rootPPN: root.PPN,
		frames:  []*FrameTracker{root},
		mem:     alloc.Mem(),
		alloc:   alloc,
	}
}

// FromToken builds a non-owning view over another address space, good for
// translation only.
func FromToken(mem Mem, satp uint64) *PageTable {
	return &PageTable{
		rootPPN: PhysPageNum(satp & ((1 << ppnWidth) - 1)),
		mem:     mem,
	}
}

// Token emits the SATP value for this table.
func (pt *PageTable) Token() uint64 {
	return uint64(8)<<60 | uint64(pt.rootPPN)
}

// RootPPN returns the root frame's page number.
func (pt *PageTable) RootPPN() PhysPageNum {
	return pt.rootPPN
}

func (pt *PageTable) readEntry(table PhysPageNum, idx uint64) PageTableEntry {
	page := pt.mem.PageBytes(uint64(table))
	if page == nil {
		panic(fmt.Sprintf("mm: page table frame %#x outside RAM", uint64(table)))
	}
	return PageTableEntry(binary.LittleEndian.Uint64(page[idx*8:]))
}

func (pt *PageTable) writeEntry(table PhysPageNum, idx uint64, e PageTableEntry) {
	page := pt.mem.PageBytes(uint64(table))
	if page == nil {
		panic(fmt.Sprintf("mm: page table frame %#x outside RAM", uint64(table)))
	}
	binary.LittleEndian.PutUint64(page[idx*8:], uint64(e))
}

// findPTECreate walks to the leaf slot for vpn, allocating intermediate
// frames on demand. Returns the table page and index of the leaf slot.
func (pt *PageTable) findPTECreate(vpn VirtPageNum) (PhysPageNum, uint64) {
	idxs := vpn.Indexes()
	table := pt.rootPPN
	for level := 0; level < 2; level++ {
		pte := pt.readEntry(table, idxs[level])
		if !pte.IsValid() {
			if pt.alloc == nil {
				panic("mm: mapping through a non-owning page table")
			}
			frame, ok := pt.alloc.Alloc()
			if !ok {
				panic("mm: out of frames extending page table")
			}
			pt.frames = append(pt.frames, frame)
			pte = NewPTE(frame.PPN, PTEValid)
			pt.writeEntry(table, idxs[level], pte)
		}
		table = pte.PPN()
	}
	return table, idxs[2]
}

// findPTE walks to the leaf slot for vpn without mutating, reporting false
// when an intermediate level is missing.
func (pt *PageTable) findPTE(vpn VirtPageNum) (PhysPageNum, uint64, bool) {
	idxs := vpn.Indexes()
	table := pt.rootPPN
	for level := 0; level < 2; level++ {
		pte := pt.readEntry(table, idxs[level])
		if !pte.IsValid() {
			return 0, 0, false
		}
		table = pte.PPN()
	}
	return table, idxs[2], true
}

// Map installs a leaf for vpn. Remapping a valid entry is a kernel bug.
func (pt *PageTable) Map(vpn VirtPageNum, ppn PhysPageNum, flags PTEFlags) {
	table, idx := pt.findPTECreate(vpn)
	if pt.readEntry(table, idx).IsValid() {
		panic(fmt.Sprintf("mm: vpn %#x is mapped before mapping", uint64(vpn)))
	}
	pt.writeEntry(table, idx, NewPTE(ppn, flags|PTEValid))
}

// Unmap clears the leaf for vpn. Unmapping an invalid entry is a kernel
// bug.
func (pt *PageTable) Unmap(vpn VirtPageNum) {
	table, idx, ok := pt.findPTE(vpn)
	if !ok || !pt.readEntry(table, idx).IsValid() {
		panic(fmt.Sprintf("mm: vpn %#x is invalid before unmapping", uint64(vpn)))
	}
	pt.writeEntry(table, idx, EmptyPTE)
}

// Translate returns the leaf entry for vpn, if any.
func (pt *PageTable) Translate(vpn VirtPageNum) (PageTableEntry, bool) {
	table, idx, ok := pt.findPTE(vpn)
	if !ok {
		return 0, false
	}
	pte := pt.readEntry(table, idx)
	if !pte.IsValid() {
		return 0, false
	}
	return pte, true
}

// Free returns every table frame to the allocator. The table is unusable
// afterwards.
func (pt *PageTable) Free() {
	for _, f := range pt.frames {
		f.Drop()
	}
	pt.frames = nil
}

// TranslatedByteBuffer walks token's page table page by page and returns the
// physically contiguous slices covering [ptr, ptr+length) of that address
// space. The kernel uses this to read or write user buffers whose virtual
// layout is foreign to it.
func TranslatedByteBuffer(mem Mem, token uint64, ptr uint64, length uint64) [][]byte {
	pt := FromToken(mem, token)
	var out [][]byte

	start := ptr
	end := ptr + length
	for start < end {
		va := VirtAddr(start)
		vpn := va.Floor()
		pte, ok := pt.Translate(vpn)
		if !ok {
			panic(fmt.Sprintf("mm: translated buffer crosses unmapped vpn %#x", uint64(vpn)))
		}
		page := mem.PageBytes(uint64(pte.PPN()))
		if page == nil {
			panic(fmt.Sprintf("mm: translated frame %#x outside RAM", uint64(pte.PPN())))
		}
		off := va.PageOffset()
		chunkEnd := uint64(config.PageSize)
		if end-start < chunkEnd-off {
			chunkEnd = off + (end - start)
		}
		out = append(out, page[off:chunkEnd])
		start += chunkEnd - off
	}
	return out
}

// TranslatedString reads a NUL-terminated string from token's address
// space.
func TranslatedString(mem Mem, token uint64, ptr uint64) string {
	pt := FromToken(mem, token)
	var out []byte
	for {
		va := VirtAddr(ptr)
		pte, ok := pt.Translate(va.Floor())
		if !ok {
			panic(fmt.Sprintf("mm: translated string crosses unmapped vpn %#x", uint64(va.Floor())))
		}
		page := mem.PageBytes(uint64(pte.PPN()))
		ch := page[va.PageOffset()]
		if ch == 0 {
			return string(out)
		}
		out = append(out, ch)
		ptr++
	}
}

// TranslatedWrite32 stores a 32-bit value at ptr in token's address space,
// the write-back path used by waitpid's exit-code pointer.
func TranslatedWrite32(mem Mem, token uint64, ptr uint64, val uint32) {
	bufs := TranslatedByteBuffer(mem, token, ptr, 4)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], val)
	rest := tmp[:]
	for _, b := range bufs {
		n := copy(b, rest)
		rest = rest[n:]
	}
}
