package mm

import (
	"bytes"
	"debug/elf"
	"fmt"
	"log/slog"

	"github.com/rvkern/rvkern/internal/config"
)

// MapType selects how a map area backs its virtual pages.
type MapType int

const (
	// MapIdentical maps every VPN to the equal-valued PPN; used only for
	// the kernel's flat view of its own image and the frame pool.
	MapIdentical MapType = iota
	// MapFramed backs every VPN with a freshly allocated frame owned by
	// the area.
	MapFramed
)

// MapPermission is the R/W/X/U subset of PTE flags.
type MapPermission uint8

const (
	PermR MapPermission = 1 << 1
	PermW MapPermission = 1 << 2
	PermX MapPermission = 1 << 3
	PermU MapPermission = 1 << 4
)

// MapArea is a half-open range of virtual pages with one mapping policy and
// permission set. Framed areas own the frames backing their pages; the
// frames are released exactly when the area is unmapped or dropped.
type MapArea struct {
	start VirtPageNum
	end   VirtPageNum

	mapType MapType
	perm    MapPermission

	dataFrames map[VirtPageNum]*FrameTracker
}

// NewMapArea builds an area covering [startVA floor, endVA ceil).
func NewMapArea(startVA, endVA VirtAddr, mapType MapType, perm MapPermission) *MapArea {
	return &MapArea{
		start:      startVA.Floor(),
		end:        endVA.Ceil(),
		mapType:    mapType,
		perm:       perm,
		dataFrames: make(map[VirtPageNum]*FrameTracker),
	}
}

// cloneShape copies the range, type, and permissions but no frames.
func (a *MapArea) cloneShape() *MapArea {
	return &MapArea{
		start:      a.start,
		end:        a.end,
		mapType:    a.mapType,
		perm:       a.perm,
		dataFrames: make(map[VirtPageNum]*FrameTracker),
	}
}

// Range returns the half-open VPN range.
func (a *MapArea) Range() (VirtPageNum, VirtPageNum) {
	return a.start, a.end
}

// Perm returns the area permissions.
func (a *MapArea) Perm() MapPermission {
	return a.perm
}

func (a *MapArea) mapOne(pt *PageTable, alloc *Frames, vpn VirtPageNum) {
	var ppn PhysPageNum
	switch a.mapType {
	case MapIdentical:
		ppn = PhysPageNum(vpn)
	case MapFramed:
		frame, ok := alloc.Alloc()
		if !ok {
			panic(fmt.Sprintf("mm: out of frames mapping vpn %#x", uint64(vpn)))
		}
		ppn = frame.PPN
		a.dataFrames[vpn] = frame
	}
	pt.Map(vpn, ppn, PTEFlags(a.perm))
}

func (a *MapArea) unmapOne(pt *PageTable, vpn VirtPageNum) {
	if a.mapType == MapFramed {
		if frame, ok := a.dataFrames[vpn]; ok {
			frame.Drop()
			delete(a.dataFrames, vpn)
		}
	}
	pt.Unmap(vpn)
}

func (a *MapArea) mapAll(pt *PageTable, alloc *Frames) {
	for vpn := a.start; vpn < a.end; vpn++ {
		a.mapOne(pt, alloc, vpn)
	}
}

func (a *MapArea) unmapAll(pt *PageTable) {
	for vpn := a.start; vpn < a.end; vpn++ {
		a.unmapOne(pt, vpn)
	}
}

// copyData copies data page by page into the freshly mapped frames,
// truncating to the area's size. Only valid for framed areas.
func (a *MapArea) copyData(pt *PageTable, mem Mem, data []byte) {
	if a.mapType != MapFramed {
		panic("mm: copyData into a non-framed area")
	}
	vpn := a.start
	for start := 0; start < len(data) && vpn < a.end; start += config.PageSize {
		end := min(start+config.PageSize, len(data))
		pte, ok := pt.Translate(vpn)
		if !ok {
			panic(fmt.Sprintf("mm: copyData into unmapped vpn %#x", uint64(vpn)))
		}
		copy(mem.PageBytes(uint64(pte.PPN())), data[start:end])
		vpn++
	}
}

// MemorySet is an address space: one page table plus the map areas layered
// over it. Areas within a set have pairwise disjoint VPN ranges.
type MemorySet struct {
	table *PageTable
	areas []*MapArea

	mem   Mem
	alloc *Frames
}

// NewBare constructs an empty address space with a fresh page table.
func NewBare(alloc *Frames) *MemorySet {
	return &MemorySet{
		table: NewPageTable(alloc),
		mem:   alloc.Mem(),
		alloc: alloc,
	}
}

// MapTrampoline installs the fixed top-page mapping onto the shared
// trampoline frame. It is not tracked as an area: the frame is kernel code.
func (ms *MemorySet) MapTrampoline() {
	ms.table.Map(
		VirtAddr(config.TrampolineVA).Floor(),
		PhysAddr(config.Trampoline).PageNum(),
		PTERead|PTEExecute,
	)
}

// Push maps the area and, when data is non-nil, seeds its frames.
func (ms *MemorySet) Push(area *MapArea, data []byte) {
	for _, existing := range ms.areas {
		if area.start < existing.end && existing.start < area.end {
			panic(fmt.Sprintf("mm: overlapping map areas [%#x,%#x) and [%#x,%#x)",
				uint64(area.start), uint64(area.end), uint64(existing.start), uint64(existing.end)))
		}
	}
	area.mapAll(ms.table, ms.alloc)
	if data != nil {
		area.copyData(ms.table, ms.mem, data)
	}
	ms.areas = append(ms.areas, area)
}

// InsertFramedArea adds a fresh framed area covering [startVA, endVA).
func (ms *MemorySet) InsertFramedArea(startVA, endVA VirtAddr, perm MapPermission) {
	ms.Push(NewMapArea(startVA, endVA, MapFramed, perm), nil)
}

// RemoveAreaWithStartVPN unmaps and drops the area whose range starts at
// vpn. Used when a kernel stack slot is reclaimed.
func (ms *MemorySet) RemoveAreaWithStartVPN(vpn VirtPageNum) {
	for i, area := range ms.areas {
		if area.start == vpn {
			area.unmapAll(ms.table)
			ms.areas = append(ms.areas[:i], ms.areas[i+1:]...)
			return
		}
	}
	panic(fmt.Sprintf("mm: no area starting at vpn %#x", uint64(vpn)))
}

// NewKernel builds the kernel's address space: identical mappings of the
// image segments plus the whole frame pool, and the trampoline.
func NewKernel(alloc *Frames) *MemorySet {
	ms := NewBare(alloc)
	ms.MapTrampoline()

	slog.Debug("mapping kernel space",
		"text", fmt.Sprintf("[%#x, %#x)", config.SText, config.EText),
		"rodata", fmt.Sprintf("[%#x, %#x)", config.SRodata, config.ERodata),
		"data", fmt.Sprintf("[%#x, %#x)", config.SData, config.EData),
		"bss", fmt.Sprintf("[%#x, %#x)", config.SBss, config.EBss))

	ms.Push(NewMapArea(VirtAddr(config.SText), VirtAddr(config.EText), MapIdentical, PermR|PermX), nil)
	ms.Push(NewMapArea(VirtAddr(config.SRodata), VirtAddr(config.ERodata), MapIdentical, PermR), nil)
	ms.Push(NewMapArea(VirtAddr(config.SData), VirtAddr(config.EData), MapIdentical, PermR|PermW), nil)
	ms.Push(NewMapArea(VirtAddr(config.SBss), VirtAddr(config.EBss), MapIdentical, PermR|PermW), nil)
	ms.Push(NewMapArea(VirtAddr(config.EKernel), VirtAddr(config.MemoryEnd), MapIdentical, PermR|PermW), nil)

	return ms
}

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// FromELF builds a user address space from an ELF image and returns it with
// the user stack top and the entry point.
func FromELF(alloc *Frames, elfData []byte) (*MemorySet, uint64, uint64, error) {
	if len(elfData) < 4 || !bytes.Equal(elfData[:4], elfMagic) {
		return nil, 0, 0, fmt.Errorf("mm: invalid ELF magic")
	}
	f, err := elf.NewFile(bytes.NewReader(elfData))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("mm: parse ELF: %w", err)
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_RISCV {
		return nil, 0, 0, fmt.Errorf("mm: not a riscv64 executable (class=%v machine=%v)", f.Class, f.Machine)
	}

	ms := NewBare(alloc)
	ms.MapTrampoline()

	var maxEndVPN VirtPageNum
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		startVA := VirtAddr(p.Vaddr)
		endVA := VirtAddr(p.Vaddr + p.Memsz)

		perm := PermU
		if p.Flags&elf.PF_R != 0 {
			perm |= PermR
		}
		if p.Flags&elf.PF_W != 0 {
			perm |= PermW
		}
		if p.Flags&elf.PF_X != 0 {
			perm |= PermX
		}

		area := NewMapArea(startVA, endVA, MapFramed, perm)
		maxEndVPN = area.end
		if p.Off+p.Filesz > uint64(len(elfData)) {
			return nil, 0, 0, fmt.Errorf("mm: ELF segment out of file bounds")
		}
		ms.Push(area, elfData[p.Off:p.Off+p.Filesz])
	}

	// A one-page guard separates the loaded image from the user stack.
	userStackBottom := uint64(maxEndVPN.Addr()) + config.PageSize
	userStackTop := userStackBottom + config.UserStackSize
	ms.Push(NewMapArea(VirtAddr(userStackBottom), VirtAddr(userStackTop), MapFramed, PermR|PermW|PermU), nil)

	// The trap context page sits just below the trampoline, kernel-only.
	ms.Push(NewMapArea(VirtAddr(config.TrapContextVA), VirtAddr(config.TrampolineVA), MapFramed, PermR|PermW), nil)

	return ms, userStackTop, f.Entry, nil
}

// FromExistedUser clones a user address space for fork: same areas by range
// and permissions, fresh frames whose contents are byte-copied from the
// source.
func FromExistedUser(src *MemorySet) *MemorySet {
	ms := NewBare(src.alloc)
	ms.MapTrampoline()
	for _, area := range src.areas {
		ms.Push(area.cloneShape(), nil)
		for vpn := area.start; vpn < area.end; vpn++ {
			srcPTE, ok := src.table.Translate(vpn)
			if !ok {
				panic(fmt.Sprintf("mm: clone of unmapped vpn %#x", uint64(vpn)))
			}
			dstPTE, _ := ms.table.Translate(vpn)
			copy(ms.mem.PageBytes(uint64(dstPTE.PPN())), src.mem.PageBytes(uint64(srcPTE.PPN())))
		}
	}
	return ms
}

// Hart is the slice of CPU state Activate needs.
type Hart interface {
	WriteSatp(val uint64)
	FlushTLB()
}

// Activate writes this space's token into satp and flushes the TLB.
func (ms *MemorySet) Activate(h Hart) {
	h.WriteSatp(ms.Token())
	h.FlushTLB()
}

// Token returns the SATP value of this space.
func (ms *MemorySet) Token() uint64 {
	return ms.table.Token()
}

// Translate delegates to the page table.
func (ms *MemorySet) Translate(vpn VirtPageNum) (PageTableEntry, bool) {
	return ms.table.Translate(vpn)
}

// Areas returns the live map areas.
func (ms *MemorySet) Areas() []*MapArea {
	return ms.areas
}

// RecycleDataPages releases every area's frames while keeping the page
// table. Called when a task becomes a zombie: its memory goes back to the
// pool eagerly, the TCB lingers until waited on.
func (ms *MemorySet) RecycleDataPages() {
	for _, area := range ms.areas {
		area.unmapAll(ms.table)
	}
	ms.areas = nil
}

// Free releases the areas and the page-table frames. The set is dead
// afterwards.
func (ms *MemorySet) Free() {
	ms.RecycleDataPages()
	ms.table.Free()
}
