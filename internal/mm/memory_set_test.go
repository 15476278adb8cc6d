package mm

import (
	"testing"

	"github.com/rvkern/rvkern/internal/config"
	"github.com/rvkern/rvkern/internal/userprog"
)

func framesLive(f *Frames) int {
	var live int
	f.cell.With(func(a *StackFrameAllocator) {
		live = int(a.current) - len(a.recycled)
	})
	return live
}

// checkAreaMapped asserts P1: every VPN of every area has a valid leaf
// whose flags match the area's permissions.
func checkAreaMapped(t *testing.T, ms *MemorySet) {
	t.Helper()
	for _, area := range ms.Areas() {
		start, end := area.Range()
		for vpn := start; vpn < end; vpn++ {
			pte, ok := ms.Translate(vpn)
			if !ok {
				t.Fatalf("vpn %#x of area [%#x,%#x) unmapped", uint64(vpn), uint64(start), uint64(end))
			}
			if PTEFlags(area.Perm())|PTEValid != pte.Flags()&^(PTEAccessed|PTEDirty) {
				t.Fatalf("vpn %#x flags %#x do not match area perm %#x",
					uint64(vpn), pte.Flags(), area.Perm())
			}
		}
	}
}

func TestNewKernelSpace(t *testing.T) {
	f := newTestFrames(uint64(PhysAddr(config.EKernel).Ceil()), uint64(PhysAddr(config.MemoryEnd).Floor()))
	ks := NewKernel(f)

	checkAreaMapped(t, ks)

	midText := VirtAddr((config.SText + config.EText) / 2).Floor()
	if pte, ok := ks.Translate(midText); !ok || pte.Writable() || !pte.Executable() {
		t.Error("mid .text should be X and not W")
	}
	midData := VirtAddr((config.SData + config.EData) / 2).Floor()
	if pte, ok := ks.Translate(midData); !ok || pte.Executable() || !pte.Writable() {
		t.Error("mid .data should be W and not X")
	}

	// Identical mapping: frame pool VPN == PPN.
	poolVPN := VirtAddr(config.EKernel).Floor()
	pte, ok := ks.Translate(poolVPN)
	if !ok || uint64(pte.PPN()) != uint64(poolVPN) {
		t.Error("frame pool is not identical-mapped")
	}

	// The trampoline is mapped R|X at the top page.
	tramp, ok := ks.Translate(VirtAddr(config.TrampolineVA).Floor())
	if !ok || !tramp.Executable() || tramp.Writable() {
		t.Error("trampoline mapping wrong")
	}
	if uint64(tramp.PPN()) != config.Trampoline>>config.PageBits {
		t.Errorf("trampoline points at %#x", uint64(tramp.PPN()))
	}
}

func TestOverlappingAreasFault(t *testing.T) {
	f := newTestFrames(0x100, 0x300)
	ms := NewBare(f)
	ms.InsertFramedArea(VirtAddr(0x10000), VirtAddr(0x12000), PermR|PermW)
	expectPanic(t, "overlap", func() {
		ms.InsertFramedArea(VirtAddr(0x11000), VirtAddr(0x13000), PermR)
	})
}

func TestFromELF(t *testing.T) {
	images, err := userprog.Images()
	if err != nil {
		t.Fatalf("building images: %v", err)
	}

	f := newTestFrames(0x100, 0x1000)
	ms, userSP, entry, err := FromELF(f, images["00write_a"])
	if err != nil {
		t.Fatalf("FromELF: %v", err)
	}

	if entry != userprog.BaseAddress {
		t.Errorf("entry: expected %#x, got %#x", userprog.BaseAddress, entry)
	}
	checkAreaMapped(t, ms)

	// The code page must be user-accessible; the trap context must not.
	codePTE, ok := ms.Translate(VirtAddr(userprog.BaseAddress).Floor())
	if !ok || codePTE.Flags()&PTEUser == 0 {
		t.Error("code page not user accessible")
	}
	trapPTE, ok := ms.Translate(VirtAddr(config.TrapContextVA).Floor())
	if !ok {
		t.Fatal("trap context page unmapped")
	}
	if trapPTE.Flags()&PTEUser != 0 {
		t.Error("trap context page must be kernel-only")
	}

	// Stack top is one guard page plus the stack above the image end.
	stackVPN := VirtAddr(userSP - 8).Floor()
	if pte, ok := ms.Translate(stackVPN); !ok || pte.Flags()&PTEUser == 0 || !pte.Writable() {
		t.Error("user stack page wrong")
	}
	guardVPN := VirtAddr(userSP - config.UserStackSize - 8).Floor()
	if _, ok := ms.Translate(guardVPN); ok {
		t.Error("guard page should be unmapped")
	}
}

func TestFromELFRejectsGarbage(t *testing.T) {
	f := newTestFrames(0x100, 0x200)
	if _, _, _, err := FromELF(f, []byte("not an elf")); err == nil {
		t.Error("expected an error for a bad image")
	}
}

func TestFromExistedUser(t *testing.T) {
	images, err := userprog.Images()
	if err != nil {
		t.Fatalf("building images: %v", err)
	}

	mem := newFakeMem()
	f := NewFrames(mem, 0x100, 0x1000)
	src, _, _, err := FromELF(f, images["00write_a"])
	if err != nil {
		t.Fatalf("FromELF: %v", err)
	}

	codeVPN := VirtAddr(userprog.BaseAddress).Floor()
	srcPTE, _ := src.Translate(codeVPN)
	mem.PageBytes(uint64(srcPTE.PPN()))[100] = 0x5a

	clone := FromExistedUser(src)
	clonePTE, ok := clone.Translate(codeVPN)
	if !ok {
		t.Fatal("clone misses code page")
	}
	if clonePTE.PPN() == srcPTE.PPN() {
		t.Error("clone shares a frame with the source")
	}
	if mem.PageBytes(uint64(clonePTE.PPN()))[100] != 0x5a {
		t.Error("clone did not copy page contents")
	}

	// Diverge: writing the clone must not touch the source.
	mem.PageBytes(uint64(clonePTE.PPN()))[100] = 0x11
	if mem.PageBytes(uint64(srcPTE.PPN()))[100] != 0x5a {
		t.Error("source frame changed through the clone")
	}
}

func TestRecycleAndFreeReturnFrames(t *testing.T) {
	images, err := userprog.Images()
	if err != nil {
		t.Fatalf("building images: %v", err)
	}

	f := newTestFrames(0x100, 0x1000)
	before := framesLive(f)

	ms, _, _, err := FromELF(f, images["00write_a"])
	if err != nil {
		t.Fatalf("FromELF: %v", err)
	}
	if framesLive(f) <= before {
		t.Fatal("expected frames in use after FromELF")
	}

	ms.RecycleDataPages()
	ms.Free()
	if got := framesLive(f); got != before {
		t.Errorf("frames leaked: %d live, expected %d", got, before)
	}
}
