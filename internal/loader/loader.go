// Package loader stages the embedded application images into the kernel
// heap at boot and serves them back by name, the in-kernel analogue of the
// app table a linker script would bake into the image.
package loader

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/rvkern/rvkern/internal/mm"
)

type span struct {
	addr mm.PhysAddr
	size int
}

// Loader owns the staged application images.
type Loader struct {
	mem   mm.Mem
	arena *mm.Arena
	apps  map[string]span
	names []string
}

// New creates a loader over the kernel heap arena.
func New(mem mm.Mem) *Loader {
	return &Loader{
		mem:   mem,
		arena: mm.NewArena(),
		apps:  make(map[string]span),
	}
}

// Stage copies one application image into the heap.
func (l *Loader) Stage(name string, image []byte) error {
	if _, dup := l.apps[name]; dup {
		return fmt.Errorf("loader: duplicate app %q", name)
	}
	addr, err := l.arena.Alloc(uint64(len(image)), 8)
	if err != nil {
		return fmt.Errorf("loader: staging %q: %w", name, err)
	}
	mm.WritePhys(l.mem, addr, image)
	l.apps[name] = span{addr: addr, size: len(image)}
	l.names = append(l.names, name)
	sort.Strings(l.names)
	slog.Debug("staged app", "name", name, "size", len(image), "addr", fmt.Sprintf("%#x", uint64(addr)))
	return nil
}

// StageAll stages a set of images in name order.
func (l *Loader) StageAll(images map[string][]byte) error {
	names := make([]string, 0, len(images))
	for name := range images {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := l.Stage(name, images[name]); err != nil {
			return err
		}
	}
	return nil
}

// AppData returns a copy of the named image, false when unknown.
func (l *Loader) AppData(name string) ([]byte, bool) {
	s, ok := l.apps[name]
	if !ok {
		return nil, false
	}
	return mm.ReadPhys(l.mem, s.addr, s.size), true
}

// Names lists the staged applications in sorted order.
func (l *Loader) Names() []string {
	return append([]string(nil), l.names...)
}
