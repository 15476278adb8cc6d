package machine

import (
	"encoding/binary"
	"fmt"

	"github.com/rvkern/rvkern/internal/config"
)

var busEndian = binary.LittleEndian

// MemoryRegion represents a contiguous region of RAM.
type MemoryRegion struct {
	Data []byte
}

// NewMemoryRegion creates a new memory region of the given size.
func NewMemoryRegion(size uint64) *MemoryRegion {
	return &MemoryRegion{Data: make([]byte, size)}
}

// Read reads a little-endian value of the given size at offset.
func (m *MemoryRegion) Read(offset uint64, size int) (uint64, error) {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return 0, fmt.Errorf("memory read out of bounds: offset=0x%x size=%d len=%d", offset, size, len(m.Data))
	}
	switch size {
	case 1:
		return uint64(m.Data[offset]), nil
	case 2:
		return uint64(busEndian.Uint16(m.Data[offset:])), nil
	case 4:
		return uint64(busEndian.Uint32(m.Data[offset:])), nil
	case 8:
		return busEndian.Uint64(m.Data[offset:]), nil
	default:
		return 0, fmt.Errorf("invalid read size: %d", size)
	}
}

// Write writes a little-endian value of the given size at offset.
func (m *MemoryRegion) Write(offset uint64, size int, value uint64) error {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return fmt.Errorf("memory write out of bounds: offset=0x%x size=%d len=%d", offset, size, len(m.Data))
	}
	switch size {
	case 1:
		m.Data[offset] = byte(value)
	case 2:
		busEndian.PutUint16(m.Data[offset:], uint16(value))
	case 4:
		busEndian.PutUint32(m.Data[offset:], uint32(value))
	case 8:
		busEndian.PutUint64(m.Data[offset:], value)
	default:
		return fmt.Errorf("invalid write size: %d", size)
	}
	return nil
}

// Size returns the region size in bytes.
func (m *MemoryRegion) Size() uint64 {
	return uint64(len(m.Data))
}

// Slice returns a window into the region, or nil when out of bounds.
func (m *MemoryRegion) Slice(offset, length uint64) []byte {
	if offset+length > uint64(len(m.Data)) {
		return nil
	}
	return m.Data[offset : offset+length]
}

// Bus connects the CPU to RAM. All guest-visible memory lives here; the
// kernel reaches the same bytes through PageBytes.
type Bus struct {
	RAM     *MemoryRegion
	RAMBase uint64
}

// NewBus creates a new bus with the given RAM size.
func NewBus(ramSize uint64) *Bus {
	return &Bus{
		RAM:     NewMemoryRegion(ramSize),
		RAMBase: config.RAMBase,
	}
}

// Read reads from the bus.
func (bus *Bus) Read(addr uint64, size int) (uint64, error) {
	if addr < bus.RAMBase {
		return 0, fmt.Errorf("no device at address 0x%x", addr)
	}
	return bus.RAM.Read(addr-bus.RAMBase, size)
}

// Write writes to the bus.
func (bus *Bus) Write(addr uint64, size int, value uint64) error {
	if addr < bus.RAMBase {
		return fmt.Errorf("no device at address 0x%x", addr)
	}
	return bus.RAM.Write(addr-bus.RAMBase, size, value)
}

// Read8 reads a byte from the bus.
func (bus *Bus) Read8(addr uint64) (uint8, error) {
	val, err := bus.Read(addr, 1)
	return uint8(val), err
}

// Read16 reads a halfword from the bus.
func (bus *Bus) Read16(addr uint64) (uint16, error) {
	val, err := bus.Read(addr, 2)
	return uint16(val), err
}

// Read32 reads a word from the bus.
func (bus *Bus) Read32(addr uint64) (uint32, error) {
	val, err := bus.Read(addr, 4)
	return uint32(val), err
}

// Read64 reads a doubleword from the bus.
func (bus *Bus) Read64(addr uint64) (uint64, error) {
	return bus.Read(addr, 8)
}

// Write8 writes a byte to the bus.
func (bus *Bus) Write8(addr uint64, value uint8) error {
	return bus.Write(addr, 1, uint64(value))
}

// Write16 writes a halfword to the bus.
func (bus *Bus) Write16(addr uint64, value uint16) error {
	return bus.Write(addr, 2, uint64(value))
}

// Write32 writes a word to the bus.
func (bus *Bus) Write32(addr uint64, value uint32) error {
	return bus.Write(addr, 4, uint64(value))
}

// Write64 writes a doubleword to the bus.
func (bus *Bus) Write64(addr uint64, value uint64) error {
	return bus.Write(addr, 8, value)
}

// LoadBytes loads bytes into RAM at the given physical address.
func (bus *Bus) LoadBytes(addr uint64, data []byte) error {
	if addr < bus.RAMBase || addr+uint64(len(data)) > bus.RAMBase+bus.RAM.Size() {
		return fmt.Errorf("load out of RAM bounds: addr=0x%x len=%d", addr, len(data))
	}
	copy(bus.RAM.Data[addr-bus.RAMBase:], data)
	return nil
}

// Fetch fetches a 32-bit instruction from memory.
func (bus *Bus) Fetch(addr uint64) (uint32, error) {
	return bus.Read32(addr)
}

// PageBytes returns the 4KiB frame with the given physical page number as a
// byte slice, or nil when the page is outside RAM. This is the kernel's
// window onto guest physical memory.
func (bus *Bus) PageBytes(ppn uint64) []byte {
	addr := ppn << config.PageBits
	if addr < bus.RAMBase {
		return nil
	}
	return bus.RAM.Slice(addr-bus.RAMBase, config.PageSize)
}
