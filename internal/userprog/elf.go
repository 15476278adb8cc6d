package userprog

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

const (
	elfHeaderSize        = 64
	elfProgramHeaderSize = 56

	// BaseAddress is where every user application links and loads.
	BaseAddress uint64 = 0x10000

	segmentOffset    uint64 = 0x1000
	segmentAlignment uint64 = 0x1000
)

// StandaloneELF wraps assembled code into a one-segment riscv64 executable
// whose entry point is the start of the segment.
func StandaloneELF(code []byte) ([]byte, error) {
	if len(code) == 0 {
		return nil, fmt.Errorf("userprog: empty program")
	}

	prefix := make([]byte, segmentOffset)
	fillELFHeader(prefix[:elfHeaderSize])
	fillProgramHeader(prefix[elfHeaderSize:elfHeaderSize+elfProgramHeaderSize], uint64(len(code)))

	return append(prefix, code...), nil
}

func fillELFHeader(buf []byte) {
	buf[0] = 0x7f
	buf[1] = 'E'
	buf[2] = 'L'
	buf[3] = 'F'
	buf[4] = 2 // 64-bit
	buf[5] = 1 // little-endian
	buf[6] = 1 // current version

	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(buf[18:], uint16(elf.EM_RISCV))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint64(buf[24:], BaseAddress) // entry point
	binary.LittleEndian.PutUint64(buf[32:], uint64(elfHeaderSize))
	binary.LittleEndian.PutUint64(buf[40:], 0) // section header offset
	binary.LittleEndian.PutUint32(buf[48:], 0) // flags
	binary.LittleEndian.PutUint16(buf[52:], uint16(elfHeaderSize))
	binary.LittleEndian.PutUint16(buf[54:], uint16(elfProgramHeaderSize))
	binary.LittleEndian.PutUint16(buf[56:], 1) // one program header
}

func fillProgramHeader(buf []byte, size uint64) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(buf[4:], uint32(elf.PF_R|elf.PF_W|elf.PF_X))
	binary.LittleEndian.PutUint64(buf[8:], segmentOffset)
	binary.LittleEndian.PutUint64(buf[16:], BaseAddress)
	binary.LittleEndian.PutUint64(buf[24:], BaseAddress)
	binary.LittleEndian.PutUint64(buf[32:], size)
	binary.LittleEndian.PutUint64(buf[40:], size)
	binary.LittleEndian.PutUint64(buf[48:], segmentAlignment)
}
