package easyfs

import "encoding/binary"

// Magic identifies an easy-fs image.
const Magic uint32 = 0x3b80_0001

// SuperBlock is the filesystem header at block 0: the magic, the total
// block count, and the sizes of the four consecutive regions that follow
// (inode bitmap, inode area, data bitmap, data area).
type SuperBlock struct {
	Magic             uint32
	TotalBlocks       uint32
	InodeBitmapBlocks uint32
	InodeAreaBlocks   uint32
	DataBitmapBlocks  uint32
	DataAreaBlocks    uint32
}

// superBlockSize is the on-disk size: six u32 fields.
const superBlockSize = 24

// Initialize fills in a fresh superblock.
func (sb *SuperBlock) Initialize(totalBlocks, inodeBitmapBlocks, inodeAreaBlocks, dataBitmapBlocks, dataAreaBlocks uint32) {
	*sb = SuperBlock{
		Magic:             Magic,
		TotalBlocks:       totalBlocks,
		InodeBitmapBlocks: inodeBitmapBlocks,
		InodeAreaBlocks:   inodeAreaBlocks,
		DataBitmapBlocks:  dataBitmapBlocks,
		DataAreaBlocks:    dataAreaBlocks,
	}
}

// IsValid checks the magic.
func (sb *SuperBlock) IsValid() bool {
	return sb.Magic == Magic
}

func (sb *SuperBlock) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], sb.Magic)
	binary.LittleEndian.PutUint32(buf[4:], sb.TotalBlocks)
	binary.LittleEndian.PutUint32(buf[8:], sb.InodeBitmapBlocks)
	binary.LittleEndian.PutUint32(buf[12:], sb.InodeAreaBlocks)
	binary.LittleEndian.PutUint32(buf[16:], sb.DataBitmapBlocks)
	binary.LittleEndian.PutUint32(buf[20:], sb.DataAreaBlocks)
}

func (sb *SuperBlock) decode(buf []byte) {
	sb.Magic = binary.LittleEndian.Uint32(buf[0:])
	sb.TotalBlocks = binary.LittleEndian.Uint32(buf[4:])
	sb.InodeBitmapBlocks = binary.LittleEndian.Uint32(buf[8:])
	sb.InodeAreaBlocks = binary.LittleEndian.Uint32(buf[12:])
	sb.DataBitmapBlocks = binary.LittleEndian.Uint32(buf[16:])
	sb.DataAreaBlocks = binary.LittleEndian.Uint32(buf[20:])
}

// Store writes the superblock into block 0 through the cache.
func (sb *SuperBlock) Store(mgr *CacheManager, dev BlockDevice) error {
	return mgr.With(0, dev, func(c *BlockCache) {
		c.Modify(0, superBlockSize, sb.encode)
	})
}

// Load reads the superblock from block 0 through the cache.
func (sb *SuperBlock) Load(mgr *CacheManager, dev BlockDevice) error {
	return mgr.With(0, dev, func(c *BlockCache) {
		c.Read(0, superBlockSize, sb.decode)
	})
}
