package easyfs

import "fmt"

// EasyFS ties a device, its cache, the superblock, and the two allocation
// bitmaps together.
type EasyFS struct {
	Dev   BlockDevice
	Cache *CacheManager
	Super SuperBlock

	InodeBitmap *Bitmap
	DataBitmap  *Bitmap
}

func (fs *EasyFS) buildBitmaps() {
	fs.InodeBitmap = NewBitmap(1, uint64(fs.Super.InodeBitmapBlocks))
	fs.DataBitmap = NewBitmap(
		1+uint64(fs.Super.InodeBitmapBlocks)+uint64(fs.Super.InodeAreaBlocks),
		uint64(fs.Super.DataBitmapBlocks),
	)
}

// Format lays a fresh filesystem onto the device: zeroed metadata regions
// and an initialized superblock at block 0.
func Format(dev BlockDevice, totalBlocks, inodeBitmapBlocks, inodeAreaBlocks, dataBitmapBlocks, dataAreaBlocks uint32) (*EasyFS, error) {
	fs := &EasyFS{Dev: dev, Cache: NewCacheManager()}

	metaBlocks := 1 + uint64(inodeBitmapBlocks) + uint64(inodeAreaBlocks) + uint64(dataBitmapBlocks)
	for id := uint64(0); id < metaBlocks; id++ {
		err := fs.Cache.With(id, dev, func(c *BlockCache) {
			c.Modify(0, BlockSize, func(buf []byte) {
				clear(buf)
			})
		})
		if err != nil {
			return nil, err
		}
	}

	fs.Super.Initialize(totalBlocks, inodeBitmapBlocks, inodeAreaBlocks, dataBitmapBlocks, dataAreaBlocks)
	if err := fs.Super.Store(fs.Cache, dev); err != nil {
		return nil, err
	}
	fs.buildBitmaps()
	if err := fs.Cache.SyncAll(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Open mounts an existing filesystem, validating the superblock.
func Open(dev BlockDevice) (*EasyFS, error) {
	fs := &EasyFS{Dev: dev, Cache: NewCacheManager()}
	if err := fs.Super.Load(fs.Cache, dev); err != nil {
		return nil, err
	}
	if !fs.Super.IsValid() {
		return nil, fmt.Errorf("easyfs: bad magic %#x", fs.Super.Magic)
	}
	fs.buildBitmaps()
	return fs, nil
}
