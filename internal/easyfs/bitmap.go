package easyfs

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Bitmap manages a run of allocation bits spread over consecutive blocks,
// one bit per managed unit. Each block is viewed as 64 little-endian u64
// words, 4096 bits in all.
type Bitmap struct {
	startBlockID uint64
	blocks       uint64
}

// NewBitmap covers blocks consecutive bitmap blocks starting at
// startBlockID.
func NewBitmap(startBlockID, blocks uint64) *Bitmap {
	return &Bitmap{startBlockID: startBlockID, blocks: blocks}
}

// Alloc finds, sets, and returns the first clear bit, scanning every
// bitmap block in order. Returns false when the bitmap is full.
func (b *Bitmap) Alloc(mgr *CacheManager, dev BlockDevice) (uint64, bool, error) {
	for blockOffset := uint64(0); blockOffset < b.blocks; blockOffset++ {
		var bit uint64
		var found bool
		err := mgr.With(b.startBlockID+blockOffset, dev, func(c *BlockCache) {
			c.Modify(0, BlockSize, func(buf []byte) {
				for wordIdx := 0; wordIdx < BlockSize/8; wordIdx++ {
					word := binary.LittleEndian.Uint64(buf[wordIdx*8:])
					if word == ^uint64(0) {
						continue
					}
					// Position of the lowest zero bit: the count of
					// trailing ones.
					bitIdx := bits.TrailingZeros64(^word)
					binary.LittleEndian.PutUint64(buf[wordIdx*8:], word|1<<bitIdx)
					bit = blockOffset*BlockBits + uint64(wordIdx)*64 + uint64(bitIdx)
					found = true
					return
				}
			})
		})
		if err != nil {
			return 0, false, err
		}
		if found {
			return bit, true, nil
		}
	}
	return 0, false, nil
}

// decomposition splits a bit index into (bitmap block, word index, bit
// index within the word).
func decomposition(bit uint64) (blockOffset, wordIdx, bitIdx uint64) {
	blockOffset = bit / BlockBits
	bit %= BlockBits
	return blockOffset, bit / 64, bit % 64
}

// Dealloc clears a previously allocated bit. Clearing a clear bit is an
// allocator invariant violation and faults.
func (b *Bitmap) Dealloc(mgr *CacheManager, dev BlockDevice, bit uint64) error {
	blockOffset, wordIdx, bitIdx := decomposition(bit)
	if blockOffset >= b.blocks {
		panic(fmt.Sprintf("easyfs: dealloc of bit %d outside bitmap", bit))
	}
	return mgr.With(b.startBlockID+blockOffset, dev, func(c *BlockCache) {
		c.Modify(0, BlockSize, func(buf []byte) {
			word := binary.LittleEndian.Uint64(buf[wordIdx*8:])
			if word&(1<<bitIdx) == 0 {
				panic(fmt.Sprintf("easyfs: dealloc of free bit %d", bit))
			}
			binary.LittleEndian.PutUint64(buf[wordIdx*8:], word&^(1<<bitIdx))
		})
	})
}
