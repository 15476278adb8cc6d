// Command mkfs formats an easy-fs disk image.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/rvkern/rvkern/internal/easyfs"
)

func run() error {
	out := flag.String("o", "fs.img", "output image path")
	total := flag.Uint("total", 1000, "total filesystem blocks")
	inodeBitmap := flag.Uint("inode-bitmap", 1, "inode bitmap blocks")
	inodeArea := flag.Uint("inode-area", 8, "inode area blocks")
	dataBitmap := flag.Uint("data-bitmap", 1, "data bitmap blocks")
	flag.Parse()

	meta := 1 + *inodeBitmap + *inodeArea + *dataBitmap
	if *total <= meta {
		return fmt.Errorf("total blocks %d too small for %d metadata blocks", *total, meta)
	}
	dataArea := *total - meta

	if err := os.Remove(*out); err != nil && !os.IsNotExist(err) {
		return err
	}
	disk, err := easyfs.OpenFileDisk(*out)
	if err != nil {
		return err
	}
	defer disk.Close()

	// Zero the whole image so the data area reads back clean.
	bar := progressbar.Default(int64(*total), "zeroing")
	var zero [easyfs.BlockSize]byte
	for id := uint64(0); id < uint64(*total); id++ {
		if err := disk.WriteBlock(id, zero[:]); err != nil {
			return err
		}
		bar.Add(1)
	}

	fs, err := easyfs.Format(disk,
		uint32(*total), uint32(*inodeBitmap), uint32(*inodeArea),
		uint32(*dataBitmap), uint32(dataArea))
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d blocks (inode bitmap %d, inode area %d, data bitmap %d, data area %d)\n",
		*out, fs.Super.TotalBlocks, fs.Super.InodeBitmapBlocks, fs.Super.InodeAreaBlocks,
		fs.Super.DataBitmapBlocks, fs.Super.DataAreaBlocks)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mkfs:", err)
		os.Exit(1)
	}
}
