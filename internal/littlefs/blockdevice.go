// Package littlefs binds a partio.PartitionIO as a LittleFS-v2 block
// device (spec C8), wraps it with the filesystem operations the CLI's
// --fs directive needs, and implements their cp -r-style recursive
// semantics.
//
// Ground: other_examples/bgould-go-littlefs__block_device_flash.go for the
// ReadBlock/ProgramBlock/EraseBlock/Sync block device shape expected by
// github.com/bgould/go-littlefs, and original_source's lfs.py for the
// command surface (ls/cat/get/put/mkdir/rm/rename/mkfs/grow/df) and its
// cp -r semantics.
package littlefs

import (
	"context"

	lfs "github.com/bgould/go-littlefs"

	"github.com/espfw/esp32img/internal/esperr"
	"github.com/espfw/esp32img/internal/partio"
)

// blockSize is LittleFS's read/prog/erase-size, fixed to the flash block
// size per spec.md §4.8.
const blockSize = 0x1000

// blockDevice adapts a *partio.PartitionIO to the ReadBlock/ProgramBlock/
// EraseBlock/Sync contract go-littlefs's lfs.Config expects of its backing
// store.
type blockDevice struct {
	ctx context.Context
	pio *partio.PartitionIO
}

func (bd *blockDevice) ReadBlock(block, offset uint32, buf []byte) error {
	data, err := bd.pio.Read(bd.ctx, uint64(block)*blockSize+uint64(offset), len(buf))
	if err != nil {
		return err
	}
	copy(buf, data)
	return nil
}

func (bd *blockDevice) ProgramBlock(block, offset uint32, buf []byte) error {
	return bd.pio.Write(bd.ctx, uint64(block)*blockSize+uint64(offset), buf)
}

func (bd *blockDevice) EraseBlock(block uint32) error {
	return bd.pio.Erase(bd.ctx, uint64(block)*blockSize, blockSize)
}

func (bd *blockDevice) Sync() error { return nil }

// configFor returns the lfs.Config for a partition with the given block
// count, mirroring FlashLFSConfig's field set.
func configFor(blockCount uint32) lfs.Config {
	return lfs.Config{
		ReadSize:      blockSize,
		ProgSize:      blockSize,
		BlockSize:     blockSize,
		BlockCount:    blockCount,
		CacheSize:     blockSize,
		LookaheadSize: 512,
		BlockCycles:   100,
	}
}

func blockCountFor(pio *partio.PartitionIO) uint32 {
	return uint32(pio.Size() / blockSize)
}

func wrapFsErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return esperr.Fs("%s %q: %v", op, path, err)
}
