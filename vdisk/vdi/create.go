package vdi

import (
	"os"

	fterrors "github.com/maxpat78/FATtools/errors"
)

const defaultBlockSize = 1 << 20

// CreateDynamic creates an empty Dynamic VDI: header, a fully-unallocated
// BAT, no payload blocks until first write (ground: mk_dynamic in
// vdiutils.py).
func CreateDynamic(path string, size int64, blockSize uint32) error {
	if blockSize == 0 {
		blockSize = defaultBlockSize
	}
	totalBlocks := uint32((size + int64(blockSize) - 1) / int64(blockSize))

	batOffset := uint32(headerSize)
	batBytes := totalBlocks * 4
	blocksOffset := align(batOffset+batBytes, 512)

	h := Header{
		Type:         ImageDynamic,
		BATOffset:    batOffset,
		BlocksOffset: blocksOffset,
		SectorSize:   512,
		CurrentSize:  uint64(size),
		BlockSize:    blockSize,
		TotalBlocks:  totalBlocks,
	}

	f, err := os.Create(path)
	if err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	defer f.Close()

	if _, err := f.Write(h.encode("Go VDI dynamic image")); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}

	batBuf := make([]byte, batBytes)
	for i := range batBuf {
		batBuf[i] = 0xFF
	}
	if _, err := f.WriteAt(batBuf, int64(batOffset)); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	if err := f.Truncate(int64(blocksOffset)); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	return nil
}

// CreateFixed creates a Fixed VDI with every block pre-allocated and
// zero-filled (ground: mk_fixed in vdiutils.py).
func CreateFixed(path string, size int64, blockSize uint32) error {
	if blockSize == 0 {
		blockSize = defaultBlockSize
	}
	totalBlocks := uint32((size + int64(blockSize) - 1) / int64(blockSize))

	batOffset := uint32(headerSize)
	batBytes := totalBlocks * 4
	blocksOffset := align(batOffset+batBytes, 512)

	h := Header{
		Type:         ImageFixed,
		BATOffset:    batOffset,
		BlocksOffset: blocksOffset,
		SectorSize:   512,
		CurrentSize:  uint64(size),
		BlockSize:    blockSize,
		TotalBlocks:  totalBlocks,
	}

	f, err := os.Create(path)
	if err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	defer f.Close()

	if _, err := f.Write(h.encode("Go VDI fixed image")); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}

	batBuf := make([]byte, batBytes)
	for i := uint32(0); i < totalBlocks; i++ {
		batBuf[i*4+0] = byte(i)
		batBuf[i*4+1] = byte(i >> 8)
		batBuf[i*4+2] = byte(i >> 16)
		batBuf[i*4+3] = byte(i >> 24)
	}
	if _, err := f.WriteAt(batBuf, int64(batOffset)); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	if err := f.Truncate(int64(blocksOffset) + int64(totalBlocks)*int64(blockSize)); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	return nil
}

func align(v, to uint32) uint32 {
	if v%to == 0 {
		return v
	}
	return v + (to - v%to)
}
