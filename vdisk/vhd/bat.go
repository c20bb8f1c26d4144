package vhd

import (
	"encoding/binary"
	"io"

	fterrors "github.com/maxpat78/FATtools/errors"
)

const unallocatedBlock = 0xFFFFFFFF

// blockAllocationTable is the on-disk array of 32-bit sector pointers, one
// per block, read and written lazily through the backing stream (ground:
// BAT in vhdutils.py, restructured from a stateful Python class holding a
// reference to the image's own `stream` into one that takes the stream as
// an explicit io.ReadWriteSeeker argument per call, matching this repo's
// preference for explicit state over hidden object references).
type blockAllocationTable struct {
	offset  int64 // byte offset of the table's first entry
	entries uint32
	cache   map[uint32]uint32
}

func newBAT(offset int64, entries uint32) *blockAllocationTable {
	return &blockAllocationTable{offset: offset, entries: entries, cache: make(map[uint32]uint32)}
}

func (b *blockAllocationTable) get(stream io.ReadWriteSeeker, index uint32) (uint32, error) {
	if index >= b.entries {
		return 0, fterrors.ErrIoError.WithMessage("BAT index past end of table")
	}
	if v, ok := b.cache[index]; ok {
		return v, nil
	}
	var raw [4]byte
	if _, err := stream.Seek(b.offset+int64(index)*4, io.SeekStart); err != nil {
		return 0, fterrors.ErrIoError.WrapError(err)
	}
	if _, err := io.ReadFull(stream, raw[:]); err != nil {
		return 0, fterrors.ErrIoError.WrapError(err)
	}
	v := binary.BigEndian.Uint32(raw[:])
	b.cache[index] = v
	return v, nil
}

func (b *blockAllocationTable) set(stream io.ReadWriteSeeker, index uint32, value uint32) error {
	if index >= b.entries {
		return fterrors.ErrIoError.WithMessage("BAT index past end of table")
	}
	b.cache[index] = value
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], value)
	if _, err := stream.Seek(b.offset+int64(index)*4, io.SeekStart); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	if _, err := stream.Write(raw[:]); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	return nil
}

// blockBitmap tracks, within one allocated block, which of its sectors
// hold data of their own versus fall through to the parent image (ground:
// BlockBitmap in vhdutils.py; bit order is MSB-first within each byte, per
// the VHD spec).
type blockBitmap struct {
	bits []byte
}

func (bm blockBitmap) isSet(sector int) bool {
	return bm.bits[sector/8]&(0x80>>(uint(sector)%8)) != 0
}

func (bm blockBitmap) setRange(first, count int, clear bool) {
	for s := first; s < first+count; s++ {
		mask := byte(0x80 >> (uint(s) % 8))
		if clear {
			bm.bits[s/8] &^= mask
		} else {
			bm.bits[s/8] |= mask
		}
	}
}

func bitmapSectorsFor(blockSize uint32) int64 {
	size := int64(512)
	if v := int64(blockSize/512) / 8; v > size {
		size = v
	}
	return size
}
