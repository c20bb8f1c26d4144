package vhdx

import (
	"encoding/binary"
	"io"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// BAT entry payload states (ground: the blk_s bitfield check in
// vhdutils.py's BAT._isvalid, restricted to the two states a non-
// differencing image actually produces).
const (
	payloadNotPresent   = 0
	payloadFullyPresent = 6
)

type bat struct {
	offset  int64
	entries uint32
	cache   map[uint32]uint64
}

func newBAT(offset int64, entries uint32) *bat {
	return &bat{offset: offset, entries: entries, cache: make(map[uint32]uint64)}
}

func (b *bat) get(stream io.ReadWriteSeeker, index uint32) (state uint64, fileOffset int64, err error) {
	if index >= b.entries {
		return 0, 0, fterrors.ErrIoError.WithMessage("VHDX BAT index past end of table")
	}
	raw, ok := b.cache[index]
	if !ok {
		var buf [8]byte
		if _, err := stream.Seek(b.offset+int64(index)*8, io.SeekStart); err != nil {
			return 0, 0, fterrors.ErrIoError.WrapError(err)
		}
		if _, err := io.ReadFull(stream, buf[:]); err != nil {
			return 0, 0, fterrors.ErrIoError.WrapError(err)
		}
		raw = binary.LittleEndian.Uint64(buf[:])
		b.cache[index] = raw
	}
	return raw & 0x7, int64(raw>>20) << 20, nil
}

func (b *bat) set(stream io.ReadWriteSeeker, index uint32, state uint64, fileOffset int64) error {
	if index >= b.entries {
		return fterrors.ErrIoError.WithMessage("VHDX BAT index past end of table")
	}
	raw := (uint64(fileOffset) &^ 0xFFFFF) | (state & 0x7)
	b.cache[index] = raw
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], raw)
	if _, err := stream.Seek(b.offset+int64(index)*8, io.SeekStart); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	_, err := stream.Write(buf[:])
	return fterrors.ErrIoError.WrapError(err)
}
