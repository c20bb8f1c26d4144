package vhdx

import (
	"crypto/rand"
	"os"

	fterrors "github.com/maxpat78/FATtools/errors"
)

const defaultBlockSize = 32 << 20

var fileTypeSignature = [8]byte{'v', 'h', 'd', 'x', 'f', 'i', 'l', 'e'}

// CreateDynamic creates an empty Dynamic VHDX: file type identifier, both
// header copies, both region table copies, the metadata region, and a
// fully-unallocated BAT, with no payload blocks written until first use
// (ground: mk_dynamic in vhdxutils.py, restricted to the non-differencing
// layout this package supports).
func CreateDynamic(path string, size int64, blockSize uint32) error {
	if blockSize == 0 {
		blockSize = defaultBlockSize
	}

	f, err := os.Create(path)
	if err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	defer f.Close()

	idBuf := make([]byte, 64<<10)
	copy(idBuf[0:8], fileTypeSignature[:])
	if _, err := f.WriteAt(idBuf, 0); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}

	var diskID [16]byte
	rand.Read(diskID[:])

	header := Header{
		SequenceNumber: 1,
		LogLength:      1 << 20,
		LogOffset:      1 << 20,
	}
	if _, err := f.WriteAt(header.encode(), header1Offset); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	if _, err := f.WriteAt(header.encode(), header2Offset); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}

	batSize, _ := getBATFacts(size, blockSize, 512)
	const metadataOffset = 2 << 20
	batOffset := int64(3 << 20)

	rt := encodeRegionTableFor(metadataOffset, batOffset, uint32(batSize))
	if _, err := f.WriteAt(rt, regionTable1Offset); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	if _, err := f.WriteAt(rt, regionTable2Offset); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}

	meta := encodeMetadata(metadataInfo{
		blockSize:          blockSize,
		diskSize:           size,
		logicalSectorSize:  512,
		physicalSectorSize: 512,
		diskID:             diskID,
	})
	if _, err := f.WriteAt(meta, metadataOffset); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}

	// BAT entries default to all-zero (payloadNotPresent), so the region
	// just needs to exist at its full size.
	if err := f.Truncate(batOffset + int64(batSize)); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	return nil
}

func encodeRegionTableFor(metadataOffset, batOffset int64, batLength uint32) []byte {
	buf := encodeRegionTable()
	writeEntryOffset(buf, 0, metadataOffset, metadataRegionSize)
	writeEntryOffset(buf, 1, batOffset, batLength)
	// Recompute checksum after patching offsets/lengths in place.
	copy(buf[0x04:0x08], []byte{0, 0, 0, 0})
	csum := vhdxChecksum(buf, 0x04)
	putUint32LE(buf[0x04:0x08], csum)
	return buf
}

func writeEntryOffset(buf []byte, index int, offset int64, length uint32) {
	off := 16 + index*32
	putUint64LE(buf[off+0x10:off+0x18], uint64(offset))
	putUint32LE(buf[off+0x18:off+0x1C], length)
}

func putUint32LE(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
