package vhdx

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// guidLE parses a dashed GUID string into the 16-byte little-endian ("bytes_le")
// layout Windows structures store on disk: the first three fields
// byte-reversed, the last two fields verbatim.
func guidLE(s string) [16]byte {
	hexDigits := strings.ReplaceAll(s, "-", "")
	raw, err := hex.DecodeString(hexDigits)
	if err != nil || len(raw) != 16 {
		panic("vhdx: malformed GUID literal " + s)
	}
	var out [16]byte
	out[0], out[1], out[2], out[3] = raw[3], raw[2], raw[1], raw[0]
	out[4], out[5] = raw[5], raw[4]
	out[6], out[7] = raw[7], raw[6]
	copy(out[8:], raw[8:])
	return out
}

var (
	metaFileParameters    = guidLE("caa16737-fa36-4d43-b3b6-33f0aa44e76b")
	metaVirtualDiskSize   = guidLE("2fa54224-cd1b-4876-b211-5dbed83bf4b8")
	metaLogicalSectorSize = guidLE("8141bf1d-a96f-4709-ba47-f233a8faab5f")
	metaPhysicalSectorSize = guidLE("cda348c7-445d-4471-9cc9-e9885251c556")
	metaVirtualDiskID     = guidLE("beca12ab-b2e6-4523-93ef-c309e000c746")
)

var metadataSignature = [8]byte{'m', 'e', 't', 'a', 'd', 'a', 't', 'a'}

// metadataInfo collects the handful of well-known metadata items this
// implementation needs (ground: the MetadataGUIDs parser table in
// vhdxutils.py; parent-locator metadata is not parsed, matching the
// differencing-format trim noted in vhdx.go's package doc).
type metadataInfo struct {
	blockSize         uint32
	leaveBlockAllocated bool
	diskSize          int64
	logicalSectorSize uint32
	physicalSectorSize uint32
	diskID            [16]byte
}

func parseMetadata(region []byte) (metadataInfo, error) {
	var sig [8]byte
	copy(sig[:], region[0:8])
	if sig != metadataSignature {
		return metadataInfo{}, fterrors.ErrBadVHDXHeader.WithMessage("metadata table signature mismatch")
	}
	count := binary.LittleEndian.Uint16(region[0x0A:0x0C])

	info := metadataInfo{logicalSectorSize: 512, physicalSectorSize: 512}
	for i := uint16(0); i < count; i++ {
		off := 32 + int(i)*32
		if off+32 > len(region) {
			break
		}
		var itemID [16]byte
		copy(itemID[:], region[off:off+16])
		offset := binary.LittleEndian.Uint32(region[off+0x10 : off+0x14])
		length := binary.LittleEndian.Uint32(region[off+0x14 : off+0x18])
		if int(offset)+int(length) > len(region) {
			continue
		}
		data := region[offset : offset+length]

		switch itemID {
		case metaFileParameters:
			info.blockSize = binary.LittleEndian.Uint32(data[0:4])
			flags := binary.LittleEndian.Uint32(data[4:8])
			info.leaveBlockAllocated = flags&1 != 0
		case metaVirtualDiskSize:
			info.diskSize = int64(binary.LittleEndian.Uint64(data[0:8]))
		case metaLogicalSectorSize:
			info.logicalSectorSize = binary.LittleEndian.Uint32(data[0:4])
		case metaPhysicalSectorSize:
			info.physicalSectorSize = binary.LittleEndian.Uint32(data[0:4])
		case metaVirtualDiskID:
			copy(info.diskID[:], data[0:16])
		}
	}
	if info.blockSize == 0 || info.diskSize == 0 {
		return metadataInfo{}, fterrors.ErrBadVHDXHeader.WithMessage("missing required metadata item")
	}
	return info, nil
}

func encodeMetadata(info metadataInfo) []byte {
	region := make([]byte, metadataRegionSize)
	copy(region[0:8], metadataSignature[:])
	binary.LittleEndian.PutUint16(region[0x0A:0x0C], 5)

	writeEntry := func(i int, guid [16]byte, offset, length uint32) {
		off := 32 + i*32
		copy(region[off:off+16], guid[:])
		binary.LittleEndian.PutUint32(region[off+0x10:off+0x14], offset)
		binary.LittleEndian.PutUint32(region[off+0x14:off+0x18], length)
		binary.LittleEndian.PutUint32(region[off+0x18:off+0x1C], 1<<1|1<<2) // IsRequired|IsVirtualDisk
	}

	dataOffset := uint32(1 << 16) // items start at the 64 KiB boundary, as required
	put := func(guid [16]byte, idx int, data []byte) {
		writeEntry(idx, guid, dataOffset, uint32(len(data)))
		copy(region[dataOffset:], data)
		dataOffset += uint32((len(data) + 7) / 8 * 8)
	}

	fileParams := make([]byte, 8)
	binary.LittleEndian.PutUint32(fileParams[0:4], info.blockSize)
	if info.leaveBlockAllocated {
		binary.LittleEndian.PutUint32(fileParams[4:8], 1)
	}
	put(metaFileParameters, 0, fileParams)

	diskSize := make([]byte, 8)
	binary.LittleEndian.PutUint64(diskSize, uint64(info.diskSize))
	put(metaVirtualDiskSize, 1, diskSize)

	logSec := make([]byte, 4)
	binary.LittleEndian.PutUint32(logSec, info.logicalSectorSize)
	put(metaLogicalSectorSize, 2, logSec)

	physSec := make([]byte, 4)
	binary.LittleEndian.PutUint32(physSec, info.physicalSectorSize)
	put(metaPhysicalSectorSize, 3, physSec)

	put(metaVirtualDiskID, 4, info.diskID[:])

	return region
}
