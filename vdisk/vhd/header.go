package vhd

import (
	"encoding/binary"

	fterrors "github.com/maxpat78/FATtools/errors"
)

const headerSize = 1024

var headerCookie = [8]byte{'c', 'x', 's', 'p', 'a', 'r', 's', 'e'}

// ParentLocator points at one of the (up to 8) stored copies of a
// differencing image's parent path, in a platform-specific encoding
// (ground: ParentLocator in vhdutils.py).
type ParentLocator struct {
	PlatformCode       [4]byte
	PlatformDataSpace  uint32
	PlatformDataLength uint32
	PlatformDataOffset uint64
}

func (p ParentLocator) encode() [24]byte {
	var buf [24]byte
	copy(buf[0x00:0x04], p.PlatformCode[:])
	binary.BigEndian.PutUint32(buf[0x04:0x08], p.PlatformDataSpace)
	binary.BigEndian.PutUint32(buf[0x08:0x0C], p.PlatformDataLength)
	binary.BigEndian.PutUint64(buf[0x10:0x18], p.PlatformDataOffset)
	return buf
}

func decodeParentLocator(buf []byte) ParentLocator {
	var p ParentLocator
	copy(p.PlatformCode[:], buf[0x00:0x04])
	p.PlatformDataSpace = binary.BigEndian.Uint32(buf[0x04:0x08])
	p.PlatformDataLength = binary.BigEndian.Uint32(buf[0x08:0x0C])
	p.PlatformDataOffset = binary.BigEndian.Uint64(buf[0x10:0x18])
	return p
}

// DynamicHeader is the 1024-byte structure following the footer copy in a
// Dynamic or Differencing VHD: where the BAT lives, how big each block is,
// and (for Differencing images) the parent's identity (ground:
// DynamicHeader in vhdutils.py).
type DynamicHeader struct {
	TableOffset        uint64
	MaxTableEntries    uint32
	BlockSize          uint32
	ParentUniqueID     [16]byte
	ParentTimestamp    uint32
	ParentUnicodeName  [512]byte // UTF-16BE, NUL padded
	Locators           [8]ParentLocator
}

func (h DynamicHeader) Encode() []byte {
	buf := make([]byte, headerSize)
	copy(buf[0x00:0x08], headerCookie[:])
	binary.BigEndian.PutUint64(buf[0x08:0x10], 0xFFFFFFFFFFFFFFFF)
	binary.BigEndian.PutUint64(buf[0x10:0x18], h.TableOffset)
	binary.BigEndian.PutUint32(buf[0x18:0x1C], 0x10000)
	binary.BigEndian.PutUint32(buf[0x1C:0x20], h.MaxTableEntries)
	binary.BigEndian.PutUint32(buf[0x20:0x24], h.BlockSize)
	// 0x24:0x28 checksum, filled below
	copy(buf[0x28:0x38], h.ParentUniqueID[:])
	binary.BigEndian.PutUint32(buf[0x38:0x3C], h.ParentTimestamp)
	copy(buf[0x40:0x240], h.ParentUnicodeName[:])
	for i, loc := range h.Locators {
		enc := loc.encode()
		copy(buf[0x240+i*24:0x240+i*24+24], enc[:])
	}
	binary.BigEndian.PutUint32(buf[0x24:0x28], vhdChecksum(buf))
	return buf
}

func DecodeDynamicHeader(buf []byte) (DynamicHeader, error) {
	if len(buf) != headerSize {
		return DynamicHeader{}, fterrors.ErrBadVHDFooter.WithMessage("dynamic header must be exactly 1024 bytes")
	}
	var cookie [8]byte
	copy(cookie[:], buf[0x00:0x08])
	if cookie != headerCookie {
		return DynamicHeader{}, fterrors.ErrBadVHDFooter.WithMessage("missing 'cxsparse' cookie")
	}

	check := make([]byte, headerSize)
	copy(check, buf)
	binary.BigEndian.PutUint32(check[0x24:0x28], 0)
	want := binary.BigEndian.Uint32(buf[0x24:0x28])
	if vhdChecksum(check) != want {
		return DynamicHeader{}, fterrors.ErrBadVHDFooter.WithMessage("dynamic header checksum mismatch")
	}

	var h DynamicHeader
	h.TableOffset = binary.BigEndian.Uint64(buf[0x10:0x18])
	h.MaxTableEntries = binary.BigEndian.Uint32(buf[0x1C:0x20])
	h.BlockSize = binary.BigEndian.Uint32(buf[0x20:0x24])
	copy(h.ParentUniqueID[:], buf[0x28:0x38])
	h.ParentTimestamp = binary.BigEndian.Uint32(buf[0x38:0x3C])
	copy(h.ParentUnicodeName[:], buf[0x40:0x240])
	for i := range h.Locators {
		h.Locators[i] = decodeParentLocator(buf[0x240+i*24 : 0x240+i*24+24])
	}
	return h, nil
}
