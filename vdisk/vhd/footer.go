// Package vhd implements the Microsoft Virtual Hard Disk container format:
// Fixed (flat image + trailing footer), Dynamic (block-allocated, grows on
// write) and Differencing (overlay over a parent image) variants (spec
// §4.3.1).
//
// Ground: original_source/FATtools/vhdutils.py (Footer/DynamicHeader/BAT/
// Image/ParentLocator/BlockBitmap classes and the mk_fixed/mk_dynamic/
// mk_diff creation routines), restructured from its stateful seek-then-
// read/write Image into Go's io.ReadWriteSeeker idiom so it plugs straight
// into blockdev.NewStreamDevice (ground for the adaptation:
// blockdev/memory.go's bytesextra wrapping of a flat byte buffer the same
// way a Fixed VHD wraps a flat disk image).
package vhd

import (
	"encoding/binary"
	"time"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// DiskType identifies which of the three VHD variants a Footer describes.
type DiskType uint32

const (
	DiskTypeFixed        DiskType = 2
	DiskTypeDynamic      DiskType = 3
	DiskTypeDifferencing DiskType = 4
)

const footerSize = 512

var footerCookie = [8]byte{'c', 'o', 'n', 'e', 'c', 't', 'i', 'x'}

// Footer is the 512-byte trailer (and, for Dynamic/Differencing images,
// also the leading copy) every VHD carries. Field names and the BigEndian
// wire layout follow the Microsoft VHD spec exactly as mkfat's sibling
// vhdutils.py lays it out.
type Footer struct {
	Features          uint32
	FileFormatVersion uint32
	DataOffset        uint64 // 0xFFFFFFFFFFFFFFFF for Fixed images
	Timestamp         uint32 // seconds since 2000-01-01 00:00 UTC
	CreatorApp        [4]byte
	CreatorVersion    uint32
	CreatorHost       [4]byte
	OriginalSize      uint64
	CurrentSize       uint64
	DiskGeometry      [4]byte // pseudo CHS, see calcCHS
	DiskType          DiskType
	UniqueID          [16]byte
	SavedState        byte
}

// vhdEpoch is the VHD timestamp base, 2000-01-01 00:00:00 UTC.
var vhdEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func vhdChecksum(buf []byte) uint32 {
	var sum uint32
	for _, b := range buf {
		sum += uint32(b)
	}
	return ^sum
}

// Encode renders f into its 512-byte on-disk representation, computing and
// embedding the running-sum checksum (ground: mk_crc in vhdutils.py).
func (f Footer) Encode() []byte {
	buf := make([]byte, footerSize)
	copy(buf[0x00:0x08], footerCookie[:])
	binary.BigEndian.PutUint32(buf[0x08:0x0C], f.Features)
	binary.BigEndian.PutUint32(buf[0x0C:0x10], f.FileFormatVersion)
	binary.BigEndian.PutUint64(buf[0x10:0x18], f.DataOffset)
	binary.BigEndian.PutUint32(buf[0x18:0x1C], f.Timestamp)
	copy(buf[0x1C:0x20], f.CreatorApp[:])
	binary.BigEndian.PutUint32(buf[0x20:0x24], f.CreatorVersion)
	copy(buf[0x24:0x28], f.CreatorHost[:])
	binary.BigEndian.PutUint64(buf[0x28:0x30], f.OriginalSize)
	binary.BigEndian.PutUint64(buf[0x30:0x38], f.CurrentSize)
	copy(buf[0x38:0x3C], f.DiskGeometry[:])
	binary.BigEndian.PutUint32(buf[0x3C:0x40], uint32(f.DiskType))
	// 0x40:0x44 checksum, filled below
	copy(buf[0x44:0x54], f.UniqueID[:])
	buf[0x54] = f.SavedState
	binary.BigEndian.PutUint32(buf[0x40:0x44], vhdChecksum(buf))
	return buf
}

// DecodeFooter parses a 512-byte VHD footer and validates its cookie,
// checksum and disk type; the creator host is not checked (ground:
// Footer.isvalid in vhdutils.py).
func DecodeFooter(buf []byte) (Footer, error) {
	if len(buf) != footerSize {
		return Footer{}, fterrors.ErrBadVHDFooter.WithMessage("footer must be exactly 512 bytes")
	}
	var cookie [8]byte
	copy(cookie[:], buf[0x00:0x08])
	if cookie != footerCookie {
		return Footer{}, fterrors.ErrBadVHDFooter.WithMessage("missing 'conectix' cookie")
	}

	check := make([]byte, footerSize)
	copy(check, buf)
	binary.BigEndian.PutUint32(check[0x40:0x44], 0)
	want := binary.BigEndian.Uint32(buf[0x40:0x44])
	if vhdChecksum(check) != want {
		return Footer{}, fterrors.ErrBadVHDFooter.WithMessage("checksum mismatch")
	}

	var f Footer
	f.Features = binary.BigEndian.Uint32(buf[0x08:0x0C])
	f.FileFormatVersion = binary.BigEndian.Uint32(buf[0x0C:0x10])
	f.DataOffset = binary.BigEndian.Uint64(buf[0x10:0x18])
	f.Timestamp = binary.BigEndian.Uint32(buf[0x18:0x1C])
	copy(f.CreatorApp[:], buf[0x1C:0x20])
	f.CreatorVersion = binary.BigEndian.Uint32(buf[0x20:0x24])
	copy(f.CreatorHost[:], buf[0x24:0x28])
	f.OriginalSize = binary.BigEndian.Uint64(buf[0x28:0x30])
	f.CurrentSize = binary.BigEndian.Uint64(buf[0x30:0x38])
	copy(f.DiskGeometry[:], buf[0x38:0x3C])
	f.DiskType = DiskType(binary.BigEndian.Uint32(buf[0x3C:0x40]))
	copy(f.UniqueID[:], buf[0x44:0x54])
	f.SavedState = buf[0x54]

	if f.DiskType != DiskTypeFixed && f.DiskType != DiskTypeDynamic && f.DiskType != DiskTypeDifferencing {
		return Footer{}, fterrors.ErrBadVHDFooter.WithMessage("unknown disk type")
	}
	return f, nil
}

// calcCHS computes the pseudo CHS geometry VHD footers store for a disk of
// the given size, following the exact bracket rules Windows expects (ground:
// mk_chs in vhdutils.py).
func calcCHS(size int64) [4]byte {
	sectors := size / 512
	const maxSectors = 65535 * 16 * 255
	if sectors > maxSectors {
		sectors = maxSectors
	}

	var spt, heads int64
	var cth int64
	if sectors >= 65535*16*63 {
		spt, heads = 255, 16
		cth = sectors / spt
	} else {
		spt = 17
		cth = sectors / spt
		heads = (cth + 1023) / 1024
		if heads < 4 {
			heads = 4
		}
		if cth >= heads*1024 || heads > 16 {
			spt, heads = 31, 16
			cth = sectors / spt
		}
		if cth >= heads*1024 {
			spt, heads = 63, 16
			cth = sectors / spt
		}
	}
	cyl := cth / heads

	var geo [4]byte
	binary.BigEndian.PutUint16(geo[0:2], uint16(cyl))
	geo[2] = byte(heads)
	geo[3] = byte(spt)
	return geo
}

func vhdTimestamp(t time.Time) uint32 {
	return uint32(t.Unix() - vhdEpoch.Unix())
}
