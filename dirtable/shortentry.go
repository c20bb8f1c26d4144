// Package dirtable packs and unpacks directory entries (classic FAT short
// and long-name slots, and exFAT entry groups), and maintains the free-slot
// and name indexes that let a directory table create, erase, rename, and
// walk its children without rescanning the whole table on every call (spec
// §4.8).
//
// Ground: drivers/fat/dirent.go's RawDirent/Dirent split (raw on-disk bytes
// vs. a friendlier decoded view) in the teacher repo, widened from
// dargueta/disko's read-only Dirent to a read/write ShortEntry, LFNEntry,
// and ExFATGroup, and original_source/FATtools/FAT.py's FATDirentry class
// for the bit-for-bit short-name/LFN packing the teacher doesn't implement
// (it has no writer).
package dirtable

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/maxpat78/FATtools/internal/bitutil"
	"github.com/maxpat78/FATtools/internal/dostime"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// Attribute flags for a FAT short entry (spec §4.8.1).
const (
	AttrReadOnly = 0x01
	AttrHidden   = 0x02
	AttrSystem   = 0x04
	AttrVolumeID = 0x08
	AttrDir      = 0x10
	AttrArchive  = 0x20
	AttrLFN      = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID
)

// Case-flags byte bits (NT reserved byte, offset 0x0C): lower-case rendering
// of the basename and extension respectively, used when a name stored as a
// short entry is actually a same-case-preserving lowercase name.
const (
	caseFlagLowerBase = 0x08
	caseFlagLowerExt  = 0x10
)

const erasedMarker = 0xE5
const literalE5Marker = 0x05

// ShortEntrySize is the fixed size of a packed FAT short entry and of each
// LFN slot.
const ShortEntrySize = 32

// ShortEntry is the decoded form of a FAT 8.3 directory entry.
type ShortEntry struct {
	Basename     string // up to 8 characters, case-normalized already applied
	Extension    string // up to 3 characters
	Attributes   byte
	CaseFlags    byte
	Created      time.Time
	LastAccessed time.Time // date only; time-of-day is always midnight
	LastModified time.Time
	FirstCluster uint32
	Size         uint32
	Erased       bool
}

// IsDir reports whether the entry's attribute byte marks it a directory.
func (e ShortEntry) IsDir() bool { return e.Attributes&AttrDir != 0 }

// IsVolumeLabel reports whether the entry is the special root-directory
// volume label slot rather than an ordinary file or directory.
func (e ShortEntry) IsVolumeLabel() bool { return e.Attributes&AttrVolumeID != 0 }

// Name reconstructs the displayable 8.3 name, applying the lowercase-render
// flags and re-joining basename and extension with a dot.
func (e ShortEntry) Name() string {
	base := e.Basename
	if e.CaseFlags&caseFlagLowerBase != 0 {
		base = strings.ToLower(base)
	}
	ext := e.Extension
	if e.CaseFlags&caseFlagLowerExt != 0 {
		ext = strings.ToLower(ext)
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// rawNameBytes packs Basename and Extension into the 11-byte field shared by
// the short entry and by the LFN checksum (spec §4.8.1).
func (e ShortEntry) rawNameBytes() [11]byte {
	var raw [11]byte
	for i := 0; i < 11; i++ {
		raw[i] = ' '
	}
	copy(raw[:8], []byte(e.Basename))
	copy(raw[8:11], []byte(e.Extension))
	if e.Erased {
		raw[0] = erasedMarker
	} else if len(e.Basename) > 0 && e.Basename[0] == '\xE5' {
		raw[0] = literalE5Marker
	}
	return raw
}

// ShortNameChecksum returns the checksum every LFN slot belonging to this
// entry's group must carry, computed over the packed 11-byte name (spec
// §4.8.1, testable property #5). It is exported because the LFN encoder on
// the table side needs it before the short entry itself has been written.
func ShortNameChecksum(basename, extension string) byte {
	e := ShortEntry{Basename: basename, Extension: extension}
	return bitutil.ShortNameChecksum(e.rawNameBytes())
}

// Encode packs the entry into its 32-byte on-disk representation.
func (e ShortEntry) Encode() []byte {
	buf := make([]byte, ShortEntrySize)
	copy(buf[0:11], e.rawNameBytes()[:])
	buf[11] = e.Attributes
	buf[12] = e.CaseFlags

	cDate, cTime, cHundredths := dostime.ToParts(e.Created)
	buf[13] = cHundredths
	binary.LittleEndian.PutUint16(buf[14:16], cTime)
	binary.LittleEndian.PutUint16(buf[16:18], cDate)

	aDate, _, _ := dostime.ToParts(e.LastAccessed)
	binary.LittleEndian.PutUint16(buf[18:20], aDate)

	binary.LittleEndian.PutUint16(buf[20:22], uint16(e.FirstCluster>>16))

	mDate, mTime, _ := dostime.ToParts(e.LastModified)
	binary.LittleEndian.PutUint16(buf[22:24], mTime)
	binary.LittleEndian.PutUint16(buf[24:26], mDate)

	binary.LittleEndian.PutUint16(buf[26:28], uint16(e.FirstCluster&0xFFFF))
	binary.LittleEndian.PutUint32(buf[28:32], e.Size)
	return buf
}

// DecodeShortEntry unpacks a 32-byte slot. A zero first byte means the slot
// (and every slot after it in the table) has never been written;
// fterrors.ErrNotFound signals that to the table scanner.
func DecodeShortEntry(raw []byte) (ShortEntry, error) {
	if len(raw) != ShortEntrySize {
		return ShortEntry{}, fterrors.ErrBadDirent.WithMessage("short entry must be exactly 32 bytes")
	}
	if raw[0] == 0x00 {
		return ShortEntry{}, fterrors.ErrNotFound.WithMessage("directory slot is unused (end of table)")
	}

	e := ShortEntry{
		Attributes:   raw[11],
		CaseFlags:    raw[12],
		Erased:       raw[0] == erasedMarker,
		FirstCluster: uint32(binary.LittleEndian.Uint16(raw[20:22]))<<16 | uint32(binary.LittleEndian.Uint16(raw[26:28])),
		Size:         binary.LittleEndian.Uint32(raw[28:32]),
	}

	cHundredths := raw[13]
	cTime := binary.LittleEndian.Uint16(raw[14:16])
	cDate := binary.LittleEndian.Uint16(raw[16:18])
	e.Created = dostime.FromParts(cDate, cTime, cHundredths)

	aDate := binary.LittleEndian.Uint16(raw[18:20])
	e.LastAccessed = dostime.FromParts(aDate, 0, 0)

	mTime := binary.LittleEndian.Uint16(raw[22:24])
	mDate := binary.LittleEndian.Uint16(raw[24:26])
	e.LastModified = dostime.FromParts(mDate, mTime, 0)

	nameBytes := make([]byte, 11)
	copy(nameBytes, raw[0:11])
	if nameBytes[0] == erasedMarker {
		// The real first character is unrecoverable once erased; callers
		// that need the pre-erasure name must have cached it beforehand.
		nameBytes[0] = '_'
	} else if nameBytes[0] == literalE5Marker {
		nameBytes[0] = 0xE5
	}
	e.Basename = strings.TrimRight(string(nameBytes[0:8]), " ")
	e.Extension = strings.TrimRight(string(nameBytes[8:11]), " ")

	return e, nil
}
