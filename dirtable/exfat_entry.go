package dirtable

import (
	"encoding/binary"
	"time"
	"unicode/utf16"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/maxpat78/FATtools/internal/bitutil"
	"github.com/maxpat78/FATtools/internal/dostime"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// exFAT entry type bytes (top bit set means "in use"; spec §4.8.1).
const (
	exFATTypeFileEntry  = 0x85
	exFATTypeStreamExt  = 0xC0
	exFATTypeNameExt    = 0xC1
	exFATInUseBit       = 0x80
	exFATContiguousFlag = 0x02 // chSecondaryFlags bit 1
	exFATAllocPossible  = 0x01
)

const exFATNameCharsPerSlot = 15

// ExFATGroup is the decoded form of one exFAT file entry group: a File
// entry, its Stream Extension, and 1-17 File Name Extension slots (spec
// §4.8.1).
type ExFATGroup struct {
	Attributes   uint16
	Created      time.Time
	LastModified time.Time
	LastAccessed time.Time
	Contiguous   bool
	NameHash     uint16
	ValidLength  uint64
	DataLength   uint64
	StartCluster uint32
	Name         string
}

var exfatUpper = cases.Upper(language.Und)

// IsDir reports whether the group's attribute word marks it a directory.
func (g ExFATGroup) IsDir() bool { return g.Attributes&AttrDir != 0 }

// slotCount returns how many 32-byte slots (File + Stream + name slots)
// this group occupies on disk.
func (g ExFATGroup) slotCount() int {
	nameUnits := utf16.Encode([]rune(g.Name))
	nameSlots := (len(nameUnits) + exFATNameCharsPerSlot - 1) / exFATNameCharsPerSlot
	if nameSlots == 0 {
		nameSlots = 1
	}
	return 2 + nameSlots
}

// packDosDatetime packs a time.Time into exFAT's combined date<<16|time
// DWORD plus its separate centisecond byte (spec §4.8.1).
func packDosDatetime(t time.Time) (dword uint32, centiseconds uint8) {
	date, timePart, hundredths := dostime.ToParts(t)
	return uint32(date)<<16 | uint32(timePart), hundredths
}

func unpackDosDatetime(dword uint32, centiseconds uint8) time.Time {
	date := uint16(dword >> 16)
	timePart := uint16(dword & 0xFFFF)
	return dostime.FromParts(date, timePart, centiseconds)
}

// Encode packs the group into its on-disk slots (File entry, Stream
// Extension, then 1-17 Filename Extension slots), including the group
// checksum in the File entry (spec §4.8.1, testable property #7).
func (g ExFATGroup) Encode() [][]byte {
	nameUnits := utf16.Encode([]rune(exfatUpper.String(g.Name)))
	hash := bitutil.ExFATNameHash(nameUnits)
	rawNameUnits := utf16.Encode([]rune(g.Name))

	nameSlotCount := (len(rawNameUnits) + exFATNameCharsPerSlot - 1) / exFATNameCharsPerSlot
	if nameSlotCount == 0 {
		nameSlotCount = 1
	}
	secondaryCount := byte(1 + nameSlotCount)

	file := make([]byte, ShortEntrySize)
	file[0] = exFATTypeFileEntry | exFATInUseBit
	file[1] = secondaryCount
	binary.LittleEndian.PutUint16(file[4:6], g.Attributes)
	cDword, cCenti := packDosDatetime(g.Created)
	mDword, mCenti := packDosDatetime(g.LastModified)
	aDword, _ := packDosDatetime(g.LastAccessed)
	binary.LittleEndian.PutUint32(file[8:12], cDword)
	binary.LittleEndian.PutUint32(file[12:16], mDword)
	binary.LittleEndian.PutUint32(file[16:20], aDword)
	file[0x14] = cCenti
	file[0x15] = mCenti

	stream := make([]byte, ShortEntrySize)
	stream[0] = exFATTypeStreamExt | exFATInUseBit
	var secFlags byte = exFATAllocPossible
	if g.Contiguous {
		secFlags |= exFATContiguousFlag
	}
	stream[1] = secFlags
	stream[3] = byte(len(rawNameUnits))
	binary.LittleEndian.PutUint16(stream[4:6], hash)
	binary.LittleEndian.PutUint64(stream[8:16], g.ValidLength)
	binary.LittleEndian.PutUint32(stream[0x14:0x18], g.StartCluster)
	binary.LittleEndian.PutUint64(stream[0x18:0x20], g.DataLength)

	slots := make([][]byte, 0, 2+nameSlotCount)
	slots = append(slots, file, stream)

	padded := make([]uint16, nameSlotCount*exFATNameCharsPerSlot)
	copy(padded, rawNameUnits)
	for i := 0; i < nameSlotCount; i++ {
		nameSlot := make([]byte, ShortEntrySize)
		nameSlot[0] = exFATTypeNameExt | exFATInUseBit
		for j := 0; j < exFATNameCharsPerSlot; j++ {
			binary.LittleEndian.PutUint16(nameSlot[2+2*j:4+2*j], padded[i*exFATNameCharsPerSlot+j])
		}
		slots = append(slots, nameSlot)
	}

	var flat []byte
	for _, s := range slots {
		flat = append(flat, s...)
	}
	checksum := bitutil.ExFATGroupChecksum(flat)
	binary.LittleEndian.PutUint16(slots[0][2:4], checksum)

	return slots
}

// DecodeExFATGroup unpacks a File entry plus its following Stream Extension
// and Filename Extension slots. slots[0] must be the File entry; the
// caller (the table scanner) is responsible for gathering
// slots[0].chSecondaryCount additional slots first.
func DecodeExFATGroup(slots [][]byte) (ExFATGroup, error) {
	if len(slots) < 2 {
		return ExFATGroup{}, fterrors.ErrBadDirent.WithMessage("exFAT entry group needs at least a File entry and Stream Extension")
	}
	file := slots[0]
	if file[0]&0x7F != exFATTypeFileEntry {
		return ExFATGroup{}, fterrors.ErrBadDirent.WithMessage("first slot is not an exFAT File entry")
	}
	stream := slots[1]
	if stream[0]&0x7F != exFATTypeStreamExt {
		return ExFATGroup{}, fterrors.ErrBadDirent.WithMessage("second slot is not an exFAT Stream Extension")
	}

	var flat []byte
	for _, s := range slots {
		flat = append(flat, s...)
	}
	wantChecksum := binary.LittleEndian.Uint16(file[2:4])
	if got := bitutil.ExFATGroupChecksum(flat); got != wantChecksum {
		return ExFATGroup{}, fterrors.ErrBadDirent.WithMessage("exFAT entry group checksum mismatch")
	}

	g := ExFATGroup{
		Attributes:   binary.LittleEndian.Uint16(file[4:6]),
		Contiguous:   stream[1]&exFATContiguousFlag != 0,
		NameHash:     binary.LittleEndian.Uint16(stream[4:6]),
		ValidLength:  binary.LittleEndian.Uint64(stream[8:16]),
		StartCluster: binary.LittleEndian.Uint32(stream[0x14:0x18]),
		DataLength:   binary.LittleEndian.Uint64(stream[0x18:0x20]),
	}
	g.Created = unpackDosDatetime(binary.LittleEndian.Uint32(file[8:12]), file[0x14])
	g.LastModified = unpackDosDatetime(binary.LittleEndian.Uint32(file[12:16]), file[0x15])
	g.LastAccessed = unpackDosDatetime(binary.LittleEndian.Uint32(file[16:20]), 0)

	nameLen := int(stream[3])
	var units []uint16
	for _, slot := range slots[2:] {
		if slot[0]&0x7F != exFATTypeNameExt {
			return ExFATGroup{}, fterrors.ErrBadDirent.WithMessage("expected a Filename Extension slot")
		}
		for j := 0; j < exFATNameCharsPerSlot; j++ {
			units = append(units, binary.LittleEndian.Uint16(slot[2+2*j:4+2*j]))
		}
	}
	if nameLen > len(units) {
		return ExFATGroup{}, fterrors.ErrBadDirent.WithMessage("name length exceeds the Filename Extension slots present")
	}
	g.Name = string(utf16.Decode(units[:nameLen]))

	if gotHash := bitutil.ExFATNameHash(utf16.Encode([]rune(exfatUpper.String(g.Name)))); gotHash != g.NameHash {
		return ExFATGroup{}, fterrors.ErrBadDirent.WithMessage("exFAT name hash mismatch")
	}

	return g, nil
}
