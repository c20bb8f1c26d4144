package dirtable

import (
	"encoding/binary"
	"unicode/utf16"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// LFN slots carry 13 UCS-2 code units of a long name each, split 5+6+2
// across three fields (spec §4.8.1), in reverse storage order: the slot
// holding the *last* 13 characters of the name is written first and has its
// sequence number's 0x40 bit set.
const lfnCharsPerSlot = 13

// LFNEntry is the decoded form of one VFAT long-name slot.
type LFNEntry struct {
	SequenceNumber byte // 1-based; bit 0x40 marks the first slot written
	IsLast         bool
	Checksum       byte
	Chars          [lfnCharsPerSlot]uint16 // UTF-16 code units, 0xFFFF padding beyond name end
}

// Encode packs one LFN slot.
func (l LFNEntry) Encode() []byte {
	buf := make([]byte, ShortEntrySize)
	seq := l.SequenceNumber
	if l.IsLast {
		seq |= 0x40
	}
	buf[0] = seq
	for i := 0; i < 5; i++ {
		binary.LittleEndian.PutUint16(buf[1+2*i:3+2*i], l.Chars[i])
	}
	buf[11] = AttrLFN
	buf[12] = 0
	buf[13] = l.Checksum
	for i := 0; i < 6; i++ {
		binary.LittleEndian.PutUint16(buf[14+2*i:16+2*i], l.Chars[5+i])
	}
	binary.LittleEndian.PutUint16(buf[26:28], 0) // always-zero cluster field
	for i := 0; i < 2; i++ {
		binary.LittleEndian.PutUint16(buf[28+2*i:30+2*i], l.Chars[11+i])
	}
	return buf
}

// DecodeLFNSlot unpacks a 32-byte slot already identified as an LFN entry
// (attribute byte 0x0F, offsets 0x0C/0x1A/0x1B zero per the teacher's own
// clusterToDirentSlice check).
func DecodeLFNSlot(raw []byte) (LFNEntry, error) {
	if len(raw) != ShortEntrySize {
		return LFNEntry{}, fterrors.ErrBadDirent.WithMessage("LFN slot must be exactly 32 bytes")
	}
	if raw[11] != AttrLFN {
		return LFNEntry{}, fterrors.ErrBadDirent.WithMessage("not an LFN slot")
	}

	l := LFNEntry{
		SequenceNumber: raw[0] &^ 0x40,
		IsLast:         raw[0]&0x40 != 0,
		Checksum:       raw[13],
	}
	for i := 0; i < 5; i++ {
		l.Chars[i] = binary.LittleEndian.Uint16(raw[1+2*i : 3+2*i])
	}
	for i := 0; i < 6; i++ {
		l.Chars[5+i] = binary.LittleEndian.Uint16(raw[14+2*i : 16+2*i])
	}
	for i := 0; i < 2; i++ {
		l.Chars[11+i] = binary.LittleEndian.Uint16(raw[28+2*i : 30+2*i])
	}
	return l, nil
}

// EncodeLFNChain splits a long name into its LFN slots, in on-disk order
// (last-characters-first, each carrying the short entry's checksum), per
// spec §4.8.1 and §4.8.4's create() operation. checksum is the value from
// ShortNameChecksum for the short alias this long name will be paired with.
func EncodeLFNChain(longName string, checksum byte) []LFNEntry {
	units := utf16.Encode([]rune(longName))
	// Null-terminate if the name doesn't fill a whole number of slots, then
	// pad the remainder with 0xFFFF, matching FATDirentry.GenRawSlotFromName.
	padded := make([]uint16, len(units))
	copy(padded, units)
	if len(padded)%lfnCharsPerSlot != 0 {
		padded = append(padded, 0x0000)
	}
	for len(padded)%lfnCharsPerSlot != 0 {
		padded = append(padded, 0xFFFF)
	}

	slotCount := len(padded) / lfnCharsPerSlot
	entries := make([]LFNEntry, slotCount)
	for i := 0; i < slotCount; i++ {
		seq := byte(slotCount - i)
		e := LFNEntry{SequenceNumber: seq, Checksum: checksum, IsLast: i == 0}
		copy(e.Chars[:], padded[(slotCount-1-i)*lfnCharsPerSlot:(slotCount-i)*lfnCharsPerSlot])
		entries[i] = e
	}
	return entries
}

// DecodeLFNChain reassembles a long name from its slots, which must already
// be in on-disk order (first slot = highest sequence number / IsLast).
func DecodeLFNChain(slots []LFNEntry) string {
	var units []uint16
	for i := len(slots) - 1; i >= 0; i-- {
		for _, ch := range slots[i].Chars {
			if ch == 0x0000 || ch == 0xFFFF {
				continue
			}
			units = append(units, ch)
		}
	}
	return string(utf16.Decode(units))
}
