package dirtable

import "time"

// Record is the variant-independent view of one directory entry that
// Table's operations (Create, Erase, Rename, Iterator, Walk) work with,
// regardless of whether it's backed by a FAT short+LFN group or an exFAT
// entry group on disk (spec §4.8.4).
type Record struct {
	Name          string
	IsDir         bool
	IsVolumeLabel bool
	Attributes    uint16
	StartCluster  uint32
	Size          int64
	Created       time.Time
	LastModified  time.Time
	LastAccessed  time.Time
	Contiguous    bool // exFAT only; meaningless for FAT

	slotOffset int64 // byte offset of the group's first slot in the directory stream
	slotCount  int   // number of 32-byte slots the group occupies
}

// groupCodec packs and unpacks one directory entry group. A FAT table uses
// fatCodec (short entry + optional LFN chain); an exFAT table uses
// exfatCodec (File + Stream Extension + Filename Extension slots). Table
// itself never branches on variant directly — every variant difference
// lives in the codec (spec §4.8.1).
type groupCodec interface {
	// decodeGroup reads one entry group starting at the given slot window,
	// which holds every remaining byte of the directory stream from the
	// group's first slot onward (the codec knows how many slots it needs
	// once it has read the first one). It returns the decoded record, how
	// many slots it consumed, and whether the first slot was a free
	// (erased) marker or the table-terminating zero marker.
	decodeGroup(window []byte) (rec Record, slotsConsumed int, state slotState, err error)

	// encodeGroup packs a record into its on-disk slots. aliasExists is
	// consulted by the FAT codec to disambiguate a generated short-name
	// alias against the table's existing short names (spec §4.8.3); the
	// exFAT codec ignores it, since exFAT has no short-name concept.
	encodeGroup(rec Record, aliasExists func(alias string) bool) []byte

	// slotsNeeded returns how many 32-byte slots encodeGroup's output for
	// this record will occupy, so the table can reserve a free run of the
	// right size before encoding.
	slotsNeeded(rec Record) int

	// eraseMarker returns the byte pattern the table writes over a group's
	// slots to mark them free (FAT: 0xE5 in the first byte of each 32-byte
	// slot's name; exFAT: clear the in-use bit of each slot's type byte).
	eraseMarker(originalSlots []byte) []byte
}

type slotState int

const (
	slotStateEntry slotState = iota
	slotStateFree
	slotStateEnd // zero first byte: table scan stops here
)
