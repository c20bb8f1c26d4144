package allocator

import (
	"encoding/binary"

	"github.com/maxpat78/FATtools/internal/bitutil"
	"github.com/maxpat78/FATtools/sectorcache"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// FATTable is the linked-list allocator used by FAT12, FAT16, FAT32, and
// (with a single copy and all 32 bits significant) exFAT's own optional FAT
// chain for non-contiguous streams. Every cluster slot stores either the
// next cluster in its chain or one of the reserved/bad/end-of-chain
// sentinels, packed at 12, 16, or 32 bits per slot.
//
// Ground: FAT.py's FAT class — __getitem__/__setitem__'s odd/even nibble
// packing for 12-bit slots, count/count_run's chain-walking logic, and
// map_free_space's free-run discovery, adapted to read and write through a
// sectorcache.Cache instead of a raw Python file object.
type FATTable struct {
	cache         *sectorcache.Cache
	bits          uint
	copies        uint
	fatOffset     uint64 // byte offset of FAT copy 1, relative to the device
	fatCopyStride uint64 // byte distance between successive FAT copies
	totalClusters uint32
	exfat         bool // true for exFAT's 32-bit table: slots are full width, not 28-bit FAT32 entries

	reserved uint32
	bad      uint32
	end      uint32

	freeRuns []bitutil.Run // nil means "needs recompute"
}

// NewFATTable constructs a FATTable. bits must be 12, 16, or 32.
// fatOffsetBytes is the byte offset of FAT copy 1; fatCopyStrideBytes is
// the distance to each subsequent mirrored copy (copies-1 further copies
// are written at that stride, matching offset2 in FAT.py for a two-copy
// FAT12/16/32 table).
func NewFATTable(cache *sectorcache.Cache, bits uint, copies uint, fatOffsetBytes, fatCopyStrideBytes uint64, totalClusters uint32, exfat bool) (*FATTable, error) {
	t := &FATTable{
		cache:         cache,
		bits:          bits,
		copies:        copies,
		fatOffset:     fatOffsetBytes,
		fatCopyStride: fatCopyStrideBytes,
		totalClusters: totalClusters,
		exfat:         exfat,
	}

	switch bits {
	case 12:
		t.reserved, t.bad, t.end = 0x0FF7, 0x0FF7, 0x0FF8
	case 16:
		t.reserved, t.bad, t.end = 0xFFF7, 0xFFF7, 0xFFF8
	case 32:
		if exfat {
			t.reserved, t.bad, t.end = 0xFFFFFFF7, 0xFFFFFFF7, 0xFFFFFFFF
		} else {
			t.reserved, t.bad, t.end = 0x0FFFFFF7, 0x0FFFFFF7, 0x0FFFFFF8
		}
	default:
		return nil, fterrors.ErrInvalidArgument.WithMessage("FAT slot width must be 12, 16, or 32 bits")
	}
	return t, nil
}

func (t *FATTable) slotSizeBytes() int {
	if t.bits == 32 {
		return 4
	}
	return 2
}

// readBytesAt reads `length` bytes from the cache starting at an arbitrary
// (not necessarily sector-aligned) absolute byte offset, since FAT slots
// rarely land on sector boundaries.
func (t *FATTable) readBytesAt(offset uint64, length int) ([]byte, error) {
	sectorSize := uint64(t.cache.SectorSize())
	firstSector := offset / sectorSize
	lastByte := offset + uint64(length) - 1
	lastSector := lastByte / sectorSize
	count := uint(lastSector-firstSector) + 1

	raw, err := t.cache.Read(firstSector, count)
	if err != nil {
		return nil, err
	}
	start := offset - firstSector*sectorSize
	return raw[start : start+uint64(length)], nil
}

func (t *FATTable) writeBytesAt(offset uint64, data []byte) error {
	sectorSize := uint64(t.cache.SectorSize())
	firstSector := offset / sectorSize
	lastByte := offset + uint64(len(data)) - 1
	lastSector := lastByte / sectorSize
	count := uint(lastSector-firstSector) + 1

	raw, err := t.cache.Read(firstSector, count)
	if err != nil {
		return err
	}
	start := offset - firstSector*sectorSize
	copy(raw[start:start+uint64(len(data))], data)
	return t.cache.Write(firstSector, raw)
}

func (t *FATTable) checkClusterRange(cluster uint32) error {
	if cluster < 2 || cluster > t.totalClusters+1 {
		return fterrors.ErrBadFAT.WithMessage("cluster index out of range")
	}
	return nil
}

func (t *FATTable) Get(cluster uint32) (uint32, error) {
	if err := t.checkClusterRange(cluster); err != nil {
		return t.end, nil //nolint: matches FAT.py's __getitem__, which returns `last` instead of raising on an out-of-range read
	}

	bitOffset := uint64(cluster) * uint64(t.bits)
	byteOffset := t.fatOffset + bitOffset/8

	if t.bits == 12 {
		raw, err := t.readBytesAt(byteOffset, 2)
		if err != nil {
			return 0, err
		}
		slot := binary.LittleEndian.Uint16(raw)
		if cluster%2 == 1 {
			return uint32(slot >> 4), nil
		}
		return uint32(slot & 0x0FFF), nil
	}

	raw, err := t.readBytesAt(byteOffset, t.slotSizeBytes())
	if err != nil {
		return 0, err
	}
	if t.bits == 16 {
		return uint32(binary.LittleEndian.Uint16(raw)), nil
	}
	slot := binary.LittleEndian.Uint32(raw)
	if t.exfat {
		// exFAT FAT entries use all 32 bits; masking to 28 bits the way
		// FAT32 does would turn the 0xFFFFFFFF end-of-chain marker into
		// 0x0FFFFFFF and break IsEndOfChain.
		return slot, nil
	}
	return slot & 0x0FFFFFFF, nil
}

func (t *FATTable) Set(cluster uint32, value uint32) error {
	if err := t.checkClusterRange(cluster); err != nil {
		return err
	}
	t.freeRuns = nil

	bitOffset := uint64(cluster) * uint64(t.bits)
	byteOffset := t.fatOffset + bitOffset/8

	var encoded []byte
	if t.bits == 12 {
		raw, err := t.readBytesAt(byteOffset, 2)
		if err != nil {
			return err
		}
		slot := binary.LittleEndian.Uint16(raw)
		var newSlot uint16
		if cluster%2 == 1 {
			newSlot = (uint16(value) << 4) | (slot & 0x000F)
		} else {
			newSlot = (slot & 0xF000) | uint16(value&0x0FFF)
		}
		encoded = make([]byte, 2)
		binary.LittleEndian.PutUint16(encoded, newSlot)
	} else if t.bits == 16 {
		encoded = make([]byte, 2)
		binary.LittleEndian.PutUint16(encoded, uint16(value))
	} else {
		encoded = make([]byte, 4)
		binary.LittleEndian.PutUint32(encoded, value)
	}

	if err := t.writeBytesAt(byteOffset, encoded); err != nil {
		return err
	}

	for copyIdx := uint64(1); copyIdx < uint64(t.copies); copyIdx++ {
		if err := t.writeBytesAt(byteOffset+copyIdx*t.fatCopyStride, encoded); err != nil {
			return err
		}
	}
	return nil
}

func (t *FATTable) IsEndOfChain(value uint32) bool {
	if t.exfat {
		// exFAT has a single EOC sentinel, not an 8-value reserved range;
		// t.end is already 0xFFFFFFFF, so t.end+7 would overflow uint32
		// and wrap around to a tiny number, making this predicate always
		// false.
		return value == t.end
	}
	return value >= t.end && value <= t.end+7
}

func (t *FATTable) IsBad(value uint32) bool {
	return value == t.bad
}

func (t *FATTable) ChainLength(start uint32) (uint32, uint32, error) {
	count := uint32(1)
	cur := start
	for {
		next, err := t.Get(cur)
		if err != nil {
			return 0, 0, err
		}
		if t.IsEndOfChain(next) {
			return count, cur, nil
		}
		cur = next
		count++
		if count > t.totalClusters+2 {
			return 0, 0, fterrors.ErrChainCorruption.WithMessage("chain longer than the volume has clusters; likely a cycle")
		}
	}
}

func (t *FATTable) CountRun(start uint32, limit uint32) (uint32, uint32, error) {
	n := uint32(1)
	cur := start
	for {
		if t.IsEndOfChain(cur) {
			break
		}
		next, err := t.Get(cur)
		if err != nil {
			return 0, 0, err
		}
		if next != cur+1 {
			return n, next, nil
		}
		cur = next
		if limit > 0 {
			limit--
			if limit == 0 {
				return n, cur, nil
			}
		}
		n++
	}
	return n, cur, nil
}

func (t *FATTable) computeFreeRuns() error {
	isFree := func(i uint) bool {
		v, err := t.Get(uint32(i) + 2)
		if err != nil {
			return false
		}
		return v == 0
	}
	t.freeRuns = bitutil.ScanRuns(uint(t.totalClusters), true, isFree)
	return nil
}

func (t *FATTable) FreeClusterCount() (uint32, error) {
	if t.freeRuns == nil {
		if err := t.computeFreeRuns(); err != nil {
			return 0, err
		}
	}
	var total uint32
	for _, r := range t.freeRuns {
		total += uint32(r.Length)
	}
	return total, nil
}

// Allocate claims the first free run of at least `count` contiguous
// clusters (first-fit, per FAT.py's findfree), or returns errors.ErrNoSpace
// if no single run that large exists anywhere on the volume.
func (t *FATTable) Allocate(count uint32) (uint32, uint32, error) {
	if count == 0 {
		return 0, 0, fterrors.ErrInvalidArgument.WithMessage("cannot allocate zero clusters")
	}
	if t.freeRuns == nil {
		if err := t.computeFreeRuns(); err != nil {
			return 0, 0, err
		}
	}

	bestIdx := -1
	for i, r := range t.freeRuns {
		if r.Length >= uint(count) {
			bestIdx = i
			break
		}
	}
	if bestIdx < 0 {
		return 0, 0, fterrors.ErrNoSpace
	}

	run := t.freeRuns[bestIdx]
	runs := t.freeRuns
	n := uint(count)
	first := uint32(run.Start) + 2

	for i := uint32(0); i < uint32(n); i++ {
		cluster := first + i
		var next uint32
		if i == uint32(n)-1 {
			next = t.end
		} else {
			next = cluster + 1
		}
		if err := t.Set(cluster, next); err != nil {
			return 0, 0, err
		}
	}

	// Set drops the cached runs; put back the list scanned above and
	// update it for the clusters just claimed.
	t.freeRuns = runs
	if n == run.Length {
		t.freeRuns = append(t.freeRuns[:bestIdx], t.freeRuns[bestIdx+1:]...)
	} else {
		t.freeRuns[bestIdx] = bitutil.Run{Start: run.Start + n, Length: run.Length - n}
	}

	return first, uint32(n), nil
}

// FreeRuns returns every maximal free run as absolute cluster numbers.
func (t *FATTable) FreeRuns() ([]bitutil.Run, error) {
	if t.freeRuns == nil {
		if err := t.computeFreeRuns(); err != nil {
			return nil, err
		}
	}
	out := make([]bitutil.Run, len(t.freeRuns))
	for i, r := range t.freeRuns {
		out[i] = bitutil.Run{Start: r.Start + 2, Length: r.Length}
	}
	return out, nil
}

func (t *FATTable) Free(start uint32) error {
	cur := start
	for {
		next, err := t.Get(cur)
		if err != nil {
			return err
		}
		if err := t.Set(cur, 0); err != nil {
			return err
		}
		if t.IsEndOfChain(next) {
			break
		}
		cur = next
	}
	t.freeRuns = nil
	return nil
}

// Compact merges adjacent free runs. Since FreeClusterCount/Allocate
// recompute freeRuns by a fresh linear scan whenever it's nil, and
// bitutil.ScanRuns already returns maximal runs, Compact's only job is to
// force that fresh scan, discarding the possibly-fragmented incremental
// state Set/Free leave behind (spec §4.6.3).
func (t *FATTable) Compact() {
	t.freeRuns = nil
}

func (t *FATTable) Flush() error {
	return t.cache.Flush()
}
