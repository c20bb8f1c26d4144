package allocator

import (
	"github.com/boljen/go-bitmap"

	"github.com/maxpat78/FATtools/internal/bitutil"
	"github.com/maxpat78/FATtools/sectorcache"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// exFATBitmap is the allocation bitmap exFAT keeps as an ordinary file in
// cluster #2 of the root directory: one bit per cluster, 1 meaning
// allocated. It answers "is this cluster free" in O(1) and "find me N
// contiguous free clusters" via bitutil's byte-run scanner, which the FAT
// table's freeRuns cache exists to approximate with a linear Get() walk —
// the bitmap doesn't need that approximation since it holds the whole
// picture in one packed buffer already.
//
// Ground: drivers/common/allocatormap.go's bitmap-backed Allocator in the
// teacher repo (go-bitmap usage, first-fit contiguous-run search), widened
// from a single linear AllocateBlock/FreeBlock pair to the run-oriented
// Allocate/Free the exFAT Allocator needs to also update its own FAT
// chain-link region (see ExFATAllocator).
type exFATBitmap struct {
	bits          bitmap.Bitmap
	totalClusters uint32
	cache         *sectorcache.Cache
	byteOffset    uint64
	dirty         bool
}

func newExFATBitmap(cache *sectorcache.Cache, byteOffset uint64, totalClusters uint32) (*exFATBitmap, error) {
	b := &exFATBitmap{
		bits:          bitmap.New(int(totalClusters)),
		totalClusters: totalClusters,
		cache:         cache,
		byteOffset:    byteOffset,
	}

	byteLen := (int(totalClusters) + 7) / 8
	raw, err := readBytesAtCache(cache, byteOffset, byteLen)
	if err != nil {
		return nil, err
	}
	copy(b.bits, raw)
	return b, nil
}

func readBytesAtCache(cache *sectorcache.Cache, offset uint64, length int) ([]byte, error) {
	sectorSize := uint64(cache.SectorSize())
	firstSector := offset / sectorSize
	lastByte := offset + uint64(length) - 1
	lastSector := lastByte / sectorSize
	count := uint(lastSector-firstSector) + 1

	raw, err := cache.Read(firstSector, count)
	if err != nil {
		return nil, err
	}
	start := offset - firstSector*sectorSize
	out := make([]byte, length)
	copy(out, raw[start:start+uint64(length)])
	return out, nil
}

func (b *exFATBitmap) isFree(clusterIdx uint) bool {
	return !b.bits.Get(int(clusterIdx))
}

func (b *exFATBitmap) setUsed(clusterIdx uint, used bool) {
	b.bits.Set(int(clusterIdx), used)
	b.dirty = true
}

// findRuns returns every maximal free run, expressed in cluster numbers
// (cluster 2 is the first data cluster, matching every FAT-family volume).
func (b *exFATBitmap) findRuns() []bitutil.Run {
	data := []byte(b.bits)
	runs := bitutil.ScanByteRuns(data, false, func(bitIdx uint) uint { return bitIdx })
	var out []bitutil.Run
	for _, r := range runs {
		if r.Start+r.Length > uint(b.totalClusters) {
			r.Length = uint(b.totalClusters) - r.Start
		}
		if r.Length == 0 {
			continue
		}
		out = append(out, bitutil.Run{Start: r.Start + 2, Length: r.Length})
	}
	return out
}

func (b *exFATBitmap) freeCount() uint32 {
	var n uint32
	for _, r := range b.findRuns() {
		n += uint32(r.Length)
	}
	return n
}

func (b *exFATBitmap) flush() error {
	if !b.dirty {
		return nil
	}
	sectorSize := uint64(b.cache.SectorSize())
	firstSector := b.byteOffset / sectorSize
	byteLen := uint64(len(b.bits))
	lastSector := (b.byteOffset + byteLen - 1) / sectorSize
	count := uint(lastSector-firstSector) + 1

	raw, err := b.cache.Read(firstSector, count)
	if err != nil {
		return err
	}
	start := b.byteOffset - firstSector*sectorSize
	copy(raw[start:start+byteLen], b.bits)
	if err := b.cache.Write(firstSector, raw); err != nil {
		return err
	}
	b.dirty = false
	return nil
}

// ExFATAllocator implements Allocator for exFAT volumes: cluster chain
// links are stored in a conventional FAT region (FATTable with a single,
// full-32-bit-range copy, as FAT.py's FAT class does when constructed with
// exfat=1), while free/used bookkeeping goes through the dedicated
// allocation bitmap instead of FATTable's Get()-based linear scan, since
// exFAT guarantees the bitmap exists specifically to make that scan O(1)
// per cluster instead of requiring a FAT read per candidate.
type ExFATAllocator struct {
	chain  *FATTable
	bitmap *exFATBitmap
}

// NewExFATAllocator builds the composed allocator. fatOffsetBytes is the
// byte offset of the (single) FAT region; bitmapOffsetBytes is the byte
// offset of the allocation bitmap's first cluster.
func NewExFATAllocator(cache *sectorcache.Cache, fatOffsetBytes, bitmapOffsetBytes uint64, totalClusters uint32) (*ExFATAllocator, error) {
	chain, err := NewFATTable(cache, 32, 1, fatOffsetBytes, 0, totalClusters, true)
	if err != nil {
		return nil, err
	}
	bm, err := newExFATBitmap(cache, bitmapOffsetBytes, totalClusters)
	if err != nil {
		return nil, err
	}
	return &ExFATAllocator{chain: chain, bitmap: bm}, nil
}

func (a *ExFATAllocator) Get(cluster uint32) (uint32, error)   { return a.chain.Get(cluster) }
func (a *ExFATAllocator) Set(cluster, value uint32) error      { return a.chain.Set(cluster, value) }
func (a *ExFATAllocator) IsEndOfChain(value uint32) bool       { return a.chain.IsEndOfChain(value) }
func (a *ExFATAllocator) IsBad(value uint32) bool              { return a.chain.IsBad(value) }
func (a *ExFATAllocator) ChainLength(start uint32) (uint32, uint32, error) {
	return a.chain.ChainLength(start)
}
func (a *ExFATAllocator) CountRun(start uint32, limit uint32) (uint32, uint32, error) {
	return a.chain.CountRun(start, limit)
}

func (a *ExFATAllocator) FreeClusterCount() (uint32, error) {
	return a.bitmap.freeCount(), nil
}

func (a *ExFATAllocator) FreeRuns() ([]bitutil.Run, error) {
	return a.bitmap.findRuns(), nil
}

func (a *ExFATAllocator) Allocate(count uint32) (uint32, uint32, error) {
	if count == 0 {
		return 0, 0, fterrors.ErrInvalidArgument.WithMessage("cannot allocate zero clusters")
	}

	runs := a.bitmap.findRuns()
	bestIdx := -1
	for i, r := range runs {
		if r.Length >= uint(count) {
			bestIdx = i
			break
		}
	}
	if bestIdx < 0 {
		return 0, 0, fterrors.ErrNoSpace
	}

	run := runs[bestIdx]
	n := count
	first := uint32(run.Start)

	for i := uint32(0); i < n; i++ {
		cluster := first + i
		a.bitmap.setUsed(uint(cluster-2), true)
		var next uint32
		if i == n-1 {
			next = a.chain.end
		} else {
			next = cluster + 1
		}
		if err := a.chain.Set(cluster, next); err != nil {
			return 0, 0, err
		}
	}

	return first, n, nil
}

func (a *ExFATAllocator) Free(start uint32) error {
	cluster := start
	for {
		next, err := a.chain.Get(cluster)
		if err != nil {
			return err
		}
		a.bitmap.setUsed(uint(cluster-2), false)
		if err := a.chain.Set(cluster, 0); err != nil {
			return err
		}
		if a.chain.IsEndOfChain(next) {
			return nil
		}
		cluster = next
	}
}

// Compact is a no-op for the bitmap allocator: findRuns always recomputes
// maximal runs straight from the packed bitmap, so there's no fragmented
// incremental state to merge (unlike FATTable's cached freeRuns slice).
func (a *ExFATAllocator) Compact() {}

func (a *ExFATAllocator) Flush() error {
	if err := a.bitmap.flush(); err != nil {
		return err
	}
	return a.chain.Flush()
}
