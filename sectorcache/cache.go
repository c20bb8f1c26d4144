// Package sectorcache provides a block-oriented write-back cache that sits
// between a blockdev.Device and every higher layer (allocator, cluster
// chain streams, directory table), giving them a linear, read-your-writes
// view of a device that is actually addressed in fixed-size sectors.
//
// Ground: drivers/common/blockcache/blockcache.go in the teacher repo,
// generalized from a pair of fetch/flush/resize callbacks wrapping any
// io.ReadWriteSeeker to wrapping a blockdev.Device directly, and widened so
// that dirty sectors are range-coalesced before being flushed in a single
// WriteSectors call rather than one sector at a time (spec §4.2, testable
// property #2: "Flush issues the fewest possible WriteSectors calls").
package sectorcache

import (
	"github.com/boljen/go-bitmap"

	"github.com/maxpat78/FATtools/blockdev"
	"github.com/maxpat78/FATtools/internal/bitutil"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// Cache wraps a blockdev.Device and lazily materializes sectors into memory
// on first touch, tracking which ones have been modified so Flush only
// writes back what actually changed.
type Cache struct {
	dev        blockdev.Device
	sectorSize uint
	total      uint64
	data       []byte
	loaded     bitmap.Bitmap
	dirty      bitmap.Bitmap
	readOnly   bool
}

// New wraps dev in a Cache. If readOnly is true, any write attempt returns
// errors.ErrReadOnly instead of marking sectors dirty, the same guard the
// volume layer installs for a read-only mount (spec §5 "read-only mounts
// reject every mutating operation before it touches the cache").
func New(dev blockdev.Device, readOnly bool) *Cache {
	total := dev.SectorCount()
	return &Cache{
		dev:        dev,
		sectorSize: dev.SectorSize(),
		total:      total,
		data:       make([]byte, total*uint64(dev.SectorSize())),
		loaded:     bitmap.NewSlice(int(total)),
		dirty:      bitmap.NewSlice(int(total)),
		readOnly:   readOnly,
	}
}

func (c *Cache) SectorSize() uint    { return c.sectorSize }
func (c *Cache) SectorCount() uint64 { return c.total }

func (c *Cache) checkRange(first uint64, count uint64) error {
	if count == 0 {
		return nil
	}
	if first >= c.total || first+count > c.total {
		return fterrors.ErrIoError.WithMessage("sector range out of bounds")
	}
	return nil
}

// loadRange ensures every sector in [first, first+count) has been read from
// the backing device into c.data at least once.
func (c *Cache) loadRange(first, count uint64) error {
	if err := c.checkRange(first, count); err != nil {
		return err
	}

	runStart := first
	inGap := false
	flush := func(end uint64) error {
		if !inGap {
			return nil
		}
		n := end - runStart
		raw, err := c.dev.ReadSectors(runStart, uint(n))
		if err != nil {
			return err
		}
		off := runStart * uint64(c.sectorSize)
		copy(c.data[off:off+n*uint64(c.sectorSize)], raw)
		for i := runStart; i < end; i++ {
			c.loaded.Set(int(i), true)
		}
		inGap = false
		return nil
	}

	for i := first; i < first+count; i++ {
		if c.loaded.Get(int(i)) {
			if err := flush(i); err != nil {
				return err
			}
			continue
		}
		if !inGap {
			inGap = true
			runStart = i
		}
	}
	return flush(first + count)
}

// Read returns a copy of `count` sectors starting at `first`, loading any
// that haven't yet been pulled from the device.
func (c *Cache) Read(first uint64, count uint) ([]byte, error) {
	if err := c.loadRange(first, uint64(count)); err != nil {
		return nil, err
	}
	off := first * uint64(c.sectorSize)
	end := off + uint64(count)*uint64(c.sectorSize)
	out := make([]byte, end-off)
	copy(out, c.data[off:end])
	return out, nil
}

// ReadBypass reads directly from the backing device, ignoring and not
// populating the cache, so a caller can inspect the medium without
// perturbing cache state (spec §4.2 "bypass reads must not mark sectors
// loaded").
func (c *Cache) ReadBypass(first uint64, count uint) ([]byte, error) {
	return c.dev.ReadSectors(first, count)
}

// Write stores `data` (a whole multiple of the sector size) into the cache
// starting at sector `first`, marking every touched sector dirty. It is
// visible to subsequent Reads immediately; nothing reaches the device until
// Flush.
func (c *Cache) Write(first uint64, data []byte) error {
	if c.readOnly {
		return fterrors.ErrReadOnly
	}
	if len(data)%int(c.sectorSize) != 0 {
		return fterrors.ErrInvalidArgument.WithMessage("write length is not a sector multiple")
	}
	count := uint64(len(data)) / uint64(c.sectorSize)
	if err := c.checkRange(first, count); err != nil {
		return err
	}

	off := first * uint64(c.sectorSize)
	copy(c.data[off:off+uint64(len(data))], data)
	for i := first; i < first+count; i++ {
		c.loaded.Set(int(i), true)
		c.dirty.Set(int(i), true)
	}
	return nil
}

// Flush writes back every dirty sector, coalescing consecutive dirty runs
// into a single WriteSectors call each, then clears the dirty bitmap.
func (c *Cache) Flush() error {
	if c.readOnly {
		return nil
	}

	runs := bitutil.ScanByteRuns(c.dirtyBytes(), true, func(i uint) uint { return i })
	for _, r := range runs {
		off := uint64(r.Start) * uint64(c.sectorSize)
		length := uint64(r.Length) * uint64(c.sectorSize)
		if err := c.dev.WriteSectors(uint64(r.Start), c.data[off:off+length]); err != nil {
			return err
		}
		for i := r.Start; i < r.Start+r.Length; i++ {
			c.dirty.Set(int(i), false)
		}
	}
	return nil
}

// dirtyBytes packs the dirty bitmap into a []byte with one bit per sector,
// LSB first, so bitutil.ScanByteRuns can fast-path whole dirty/clean bytes.
func (c *Cache) dirtyBytes() []byte {
	out := make([]byte, (c.total+7)/8)
	for i := uint64(0); i < c.total; i++ {
		if c.dirty.Get(int(i)) {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// Resize grows or shrinks the cache and its backing device to newSectorCount
// sectors. The device must implement blockdev.ResizableDevice.
func (c *Cache) Resize(newSectorCount uint64) error {
	if c.readOnly {
		return fterrors.ErrReadOnly
	}
	resizable, ok := c.dev.(blockdev.ResizableDevice)
	if !ok {
		return fterrors.ErrUnsupportedFeature.WithMessage("backing device cannot be resized")
	}
	if err := resizable.Resize(newSectorCount); err != nil {
		return err
	}

	newData := make([]byte, newSectorCount*uint64(c.sectorSize))
	copy(newData, c.data)
	newLoaded := bitmap.Bitmap(bitmap.NewSlice(int(newSectorCount)))
	newDirty := bitmap.Bitmap(bitmap.NewSlice(int(newSectorCount)))
	copy(newLoaded, c.loaded)
	copy(newDirty, c.dirty)

	// Newly appended sectors are zero-filled and considered already loaded
	// (there's nothing to fetch) but not dirty: the device already holds
	// zeros for them once Resize grew the backing store.
	for i := c.total; i < newSectorCount; i++ {
		newLoaded.Set(int(i), true)
	}

	c.data = newData
	c.loaded = newLoaded
	c.dirty = newDirty
	c.total = newSectorCount
	return nil
}

// Close flushes pending writes and closes the underlying device.
func (c *Cache) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}
	return c.dev.Close()
}
