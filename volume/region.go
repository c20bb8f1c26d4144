package volume

import (
	"io"

	"github.com/maxpat78/FATtools/sectorcache"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// fixedRegion adapts a fixed-size, fixed-offset byte range of the Sector
// Cache into dirtable's storage interface. A FAT12/16 root directory isn't
// a cluster chain at all — it's a reserved run of sectors between the last
// FAT copy and cluster #2 (ground: FAT.py's boot_fat16.dwRootSize/rootoffs,
// read directly rather than through a Chain) — so it needs its own
// io.ReadWriteSeeker rather than clusterchain.Stream.
type fixedRegion struct {
	cache     *sectorcache.Cache
	byteBase  uint64
	byteSize  int64
	pos       int64
}

func newFixedRegion(cache *sectorcache.Cache, byteBase uint64, byteSize int64) *fixedRegion {
	return &fixedRegion{cache: cache, byteBase: byteBase, byteSize: byteSize}
}

func (r *fixedRegion) Size() int64 { return r.byteSize }

func (r *fixedRegion) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.pos + offset
	case io.SeekEnd:
		target = r.byteSize + offset
	default:
		return 0, fterrors.ErrInvalidArgument.WithMessage("invalid whence")
	}
	if target < 0 {
		return 0, fterrors.ErrInvalidArgument.WithMessage("negative seek position")
	}
	r.pos = target
	return r.pos, nil
}

// Truncate rejects any attempt to resize the region: a classic FAT12/16
// root directory has a fixed entry count baked into the boot sector at
// format time and can never grow past it (spec §4.8.2's "zero-first-byte
// terminates the scan" assumes a fixed-capacity region for this variant).
func (r *fixedRegion) Truncate(size int64) error {
	if size == r.byteSize {
		return nil
	}
	return fterrors.ErrUnsupportedFeature.WithMessage("FAT12/16 root directory has a fixed size")
}

func (r *fixedRegion) Read(p []byte) (int, error) {
	if r.pos >= r.byteSize {
		return 0, io.EOF
	}
	remaining := r.byteSize - r.pos
	want := int64(len(p))
	if want > remaining {
		want = remaining
	}
	n, err := r.readAt(r.pos, p[:want])
	r.pos += int64(n)
	return n, err
}

func (r *fixedRegion) readAt(offset int64, buf []byte) (int, error) {
	sectorSize := uint64(r.cache.SectorSize())
	absolute := r.byteBase + uint64(offset)
	firstSector := absolute / sectorSize
	lastSector := (absolute + uint64(len(buf)) - 1) / sectorSize
	count := uint(lastSector-firstSector) + 1

	raw, err := r.cache.Read(firstSector, count)
	if err != nil {
		return 0, err
	}
	start := absolute - firstSector*sectorSize
	n := copy(buf, raw[start:])
	return n, nil
}

func (r *fixedRegion) Write(p []byte) (int, error) {
	if r.pos+int64(len(p)) > r.byteSize {
		return 0, fterrors.ErrUnsupportedFeature.WithMessage("write extends past the fixed root directory region")
	}
	sectorSize := uint64(r.cache.SectorSize())
	absolute := r.byteBase + uint64(r.pos)
	firstSector := absolute / sectorSize
	lastSector := (absolute + uint64(len(p)) - 1) / sectorSize
	count := uint(lastSector-firstSector) + 1

	raw, err := r.cache.Read(firstSector, count)
	if err != nil {
		return 0, err
	}
	start := absolute - firstSector*sectorSize
	copy(raw[start:], p)
	if err := r.cache.Write(firstSector, raw); err != nil {
		return 0, err
	}
	r.pos += int64(len(p))
	return len(p), nil
}
