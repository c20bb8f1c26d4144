package volume

import (
	"io"

	"github.com/maxpat78/FATtools/allocator"
	"github.com/maxpat78/FATtools/blockdev"
	"github.com/maxpat78/FATtools/boot"
	"github.com/maxpat78/FATtools/clusterchain"
	"github.com/maxpat78/FATtools/dirtable"
	"github.com/maxpat78/FATtools/partition"
	"github.com/maxpat78/FATtools/sectorcache"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// Mode selects whether a Volume accepts mutating operations.
type Mode int

const (
	ReadWrite Mode = iota
	ReadOnly
)

// What mirrors vopen's 'what' parameter: which layer of a possibly
// partitioned container to mount.
type What int

const (
	// WhatAuto opens the first recognized partition, or the raw disk as a
	// volume directly if no valid partition table is present (spec §6
	// "auto opens the first partition or, failing that, the raw disk").
	WhatAuto What = iota
	// WhatVolume mounts the given container directly as a FAT/exFAT
	// volume, skipping partition-table detection entirely — the caller
	// has already located the volume's own start (e.g. by having opened
	// a specific partition itself) and is handing this package a boot
	// sector at offset zero (spec §6 `what=volume`).
	WhatVolume
)

// Volume is a mounted FAT or exFAT file system: the boot descriptor, the
// allocator and Sector Cache backing it, and the root directory Table,
// plus the per-volume open-handle bookkeeping spec §5 requires (the
// directory-table registry and the close cascade).
//
// Ground: Volume.py's openvolume() return value (a root Dirtable with a
// `.parent` back-reference) generalized into an explicit struct, since Go
// has no equivalent of monkey-patching a `.parent`/`.volume` attribute
// onto an arbitrary object at runtime the way vopen/vclose do.
type Volume struct {
	container *container
	dev       blockdev.Device // the mounted partition or raw disk, sector 0 = volume sector 0
	cache     *sectorcache.Cache
	alloc     allocator.Allocator
	Boot      *boot.Descriptor
	readOnly  bool

	mbr *partition.MBR
	gpt *partition.GPT

	clusterParams clusterchain.Params

	Root *Table

	// dirRegistry enforces spec §4.8.4's "at most one live directory handle
	// per directory table" / §5's "the directory-table registry is per-
	// volume", keyed by the directory's start cluster. The root directory
	// is keyed under its own start cluster too (0 for a FAT12/16 fixed
	// root, which can't collide with any real data cluster since cluster
	// numbering starts at 2).
	dirRegistry map[uint32]*Table
	handles     map[*Handle]struct{}
}

// Open opens a container (by path, dispatched on file extension per
// openContainer) and mounts the volume selected by what (spec §6
// `open(container_path, mode, what)`).
func Open(path string, mode Mode, what What) (*Volume, error) {
	c, err := openContainer(path)
	if err != nil {
		return nil, err
	}
	v, err := mount(c, mode, what)
	if err != nil {
		c.Close()
		return nil, err
	}
	return v, nil
}

// OpenDevice mounts the volume found on an already-open Device — the path
// a caller takes when it built or obtained the Device itself (an
// in-memory test fixture, or a Device mkfs.Format just wrote to).
func OpenDevice(dev blockdev.Device, mode Mode, what What) (*Volume, error) {
	return mountDisk(dev, nil, mode, what)
}

func mount(c *container, mode Mode, what What) (*Volume, error) {
	disk := c.wholeDiskDevice()
	return mountDisk(disk, c, mode, what)
}

// mountDisk implements vopen's MBR/GPT partition-selection logic: find the
// first recognized FAT/exFAT partition, or fall back (in WhatAuto mode
// only) to mounting the raw disk as an unpartitioned "superfloppy" volume.
func mountDisk(disk blockdev.Device, c *container, mode Mode, what What) (*Volume, error) {
	readOnly := mode == ReadOnly

	if what == WhatVolume {
		// The caller has already positioned disk at the volume's own boot
		// sector; skip partition detection entirely (spec §6 `what=volume`).
		return mountVolume(disk, c, nil, nil, readOnly)
	}

	mbr, err := partition.ReadMBR(disk)
	if err != nil {
		// No valid MBR: try the disk itself as a volume (spec §6 "auto ...
		// or, failing that, the raw disk").
		return mountVolume(disk, c, nil, nil, readOnly)
	}

	protective := false
	for _, e := range mbr.Entries {
		if e.Type == 0xEE {
			protective = true
		}
	}
	if protective {
		// Protective MBR: the real partition table is the GPT.
		gpt, err := partition.ReadGPT(disk)
		if err != nil {
			return nil, err
		}
		gptEntry, ok := gpt.FindFirstFATPartition()
		if !ok {
			return nil, fterrors.ErrNotFound.WithMessage("no Basic Data partition found in GPT")
		}
		partDev := blockdev.NewStreamDevice(
			streamOf(disk), uint(disk.SectorSize()),
			gptEntry.LastLBA-gptEntry.FirstLBA+1,
			int64(gptEntry.FirstLBA)*int64(disk.SectorSize()),
		)
		return mountVolume(partDev, c, mbr, gpt, readOnly)
	}

	entry, ok := mbr.FindFirstFATPartition()
	if !ok {
		return mountVolume(disk, c, mbr, nil, readOnly)
	}

	partDev := blockdev.NewStreamDevice(
		streamOf(disk), uint(disk.SectorSize()),
		uint64(entry.SectorCount),
		int64(entry.StartLBA)*int64(disk.SectorSize()),
	)
	return mountVolume(partDev, c, mbr, nil, readOnly)
}

// streamOf recovers the io.ReadWriteSeeker a *blockdev.StreamDevice wraps,
// so a partition's Device view can share the same underlying stream as the
// whole-disk Device instead of reopening the container a second time.
// Every Device this package constructs is a *blockdev.StreamDevice, so the
// type assertion always succeeds; a Device from an unrelated caller that
// isn't one would have no partition table this package could act on
// anyway.
func streamOf(dev blockdev.Device) io.ReadWriteSeeker {
	return dev.(*blockdev.StreamDevice).Stream()
}

// mountVolume implements openvolume(): detect the boot sector variant,
// build the matching Allocator (with exFAT's two-phase bitmap bootstrap),
// and wrap the root directory in a Table.
func mountVolume(dev blockdev.Device, c *container, mbr *partition.MBR, gpt *partition.GPT, readOnly bool) (*Volume, error) {
	cache := sectorcache.New(dev, readOnly)

	sector0, err := cache.Read(0, 1)
	if err != nil {
		return nil, err
	}
	desc, err := boot.Parse(sector0, func(i int) ([]byte, error) {
		return cache.Read(uint64(i), 1)
	})
	if err != nil {
		return nil, err
	}

	v := &Volume{
		container:   c,
		dev:         dev,
		cache:       cache,
		Boot:        desc,
		readOnly:    readOnly,
		mbr:         mbr,
		gpt:         gpt,
		dirRegistry: make(map[uint32]*Table),
		handles:     make(map[*Handle]struct{}),
	}

	sectorSize := uint64(desc.BytesPerSector)
	fatOffsetBytes := desc.FATOffsetSectors * sectorSize
	fatStrideBytes := uint64(desc.SectorsPerFAT) * sectorSize
	totalClusters := uint32(desc.ClusterCount())

	var rootBacking interface {
		io.Reader
		io.Writer
		io.Seeker
		Truncate(int64) error
		Size() int64
	}
	var rootStartKey uint32

	switch desc.Variant {
	case boot.VariantFAT12, boot.VariantFAT16:
		bits := uint(12)
		if desc.Variant == boot.VariantFAT16 {
			bits = 16
		}
		alloc, err := allocator.NewFATTable(cache, bits, desc.FATCount, fatOffsetBytes, fatStrideBytes, totalClusters, false)
		if err != nil {
			return nil, err
		}
		v.alloc = alloc
		v.clusterParams = clusterchain.Params{
			Cache: cache, Allocator: alloc,
			ClusterSizeBytes: uint64(desc.ClusterSize()), DataRegionSectors: desc.DataOffsetSectors,
		}
		rootBacking = newFixedRegion(cache, desc.RootDirOffset, int64(desc.RootEntryCount)*32)
		rootStartKey = 0

	case boot.VariantFAT32:
		alloc, err := allocator.NewFATTable(cache, 32, desc.FATCount, fatOffsetBytes, fatStrideBytes, totalClusters, false)
		if err != nil {
			return nil, err
		}
		v.alloc = alloc
		v.clusterParams = clusterchain.Params{
			Cache: cache, Allocator: alloc,
			ClusterSizeBytes: uint64(desc.ClusterSize()), DataRegionSectors: desc.DataOffsetSectors,
		}
		stream, err := clusterchain.Open(v.clusterParams, desc.RootCluster, -1, readOnly)
		if err != nil {
			return nil, err
		}
		rootBacking = stream
		rootStartKey = desc.RootCluster

	case boot.VariantExFAT:
		alloc, err := bootstrapExFATAllocator(cache, desc, fatOffsetBytes, totalClusters)
		if err != nil {
			return nil, err
		}
		v.alloc = alloc
		v.clusterParams = clusterchain.Params{
			Cache: cache, Allocator: alloc,
			ClusterSizeBytes: uint64(desc.ClusterSize()), DataRegionSectors: desc.DataOffsetSectors,
		}
		stream, err := clusterchain.Open(v.clusterParams, desc.RootCluster, -1, readOnly)
		if err != nil {
			return nil, err
		}
		rootBacking = stream
		rootStartKey = desc.RootCluster

	default:
		return nil, fterrors.ErrUnsupportedFeature.WithMessage("NTFS and other non-FAT file systems are out of scope")
	}

	root := newTable(v, rootBacking, rootStartKey, nil)
	v.Root = root
	v.dirRegistry[rootStartKey] = root

	return v, nil
}

// bootstrapExFATAllocator implements the two-phase mount Volume.py's
// openvolume() performs for exFAT: a chain-only FATTable is enough to open
// the root directory read-only (clusterchain's read path only calls
// CountRun/IsEndOfChain/Get, never Allocate), which is as much of the
// allocator as is needed to scan root's raw bytes for the Bitmap (0x81)
// system entry and learn where it lives. Only then can the real bitmap-
// backed Allocator be built.
func bootstrapExFATAllocator(cache *sectorcache.Cache, desc *boot.Descriptor, fatOffsetBytes uint64, totalClusters uint32) (*allocator.ExFATAllocator, error) {
	chainOnly, err := allocator.NewFATTable(cache, 32, 1, fatOffsetBytes, 0, totalClusters, true)
	if err != nil {
		return nil, err
	}

	probeParams := clusterchain.Params{
		Cache: cache, Allocator: chainOnly,
		ClusterSizeBytes: uint64(desc.ClusterSize()), DataRegionSectors: desc.DataOffsetSectors,
	}
	probe, err := clusterchain.Open(probeParams, desc.RootCluster, -1, true)
	if err != nil {
		return nil, err
	}

	rootRaw := make([]byte, probe.Size())
	if _, err := io.ReadFull(probe, rootRaw); err != nil {
		return nil, err
	}

	bitmapStartCluster, _, found := dirtable.FindAllocationBitmap(rootRaw)
	if !found {
		return nil, fterrors.ErrInvalidFormat.WithMessage("exFAT root directory has no allocation bitmap entry")
	}
	bitmapOffsetBytes := desc.ClusterToSector(bitmapStartCluster) * uint64(desc.BytesPerSector)

	return allocator.NewExFATAllocator(cache, fatOffsetBytes, bitmapOffsetBytes, totalClusters)
}

// Close cascades through every open file handle, every registered
// directory table, the Sector Cache, and the container backend, in that
// order (spec §5's "scoped acquisition ... the close flushes all
// directory tables, file handles, sector cache, and container backend in
// that order"; ground: vclose()'s child-then-self walk).
func (v *Volume) Close() error {
	for h := range v.handles {
		h.Close()
	}
	for _, t := range v.dirRegistry {
		if err := t.tbl.Flush(); err != nil {
			return err
		}
	}
	if err := v.cache.Flush(); err != nil {
		return err
	}
	if err := v.cache.Close(); err != nil {
		return err
	}
	if v.container != nil {
		return v.container.Close()
	}
	return nil
}

// GetDiskSpace reports the free clusters and free bytes available on the
// volume (spec §6 `getdiskspace() → (free_clusters, free_bytes)`).
func (v *Volume) GetDiskSpace() (freeClusters uint32, freeBytes uint64, err error) {
	n, err := v.alloc.FreeClusterCount()
	if err != nil {
		return 0, 0, err
	}
	return n, uint64(n) * uint64(v.Boot.ClusterSize()), nil
}

// CopyClusters duplicates the cluster chain starting at startCluster to a
// new position, returning the new chain's first cluster (spec §6
// `fat_copy_clusters`, ground: FAT.py/exFAT.py's fat_copy_clusters — clone
// a stream's data without touching any directory entry, for a caller that
// wants to duplicate a file's content cluster-for-cluster, e.g. ahead of
// giving the copy its own directory entry).
func (v *Volume) CopyClusters(startCluster uint32) (uint32, error) {
	count, _, err := v.alloc.ChainLength(startCluster)
	if err != nil {
		return 0, err
	}
	clusterSize := int64(v.Boot.ClusterSize())

	src, err := clusterchain.Open(v.clusterParams, startCluster, int64(count)*clusterSize, true)
	if err != nil {
		return 0, err
	}
	dst, err := clusterchain.Open(v.clusterParams, 0, 0, false)
	if err != nil {
		return 0, err
	}
	if err := dst.Truncate(int64(count) * clusterSize); err != nil {
		return 0, err
	}

	buf := make([]byte, clusterSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return 0, werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	return dst.StartCluster(), nil
}

// invalidateHandles marks every open Handle bound to startCluster as
// invalid, so a Read/Write/Close reaching it afterward returns an error
// instead of acting on clusters an Erase has already freed and a later
// Create may have reoccupied (spec §4.8.4/§4.8.5).
func (v *Volume) invalidateHandles(startCluster uint32) {
	if startCluster == 0 {
		return
	}
	for h := range v.handles {
		if h.rec.StartCluster == startCluster {
			h.invalid = true
		}
	}
}

// WipeFreeSpace overwrites every unallocated cluster with zeroes (spec §6
// `wipefreespace`, ground: FAT.py's wipefreespace() walking
// self.fat.free_clusters_map and zero-filling each run through the same
// buffered device the rest of the volume uses).
func (v *Volume) WipeFreeSpace() error {
	runs, err := v.alloc.FreeRuns()
	if err != nil {
		return err
	}
	clusterSize := uint64(v.Boot.ClusterSize())
	sectorSize := uint64(v.Boot.BytesPerSector)
	sectorsPerCluster := clusterSize / sectorSize
	zeros := make([]byte, clusterSize)

	for _, r := range runs {
		firstSector := v.Boot.ClusterToSector(uint32(r.Start))
		count := uint(uint64(r.Length) * sectorsPerCluster)
		for count > 0 {
			chunk := count
			if chunk > 4096 {
				chunk = 4096
			}
			buf := zeros
			if uint64(len(buf)) < uint64(chunk)*sectorSize {
				buf = make([]byte, uint64(chunk)*sectorSize)
			}
			if err := v.cache.Write(firstSector, buf[:uint64(chunk)*sectorSize]); err != nil {
				return err
			}
			firstSector += uint64(chunk)
			count -= chunk
		}
	}
	return v.cache.Flush()
}
