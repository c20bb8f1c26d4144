// Package mkfs formats a blank blockdev.Device with a FAT12, FAT16, FAT32,
// or exFAT file system, choosing cluster size and layout the way Microsoft's
// own FORMAT utility does (spec §4.9).
//
// Ground: original_source/FATtools/mkfat.py's fat12_mkfs/fat16_mkfs/
// fat32_mkfs/exfat_mkfs functions (candidate-cluster-size enumeration,
// selection heuristics, and on-disk write sequence), and the teacher's
// drivers/fat8/formattingdriver.go Format method for the overall Go shape
// of a formatter: blank the image, compute FAT geometry, write the FAT
// copies, reserve the root area, and report what was built.
package mkfs

import (
	"github.com/maxpat78/FATtools/boot"
	"github.com/maxpat78/FATtools/internal/bitutil"
)

// Params controls a format operation. The zero value asks for every default
// the reference implementation uses, with the variant and cluster size
// auto-selected from the device's size (spec §6 "Formatting").
type Params struct {
	// Variant is the target on-disk format. VariantUnknown auto-selects the
	// narrowest classic FAT variant that fits when passed to FormatFAT, or
	// the only option when passed to FormatExFAT (ignored there).
	Variant boot.Variant

	// ClusterSize, if nonzero, forces that exact cluster size (bytes); it
	// must be a power of two the chosen variant allows. Zero auto-selects.
	ClusterSize uint

	// ReservedSectors overrides the reserved region size (sectors before
	// the first FAT, for every variant). Zero uses the variant's default.
	ReservedSectors uint32

	// FATCopies overrides the number of mirrored FAT copies. Zero uses the
	// variant's default (2 for classic FAT, 1 for exFAT).
	FATCopies uint

	// RootEntries overrides the root directory's fixed entry count for
	// FAT12/16 (meaningless for FAT32/exFAT, whose root is an ordinary
	// cluster chain). Zero uses the variant's default (224 for FAT12, 512
	// for FAT16).
	RootEntries uint

	// FAT32AllowFewClusters permits FAT32 with a cluster count below
	// Microsoft's 65526-cluster CHKDSK compatibility floor (spec §4.9.1).
	FAT32AllowFewClusters bool

	// FAT32BackupSector overrides the sector holding the backup boot
	// region for FAT32. Zero uses the default of sector 6.
	FAT32BackupSector uint

	// DataRegionPadding adds extra sectors between the exFAT FAT region and
	// the cluster heap. Zero (the common case) places them adjacent.
	DataRegionPadding uint64

	// VolumeLabel is written into the boot sector's label field (FAT) or
	// left for a later volume-label directory entry (exFAT, which has no
	// boot-sector label field). Empty means "NO NAME" for FAT, no label
	// entry for exFAT.
	VolumeLabel string

	Logger bitutil.Logger
}

func (p Params) withDefaults() Params {
	if p.Logger == nil {
		p.Logger = bitutil.NopLogger
	}
	if p.VolumeLabel == "" {
		p.VolumeLabel = "NO NAME"
	}
	return p
}

// Info summarizes a completed format, mirroring the human-readable report
// mkfat.py prints after each successful run (spec §4.9.1/§4.9.2's closing
// "Successfully applied ..." messages).
type Info struct {
	Variant       boot.Variant
	ClusterSize   uint
	TotalClusters uint32
	FreeClusters  uint32
	RequiredSize  int64
}
