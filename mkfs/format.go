package mkfs

import (
	"github.com/maxpat78/FATtools/blockdev"
	"github.com/maxpat78/FATtools/boot"
)

// sizeThresholdMiB mirrors mkfat.py's __main__ auto-selection table: below
// 127 MiB use FAT12, below 2047 MiB use FAT16, below 126 GiB use FAT32,
// otherwise exFAT (spec §4.9.1's "auto-select the narrowest variant that
// fits").
func autoSelectVariant(sizeBytes int64) boot.Variant {
	const mib = int64(1) << 20
	const gib = int64(1) << 30
	switch {
	case sizeBytes < 127*mib:
		return boot.VariantFAT12
	case sizeBytes < 2047*mib:
		return boot.VariantFAT16
	case sizeBytes < 126*gib:
		return boot.VariantFAT32
	default:
		return boot.VariantExFAT
	}
}

// Format applies whichever variant params.Variant names, or auto-selects
// one by device size when params.Variant is VariantUnknown, dispatching to
// FormatFAT or FormatExFAT (spec §6 "Formatting": `format(volume, size,
// sector, params)`).
func Format(dev blockdev.Device, params Params) (*boot.Descriptor, *Info, error) {
	variant := params.Variant
	if variant == boot.VariantUnknown {
		variant = autoSelectVariant(int64(dev.SectorCount()) * int64(dev.SectorSize()))
		params.Variant = variant
	}

	if variant == boot.VariantExFAT {
		return FormatExFAT(dev, params)
	}
	return FormatFAT(dev, params)
}
