package mkfs

import fterrors "github.com/maxpat78/FATtools/errors"

// classicCandidate is one (cluster size, resulting layout) combination
// considered while formatting FAT12/16/32, grounded on the `fsinfo` dict
// mkfat.py's three *_mkfs functions build per candidate cluster size.
type classicCandidate struct {
	clusterSize  uint
	clusters     uint32
	fatSizeBytes uint64 // space occupied by one FAT copy
	rootEntries  uint   // FAT12/16 only
}

// reservedRegionBytes returns the byte size of the area preceding the FAT
// that is never counted as a usable cluster: the boot-sector reserved
// region itself, plus (for FAT12/16 only) the fixed-size root directory,
// which lives outside the cluster heap for those two variants (spec
// §4.9.1).
func reservedRegionBytes(bits uint, sectorSize uint, reservedSectors uint32, rootEntries uint) uint64 {
	reserved := uint64(reservedSectors) * uint64(sectorSize)
	if bits == 32 {
		return reserved
	}
	rootBytes := uint64(rootEntries) * 32
	rootSectors := (rootBytes + uint64(sectorSize) - 1) / uint64(sectorSize)
	return reserved + rootSectors*uint64(sectorSize)
}

// classicFATSizeBytes computes how many whole sectors a single FAT copy of
// the given slot width needs to describe `clusters` data clusters plus the
// two reserved leading slots, per spec §4.9.1's
// `⌈(bits × (clusters + 2)) / (8 × sector)⌉` formula.
func classicFATSizeBytes(bits uint, clusters uint32, sectorSize uint) uint64 {
	totalBits := uint64(bits) * uint64(clusters+2)
	totalBytes := (totalBits + 7) / 8
	sectors := (totalBytes + uint64(sectorSize) - 1) / uint64(sectorSize)
	return sectors * uint64(sectorSize)
}

// legalClusterRange reports whether `clusters` falls within the variant's
// legal count for the given FAT slot width (spec §4.9.1).
func legalClusterRange(bits uint, clusters uint32, allowFewFAT32 bool) bool {
	switch bits {
	case 12:
		return clusters >= 1 && clusters <= 4084
	case 16:
		return clusters >= 4085 && clusters <= 65524
	case 32:
		if clusters < 1 || clusters > (1<<28-11) {
			return false
		}
		return allowFewFAT32 || clusters >= 65526
	default:
		return false
	}
}

// clusterCountAt computes how many clusters of the given size fit in
// sizeBytes once the reserved region and fatCopies mirrored FAT copies are
// subtracted, shrinking by two clusters at a time (to keep an even count,
// matching mkfat.py) until the total fits. It does not filter by legal
// range; callers do that separately so the direction of a cascade
// (escalate to a wider slot, or fall back to a narrower one) can be judged
// from the raw count.
func clusterCountAt(sizeBytes int64, sectorSize uint, bits uint, clusterSize uint, fatCopies uint, reserved uint64) uint32 {
	if sizeBytes <= int64(reserved) {
		return 0
	}
	available := uint64(sizeBytes) - reserved
	clusters := available / uint64(clusterSize)
	if clusters%2 == 1 {
		clusters--
	}
	for clusters >= 2 {
		fatSize := classicFATSizeBytes(bits, uint32(clusters), sectorSize)
		required := clusters*uint64(clusterSize) + uint64(fatCopies)*fatSize + reserved
		if required <= uint64(sizeBytes) {
			break
		}
		clusters -= 2
	}
	if clusters > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(clusters)
}

// enumerateClassicCandidates builds the {cluster_size: fsinfo} table
// mkfat.py's allowed dict represents, for cluster sizes 512B..64KiB (spec
// §4.9.1's enumeration), keeping only sizes whose resulting cluster count
// is legal for the given FAT slot width.
func enumerateClassicCandidates(sizeBytes int64, sectorSize uint, bits uint, fatCopies uint, reserved uint64, rootEntries uint, allowFewFAT32 bool) map[uint]classicCandidate {
	allowed := make(map[uint]classicCandidate)
	for shift := uint(9); shift <= 16; shift++ {
		clusterSize := uint(1) << shift
		clusters := clusterCountAt(sizeBytes, sectorSize, bits, clusterSize, fatCopies, reserved)
		if !legalClusterRange(bits, clusters, allowFewFAT32) {
			continue
		}
		allowed[clusterSize] = classicCandidate{
			clusterSize:  clusterSize,
			clusters:     clusters,
			fatSizeBytes: classicFATSizeBytes(bits, clusters, sectorSize),
			rootEntries:  rootEntries,
		}
	}
	return allowed
}

// msPreferredClusterSize mirrors the size-bracket table each of mkfat.py's
// *_mkfs functions falls back to when no explicit cluster size is
// requested (spec §4.9.1 "for well-known ... counts, pick the canonical
// cluster size").
func msPreferredClusterSize(bits uint, sizeBytes int64) uint {
	mib := int64(1) << 20
	switch bits {
	case 12:
		switch {
		case sizeBytes <= 2*mib:
			return 512
		case sizeBytes <= 4085*(mib/1024):
			return 1024
		case sizeBytes <= 8170*(mib/1024):
			return 2048
		case sizeBytes <= 16340*(mib/1024):
			return 4096
		case sizeBytes <= 32680*(mib/1024):
			return 8192
		case sizeBytes <= 65360*(mib/1024):
			return 16384
		case sizeBytes <= 130720*(mib/1024):
			return 32768
		default:
			return 65536
		}
	case 16:
		switch {
		case sizeBytes <= 32*mib:
			return 512
		case sizeBytes <= 64*mib:
			return 1024
		case sizeBytes <= 128*mib:
			return 2048
		case sizeBytes <= 256*mib:
			return 4096
		case sizeBytes <= 512*mib:
			return 8192
		case sizeBytes <= 1<<30:
			return 16384
		case sizeBytes <= 2<<30:
			return 32768
		default:
			return 65536
		}
	case 32:
		gib := int64(1) << 30
		switch {
		case sizeBytes <= 64*mib:
			return 512
		case sizeBytes <= 128*mib:
			return 1024
		case sizeBytes <= 256*mib:
			return 2048
		case sizeBytes <= 8*gib:
			return 4096
		case sizeBytes <= 16*gib:
			return 8192
		case sizeBytes <= 32*gib:
			return 16384
		case sizeBytes <= 2048*gib:
			return 32768
		default:
			return 65536
		}
	default:
		return 4096
	}
}

// pickClassicCandidate selects one candidate from `allowed`: the requested
// cluster size if the caller fixed one, else the MS size-bracket
// preference if it happens to be in the allowed set, else the middle of
// the allowed set sorted by cluster size (spec §4.9.1's selection policy
// for a fixed FAT width).
func pickClassicCandidate(allowed map[uint]classicCandidate, wanted uint, bits uint, sizeBytes int64) (classicCandidate, error) {
	if len(allowed) == 0 {
		return classicCandidate{}, fterrors.ErrNoSpace.WithMessage("no cluster size produces a legal cluster count for this FAT width")
	}
	if wanted != 0 {
		fi, ok := allowed[wanted]
		if !ok {
			return classicCandidate{}, fterrors.ErrInvalidArgument.WithMessage("requested cluster size is not legal for this FAT width and volume size")
		}
		return fi, nil
	}
	if fi, ok := allowed[msPreferredClusterSize(bits, sizeBytes)]; ok {
		return fi, nil
	}

	sizes := sortedClusterSizes(allowed)
	return allowed[sizes[len(sizes)/2]], nil
}

func sortedClusterSizes(allowed map[uint]classicCandidate) []uint {
	sizes := make([]uint, 0, len(allowed))
	for s := range allowed {
		sizes = append(sizes, s)
	}
	for i := 1; i < len(sizes); i++ {
		for j := i; j > 0 && sizes[j-1] > sizes[j]; j-- {
			sizes[j-1], sizes[j] = sizes[j], sizes[j-1]
		}
	}
	return sizes
}
