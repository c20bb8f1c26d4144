package mkfs

import (
	"encoding/binary"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/maxpat78/FATtools/blockdev"
	"github.com/maxpat78/FATtools/boot"
	"github.com/maxpat78/FATtools/internal/dostime"

	fterrors "github.com/maxpat78/FATtools/errors"
)

const (
	bootSignatureOffset = 0x1FE
	nodosStubOffset     = 0x5A
)

// nodosStub is a tiny "NO DOS" boot code fragment: it just prints a message
// and halts, enough to keep the JMP target valid without implementing a
// real bootloader (spec §4.9.1's "tiny NO DOS stub"; ground:
// mkfat.py's nodos_asm_5Ah, assembled for the classic-FAT VBR layout).
var nodosStub = []byte{
	0xB8, 0xC0, 0x07, 0x8E, 0xD8, 0xBE, 0x73, 0x00, 0xAC, 0x08, 0xC0, 0x74,
	0x09, 0xB4, 0x0E, 0xBB, 0x07, 0x00, 0xCD, 0x10, 0xEB, 0xF2, 0xF4, 0xEB,
	0xFD, 0x4E, 0x4F, 0x20, 0x44, 0x4F, 0x53, 0x00,
}

// FormatFAT applies FAT12, FAT16, or FAT32 to dev, auto-escalating or
// de-escalating the slot width when the requested one can't represent the
// volume's cluster count (spec §4.9.1; ground: mkfat.py's cascade between
// fat12_mkfs/fat16_mkfs/fat32_mkfs on cluster-count overflow/underflow).
// params.Variant selects the starting width; VariantUnknown starts at
// FAT12, the narrowest. If the volume is too large for even FAT32,
// FormatFAT returns ErrNoSpace.WithMessage naming exFAT as the fallback —
// FormatExFAT is a separate entry point, not an automatic continuation,
// so callers choose that escalation explicitly.
func FormatFAT(dev blockdev.Device, params Params) (*boot.Descriptor, *Info, error) {
	p := params.withDefaults()

	bits := uint(12)
	switch p.Variant {
	case boot.VariantFAT16:
		bits = 16
	case boot.VariantFAT32:
		bits = 32
	case boot.VariantFAT12, boot.VariantUnknown:
		bits = 12
	default:
		return nil, nil, fterrors.ErrInvalidArgument.WithMessage("FormatFAT requires FAT12, FAT16, FAT32, or VariantUnknown")
	}

	sectorSize := dev.SectorSize()
	sizeBytes := int64(dev.SectorCount()) * int64(sectorSize)
	if dev.SectorCount() < 16 {
		return nil, nil, fterrors.ErrNoSpace.WithMessage("device has fewer than 16 sectors, too small for any FAT variant")
	}

	for {
		reservedSectors, rootEntries, fatCopies := classicDefaults(bits, p)
		reserved := reservedRegionBytes(bits, sectorSize, reservedSectors, rootEntries)

		allowed := enumerateClassicCandidates(sizeBytes, sectorSize, bits, fatCopies, reserved, rootEntries, p.FAT32AllowFewClusters)
		if len(allowed) == 0 {
			next, ok := cascadeDirection(sizeBytes, sectorSize, bits, fatCopies, reserved, p.FAT32AllowFewClusters)
			if !ok {
				return nil, nil, fterrors.ErrNoSpace.WithMessage("volume size fits no classic FAT width; try FormatExFAT")
			}
			bits = next
			continue
		}

		fi, err := pickClassicCandidate(allowed, p.ClusterSize, bits, sizeBytes)
		if err != nil {
			return nil, nil, err
		}

		return writeClassicFAT(dev, bits, fi, reservedSectors, fatCopies, p)
	}
}

func classicDefaults(bits uint, p Params) (reservedSectors uint32, rootEntries uint, fatCopies uint) {
	reservedSectors = p.ReservedSectors
	if reservedSectors == 0 {
		reservedSectors = 1
		if bits == 32 {
			// Room for the FSInfo sector (1) and the backup boot
			// sector and FSInfo copy (6 and 7) written below.
			reservedSectors = 9
		}
	}
	rootEntries = p.RootEntries
	if rootEntries == 0 {
		if bits == 16 {
			rootEntries = 512
		} else {
			rootEntries = 224
		}
	}
	fatCopies = p.FATCopies
	if fatCopies == 0 {
		fatCopies = 2
	}
	return reservedSectors, rootEntries, fatCopies
}

// cascadeDirection decides which slot width to retry with when `bits`
// produced no legal candidate at all: the smallest cluster size (512B)
// yields the largest possible cluster count, and the largest (64KiB) the
// smallest — comparing those against the width's legal range tells us
// whether the volume is too big (escalate) or too small (de-escalate) for
// `bits`, mirroring mkfat.py's "too many/too few clusters" fallback
// messages.
func cascadeDirection(sizeBytes int64, sectorSize uint, bits uint, fatCopies uint, reserved uint64, allowFewFAT32 bool) (uint, bool) {
	maxClusters := clusterCountAt(sizeBytes, sectorSize, bits, 512, fatCopies, reserved)
	minClusters := clusterCountAt(sizeBytes, sectorSize, bits, 65536, fatCopies, reserved)

	switch bits {
	case 12:
		if maxClusters > 4084 {
			return 16, true
		}
		return 0, false
	case 16:
		if maxClusters > 65524 {
			return 32, true
		}
		if minClusters < 4085 {
			return 12, true
		}
		return 0, false
	case 32:
		upper := uint32(1<<28 - 11)
		if !allowFewFAT32 && minClusters < 65526 {
			return 16, true
		}
		if maxClusters > upper {
			return 0, false
		}
		return 0, false
	default:
		return 0, false
	}
}

func writeClassicFAT(dev blockdev.Device, bits uint, fi classicCandidate, reservedSectors uint32, fatCopies uint, p Params) (*boot.Descriptor, *Info, error) {
	sectorSize := dev.SectorSize()
	sectorsPerCluster := uint32(fi.clusterSize / sectorSize)
	sectorsPerFAT := fi.fatSizeBytes / uint64(sectorSize)

	sector := make([]byte, sectorSize)
	sector[0], sector[1], sector[2] = 0xEB, 0x58, 0x90
	copy(sector[nodosStubOffset:], nodosStub)

	var oemID string
	var fsType string
	var media byte
	switch bits {
	case 12:
		oemID, fsType, media = "MSDOS5.0", "FAT12   ", 0xF0
	case 16:
		oemID, fsType, media = "MSDOS5.0", "FAT16   ", 0xF8
	default:
		oemID, fsType, media = "MSWIN4.1", "FAT32   ", 0xF8
	}
	copy(sector[0x03:0x0B], padTo(oemID, 8))
	binary.LittleEndian.PutUint16(sector[0x0B:0x0D], uint16(sectorSize))
	sector[0x0D] = byte(sectorsPerCluster)
	binary.LittleEndian.PutUint16(sector[0x0E:0x10], uint16(reservedSectors))
	sector[0x10] = byte(fatCopies)
	sector[0x15] = media

	serial := dosSerial()

	switch bits {
	case 32:
		binary.LittleEndian.PutUint32(sector[0x20:0x24], uint32(dev.SectorCount()))
		binary.LittleEndian.PutUint32(sector[0x24:0x28], uint32(sectorsPerFAT))
		binary.LittleEndian.PutUint32(sector[0x2C:0x30], 2) // root starts at cluster 2
		binary.LittleEndian.PutUint16(sector[0x30:0x32], 1) // FSInfo sector
		backup := p.FAT32BackupSector
		if backup == 0 {
			backup = 6
		}
		binary.LittleEndian.PutUint16(sector[0x32:0x34], uint16(backup))
		sector[0x40] = 0x80 // drive number
		sector[0x42] = 0x29 // extended boot signature
		binary.LittleEndian.PutUint32(sector[0x43:0x47], serial)
		copy(sector[0x47:0x47+11], padTo(p.VolumeLabel, 11))
		copy(sector[0x52:0x52+8], padTo(fsType, 8))
	default:
		binary.LittleEndian.PutUint16(sector[0x11:0x13], uint16(fi.rootEntries))
		if dev.SectorCount() < 65536 {
			binary.LittleEndian.PutUint16(sector[0x13:0x15], uint16(dev.SectorCount()))
		} else {
			binary.LittleEndian.PutUint32(sector[0x20:0x24], uint32(dev.SectorCount()))
		}
		binary.LittleEndian.PutUint16(sector[0x16:0x18], uint16(sectorsPerFAT))
		driveNum := byte(0)
		if bits == 16 {
			driveNum = 0x80
		}
		sector[0x24] = driveNum
		sector[0x26] = 0x29
		binary.LittleEndian.PutUint32(sector[0x27:0x2B], serial)
		copy(sector[0x2B:0x2B+11], padTo(p.VolumeLabel, 11))
		copy(sector[0x36:0x36+8], padTo(fsType, 8))
	}
	sector[bootSignatureOffset] = 0x55
	sector[bootSignatureOffset+1] = 0xAA

	if err := dev.WriteSectors(0, sector); err != nil {
		return nil, nil, err
	}

	fatOffset := uint64(reservedSectors)
	if bits == 32 {
		fsi := make([]byte, sectorSize)
		copy(fsi[0x00:0x04], "RRaA")
		copy(fsi[0x1E4:0x1E8], "rrAa")
		binary.LittleEndian.PutUint32(fsi[0x1E8:0x1EC], fi.clusters-1)
		binary.LittleEndian.PutUint32(fsi[0x1EC:0x1F0], 3)
		fsi[bootSignatureOffset] = 0x55
		fsi[bootSignatureOffset+1] = 0xAA
		if err := dev.WriteSectors(1, fsi); err != nil {
			return nil, nil, err
		}

		backup := p.FAT32BackupSector
		if backup == 0 {
			backup = 6
		}
		if backup != 0 {
			if err := dev.WriteSectors(uint64(backup), sector); err != nil {
				return nil, nil, err
			}
			if err := dev.WriteSectors(uint64(backup)+1, fsi); err != nil {
				return nil, nil, err
			}
		}
	}

	blankFAT := make([]byte, uint64(sectorsPerFAT)*uint64(sectorSize))
	for copyIdx := uint(0); copyIdx < fatCopies; copyIdx++ {
		if err := dev.WriteSectors(fatOffset+uint64(copyIdx)*sectorsPerFAT, blankFAT); err != nil {
			return nil, nil, err
		}
	}

	if err := seedFATSentinels(dev, bits, fatOffset, sectorsPerFAT, media); err != nil {
		return nil, nil, err
	}

	if bits == 32 {
		rootOffset := fatOffset + uint64(fatCopies)*sectorsPerFAT
		if err := dev.WriteSectors(rootOffset, make([]byte, fi.clusterSize)); err != nil {
			return nil, nil, err
		}
	} else {
		rootOffset := fatOffset + uint64(fatCopies)*sectorsPerFAT
		rootBytes := uint64(fi.rootEntries) * 32
		rootSectors := (rootBytes + uint64(sectorSize) - 1) / uint64(sectorSize)
		if err := dev.WriteSectors(rootOffset, make([]byte, rootSectors*uint64(sectorSize))); err != nil {
			return nil, nil, err
		}
	}

	variant := boot.VariantFAT12
	if bits == 16 {
		variant = boot.VariantFAT16
	} else if bits == 32 {
		variant = boot.VariantFAT32
	}

	free := fi.clusters
	if bits == 32 {
		free--
	}

	info := &Info{
		Variant:       variant,
		ClusterSize:   fi.clusterSize,
		TotalClusters: fi.clusters,
		FreeClusters:  free,
		RequiredSize:  int64(fi.clusterSize)*int64(fi.clusters) + int64(fatCopies)*int64(fi.fatSizeBytes) + int64(reservedRegionBytes(bits, sectorSize, reservedSectors, fi.rootEntries)),
	}
	p.Logger("mkfs: applied %s to a %s volume: %d clusters of %s, %d free", variant, humanize.Bytes(uint64(info.RequiredSize)), info.TotalClusters, humanize.Bytes(uint64(info.ClusterSize)), info.FreeClusters)

	desc, err := readBackDescriptor(dev)
	if err != nil {
		return nil, nil, err
	}
	return desc, info, nil
}

// seedFATSentinels writes FAT[0]/FAT[1], which always carry the media
// descriptor byte and an all-ones end-of-chain marker respectively (spec
// §4.9.1).
func seedFATSentinels(dev blockdev.Device, bits uint, fatOffsetSectors, sectorsPerFAT uint64, media byte) error {
	var seed []byte
	switch bits {
	case 12:
		seed = []byte{media, 0xFF, 0xFF}
	case 16:
		seed = []byte{media, 0xFF, 0xFF, 0xFF}
	default:
		seed = []byte{media, 0xFF, 0xFF, 0x0F, 0xFF, 0xFF, 0xFF, 0xFF, 0xF8, 0xFF, 0xFF, 0x0F}
	}
	return dev.WriteSectors(fatOffsetSectors, padToSector(seed, dev.SectorSize()))
}

func padToSector(data []byte, sectorSize uint) []byte {
	if uint(len(data))%sectorSize == 0 {
		return data
	}
	padded := make([]byte, ((uint(len(data))/sectorSize)+1)*sectorSize)
	copy(padded, data)
	return padded
}

func padTo(s string, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = ' '
	}
	copy(out, s)
	return out
}

// dosSerial derives a volume serial from the current wall clock the way
// GetDosDateTime(1) does in the reference implementation; mkfs callers that
// need reproducible images (format idempotence, spec testable property #9)
// should compare volumes modulo this field.
func dosSerial() uint32 {
	d, t, _ := dostime.ToParts(time.Now())
	return uint32(d)<<16 | uint32(t)
}

func readBackDescriptor(dev blockdev.Device) (*boot.Descriptor, error) {
	sector0, err := dev.ReadSectors(0, 1)
	if err != nil {
		return nil, err
	}
	return boot.Parse(sector0, nil)
}
