// Package boot parses and encodes the boot sector variants the engine
// supports — FAT12/16, FAT32, and exFAT — and reports which one a given
// device holds, along with the derived geometry (cluster size, FAT offset,
// data region offset) every higher layer needs.
//
// Ground: FAT.py's boot_fat16/boot_fat32 classes and exFAT.py's boot_exfat
// class in original_source/, which this package ports field-for-field from
// a Python struct-layout dict into little-endian reads at explicit byte
// offsets with encoding/binary (spec §4.5).
package boot

import (
	"encoding/binary"

	"github.com/maxpat78/FATtools/internal/bitutil"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// Variant identifies which on-disk format a boot sector describes.
type Variant int

const (
	VariantUnknown Variant = iota
	VariantFAT12
	VariantFAT16
	VariantFAT32
	VariantExFAT
)

func (v Variant) String() string {
	switch v {
	case VariantFAT12:
		return "FAT12"
	case VariantFAT16:
		return "FAT16"
	case VariantFAT32:
		return "FAT32"
	case VariantExFAT:
		return "exFAT"
	default:
		return "unknown"
	}
}

// Descriptor is the normalized view of a boot sector that every backend
// variant decodes into, so allocator/clusterchain/dirtable never need to
// branch on Variant themselves (spec §4.5, testable property #8: "cluster
// offset math agrees across all three variants given equivalent fields").
type Descriptor struct {
	Variant Variant

	BytesPerSector    uint
	SectorsPerCluster uint
	ReservedSectors   uint32
	FATCount          uint
	SectorsPerFAT     uint32
	RootCluster       uint32 // 0 for FAT12/16's fixed root directory
	RootDirOffset     uint64 // byte offset, only meaningful for FAT12/16
	RootEntryCount    uint   // FAT12/16 only; 0 for FAT32/exFAT
	TotalSectors      uint64
	FATOffsetSectors  uint64
	DataOffsetSectors uint64
	VolumeSerial      uint32
	VolumeLabel       string
	MediaDescriptor   byte

	// exFAT-only fields; zero for FAT variants.
	PercentInUse byte
	VolumeFlags  uint16
}

// ClusterSize returns the size of one cluster, in bytes.
func (d *Descriptor) ClusterSize() uint {
	return d.BytesPerSector * d.SectorsPerCluster
}

// ClusterCount returns the number of data clusters described by this boot
// sector's DataOffsetSectors/TotalSectors pair.
func (d *Descriptor) ClusterCount() uint64 {
	dataSectors := d.TotalSectors - d.DataOffsetSectors
	return dataSectors / uint64(d.SectorsPerCluster)
}

// ClusterToSector converts a cluster number (first valid cluster is 2, per
// every FAT-family convention) into an absolute sector offset.
func (d *Descriptor) ClusterToSector(cluster uint32) uint64 {
	return d.DataOffsetSectors + uint64(cluster-2)*uint64(d.SectorsPerCluster)
}

const bootSignatureOffset = 0x1FE

func checkBootSignature(sector []byte) error {
	if len(sector) < 512 {
		return fterrors.ErrBadBootSector.WithMessage("boot sector shorter than 512 bytes")
	}
	if sector[bootSignatureOffset] != 0x55 || sector[bootSignatureOffset+1] != 0xAA {
		return fterrors.ErrBadBootSector.WithMessage("missing 0x55AA boot signature")
	}
	return nil
}

// Parse detects which variant `sector` (the raw 512-byte first sector of
// the volume) holds and decodes it into a Descriptor. readExtra is called
// with sectors 1..11 when the signature suggests exFAT, to verify the VBR
// checksum over all 11 boot region sectors (0..10) against the checksum
// sector 11 holds (spec §4.5 testable property
// #9: "a corrupted exFAT VBR is rejected before any higher layer touches
// it"); pass nil to skip checksum verification (e.g. when only sector 0
// is available, such as a quick format-detection probe).
func Parse(sector []byte, readExtra func(sectorIndex int) ([]byte, error)) (*Descriptor, error) {
	if err := checkBootSignature(sector); err != nil {
		return nil, err
	}

	if string(sector[3:11]) == "EXFAT   " {
		return parseExFAT(sector, readExtra)
	}

	fsType16 := string(sector[0x36 : 0x36+8])
	fsType32 := string(sector[0x52 : 0x52+8])
	switch {
	case fsType32 == "FAT32   ":
		return parseFAT32(sector)
	case fsType16 == "FAT12   ":
		return parseFAT16(sector, VariantFAT12)
	case fsType16 == "FAT16   ":
		return parseFAT16(sector, VariantFAT16)
	default:
		// Fall back to the cluster-count heuristic Microsoft's own spec
		// mandates: the FS type string is informational only. Decode as
		// FAT16 layout first to get ClusterCount, then reclassify.
		d, err := parseFAT16(sector, VariantFAT16)
		if err != nil {
			return nil, err
		}
		count := d.ClusterCount()
		switch {
		case count < 4085:
			d.Variant = VariantFAT12
		case count < 65525:
			d.Variant = VariantFAT16
		default:
			return nil, fterrors.ErrBadBootSector.WithMessage("cluster count implies FAT32 but FAT32 signature is absent")
		}
		return d, nil
	}
}

func parseFAT16(sector []byte, variant Variant) (*Descriptor, error) {
	bytesPerSector := binary.LittleEndian.Uint16(sector[0x0B:0x0D])
	sectorsPerCluster := sector[0x0D]
	reserved := binary.LittleEndian.Uint16(sector[0x0E:0x10])
	fatCopies := sector[0x10]
	maxRootEntries := binary.LittleEndian.Uint16(sector[0x11:0x13])
	totalSectors16 := binary.LittleEndian.Uint16(sector[0x13:0x15])
	media := sector[0x15]
	sectorsPerFAT := binary.LittleEndian.Uint16(sector[0x16:0x18])
	totalSectors32 := binary.LittleEndian.Uint32(sector[0x20:0x24])
	volumeSerial := binary.LittleEndian.Uint32(sector[0x27:0x2B])
	label := trimPadding(sector[0x2B : 0x2B+11])

	if bytesPerSector == 0 || sectorsPerCluster == 0 {
		return nil, fterrors.ErrBadBootSector.WithMessage("zero bytes-per-sector or sectors-per-cluster")
	}

	totalSectors := uint64(totalSectors32)
	if totalSectors == 0 {
		totalSectors = uint64(totalSectors16)
	}

	fatOffset := uint64(reserved)
	rootOffset := fatOffset + uint64(fatCopies)*uint64(sectorsPerFAT)
	rootBytes := uint64(maxRootEntries) * 32
	rootSectors := (rootBytes + uint64(bytesPerSector) - 1) / uint64(bytesPerSector)
	dataOffset := rootOffset + rootSectors

	return &Descriptor{
		Variant:           variant,
		BytesPerSector:    uint(bytesPerSector),
		SectorsPerCluster: uint(sectorsPerCluster),
		ReservedSectors:   uint32(reserved),
		FATCount:          uint(fatCopies),
		SectorsPerFAT:     uint32(sectorsPerFAT),
		RootEntryCount:    uint(maxRootEntries),
		RootDirOffset:     rootOffset * uint64(bytesPerSector),
		TotalSectors:      totalSectors,
		FATOffsetSectors:  fatOffset,
		DataOffsetSectors: dataOffset,
		VolumeSerial:      volumeSerial,
		VolumeLabel:       label,
		MediaDescriptor:   media,
	}, nil
}

func parseFAT32(sector []byte) (*Descriptor, error) {
	bytesPerSector := binary.LittleEndian.Uint16(sector[0x0B:0x0D])
	sectorsPerCluster := sector[0x0D]
	reserved := binary.LittleEndian.Uint16(sector[0x0E:0x10])
	fatCopies := sector[0x10]
	media := sector[0x15]
	totalSectors32 := binary.LittleEndian.Uint32(sector[0x20:0x24])
	sectorsPerFAT32 := binary.LittleEndian.Uint32(sector[0x24:0x28])
	rootCluster := binary.LittleEndian.Uint32(sector[0x2C:0x30])
	volumeSerial := binary.LittleEndian.Uint32(sector[0x43:0x47])
	label := trimPadding(sector[0x47 : 0x47+11])

	if bytesPerSector == 0 || sectorsPerCluster == 0 {
		return nil, fterrors.ErrBadBootSector.WithMessage("zero bytes-per-sector or sectors-per-cluster")
	}

	fatOffset := uint64(reserved)
	dataOffset := fatOffset + uint64(fatCopies)*uint64(sectorsPerFAT32)

	return &Descriptor{
		Variant:           VariantFAT32,
		BytesPerSector:    uint(bytesPerSector),
		SectorsPerCluster: uint(sectorsPerCluster),
		ReservedSectors:   uint32(reserved),
		FATCount:          uint(fatCopies),
		SectorsPerFAT:     sectorsPerFAT32,
		RootCluster:       rootCluster,
		TotalSectors:      uint64(totalSectors32),
		FATOffsetSectors:  fatOffset,
		DataOffsetSectors: dataOffset,
		VolumeSerial:      volumeSerial,
		VolumeLabel:       label,
		MediaDescriptor:   media,
	}, nil
}

func parseExFAT(sector []byte, readExtra func(int) ([]byte, error)) (*Descriptor, error) {
	bytesPerSectorShift := sector[0x6C]
	sectorsPerClusterShift := sector[0x6D]
	if bytesPerSectorShift == 0 || bytesPerSectorShift > 12 {
		return nil, fterrors.ErrBadBootSector.WithMessage("exFAT bytes-per-sector shift out of range")
	}

	bytesPerSector := uint(1) << bytesPerSectorShift
	sectorsPerCluster := uint(1) << sectorsPerClusterShift
	fatOffset := binary.LittleEndian.Uint32(sector[0x50:0x54])
	fatLength := binary.LittleEndian.Uint32(sector[0x54:0x58])
	dataOffset := binary.LittleEndian.Uint32(sector[0x58:0x5C])
	volumeLength := binary.LittleEndian.Uint64(sector[0x48:0x50])
	rootCluster := binary.LittleEndian.Uint32(sector[0x60:0x64])
	volumeSerial := binary.LittleEndian.Uint32(sector[0x64:0x68])
	fatCopies := sector[0x6E]
	percentInUse := sector[0x70]
	flags := binary.LittleEndian.Uint16(sector[0x6A:0x6C])

	d := &Descriptor{
		Variant:           VariantExFAT,
		BytesPerSector:    bytesPerSector,
		SectorsPerCluster: sectorsPerCluster,
		FATCount:          uint(fatCopies),
		SectorsPerFAT:     fatLength,
		RootCluster:       rootCluster,
		TotalSectors:      volumeLength,
		FATOffsetSectors:  uint64(fatOffset),
		DataOffsetSectors: uint64(dataOffset),
		VolumeSerial:      volumeSerial,
		PercentInUse:      percentInUse,
		VolumeFlags:       flags,
	}

	if readExtra != nil {
		if err := verifyExFATChecksum(sector, readExtra); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// verifyExFATChecksum recomputes the rolling checksum over the 11 boot
// region sectors and compares it to the stored value in sector 11, per
// exFAT.py's checkvbr/GetChecksum.
func verifyExFATChecksum(sector0 []byte, readExtra func(int) ([]byte, error)) error {
	h := bitutil.ExFATChecksum32(sector0, func(off int) bool {
		return off == 106 || off == 107 || off == 112
	})

	for i := 1; i < 11; i++ {
		data, err := readExtra(i)
		if err != nil {
			return err
		}
		h = combineExFATChecksum(h, data)
	}

	checksumSector, err := readExtra(11)
	if err != nil {
		return err
	}
	if len(checksumSector) < 4 {
		return fterrors.ErrBadBootSector.WithMessage("exFAT checksum sector truncated")
	}
	stored := binary.LittleEndian.Uint32(checksumSector[:4])
	if stored != h {
		return fterrors.ErrBadBootSector.WithMessage("exFAT VBR checksum mismatch")
	}
	return nil
}

// combineExFATChecksum continues the rolling hash across a sector boundary;
// no offsets are excluded past sector 0.
func combineExFATChecksum(running uint32, data []byte) uint32 {
	h := running
	for _, b := range data {
		h = ((h >> 1) | (h << 31)) + uint32(b)
	}
	return h
}

func trimPadding(raw []byte) string {
	end := len(raw)
	for end > 0 && (raw[end-1] == ' ' || raw[end-1] == 0) {
		end--
	}
	return string(raw[:end])
}
