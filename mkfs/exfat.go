package mkfs

import (
	"encoding/binary"

	"github.com/dustin/go-humanize"

	"github.com/maxpat78/FATtools/blockdev"
	"github.com/maxpat78/FATtools/boot"
	"github.com/maxpat78/FATtools/internal/bitutil"

	fterrors "github.com/maxpat78/FATtools/errors"
)

const (
	exfatMinReservedSectors = 24
	exfatDefaultReserved    = 65536 / 512 // 128 sectors whatever the sector size: FORMAT's 65536 bytes at 512-byte sectors
	exfatBitmapSlotType     = 0x81
	exfatUpcaseSlotType     = 0x82
)

// nodosStubExFAT is the exFAT VBR's own NO-DOS stub, assembled at a
// different boot-code offset than the classic FAT one because exFAT's BPB
// area extends further into the sector (ground: mkfat.py's
// nodos_asm_78h).
var nodosStubExFAT = []byte{
	0xB8, 0xC0, 0x07, 0x8E, 0xD8, 0xBE, 0x93, 0x00, 0xAC, 0x08, 0xC0, 0x74,
	0x0A, 0xB4, 0x0E, 0xBB, 0x07, 0x00, 0xCD, 0x10, 0xE9, 0xF1, 0xFF, 0xF4,
	0xE9, 0xFC, 0xFF, 0x4E, 0x4F, 0x20, 0x44, 0x4F, 0x53, 0x00,
}

// calcExFATClusterSize picks the cluster size MS FORMAT would choose for a
// volume of this size: starting at 512 bytes for volumes up to 64 MiB and
// doubling both the cluster-size and volume-size exponent together, with
// the documented jumps at 2^29 and 2^39 (spec §4.9.2; ground: mkfat.py's
// calc_cluster).
func calcExFATClusterSize(sizeBytes int64) uint {
	c := uint(9)
	v := uint(26)
	for i := 0; i < 17; i++ {
		if sizeBytes <= int64(1)<<v {
			return uint(1) << c
		}
		c++
		v++
		if v == 29 {
			v += 4
		}
		if v == 39 {
			v++
		}
	}
	return 32 << 20 // maximum cluster: 32 MiB
}

type exfatCandidate struct {
	clusterSize  uint
	clusters     uint32
	fatSizeBytes uint64
}

func enumerateExFATCandidates(sizeBytes int64, sectorSize uint, fatCopies uint, reserved uint64, dataPadding uint64) map[uint]exfatCandidate {
	allowed := make(map[uint]exfatCandidate)
	for shift := uint(9); shift <= 25; shift++ {
		clusterSize := uint(1) << shift
		if int64(reserved) >= sizeBytes {
			continue
		}
		clusters := (uint64(sizeBytes) - reserved) / uint64(clusterSize)
		fatSize := exFATFATSizeBytes(clusters, sectorSize, clusterSize)
		required := clusters*uint64(clusterSize) + fatCopies*fatSize + reserved + dataPadding
		for required > uint64(sizeBytes) && clusters > 0 {
			clusters--
			fatSize = exFATFATSizeBytes(clusters, sectorSize, clusterSize)
			required = clusters*uint64(clusterSize) + fatCopies*fatSize + reserved + dataPadding
		}
		if clusters < 1 || clusters > 0xFFFFFFFF {
			continue
		}
		allowed[clusterSize] = exfatCandidate{clusterSize: clusterSize, clusters: uint32(clusters), fatSizeBytes: fatSize}
	}
	return allowed
}

// exFATFATSizeBytes computes one FAT copy's size, rounded up to a whole
// sector and then up again to a whole cluster (spec §4.9.2; ground:
// mkfat.py's exfat_mkfs fat_size computation, which rounds twice).
func exFATFATSizeBytes(clusters uint64, sectorSize uint, clusterSize uint) uint64 {
	bytesNeeded := 4 * (clusters + 2)
	sectors := (bytesNeeded + uint64(sectorSize) - 1) / uint64(sectorSize) * uint64(sectorSize)
	return (sectors + uint64(clusterSize) - 1) / uint64(clusterSize) * uint64(clusterSize)
}

// FormatExFAT applies exFAT to dev (spec §4.9.2). Unlike FormatFAT it never
// falls back to another variant: exFAT has no narrower sibling to
// de-escalate to, and the calling convention leaves "too big for exFAT"
// (never, at the cluster sizes this format allows) unreachable.
func FormatExFAT(dev blockdev.Device, params Params) (*boot.Descriptor, *Info, error) {
	p := params.withDefaults()
	sectorSize := dev.SectorSize()
	sizeBytes := int64(dev.SectorCount()) * int64(sectorSize)

	reservedSectors := p.ReservedSectors
	if reservedSectors == 0 {
		reservedSectors = exfatDefaultReserved
	}
	if reservedSectors < exfatMinReservedSectors {
		reservedSectors = exfatMinReservedSectors
	}
	fatCopies := p.FATCopies
	if fatCopies == 0 {
		fatCopies = 1
	}
	reserved := uint64(reservedSectors) * uint64(sectorSize)

	allowed := enumerateExFATCandidates(sizeBytes, sectorSize, fatCopies, reserved, p.DataRegionPadding)
	if len(allowed) == 0 {
		return nil, nil, fterrors.ErrNoSpace.WithMessage("volume too small to hold even one exFAT cluster")
	}

	wanted := p.ClusterSize
	if wanted == 0 {
		wanted = calcExFATClusterSize(sizeBytes)
	}
	fi, ok := allowed[wanted]
	if !ok {
		return nil, nil, fterrors.ErrInvalidArgument.WithMessage("requested cluster size is not legal for exFAT at this volume size")
	}

	return writeExFAT(dev, fi, fatCopies, reserved, p)
}

func writeExFAT(dev blockdev.Device, fi exfatCandidate, fatCopies uint, reserved uint64, p Params) (*boot.Descriptor, *Info, error) {
	sectorSize := dev.SectorSize()
	fatOffsetSectors := (reserved + uint64(sectorSize) - 1) / uint64(sectorSize)
	fatLengthSectors := (fi.fatSizeBytes + uint64(sectorSize) - 1) / uint64(sectorSize)
	dataOffsetSectors := fatOffsetSectors + fatLengthSectors + p.DataRegionPadding/uint64(sectorSize)
	clusterShift := log2(uint64(fi.clusterSize) / uint64(sectorSize))
	sectorShift := log2(uint64(sectorSize))

	serial := dosSerial()

	boot0 := make([]byte, sectorSize)
	boot0[0], boot0[1], boot0[2] = 0xEB, 0x76, 0x90
	copy(boot0[3:11], "EXFAT   ")
	copy(boot0[0x78:], nodosStubExFAT)
	binary.LittleEndian.PutUint64(boot0[0x40:0x48], 0x3F) // partition offset
	binary.LittleEndian.PutUint64(boot0[0x48:0x50], dev.SectorCount())
	binary.LittleEndian.PutUint32(boot0[0x50:0x54], uint32(fatOffsetSectors))
	binary.LittleEndian.PutUint32(boot0[0x54:0x58], uint32(fatLengthSectors))
	binary.LittleEndian.PutUint32(boot0[0x58:0x5C], uint32(dataOffsetSectors))
	binary.LittleEndian.PutUint32(boot0[0x5C:0x60], fi.clusters)
	// FirstClusterOfRootDirectory (0x60) filled in once Bitmap+Upcase sizes
	// are known, below.
	binary.LittleEndian.PutUint32(boot0[0x64:0x68], serial)
	binary.LittleEndian.PutUint16(boot0[0x68:0x6A], 0x0100) // FS revision 1.00
	boot0[0x6C] = byte(sectorShift)
	boot0[0x6D] = byte(clusterShift)
	boot0[0x6E] = byte(fatCopies)
	boot0[0x6F] = 0x80 // drive select
	boot0[bootSignatureOffset], boot0[bootSignatureOffset+1] = 0x55, 0xAA

	clusterOffset := func(cluster uint32) uint64 {
		return dataOffsetSectors + uint64(cluster-2)*uint64(fi.clusterSize/sectorSize)
	}

	// Bitmap: starts at cluster 2, sized ceil(clusters/8) bytes.
	bitmapCluster := uint32(2)
	bitmapBytes := uint64(fi.clusters+7) / 8
	bitmapClusters := (bitmapBytes + uint64(fi.clusterSize) - 1) / uint64(fi.clusterSize)
	if err := dev.WriteSectors(clusterOffset(bitmapCluster), make([]byte, bitmapClusters*uint64(fi.clusterSize))); err != nil {
		return nil, nil, err
	}

	// Up-Case table immediately follows the Bitmap.
	upcaseCluster := bitmapCluster + uint32(bitmapClusters)
	upcaseTable := buildUpcaseTable()
	upcaseBytes := compressUpcaseTable(upcaseTable)
	upcaseChecksum := bitutil.ExFATChecksum32(upcaseBytes, nil)
	upcaseClusters := (uint64(len(upcaseBytes)) + uint64(fi.clusterSize) - 1) / uint64(fi.clusterSize)
	if err := dev.WriteSectors(clusterOffset(upcaseCluster), padToCluster(upcaseBytes, fi.clusterSize)); err != nil {
		return nil, nil, err
	}

	rootCluster := upcaseCluster + uint32(upcaseClusters)
	binary.LittleEndian.PutUint32(boot0[0x60:0x64], rootCluster)

	if err := dev.WriteSectors(0, boot0); err != nil {
		return nil, nil, err
	}
	spare := make([]byte, sectorSize)
	spare[bootSignatureOffset], spare[bootSignatureOffset+1] = 0x55, 0xAA
	for i := uint64(1); i <= 8; i++ {
		if err := dev.WriteSectors(i, spare); err != nil {
			return nil, nil, err
		}
	}
	if err := dev.WriteSectors(9, make([]byte, sectorSize)); err != nil { // OEM parameters
		return nil, nil, err
	}
	if err := dev.WriteSectors(10, make([]byte, sectorSize)); err != nil { // reserved sector
		return nil, nil, err
	}

	vbr, err := dev.ReadSectors(0, 11)
	if err != nil {
		return nil, nil, err
	}
	vbrChecksum := bitutil.ExFATChecksum32(vbr, func(off int) bool {
		return off == 106 || off == 107 || off == 112
	})
	checksumSector := make([]byte, sectorSize)
	for off := 0; off+4 <= int(sectorSize); off += 4 {
		binary.LittleEndian.PutUint32(checksumSector[off:off+4], vbrChecksum)
	}
	if err := dev.WriteSectors(11, checksumSector); err != nil {
		return nil, nil, err
	}
	// Backup of the 12-sector boot region.
	for i := uint64(0); i < 11; i++ {
		if err := dev.WriteSectors(12+i, vbr[i*uint64(sectorSize):(i+1)*uint64(sectorSize)]); err != nil {
			return nil, nil, err
		}
	}
	if err := dev.WriteSectors(23, checksumSector); err != nil {
		return nil, nil, err
	}

	// Blank the FAT area, then seed its two reserved sentinel slots.
	blankFAT := make([]byte, fatLengthSectors*uint64(sectorSize))
	if err := dev.WriteSectors(fatOffsetSectors, blankFAT); err != nil {
		return nil, nil, err
	}
	fatSeed := []byte{0xF8, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	if err := dev.WriteSectors(fatOffsetSectors, padToSector(fatSeed, sectorSize)); err != nil {
		return nil, nil, err
	}
	// Mark the Bitmap, Up-Case, and Root chains: each occupies a run of
	// physically contiguous clusters, so each gets a single FAT link from
	// its last cluster to end-of-chain, with every interior cluster linked
	// to cluster+1 (mirroring fat.mark_run).
	if err := markExFATChain(dev, fatOffsetSectors, sectorSize, bitmapCluster, uint32(bitmapClusters)); err != nil {
		return nil, nil, err
	}
	if err := markExFATChain(dev, fatOffsetSectors, sectorSize, upcaseCluster, uint32(upcaseClusters)); err != nil {
		return nil, nil, err
	}
	if err := setFATSlot32(dev, fatOffsetSectors, sectorSize, rootCluster, 0xFFFFFFFF); err != nil {
		return nil, nil, err
	}

	// Blank the root directory's first cluster, then write the mandatory
	// Bitmap (0x81) and Up-Case (0x82) special slots (spec §4.9.2 step 9).
	if err := dev.WriteSectors(clusterOffset(rootCluster), make([]byte, fi.clusterSize)); err != nil {
		return nil, nil, err
	}
	bitmapSlot := encodeExFATSpecialSlot(exfatBitmapSlotType, bitmapCluster, bitmapBytes, 0)
	upcaseSlot := encodeExFATSpecialSlot(exfatUpcaseSlotType, upcaseCluster, uint64(len(upcaseBytes)), upcaseChecksum)
	root := append(append([]byte{}, bitmapSlot...), upcaseSlot...)
	if err := dev.WriteSectors(clusterOffset(rootCluster), padToCluster(root, fi.clusterSize)); err != nil {
		return nil, nil, err
	}

	free := fi.clusters - uint32(bitmapClusters) - uint32(upcaseClusters) - 1
	info := &Info{
		Variant:       boot.VariantExFAT,
		ClusterSize:   fi.clusterSize,
		TotalClusters: fi.clusters,
		FreeClusters:  free,
		RequiredSize:  sizeBytesOf(dev),
	}
	p.Logger("mkfs: applied exFAT to a %s volume: %d clusters of %s, %d free", humanize.Bytes(uint64(info.RequiredSize)), info.TotalClusters, humanize.Bytes(uint64(info.ClusterSize)), info.FreeClusters)

	desc, err := readBackExFATDescriptor(dev)
	if err != nil {
		return nil, nil, err
	}
	return desc, info, nil
}

func sizeBytesOf(dev blockdev.Device) int64 {
	return int64(dev.SectorCount()) * int64(dev.SectorSize())
}

func readBackExFATDescriptor(dev blockdev.Device) (*boot.Descriptor, error) {
	sector0, err := dev.ReadSectors(0, 1)
	if err != nil {
		return nil, err
	}
	return boot.Parse(sector0, func(idx int) ([]byte, error) {
		return dev.ReadSectors(uint64(idx), 1)
	})
}

func markExFATChain(dev blockdev.Device, fatOffsetSectors uint64, sectorSize uint, start uint32, length uint32) error {
	for i := uint32(0); i < length-1; i++ {
		if err := setFATSlot32(dev, fatOffsetSectors, sectorSize, start+i, start+i+1); err != nil {
			return err
		}
	}
	return setFATSlot32(dev, fatOffsetSectors, sectorSize, start+length-1, 0xFFFFFFFF)
}

func setFATSlot32(dev blockdev.Device, fatOffsetSectors uint64, sectorSize uint, cluster uint32, value uint32) error {
	byteOffset := fatOffsetSectors*uint64(sectorSize) + uint64(cluster)*4
	sector := byteOffset / uint64(sectorSize)
	within := byteOffset % uint64(sectorSize)
	buf, err := dev.ReadSectors(sector, 1)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[within:within+4], value)
	return dev.WriteSectors(sector, buf)
}

// encodeExFATSpecialSlot packs a 32-byte Bitmap (0x81) or Up-Case (0x82)
// directory slot; both share the same layout (type, flags, start cluster,
// data length), unlike the generic File/Stream/Name entry groups in
// dirtable.ExFATGroup (spec §4.9.2 step 9).
func encodeExFATSpecialSlot(entryType byte, startCluster uint32, dataLength uint64, checksum uint32) []byte {
	slot := make([]byte, 32)
	slot[0] = entryType
	if entryType == exfatBitmapSlotType {
		slot[1] = 0 // BitmapFlags: 0 = first (and only) bitmap
	} else {
		binary.LittleEndian.PutUint32(slot[4:8], checksum)
	}
	binary.LittleEndian.PutUint32(slot[20:24], startCluster)
	binary.LittleEndian.PutUint64(slot[24:32], dataLength)
	return slot
}

func log2(v uint64) uint {
	n := uint(0)
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

func padToCluster(data []byte, clusterSize uint) []byte {
	if uint(len(data))%clusterSize == 0 {
		return data
	}
	padded := make([]byte, ((uint(len(data))/clusterSize)+1)*clusterSize)
	copy(padded, data)
	return padded
}
