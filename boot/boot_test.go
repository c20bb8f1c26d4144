package boot_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/boot"
)

func buildFAT16Sector() []byte {
	s := make([]byte, 512)
	binary.LittleEndian.PutUint16(s[0x0B:0x0D], 512) // bytes per sector
	s[0x0D] = 4                                      // sectors per cluster
	binary.LittleEndian.PutUint16(s[0x0E:0x10], 1)   // reserved sectors
	s[0x10] = 2                                       // FAT copies
	binary.LittleEndian.PutUint16(s[0x11:0x13], 512) // max root entries
	binary.LittleEndian.PutUint16(s[0x13:0x15], 8000)
	s[0x15] = 0xF8
	binary.LittleEndian.PutUint16(s[0x16:0x18], 8)
	copy(s[0x36:0x36+8], "FAT16   ")
	s[0x1FE], s[0x1FF] = 0x55, 0xAA
	return s
}

func buildExFATSector() []byte {
	s := make([]byte, 512)
	copy(s[3:11], "EXFAT   ")
	binary.LittleEndian.PutUint64(s[0x48:0x50], 200000) // volume length
	binary.LittleEndian.PutUint32(s[0x50:0x54], 128)    // FAT offset
	binary.LittleEndian.PutUint32(s[0x54:0x58], 100)    // FAT length
	binary.LittleEndian.PutUint32(s[0x58:0x5C], 300)    // data region offset
	binary.LittleEndian.PutUint32(s[0x5C:0x60], 190000) // data region length
	binary.LittleEndian.PutUint32(s[0x60:0x64], 5)      // root cluster
	s[0x6C] = 9                                         // 512-byte sectors (2^9)
	s[0x6D] = 3                                         // 8 sectors per cluster
	s[0x6E] = 1
	s[0x1FE], s[0x1FF] = 0x55, 0xAA
	return s
}

func TestParse_FAT16(t *testing.T) {
	d, err := boot.Parse(buildFAT16Sector(), nil)
	require.NoError(t, err)
	assert.Equal(t, boot.VariantFAT16, d.Variant)
	assert.EqualValues(t, 512, d.BytesPerSector)
	assert.EqualValues(t, 4, d.SectorsPerCluster)
	assert.EqualValues(t, 2048, d.ClusterSize())
}

func TestParse_MissingSignatureRejected(t *testing.T) {
	s := buildFAT16Sector()
	s[0x1FE] = 0x00
	_, err := boot.Parse(s, nil)
	assert.Error(t, err, "a boot sector without 0x55AA must be rejected")
}

func TestParse_ExFAT_ChecksumVerified(t *testing.T) {
	sector0 := buildExFATSector()

	// Recompute the expected rolling checksum over all 11 boot-region
	// sectors the same way the on-disk format defines it, then assemble a
	// readExtra callback serving sectors 1..11 (1..10 are zeroed reserved
	// sectors in this fixture; sector 11 carries the checksum).
	var h uint32
	apply := func(data []byte, skip func(int) bool) {
		for i, b := range data {
			if skip != nil && skip(i) {
				continue
			}
			h = ((h >> 1) | (h << 31)) + uint32(b)
		}
	}
	apply(sector0, func(off int) bool { return off == 106 || off == 107 || off == 112 })

	blank := make([]byte, 512)
	for i := 1; i < 11; i++ {
		apply(blank, nil)
	}

	checksumSector := make([]byte, 512)
	binary.LittleEndian.PutUint32(checksumSector[:4], h)

	readExtra := func(idx int) ([]byte, error) {
		if idx == 11 {
			return checksumSector, nil
		}
		return blank, nil
	}

	d, err := boot.Parse(sector0, readExtra)
	require.NoError(t, err)
	assert.Equal(t, boot.VariantExFAT, d.Variant)
}

func TestParse_ExFAT_BadChecksumRejected(t *testing.T) {
	sector0 := buildExFATSector()
	blank := make([]byte, 512)
	badChecksum := make([]byte, 512) // all zero: almost certainly wrong

	readExtra := func(idx int) ([]byte, error) {
		if idx == 11 {
			return badChecksum, nil
		}
		return blank, nil
	}

	_, err := boot.Parse(sector0, readExtra)
	assert.Error(t, err, "a mismatched exFAT VBR checksum must be rejected")
}
