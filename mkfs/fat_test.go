package mkfs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/blockdev"
	"github.com/maxpat78/FATtools/boot"
	"github.com/maxpat78/FATtools/mkfs"
)

func newMemoryDevice(t *testing.T, sizeBytes int) blockdev.Device {
	t.Helper()
	dev, err := blockdev.NewMemoryDevice(make([]byte, sizeBytes), 512)
	require.NoError(t, err)
	return dev
}

func TestFormatFAT_FloppySizedImageProducesFAT12(t *testing.T) {
	dev := newMemoryDevice(t, 1474560) // 1.44 MiB

	desc, info, err := mkfs.FormatFAT(dev, mkfs.Params{})
	require.NoError(t, err)
	assert.Equal(t, boot.VariantFAT12, info.Variant)
	assert.Equal(t, boot.VariantFAT12, desc.Variant)
	assert.EqualValues(t, 512, desc.ClusterSize())
	assert.LessOrEqual(t, desc.ClusterCount(), uint64(4084))
}

func TestFormatFAT_MidSizedImageProducesFAT16(t *testing.T) {
	// 200 MiB: Format's size table picks FAT16 from 127 MiB to 2047 MiB.
	// (FormatFAT on its own takes the narrowest width that fits, which
	// for a 64 MiB image is FAT12 with 32 KiB clusters.)
	dev := newMemoryDevice(t, 200<<20)

	desc, info, err := mkfs.Format(dev, mkfs.Params{})
	require.NoError(t, err)
	assert.Equal(t, boot.VariantFAT16, info.Variant)
	assert.Equal(t, boot.VariantFAT16, desc.Variant)
	assert.GreaterOrEqual(t, desc.ClusterCount(), uint64(4085))
	assert.LessOrEqual(t, desc.ClusterCount(), uint64(65524))
}

func TestFormatFAT_ForcedFAT32OnLargeImage(t *testing.T) {
	dev := newMemoryDevice(t, 300<<20) // 300 MiB, well within FAT32's comfort zone

	desc, info, err := mkfs.FormatFAT(dev, mkfs.Params{Variant: boot.VariantFAT32})
	require.NoError(t, err)
	assert.Equal(t, boot.VariantFAT32, info.Variant)
	assert.Equal(t, boot.VariantFAT32, desc.Variant)
	assert.EqualValues(t, 2, desc.RootCluster)
}

func TestFormatFAT_RejectsUnknownClusterSize(t *testing.T) {
	dev := newMemoryDevice(t, 1474560)

	_, _, err := mkfs.FormatFAT(dev, mkfs.Params{ClusterSize: 3000})
	assert.Error(t, err)
}

func TestFormatFAT_TooSmallDeviceFails(t *testing.T) {
	dev := newMemoryDevice(t, 4096)

	_, _, err := mkfs.FormatFAT(dev, mkfs.Params{})
	assert.Error(t, err)
}
