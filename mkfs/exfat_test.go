package mkfs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/boot"
	"github.com/maxpat78/FATtools/mkfs"
)

func TestFormatExFAT_ProducesMountableDescriptor(t *testing.T) {
	dev := newMemoryDevice(t, 200<<20) // 200 MiB

	desc, info, err := mkfs.FormatExFAT(dev, mkfs.Params{})
	require.NoError(t, err)
	assert.Equal(t, boot.VariantExFAT, info.Variant)
	assert.Equal(t, boot.VariantExFAT, desc.Variant)
	assert.NotZero(t, desc.RootCluster)
	assert.Greater(t, info.FreeClusters, uint32(0))
	assert.Less(t, info.FreeClusters, info.TotalClusters)
}

func TestFormatExFAT_RejectsUnsupportedClusterSize(t *testing.T) {
	dev := newMemoryDevice(t, 200<<20)

	_, _, err := mkfs.FormatExFAT(dev, mkfs.Params{ClusterSize: 300})
	assert.Error(t, err)
}
