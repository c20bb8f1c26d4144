package partition_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/partition"
)

func TestWellKnownGeometry_1440k(t *testing.T) {
	g, err := partition.WellKnownGeometry("1440k")
	require.NoError(t, err)
	assert.EqualValues(t, 1_474_560, g.TotalSizeBytes(), "1.44MB floppy geometry must total 1,474,560 bytes")
}

func TestWellKnownGeometry_UnknownSlug(t *testing.T) {
	_, err := partition.WellKnownGeometry("does-not-exist")
	assert.Error(t, err)
}

func TestGeometry_CHSRoundTrip(t *testing.T) {
	g, err := partition.WellKnownGeometry("1440k")
	require.NoError(t, err)

	total := g.TotalSectors()
	for lba := uint64(0); lba < total; lba += 37 {
		c, h, s, err := g.LBAToCHS(lba)
		require.NoError(t, err)

		back, err := g.CHSToLBA(c, h, s)
		require.NoError(t, err)
		assert.Equal(t, lba, back, "CHS round trip mismatch at LBA %d", lba)
	}
}

func TestGeometry_LBAOutOfRange(t *testing.T) {
	g, err := partition.WellKnownGeometry("1440k")
	require.NoError(t, err)

	_, _, _, err = g.LBAToCHS(g.TotalSectors())
	assert.Error(t, err, "LBA equal to the total sector count must be rejected")
}
