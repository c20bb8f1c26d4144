package allocator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/allocator"
	"github.com/maxpat78/FATtools/blockdev"
	"github.com/maxpat78/FATtools/sectorcache"
)

func newFAT16Table(t *testing.T, totalClusters uint32) *allocator.FATTable {
	t.Helper()
	const sectorSize = 512
	fatBytes := (uint64(totalClusters+2)*2 + sectorSize - 1) / sectorSize * sectorSize
	totalSectors := fatBytes / sectorSize * 3

	dev, err := blockdev.NewMemoryDevice(make([]byte, sectorSize*totalSectors), sectorSize)
	require.NoError(t, err)
	cache := sectorcache.New(dev, false)

	tbl, err := allocator.NewFATTable(cache, 16, 1, 0, 0, totalClusters, false)
	require.NoError(t, err)
	return tbl
}

func TestFATTable_AllocateAndChainLength(t *testing.T) {
	tbl := newFAT16Table(t, 64)

	first, n, err := tbl.Allocate(5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	count, last, err := tbl.ChainLength(first)
	require.NoError(t, err)
	assert.EqualValues(t, 5, count)
	assert.True(t, tbl.IsEndOfChain(mustGet(t, tbl, last)))
}

func mustGet(t *testing.T, tbl *allocator.FATTable, cluster uint32) uint32 {
	t.Helper()
	v, err := tbl.Get(cluster)
	require.NoError(t, err)
	return v
}

func TestFATTable_FreeReturnsClustersToPool(t *testing.T) {
	tbl := newFAT16Table(t, 16)

	before, err := tbl.FreeClusterCount()
	require.NoError(t, err)

	first, n, err := tbl.Allocate(4)
	require.NoError(t, err)
	require.EqualValues(t, 4, n)

	mid, err := tbl.FreeClusterCount()
	require.NoError(t, err)
	assert.EqualValues(t, before-4, mid)

	require.NoError(t, tbl.Free(first))

	after, err := tbl.FreeClusterCount()
	require.NoError(t, err)
	assert.Equal(t, before, after, "freeing a chain must return every cluster in it to the free pool")
}

func TestFATTable_AllocateMoreThanAvailableFails(t *testing.T) {
	tbl := newFAT16Table(t, 4)
	_, _, err := tbl.Allocate(100)
	assert.Error(t, err)
}

func TestExFATAllocator_AllocateMarksBitmapAndChain(t *testing.T) {
	const sectorSize = 512
	const totalClusters = 32

	dev, err := blockdev.NewMemoryDevice(make([]byte, sectorSize*16), sectorSize)
	require.NoError(t, err)
	cache := sectorcache.New(dev, false)

	// FAT region at byte 0, bitmap region starting a few sectors later so
	// the two don't overlap.
	a, err := allocator.NewExFATAllocator(cache, 0, 4*sectorSize, totalClusters)
	require.NoError(t, err)

	before, err := a.FreeClusterCount()
	require.NoError(t, err)
	assert.EqualValues(t, totalClusters, before)

	first, n, err := a.Allocate(3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	after, err := a.FreeClusterCount()
	require.NoError(t, err)
	assert.EqualValues(t, totalClusters-3, after)

	count, _, err := a.ChainLength(first)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	require.NoError(t, a.Free(first))
	restored, err := a.FreeClusterCount()
	require.NoError(t, err)
	assert.EqualValues(t, totalClusters, restored)
}
