package clusterchain_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/allocator"
	"github.com/maxpat78/FATtools/blockdev"
	"github.com/maxpat78/FATtools/clusterchain"
	"github.com/maxpat78/FATtools/sectorcache"
)

const (
	testSectorSize  = 512
	testClusterSize = 2 * testSectorSize
)

func newParams(t *testing.T, totalClusters uint32) (clusterchain.Params, allocator.Allocator) {
	t.Helper()

	fatBytes := (uint64(totalClusters+2)*2 + testSectorSize - 1) / testSectorSize * testSectorSize
	fatSectors := fatBytes / testSectorSize
	dataSectors := uint64(totalClusters) * (testClusterSize / testSectorSize)
	totalSectors := fatSectors + dataSectors

	dev, err := blockdev.NewMemoryDevice(make([]byte, testSectorSize*totalSectors), testSectorSize)
	require.NoError(t, err)
	cache := sectorcache.New(dev, false)

	tbl, err := allocator.NewFATTable(cache, 16, 1, 0, 0, totalClusters, false)
	require.NoError(t, err)

	return clusterchain.Params{
		Cache:             cache,
		Allocator:         tbl,
		ClusterSizeBytes:  testClusterSize,
		DataRegionSectors: fatSectors,
	}, tbl
}

func TestStream_WriteThenReadRoundTrips(t *testing.T) {
	params, _ := newParams(t, 16)

	s, err := clusterchain.Open(params, 0, 0, false)
	require.NoError(t, err)

	payload := make([]byte, testClusterSize*3+17)
	for i := range payload {
		payload[i] = byte(i)
	}

	n, err := s.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.EqualValues(t, len(payload), s.Size())

	_, err = s.Seek(0, io.SeekStart)
	require.NoError(t, err)

	readBack := make([]byte, len(payload))
	_, err = io.ReadFull(s, readBack)
	require.NoError(t, err)
	assert.Equal(t, payload, readBack)
}

func TestStream_ReadPastEndReturnsEOF(t *testing.T) {
	params, _ := newParams(t, 16)
	s, err := clusterchain.Open(params, 0, 0, false)
	require.NoError(t, err)

	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)

	_, err = s.Seek(0, io.SeekStart)
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := s.Read(buf)
	assert.Equal(t, 5, n)
	assert.NoError(t, err)

	n, err = s.Read(buf)
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestStream_TruncateGrowsWithZeroedReadBack(t *testing.T) {
	params, _ := newParams(t, 16)
	s, err := clusterchain.Open(params, 0, 0, false)
	require.NoError(t, err)

	require.NoError(t, s.Truncate(int64(testClusterSize)+10))
	assert.EqualValues(t, testClusterSize+10, s.Size())

	_, err = s.Seek(0, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, testClusterSize+10)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	for _, b := range buf {
		assert.Zero(t, b)
	}
}

func TestStream_TruncateShrinkFreesTrailingClusters(t *testing.T) {
	params, alloc := newParams(t, 16)
	s, err := clusterchain.Open(params, 0, 0, false)
	require.NoError(t, err)

	_, err = s.Write(make([]byte, testClusterSize*4))
	require.NoError(t, err)

	before, err := alloc.FreeClusterCount()
	require.NoError(t, err)

	require.NoError(t, s.Truncate(int64(testClusterSize)))
	assert.EqualValues(t, testClusterSize, s.Size())

	after, err := alloc.FreeClusterCount()
	require.NoError(t, err)
	assert.Equal(t, before+3, after, "shrinking to one cluster must free the other three")
}

func TestStream_FragmentedAllocationAcrossRuns(t *testing.T) {
	params, alloc := newParams(t, 8)

	// Pre-allocate and free every other cluster so no contiguous run longer
	// than one cluster exists, forcing the stream to fragment its own chain
	// across several single-cluster runs.
	first, n, err := alloc.Allocate(8)
	require.NoError(t, err)
	require.EqualValues(t, 8, n)
	for c := first; c < first+n; c += 2 {
		require.NoError(t, alloc.Set(c, 0))
	}
	alloc.Compact()

	s, err := clusterchain.Open(params, 0, 0, false)
	require.NoError(t, err)

	payload := make([]byte, testClusterSize*4)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	_, err = s.Write(payload)
	require.NoError(t, err)
	assert.Greater(t, s.RunCount(), 1, "fragmented free space should produce more than one run")

	_, err = s.Seek(0, io.SeekStart)
	require.NoError(t, err)
	readBack := make([]byte, len(payload))
	_, err = io.ReadFull(s, readBack)
	require.NoError(t, err)
	assert.Equal(t, payload, readBack)
}
