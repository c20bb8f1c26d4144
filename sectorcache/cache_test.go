package sectorcache_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/blockdev"
	"github.com/maxpat78/FATtools/sectorcache"
)

func newCachedDevice(t *testing.T, sectorCount uint64) (*sectorcache.Cache, *blockdev.StreamDevice) {
	t.Helper()
	dev, err := blockdev.NewMemoryDevice(make([]byte, 512*sectorCount), 512)
	require.NoError(t, err)
	return sectorcache.New(dev, false), dev
}

func TestCache_WriteThenReadWithoutFlush(t *testing.T) {
	cache, _ := newCachedDevice(t, 8)

	payload := bytes.Repeat([]byte{0x11}, 512*2)
	require.NoError(t, cache.Write(2, payload))

	got, err := cache.Read(2, 2)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got), "unflushed write must still be visible to Read")
}

func TestCache_FlushWritesThroughToDevice(t *testing.T) {
	cache, dev := newCachedDevice(t, 8)

	payload := bytes.Repeat([]byte{0x22}, 512)
	require.NoError(t, cache.Write(5, payload))
	require.NoError(t, cache.Flush())

	raw, err := dev.ReadSectors(5, 1)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, raw), "flush must propagate dirty sectors to the device")
}

func TestCache_ReadBypassDoesNotPopulateCache(t *testing.T) {
	cache, dev := newCachedDevice(t, 4)

	marker := bytes.Repeat([]byte{0x33}, 512)
	require.NoError(t, dev.WriteSectors(1, marker))

	got, err := cache.ReadBypass(1, 1)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(marker, got))

	// A normal Read of the same sector must not see the bypass data merged
	// in from some stale cache state; it must independently load from the
	// (now-identical) device contents.
	cached, err := cache.Read(1, 1)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(marker, cached))
}

func TestCache_ReadOnlyRejectsWrites(t *testing.T) {
	dev, err := blockdev.NewMemoryDevice(make([]byte, 512*4), 512)
	require.NoError(t, err)
	cache := sectorcache.New(dev, true)

	err = cache.Write(0, make([]byte, 512))
	assert.Error(t, err, "a read-only cache must reject writes")
}

func TestCache_OutOfBoundsRejected(t *testing.T) {
	cache, _ := newCachedDevice(t, 4)
	_, err := cache.Read(3, 2)
	assert.Error(t, err, "reading past the sector count must fail")
}
