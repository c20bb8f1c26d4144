package testutil_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/mkfs"
	"github.com/maxpat78/FATtools/testutil"
	"github.com/maxpat78/FATtools/volume"
)

// A golden fixture is produced by formatting and writing to a device, then
// compressing it once offline; this test stands in for both sides of that
// workflow, proving the round trip is lossless.
func TestCompressImage_RoundTripsThroughVolume(t *testing.T) {
	dev := testutil.NewMemoryDevice(t, 4<<20)
	_, _, err := mkfs.FormatFAT(dev, mkfs.Params{})
	require.NoError(t, err)

	v, err := volume.OpenDevice(dev, volume.ReadWrite, volume.WhatVolume)
	require.NoError(t, err)
	h, err := v.Root.Create("fixture.txt", 0)
	require.NoError(t, err)
	_, err = h.Write([]byte("golden fixture payload"))
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, v.Close())

	compressed := testutil.CompressImage(t, dev)
	assert.Less(t, len(compressed), 4<<20)

	restored := testutil.LoadCompressedImage(t, compressed, 512)
	rv, err := volume.OpenDevice(restored, volume.ReadWrite, volume.WhatVolume)
	require.NoError(t, err)
	defer rv.Close()

	rh, err := rv.Root.Open("fixture.txt")
	require.NoError(t, err)
	buf := make([]byte, len("golden fixture payload"))
	_, err = io.ReadFull(rh, buf)
	require.NoError(t, err)
	assert.Equal(t, "golden fixture payload", string(buf))
	require.NoError(t, rh.Close())
}
