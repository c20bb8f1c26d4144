// Package testutil collects the disk-image fixtures package tests across
// this module build on: random or zeroed in-memory devices, and volumes
// pre-formatted with a chosen variant, ready for a test to exercise
// directly instead of repeating the same format-then-mount boilerplate.
//
// Ground: testing/blockcache.go's CreateRandomImage/CreateDefaultCache
// (t *testing.T-taking fixture factories that require.NoError internally
// so a caller never has to check an error return) and
// testing/images.go's LoadDiskImage.
package testutil

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/blockdev"
	"github.com/maxpat78/FATtools/internal/imgcompress"
	"github.com/maxpat78/FATtools/mkfs"
	"github.com/maxpat78/FATtools/volume"
)

// NewMemoryDevice wraps a zero-filled byte slice of sizeBytes (rounded
// down to a whole 512-byte sector) as a Device.
func NewMemoryDevice(t *testing.T, sizeBytes int) *blockdev.StreamDevice {
	t.Helper()
	dev, err := blockdev.NewMemoryDevice(make([]byte, sizeBytes), 512)
	require.NoError(t, err)
	return dev
}

// NewRandomMemoryDevice is NewMemoryDevice filled with random bytes
// instead of zeros, for tests that need to confirm a region genuinely got
// overwritten rather than merely happening to already read as zero
// (ground: testing/blockcache.go's CreateRandomImage).
func NewRandomMemoryDevice(t *testing.T, sizeBytes int) *blockdev.StreamDevice {
	t.Helper()
	backing := make([]byte, sizeBytes)
	_, err := rand.Read(backing)
	require.NoError(t, err)
	dev, err := blockdev.NewMemoryDevice(backing, 512)
	require.NoError(t, err)
	return dev
}

// OpenFreshFAT formats a zero-filled in-memory device with FormatFAT using
// params and mounts it directly as a volume, returning a Volume a test can
// use immediately. The caller is responsible for closing it.
func OpenFreshFAT(t *testing.T, sizeBytes int, params mkfs.Params) *volume.Volume {
	t.Helper()
	dev := NewMemoryDevice(t, sizeBytes)
	_, _, err := mkfs.FormatFAT(dev, params)
	require.NoError(t, err)
	v, err := volume.OpenDevice(dev, volume.ReadWrite, volume.WhatVolume)
	require.NoError(t, err)
	return v
}

// CompressImage reads every sector out of dev and RLE8+gzip compresses it
// (ground: utilities/compression's CompressImage). Use it once, offline, to
// produce the byte slice for a golden regression fixture; committing the
// compressed form instead of the raw image keeps a 32MiB mostly-empty disk
// image down to a few kilobytes in the repository.
func CompressImage(t *testing.T, dev *blockdev.StreamDevice) []byte {
	t.Helper()
	raw, err := dev.ReadSectors(0, uint(dev.SectorCount()))
	require.NoError(t, err)
	var out bytes.Buffer
	_, err = imgcompress.CompressImage(bytes.NewReader(raw), &out)
	require.NoError(t, err)
	return out.Bytes()
}

// LoadCompressedImage decompresses a gzipped, RLE8-encoded golden disk image
// and mounts it as a Device (ground: testing/images.go's LoadDiskImage).
func LoadCompressedImage(t *testing.T, compressed []byte, sectorSize uint) *blockdev.StreamDevice {
	t.Helper()
	raw, err := imgcompress.DecompressImageToBytes(bytes.NewReader(compressed))
	require.NoError(t, err)
	dev, err := blockdev.NewMemoryDevice(raw, sectorSize)
	require.NoError(t, err)
	return dev
}

// OpenFreshExFAT is OpenFreshFAT's exFAT counterpart.
func OpenFreshExFAT(t *testing.T, sizeBytes int, params mkfs.Params) *volume.Volume {
	t.Helper()
	dev := NewMemoryDevice(t, sizeBytes)
	_, _, err := mkfs.FormatExFAT(dev, params)
	require.NoError(t, err)
	v, err := volume.OpenDevice(dev, volume.ReadWrite, volume.WhatVolume)
	require.NoError(t, err)
	return v
}
