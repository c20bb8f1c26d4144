package vhd_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/vdisk/vhd"
)

func TestFixedImage_RoundTripsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixed.vhd")
	require.NoError(t, vhd.CreateFixed(path, 4<<20))

	img, err := vhd.OpenFile(path)
	require.NoError(t, err)
	defer img.Close()

	assert.EqualValues(t, 4<<20, img.Size())

	payload := bytes.Repeat([]byte{0xAB}, 4096)
	_, err = img.Seek(1024, io.SeekStart)
	require.NoError(t, err)
	_, err = img.Write(payload)
	require.NoError(t, err)

	_, err = img.Seek(1024, io.SeekStart)
	require.NoError(t, err)
	got := make([]byte, 4096)
	_, err = io.ReadFull(img, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDynamicImage_UnwrittenBlocksReadZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dyn.vhd")
	require.NoError(t, vhd.CreateDynamic(path, 16<<20, 2<<20))

	img, err := vhd.OpenFile(path)
	require.NoError(t, err)
	defer img.Close()

	buf := make([]byte, 512)
	_, err = img.Seek(3<<20, io.SeekStart)
	require.NoError(t, err)
	_, err = io.ReadFull(img, buf)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(buf, make([]byte, 512)))
}

func TestDynamicImage_AllocatesBlockOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dyn2.vhd")
	require.NoError(t, vhd.CreateDynamic(path, 16<<20, 2<<20))

	img, err := vhd.OpenFile(path)
	require.NoError(t, err)
	defer img.Close()

	payload := bytes.Repeat([]byte{0x7E}, 1024)
	_, err = img.Seek(5<<20, io.SeekStart)
	require.NoError(t, err)
	_, err = img.Write(payload)
	require.NoError(t, err)

	_, err = img.Seek(5<<20, io.SeekStart)
	require.NoError(t, err)
	got := make([]byte, 1024)
	_, err = io.ReadFull(img, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDifferencingImage_FallsThroughToParent(t *testing.T) {
	base := filepath.Join(t.TempDir(), "base.vhd")
	require.NoError(t, vhd.CreateDynamic(base, 8<<20, 2<<20))

	baseImg, err := vhd.OpenFile(base)
	require.NoError(t, err)
	payload := bytes.Repeat([]byte{0x11}, 512)
	_, err = baseImg.Seek(0, io.SeekStart)
	require.NoError(t, err)
	_, err = baseImg.Write(payload)
	require.NoError(t, err)
	require.NoError(t, baseImg.Close())

	child := filepath.Join(t.TempDir(), "child.vhd")
	require.NoError(t, vhd.CreateDifferencing(child, base))

	img, err := vhd.OpenFile(child)
	require.NoError(t, err)
	defer img.Close()

	got := make([]byte, 512)
	_, err = img.Seek(0, io.SeekStart)
	require.NoError(t, err)
	_, err = io.ReadFull(img, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	own := bytes.Repeat([]byte{0x22}, 512)
	_, err = img.Seek(512, io.SeekStart)
	require.NoError(t, err)
	_, err = img.Write(own)
	require.NoError(t, err)
	_, err = img.Seek(512, io.SeekStart)
	require.NoError(t, err)
	got2 := make([]byte, 512)
	_, err = io.ReadFull(img, got2)
	require.NoError(t, err)
	assert.Equal(t, own, got2)
}

func TestOpenFile_RejectsCorruptFooter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.vhd")
	require.NoError(t, vhd.CreateFixed(path, 1<<20))

	// Corrupt the first byte of the footer's cookie.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0}, 1<<20)
	require.NoError(t, err)
	f.Close()

	_, err = vhd.OpenFile(path)
	assert.Error(t, err)
}
