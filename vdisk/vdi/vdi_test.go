package vdi_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/vdisk/vdi"
)

func TestDynamicImage_UnwrittenBlocksReadZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vdi")
	require.NoError(t, vdi.CreateDynamic(path, 16<<20, 1<<20))

	img, err := vdi.OpenFile(path)
	require.NoError(t, err)
	defer img.Close()

	assert.EqualValues(t, 16<<20, img.Size())

	buf := make([]byte, 512)
	_, err = img.Seek(4<<20, io.SeekStart)
	require.NoError(t, err)
	_, err = io.ReadFull(img, buf)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(buf, make([]byte, 512)))
}

func TestDynamicImage_AllocatesBlockOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test2.vdi")
	require.NoError(t, vdi.CreateDynamic(path, 16<<20, 1<<20))

	img, err := vdi.OpenFile(path)
	require.NoError(t, err)
	defer img.Close()

	payload := bytes.Repeat([]byte{0xAB}, 1024)
	_, err = img.Seek(2<<20, io.SeekStart)
	require.NoError(t, err)
	_, err = img.Write(payload)
	require.NoError(t, err)

	_, err = img.Seek(2<<20, io.SeekStart)
	require.NoError(t, err)
	got := make([]byte, 1024)
	_, err = io.ReadFull(img, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFixedImage_RoundTripsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test3.vdi")
	require.NoError(t, vdi.CreateFixed(path, 4<<20, 1<<20))

	img, err := vdi.OpenFile(path)
	require.NoError(t, err)
	defer img.Close()

	payload := bytes.Repeat([]byte{0x11}, 4096)
	_, err = img.Seek(1<<20, io.SeekStart)
	require.NoError(t, err)
	_, err = img.Write(payload)
	require.NoError(t, err)

	_, err = img.Seek(1<<20, io.SeekStart)
	require.NoError(t, err)
	got := make([]byte, 4096)
	_, err = io.ReadFull(img, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestOpenFile_RejectsCorruptHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.vdi")
	require.NoError(t, vdi.CreateDynamic(path, 4<<20, 1<<20))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0x40] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = vdi.OpenFile(path)
	assert.Error(t, err)
}
