package vhdx_test

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/vdisk/vhdx"
)

func TestDynamicImage_UnwrittenBlocksReadZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vhdx")
	require.NoError(t, vhdx.CreateDynamic(path, 64<<20, 4<<20))

	img, err := vhdx.OpenFile(path)
	require.NoError(t, err)
	defer img.Close()

	assert.EqualValues(t, 64<<20, img.Size())

	buf := make([]byte, 512)
	_, err = img.Seek(8<<20, io.SeekStart)
	require.NoError(t, err)
	_, err = io.ReadFull(img, buf)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(buf, make([]byte, 512)))
}

func TestDynamicImage_RoundTripsWrittenBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test2.vhdx")
	require.NoError(t, vhdx.CreateDynamic(path, 64<<20, 4<<20))

	img, err := vhdx.OpenFile(path)
	require.NoError(t, err)
	defer img.Close()

	payload := bytes.Repeat([]byte{0x5A}, 2048)
	_, err = img.Seek(10<<20, io.SeekStart)
	require.NoError(t, err)
	_, err = img.Write(payload)
	require.NoError(t, err)

	_, err = img.Seek(10<<20, io.SeekStart)
	require.NoError(t, err)
	got := make([]byte, 2048)
	_, err = io.ReadFull(img, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
