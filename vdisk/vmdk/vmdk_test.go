package vmdk_test

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/vdisk/vmdk"
)

func TestDynamicImage_UnwrittenGrainsReadZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vmdk")
	require.NoError(t, vmdk.CreateDynamic(path, 16<<20, 64<<10))

	img, err := vmdk.OpenDescriptor(path)
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

func TestDynamicImage_RoundTripsWrittenGrain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test2.vmdk")
	require.NoError(t, vmdk.CreateDynamic(path, 16<<20, 64<<10))

	img, err := vmdk.OpenDescriptor(path)
	require.NoError(t, err)
	defer img.Close()

	payload := bytes.Repeat([]byte{0x7E}, 4096)
	_, err = img.Seek(2<<20, io.SeekStart)
	require.NoError(t, err)
	_, err = img.Write(payload)
	require.NoError(t, err)

	_, err = img.Seek(2<<20, io.SeekStart)
	require.NoError(t, err)
	got := make([]byte, 4096)
	_, err = io.ReadFull(img, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDynamicImage_RejectsNonPowerOfTwoGrainSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.vmdk")
	err := vmdk.CreateDynamic(path, 16<<20, 65<<10)
	assert.Error(t, err)
}
