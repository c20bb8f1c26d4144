package imgcompress_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/internal/imgcompress"
)

func TestCompressImage_RoundTripsMostlyZeroImage(t *testing.T) {
	image := make([]byte, 64<<10)
	copy(image[1000:1032], []byte("not every byte is a zero run"))

	var compressed bytes.Buffer
	_, err := imgcompress.CompressImage(bytes.NewReader(image), &compressed)
	require.NoError(t, err)
	assert.Less(t, compressed.Len(), len(image)/4)

	got, err := imgcompress.DecompressImageToBytes(&compressed)
	require.NoError(t, err)
	assert.Equal(t, image, got)
}

func TestCompressImage_RoundTripsRunsLongerThan257Bytes(t *testing.T) {
	image := bytes.Repeat([]byte{0xAA}, 600)

	var compressed bytes.Buffer
	_, err := imgcompress.CompressImage(bytes.NewReader(image), &compressed)
	require.NoError(t, err)

	got, err := imgcompress.DecompressImageToBytes(&compressed)
	require.NoError(t, err)
	assert.Equal(t, image, got)
}
