package blockdev_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/blockdev"
)

func makeDevice(t *testing.T, sectorSize uint, sectorCount uint64) *blockdev.StreamDevice {
	t.Helper()
	buf := make([]byte, sectorSize*uint(sectorCount))
	dev, err := blockdev.NewMemoryDevice(buf, sectorSize)
	require.NoError(t, err, "failed to create memory device")
	return dev
}

func TestMemoryDevice_ReadWriteRoundTrip(t *testing.T) {
	dev := makeDevice(t, 512, 8)

	payload := bytes.Repeat([]byte{0xAB}, 512*2)
	require.NoError(t, dev.WriteSectors(3, payload))

	got, err := dev.ReadSectors(3, 2)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got), "readback did not match what was written")
}

func TestMemoryDevice_OutOfBoundsRead(t *testing.T) {
	dev := makeDevice(t, 512, 4)

	_, err := dev.ReadSectors(4, 1)
	assert.Error(t, err, "reading at the sector count boundary must fail")

	_, err = dev.ReadSectors(0, 5)
	assert.Error(t, err, "reading past the end of the device must fail")
}

func TestMemoryDevice_UnalignedWriteRejected(t *testing.T) {
	dev := makeDevice(t, 512, 4)
	err := dev.WriteSectors(0, make([]byte, 511))
	assert.Error(t, err, "a write whose length isn't a sector multiple must be rejected")
}

func TestStreamDevice_StartOffsetIsolatesPartitionView(t *testing.T) {
	// A container with one 512-byte MBR sector followed by 4 data sectors;
	// the Device view into the partition must see sector 0 as the first
	// data sector, never the MBR.
	backing := make([]byte, 512*5)
	stream, err := blockdev.NewMemoryDevice(backing, 512)
	require.NoError(t, err)
	_ = stream

	raw := bytesFromDevice(t, backing)
	partitionDev := blockdev.NewStreamDevice(raw, 512, 4, 512)

	marker := bytes.Repeat([]byte{0x7E}, 512)
	require.NoError(t, partitionDev.WriteSectors(0, marker))

	assert.Equal(t, byte(0), backing[0], "writing through the partition view must not touch the MBR sector")
	assert.Equal(t, byte(0x7E), backing[512], "writing sector 0 of the partition view must land at the container's second sector")
}

func bytesFromDevice(t *testing.T, data []byte) *seekWriter {
	t.Helper()
	return &seekWriter{data: data}
}

// seekWriter is a minimal io.ReadWriteSeeker over a fixed slice, used only
// to exercise StreamDevice's startOffset handling without pulling in
// bytesextra's Truncate semantics.
type seekWriter struct {
	data []byte
	pos  int64
}

func (s *seekWriter) Read(p []byte) (int, error) {
	n := copy(p, s.data[s.pos:])
	s.pos += int64(n)
	return n, nil
}

func (s *seekWriter) Write(p []byte) (int, error) {
	n := copy(s.data[s.pos:], p)
	s.pos += int64(n)
	return n, nil
}

func (s *seekWriter) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		s.pos = offset
	case 1:
		s.pos += offset
	case 2:
		s.pos = int64(len(s.data)) + offset
	}
	return s.pos, nil
}
