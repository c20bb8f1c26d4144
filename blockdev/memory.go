package blockdev

import (
	"github.com/xaionaro-go/bytesextra"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// NewMemoryDevice wraps a byte slice as a fixed-size Device, sized down to
// the nearest whole sector. It backs the in-memory test fixtures (ground:
// testing/images.go's LoadDiskImage).
//
// The returned *StreamDevice has a Resize method and so satisfies
// ResizableDevice by type, but its stream wraps data in place: a plain
// []byte has no way to grow past its capacity without reallocating and
// losing the caller's reference to the backing array, so callers that need
// a growable in-memory image should back it with *bytes.Buffer through a
// custom io.ReadWriteSeeker instead.
func NewMemoryDevice(data []byte, sectorSize uint) (*StreamDevice, error) {
	if sectorSize == 0 {
		return nil, fterrors.ErrInvalidArgument.WithMessage("sector size must be nonzero")
	}
	sectorCount := uint64(len(data)) / uint64(sectorSize)
	stream := bytesextra.NewReadWriteSeeker(data)
	return NewStreamDevice(stream, sectorSize, sectorCount, 0), nil
}
