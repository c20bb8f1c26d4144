// Package blockdev provides the lowest layer of the engine: a sector-
// addressed read/write abstraction over a backing io.ReadWriteSeeker, plus
// the capability interfaces (Truncater, Syncer) that higher layers probe
// for with a type assertion instead of requiring every backend to implement
// every optional behavior.
//
// Ground: drivers/common/blockstream.go and drivers/common/blockdevice.go's
// BlockStream/BlockDevice, generalized from a single fixed 512-byte sector
// size to any power-of-two sector size reported by a virtual disk
// container (the cache itself stays unaware of the medium underneath).
package blockdev

import (
	"io"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// Truncater is implemented by backing streams that can grow or shrink,
// such as *os.File. A MemoryDevice's buffer also implements it.
type Truncater interface {
	Truncate(size int64) error
}

// Syncer is implemented by backing streams that can flush buffered writes
// to stable storage, such as *os.File.Sync.
type Syncer interface {
	Sync() error
}

// Device is the capability every virtual disk container and every volume
// driver programs against: addressable, fixed-size sectors, read and
// written whole, with bounds checking pushed down to this layer so callers
// never construct an out-of-range seek by hand (spec §4.1, testable
// property #1: "reads/writes past the end of the device return ErrIoError,
// never a panic or silent truncation").
type Device interface {
	// SectorSize returns the size of one sector in bytes. It never changes
	// for the lifetime of a Device.
	SectorSize() uint

	// SectorCount returns the total number of addressable sectors.
	SectorCount() uint64

	// ReadSectors reads `count` whole sectors starting at `first` into a
	// freshly allocated buffer.
	ReadSectors(first uint64, count uint) ([]byte, error)

	// WriteSectors writes `data`, which must be a multiple of SectorSize(),
	// starting at sector `first`.
	WriteSectors(first uint64, data []byte) error

	// Close releases any resources held by the device (open file handles,
	// mmaped regions). A StreamDevice over a file reports ErrIoError from
	// later reads and writes, since the closed file rejects them; a memory
	// device has nothing to release and keeps working after Close.
	Close() error
}

// ResizableDevice is implemented by devices backed by a stream that
// supports Truncate, letting the formatter and the VHD/VDI dynamic-disk
// expanders grow or shrink the device in place (spec §4.9's "format can
// create the container, not just the file system on top of it").
type ResizableDevice interface {
	Device
	Resize(newSectorCount uint64) error
}

func checkBounds(sectorSize uint, sectorCount uint64, first uint64, dataLen int) error {
	if first >= sectorCount {
		return fterrors.ErrIoError.WithMessage("sector index out of range")
	}
	if dataLen == 0 {
		return nil
	}
	if uint(dataLen)%sectorSize != 0 {
		return fterrors.ErrIoError.WithMessage("data length is not a multiple of the sector size")
	}
	numSectors := uint64(uint(dataLen) / sectorSize)
	if first+numSectors > sectorCount {
		return fterrors.ErrIoError.WithMessage("read/write extends past end of device")
	}
	return nil
}

// StreamDevice adapts any io.ReadWriteSeeker (a *os.File, an in-memory
// buffer, or a virtual disk backend's mapped extent stream) into a Device.
// It is the concrete type OpenFile, CreateSizedFile and NewMemoryDevice
// all return.
type StreamDevice struct {
	stream      io.ReadWriteSeeker
	sectorSize  uint
	sectorCount uint64
	startOffset int64
	closer      io.Closer
}

// NewStreamDevice wraps stream as a Device with the given sector geometry.
// startOffset lets a caller skip over a partition table or VHD/VHDX/VDI/VMDK
// header so sector 0 of the Device is sector 0 of the file system (spec
// §4.3 "a partition's Device view starts at its first sector, not byte 0 of
// the container").
func NewStreamDevice(stream io.ReadWriteSeeker, sectorSize uint, sectorCount uint64, startOffset int64) *StreamDevice {
	return &StreamDevice{
		stream:      stream,
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
		startOffset: startOffset,
	}
}

func (d *StreamDevice) SectorSize() uint    { return d.sectorSize }
func (d *StreamDevice) SectorCount() uint64 { return d.sectorCount }

// Stream returns the raw io.ReadWriteSeeker this Device wraps, letting a
// caller build another StreamDevice view (a partition, a differently
// positioned sub-region) over the same backing storage without reopening
// the container.
func (d *StreamDevice) Stream() io.ReadWriteSeeker { return d.stream }

func (d *StreamDevice) seekToSector(sector uint64) error {
	offset := d.startOffset + int64(sector)*int64(d.sectorSize)
	_, err := d.stream.Seek(offset, io.SeekStart)
	if err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	return nil
}

func (d *StreamDevice) ReadSectors(first uint64, count uint) ([]byte, error) {
	if err := checkBounds(d.sectorSize, d.sectorCount, first, int(count)*int(d.sectorSize)); err != nil {
		return nil, err
	}
	if err := d.seekToSector(first); err != nil {
		return nil, err
	}

	buf := make([]byte, uint(count)*d.sectorSize)
	if _, err := io.ReadFull(d.stream, buf); err != nil {
		return nil, fterrors.ErrIoError.WrapError(err)
	}
	return buf, nil
}

func (d *StreamDevice) WriteSectors(first uint64, data []byte) error {
	if err := checkBounds(d.sectorSize, d.sectorCount, first, len(data)); err != nil {
		return err
	}
	if err := d.seekToSector(first); err != nil {
		return err
	}
	if _, err := d.stream.Write(data); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	return nil
}

// Resize grows or shrinks the device to newSectorCount sectors. The backing
// stream must implement Truncater; growth zero-fills the new region the
// same way BlockStream.Resize appends null bytes rather than relying on
// sparse-file semantics, which aren't portable across backends.
func (d *StreamDevice) Resize(newSectorCount uint64) error {
	if newSectorCount == d.sectorCount {
		return nil
	}

	if newSectorCount > d.sectorCount {
		missing := newSectorCount - d.sectorCount
		if _, err := d.stream.Seek(d.startOffset+int64(d.sectorCount)*int64(d.sectorSize), io.SeekStart); err != nil {
			return fterrors.ErrIoError.WrapError(err)
		}
		zeros := make([]byte, uint64(d.sectorSize)*missing)
		if _, err := d.stream.Write(zeros); err != nil {
			return fterrors.ErrIoError.WrapError(err)
		}
		d.sectorCount = newSectorCount
		return nil
	}

	truncater, ok := d.stream.(Truncater)
	if !ok {
		return fterrors.ErrUnsupportedFeature.WithMessage("backing stream cannot be shrunk")
	}
	if err := truncater.Truncate(d.startOffset + int64(newSectorCount)*int64(d.sectorSize)); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	d.sectorCount = newSectorCount
	return nil
}

func (d *StreamDevice) Close() error {
	if d.closer == nil {
		return nil
	}
	if err := d.closer.Close(); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	return nil
}

// Sync flushes buffered writes if the backing stream supports it.
func (d *StreamDevice) Sync() error {
	if s, ok := d.stream.(Syncer); ok {
		if err := s.Sync(); err != nil {
			return fterrors.ErrIoError.WrapError(err)
		}
	}
	return nil
}
