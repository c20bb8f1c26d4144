package blockdev

import (
	"os"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// OpenFile opens path as a Device with the given sector size, sizing
// SectorCount from the current file length. If create is true and the file
// doesn't exist, it is created. fatctl's mkfat command opens the image it
// formats with OpenFile; the mkfs formatters themselves take any Device.
func OpenFile(path string, sectorSize uint, readOnly bool, create bool) (*StreamDevice, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	if create {
		flag |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flag, 0o666)
	if err != nil {
		return nil, fterrors.ErrIoError.WrapError(err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fterrors.ErrIoError.WrapError(err)
	}

	sectorCount := uint64(info.Size()) / uint64(sectorSize)
	dev := NewStreamDevice(f, sectorSize, sectorCount, 0)
	dev.closer = f
	return dev, nil
}

// CreateSizedFile creates path truncated to exactly sectorCount sectors of
// sectorSize bytes each, zero filled, and returns it as a Device. fatctl's
// mkvdisk command uses it to create a blank raw image, which mkfat can
// then format.
func CreateSizedFile(path string, sectorSize uint, sectorCount uint64) (*StreamDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, fterrors.ErrIoError.WrapError(err)
	}

	totalSize := int64(sectorCount) * int64(sectorSize)
	if err := f.Truncate(totalSize); err != nil {
		f.Close()
		return nil, fterrors.ErrIoError.WrapError(err)
	}

	dev := NewStreamDevice(f, sectorSize, sectorCount, 0)
	dev.closer = f
	return dev, nil
}
