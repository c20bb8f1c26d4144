// This file declares the fixed vocabulary of error kinds from the error
// handling design: IoError, InvalidFormat (with its on-disk-structure
// subtypes), UnsupportedFeature, NoSpace, NotFound, AlreadyExists, NotEmpty,
// NameTooLong, ReadOnly, ChainCorruption, and ParentLink.

package errors

import (
	"fmt"
)

type FatError string

const ErrIoError = FatError("input/output error")
const ErrInvalidFormat = FatError("on-disk structure failed validation")
const ErrBadBootSector = FatError("boot sector failed validation")
const ErrBadMBR = FatError("MBR failed validation")
const ErrBadGPT = FatError("GPT header or partition array failed validation")
const ErrBadFAT = FatError("FAT table is internally inconsistent")
const ErrBadDirent = FatError("directory entry failed validation")
const ErrBadVHDFooter = FatError("VHD footer checksum mismatch")
const ErrBadVHDXHeader = FatError("VHDX header failed validation")
const ErrBadVDIHeader = FatError("VDI header failed validation")
const ErrBadVMDKDescriptor = FatError("VMDK descriptor failed validation")
const ErrUnsupportedFeature = FatError("feature not supported by this implementation")
const ErrNoSpace = FatError("no space left on volume")
const ErrNotFound = FatError("no such file or directory")
const ErrAlreadyExists = FatError("file already exists")
const ErrNotEmpty = FatError("directory not empty")
const ErrNotADirectory = FatError("not a directory")
const ErrIsADirectory = FatError("is a directory")
const ErrNameTooLong = FatError("name too long or not a legal short name")
const ErrReadOnly = FatError("volume is mounted read-only")
const ErrChainCorruption = FatError("cluster chain has an invalid link")
const ErrParentLink = FatError("differencing image parent could not be located or verified")

// ErrBusy and ErrInvalidArgument cover ambient conditions (double-mount,
// bad caller arguments) that the spec doesn't name as a distinct kind but
// that every engine still needs, the same way the teacher's errno shim
// carries values beyond the headline POSIX set.
const ErrBusy = FatError("operation already in progress")
const ErrInvalidArgument = FatError("invalid argument")

func (e FatError) Error() string {
	return string(e)
}

func (e FatError) WithMessage(message string) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", string(e), message),
		originalError: e,
	}
}

func (e FatError) WrapError(err error) DriverError {
	return customDriverError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: fmt.Errorf("%w: %w", e, err),
	}
}

func (e FatError) Unwrap() error {
	return nil
}
