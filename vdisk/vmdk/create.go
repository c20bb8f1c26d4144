package vmdk

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// CreateDynamic creates an empty single-extent Sparse VMDK: a small text
// Disk DescriptorFile at path, and a binary extent file alongside it named
// "<base>-s001.vmdk" (ground: mk_dynamic/_mk_common in vmdkutils.py,
// restricted to the single-extent case this package supports).
func CreateDynamic(path string, size int64, grainSize uint32) error {
	if grainSize == 0 {
		grainSize = defaultGrain
	}
	if grainSize < (4<<10) || grainSize&(grainSize-1) != 0 {
		return fterrors.ErrInvalidArgument.WithMessage("grain size must be a power of 2 of at least 4 KiB")
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	extentName := base + "-s001.vmdk"
	extentPath := filepath.Join(filepath.Dir(path), extentName)

	if err := writeExtent(extentPath, size, grainSize); err != nil {
		return err
	}

	descriptor := fmt.Sprintf(descriptorTemplate, size/512, extentName, size/(63*255*512))
	if err := os.WriteFile(path, []byte(descriptor), 0644); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	return nil
}

const descriptorTemplate = `# Disk DescriptorFile
version=1
encoding="windows-1252"
CID=fffffffe
parentCID=ffffffff
createType="monolithicSparse"

# Extent description
RW %d SPARSE "%s"

# The Disk Data Base
#DDB

ddb.geometry.cylinders = "%d"
ddb.geometry.heads = "255"
ddb.geometry.sectors = "63"
`

func writeExtent(path string, size int64, grainSize uint32) error {
	layout := computeLayout(size, grainSize)
	h := Header{
		Capacity:  uint64(size) / 512,
		GrainSize: uint64(grainSize) / 512,
		RGDOffset: layout.rgdOffset,
		GDOffset:  layout.gdOffset,
		Overhead:  layout.grainStart,
	}

	f, err := os.Create(path)
	if err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	defer f.Close()

	if _, err := f.Write(h.encode()); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}

	if err := writeDirectory(f, int64(layout.rgdOffset)*512, layout.rgtOffset, layout.gtCount); err != nil {
		return err
	}
	if err := writeDirectory(f, int64(layout.gdOffset)*512, layout.gtOffset, layout.gtCount); err != nil {
		return err
	}

	if err := f.Truncate(int64(layout.grainStart) * 512); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	return nil
}

// writeDirectory writes a Grain Directory: gtCount consecutive 4-byte
// sector pointers, one per Grain Table, each GT being exactly 4 sectors
// (512 entries * 4 bytes / 512).
func writeDirectory(f *os.File, gdOffset int64, gtOffset, gtCount uint64) error {
	buf := make([]byte, gtCount*4)
	for i := uint64(0); i < gtCount; i++ {
		sector := gtOffset + i*4
		buf[i*4+0] = byte(sector)
		buf[i*4+1] = byte(sector >> 8)
		buf[i*4+2] = byte(sector >> 16)
		buf[i*4+3] = byte(sector >> 24)
	}
	if _, err := f.WriteAt(buf, gdOffset); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	return nil
}
