// Package volume ties every lower layer together into the mountable
// surface spec §6's library API describes: open a container (raw file or
// virtual disk image), find the partition or volume of interest inside it,
// detect the file system, and hand back a root directory Table plus the
// Handle/operations needed to use it.
//
// Ground: original_source/FATtools/Volume.py's vopen/vclose/openvolume
// functions, which this package splits into container.go (the vopen
// extension dispatch), volume.go (openvolume's boot-sector-driven mount),
// table.go (Dirtable's create/erase/rename plus the registry vopen/vclose
// rely on to cascade closes), and handle.go (the file Handle close
// protocol, spec §4.8.5).
package volume

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/maxpat78/FATtools/blockdev"
	"github.com/maxpat78/FATtools/vdisk/vdi"
	"github.com/maxpat78/FATtools/vdisk/vhd"
	"github.com/maxpat78/FATtools/vdisk/vhdx"
	"github.com/maxpat78/FATtools/vdisk/vmdk"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// containerSectorSize is the sector size assumed for every container
// backend this package opens. All four virtual disk formats in scope, and
// every plain disk image, describe 512-byte-sector media in the overwhelming
// common case; VHDX is the one format that can in principle advertise a
// larger physical sector size, but its metadata field doing so isn't
// exported by vdisk/vhdx (nothing downstream of it needs to print or branch
// on physical sector size), so this package doesn't plumb it through either
// — a deliberate simplification over vopen's PHYS_SECTOR variable, recorded
// in DESIGN.md.
const containerSectorSize = 512

// container is what every opened backend (a virtual disk Image, or a plain
// *os.File) gives this package to build a whole-disk blockdev.Device from:
// a seekable byte stream of known size, plus a way to release it.
type container struct {
	stream io.ReadWriteSeeker
	size   int64
	closer io.Closer
}

func (c *container) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// openContainer opens path according to its extension — vhd, vhdx, vdi,
// vmdk select the matching virtual disk backend; anything else (img, dsk,
// raw, bin, or no extension at all) opens as a plain disk image file
// (ground: vopen's if/elif chain on path.lower().endswith(...)).
func openContainer(path string) (*container, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".vhd":
		img, err := vhd.OpenFile(path)
		if err != nil {
			return nil, err
		}
		return &container{stream: img, size: img.Size(), closer: img}, nil
	case ".vhdx":
		img, err := vhdx.OpenFile(path)
		if err != nil {
			return nil, err
		}
		return &container{stream: img, size: img.Size(), closer: img}, nil
	case ".vdi":
		img, err := vdi.OpenFile(path)
		if err != nil {
			return nil, err
		}
		return &container{stream: img, size: img.Size(), closer: img}, nil
	case ".vmdk":
		img, err := vmdk.OpenDescriptor(path)
		if err != nil {
			return nil, err
		}
		return &container{stream: img, size: img.Size(), closer: img}, nil
	default:
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return nil, fterrors.ErrIoError.WrapError(err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fterrors.ErrIoError.WrapError(err)
		}
		return &container{stream: f, size: info.Size(), closer: f}, nil
	}
}

// wholeDiskDevice wraps c as a Device spanning its entire emulated extent,
// the view MBR/GPT parsing and partition offset math operate against.
func (c *container) wholeDiskDevice() blockdev.Device {
	sectorCount := uint64(c.size) / containerSectorSize
	return blockdev.NewStreamDevice(c.stream, containerSectorSize, sectorCount, 0)
}
