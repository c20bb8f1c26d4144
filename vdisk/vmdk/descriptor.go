package vmdk

import (
	"os"
	"path/filepath"
	"regexp"

	fterrors "github.com/maxpat78/FATtools/errors"
)

var extentLineRe = regexp.MustCompile(`(?m)^(RW|RDONLY)\s+\d+\s+SPARSE\s+"(.+)"\s*$`)

// OpenDescriptor opens a VMDK Disk DescriptorFile and returns the Image for
// its single referenced extent (ground: parse_ddf in vmdkutils.py, reduced
// to the one-line single-extent case CreateDynamic produces).
func OpenDescriptor(path string) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fterrors.ErrIoError.WrapError(err)
	}
	m := extentLineRe.FindSubmatch(raw)
	if m == nil {
		return nil, fterrors.ErrBadVMDKDescriptor.WithMessage("no extent line found")
	}
	extentPath := filepath.Join(filepath.Dir(path), string(m[2]))
	return OpenFile(extentPath)
}
