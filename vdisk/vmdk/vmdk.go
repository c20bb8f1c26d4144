// Package vmdk implements a single-extent, monolithic Sparse VMDK
// container: a small text Disk DescriptorFile referencing one binary
// extent that holds a 512-byte header, a redundant and a primary Grain
// Directory/Grain Table pair, and grains allocated on write (spec
// §4.3.4).
//
// Ground: original_source/FATtools/vmdkutils.py (Header/BAT/Extent/Image,
// calc_ext_meta_size, mk_dynamic). Multi-extent splitting (a virtual disk
// spanning several 2 TB-capped files) and the differencing chain
// (parentCID/parentFileNameHint) are out of scope: this engine's volumes
// are far below the 2 TB single-extent ceiling, and vhd already covers
// the one overlay/backing-file use case spec §4.3 asks for.
package vmdk

import (
	"encoding/binary"
	"io"
	"os"

	fterrors "github.com/maxpat78/FATtools/errors"
)

const (
	magicNumber   = 0x564D444B // "KDMV"
	gtesPerGT     = 512
	grainZero     = 1 // allocated, virtually zeroed
	grainUnalloc  = 0
	defaultGrain  = 64 << 10
)

// extentLayout is the sector math for a single-extent Sparse VMDK (ground:
// calc_ext_meta_size in vmdkutils.py, simplified for the single-extent,
// sub-2TB case this package supports).
type extentLayout struct {
	grains     uint64
	gtSectors  uint64
	gtCount    uint64
	gdSectors  uint64
	rgdOffset  uint64 // sectors
	rgtOffset  uint64
	gdOffset   uint64
	gtOffset   uint64
	grainStart uint64 // sectors, start of grain data
}

func computeLayout(size int64, grainSize uint32) extentLayout {
	var l extentLayout
	l.grains = uint64((size + int64(grainSize) - 1) / int64(grainSize))
	l.gtSectors = (l.grains*4 + 511) / 512
	l.gtCount = (l.gtSectors + 3) / 4
	l.gdSectors = (l.gtCount*4 + 511) / 512

	l.rgdOffset = 1
	l.rgtOffset = l.rgdOffset + l.gdSectors
	l.gdOffset = l.rgtOffset + l.gtSectors
	l.gtOffset = l.gdOffset + l.gdSectors

	overheadSectors := l.gtOffset + l.gtSectors
	grainSectors := uint64(grainSize / 512)
	l.grainStart = ((overheadSectors + grainSectors - 1) / grainSectors) * grainSectors
	return l
}

// Header is the 512-byte VMDK Sparse extent header (ground: Header in
// vmdkutils.py).
type Header struct {
	Capacity  uint64 // sectors
	GrainSize uint64 // sectors
	RGDOffset uint64 // sectors
	GDOffset  uint64 // sectors
	Overhead  uint64 // sectors
}

func (h Header) encode() []byte {
	buf := make([]byte, 512)
	binary.LittleEndian.PutUint32(buf[0x00:0x04], magicNumber)
	binary.LittleEndian.PutUint32(buf[0x04:0x08], 1)
	binary.LittleEndian.PutUint32(buf[0x08:0x0C], 3)
	binary.LittleEndian.PutUint64(buf[0x0C:0x14], h.Capacity)
	binary.LittleEndian.PutUint64(buf[0x14:0x1C], h.GrainSize)
	binary.LittleEndian.PutUint32(buf[0x2C:0x30], gtesPerGT)
	binary.LittleEndian.PutUint64(buf[0x30:0x38], h.RGDOffset)
	binary.LittleEndian.PutUint64(buf[0x38:0x40], h.GDOffset)
	binary.LittleEndian.PutUint64(buf[0x40:0x48], h.Overhead)
	buf[0x49] = 0x0A
	buf[0x4A] = 0x20
	buf[0x4B] = 0x0D
	buf[0x4C] = 0x0A
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) != 512 || binary.LittleEndian.Uint32(buf[0:4]) != magicNumber {
		return Header{}, fterrors.ErrInvalidFormat.WithMessage("missing VMDK sparse extent magic")
	}
	var h Header
	h.Capacity = binary.LittleEndian.Uint64(buf[0x0C:0x14])
	h.GrainSize = binary.LittleEndian.Uint64(buf[0x14:0x1C])
	h.RGDOffset = binary.LittleEndian.Uint64(buf[0x30:0x38])
	h.GDOffset = binary.LittleEndian.Uint64(buf[0x38:0x40])
	h.Overhead = binary.LittleEndian.Uint64(buf[0x40:0x48])
	return h, nil
}

// grainTable is the flat array of Grain Table Entries, kept in two
// redundant copies at write time (ground: BAT in vmdkutils.py — named
// grainTable here after the VMDK format's own term for it).
type grainTable struct {
	primaryOffset int64 // bytes
	mirrorOffset  int64 // bytes
	entries       uint64
	cache         map[uint64]uint64
}

func (g *grainTable) get(stream io.ReadWriteSeeker, index uint64) (uint64, error) {
	if v, ok := g.cache[index]; ok {
		return v, nil
	}
	var raw [4]byte
	if _, err := stream.Seek(g.primaryOffset+int64(index)*4, io.SeekStart); err != nil {
		return 0, fterrors.ErrIoError.WrapError(err)
	}
	if _, err := io.ReadFull(stream, raw[:]); err != nil {
		return 0, fterrors.ErrIoError.WrapError(err)
	}
	v := uint64(binary.LittleEndian.Uint32(raw[:]))
	g.cache[index] = v
	return v, nil
}

func (g *grainTable) set(stream io.ReadWriteSeeker, index, value uint64) error {
	g.cache[index] = value
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], uint32(value))
	if _, err := stream.Seek(g.primaryOffset+int64(index)*4, io.SeekStart); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	if _, err := stream.Write(raw[:]); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	if _, err := stream.Seek(g.mirrorOffset+int64(index)*4, io.SeekStart); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	_, err := stream.Write(raw[:])
	return fterrors.ErrIoError.WrapError(err)
}

// Image is an opened single-extent Sparse VMDK, satisfying
// vdisk.Container.
type Image struct {
	backing io.ReadWriteSeeker
	closer  io.Closer
	header  Header
	gt      *grainTable
	zero    []byte
	pos     int64
}

// Open parses backing as a bare Sparse extent (no descriptor file).
func Open(backing io.ReadWriteSeeker) (*Image, error) {
	return openImage(backing, nil)
}

// OpenFile opens the extent file directly at path. Descriptor-file-driven
// multi-extent disks are out of scope; callers address the extent file.
func OpenFile(path string) (*Image, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fterrors.ErrIoError.WrapError(err)
	}
	img, err := openImage(f, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return img, nil
}

func openImage(backing io.ReadWriteSeeker, closer io.Closer) (*Image, error) {
	buf := make([]byte, 512)
	if _, err := backing.Seek(0, io.SeekStart); err != nil {
		return nil, fterrors.ErrIoError.WrapError(err)
	}
	if _, err := io.ReadFull(backing, buf); err != nil {
		return nil, fterrors.ErrIoError.WrapError(err)
	}
	h, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}

	layout := computeLayout(int64(h.Capacity)*512, uint32(h.GrainSize)*512)
	gt := &grainTable{
		primaryOffset: int64(layout.rgtOffset) * 512,
		mirrorOffset:  int64(layout.gtOffset) * 512,
		entries:       layout.grains,
		cache:         make(map[uint64]uint64),
	}

	return &Image{
		backing: backing,
		closer:  closer,
		header:  h,
		gt:      gt,
		zero:    make([]byte, h.GrainSize*512),
	}, nil
}

func (img *Image) Size() int64 { return int64(img.header.Capacity) * 512 }

func (img *Image) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		img.pos = offset
	case io.SeekCurrent:
		img.pos += offset
	case io.SeekEnd:
		img.pos = img.Size() + offset
	default:
		return 0, fterrors.ErrInvalidArgument.WithMessage("unknown whence")
	}
	if img.pos < 0 {
		img.pos = 0
	}
	return img.pos, nil
}

func (img *Image) Close() error {
	if img.closer != nil {
		return img.closer.Close()
	}
	return nil
}

func (img *Image) clampToEnd(want int) int {
	if img.pos+int64(want) > img.Size() {
		want = int(img.Size() - img.pos)
	}
	if want < 0 {
		want = 0
	}
	return want
}

func (img *Image) Read(p []byte) (int, error) {
	total := img.clampToEnd(len(p))
	done := 0
	grainSize := int64(img.header.GrainSize) * 512
	for done < total {
		grainIdx := uint64(img.pos / grainSize)
		offset := img.pos % grainSize
		left := grainSize - offset
		got := left
		if remain := int64(total - done); remain < got {
			got = remain
		}

		slot, err := img.gt.get(img.backing, grainIdx)
		if err != nil {
			return done, err
		}
		if slot == grainUnalloc || slot == grainZero {
			for i := int64(0); i < got; i++ {
				p[done+int(i)] = 0
			}
		} else {
			fileOffset := int64(slot)*512 + offset
			if _, err := img.backing.Seek(fileOffset, io.SeekStart); err != nil {
				return done, fterrors.ErrIoError.WrapError(err)
			}
			if _, err := io.ReadFull(img.backing, p[done:done+int(got)]); err != nil {
				return done, fterrors.ErrIoError.WrapError(err)
			}
		}
		done += int(got)
		img.pos += got
	}
	return done, nil
}

func (img *Image) Write(p []byte) (int, error) {
	done := 0
	grainSize := int64(img.header.GrainSize) * 512
	for done < len(p) {
		grainIdx := uint64(img.pos / grainSize)
		offset := img.pos % grainSize
		left := grainSize - offset
		put := left
		if remain := int64(len(p) - done); remain < put {
			put = remain
		}

		slot, err := img.gt.get(img.backing, grainIdx)
		if err != nil {
			return done, err
		}
		if slot == grainUnalloc || slot == grainZero {
			if isAllZero(p[done:done+int(put)]) && slot == grainUnalloc {
				if err := img.gt.set(img.backing, grainIdx, grainZero); err != nil {
					return done, err
				}
				done += int(put)
				img.pos += put
				continue
			}
			newSlot, err := img.allocateGrain()
			if err != nil {
				return done, err
			}
			if err := img.gt.set(img.backing, grainIdx, newSlot); err != nil {
				return done, err
			}
			slot = newSlot
		}
		fileOffset := int64(slot)*512 + offset
		if _, err := img.backing.Seek(fileOffset, io.SeekStart); err != nil {
			return done, fterrors.ErrIoError.WrapError(err)
		}
		if _, err := img.backing.Write(p[done : done+int(put)]); err != nil {
			return done, fterrors.ErrIoError.WrapError(err)
		}
		done += int(put)
		img.pos += put
	}
	return done, nil
}

func (img *Image) allocateGrain() (uint64, error) {
	end, err := img.backing.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fterrors.ErrIoError.WrapError(err)
	}
	slot := uint64(end) / 512
	if _, err := img.backing.Write(img.zero); err != nil {
		return 0, fterrors.ErrIoError.WrapError(err)
	}
	return slot, nil
}

func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
