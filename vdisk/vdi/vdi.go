// Package vdi implements the VirtualBox VDI container format: a single
// 512-byte header, a 32-bit-per-block BAT, and a data area of equal-size
// blocks allocated on first write (spec §4.3.3).
//
// Ground: original_source/FATtools/vdiutils.py (Header/BAT/Image classes
// and the mk_fixed/mk_dynamic creation routines), restructured the same
// way vhd/vhdx were: an io.ReadWriteSeeker instead of a stateful Python
// Image, so it plugs into blockdev.NewStreamDevice directly.
package vdi

import (
	"encoding/binary"
	"io"
	"os"

	fterrors "github.com/maxpat78/FATtools/errors"
)

const (
	headerSize     = 512
	vdiSignature   = 0xBEDA107F
	blockUnallocated = 0xFFFFFFFF
	blockZero        = 0xFFFFFFFE
)

// ImageType mirrors VDI's dwImageType values; only Dynamic and Fixed are
// supported (ground: dwImageType in vdiutils.py's Header; Undo/Differencing
// are out of scope, matching vhd/vhdx's own differencing-vs-dynamic split
// already covering the overlay use case spec §4.3 calls for).
type ImageType uint32

const (
	ImageDynamic ImageType = 1
	ImageFixed   ImageType = 2
)

// Header is the 512-byte VDI header (ground: Header in vdiutils.py).
type Header struct {
	Type        ImageType
	BATOffset   uint32
	BlocksOffset uint32
	CurrentSize uint64
	BlockSize   uint32
	TotalBlocks uint32
	SectorSize  uint32
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) != headerSize {
		return Header{}, fterrors.ErrBadVDIHeader.WithMessage("header must be exactly 512 bytes")
	}
	if binary.LittleEndian.Uint32(buf[0x40:0x44]) != vdiSignature {
		return Header{}, fterrors.ErrBadVDIHeader.WithMessage("missing VDI signature")
	}
	var h Header
	h.Type = ImageType(binary.LittleEndian.Uint32(buf[0x4C:0x50]))
	h.BATOffset = binary.LittleEndian.Uint32(buf[0x154:0x158])
	h.BlocksOffset = binary.LittleEndian.Uint32(buf[0x158:0x15C])
	h.SectorSize = binary.LittleEndian.Uint32(buf[0x168:0x16C])
	h.CurrentSize = binary.LittleEndian.Uint64(buf[0x170:0x178])
	h.BlockSize = binary.LittleEndian.Uint32(buf[0x178:0x17C])
	h.TotalBlocks = binary.LittleEndian.Uint32(buf[0x180:0x184])
	if h.Type != ImageDynamic && h.Type != ImageFixed {
		return Header{}, fterrors.ErrBadVDIHeader.WithMessage("unsupported VDI image type")
	}
	return h, nil
}

func (h Header) encode(description string) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0x00:0x40], []byte("<<< Go VDI image >>>"))
	binary.LittleEndian.PutUint32(buf[0x40:0x44], vdiSignature)
	binary.LittleEndian.PutUint32(buf[0x44:0x48], 0x10001)
	binary.LittleEndian.PutUint32(buf[0x48:0x4C], 0x190)
	binary.LittleEndian.PutUint32(buf[0x4C:0x50], uint32(h.Type))
	copy(buf[0x54:0x154], []byte(description))
	binary.LittleEndian.PutUint32(buf[0x154:0x158], h.BATOffset)
	binary.LittleEndian.PutUint32(buf[0x158:0x15C], h.BlocksOffset)
	binary.LittleEndian.PutUint32(buf[0x168:0x16C], h.SectorSize)
	binary.LittleEndian.PutUint64(buf[0x170:0x178], h.CurrentSize)
	binary.LittleEndian.PutUint32(buf[0x178:0x17C], h.BlockSize)
	binary.LittleEndian.PutUint32(buf[0x180:0x184], h.TotalBlocks)
	if h.Type == ImageFixed {
		binary.LittleEndian.PutUint32(buf[0x184:0x188], h.TotalBlocks)
	}
	return buf
}

type bat struct {
	offset  int64
	entries uint32
	cache   map[uint32]uint32
}

func (b *bat) get(stream io.ReadWriteSeeker, index uint32) (uint32, error) {
	if v, ok := b.cache[index]; ok {
		return v, nil
	}
	var raw [4]byte
	if _, err := stream.Seek(b.offset+int64(index)*4, io.SeekStart); err != nil {
		return 0, fterrors.ErrIoError.WrapError(err)
	}
	if _, err := io.ReadFull(stream, raw[:]); err != nil {
		return 0, fterrors.ErrIoError.WrapError(err)
	}
	v := binary.LittleEndian.Uint32(raw[:])
	b.cache[index] = v
	return v, nil
}

func (b *bat) set(stream io.ReadWriteSeeker, index, value uint32) error {
	b.cache[index] = value
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], value)
	if _, err := stream.Seek(b.offset+int64(index)*4, io.SeekStart); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	_, err := stream.Write(raw[:])
	return fterrors.ErrIoError.WrapError(err)
}

// Image is an opened VDI container, satisfying vdisk.Container.
type Image struct {
	backing io.ReadWriteSeeker
	closer  io.Closer
	header  Header
	bat     *bat
	zero    []byte
	pos     int64
}

func Open(backing io.ReadWriteSeeker) (*Image, error) {
	return openImage(backing, nil)
}

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
	buf := make([]byte, headerSize)
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
	return &Image{
		backing: backing,
		closer:  closer,
		header:  h,
		bat:     &bat{offset: int64(h.BATOffset), entries: h.TotalBlocks, cache: make(map[uint32]uint32)},
		zero:    make([]byte, h.BlockSize),
	}, nil
}

func (img *Image) Size() int64 { return int64(img.header.CurrentSize) }

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
	blockSize := int64(img.header.BlockSize)
	for done < total {
		blockIdx := uint32(img.pos / blockSize)
		offset := img.pos % blockSize
		left := blockSize - offset
		got := left
		if remain := int64(total - done); remain < got {
			got = remain
		}

		slot, err := img.bat.get(img.backing, blockIdx)
		if err != nil {
			return done, err
		}
		if slot == blockUnallocated || slot == blockZero {
			for i := int64(0); i < got; i++ {
				p[done+int(i)] = 0
			}
		} else {
			fileOffset := int64(img.header.BlocksOffset) + int64(slot)*blockSize + offset
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
	blockSize := int64(img.header.BlockSize)
	for done < len(p) {
		blockIdx := uint32(img.pos / blockSize)
		offset := img.pos % blockSize
		left := blockSize - offset
		put := left
		if remain := int64(len(p) - done); remain < put {
			put = remain
		}

		slot, err := img.bat.get(img.backing, blockIdx)
		if err != nil {
			return done, err
		}
		if slot == blockUnallocated || slot == blockZero {
			if isAllZero(p[done : done+int(put)]) && slot == blockUnallocated {
				done += int(put)
				img.pos += put
				continue
			}
			newSlot, err := img.allocateBlock()
			if err != nil {
				return done, err
			}
			if err := img.bat.set(img.backing, blockIdx, newSlot); err != nil {
				return done, err
			}
			slot = newSlot
		}
		fileOffset := int64(img.header.BlocksOffset) + int64(slot)*blockSize + offset
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

func (img *Image) allocateBlock() (uint32, error) {
	end, err := img.backing.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fterrors.ErrIoError.WrapError(err)
	}
	slot := uint32((end - int64(img.header.BlocksOffset)) / int64(img.header.BlockSize))
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
