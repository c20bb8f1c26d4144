package vhdx

import (
	"io"
	"os"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// Image is an opened VHDX container (Fixed or Dynamic), satisfying
// vdisk.Container the same way vhd.Image does (ground: Image in
// vhdxutils.py, restructured into Go's io.ReadWriteSeeker idiom).
type Image struct {
	backing io.ReadWriteSeeker
	closer  io.Closer

	meta metadataInfo
	bat  *bat
	pos  int64
}

// Open parses backing as a VHDX image, replaying its log if one is
// present and non-empty.
func Open(backing io.ReadWriteSeeker) (*Image, error) {
	return openImage(backing, nil)
}

// OpenFile opens the VHDX at path.
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
	idBuf := make([]byte, 64<<10)
	if _, err := backing.Seek(0, io.SeekStart); err != nil {
		return nil, fterrors.ErrIoError.WrapError(err)
	}
	if _, err := io.ReadFull(backing, idBuf); err != nil {
		return nil, fterrors.ErrIoError.WrapError(err)
	}
	if string(idBuf[0:8]) != "vhdxfile" {
		return nil, fterrors.ErrBadVHDXHeader.WithMessage("missing VHDX file type identifier")
	}

	h1Buf := make([]byte, 4096)
	readAt(backing, header1Offset, h1Buf)
	h1, ok1 := decodeHeader(h1Buf)

	h2Buf := make([]byte, 4096)
	readAt(backing, header2Offset, h2Buf)
	h2, ok2 := decodeHeader(h2Buf)

	var header Header
	switch {
	case ok1 && ok2:
		header = h1
		if h2.SequenceNumber > h1.SequenceNumber {
			header = h2
		}
	case ok1:
		header = h1
	case ok2:
		header = h2
	default:
		return nil, fterrors.ErrBadVHDXHeader.WithMessage("no valid VHDX header copy found")
	}

	if header.LogLength != 0 {
		var zero [16]byte
		if header.LogGUID != zero {
			if err := replayLog(backing, header); err != nil {
				return nil, err
			}
		}
	}

	rt1Buf := make([]byte, 64<<10)
	readAt(backing, regionTable1Offset, rt1Buf)
	rt, ok := decodeRegionTable(rt1Buf)
	if !ok {
		rt2Buf := make([]byte, 64<<10)
		readAt(backing, regionTable2Offset, rt2Buf)
		rt, ok = decodeRegionTable(rt2Buf)
		if !ok {
			return nil, fterrors.ErrBadVHDXHeader.WithMessage("no valid region table copy found")
		}
	}

	metaBuf := make([]byte, metadataRegionSize)
	readAt(backing, rt.metadataOffset, metaBuf)
	meta, err := parseMetadata(metaBuf)
	if err != nil {
		return nil, err
	}

	_, entries := getBATFacts(meta.diskSize, meta.blockSize, meta.logicalSectorSize)

	return &Image{
		backing: backing,
		closer:  closer,
		meta:    meta,
		bat:     newBAT(rt.batOffset, entries),
	}, nil
}

func readAt(s io.ReadWriteSeeker, offset int64, buf []byte) {
	s.Seek(offset, io.SeekStart)
	io.ReadFull(s, buf)
}

func (img *Image) Size() int64 { return img.meta.diskSize }

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
	blockSize := int64(img.meta.blockSize)
	for done < total {
		blockIdx := uint32(img.pos / blockSize)
		offset := img.pos % blockSize
		left := blockSize - offset
		got := left
		if remain := int64(total - done); remain < got {
			got = remain
		}

		state, fileOffset, err := img.bat.get(img.backing, blockIdx)
		if err != nil {
			return done, err
		}
		if state == payloadNotPresent {
			for i := int64(0); i < got; i++ {
				p[done+int(i)] = 0
			}
		} else {
			if _, err := img.backing.Seek(fileOffset+offset, io.SeekStart); err != nil {
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
	blockSize := int64(img.meta.blockSize)
	for done < len(p) {
		blockIdx := uint32(img.pos / blockSize)
		offset := img.pos % blockSize
		left := blockSize - offset
		put := left
		if remain := int64(len(p) - done); remain < put {
			put = remain
		}

		state, fileOffset, err := img.bat.get(img.backing, blockIdx)
		if err != nil {
			return done, err
		}
		if state == payloadNotPresent {
			fileOffset, err = img.allocateBlock(blockSize)
			if err != nil {
				return done, err
			}
			if err := img.bat.set(img.backing, blockIdx, payloadFullyPresent, fileOffset); err != nil {
				return done, err
			}
		}
		if _, err := img.backing.Seek(fileOffset+offset, io.SeekStart); err != nil {
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

// allocateBlock appends a new, 1 MiB aligned block at the current end of
// file (VHDX requires every payload block start on a 1 MiB boundary).
func (img *Image) allocateBlock(blockSize int64) (int64, error) {
	end, err := img.backing.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fterrors.ErrIoError.WrapError(err)
	}
	aligned := ((end + (1 << 20) - 1) / (1 << 20)) * (1 << 20)
	if _, err := img.backing.Seek(aligned+blockSize-1, io.SeekStart); err != nil {
		return 0, fterrors.ErrIoError.WrapError(err)
	}
	if _, err := img.backing.Write([]byte{0}); err != nil {
		return 0, fterrors.ErrIoError.WrapError(err)
	}
	return aligned, nil
}
