package vhd

import (
	"io"
	"os"
	"path/filepath"
	"unicode/utf16"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// Image is an opened VHD container: Fixed, Dynamic, or Differencing,
// satisfying vdisk.Container via a virtual read/write cursor translated
// through the Block Allocation Table (ground: Image in vhdutils.py, split
// into read0/read/read1 and write0/write/write1 per disk type there; kept
// as the same three-way dispatch here but behind one io.ReadWriteSeeker
// instead of monkey-patched bound methods).
type Image struct {
	backing io.ReadWriteSeeker
	closer  io.Closer

	footer Footer
	header DynamicHeader
	bat    *blockAllocationTable

	blockSize   uint32
	bitmapSize  int64
	parent      *Image
	pos         int64
}

// Open parses backing as a VHD image. For a differencing image opened this
// way only the absolute parent locator can be followed, since there is no
// path of the child to resolve the relative one against; OpenFile tries
// both.
func Open(backing io.ReadWriteSeeker) (*Image, error) {
	return openImage(backing, nil, "")
}

// OpenFile opens the VHD at path, resolving and opening any differencing
// parent chain by the absolute path stored in its parent locators (ground:
// Image.__init__'s ParentLocator walk in vhdutils.py).
func OpenFile(path string) (*Image, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fterrors.ErrIoError.WrapError(err)
	}
	img, err := openImage(f, f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return img, nil
}

func openImage(backing io.ReadWriteSeeker, closer io.Closer, selfPath string) (*Image, error) {
	end, err := backing.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fterrors.ErrIoError.WrapError(err)
	}
	if end < footerSize {
		return nil, fterrors.ErrBadVHDFooter.WithMessage("file too small to hold a VHD footer")
	}

	footerBuf := make([]byte, footerSize)
	if _, err := backing.Seek(end-footerSize, io.SeekStart); err != nil {
		return nil, fterrors.ErrIoError.WrapError(err)
	}
	if _, err := io.ReadFull(backing, footerBuf); err != nil {
		return nil, fterrors.ErrIoError.WrapError(err)
	}
	footer, err := DecodeFooter(footerBuf)
	if err != nil {
		return nil, err
	}

	img := &Image{backing: backing, closer: closer, footer: footer}

	if footer.DiskType == DiskTypeFixed {
		if end-footerSize != int64(footer.CurrentSize) {
			return nil, fterrors.ErrBadVHDFooter.WithMessage("Fixed image size does not match footer")
		}
		return img, nil
	}

	// Dynamic or Differencing: a copy of the footer leads the file,
	// followed by the 1024-byte dynamic header.
	copyBuf := make([]byte, footerSize)
	if _, err := backing.Seek(0, io.SeekStart); err != nil {
		return nil, fterrors.ErrIoError.WrapError(err)
	}
	if _, err := io.ReadFull(backing, copyBuf); err != nil {
		return nil, fterrors.ErrIoError.WrapError(err)
	}
	if _, err := DecodeFooter(copyBuf); err != nil {
		return nil, fterrors.ErrBadVHDFooter.WithMessage("leading footer copy is invalid")
	}

	headerBuf := make([]byte, headerSize)
	if _, err := io.ReadFull(backing, headerBuf); err != nil {
		return nil, fterrors.ErrIoError.WrapError(err)
	}
	header, err := DecodeDynamicHeader(headerBuf)
	if err != nil {
		return nil, err
	}
	img.header = header
	img.blockSize = header.BlockSize
	img.bitmapSize = bitmapSectorsFor(header.BlockSize)
	img.bat = newBAT(int64(header.TableOffset), header.MaxTableEntries)

	if footer.DiskType == DiskTypeDifferencing {
		parentPath, ok, err := resolveParentPath(backing, header, selfPath)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fterrors.ErrBadVHDFooter.WithMessage("differencing image has no usable parent locator")
		}
		parent, err := OpenFile(parentPath)
		if err != nil {
			return nil, fterrors.ErrBadVHDFooter.WrapError(err)
		}
		if parent.footer.UniqueID != header.ParentUniqueID {
			parent.Close()
			return nil, fterrors.ErrBadVHDFooter.WithMessage("differencing image parent UUID mismatch")
		}
		img.parent = parent
	}

	return img, nil
}

// resolveParentPath prefers the absolute-Windows-path locator (W2ku), then
// the relative one (W2ru) resolved against selfPath's directory (ground:
// the W2ku/W2ru preference order in vhdutils.py's Image.__init__).
func resolveParentPath(backing io.ReadWriteSeeker, h DynamicHeader, selfPath string) (string, bool, error) {
	for _, loc := range h.Locators {
		if string(loc.PlatformCode[:]) == "W2ku" && loc.PlatformDataLength > 0 {
			p, err := readLocatorPath(backing, loc)
			if err != nil {
				return "", false, err
			}
			return p, true, nil
		}
	}
	if selfPath == "" {
		return "", false, nil
	}
	for _, loc := range h.Locators {
		if string(loc.PlatformCode[:]) == "W2ru" && loc.PlatformDataLength > 0 {
			p, err := readLocatorPath(backing, loc)
			if err != nil {
				return "", false, err
			}
			return filepath.Join(filepath.Dir(selfPath), p), true, nil
		}
	}
	return "", false, nil
}

// readLocatorPath reads a parent locator's UTF-16LE pathname from the
// image at its stored offset/length (Windows stores these little-endian
// despite the rest of the VHD format being big-endian throughout).
func readLocatorPath(backing io.ReadWriteSeeker, loc ParentLocator) (string, error) {
	buf := make([]byte, loc.PlatformDataLength)
	if _, err := backing.Seek(int64(loc.PlatformDataOffset), io.SeekStart); err != nil {
		return "", fterrors.ErrIoError.WrapError(err)
	}
	if _, err := io.ReadFull(backing, buf); err != nil {
		return "", fterrors.ErrIoError.WrapError(err)
	}
	return utf16LEToString(buf), nil
}

func utf16LEToString(buf []byte) string {
	units := make([]uint16, len(buf)/2)
	for i := range units {
		units[i] = uint16(buf[2*i]) | uint16(buf[2*i+1])<<8
	}
	return string(utf16.Decode(units))
}

func (img *Image) Size() int64 { return int64(img.footer.CurrentSize) }

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
	var err error
	if img.closer != nil {
		err = img.closer.Close()
	}
	if img.parent != nil {
		if perr := img.parent.Close(); err == nil {
			err = perr
		}
	}
	return err
}

func (img *Image) Read(p []byte) (int, error) {
	switch img.footer.DiskType {
	case DiskTypeFixed:
		return img.readFixed(p)
	case DiskTypeDifferencing:
		return img.readDifferencing(p)
	default:
		return img.readDynamic(p)
	}
}

func (img *Image) Write(p []byte) (int, error) {
	switch img.footer.DiskType {
	case DiskTypeFixed:
		return img.writeFixed(p)
	case DiskTypeDifferencing:
		return img.writeDifferencing(p)
	default:
		return img.writeDynamic(p)
	}
}

func (img *Image) readFixed(p []byte) (int, error) {
	n := img.clampToEnd(len(p))
	if n == 0 {
		return 0, io.EOF
	}
	if _, err := img.backing.Seek(img.pos, io.SeekStart); err != nil {
		return 0, fterrors.ErrIoError.WrapError(err)
	}
	got, err := io.ReadFull(img.backing, p[:n])
	img.pos += int64(got)
	if err != nil {
		return got, fterrors.ErrIoError.WrapError(err)
	}
	return got, nil
}

func (img *Image) writeFixed(p []byte) (int, error) {
	if _, err := img.backing.Seek(img.pos, io.SeekStart); err != nil {
		return 0, fterrors.ErrIoError.WrapError(err)
	}
	n, err := img.backing.Write(p)
	img.pos += int64(n)
	if err != nil {
		return n, fterrors.ErrIoError.WrapError(err)
	}
	return n, nil
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

// readDynamic implements the non-differencing dynamic read path: zeroed
// blocks never touch the backing stream (ground: Image.read in
// vhdutils.py).
func (img *Image) readDynamic(p []byte) (int, error) {
	total := img.clampToEnd(len(p))
	out := p[:total]
	done := 0
	for done < total {
		blockIdx := uint32((img.pos) / int64(img.blockSize))
		offset := img.pos % int64(img.blockSize)
		left := int64(img.blockSize) - offset
		got := left
		if remain := int64(total - done); remain < got {
			got = remain
		}

		block, err := img.bat.get(img.backing, blockIdx)
		if err != nil {
			return done, err
		}
		if block == unallocatedBlock {
			for i := int64(0); i < got; i++ {
				out[done+int(i)] = 0
			}
		} else {
			if _, err := img.backing.Seek(int64(block)*512+img.bitmapSize+offset, io.SeekStart); err != nil {
				return done, fterrors.ErrIoError.WrapError(err)
			}
			if _, err := io.ReadFull(img.backing, out[done:done+int(got)]); err != nil {
				return done, fterrors.ErrIoError.WrapError(err)
			}
		}
		done += int(got)
		img.pos += got
	}
	return done, nil
}

// writeDynamic allocates a fresh block at the current file end on first
// write to a virtual (unallocated) block, unless the write is all zeros,
// in which case the block stays virtual (ground: Image.write in
// vhdutils.py).
func (img *Image) writeDynamic(p []byte) (int, error) {
	done := 0
	for done < len(p) {
		blockIdx := uint32(img.pos / int64(img.blockSize))
		offset := img.pos % int64(img.blockSize)
		left := int64(img.blockSize) - offset
		put := left
		if remain := int64(len(p) - done); remain < put {
			put = remain
		}

		block, err := img.bat.get(img.backing, blockIdx)
		if err != nil {
			return done, err
		}
		if block == unallocatedBlock {
			if isAllZero(p[done : done+int(put)]) {
				done += int(put)
				img.pos += put
				continue
			}
			block, err = img.allocateBlock()
			if err != nil {
				return done, err
			}
			if err := img.bat.set(img.backing, blockIdx, block); err != nil {
				return done, err
			}
		}
		if _, err := img.backing.Seek(int64(block)*512+img.bitmapSize+offset, io.SeekStart); err != nil {
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

// allocateBlock appends a new block (bitmap sectors all-allocated, for a
// non-differencing image, plus the block's data) at the current end of
// file, overwriting the trailing footer and rewriting it past the new
// block, and returns the block's starting sector.
func (img *Image) allocateBlock() (uint32, error) {
	end, err := img.backing.Seek(-footerSize, io.SeekEnd)
	if err != nil {
		return 0, fterrors.ErrIoError.WrapError(err)
	}
	sector := uint32(end / 512)
	bitmapBytes := make([]byte, img.bitmapSize)
	for i := range bitmapBytes {
		bitmapBytes[i] = 0xFF
	}
	if _, err := img.backing.Write(bitmapBytes); err != nil {
		return 0, fterrors.ErrIoError.WrapError(err)
	}
	if _, err := img.backing.Seek(int64(img.blockSize), io.SeekCurrent); err != nil {
		return 0, fterrors.ErrIoError.WrapError(err)
	}
	if _, err := img.backing.Write(img.footer.Encode()); err != nil {
		return 0, fterrors.ErrIoError.WrapError(err)
	}
	return sector, nil
}

// hasBlock reports whether this image, or any ancestor, has an allocated
// block at the given index (ground: Image.has_block in vhdutils.py).
func (img *Image) hasBlock(index uint32) bool {
	block, err := img.bat.get(img.backing, index)
	if err == nil && block != unallocatedBlock {
		return true
	}
	if img.parent != nil {
		return img.parent.hasBlock(index)
	}
	return false
}

func (img *Image) readDifferencing(p []byte) (int, error) {
	total := img.clampToEnd(len(p))
	out := p[:total]
	done := 0
	for done < total {
		blockIdx := uint32(img.pos / int64(img.blockSize))
		sector := int((img.pos - int64(blockIdx)*int64(img.blockSize)) / 512)
		offset := img.pos % 512
		left := int64(512) - offset
		got := left
		if remain := int64(total - done); remain < got {
			got = remain
		}

		block, err := img.bat.get(img.backing, blockIdx)
		if err != nil {
			return done, err
		}
		useParent := block == unallocatedBlock
		if !useParent {
			bmp, err := img.readBitmap(block)
			if err != nil {
				return done, err
			}
			useParent = !bmp.isSet(sector)
		}
		if useParent {
			if img.parent == nil {
				return done, fterrors.ErrBadVHDFooter.WithMessage("differencing image has no parent to read from")
			}
			if _, err := img.parent.Seek(img.pos, io.SeekStart); err != nil {
				return done, err
			}
			if _, err := io.ReadFull(img.parent, out[done:done+int(got)]); err != nil {
				return done, fterrors.ErrIoError.WrapError(err)
			}
		} else {
			if _, err := img.backing.Seek(int64(block)*512+img.bitmapSize+sector*512+offset, io.SeekStart); err != nil {
				return done, fterrors.ErrIoError.WrapError(err)
			}
			if _, err := io.ReadFull(img.backing, out[done:done+int(got)]); err != nil {
				return done, fterrors.ErrIoError.WrapError(err)
			}
		}
		done += int(got)
		img.pos += got
	}
	return done, nil
}

func (img *Image) readBitmap(block uint32) (blockBitmap, error) {
	buf := make([]byte, img.bitmapSize)
	if _, err := img.backing.Seek(int64(block)*512, io.SeekStart); err != nil {
		return blockBitmap{}, fterrors.ErrIoError.WrapError(err)
	}
	if _, err := io.ReadFull(img.backing, buf); err != nil {
		return blockBitmap{}, fterrors.ErrIoError.WrapError(err)
	}
	return blockBitmap{bits: buf}, nil
}

func (img *Image) writeBitmap(block uint32, bmp blockBitmap) error {
	if _, err := img.backing.Seek(int64(block)*512, io.SeekStart); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	_, err := img.backing.Write(bmp.bits)
	return fterrors.ErrIoError.WrapError(err)
}

// writeDifferencing copies whole sectors from the parent into a
// newly-allocated block before a partial-sector write, so the block's
// untouched bytes still read back correctly (ground: Image.write1 in
// vhdutils.py's copysect closure).
func (img *Image) writeDifferencing(p []byte) (int, error) {
	done := 0
	for done < len(p) {
		blockIdx := uint32(img.pos / int64(img.blockSize))
		offset := img.pos % int64(img.blockSize)
		left := int64(img.blockSize) - offset
		put := left
		if remain := int64(len(p) - done); remain < put {
			put = remain
		}

		block, err := img.bat.get(img.backing, blockIdx)
		if err != nil {
			return done, err
		}
		if block == unallocatedBlock {
			if !img.hasBlock(blockIdx) && isAllZero(p[done:done+int(put)]) {
				done += int(put)
				img.pos += put
				continue
			}
			block, err = img.allocateDifferencingBlock()
			if err != nil {
				return done, err
			}
			if err := img.bat.set(img.backing, blockIdx, block); err != nil {
				return done, err
			}
		}

		bmp, err := img.readBitmap(block)
		if err != nil {
			return done, err
		}

		startSector := int(offset / 512)
		stopSector := int((offset + put - 1) / 512)
		if offset%512 != 0 && !bmp.isSet(startSector) {
			if err := img.copyParentSector(block, blockIdx, startSector); err != nil {
				return done, err
			}
			bmp.setRange(startSector, 1, false)
		}
		if (offset+put)%512 != 0 && !bmp.isSet(stopSector) {
			if err := img.copyParentSector(block, blockIdx, stopSector); err != nil {
				return done, err
			}
			bmp.setRange(stopSector, 1, false)
		}
		bmp.setRange(startSector, stopSector-startSector+1, false)

		if _, err := img.backing.Seek(int64(block)*512+img.bitmapSize+offset, io.SeekStart); err != nil {
			return done, fterrors.ErrIoError.WrapError(err)
		}
		if _, err := img.backing.Write(p[done : done+int(put)]); err != nil {
			return done, fterrors.ErrIoError.WrapError(err)
		}
		if err := img.writeBitmap(block, bmp); err != nil {
			return done, err
		}

		done += int(put)
		img.pos += put
	}
	return done, nil
}

func (img *Image) copyParentSector(block, blockIdx uint32, sector int) error {
	if img.parent == nil {
		return fterrors.ErrBadVHDFooter.WithMessage("differencing write needs parent data with no parent present")
	}
	buf := make([]byte, 512)
	parentOffset := int64(blockIdx)*int64(img.blockSize) + int64(sector)*512
	if _, err := img.parent.Seek(parentOffset, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.ReadFull(img.parent, buf); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	if _, err := img.backing.Seek(int64(block)*512+img.bitmapSize+int64(sector)*512, io.SeekStart); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	_, err := img.backing.Write(buf)
	return fterrors.ErrIoError.WrapError(err)
}

func (img *Image) allocateDifferencingBlock() (uint32, error) {
	end, err := img.backing.Seek(-footerSize, io.SeekEnd)
	if err != nil {
		return 0, fterrors.ErrIoError.WrapError(err)
	}
	sector := uint32(end / 512)
	if _, err := img.backing.Write(make([]byte, img.bitmapSize+int64(img.blockSize))); err != nil {
		return 0, fterrors.ErrIoError.WrapError(err)
	}
	if _, err := img.backing.Write(img.footer.Encode()); err != nil {
		return 0, fterrors.ErrIoError.WrapError(err)
	}
	return sector, nil
}

func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
