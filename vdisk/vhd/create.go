package vhd

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"time"
	"unicode/utf16"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// newImageID returns a random 16-byte identifier for a Footer's UniqueID.
// No third-party dep in the corpus supplies UUID generation, so this is a
// deliberate stdlib exception: crypto/rand plus the wire format VHD expects
// (raw 16 bytes, no version/variant bits required by the format itself).
func newImageID() [16]byte {
	var id [16]byte
	rand.Read(id[:])
	return id
}

// MaxSize is the largest VHD Windows 11 will mount (ground: MAX_VHD_SIZE in
// vhdutils.py).
const MaxSize = 2040 << 30

const defaultBlockSize = 2 << 20

func newFooter(size int64, diskType DiskType) Footer {
	f := Footer{
		Features:          2,
		FileFormatVersion: 0x10000,
		Timestamp:         vhdTimestamp(time.Now()),
		CreatorApp:        [4]byte{'G', 'o', ' ', ' '},
		CreatorVersion:    0x60000,
		CreatorHost:       [4]byte{'W', 'i', '2', 'k'},
		OriginalSize:      uint64(size),
		CurrentSize:       uint64(size),
		DiskGeometry:      calcCHS(size),
		DiskType:          diskType,
		UniqueID:          newImageID(),
	}
	return f
}

// CreateFixed creates an empty Fixed VHD of the given size (ground:
// mk_fixed in vhdutils.py).
func CreateFixed(path string, size int64) error {
	if size > MaxSize {
		return fterrors.ErrInvalidArgument.WithMessage("VHD size exceeds 2040 GiB")
	}
	f, err := os.Create(path)
	if err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	defer f.Close()

	footer := newFooter(size, DiskTypeFixed)
	footer.DataOffset = 0xFFFFFFFFFFFFFFFF

	if err := f.Truncate(size + footerSize); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	if _, err := f.WriteAt(footer.Encode(), size); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	return nil
}

// CreateDynamic creates an empty Dynamic VHD: footer copy, dynamic header,
// and a fully-unallocated BAT, with no blocks written until first use
// (ground: mk_dynamic in vhdutils.py). blockSize of 0 selects the 2 MiB
// default Windows itself uses.
func CreateDynamic(path string, size int64, blockSize uint32) error {
	if size > MaxSize {
		return fterrors.ErrInvalidArgument.WithMessage("VHD size exceeds 2040 GiB")
	}
	if blockSize == 0 {
		blockSize = defaultBlockSize
	}

	f, err := os.Create(path)
	if err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	defer f.Close()

	footer := newFooter(size, DiskTypeDynamic)
	footer.DataOffset = 512

	if _, err := f.Write(footer.Encode()); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}

	entries := uint32((size + int64(blockSize) - 1) / int64(blockSize))
	header := DynamicHeader{
		TableOffset:     1536,
		MaxTableEntries: entries,
		BlockSize:       blockSize,
	}
	if _, err := f.Write(header.Encode()); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}

	batBytes := (int64(entries)*4 + 511) / 512 * 512
	fill := make([]byte, 512)
	for i := range fill {
		fill[i] = 0xFF
	}
	for remaining := batBytes; remaining > 0; remaining -= 512 {
		if _, err := f.Write(fill); err != nil {
			return fterrors.ErrIoError.WrapError(err)
		}
	}

	if _, err := f.Write(footer.Encode()); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	return nil
}

// CreateDifferencing creates an empty differencing VHD pointing at base,
// storing both a relative and an absolute parent locator the way Windows
// itself writes them (ground: mk_diff in vhdutils.py).
func CreateDifferencing(path, base string) error {
	parent, err := OpenFile(base)
	if err != nil {
		return err
	}
	defer parent.Close()

	footer := parent.footer
	footer.DiskType = DiskTypeDifferencing
	footer.CreatorApp = [4]byte{'G', 'o', ' ', ' '}
	footer.CreatorVersion = 0x60000
	footer.CreatorHost = [4]byte{'W', 'i', '2', 'k'}
	footer.Timestamp = vhdTimestamp(time.Now())
	footer.UniqueID = newImageID()

	f, err := os.Create(path)
	if err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	defer f.Close()

	if _, err := f.Write(footer.Encode()); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}

	absBase, err := filepath.Abs(base)
	if err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	relBase, err := filepath.Rel(filepath.Dir(path), absBase)
	if err != nil {
		relBase = absBase
	}

	header := parent.header
	header.ParentUniqueID = parent.footer.UniqueID
	header.ParentTimestamp = parent.footer.Timestamp
	var nameBuf [512]byte
	copy(nameBuf[:], utf16BEBytes(absBase))
	header.ParentUnicodeName = nameBuf
	for i := range header.Locators {
		header.Locators[i] = ParentLocator{}
	}

	batBytes := (int64(header.MaxTableEntries)*4 + 511) / 512 * 512

	relBytes := utf16LEBytes(relBase)
	absBytes := utf16LEBytes(absBase)
	relSpace := (int64(len(relBytes)) + 511) / 512 * 512
	absSpace := (int64(len(absBytes)) + 511) / 512 * 512

	header.Locators[0] = ParentLocator{
		PlatformCode:       [4]byte{'W', '2', 'r', 'u'},
		PlatformDataSpace:  uint32(relSpace),
		PlatformDataLength: uint32(len(relBytes)),
		PlatformDataOffset: uint64(1536 + batBytes),
	}
	header.Locators[1] = ParentLocator{
		PlatformCode:       [4]byte{'W', '2', 'k', 'u'},
		PlatformDataSpace:  uint32(absSpace),
		PlatformDataLength: uint32(len(absBytes)),
		PlatformDataOffset: header.Locators[0].PlatformDataOffset + uint64(relSpace),
	}

	if _, err := f.Write(header.Encode()); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	fill := make([]byte, 512)
	for i := range fill {
		fill[i] = 0xFF
	}
	for remaining := batBytes; remaining > 0; remaining -= 512 {
		if _, err := f.Write(fill); err != nil {
			return fterrors.ErrIoError.WrapError(err)
		}
	}
	if _, err := f.Write(pad(relBytes, relSpace)); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	if _, err := f.Write(pad(absBytes, absSpace)); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	if _, err := f.Write(footer.Encode()); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	return nil
}

func utf16LEBytes(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		buf[2*i] = byte(u)
		buf[2*i+1] = byte(u >> 8)
	}
	return buf
}

func utf16BEBytes(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, len(units)*2+2)
	for i, u := range units {
		buf[2*i] = byte(u >> 8)
		buf[2*i+1] = byte(u)
	}
	return buf
}

func pad(b []byte, size int64) []byte {
	out := make([]byte, size)
	copy(out, b)
	return out
}
