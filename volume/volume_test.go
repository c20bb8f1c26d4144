package volume_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/boot"
	"github.com/maxpat78/FATtools/mkfs"
	"github.com/maxpat78/FATtools/testutil"
)

func TestVolume_FAT16_CreateWriteReadRoundTrip(t *testing.T) {
	v := testutil.OpenFreshFAT(t, 64<<20, mkfs.Params{Variant: boot.VariantFAT16}) // FAT16

	h, err := v.Root.Create("hello.txt", 0)
	require.NoError(t, err)
	n, err := h.Write([]byte("hello, world"))
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	require.NoError(t, h.Close())

	names, err := v.Root.ListDir()
	require.NoError(t, err)
	assert.Contains(t, names, "hello.txt")

	h2, err := v.Root.Open("hello.txt")
	require.NoError(t, err)
	buf := make([]byte, 12)
	_, err = io.ReadFull(h2, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", string(buf))
	require.NoError(t, h2.Close())

	require.NoError(t, v.Close())
}

func TestVolume_FAT16_MkdirAndNestedFile(t *testing.T) {
	v := testutil.OpenFreshFAT(t, 64<<20, mkfs.Params{Variant: boot.VariantFAT16})

	sub, err := v.Root.Mkdir("SUBDIR")
	require.NoError(t, err)

	h, err := sub.Create("nested.bin", 0)
	require.NoError(t, err)
	_, err = h.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.NoError(t, h.Close())

	entries, err := sub.Iterator()
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, ".")
	assert.Contains(t, names, "..")
	assert.Contains(t, names, "nested.bin")

	// Reopening the same subdirectory returns the shared registered Table.
	sub2, err := v.Root.OpenDir("SUBDIR")
	require.NoError(t, err)
	assert.Same(t, sub, sub2)

	require.NoError(t, v.Close())
}

func TestVolume_FAT16_EraseRejectsNonEmptyDirectory(t *testing.T) {
	v := testutil.OpenFreshFAT(t, 64<<20, mkfs.Params{Variant: boot.VariantFAT16})

	sub, err := v.Root.Mkdir("SUBDIR")
	require.NoError(t, err)
	h, err := sub.Create("f.txt", 0)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	err = v.Root.Erase("SUBDIR")
	assert.Error(t, err)

	require.NoError(t, v.Root.RmTree("SUBDIR"))
	require.NoError(t, v.Close())
}

func TestVolume_FAT16_GetDiskSpaceShrinksAfterWrite(t *testing.T) {
	v := testutil.OpenFreshFAT(t, 64<<20, mkfs.Params{Variant: boot.VariantFAT16})

	before, _, err := v.GetDiskSpace()
	require.NoError(t, err)

	h, err := v.Root.Create("big.bin", 0)
	require.NoError(t, err)
	_, err = h.Write(make([]byte, 1<<20)) // 1 MiB, several clusters
	require.NoError(t, err)
	require.NoError(t, h.Close())

	after, _, err := v.GetDiskSpace()
	require.NoError(t, err)
	assert.Less(t, after, before)

	require.NoError(t, v.Close())
}

func TestVolume_ExFAT_CreateWriteReadRoundTrip(t *testing.T) {
	v := testutil.OpenFreshExFAT(t, 64<<20, mkfs.Params{})

	h, err := v.Root.Create("hello.txt", 0)
	require.NoError(t, err)
	_, err = h.Write([]byte("exfat payload"))
	require.NoError(t, err)
	require.NoError(t, h.Close())

	h2, err := v.Root.Open("hello.txt")
	require.NoError(t, err)
	buf := make([]byte, len("exfat payload"))
	_, err = io.ReadFull(h2, buf)
	require.NoError(t, err)
	assert.Equal(t, "exfat payload", string(buf))
	require.NoError(t, h2.Close())

	require.NoError(t, v.Close())
}

func TestVolume_WipeFreeSpaceLeavesLiveDataIntact(t *testing.T) {
	v := testutil.OpenFreshFAT(t, 64<<20, mkfs.Params{})

	h, err := v.Root.Create("keep.txt", 0)
	require.NoError(t, err)
	_, err = h.Write([]byte("still here"))
	require.NoError(t, err)
	require.NoError(t, h.Close())

	require.NoError(t, v.WipeFreeSpace())

	h2, err := v.Root.Open("keep.txt")
	require.NoError(t, err)
	buf := make([]byte, len("still here"))
	_, err = io.ReadFull(h2, buf)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(buf))
	require.NoError(t, h2.Close())

	require.NoError(t, v.Close())
}
