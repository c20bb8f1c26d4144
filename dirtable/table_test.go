package dirtable_test

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/boot"
	"github.com/maxpat78/FATtools/dirtable"
)

// memBacking is a trivial in-memory storage implementation so Table tests
// don't need a real cluster chain, allocator, or sector cache behind them.
type memBacking struct {
	buf []byte
	pos int64
}

func (m *memBacking) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *memBacking) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	n := copy(m.buf[m.pos:end], p)
	m.pos += int64(n)
	return n, nil
}

func (m *memBacking) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = offset
	case io.SeekCurrent:
		m.pos += offset
	case io.SeekEnd:
		m.pos = int64(len(m.buf)) + offset
	}
	return m.pos, nil
}

func (m *memBacking) Truncate(size int64) error {
	if size <= int64(len(m.buf)) {
		m.buf = m.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, m.buf)
	m.buf = grown
	return nil
}

func (m *memBacking) Size() int64 { return int64(len(m.buf)) }

var fixedTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func TestTable_CreateAndLookup_FAT(t *testing.T) {
	backing := &memBacking{}
	tbl := dirtable.NewTable(backing, boot.VariantFAT32, 2, nil)

	rec, err := tbl.Create("Réadme Long.txt", false, fixedTime)
	require.NoError(t, err)
	assert.Equal(t, "Réadme Long.txt", rec.Name)

	found, err := tbl.Lookup("réadme long.txt")
	require.NoError(t, err)
	assert.Equal(t, rec.Name, found.Name)
}

func TestTable_EraseFreesSlotsForReuse(t *testing.T) {
	backing := &memBacking{}
	tbl := dirtable.NewTable(backing, boot.VariantFAT16, 2, nil)

	_, err := tbl.Create("a.txt", false, fixedTime)
	require.NoError(t, err)
	sizeAfterCreate := backing.Size()

	require.NoError(t, tbl.Erase("a.txt"))
	_, err = tbl.Lookup("a.txt")
	assert.Error(t, err)

	_, err = tbl.Create("b.txt", false, fixedTime)
	require.NoError(t, err)
	assert.Equal(t, sizeAfterCreate, backing.Size(), "reusing the freed slot must not grow the directory")
}

func TestTable_RenamePreservesAttributesAndRejectsCollision(t *testing.T) {
	backing := &memBacking{}
	tbl := dirtable.NewTable(backing, boot.VariantFAT32, 2, nil)

	_, err := tbl.Create("old.txt", false, fixedTime)
	require.NoError(t, err)
	_, err = tbl.Create("taken.txt", false, fixedTime)
	require.NoError(t, err)

	_, err = tbl.Rename("old.txt", "taken.txt", fixedTime)
	assert.Error(t, err, "renaming onto an existing name must fail")

	renamed, err := tbl.Rename("old.txt", "new.txt", fixedTime)
	require.NoError(t, err)
	assert.Equal(t, "new.txt", renamed.Name)

	_, err = tbl.Lookup("old.txt")
	assert.Error(t, err)
}

func TestTable_IteratorReturnsOnDiskOrder(t *testing.T) {
	backing := &memBacking{}
	tbl := dirtable.NewTable(backing, boot.VariantFAT32, 2, nil)

	names := []string{"first.txt", "second.txt", "third.txt"}
	for _, n := range names {
		_, err := tbl.Create(n, false, fixedTime)
		require.NoError(t, err)
	}

	entries, err := tbl.Iterator()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, n := range names {
		assert.Equal(t, n, entries[i].Name)
	}
}

func TestTable_CreateAndLookup_ExFAT(t *testing.T) {
	backing := &memBacking{}
	tbl := dirtable.NewTable(backing, boot.VariantExFAT, 5, nil)

	rec, err := tbl.Create("a fairly long exfat name.bin", true, fixedTime)
	require.NoError(t, err)
	assert.True(t, rec.IsDir)

	found, err := tbl.Lookup("A Fairly Long ExFAT Name.bin")
	require.NoError(t, err)
	assert.Equal(t, rec.Name, found.Name)
}

func TestTable_WriteDotEntriesAreReadableAsShortEntries(t *testing.T) {
	backing := &memBacking{}
	require.NoError(t, backing.Truncate(2*dirtable.ShortEntrySize))
	tbl := dirtable.NewTable(backing, boot.VariantFAT16, 10, nil)

	require.NoError(t, tbl.WriteDotEntries(10, 2, fixedTime))

	raw := backing.Bytes()[:dirtable.ShortEntrySize]
	entry, err := dirtable.DecodeShortEntry(raw)
	require.NoError(t, err)
	assert.Equal(t, ".", entry.Basename)
	assert.EqualValues(t, 10, entry.FirstCluster)
}

func (m *memBacking) Bytes() []byte { return bytes.Clone(m.buf) }
