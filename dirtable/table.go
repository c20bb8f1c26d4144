package dirtable

import (
	"sort"
	"strings"
	"time"

	"github.com/maxpat78/FATtools/boot"
	"github.com/maxpat78/FATtools/internal/bitutil"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// storage is the slice of clusterchain.Stream's surface Table actually
// needs: random-access read/write plus the ability to grow the directory
// when findfree runs out of room. Table depends on this narrow interface
// rather than *clusterchain.Stream directly so it can be unit tested
// against an in-memory buffer with no allocator/cache machinery involved.
type storage interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Truncate(size int64) error
	Size() int64
}

// Table manages one FAT or exFAT directory: the packed entry groups
// written to its backing cluster chain, a free-slot run map, and a
// lowercased-name index, per spec §4.8.
//
// Ground: original_source/FATtools/FAT.py's Dirtable class (slots_map/Names
// bookkeeping, findfree, create/erase/rename) combined with the teacher's
// split between raw on-disk bytes (RawDirent) and a decoded view (Dirent),
// generalized across the FAT/exFAT split via the groupCodec interface so
// this file contains no variant-specific byte layout itself.
type Table struct {
	backing      storage
	codec        groupCodec
	startCluster uint32 // cluster this table's own directory entry points at
	flush        func() error

	scanned bool
	names   map[string]*Record // keyed by lowercased display name
	label   string
	order   []string // keys in the order they were scanned or added; Iterator sorts by slotOffset instead
	free    []bitutil.Run
}

// NewTable constructs a Table over an already-open directory stream.
// variant selects the FAT short+LFN codec or the exFAT entry-group codec.
// flush, if non-nil, is called by Flush to push the underlying cache's
// dirty sectors through to the device; Table has no cache reference of its
// own so callers (the volume layer) own that wiring.
func NewTable(backing storage, variant boot.Variant, startCluster uint32, flush func() error) *Table {
	var codec groupCodec
	if variant == boot.VariantExFAT {
		codec = exfatCodec{}
	} else {
		codec = fatCodec{}
	}
	return &Table{
		backing:      backing,
		codec:        codec,
		startCluster: startCluster,
		flush:        flush,
		names:        make(map[string]*Record),
	}
}

func (t *Table) readAll() ([]byte, error) {
	size := t.backing.Size()
	buf := make([]byte, size)
	if _, err := t.backing.Seek(0, 0); err != nil {
		return nil, err
	}
	if _, err := readFull(t.backing, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r storage, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

func (t *Table) writeAt(offset int64, data []byte) error {
	if _, err := t.backing.Seek(offset, 0); err != nil {
		return err
	}
	_, err := t.backing.Write(data)
	return err
}

// ensureScanned performs the "first access triggers a full scan" walk of
// spec §4.8.2: decode every group in on-disk order, building the name
// index and the free-slot run map in one pass.
func (t *Table) ensureScanned() error {
	if t.scanned {
		return nil
	}
	buf, err := t.readAll()
	if err != nil {
		return err
	}

	offset := 0
	for offset+ShortEntrySize <= len(buf) {
		window := buf[offset:]
		rec, slots, state, err := t.codec.decodeGroup(window)
		if err != nil {
			return err
		}
		switch state {
		case slotStateEnd:
			remainSlots := uint((len(buf) - offset) / ShortEntrySize)
			if remainSlots > 0 {
				t.addFreeRun(uint(offset/ShortEntrySize), remainSlots)
			}
			t.scanned = true
			return nil
		case slotStateFree:
			t.addFreeRun(uint(offset/ShortEntrySize), uint(slots))
			offset += slots * ShortEntrySize
		case slotStateEntry:
			rec.slotOffset = int64(offset)
			rec.slotCount = slots
			if rec.IsVolumeLabel {
				t.label = rec.Name
			} else {
				key := strings.ToLower(rec.Name)
				r := rec
				t.names[key] = &r
				t.order = append(t.order, key)
			}
			offset += slots * ShortEntrySize
		}
	}
	t.scanned = true
	return nil
}

// addFreeRun records a free run, coalescing it into the previous run when
// the two are adjacent (spec §4.8.2's "coalescing them in slots_map").
func (t *Table) addFreeRun(start, length uint) {
	if length == 0 {
		return
	}
	if n := len(t.free); n > 0 {
		last := &t.free[n-1]
		if last.Start+last.Length == start {
			last.Length += length
			return
		}
	}
	t.free = append(t.free, bitutil.Run{Start: start, Length: length})
}

// findFree reserves n contiguous slots, growing the directory stream by n
// slots if no existing free run is large enough (any extra room the backing
// reports past that is recorded as free), and returns the byte offset of
// the reserved run's first slot.
func (t *Table) findFree(n int) (int64, error) {
	for i, r := range t.free {
		if r.Length >= uint(n) {
			offset := int64(r.Start) * ShortEntrySize
			if r.Length == uint(n) {
				t.free = append(t.free[:i], t.free[i+1:]...)
			} else {
				t.free[i] = bitutil.Run{Start: r.Start + uint(n), Length: r.Length - uint(n)}
			}
			return offset, nil
		}
	}

	curSize := t.backing.Size()
	growBy := int64(n) * ShortEntrySize
	if err := t.backing.Truncate(curSize + growBy); err != nil {
		return 0, err
	}
	newSize := t.backing.Size()
	extraSlots := uint((newSize - curSize) / ShortEntrySize)
	offset := curSize
	if extraSlots > uint(n) {
		t.addFreeRun(uint(curSize/ShortEntrySize)+uint(n), extraSlots-uint(n))
	}
	return offset, nil
}

// Lookup returns the record for name (case-insensitive), or
// fterrors.ErrNotFound if no such entry exists (spec §4.8.4 open/opendir).
func (t *Table) Lookup(name string) (Record, error) {
	if err := t.ensureScanned(); err != nil {
		return Record{}, err
	}
	rec, ok := t.names[strings.ToLower(name)]
	if !ok {
		return Record{}, fterrors.ErrNotFound.WithMessage(name)
	}
	return *rec, nil
}

// Create reserves and writes a new entry group for name (spec §4.8.4). If
// an entry with that name already exists it is erased first. now is the
// creation/modification/access timestamp to stamp the new entry with;
// passing the caller's captured time keeps Table free of a hidden
// time.Now() dependency that would make it untestable without patching the
// clock.
func (t *Table) Create(name string, isDir bool, now time.Time) (Record, error) {
	if err := validateEntryName(name); err != nil {
		return Record{}, err
	}
	if err := t.ensureScanned(); err != nil {
		return Record{}, err
	}

	key := strings.ToLower(name)
	if _, exists := t.names[key]; exists {
		if err := t.Erase(name); err != nil {
			return Record{}, err
		}
	}

	rec := Record{
		Name:         name,
		IsDir:        isDir,
		Created:      now,
		LastModified: now,
		LastAccessed: now,
	}

	slots := t.codec.slotsNeeded(rec)
	offset, err := t.findFree(slots)
	if err != nil {
		return Record{}, err
	}

	data := t.codec.encodeGroup(rec, t.shortNameTaken)
	if err := t.writeAt(offset, data); err != nil {
		return Record{}, err
	}

	rec.slotOffset = offset
	rec.slotCount = slots
	stored := rec
	t.names[key] = &stored
	t.order = append(t.order, key)
	return rec, nil
}

// shortNameTaken reports whether alias already names a live entry, by
// comparing against the short-name rendering of every live record — the
// candidate disambiguation loop in GenerateShortAlias needs this to pick
// an alias no existing entry already uses.
func (t *Table) shortNameTaken(alias string) bool {
	lowerAlias := strings.ToLower(alias)
	for key, rec := range t.names {
		if key == lowerAlias {
			return true
		}
		if base, ext, _, ok := BuildShortEntryName(rec.Name); ok {
			if strings.ToLower(joinAlias(base, ext)) == lowerAlias {
				return true
			}
		}
	}
	return false
}

// WriteDotEntries writes the "." and ".." short entries at offsets 0 and 32
// of a freshly allocated FAT directory cluster (spec §4.8.4 mkdir; exFAT
// directories carry no dot entries, so callers only invoke this for FAT
// tables). It bypasses Create's long-name validation and alias generation
// entirely, since "." and ".." are reserved names no ordinary entry may
// use.
func (t *Table) WriteDotEntries(selfCluster, parentCluster uint32, now time.Time) error {
	dot := ShortEntry{
		Basename: ".", Attributes: AttrDir,
		Created: now, LastModified: now, LastAccessed: now,
		FirstCluster: selfCluster,
	}
	dotdot := ShortEntry{
		Basename: "..", Attributes: AttrDir,
		Created: now, LastModified: now, LastAccessed: now,
		FirstCluster: parentCluster,
	}
	var buf []byte
	buf = append(buf, dot.Encode()...)
	buf = append(buf, dotdot.Encode()...)
	return t.writeAt(0, buf)
}

// Erase overwrites name's slots with the codec's erased marker, frees the
// slots back to the free-run map, and removes it from the name index
// (spec §4.8.4). Emptiness checking for directories and open-handle
// invalidation are the volume layer's responsibility: Table only knows
// about its own slots, not the child table or handle registry a directory
// entry's start cluster would open onto.
func (t *Table) Erase(name string) error {
	if err := t.ensureScanned(); err != nil {
		return err
	}
	key := strings.ToLower(name)
	rec, ok := t.names[key]
	if !ok {
		return fterrors.ErrNotFound.WithMessage(name)
	}

	size := int64(rec.slotCount) * ShortEntrySize
	raw := make([]byte, size)
	if _, err := t.backing.Seek(rec.slotOffset, 0); err != nil {
		return err
	}
	if _, err := readFull(t.backing, raw); err != nil {
		return err
	}
	erased := t.codec.eraseMarker(raw)
	if err := t.writeAt(rec.slotOffset, erased); err != nil {
		return err
	}

	delete(t.names, key)
	t.removeFromOrder(key)
	t.addFreeRun(uint(rec.slotOffset/ShortEntrySize), uint(rec.slotCount))
	return nil
}

func (t *Table) removeFromOrder(key string) {
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

// Rename moves old's entry to new, preserving its attributes, timestamps,
// start cluster, and size, and erasing the old slots (spec §4.8.4).
func (t *Table) Rename(oldName, newName string, now time.Time) (Record, error) {
	if err := validateEntryName(newName); err != nil {
		return Record{}, err
	}
	if err := t.ensureScanned(); err != nil {
		return Record{}, err
	}
	if _, exists := t.names[strings.ToLower(newName)]; exists {
		return Record{}, fterrors.ErrAlreadyExists.WithMessage(newName)
	}

	old, ok := t.names[strings.ToLower(oldName)]
	if !ok {
		return Record{}, fterrors.ErrNotFound.WithMessage(oldName)
	}

	rec := *old
	rec.Name = newName
	rec.LastModified = now

	slots := t.codec.slotsNeeded(rec)
	offset, err := t.findFree(slots)
	if err != nil {
		return Record{}, err
	}
	data := t.codec.encodeGroup(rec, t.shortNameTaken)
	if err := t.writeAt(offset, data); err != nil {
		return Record{}, err
	}

	if err := t.Erase(oldName); err != nil {
		return Record{}, err
	}

	rec.slotOffset = offset
	rec.slotCount = slots
	key := strings.ToLower(newName)
	stored := rec
	t.names[key] = &stored
	t.order = append(t.order, key)
	return rec, nil
}

// Iterator returns every live (non-erased) entry in on-disk order, the way
// spec §4.8.4's iterator() walks the table.
func (t *Table) Iterator() ([]Record, error) {
	if err := t.ensureScanned(); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(t.names))
	for _, rec := range t.names {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].slotOffset < out[j].slotOffset })
	return out, nil
}

// Label returns the root directory's volume label slot, if any.
func (t *Table) Label() (string, error) {
	if err := t.ensureScanned(); err != nil {
		return "", err
	}
	return t.label, nil
}

// UpdateEntry rewrites name's in-place fields (size, start cluster,
// timestamps) without moving its slots, matching spec §4.8.5's handle
// close protocol: the entry's position in the table never changes across
// a write, only its tail fields do.
func (t *Table) UpdateEntry(name string, rec Record) error {
	if err := t.ensureScanned(); err != nil {
		return err
	}
	key := strings.ToLower(name)
	existing, ok := t.names[key]
	if !ok {
		return fterrors.ErrNotFound.WithMessage(name)
	}

	rec.Name = existing.Name
	rec.slotOffset = existing.slotOffset
	rec.slotCount = existing.slotCount

	data := t.codec.encodeGroup(rec, t.shortNameTaken)
	if len(data) != rec.slotCount*ShortEntrySize {
		return fterrors.ErrBadDirent.WithMessage("updated entry no longer fits its original slot count")
	}
	if err := t.writeAt(rec.slotOffset, data); err != nil {
		return err
	}
	stored := rec
	t.names[key] = &stored
	return nil
}

// Flush pushes any dirty sectors in the backing cache through to the
// device, via the callback supplied to NewTable.
func (t *Table) Flush() error {
	if t.flush == nil {
		return nil
	}
	return t.flush()
}
