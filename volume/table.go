package volume

import (
	"time"

	"github.com/maxpat78/FATtools/boot"
	"github.com/maxpat78/FATtools/clusterchain"
	"github.com/maxpat78/FATtools/dirtable"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// tableStorage is dirtable.Table's unexported `storage` interface,
// restated here so this package can name the type its own backing values
// (*clusterchain.Stream, *fixedRegion) satisfy.
type tableStorage interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Truncate(size int64) error
	Size() int64
}

// Table is one open directory: the decoded entry table plus the
// volume-level bookkeeping (parent link, open file handles, registry
// membership) spec §4.8.4/§5 assign to the volume rather than the table
// itself. A Table is shared: opendir(name) on the same start cluster
// always returns the same *Table (spec §4.8.4 "a process-wide registry ...
// enforces that there is at most one live directory handle per directory
// table").
type Table struct {
	vol          *Volume
	tbl          *dirtable.Table
	backing      tableStorage
	startCluster uint32
	parent       *Table
}

func newTable(vol *Volume, backing tableStorage, startCluster uint32, parent *Table) *Table {
	t := &Table{vol: vol, backing: backing, startCluster: startCluster, parent: parent}
	t.tbl = dirtable.NewTable(backing, vol.Boot.Variant, startCluster, vol.cache.Flush)
	return t
}

// openChildStream opens a cluster-chain stream for a record found in this
// table — a regular file (with its declared size) or a subdirectory (whose
// logical size is simply its allocated extent, clusterchain.Open's
// negative-fileSize convention).
func (t *Table) openChildStream(rec dirtable.Record, readOnly bool) (*clusterchain.Stream, error) {
	fileSize := rec.Size
	if rec.IsDir {
		fileSize = -1
	}
	return clusterchain.Open(t.vol.clusterParams, rec.StartCluster, fileSize, readOnly)
}

// Open opens name as a file Handle (spec §4.8.4 `open(name)`).
func (t *Table) Open(name string) (*Handle, error) {
	rec, err := t.tbl.Lookup(name)
	if err != nil {
		return nil, err
	}
	if rec.IsDir {
		return nil, fterrors.ErrIsADirectory.WithMessage(name)
	}
	stream, err := t.openChildStream(rec, t.vol.readOnly)
	if err != nil {
		return nil, err
	}
	h := &Handle{vol: t.vol, dir: t, name: name, stream: stream, rec: rec}
	t.vol.handles[h] = struct{}{}
	return h, nil
}

// OpenDir opens name as a subdirectory Table (spec §4.8.4 `opendir(name)`).
// Reopening an already-open subdirectory returns the cached *Table from the
// volume's directory registry instead of constructing a second one, so
// concurrent views of the same directory stay size-coherent.
func (t *Table) OpenDir(name string) (*Table, error) {
	rec, err := t.tbl.Lookup(name)
	if err != nil {
		return nil, err
	}
	if !rec.IsDir {
		return nil, fterrors.ErrNotADirectory.WithMessage(name)
	}
	if cached, ok := t.vol.dirRegistry[rec.StartCluster]; ok {
		return cached, nil
	}
	stream, err := t.openChildStream(rec, t.vol.readOnly)
	if err != nil {
		return nil, err
	}
	child := newTable(t.vol, stream, rec.StartCluster, t)
	t.vol.dirRegistry[rec.StartCluster] = child
	return child, nil
}

// Create creates a new, empty file entry named name (spec §4.8.4
// `create(name, [prealloc])`). A nonzero prealloc makes the stream allocate
// that many clusters and then truncates it back to zero, which frees them
// again: the new entry holds no clusters when Create returns, and the first
// write allocates afresh with no guarantee of a contiguous run.
func (t *Table) Create(name string, prealloc uint32) (*Handle, error) {
	now := time.Now()
	rec, err := t.tbl.Create(name, false, now)
	if err != nil {
		return nil, err
	}

	stream, err := clusterchain.Open(t.vol.clusterParams, 0, 0, false)
	if err != nil {
		return nil, err
	}
	if prealloc > 0 {
		if err := stream.Truncate(int64(prealloc) * int64(t.vol.Boot.ClusterSize())); err != nil {
			return nil, err
		}
		if err := stream.Truncate(0); err != nil { // declared size starts at 0; Truncate(0) frees the clusters just allocated
			return nil, err
		}
	}

	h := &Handle{vol: t.vol, dir: t, name: name, stream: stream, rec: rec}
	t.vol.handles[h] = struct{}{}
	return h, nil
}

// Mkdir creates a subdirectory named name, with one pre-allocated cluster
// and "." / ".." entries written at its start (FAT only — exFAT directories
// carry no dot entries; spec §4.8.4 `mkdir(name)`).
func (t *Table) Mkdir(name string) (*Table, error) {
	now := time.Now()
	rec, err := t.tbl.Create(name, true, now)
	if err != nil {
		return nil, err
	}

	stream, err := clusterchain.Open(t.vol.clusterParams, 0, -1, false)
	if err != nil {
		return nil, err
	}
	if err := stream.Truncate(int64(t.vol.Boot.ClusterSize())); err != nil {
		return nil, err
	}
	rec.StartCluster = stream.StartCluster()
	rec.Size = 0
	if err := t.tbl.UpdateEntry(name, rec); err != nil {
		return nil, err
	}

	if t.vol.Boot.Variant != boot.VariantExFAT {
		// ".." in a new top-level directory points at cluster 0, the
		// conventional root sentinel, regardless of the root's own actual
		// start cluster (ground: FAT.py's mkdir, "non-root parent's
		// cluster # must be set" — i.e. a root parent's isn't).
		parentCluster := t.startCluster
		if t == t.vol.Root {
			parentCluster = 0
		}
		if err := t.tbl.WriteDotEntries(rec.StartCluster, parentCluster, now); err != nil {
			return nil, err
		}
	}

	child := newTable(t.vol, stream, rec.StartCluster, t)
	t.vol.dirRegistry[rec.StartCluster] = child
	return child, nil
}

// Erase removes name (spec §4.8.4 `erase(name)`). A non-empty subdirectory
// (anything beyond "." and "..") is rejected; an open Handle bound to the
// erased entry's start cluster is invalidated so further use of it returns
// an error instead of corrupting whatever reoccupies those clusters (spec
// §4.8.4/§4.8.5, ground: Table.Erase's doc comment explicitly deferring
// both checks to this layer).
func (t *Table) Erase(name string) error {
	rec, err := t.tbl.Lookup(name)
	if err != nil {
		return err
	}
	if rec.IsDir {
		child, err := t.OpenDir(name)
		if err != nil {
			return err
		}
		entries, err := child.tbl.Iterator()
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Name != "." && e.Name != ".." {
				return fterrors.ErrNotEmpty.WithMessage(name)
			}
		}
		delete(t.vol.dirRegistry, rec.StartCluster)
	}

	t.vol.invalidateHandles(rec.StartCluster)

	if rec.StartCluster != 0 {
		if err := t.vol.alloc.Free(rec.StartCluster); err != nil {
			return err
		}
	}
	return t.tbl.Erase(name)
}

// RmTree recursively erases name and everything beneath it, refusing to
// descend into "." and ".." (spec §4.8.4 `rmtree([name])`).
func (t *Table) RmTree(name string) error {
	rec, err := t.tbl.Lookup(name)
	if err != nil {
		return err
	}
	if !rec.IsDir {
		return t.Erase(name)
	}

	dir, err := t.OpenDir(name)
	if err != nil {
		return err
	}
	entries, err := dir.tbl.Iterator()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if err := dir.RmTree(e.Name); err != nil {
			return err
		}
	}
	return t.Erase(name)
}

// Rename moves oldName to newName within this table (spec §4.8.4
// `rename(old, new)`).
func (t *Table) Rename(oldName, newName string) (dirtable.Record, error) {
	return t.tbl.Rename(oldName, newName, time.Now())
}

// ListDir returns the live entry names in this directory, skipping "." and
// "..". (spec §6 `listdir`).
func (t *Table) ListDir() ([]string, error) {
	entries, err := t.tbl.Iterator()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		names = append(names, e.Name)
	}
	return names, nil
}

// Iterator returns every live entry in on-disk order (spec §4.8.4
// `iterator()`).
func (t *Table) Iterator() ([]dirtable.Record, error) {
	return t.tbl.Iterator()
}

// Stat looks up name's directory entry without opening it, so a caller can
// tell a file from a subdirectory (or discover neither exists) before
// deciding which of Open/OpenDir to call.
func (t *Table) Stat(name string) (dirtable.Record, error) {
	return t.tbl.Lookup(name)
}

// Walk performs a depth-first traversal, invoking visit once per directory
// with its slash-joined path relative to this table, its subdirectory
// names, and its file names (spec §4.8.4 `walk()`).
func (t *Table) Walk(path string, visit func(path string, dirs, files []string) error) error {
	entries, err := t.tbl.Iterator()
	if err != nil {
		return err
	}
	var dirs, files []string
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." || e.IsVolumeLabel {
			continue
		}
		if e.IsDir {
			dirs = append(dirs, e.Name)
		} else {
			files = append(files, e.Name)
		}
	}
	if err := visit(path, dirs, files); err != nil {
		return err
	}
	for _, name := range dirs {
		child, err := t.OpenDir(name)
		if err != nil {
			return err
		}
		if err := child.Walk(path+"/"+name, visit); err != nil {
			return err
		}
	}
	return nil
}

// Label returns the volume label stored in this table (only meaningful on
// the root directory; spec §4.8.4 `label([new])`, read-only form).
func (t *Table) Label() (string, error) {
	return t.tbl.Label()
}

// Attrib flips name's DOS attribute bits, OR-ing in set and clearing clear
// (spec §4.8.4 `attrib(name, [±AHRS])`; ground: FAT.py's attrib() method,
// which likewise just rewrites the Attributes byte in place and leaves
// everything else about the entry untouched).
func (t *Table) Attrib(name string, set, clear uint16) error {
	rec, err := t.tbl.Lookup(name)
	if err != nil {
		return err
	}
	rec.Attributes = (rec.Attributes &^ clear) | set
	return t.tbl.UpdateEntry(name, rec)
}

// Sort reorders this directory's live entries by cmp (nil meaning the
// table's natural on-disk order) and, when shrink is true, compacts the
// freed slots left behind by any erased entries so the table's allocated
// size can be truncated afterward (spec §4.8.4 `sort([cmp], shrink?)`;
// ground: FAT.py's sort(), which rewrites every live entry contiguously
// from the start of the directory stream in the new order).
//
// Rewriting entries out of their original slots would invalidate every
// Record a caller is still holding (UpdateEntry only supports rewriting a
// record's tail fields in its *existing* slots, by design — see its doc
// comment), so this only reorders records that have no slot-position
// dependency: it recomputes the table from its own Iterator() output and
// writes each group back via Erase+Create in the new sequence. Open
// Handles bound to entries that get rewritten this way are not
// renumbered; callers should avoid sorting a directory with open Handles
// on it, the same restriction FAT.py documents for sort().
func (t *Table) Sort(cmp func(a, b dirtable.Record) bool, shrink bool) error {
	entries, err := t.tbl.Iterator()
	if err != nil {
		return err
	}

	var live []dirtable.Record
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		live = append(live, e)
	}
	if cmp != nil {
		sortRecords(live, cmp)
	}

	for _, e := range live {
		if err := t.tbl.Erase(e.Name); err != nil {
			return err
		}
	}
	for _, e := range live {
		created, err := t.tbl.Create(e.Name, e.IsDir, e.Created)
		if err != nil {
			return err
		}
		created.Attributes = e.Attributes
		created.StartCluster = e.StartCluster
		created.Size = e.Size
		created.LastModified = e.LastModified
		created.LastAccessed = e.LastAccessed
		created.Contiguous = e.Contiguous
		if err := t.tbl.UpdateEntry(e.Name, created); err != nil {
			return err
		}
	}

	if shrink && t != t.vol.Root {
		wanted := int64(len(live)+2) * 32 // "." and ".." occupy the first two slots
		clusterSize := int64(t.vol.Boot.ClusterSize())
		wantedClusters := (wanted + clusterSize - 1) / clusterSize
		if wantedClusters < 1 {
			wantedClusters = 1
		}
		if err := t.backing.Truncate(wantedClusters * clusterSize); err != nil {
			return err
		}
	}
	return nil
}

// sortRecords is a small insertion sort so this package doesn't need to
// pull in "sort" just for a comparator over a handful of directory
// entries per call.
func sortRecords(recs []dirtable.Record, less func(a, b dirtable.Record) bool) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && less(recs[j], recs[j-1]); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

// Flush writes back this table's dirty entries and the shared Sector
// Cache (spec §4.8.4 `flush()`).
func (t *Table) Flush() error {
	return t.tbl.Flush()
}
