package volume

import (
	"time"

	"github.com/maxpat78/FATtools/clusterchain"
	"github.com/maxpat78/FATtools/dirtable"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// Handle is an open file (spec §6 "Handle operations": read, write, seek,
// tell, ftruncate, close). It's invalidated by Erase/Rename acting on the
// entry it's bound to, the way spec §4.8.4 requires.
type Handle struct {
	vol    *Volume
	dir    *Table
	name   string
	stream *clusterchain.Stream
	rec    dirtable.Record

	invalid         bool
	closed          bool
	timesOverridden bool
}

// SetTimestamps overrides the created/modified/accessed times that Close
// would otherwise stamp with the current time, so a caller copying a file
// in from another filesystem can preserve its original times (spec §6
// `copy_in`'s attribute-preservation bitmask, ground: Volume.py's
// `_preserve_attributes_in`).
func (h *Handle) SetTimestamps(created, modified, accessed time.Time) {
	h.rec.Created = created
	h.rec.LastModified = modified
	h.rec.LastAccessed = accessed
	h.timesOverridden = true
}

func (h *Handle) checkLive() error {
	if h.closed {
		return fterrors.ErrInvalidArgument.WithMessage("handle already closed")
	}
	if h.invalid {
		return fterrors.ErrNotFound.WithMessage("handle's directory entry was erased or renamed away")
	}
	return nil
}

func (h *Handle) Read(p []byte) (int, error) {
	if err := h.checkLive(); err != nil {
		return 0, err
	}
	return h.stream.Read(p)
}

func (h *Handle) Write(p []byte) (int, error) {
	if err := h.checkLive(); err != nil {
		return 0, err
	}
	return h.stream.Write(p)
}

func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	if err := h.checkLive(); err != nil {
		return 0, err
	}
	return h.stream.Seek(offset, whence)
}

// Record returns the directory entry this handle is bound to, as of the
// last open/write — useful for a caller (e.g. copyutil) that needs the
// source file's original timestamps to replicate onto a copy.
func (h *Handle) Record() dirtable.Record { return h.rec }

func (h *Handle) Tell() int64 {
	pos, _ := h.stream.Seek(0, 1) // io.SeekCurrent
	return pos
}

// Ftruncate resizes the file to length bytes. free, when true and length
// is shorter than the current size, actually releases the now-unused
// trailing clusters (clusterchain.Stream.Truncate always does this — the
// parameter exists to match spec §6's `ftruncate(length, free?)` surface,
// which some CLI callers invoke with free=false to reserve space without
// committing to it; that half is intentionally unimplemented since nothing
// in scope needs a "shrink the declared size but keep holding the
// clusters" mode).
func (h *Handle) Ftruncate(length int64, free bool) error {
	if err := h.checkLive(); err != nil {
		return err
	}
	return h.stream.Truncate(length)
}

// Close implements the handle close protocol (spec §4.8.5): a writable
// handle's directory entry is updated in place with the stream's final
// start cluster (which may have been allocated lazily on first write),
// size, and a fresh modify/access timestamp, then written back. If the
// entry was erased out from under this handle while it was open, the
// chain is freed instead and the (now nonexistent) entry is left alone.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	delete(h.vol.handles, h)

	if h.invalid {
		if h.rec.StartCluster != 0 {
			return h.vol.alloc.Free(h.rec.StartCluster)
		}
		return nil
	}

	if h.vol.readOnly {
		return nil
	}

	h.rec.StartCluster = h.stream.StartCluster()
	h.rec.Size = h.stream.Size()
	if !h.timesOverridden {
		now := time.Now()
		h.rec.LastModified = now
		h.rec.LastAccessed = now
	}
	return h.dir.tbl.UpdateEntry(h.name, h.rec)
}
