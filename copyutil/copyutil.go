// Package copyutil implements the high-level copy helpers spec §6 lists
// alongside the Library API: copying real files and directory trees into
// and out of a mounted Volume, chunked and with optional timestamp
// preservation.
//
// Ground: Volume.py's copy_in/copy_tree_in/copy_out/copy_tree_out and
// _preserve_attributes_in/_preserve_attributes_out.
package copyutil

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/maxpat78/FATtools/dirtable"
	"github.com/maxpat78/FATtools/volume"
)

// AttrFlags selects which real-filesystem timestamps a copy preserves,
// mirroring Volume.py's `attributes` bitmask.
type AttrFlags uint8

const (
	AttrPreserveCreated  AttrFlags = 1 << 0
	AttrPreserveModified AttrFlags = 1 << 1
	AttrPreserveAccessed AttrFlags = 1 << 2
	// AttrZeroTimes blanks a FAT entry's creation/access date-time fields
	// instead of stamping them, matching pre-Win95 MS-DOS tools that never
	// populated them at all.
	AttrZeroTimes AttrFlags = 1 << 5
)

// Options configures a copy operation. A zero Options copies in 1 MiB
// chunks with no timestamp preservation and no progress callback, the
// same defaults Volume.py's helpers use.
type Options struct {
	ChunkSize  int
	Attributes AttrFlags
	// Progress, if non-nil, is called once per item copied (spec §6
	// `callback`) with a path relative to the copy's own root.
	Progress func(path string)
}

func (o Options) chunkSize() int {
	if o.ChunkSize > 0 {
		return o.ChunkSize
	}
	return 1 << 20
}

func (o Options) notify(path string) {
	if o.Progress != nil {
		o.Progress(path)
	}
}

// CopyIn copies each real file or directory in srcPaths into dest (spec §6
// `copy_in`). A directory is copied recursively under its own base name; a
// file is created directly in dest. Failures on individual items are
// collected rather than aborting the whole batch, so one bad source among
// many doesn't stop the rest from copying.
func CopyIn(srcPaths []string, dest *volume.Table, opts Options) error {
	var errs *multierror.Error
	for _, src := range srcPaths {
		if err := copyInOne(src, dest, opts); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func copyInOne(src string, dest *volume.Table, opts Options) error {
	st, err := os.Stat(src)
	if err != nil {
		return err
	}
	name := filepath.Base(src)

	if st.IsDir() {
		subdir, err := dest.Mkdir(name)
		if err != nil {
			return err
		}
		return CopyTreeIn(src, subdir, opts)
	}
	opts.notify(name)
	return copyFileIn(src, st, dest, name, opts)
}

func copyFileIn(src string, st os.FileInfo, dest *volume.Table, targetName string, opts Options) error {
	fp, err := os.Open(src)
	if err != nil {
		return err
	}
	defer fp.Close()

	dst, err := dest.Create(targetName, 0)
	if err != nil {
		return err
	}

	buf := make([]byte, opts.chunkSize())
	if _, err := io.CopyBuffer(asWriter(dst), fp, buf); err != nil {
		dst.Close()
		return err
	}
	applyInboundTimes(dst, st, opts.Attributes)
	return dst.Close()
}

// CopyTreeIn copies every file and subdirectory under the real directory
// base into the virtual directory dest, preserving the relative structure
// (spec §6 `copy_tree_in`).
func CopyTreeIn(base string, dest *volume.Table, opts Options) error {
	var errs *multierror.Error
	dirs := map[string]*volume.Table{".": dest}

	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = multierror.Append(errs, err)
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil || rel == "." {
			return nil
		}
		parentRel := filepath.Dir(rel)
		parent, ok := dirs[parentRel]
		if !ok {
			// Parent wasn't recorded (WalkDir visits it first, so this
			// should not happen); skip rather than guess a target.
			errs = multierror.Append(errs, os.ErrNotExist)
			return nil
		}

		if d.IsDir() {
			sub, err := parent.Mkdir(d.Name())
			if err != nil {
				errs = multierror.Append(errs, err)
				return fs.SkipDir
			}
			dirs[rel] = sub
			return nil
		}

		st, err := d.Info()
		if err != nil {
			errs = multierror.Append(errs, err)
			return nil
		}
		opts.notify(rel)
		if err := copyFileIn(path, st, parent, d.Name(), opts); err != nil {
			errs = multierror.Append(errs, err)
		}
		return nil
	})
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// applyInboundTimes stamps dst's entry with src's real timestamps per the
// attributes bitmask before it's closed (ground:
// Volume.py's _preserve_attributes_in).
func applyInboundTimes(dst *volume.Handle, st os.FileInfo, attrs AttrFlags) {
	if attrs == 0 {
		return
	}
	rec := dst.Record()
	created, modified, accessed := rec.Created, rec.LastModified, rec.LastAccessed
	// os.FileInfo exposes no portable creation time or access time (the
	// Python original reads st_ctime/st_atime, which aren't creation time
	// on POSIX either); ModTime is the one timestamp every platform's
	// FileInfo actually carries, so it stands in for both here.
	if attrs&AttrPreserveCreated != 0 {
		created = st.ModTime()
	}
	if attrs&AttrPreserveModified != 0 {
		modified = st.ModTime()
	}
	if attrs&AttrPreserveAccessed != 0 {
		accessed = st.ModTime()
	}
	if attrs&AttrZeroTimes != 0 {
		created, accessed = time.Time{}, time.Time{}
	}
	dst.SetTimestamps(created, modified, accessed)
}

type chunkWriter struct{ h *volume.Handle }

func (w chunkWriter) Write(p []byte) (int, error) { return w.h.Write(p) }

func asWriter(h *volume.Handle) io.Writer { return chunkWriter{h} }

// CopyOut copies each named file or directory found in base out to the
// real directory dest (spec §6 `copy_out`).
func CopyOut(base *volume.Table, srcNames []string, dest string, opts Options) error {
	var errs *multierror.Error
	for _, name := range srcNames {
		if err := copyOutOne(base, name, dest, opts); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func copyOutOne(base *volume.Table, name string, dest string, opts Options) error {
	rec, err := base.Stat(name)
	if err != nil {
		return err
	}

	if rec.IsDir {
		target := filepath.Join(dest, filepath.Base(name))
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
		sub, err := base.OpenDir(name)
		if err != nil {
			return err
		}
		return CopyTreeOut(sub, target, opts)
	}

	target := dest
	if st, err := os.Stat(dest); err == nil && st.IsDir() {
		target = filepath.Join(dest, filepath.Base(name))
	}
	opts.notify(name)
	return copyFileOut(base, name, target, opts)
}

func copyFileOut(base *volume.Table, name, target string, opts Options) error {
	src, err := base.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	fp, err := os.Create(target)
	if err != nil {
		return err
	}
	defer fp.Close()

	buf := make([]byte, opts.chunkSize())
	if _, err := io.CopyBuffer(fp, asReader(src), buf); err != nil {
		return err
	}
	applyOutboundTimes(target, src.Record(), opts.Attributes)
	return nil
}

type chunkReader struct{ h *volume.Handle }

func (r chunkReader) Read(p []byte) (int, error) { return r.h.Read(p) }

func asReader(h *volume.Handle) io.Reader { return chunkReader{h} }

// applyOutboundTimes restores the access/modify times a directory entry
// recorded onto the freshly written real file (ground:
// Volume.py's _preserve_attributes_out — creation time can't be restored
// through os.Chtimes, matching the Python original's own limitation).
func applyOutboundTimes(target string, rec dirtable.Record, attrs AttrFlags) {
	if attrs&(AttrPreserveModified|AttrPreserveAccessed) == 0 {
		return
	}
	mtime, atime := rec.LastModified, rec.LastAccessed
	if attrs&AttrPreserveModified == 0 {
		mtime = time.Now()
	}
	if attrs&AttrPreserveAccessed == 0 {
		atime = time.Now()
	}
	os.Chtimes(target, atime, mtime)
}

// CopyTreeOut copies every file under the virtual directory base out to
// the real directory dest, preserving the relative structure (spec §6
// `copy_tree_out`).
func CopyTreeOut(base *volume.Table, dest string, opts Options) error {
	var errs *multierror.Error
	err := base.Walk("", func(path string, dirs, files []string) error {
		targetDir := filepath.Join(dest, filepath.FromSlash(path))
		if err := os.MkdirAll(targetDir, 0o755); err != nil {
			return err
		}
		dirTable := base
		if path != "" {
			var err error
			dirTable, err = openRelative(base, path)
			if err != nil {
				return err
			}
		}
		for _, name := range files {
			opts.notify(filepath.Join(path, name))
			if err := copyFileOut(dirTable, name, filepath.Join(targetDir, name), opts); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		return nil
	})
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// openRelative resolves a slash-joined path (as produced by Table.Walk)
// relative to root into the *volume.Table for that subdirectory.
func openRelative(root *volume.Table, path string) (*volume.Table, error) {
	cur := root
	for _, part := range splitPath(path) {
		next, err := cur.OpenDir(part)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// splitPath splits a slash-joined relative path (as Table.Walk produces,
// regardless of host OS) into its segments.
func splitPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				out = append(out, path[start:i])
			}
			start = i + 1
		}
	}
	return out
}
