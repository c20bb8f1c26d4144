package main

import (
	"path/filepath"
	"strings"

	"github.com/maxpat78/FATtools/volume"
)

// knownImageExtensions mirrors is_vdisk's scan order: vhdx/vhd/vdi/vmdk
// select a virtual disk backend, img/dsk/raw/bin are recognized as plain
// disk images sharing the same "this argument names a container" meaning
// (ground: original_source/FATtools/utils.py's is_vdisk).
var knownImageExtensions = []string{"vhdx", "vhd", "vdi", "vmdk", "img", "dsk", "raw", "bin"}

// splitImagePath finds the first recognized image extension in arg and
// splits it into the container path and whatever comes after (the path of
// the item inside the mounted volume, possibly empty). If none of the
// known extensions appear, the whole argument is treated as the
// container path with no inner path, matching a bare "ls disk.img" call.
func splitImagePath(arg string) (imagePath, innerPath string) {
	lower := strings.ToLower(arg)
	cut, start := -1, -1
	for _, ext := range knownImageExtensions {
		if i := strings.Index(lower, "."+ext); i >= 0 {
			end := i + 1 + len(ext)
			// Earliest match wins; at the same position the longer
			// extension wins, so ".vhdx" is not cut short as ".vhd".
			if cut == -1 || i < start || (i == start && end > cut) {
				cut, start = end, i
			}
		}
	}
	if cut == -1 {
		return arg, ""
	}
	imagePath = arg[:cut]
	rest := arg[cut:]
	rest = strings.TrimPrefix(rest, "/")
	rest = strings.TrimPrefix(rest, "\\")
	return imagePath, rest
}

// openTableAt opens imagePath read-write or read-only and descends to the
// directory named by dirPath (which must name an existing directory, not a
// file), returning both the Volume (so the caller can Close it) and the
// resolved Table.
func openTableAt(imagePath, dirPath string, mode volume.Mode) (*volume.Volume, *volume.Table, error) {
	v, err := volume.Open(imagePath, mode, volume.WhatAuto)
	if err != nil {
		return nil, nil, err
	}
	t := v.Root
	if dirPath != "" {
		for _, part := range splitSlashOrBackslash(dirPath) {
			t, err = t.OpenDir(part)
			if err != nil {
				v.Close()
				return nil, nil, err
			}
		}
	}
	return v, t, nil
}

// splitSlashOrBackslash splits a CLI-supplied inner path on either
// separator, since a Windows-style image argument like "image.vhd\Dir\a"
// is just as legitimate a source as the Unix-style spelling.
func splitSlashOrBackslash(path string) []string {
	path = strings.ReplaceAll(path, "\\", "/")
	var out []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// splitDirAndLeaf separates path's final component (a file name or a
// wildcard pattern) from the directory portion leading to it.
func splitDirAndLeaf(path string) (dir, leaf string) {
	path = strings.ReplaceAll(path, "\\", "/")
	parts := splitSlashOrBackslash(path)
	if len(parts) == 0 {
		return "", ""
	}
	leaf = parts[len(parts)-1]
	dir = strings.Join(parts[:len(parts)-1], "/")
	return dir, leaf
}

func isWildcard(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// matchNames filters dir's entry names against a shell glob pattern
// (ground: ls.py/cp.py/rm.py/cat.py's shared fnmatch-based expansion).
func matchNames(dir *volume.Table, pattern string) ([]string, error) {
	names, err := dir.ListDir()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range names {
		if ok, _ := filepath.Match(pattern, name); ok {
			out = append(out, name)
		}
	}
	return out, nil
}
