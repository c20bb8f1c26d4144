package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/maxpat78/FATtools/copyutil"
	"github.com/maxpat78/FATtools/volume"
)

// cmdCp implements cp.py: copies real files/directories into a mounted
// volume, or files out of one, but (matching the Python original) not
// between two volumes directly.
func cmdCp(c *cli.Context) error {
	args := c.Args().Slice()
	if len(args) < 2 {
		return fmt.Errorf("cp: specify at least one source and a destination")
	}
	dest := args[len(args)-1]
	srcs := args[:len(args)-1]

	opts := copyutil.Options{Progress: func(path string) { fmt.Println(path) }}
	if c.Bool("a") {
		opts.Attributes = copyutil.AttrPreserveCreated | copyutil.AttrPreserveModified | copyutil.AttrPreserveAccessed
	}

	destImage, destInner := splitImagePath(dest)
	if destImage != dest || hasKnownExtension(destImage) {
		return cpIntoImage(srcs, destImage, destInner, opts)
	}
	return cpOutOfImages(srcs, dest, opts)
}

func hasKnownExtension(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range knownImageExtensions {
		if strings.HasSuffix(lower, "."+ext) {
			return true
		}
	}
	return false
}

// cpIntoImage copies real filesystem sources into destImage, creating
// destInner as a target subdirectory when it's given (ground: cp.py's
// "target is virtual disk" branch).
func cpIntoImage(srcs []string, destImage, destInner string, opts copyutil.Options) error {
	v, err := volume.Open(destImage, volume.ReadWrite, volume.WhatAuto)
	if err != nil {
		return err
	}
	defer v.Close()

	dest := v.Root
	if destInner != "" {
		for _, part := range splitSlashOrBackslash(destInner) {
			sub, err := dest.OpenDir(part)
			if err != nil {
				sub, err = dest.Mkdir(part)
				if err != nil {
					return err
				}
			}
			dest = sub
		}
	}
	return copyutil.CopyIn(srcs, dest, opts)
}

// cpOutOfImages copies one or more image-rooted sources out to the real
// directory dest (ground: cp.py's "target is real filesystem" branch).
func cpOutOfImages(srcs []string, dest string, opts copyutil.Options) error {
	if st, err := os.Stat(dest); err != nil || !st.IsDir() {
		if len(srcs) > 1 {
			return fmt.Errorf("cp: target directory %q does not exist", dest)
		}
	}
	for _, src := range srcs {
		imagePath, innerPath := splitImagePath(src)
		if imagePath == src {
			return fmt.Errorf("cp: %q is not inside a recognized disk image and real-to-real copy is out of scope", src)
		}
		dirPath, leaf := splitDirAndLeaf(innerPath)

		v, t, err := openTableAt(imagePath, dirPath, volume.ReadOnly)
		if err != nil {
			return err
		}

		names := []string{leaf}
		if isWildcard(leaf) {
			names, err = matchNames(t, leaf)
		}
		if err == nil {
			if len(names) == 0 {
				err = fmt.Errorf("no matches for %q", leaf)
			} else {
				err = copyutil.CopyOut(t, names, dest, opts)
			}
		}
		v.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
