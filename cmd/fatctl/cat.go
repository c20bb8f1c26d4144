package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/maxpat78/FATtools/volume"
)

// cmdCat implements cat.py: stream one or more files' contents to stdout,
// with wildcard expansion against the last path component.
func cmdCat(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("cat: specify at least one file to read")
	}
	for _, arg := range c.Args().Slice() {
		if err := catOne(arg); err != nil {
			fmt.Fprintf(os.Stderr, "cat: %s: %v\n", arg, err)
		}
	}
	return nil
}

func catOne(arg string) error {
	imagePath, innerPath := splitImagePath(arg)
	dirPath, leaf := splitDirAndLeaf(innerPath)

	v, t, err := openTableAt(imagePath, dirPath, volume.ReadOnly)
	if err != nil {
		return err
	}
	defer v.Close()

	names := []string{leaf}
	if isWildcard(leaf) {
		names, err = matchNames(t, leaf)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return fmt.Errorf("no matches for %q", leaf)
		}
	}

	for _, name := range names {
		if err := catFile(t, name); err != nil {
			return err
		}
	}
	return nil
}

func catFile(t *volume.Table, name string) error {
	h, err := t.Open(name)
	if err != nil {
		return err
	}
	defer h.Close()

	buf := make([]byte, 16<<10)
	_, err = io.CopyBuffer(os.Stdout, readerOf(h), buf)
	return err
}

type handleReader struct{ h *volume.Handle }

func (r handleReader) Read(p []byte) (int, error) { return r.h.Read(p) }

func readerOf(h *volume.Handle) io.Reader { return handleReader{h} }
