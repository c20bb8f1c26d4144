package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/maxpat78/FATtools/volume"
)

// cmdRm implements rm.py: erase files and rmtree directories, with
// wildcard expansion against the last path component.
func cmdRm(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("rm: specify at least one item to remove")
	}
	for _, arg := range c.Args().Slice() {
		if err := rmOne(arg); err != nil {
			fmt.Fprintf(os.Stderr, "rm: %s: %v\n", arg, err)
		}
	}
	return nil
}

func rmOne(arg string) error {
	imagePath, innerPath := splitImagePath(arg)
	dirPath, leaf := splitDirAndLeaf(innerPath)

	v, t, err := openTableAt(imagePath, dirPath, volume.ReadWrite)
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
		rec, err := t.Stat(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rm: %q does not exist\n", name)
			continue
		}
		if rec.IsDir {
			fmt.Printf("Erasing directory %s...\n", name)
			if err := t.RmTree(name); err != nil {
				return err
			}
		} else {
			fmt.Printf("Erasing file %s\n", name)
			if err := t.Erase(name); err != nil {
				return err
			}
		}
	}
	return nil
}
