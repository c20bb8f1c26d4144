package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/maxpat78/FATtools/dirtable"
	"github.com/maxpat78/FATtools/volume"
)

// lsOptions mirrors ls.py's opts object: bare names, recursive descent,
// and a sort key spec built from -s's letters (ground: ls.py's create_parser
// and the N/S/D/E + '-' + '!' mini-language it parses from a single flag).
type lsOptions struct {
	bare      bool
	recursive bool
	sortKeys  []byte // subset of "NSDE", in the order the user asked for
	reverse   bool
	dirsFirst bool
}

func parseLsSort(spec string) (lsOptions, error) {
	var o lsOptions
	for _, c := range spec {
		switch c {
		case '-':
			o.reverse = true
		case '!':
			o.dirsFirst = true
		case 'N', 'S', 'D', 'E':
			o.sortKeys = append(o.sortKeys, byte(c))
		default:
			return o, fmt.Errorf("unknown sort method %q (want letters from NSDE, '-', '!')", string(c))
		}
	}
	return o, nil
}

func lsLess(opts lsOptions) func(a, b dirtable.Record) bool {
	return func(a, b dirtable.Record) bool {
		if opts.dirsFirst && a.IsDir != b.IsDir {
			return a.IsDir
		}
		for _, key := range opts.sortKeys {
			var less, greater bool
			switch key {
			case 'N':
				less, greater = a.Name < b.Name, a.Name > b.Name
			case 'S':
				less, greater = a.Size < b.Size, a.Size > b.Size
			case 'D':
				less, greater = a.LastModified.Before(b.LastModified), a.LastModified.After(b.LastModified)
			case 'E':
				ea, eb := strings.ToLower(filepath.Ext(a.Name)), strings.ToLower(filepath.Ext(b.Name))
				less, greater = ea < eb, ea > eb
			}
			if less || greater {
				if opts.reverse {
					return greater
				}
				return less
			}
		}
		return false
	}
}

func cmdLs(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("ls: specify at least one path to list")
	}
	opts, err := parseLsSort(c.String("s"))
	if err != nil {
		return err
	}
	opts.bare = c.Bool("b")
	opts.recursive = c.Bool("r")

	for _, arg := range c.Args().Slice() {
		if err := lsOne(arg, opts); err != nil {
			fmt.Fprintf(c.App.ErrWriter, "ls: %s: %v\n", arg, err)
		}
	}
	return nil
}

func lsOne(arg string, opts lsOptions) error {
	imagePath, innerPath := splitImagePath(arg)
	dirPath, leaf := innerPath, ""
	pattern := ""
	if isWildcard(innerPath) {
		dirPath, leaf = splitDirAndLeaf(innerPath)
		pattern = leaf
	}

	v, t, err := openTableAt(imagePath, dirPath, volume.ReadOnly)
	if err != nil {
		return err
	}
	defer v.Close()

	return lsTable(v, t, imagePath, pattern, opts, 0)
}

func lsTable(v *volume.Volume, t *volume.Table, displayPath, pattern string, opts lsOptions, depth int) error {
	entries, err := t.Iterator()
	if err != nil {
		return err
	}

	if !opts.bare {
		fmt.Printf("\n Directory of %s\n\n", displayPath)
	}

	var subdirs []string
	var totFiles, totDirs int
	var totBytes int64

	live := entries[:0:0]
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." || e.IsVolumeLabel {
			continue
		}
		if pattern != "" {
			if ok, _ := filepath.Match(pattern, e.Name); !ok {
				continue
			}
		}
		live = append(live, e)
	}
	if len(opts.sortKeys) > 0 || opts.dirsFirst {
		sort.SliceStable(live, func(i, j int) bool { return lsLess(opts)(live[i], live[j]) })
	}

	for _, e := range live {
		if e.IsDir {
			totDirs++
			if opts.recursive {
				subdirs = append(subdirs, e.Name)
			}
		} else {
			totFiles++
			totBytes += e.Size
		}
		printLsLine(e, opts)
	}

	if !opts.bare {
		fmt.Printf("%18s Files    %s bytes\n", humanize.Comma(int64(totFiles)), humanize.Comma(totBytes))
	}

	for _, name := range subdirs {
		sub, err := t.OpenDir(name)
		if err != nil {
			return err
		}
		if err := lsTable(v, sub, displayPath+"/"+name, "", opts, depth+1); err != nil {
			return err
		}
	}

	if depth == 0 && !opts.bare {
		free, freeBytes, err := v.GetDiskSpace()
		if err == nil {
			fmt.Printf("%18s Directories %s bytes free (%d clusters)\n", humanize.Comma(int64(totDirs)), humanize.Comma(int64(freeBytes)), free)
		}
	}
	return nil
}

func printLsLine(e dirtable.Record, opts lsOptions) {
	if opts.bare {
		fmt.Println(e.Name)
		return
	}
	size := "<DIR>"
	if !e.IsDir {
		size = humanize.Comma(e.Size)
	}
	fmt.Printf("%s  %16s  %s\n", e.LastModified.Format("2006-01-02  15:04:05"), size, e.Name)
}
