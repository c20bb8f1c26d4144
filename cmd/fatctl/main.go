// Command fatctl is the host-side front end for the FAT/exFAT engine: it
// mounts a disk image or container (raw file, VHD, VHDX, VDI, or VMDK) and
// runs one file-management operation against it, the way the reference
// implementation's fattools.py dispatcher hands each subcommand off to its
// own module (ground: original_source/FATtools/scripts/main.py).
//
// imgclone (disk-image cloning/shrinking between virtual disk formats) and
// reordergui (a Tk GUI for directory-entry reordering) aren't ported: the
// former needs a block-by-block copy between two arbitrary vdisk readers
// plus a resize step neither this CLI nor the vdisk/* packages implement;
// the latter is a desktop GUI, which has no idiomatic place in a CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "fatctl",
		Usage: "Work with files and directories inside FAT12/16/32 and exFAT disk images",
		Commands: []*cli.Command{
			{
				Name:      "ls",
				Usage:     "List files and directories in a disk image",
				ArgsUsage: "IMAGE[/PATH] ...",
				Action:    cmdLs,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "b", Usage: "print item names only"},
					&cli.BoolFlag{Name: "r", Usage: "recurse into subdirectories"},
					&cli.StringFlag{Name: "s", Usage: "sort by letters from NSDE, '-' reverses, '!' puts directories first"},
				},
			},
			{
				Name:      "cat",
				Usage:     "Print one or more files' contents to stdout",
				ArgsUsage: "IMAGE/FILE ...",
				Action:    cmdCat,
			},
			{
				Name:      "cp",
				Usage:     "Copy files and directories into or out of a disk image",
				ArgsUsage: "SRC... DEST",
				Action:    cmdCp,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "a", Usage: "preserve source timestamps"},
				},
			},
			{
				Name:      "rm",
				Usage:     "Remove files and directories from a disk image",
				ArgsUsage: "IMAGE/ITEM ...",
				Action:    cmdRm,
			},
			{
				Name:      "mkfat",
				Usage:     "Apply a FAT12/16/32 or exFAT file system to a disk image",
				ArgsUsage: "IMAGE",
				Action:    cmdMkfat,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "t", Usage: "file system: FAT12, FAT16, FAT32, or EXFAT"},
					&cli.StringFlag{Name: "c", Usage: "cluster size in bytes, accepts k/m suffix"},
					&cli.StringFlag{Name: "p", Usage: "partition the disk first: MBR or MBR_OLD"},
					&cli.StringFlag{Name: "l", Usage: "volume label"},
				},
			},
			{
				Name:      "mkvdisk",
				Usage:     "Create a blank virtual disk image (raw, VHD, VHDX, VDI, or VMDK)",
				ArgsUsage: "IMAGE",
				Action:    cmdMkvdisk,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "s", Usage: "image size, accepts k/m/g/t suffix"},
					&cli.StringFlag{Name: "b", Usage: "base image to create a VHD differencing image from"},
					&cli.BoolFlag{Name: "m", Usage: "allocate all sectors immediately (ignored for VHDX and VMDK)"},
					&cli.BoolFlag{Name: "f", Usage: "overwrite a pre-existing image"},
				},
			},
			{
				Name:      "wipe",
				Usage:     "Zero every free cluster of a mounted volume",
				ArgsUsage: "IMAGE",
				Action:    cmdWipe,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
