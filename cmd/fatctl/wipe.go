package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/maxpat78/FATtools/volume"
)

// cmdWipe implements wipe.py: zero every free cluster of a mounted
// FAT/exFAT volume, useful before compacting a differencing/dynamic disk
// image (spec §6 `wipefreespace`).
func cmdWipe(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("wipe: specify exactly one image file")
	}
	path := c.Args().First()

	v, err := volume.Open(path, volume.ReadWrite, volume.WhatAuto)
	if err != nil {
		return err
	}
	defer v.Close()

	freeClusters, freeBytes, err := v.GetDiskSpace()
	if err != nil {
		return err
	}
	fmt.Printf("Wiping %d free clusters (%d bytes) . . .\n", freeClusters, freeBytes)
	if err := v.WipeFreeSpace(); err != nil {
		return err
	}
	fmt.Println("Done.")
	return nil
}
