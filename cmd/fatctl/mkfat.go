package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/maxpat78/FATtools/blockdev"
	"github.com/maxpat78/FATtools/boot"
	"github.com/maxpat78/FATtools/mkfs"
	"github.com/maxpat78/FATtools/partition"
)

// cmdMkfat implements mkfat.py: apply FAT12/16/32 or exFAT to a disk image,
// optionally auto-partitioning it first (spec §4.9, §6 "Formatting").
func cmdMkfat(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("mkfat: specify exactly one image file or disk device")
	}
	path := c.Args().First()

	dev, err := blockdev.OpenFile(path, 512, false, false)
	if err != nil {
		return err
	}

	if scheme := c.String("p"); scheme != "" {
		newDev, err := partitionWholeDisk(dev, scheme, c.String("t"))
		if err != nil {
			dev.Close()
			return err
		}
		dev = newDev
	}

	params, err := mkfatParams(c)
	if err != nil {
		return err
	}

	wantExFAT := strings.ToUpper(c.String("t")) == "EXFAT"
	if c.String("t") == "" {
		wantExFAT = autoSelectExFAT(int64(dev.SectorCount()) * int64(dev.SectorSize()))
	}

	var desc *boot.Descriptor
	var info *mkfs.Info
	if wantExFAT {
		desc, info, err = mkfs.FormatExFAT(dev, params)
	} else {
		desc, info, err = mkfs.FormatFAT(dev, params)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Successfully applied %s to %q: %d clusters of %d bytes, %d free, %d bytes required.\n",
		desc.Variant, path, info.TotalClusters, info.ClusterSize, info.FreeClusters, info.RequiredSize)
	return nil
}

// autoSelectExFAT mirrors mkfat.py's size-based default: classic FAT for
// anything up to 126 GiB (FormatFAT's own escalation then picks FAT12,
// FAT16, or FAT32 within that range), exFAT beyond it.
func autoSelectExFAT(sizeBytes int64) bool {
	return sizeBytes >= 126<<30
}

func mkfatParams(c *cli.Context) (mkfs.Params, error) {
	p := mkfs.Params{VolumeLabel: c.String("l")}

	if t := c.String("t"); t != "" {
		switch strings.ToUpper(t) {
		case "FAT12":
			p.Variant = boot.VariantFAT12
		case "FAT16":
			p.Variant = boot.VariantFAT16
		case "FAT32":
			p.Variant = boot.VariantFAT32
			p.FAT32AllowFewClusters = true
		case "EXFAT":
			p.Variant = boot.VariantExFAT
		default:
			return p, fmt.Errorf("mkfat: bad file system %q, want FAT12, FAT16, FAT32, or EXFAT", t)
		}
	}

	if cs := c.String("c"); cs != "" {
		size, err := parseClusterSize(cs)
		if err != nil {
			return p, err
		}
		p.ClusterSize = size
	}
	return p, nil
}

// parseClusterSize accepts a plain byte count or a k/m-suffixed shorthand
// (ground: mkfat.py's cluster_size parsing).
func parseClusterSize(s string) (uint, error) {
	lower := strings.ToLower(s)
	mult := uint(1)
	switch {
	case strings.HasSuffix(lower, "k"):
		mult, lower = 1<<10, strings.TrimSuffix(lower, "k")
	case strings.HasSuffix(lower, "m"):
		mult, lower = 1<<20, strings.TrimSuffix(lower, "m")
	}
	n, err := strconv.Atoi(lower)
	if err != nil {
		return 0, fmt.Errorf("mkfat: bad cluster size %q", s)
	}
	size := uint(n) * mult
	valid := false
	for i := uint(0); i <= 16; i++ {
		if size == 512<<i {
			valid = true
			break
		}
	}
	if !valid {
		return 0, fmt.Errorf("mkfat: bad cluster size %q, must be a power of two from 512 to 32M", s)
	}
	return size, nil
}

// partitionWholeDisk writes a single MBR partition spanning dev's entire
// capacity and returns a Device positioned at that partition (ground:
// mkfat.py's partutils.partition(dsk, 'mbr'|...) plus its re-vopen of
// 'partition0' afterward). GPT partitioning is intentionally not
// implemented here: the partition package only reads GPT structures
// (ReadGPT), it has no writer, so there is nothing in scope to build one
// from without fabricating on-disk layout code ungrounded in any example.
func partitionWholeDisk(dev *blockdev.StreamDevice, scheme, fsType string) (*blockdev.StreamDevice, error) {
	scheme = strings.ToLower(scheme)
	if scheme == "gpt" {
		return nil, fmt.Errorf("mkfat: GPT partitioning isn't supported, only MBR and MBR_OLD")
	}
	if scheme != "mbr" && scheme != "mbr_old" {
		return nil, fmt.Errorf("mkfat: bad partition scheme %q, want MBR or MBR_OLD", scheme)
	}

	sectorCount := dev.SectorCount()
	mbrType := byte(0x0C) // FAT32 LBA, MS-DOS 7.1+
	if scheme == "mbr_old" {
		mbrType = byte(0x06) // FAT16, pre-7.1 compatible
		if sectorCount*uint64(dev.SectorSize()) < 32<<20 {
			mbrType = 0x04
		}
		if strings.EqualFold(fsType, "fat32") {
			mbrType = 0x0B
		}
	}

	m := &partition.MBR{
		Entries: [4]partition.MBREntry{
			{Bootable: false, Type: mbrType, StartLBA: 1, SectorCount: uint32(sectorCount - 1)},
		},
	}
	if err := partition.WriteMBR(dev, m); err != nil {
		return nil, err
	}

	return blockdev.NewStreamDevice(dev.Stream(), uint(dev.SectorSize()), sectorCount-1, int64(dev.SectorSize())), nil
}
