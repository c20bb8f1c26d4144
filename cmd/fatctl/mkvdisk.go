package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/maxpat78/FATtools/blockdev"
	"github.com/maxpat78/FATtools/vdisk/vdi"
	"github.com/maxpat78/FATtools/vdisk/vhd"
	"github.com/maxpat78/FATtools/vdisk/vhdx"
	"github.com/maxpat78/FATtools/vdisk/vmdk"
)

// cmdMkvdisk creates a blank virtual disk container or raw image, dispatching
// on the destination's extension the same way mkvdisk.py does.
func cmdMkvdisk(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("mkvdisk: specify exactly one image file to create")
	}
	path := c.Args().First()

	if _, err := os.Stat(path); err == nil && !c.Bool("f") {
		return fmt.Errorf("mkvdisk: %q already exists, use -f to overwrite", path)
	}

	if base := c.String("b"); base != "" {
		return createDifferencing(path, base, c.Bool("f"))
	}

	sizeStr := c.String("s")
	if sizeStr == "" {
		return fmt.Errorf("mkvdisk: specify a virtual disk size with -s")
	}
	size, err := parseDiskSize(sizeStr)
	if err != nil {
		return err
	}
	monolithic := c.Bool("m")

	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".vhd"):
		if monolithic {
			err = vhd.CreateFixed(path, size)
		} else {
			err = vhd.CreateDynamic(path, size, 0)
		}
	case strings.HasSuffix(lower, ".vhdx"):
		// vhdxutils.py's mk_fixed has no counterpart in this module's vhdx
		// package (ground: vdisk/vhdx/vhdx.go's doc comment on what's
		// implemented), so -m is accepted but has no effect here.
		err = vhdx.CreateDynamic(path, size, 0)
	case strings.HasSuffix(lower, ".vdi"):
		if monolithic {
			err = vdi.CreateFixed(path, size, 0)
		} else {
			err = vdi.CreateDynamic(path, size, 0)
		}
	case strings.HasSuffix(lower, ".vmdk"):
		// VMDK always uses the sparse/dynamic layout regardless of -m,
		// matching "not args.monolithic or fmt == vmdkutils" in mkvdisk.py.
		err = vmdk.CreateDynamic(path, size, 0)
	default:
		fmt.Printf("Creating RAW disk image %q... ", path)
		var dev *blockdev.StreamDevice
		dev, err = blockdev.CreateSizedFile(path, 512, uint64(size)/512)
		if err == nil {
			dev.Close()
		}
	}
	if err != nil {
		return err
	}
	fmt.Printf("Virtual disk image %q created.\n", path)
	return nil
}

// createDifferencing links a new delta image to an existing base, the -b
// flag's behavior. Only VHD supports differencing in this module (ground:
// vdisk/vhdx/vhdx.go and vdisk/vdi/vdi.go's doc comments on what's NOT
// implemented: neither package's block-bitmap/parent-locator chunking
// exists here), so a non-.vhd base or destination is rejected outright
// rather than silently producing a non-differencing image.
func createDifferencing(path, base string, force bool) error {
	if !strings.HasSuffix(strings.ToLower(path), ".vhd") || !strings.HasSuffix(strings.ToLower(base), ".vhd") {
		return fmt.Errorf("mkvdisk: differencing images are only supported for .vhd in this build")
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("mkvdisk: %q already exists, use -f to overwrite", path)
	}
	if err := vhd.CreateDifferencing(path, base); err != nil {
		return err
	}
	fmt.Printf("Differencing image %q created and linked with base %q\n", path, base)
	return nil
}

func parseDiskSize(s string) (int64, error) {
	lower := strings.ToLower(s)
	mult := int64(1)
	switch {
	case strings.HasSuffix(lower, "k"):
		mult, lower = 1<<10, strings.TrimSuffix(lower, "k")
	case strings.HasSuffix(lower, "m"):
		mult, lower = 1<<20, strings.TrimSuffix(lower, "m")
	case strings.HasSuffix(lower, "g"):
		mult, lower = 1<<30, strings.TrimSuffix(lower, "g")
	case strings.HasSuffix(lower, "t"):
		mult, lower = 1<<40, strings.TrimSuffix(lower, "t")
	}
	n, err := strconv.ParseInt(lower, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("mkvdisk: bad size %q", s)
	}
	return n * mult, nil
}
