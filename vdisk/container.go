// Package vdisk defines the common surface every virtual disk container
// backend (VHD, VHDX, VDI, VMDK) implements, so blockdev can wrap any of
// them with the same StreamDevice adapter used for plain files and
// in-memory buffers (spec §4.3).
//
// Ground: the teacher repo has no virtual-disk layer of its own (its
// drivers open raw block devices directly), so the shape here follows
// blockdev.Device's own "stateless, bounds-checked, capability-probed"
// style rather than the stateful seek-then-read/write Image classes in
// original_source/FATtools/{vhd,vhdx,vdi,vmdk}utils.py.
package vdisk

import "io"

// Container is a virtual disk image opened for sector-addressed access.
// Every backend satisfies io.ReadWriteSeeker so it can be handed straight
// to blockdev.NewStreamDevice; Size and Close round out what the
// allocators and formatter need from a backing container.
type Container interface {
	io.ReadWriteSeeker

	// Size returns the emulated disk's current size in bytes: the virtual
	// extent a FAT/exFAT volume is formatted against, not the (usually
	// smaller) host file size backing a sparse/dynamic image.
	Size() int64

	// Close releases the backing file handle and, for differencing images,
	// closes the parent chain.
	Close() error
}

// Resizable is the capability of a backend whose virtual size can change
// after creation. No backend in this module implements it: none of the
// VHD, VHDX, VDI or VMDK Image types has a Resize method.
type Resizable interface {
	Container
	Resize(newSize int64) error
}
