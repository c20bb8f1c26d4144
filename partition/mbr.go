package partition

import (
	"encoding/binary"

	"github.com/noxer/bytewriter"

	"github.com/maxpat78/FATtools/blockdev"
	fterrors "github.com/maxpat78/FATtools/errors"
)

const (
	mbrSectorSize  = 512
	mbrSignatureLo = 0x55
	mbrSignatureHi = 0xAA
	mbrEntrySize   = 16
	mbrTableOffset = 446
	mbrEntryCount  = 4
)

// MBREntry is one 16-byte partition table entry: boot flag, CHS start/end
// (legacy, largely ignored by modern tooling), a one-byte type code, and the
// LBA start/length pair everything actually uses (spec §4.3, testable
// property #4: "a partition's LBA start and length never point outside the
// device").
type MBREntry struct {
	Bootable    bool
	Type        byte
	StartLBA    uint32
	SectorCount uint32
}

// MBR is a decoded Master Boot Record: up to four primary partition
// entries. Extended/logical partition chains aren't modeled; spec's
// Non-goals exclude anything beyond locating the single FAT/exFAT volume
// of interest.
type MBR struct {
	BootCode [440]byte
	DiskSig  uint32
	Entries  [mbrEntryCount]MBREntry
}

func decodeMBREntry(raw []byte) MBREntry {
	return MBREntry{
		Bootable:    raw[0] == 0x80,
		Type:        raw[4],
		StartLBA:    binary.LittleEndian.Uint32(raw[8:12]),
		SectorCount: binary.LittleEndian.Uint32(raw[12:16]),
	}
}

func encodeMBREntry(e MBREntry) [mbrEntrySize]byte {
	var raw [mbrEntrySize]byte
	if e.Bootable {
		raw[0] = 0x80
	}
	// CHS fields are left at their common "not representable" filler value;
	// every consumer in scope reads LBA fields instead.
	raw[1], raw[2], raw[3] = 0xFE, 0xFF, 0xFF
	raw[4] = e.Type
	raw[5], raw[6], raw[7] = 0xFE, 0xFF, 0xFF
	binary.LittleEndian.PutUint32(raw[8:12], e.StartLBA)
	binary.LittleEndian.PutUint32(raw[12:16], e.SectorCount)
	return raw
}

// ReadMBR reads and validates the MBR from sector 0 of dev.
func ReadMBR(dev blockdev.Device) (*MBR, error) {
	if dev.SectorSize() != mbrSectorSize {
		return nil, fterrors.ErrBadMBR.WithMessage("MBR requires a 512-byte sector device")
	}
	raw, err := dev.ReadSectors(0, 1)
	if err != nil {
		return nil, err
	}

	if raw[510] != mbrSignatureLo || raw[511] != mbrSignatureHi {
		return nil, fterrors.ErrBadMBR.WithMessage("missing 0x55AA boot signature")
	}

	m := &MBR{}
	copy(m.BootCode[:], raw[:440])
	m.DiskSig = binary.LittleEndian.Uint32(raw[440:444])

	for i := 0; i < mbrEntryCount; i++ {
		off := mbrTableOffset + i*mbrEntrySize
		m.Entries[i] = decodeMBREntry(raw[off : off+mbrEntrySize])
	}
	return m, nil
}

// WriteMBR encodes m and writes it to sector 0 of dev, overwriting whatever
// was there. fatctl's mkfat command calls it when asked for a partitioned
// image rather than a bare flat volume (spec §4.9 "optional MBR wrapping").
func WriteMBR(dev blockdev.Device, m *MBR) error {
	if dev.SectorSize() != mbrSectorSize {
		return fterrors.ErrInvalidArgument.WithMessage("MBR requires a 512-byte sector device")
	}

	buf := make([]byte, mbrSectorSize)
	w := bytewriter.New(buf)
	if _, err := w.Write(m.BootCode[:]); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	binary.Write(w, binary.LittleEndian, m.DiskSig)
	// Two reserved bytes between the disk signature and the partition table.
	if _, err := w.Write(make([]byte, 2)); err != nil {
		return fterrors.ErrIoError.WrapError(err)
	}
	for _, e := range m.Entries {
		enc := encodeMBREntry(e)
		if _, err := w.Write(enc[:]); err != nil {
			return fterrors.ErrIoError.WrapError(err)
		}
	}
	buf[510], buf[511] = mbrSignatureLo, mbrSignatureHi

	return dev.WriteSectors(0, buf)
}

// FindFirstFATPartition scans the MBR for the first entry whose type byte
// is a recognized FAT or exFAT partition type code (spec §4.3 "locating the
// volume of interest in a partitioned container").
func (m *MBR) FindFirstFATPartition() (MBREntry, bool) {
	for _, e := range m.Entries {
		if e.SectorCount == 0 {
			continue
		}
		switch e.Type {
		case 0x01, 0x04, 0x06, 0x0B, 0x0C, 0x0E, 0x11, 0x14, 0x16, 0x1B, 0x1C, 0x1E, 0x07:
			return e, true
		}
	}
	return MBREntry{}, false
}
