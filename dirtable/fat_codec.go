package dirtable

// fatCodec implements groupCodec for classic FAT12/16/32 directories: a run
// of 0-20 LFN slots in descending sequence order followed by the
// terminating short entry (spec §4.8.1).
type fatCodec struct{}

func (fatCodec) decodeGroup(window []byte) (Record, int, slotState, error) {
	if len(window) < ShortEntrySize {
		return Record{}, 0, slotStateEnd, nil
	}
	if window[0] == 0x00 {
		return Record{}, 1, slotStateEnd, nil
	}
	if window[0] == erasedMarker {
		return Record{}, 1, slotStateFree, nil
	}

	var lfnSlots []LFNEntry
	consumed := 0
	for consumed+ShortEntrySize <= len(window) {
		slot := window[consumed : consumed+ShortEntrySize]
		if slot[11] == AttrLFN {
			l, err := DecodeLFNSlot(slot)
			if err != nil {
				return Record{}, 0, slotStateEnd, err
			}
			lfnSlots = append(lfnSlots, l)
			consumed += ShortEntrySize
			continue
		}
		break
	}

	if consumed+ShortEntrySize > len(window) {
		return Record{}, 0, slotStateEnd, nil
	}
	shortRaw := window[consumed : consumed+ShortEntrySize]
	short, err := DecodeShortEntry(shortRaw)
	if err != nil {
		return Record{}, 0, slotStateEnd, err
	}
	consumed += ShortEntrySize

	name := short.Name()
	if len(lfnSlots) > 0 {
		name = DecodeLFNChain(lfnSlots)
	}

	rec := Record{
		Name:          name,
		IsDir:         short.IsDir(),
		IsVolumeLabel: short.IsVolumeLabel(),
		Attributes:    uint16(short.Attributes),
		StartCluster:  short.FirstCluster,
		Size:          int64(short.Size),
		Created:       short.Created,
		LastModified:  short.LastModified,
		LastAccessed:  short.LastAccessed,
	}
	return rec, consumed / ShortEntrySize, slotStateEntry, nil
}

func (fatCodec) slotsNeeded(rec Record) int {
	if _, _, _, ok := BuildShortEntryName(rec.Name); ok {
		return 1
	}
	// Checksum value doesn't affect slot count, only the name's length does.
	return len(EncodeLFNChain(rec.Name, 0)) + 1
}

func (fatCodec) encodeGroup(rec Record, aliasExists func(string) bool) []byte {
	var attrs byte = AttrArchive
	if rec.IsDir {
		attrs = AttrDir
	}
	if rec.IsVolumeLabel {
		attrs = AttrVolumeID
	}

	basename, extension, caseFlags, isShort := BuildShortEntryName(rec.Name)
	var out []byte

	if !isShort {
		if aliasExists == nil {
			aliasExists = func(string) bool { return false }
		}
		alias := GenerateShortAlias(rec.Name, aliasExists)
		basename, extension, caseFlags, _ = BuildShortEntryName(alias)
		checksum := ShortNameChecksum(basename, extension)
		for _, l := range EncodeLFNChain(rec.Name, checksum) {
			out = append(out, l.Encode()...)
		}
	}

	short := ShortEntry{
		Basename:     basename,
		Extension:    extension,
		Attributes:   attrs,
		CaseFlags:    caseFlags,
		Created:      rec.Created,
		LastModified: rec.LastModified,
		LastAccessed: rec.LastAccessed,
		FirstCluster: rec.StartCluster,
		Size:         uint32(rec.Size),
	}
	out = append(out, short.Encode()...)
	return out
}

func (fatCodec) eraseMarker(originalSlots []byte) []byte {
	erased := make([]byte, len(originalSlots))
	copy(erased, originalSlots)
	for off := 0; off+ShortEntrySize <= len(erased); off += ShortEntrySize {
		erased[off] = erasedMarker
	}
	return erased
}
