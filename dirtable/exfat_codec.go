package dirtable

// exfatCodec implements groupCodec for exFAT directories: one File entry,
// one Stream Extension, and 1-17 Filename Extension slots, identified by
// the File entry's chSecondaryCount field (spec §4.8.1).
type exfatCodec struct{}

func (exfatCodec) decodeGroup(window []byte) (Record, int, slotState, error) {
	if len(window) < ShortEntrySize {
		return Record{}, 0, slotStateEnd, nil
	}
	if window[0] == 0x00 {
		return Record{}, 1, slotStateEnd, nil
	}
	if window[0]&exFATInUseBit == 0 {
		return Record{}, 1, slotStateFree, nil
	}
	if window[0]&0x7F != exFATTypeFileEntry {
		return Record{}, 1, slotStateFree, nil
	}

	secondaryCount := int(window[1])
	totalSlots := 1 + secondaryCount
	neededBytes := totalSlots * ShortEntrySize
	if neededBytes > len(window) {
		return Record{}, 0, slotStateEnd, nil
	}

	slots := make([][]byte, totalSlots)
	for i := 0; i < totalSlots; i++ {
		slots[i] = window[i*ShortEntrySize : (i+1)*ShortEntrySize]
	}

	g, err := DecodeExFATGroup(slots)
	if err != nil {
		return Record{}, 0, slotStateEnd, err
	}

	rec := Record{
		Name:         g.Name,
		IsDir:        g.IsDir(),
		Attributes:   g.Attributes,
		StartCluster: g.StartCluster,
		Size:         int64(g.ValidLength),
		Created:      g.Created,
		LastModified: g.LastModified,
		LastAccessed: g.LastAccessed,
		Contiguous:   g.Contiguous,
	}
	return rec, totalSlots, slotStateEntry, nil
}

func (exfatCodec) slotsNeeded(rec Record) int {
	return ExFATGroup{Name: rec.Name}.slotCount()
}

func (exfatCodec) encodeGroup(rec Record, _ func(string) bool) []byte {
	g := ExFATGroup{
		Attributes:   rec.Attributes,
		Created:      rec.Created,
		LastModified: rec.LastModified,
		LastAccessed: rec.LastAccessed,
		Contiguous:   rec.Contiguous,
		ValidLength:  uint64(rec.Size),
		DataLength:   uint64(rec.Size),
		StartCluster: rec.StartCluster,
		Name:         rec.Name,
	}
	if rec.IsDir {
		g.Attributes |= AttrDir
	}

	var out []byte
	for _, slot := range g.Encode() {
		out = append(out, slot...)
	}
	return out
}

func (exfatCodec) eraseMarker(originalSlots []byte) []byte {
	erased := make([]byte, len(originalSlots))
	copy(erased, originalSlots)
	for off := 0; off+ShortEntrySize <= len(erased); off += ShortEntrySize {
		erased[off] &^= exFATInUseBit
	}
	return erased
}
