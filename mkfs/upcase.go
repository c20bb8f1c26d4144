package mkfs

import (
	"unicode/utf16"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var upcaseMapper = cases.Upper(language.Und)

// buildUpcaseTable generates the full, expanded 128 KiB exFAT Up-Case
// table: the upper-case UTF-16 code unit for every one of the 65536
// possible code units, or the code unit itself when its upper-case form
// doesn't collapse to a single UTF-16 code unit (spec §4.9.2 step 7; ground:
// mkfat.py's gen_upcase, adapted from the Python build's per-codepage table
// lookup to golang.org/x/text/cases' locale-independent Unicode case
// folding, which is the ambient-stack library SPEC_FULL.md wires in for
// this exact step).
func buildUpcaseTable() []uint16 {
	table := make([]uint16, 65536)
	for i := range table {
		table[i] = uint16(i)
		if i >= 0xD800 && i <= 0xDFFF {
			continue // surrogate halves have no standalone case mapping
		}
		upper := upcaseMapper.String(string(rune(i)))
		units := utf16.Encode([]rune(upper))
		if len(units) == 1 {
			table[i] = units[0]
		}
	}
	return table
}

// compressUpcaseTable run-length-encodes stretches of the table where
// upper(c) == c, the format exFAT's on-disk Up-Case file uses: a run is
// replaced by the pair (0xFFFF, run_length) once it spans more than two
// entries (spec §4.9.2 step 7; ground: mkfat.py's gen_upcase_compressed).
func compressUpcaseTable(table []uint16) []byte {
	var out []uint16
	run := -1

	for i := 0; i < len(table); i++ {
		identity := uint16(i)
		if table[i] == identity {
			if run < 0 {
				run = i
			}
		} else {
			if run >= 0 {
				collapseIdentityRun(&out, i, run)
			}
			run = -1
		}
		out = append(out, table[i])
	}
	if run >= 0 {
		collapseIdentityRun(&out, len(table), run)
	}

	buf := make([]byte, len(out)*2)
	for i, u := range out {
		buf[2*i] = byte(u)
		buf[2*i+1] = byte(u >> 8)
	}
	return buf
}

// collapseIdentityRun replaces the tail of `out` covering [runStart, end)
// with the (0xFFFF, length) marker pair, provided the run is long enough to
// be worth compressing (matching gen_upcase_compressed's `rl > 2` guard).
func collapseIdentityRun(out *[]uint16, end, runStart int) {
	length := end - runStart
	if length <= 2 {
		return
	}
	*out = (*out)[:len(*out)-length]
	*out = append(*out, 0xFFFF, uint16(length))
}
