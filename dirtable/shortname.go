package dirtable

import (
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/maxpat78/FATtools/internal/bitutil"

	fterrors "github.com/maxpat78/FATtools/errors"
)

// reservedShortChars are illegal in an 8.3 short name (spec §4.8.3).
const reservedShortChars = ` "*/:<>?\|[]+.,;=`

// reservedLongChars are illegal in a long name; a long name may otherwise
// contain spaces, dots (beyond the one trailing extension), and the
// characters a short name forbids.
const reservedLongChars = `"*/:<>?\|`

// IsValidLongName reports whether name is legal for an LFN slot: nonempty,
// at most 255 UTF-16 code units, free of reservedLongChars and control
// characters, and not a bare "." or "..".
func IsValidLongName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if len(utf16.Encode([]rune(name))) > 255 {
		return false
	}
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(reservedLongChars, r) {
			return false
		}
	}
	return true
}

// isLegalShortName reports whether name (without a dot) could stand as a
// short 8.3 name on its own: 1-8 char basename, <=3 char extension, no
// reserved characters, and either uniformly upper or uniformly lower case
// per component (spec §4.8.3).
func isLegalShortName(name string) (base, ext string, lowerBase, lowerExt bool, ok bool) {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		base, ext = name, ""
	} else {
		base, ext = name[:dot], name[dot+1:]
	}
	if len(base) < 1 || len(base) > 8 || len(ext) > 3 {
		return "", "", false, false, false
	}
	for _, c := range reservedShortChars {
		if strings.ContainsRune(base, c) || strings.ContainsRune(ext, c) {
			return "", "", false, false, false
		}
	}
	for _, part := range []string{base, ext} {
		if part != strings.ToUpper(part) && part != strings.ToLower(part) {
			return "", "", false, false, false
		}
	}
	lowerBase = base == strings.ToLower(base) && base != strings.ToUpper(base)
	lowerExt = ext != "" && ext == strings.ToLower(ext) && ext != strings.ToUpper(ext)
	return base, ext, lowerBase, lowerExt, true
}

// BuildShortEntryName splits a legal 8.3 name into the padded
// (basename, extension, caseFlags) a ShortEntry stores, or reports that the
// name requires a generated alias instead.
func BuildShortEntryName(name string) (basename, extension string, caseFlags byte, ok bool) {
	base, ext, lowerBase, lowerExt, ok := isLegalShortName(name)
	if !ok {
		return "", "", 0, false
	}
	var flags byte
	if lowerBase {
		flags |= caseFlagLowerBase
	}
	if lowerExt {
		flags |= caseFlagLowerExt
	}
	return strings.ToUpper(base), strings.ToUpper(ext), flags, true
}

// sanitizeForShortName strips spaces and replaces prohibited short-name
// characters with '_', the way GenRawShortFromLongName does before
// truncating to 8.3 (spec §4.8.3).
func sanitizeForShortName(s string) string {
	s = strings.ReplaceAll(s, " ", "")
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`[]+,;=`, r) {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func splitLongNameForAlias(longName string) (base, ext string) {
	sanitized := sanitizeForShortName(longName)
	dot := strings.LastIndexByte(sanitized, '.')
	if dot < 0 {
		return sanitized, ""
	}
	return sanitized[:dot], sanitized[dot+1:]
}

// GenerateShortAlias produces a deterministic 8.3 alias for a long name that
// doesn't already qualify as a short name, per spec §4.8.3: attempts 1-4
// use `BASE~n.EXT`; attempt >= 5 embeds a 16-bit CRC of the full name,
// yielding `AA####~n.EXT`. exists reports whether a candidate alias is
// already taken in the table, so the caller can keep incrementing attempt
// until a free one is found.
func GenerateShortAlias(longName string, exists func(alias string) bool) string {
	base, ext := splitLongNameForAlias(longName)
	if len(ext) > 3 {
		ext = ext[:3]
	}
	upperExt := strings.ToUpper(ext)

	for attempt := 1; attempt < 5; attempt++ {
		tilde := fmt.Sprintf("~%d", attempt)
		cut := 8 - len(tilde)
		if cut > len(base) {
			cut = len(base)
		}
		alias := strings.ToUpper(base[:cut]) + tilde
		if !exists(joinAlias(alias, upperExt)) {
			return joinAlias(alias, upperExt)
		}
	}

	crc := bitutil.CRC16OfName(longName)
	prefix := strings.ToUpper(base)
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	for attempt := 5; ; attempt++ {
		tilde := fmt.Sprintf("~%d", attempt-4)
		crcDigits := fmt.Sprintf("%04X", crc)
		cut := 6 - len(tilde)
		if cut > len(crcDigits) {
			cut = len(crcDigits)
		}
		alias := prefix + crcDigits[:cut] + tilde
		if !exists(joinAlias(alias, upperExt)) {
			return joinAlias(alias, upperExt)
		}
		if attempt > 999999+4 {
			// Practically unreachable: a directory would need a million
			// colliding aliases for the same two-letter/CRC prefix.
			break
		}
	}
	return joinAlias(prefix+fmt.Sprintf("%04X", crc), upperExt)
}

func joinAlias(base, ext string) string {
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// validateEntryName checks a name intended for create()/mkdir(), returning
// ErrNameTooLong for anything IsValidLongName rejects (spec §4.8.4).
func validateEntryName(name string) error {
	if !IsValidLongName(name) {
		return fterrors.ErrNameTooLong.WithMessage(fmt.Sprintf("%q is not a legal file name", name))
	}
	return nil
}
