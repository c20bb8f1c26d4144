// Package dostime converts between the packed DOS date/time words used by
// FAT directory entries and Go's time.Time.
//
// Ground: drivers/fat/dirent.go (DateFromInt, TimestampFromParts) in the
// teacher repo, generalized to round-trip (encode as well as decode) and to
// accept the exFAT centisecond field in addition to FAT's hundredths byte.
package dostime

import "time"

// FromParts converts a FAT/exFAT date+time pair into a time.Time. timePart
// and hundredths may be zero if the source field doesn't carry them (e.g.
// LastAccessedDate has no time-of-day component).
func FromParts(datePart, timePart uint16, hundredths uint8) time.Time {
	day := int(datePart & 0x001f)
	month := time.Month((datePart >> 5) & 0x000f)
	year := int(1980 + (datePart >> 9))
	if day == 0 {
		day = 1
	}
	if month == 0 {
		month = 1
	}

	seconds := int((timePart & 0x001f) * 2)
	nanoseconds := 0
	if hundredths >= 100 {
		seconds++
		hundredths -= 100
	}
	nanoseconds = int(hundredths) * 10_000_000

	minutes := int((timePart >> 5) & 0x003f)
	hours := int(timePart >> 11)

	return time.Date(year, month, day, hours, minutes, seconds, nanoseconds, time.UTC)
}

// ToParts is the inverse of FromParts: it packs a time.Time into a FAT/exFAT
// date word, time word, and centisecond/hundredths byte. Years before 1980
// or after 2107 saturate to the representable range, matching how the
// original implementation clamps out-of-range timestamps instead of
// failing the write.
func ToParts(t time.Time) (datePart, timePart uint16, hundredths uint8) {
	year := t.Year()
	if year < 1980 {
		year = 1980
	}
	if year > 2107 {
		year = 2107
	}

	datePart = uint16((year-1980)<<9) | uint16(int(t.Month())<<5) | uint16(t.Day())

	totalSeconds := t.Second()
	nsRemainder := t.Nanosecond()
	hundredths = uint8(nsRemainder / 10_000_000)
	if totalSeconds%2 == 1 {
		hundredths += 100
	}

	timePart = uint16(t.Hour()<<11) | uint16(t.Minute()<<5) | uint16(totalSeconds/2)
	return datePart, timePart, hundredths
}
