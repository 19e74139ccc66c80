// Package bytesize parses and formats the byte quantities used in
// configuration: chunk sizes, capacity buckets and admission minimums.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

// Units are binary: "1KB" is 1024 bytes. Capacity buckets compare
// across nodes, so every participant must read "100MB" the same way.
const (
	B  int64 = 1
	KB int64 = 1 << 10
	MB int64 = 1 << 20
	GB int64 = 1 << 30
	TB int64 = 1 << 40
)

var multipliers = map[string]int64{
	"":    B,
	"B":   B,
	"K":   KB,
	"KB":  KB,
	"KIB": KB,
	"M":   MB,
	"MB":  MB,
	"MIB": MB,
	"G":   GB,
	"GB":  GB,
	"GIB": GB,
	"T":   TB,
	"TB":  TB,
	"TIB": TB,
}

// Parse converts a size string like "64KB", "1.5GB" or "4096" to bytes.
// Unit suffixes are case-insensitive; a bare number is bytes.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("bytesize: empty size")
	}

	split := len(s)
	for split > 0 && !isNumeric(s[split-1]) {
		split--
	}
	number := strings.TrimSpace(s[:split])
	unit := strings.ToUpper(strings.TrimSpace(s[split:]))

	mult, ok := multipliers[unit]
	if !ok {
		return 0, fmt.Errorf("bytesize: unknown unit %q in %q", unit, s)
	}

	value, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid size %q", s)
	}
	if value < 0 {
		return 0, fmt.Errorf("bytesize: negative size %q", s)
	}

	return int64(value * float64(mult)), nil
}

func isNumeric(c byte) bool {
	return (c >= '0' && c <= '9') || c == '.'
}

// Format renders a byte count with the largest unit that divides it
// cleanly enough to stay readable, e.g. 65536 as "64KB".
func Format(n int64) string {
	switch {
	case n >= TB:
		return trimmed(float64(n)/float64(TB)) + "TB"
	case n >= GB:
		return trimmed(float64(n)/float64(GB)) + "GB"
	case n >= MB:
		return trimmed(float64(n)/float64(MB)) + "MB"
	case n >= KB:
		return trimmed(float64(n)/float64(KB)) + "KB"
	default:
		return strconv.FormatInt(n, 10) + "B"
	}
}

func trimmed(v float64) string {
	s := strconv.FormatFloat(v, 'f', 1, 64)
	return strings.TrimSuffix(s, ".0")
}
