package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Byte size units accepted by ParseByteSize.
const (
	KB int64 = 1 << 10
	MB int64 = 1 << 20
	GB int64 = 1 << 30
	TB int64 = 1 << 40
)

// ParseByteSize parses a human-readable byte size such as "256mb", "1gb",
// "64kb", "512b" or a plain number of bytes ("1048576"). Suffixes are
// case-insensitive. Fractional values are allowed for kb and above
// ("1.5gb") but not for plain bytes.
//
// Returns an error for empty input, unknown suffixes, or negative sizes.
func ParseByteSize(s string) (int64, error) {
	v := strings.TrimSpace(strings.ToLower(s))
	if v == "" {
		return 0, fmt.Errorf("byte size is empty")
	}

	unit := int64(1)
	switch {
	case strings.HasSuffix(v, "tb"):
		unit, v = TB, strings.TrimSuffix(v, "tb")
	case strings.HasSuffix(v, "gb"):
		unit, v = GB, strings.TrimSuffix(v, "gb")
	case strings.HasSuffix(v, "mb"):
		unit, v = MB, strings.TrimSuffix(v, "mb")
	case strings.HasSuffix(v, "kb"):
		unit, v = KB, strings.TrimSuffix(v, "kb")
	case strings.HasSuffix(v, "b"):
		v = strings.TrimSuffix(v, "b")
	}

	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("byte size %q has no numeric value", s)
	}

	if unit == 1 {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
		}
		if n < 0 {
			return 0, fmt.Errorf("byte size %q must not be negative", s)
		}
		return n, nil
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if f < 0 {
		return 0, fmt.Errorf("byte size %q must not be negative", s)
	}
	return int64(f * float64(unit)), nil
}

// FormatByteSize renders a byte count using the largest unit that keeps a
// whole number, falling back to one decimal place.
func FormatByteSize(n int64) string {
	switch {
	case n >= TB:
		return formatUnit(n, TB, "tb")
	case n >= GB:
		return formatUnit(n, GB, "gb")
	case n >= MB:
		return formatUnit(n, MB, "mb")
	case n >= KB:
		return formatUnit(n, KB, "kb")
	default:
		return fmt.Sprintf("%db", n)
	}
}

func formatUnit(n, unit int64, suffix string) string {
	if n%unit == 0 {
		return fmt.Sprintf("%d%s", n/unit, suffix)
	}
	return fmt.Sprintf("%.1f%s", float64(n)/float64(unit), suffix)
}

// ParseBufferSize parses an indexing-buffer size that is either an absolute
// byte size ("256mb") or a percentage of the heap budget ("10%"). When a
// percentage is given the result is clamped to [minBytes, maxBytes]; clamps
// of zero are ignored.
func ParseBufferSize(s string, heapBytes, minBytes, maxBytes int64) (int64, error) {
	v := strings.TrimSpace(s)
	if strings.HasSuffix(v, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(v, "%"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid buffer percentage %q: %w", s, err)
		}
		if pct <= 0 || pct > 100 {
			return 0, fmt.Errorf("buffer percentage %q out of range (0, 100]", s)
		}
		n := int64(float64(heapBytes) * pct / 100.0)
		if minBytes > 0 && n < minBytes {
			n = minBytes
		}
		if maxBytes > 0 && n > maxBytes {
			n = maxBytes
		}
		return n, nil
	}

	n, err := ParseByteSize(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("buffer size %q must be positive", s)
	}
	return n, nil
}
