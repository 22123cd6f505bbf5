package v1alpha1

import (
	"fmt"
	"strconv"
	"strings"
)

// A capacity field accepts
// either a bare positive integer (bytes) or a binary/decimal SI suffix form
// (e.g. "1Gi", "500M").
var binarySuffixes = map[string]int64{
	"Ki": 1 << 10,
	"Mi": 1 << 20,
	"Gi": 1 << 30,
	"Ti": 1 << 40,
	"Pi": 1 << 50,
	"Ei": 1 << 60,
}

var decimalSuffixes = map[string]int64{
	"k": 1e3,
	"M": 1e6,
	"G": 1e9,
	"T": 1e12,
	"P": 1e15,
	"E": 1e18,
}

// ParseCapacity parses a trimmed capacity string into a positive byte count.
func ParseCapacity(s string) (int64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("capacity: empty value")
	}

	for suffix, multiple := range binarySuffixes {
		if rest, ok := cutSuffix(trimmed, suffix); ok {
			return parseScaled(rest, multiple)
		}
	}
	for suffix, multiple := range decimalSuffixes {
		if rest, ok := cutSuffix(trimmed, suffix); ok {
			return parseScaled(rest, multiple)
		}
	}

	n, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("capacity: %q is not an integer byte count or SI suffix form", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("capacity: %q is not positive", s)
	}
	return n, nil
}

func cutSuffix(s, suffix string) (string, bool) {
	if strings.HasSuffix(s, suffix) {
		return strings.TrimSuffix(s, suffix), true
	}
	return "", false
}

func parseScaled(numPart string, multiple int64) (int64, error) {
	numPart = strings.TrimSpace(numPart)
	f, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("capacity: %q is not a valid SI-suffixed number", numPart)
	}
	if f <= 0 {
		return 0, fmt.Errorf("capacity: value must be positive")
	}
	return int64(f * float64(multiple)), nil
}

// FormatCapacity renders a byte count back into its canonical bare-integer
// form, which ParseCapacity accepts.
func FormatCapacity(bytes int64) string {
	return strconv.FormatInt(bytes, 10)
}
