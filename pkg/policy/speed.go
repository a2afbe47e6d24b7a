package policy

import (
	"fmt"
	"strconv"
	"strings"
)

// Speed is a bandwidth pair in kilobits per second. A zero value on both
// directions means no limit is enforced.
type Speed struct {
	DownKbps uint32 `json:"down_kbps"`
	UpKbps   uint32 `json:"up_kbps"`
}

// IsZero reports whether no rate limit is set in either direction.
func (s Speed) IsZero() bool {
	return s.DownKbps == 0 && s.UpKbps == 0
}

// String renders the speed in the "down/up" form used by NAS vendors,
// e.g. "10M/2M" or "512K/512K".
func (s Speed) String() string {
	return formatKbps(s.DownKbps) + "/" + formatKbps(s.UpKbps)
}

func formatKbps(kbps uint32) string {
	switch {
	case kbps == 0:
		return "0"
	case kbps%1_000_000 == 0:
		return strconv.FormatUint(uint64(kbps/1_000_000), 10) + "G"
	case kbps%1_000 == 0:
		return strconv.FormatUint(uint64(kbps/1_000), 10) + "M"
	default:
		return strconv.FormatUint(uint64(kbps), 10) + "K"
	}
}

// ParseSpeed parses a "download/upload" rate string such as "10M/10M",
// "512K/256K" or "1G/100M" into a structured Speed. Bare numbers are
// interpreted as kbps. The string form is parsed exactly once, at the
// configuration or directory boundary; everything past that point works
// with the structured value.
func ParseSpeed(s string) (Speed, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 {
		return Speed{}, fmt.Errorf("invalid rate %q: expected download/upload", s)
	}

	down, err := parseKbps(parts[0])
	if err != nil {
		return Speed{}, fmt.Errorf("invalid download rate %q: %w", parts[0], err)
	}
	up, err := parseKbps(parts[1])
	if err != nil {
		return Speed{}, fmt.Errorf("invalid upload rate %q: %w", parts[1], err)
	}

	return Speed{DownKbps: down, UpKbps: up}, nil
}

func parseKbps(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty rate")
	}

	multiplier := uint64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		s = s[:len(s)-1]
	case 'm', 'M':
		multiplier = 1_000
		s = s[:len(s)-1]
	case 'g', 'G':
		multiplier = 1_000_000
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not a number: %w", err)
	}

	kbps := n * multiplier
	if kbps > 1<<32-1 {
		return 0, fmt.Errorf("rate overflows 32 bits")
	}
	return uint32(kbps), nil
}
