// Package bytesize parses and prints sizes such as "4Ki", "64MiB" or "1GB".
package bytesize

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"
	"unicode"
)

// ByteSize is a size in bytes. It unmarshals from plain numbers and from
// numbers with a binary (Ki, Mi, Gi, Ti, optionally followed by B) or
// decimal (K, M, G, T, optionally followed by B) suffix. Suffixes are
// case-insensitive; fractions are allowed ("1.5Gi").
type ByteSize uint64

const (
	B  ByteSize = 1
	KB ByteSize = 1000
	MB ByteSize = 1000 * KB
	GB ByteSize = 1000 * MB
	TB ByteSize = 1000 * GB

	KiB ByteSize = 1024
	MiB ByteSize = 1024 * KiB
	GiB ByteSize = 1024 * MiB
	TiB ByteSize = 1024 * GiB
)

var units = map[string]ByteSize{
	"": B, "b": B,
	"k": KB, "kb": KB, "m": MB, "mb": MB,
	"g": GB, "gb": GB, "t": TB, "tb": TB,
	"ki": KiB, "kib": KiB, "mi": MiB, "mib": MiB,
	"gi": GiB, "gib": GiB, "ti": TiB, "tib": TiB,
}

// ErrOverflow is returned for sizes that do not fit in 64 bits.
var ErrOverflow = errors.New("byte size overflows uint64")

// ParseByteSize parses a size such as "1024", "4Ki", "1.5GiB" or "100MB".
func ParseByteSize(s string) (ByteSize, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return 0, errors.New("empty byte size string")
	}

	i := strings.IndexFunc(t, func(r rune) bool {
		return !unicode.IsDigit(r) && r != '.'
	})
	if i < 0 {
		i = len(t)
	}
	num, suffix := t[:i], strings.ToLower(strings.TrimSpace(t[i:]))
	if num == "" {
		return 0, fmt.Errorf("invalid byte size format: %q", s)
	}

	unit, ok := units[suffix]
	if !ok {
		return 0, fmt.Errorf("unknown byte size unit %q in %q", t[i:], s)
	}

	if strings.Contains(num, ".") {
		f, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number in byte size %q", s)
		}
		v := f * float64(unit)
		if v >= math.MaxUint64 {
			return 0, fmt.Errorf("%q: %w", s, ErrOverflow)
		}
		return ByteSize(v), nil
	}

	n, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, fmt.Errorf("%q: %w", s, ErrOverflow)
		}
		return 0, fmt.Errorf("invalid number in byte size %q", s)
	}
	hi, lo := bits.Mul64(n, uint64(unit))
	if hi != 0 {
		return 0, fmt.Errorf("%q: %w", s, ErrOverflow)
	}
	return ByteSize(lo), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, which mapstructure
// and yaml use to decode configuration values.
func (b *ByteSize) UnmarshalText(text []byte) error {
	size, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = size
	return nil
}

// String renders b with the largest binary unit not exceeding it and two
// decimals, e.g. "1.50GiB" or "512B".
func (b ByteSize) String() string {
	for _, u := range binaryUnits {
		if b >= u.size {
			return fmt.Sprintf("%.2f%sB", float64(b)/float64(u.size), u.suffix)
		}
	}
	return fmt.Sprintf("%dB", uint64(b))
}

// Uint64 returns the ByteSize as a uint64.
func (b ByteSize) Uint64() uint64 {
	return uint64(b)
}

// IsPowerOfTwo reports whether b is a non-zero power of two.
func (b ByteSize) IsPowerOfTwo() bool {
	return b != 0 && b&(b-1) == 0
}

var binaryUnits = []struct {
	size   ByteSize
	suffix string
}{
	{TiB, "Ti"},
	{GiB, "Gi"},
	{MiB, "Mi"},
	{KiB, "Ki"},
}

// Compact renders b with the largest binary unit that divides it exactly,
// e.g. "4Ki", "1536" or "3Gi". The result parses back to the same value.
func (b ByteSize) Compact() string {
	for _, u := range binaryUnits {
		if b >= u.size && b%u.size == 0 {
			return strconv.FormatUint(uint64(b/u.size), 10) + u.suffix
		}
	}
	return strconv.FormatUint(uint64(b), 10)
}

// MarshalYAML writes sizes in compact form so saved configuration files stay
// readable.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.Compact(), nil
}
