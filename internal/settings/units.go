package settings

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/dustin/go-humanize"
)

// MemorySize is a byte count parsed from the grammar `^[0-9]+ ?[BKMGTP]$`.
//
// Unlike the reference implementation this parser scales every suffix by
// the correct power of 1024 (K=KiB, M=MiB, G=GiB, T=TiB, P=PiB) rather than
// collapsing M/G/T/P down to the same scale as K.
type MemorySize uint64

var memorySizePattern = regexp.MustCompile(`^([0-9]+) ?([BKMGTP])$`)

const kibi = 1024

var suffixScale = map[byte]uint64{
	'B': 1,
	'K': kibi,
	'M': kibi * kibi,
	'G': kibi * kibi * kibi,
	'T': kibi * kibi * kibi * kibi,
	'P': kibi * kibi * kibi * kibi * kibi,
}

// ParseMemorySize parses a string of the form "10G", "512 M", "0B", etc.
func ParseMemorySize(input string) (MemorySize, error) {
	m := memorySizePattern.FindStringSubmatch(input)
	if m == nil {
		return 0, fmt.Errorf("settings: bad memory size format %q (want [0-9]+ ?[BKMGTP])", input)
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("settings: bad number in memory size %q: %w", input, err)
	}
	scale := suffixScale[m[2][0]]
	return MemorySize(n * scale), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (m *MemorySize) UnmarshalText(text []byte) error {
	parsed, err := ParseMemorySize(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// String renders a human-readable size. Formatting only — never used for
// parsing, since humanize's own grammar accepts multi-letter SI/IEC units
// that this type's strict single-letter grammar must not.
func (m MemorySize) String() string {
	return humanize.IBytes(uint64(m))
}

// Mul scales a MemorySize by a runner count, as `requires_normal_memory *
// target_count` does in the original.
func (m MemorySize) Mul(count int) MemorySize {
	return MemorySize(uint64(count) * uint64(m))
}

// SumMemorySizes totals a slice of MemorySize values.
func SumMemorySizes(sizes []MemorySize) MemorySize {
	var total MemorySize
	for _, s := range sizes {
		total += s
	}
	return total
}
