package utils

import "strings"

// NormalizePlate strips whitespace, dashes and dots from a raw plate
// string and uppercases it, e.g. "51k-671.79 " -> "51K67179".
func NormalizePlate(plate string) string {
	var b strings.Builder
	b.Grow(len(plate))
	for _, r := range plate {
		switch r {
		case ' ', '\t', '\n', '\r', '-', '.', '_':
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}
