// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Miscellaneous bit and byte operations shared by the register, PRP and
// SMART/ATA translation layers.
package bitutil

import (
	"fmt"
	"math/bits"
)

// Log2 returns the position of the most significant set bit in x, e.g.
// Log2(4096) == 12. Used for the MPS field of CC (spec.md §4.4) and for
// FLBAS-derived block sizes (spec.md §4.7).
func Log2(x uint) int {
	if x == 0 {
		return 0
	}
	return bits.Len(x) - 1
}

// SwapBytes swaps every pair of adjacent bytes in place and returns s. NVMe
// Identify strings are byte order already; ATA IDENTIFY DEVICE words are
// byte-swapped within each 16-bit word (spec.md §4.10), so callers that need
// the ATA convention pass the NVMe string through SwapBytes first.
func SwapBytes(s []byte) []byte {
	for i := 0; i+1 < len(s); i += 2 {
		s[i], s[i+1] = s[i+1], s[i]
	}
	return s
}

// FormatBytes formats a byte quantity using human-readable SI units.
func FormatBytes(v uint64) string {
	suffixes := [...]string{"B", "KB", "MB", "GB", "TB", "PB", "EB"}
	d := uint64(1)
	i := 0
	for ; i < len(suffixes)-1; i++ {
		if v >= d*1000 {
			d *= 1000
		} else {
			break
		}
	}
	if i == 0 {
		return fmt.Sprintf("%d %s", v, suffixes[i])
	}
	return fmt.Sprintf("%.3g %s", float64(v)/float64(d), suffixes[i])
}

// TrimLeadingSpaces returns s with leading ASCII spaces removed, used when
// slicing the cached model string into INQUIRY vendor/product fields
// (spec.md §4.9).
func TrimLeadingSpaces(s []byte) []byte {
	i := 0
	for i < len(s) && s[i] == ' ' {
		i++
	}
	return s[i:]
}

// PadRight returns a byte slice of exactly n bytes: s truncated or
// right-padded with spaces.
func PadRight(s []byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = ' '
	}
	copy(out, s)
	return out
}
