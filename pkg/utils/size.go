/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// ErrInvalidSize is returned by ParseSize for malformed size literals.
var ErrInvalidSize = errors.New("invalid size literal")

// binaryUnits maps the accepted single-letter multipliers to the IEC unit
// understood by go-humanize. All multipliers are base 1024.
var binaryUnits = map[byte]string{
	'K': "KiB",
	'M': "MiB",
	'G': "GiB",
	'T': "TiB",
}

var displayUnits = []string{"B", "KB", "MB", "GB", "TB", "PB", "EB"}

// ParseSize converts a human-readable size literal to a byte count.
// It accepts a bare integer (bytes) or a decimal number followed by one of
// K, M, G or T (case-insensitive, base 1024). A trailing "B" or "iB" is
// tolerated, so "16G", "16g", "16GB" and "16GiB" are equivalent.
func ParseSize(s string) (uint64, error) {
	literal := strings.ToUpper(strings.TrimSpace(s))
	literal = strings.TrimSuffix(literal, "IB")
	literal = strings.TrimSuffix(literal, "B")
	if literal == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}

	last := literal[len(literal)-1]
	if last >= '0' && last <= '9' {
		n, err := strconv.ParseUint(literal, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
		}
		return n, nil
	}

	unit, ok := binaryUnits[last]
	if !ok {
		return 0, fmt.Errorf("%w: unknown unit in %q", ErrInvalidSize, s)
	}

	number := strings.TrimSpace(literal[:len(literal)-1])
	value, err := strconv.ParseFloat(number, 64)
	if err != nil || value < 0 || number[0] == '+' || number[0] == '-' {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}

	n, err := humanize.ParseBytes(number + unit)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidSize, s, err)
	}

	return n, nil
}

// FormatSize renders a byte count using the largest unit (B, KB, MB, GB, ...)
// whose displayed value is at least 1, e.g. "16 GB" or "1.5 KB".
// Units are base 1024.
func FormatSize(bytes uint64) string {
	value := float64(bytes)
	unit := 0
	for value >= 1024 && unit < len(displayUnits)-1 {
		value /= 1024
		unit++
	}

	return humanize.FtoaWithDigits(value, 2) + " " + displayUnits[unit]
}
