package util

import (
	"golang.org/x/exp/constraints"
)

// Byte units used when translating catalog sizes into provider requests.
const (
	MiB int64 = 1024 * 1024
	GiB int64 = 1024 * MiB
)

// RoundUp rounds n up to the next multiple.
func RoundUp[T constraints.Integer](n, multiple T) T {
	if multiple <= 0 {
		return n
	}
	if remainder := n % multiple; remainder != 0 {
		return n + multiple - remainder
	}
	return n
}

// GiBToMiB converts a size in GiB to MiB.
func GiBToMiB[T constraints.Integer](gib T) T {
	var perGiB T = 1
	return gib * (perGiB << 10)
}
