// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
)

// GetBit returns the value of a given bit in a register word
func GetBit(w uint16, bitIndex uint) bool {
	return w&(1<<bitIndex) != 0
}

// SetBit returns w with the given bit set to on
func SetBit(w uint16, bitIndex uint, on bool) uint16 {
	if on {
		return w | 1<<bitIndex
	}
	return w &^ (1 << bitIndex)
}

// GetField extracts width bits starting at lsb from w
func GetField(w uint16, lsb, width uint) uint16 {
	mask := uint16(1<<width - 1)
	return (w >> lsb) & mask
}

// SetField returns w with width bits starting at lsb replaced by v.
// bits of v beyond width are discarded
func SetField(w uint16, lsb, width uint, v uint16) uint16 {
	mask := uint16(1<<width-1) << lsb
	return (w &^ mask) | ((v << lsb) & mask)
}

// Clamp limits input to the closed interval [low, high]
func Clamp(input, low, high float64) float64 {
	if input < low {
		return low
	}
	if input > high {
		return high
	}
	return input
}

// Round rounds half away from zero and converts to an int
func Round(f float64) int {
	return int(math.Round(f))
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}
