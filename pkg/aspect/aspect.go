// Package aspect derives pixel dimensions from aspect-ratio strings.
package aspect

import (
	"math"
	"strconv"
	"strings"
)

// PixelBudget is the target pixel count for generated images.
const PixelBudget = 1 << 20

const fallbackSide = 1024

// ParseRatio splits a "W:H" string into its two positive integer terms.
func ParseRatio(ratio string) (int, int, bool) {
	parts := strings.Split(strings.TrimSpace(ratio), ":")
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || w <= 0 {
		return 0, 0, false
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

// Dimensions scales a "W:H" ratio to roughly PixelBudget pixels, rounding
// each side to the nearest multiple of 8. Malformed ratios fall back to a
// 1024x1024 square.
func Dimensions(ratio string) (int, int) {
	w, h, ok := ParseRatio(ratio)
	if !ok {
		return fallbackSide, fallbackSide
	}
	x := math.Sqrt(float64(PixelBudget) / float64(w*h))
	return roundTo8(float64(w) * x), roundTo8(float64(h) * x)
}

func roundTo8(v float64) int {
	return int(math.Round(v/8)) * 8
}
