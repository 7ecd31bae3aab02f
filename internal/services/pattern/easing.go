// Package pattern plays test patterns on the strip: single-LED sequences and
// a brightness wave swept over a calibrated map.
package pattern

import (
	"strings"

	"github.com/fogleman/ease"
)

// EasingType selects the falloff curve used by Wave.
type EasingType string

const (
	// EasingLinear falls off at a constant rate.
	EasingLinear EasingType = "LINEAR"
	// EasingInOutQuad keeps the band bright near its centre with soft edges.
	EasingInOutQuad EasingType = "EASE_IN_OUT_QUAD"
	// EasingInOutCubic is a steeper version of EasingInOutQuad.
	EasingInOutCubic EasingType = "EASE_IN_OUT_CUBIC"
	// EasingInOutSine provides gentle sine wave easing.
	EasingInOutSine EasingType = "EASE_IN_OUT_SINE"
	// EasingOutExponential drops sharply away from the centre.
	EasingOutExponential EasingType = "EASE_OUT_EXPONENTIAL"
)

var easings = map[EasingType]func(float64) float64{
	EasingLinear:         ease.Linear,
	EasingInOutQuad:      ease.InOutQuad,
	EasingInOutCubic:     ease.InOutCubic,
	EasingInOutSine:      ease.InOutSine,
	EasingOutExponential: ease.OutExpo,
}

// ParseEasing accepts any case. Unknown names fall back to linear.
func ParseEasing(name string) EasingType {
	t := EasingType(strings.ToUpper(strings.TrimSpace(name)))
	if _, ok := easings[t]; ok {
		return t
	}
	return EasingLinear
}

// ApplyEasing applies an easing function to a progress value (0-1).
func ApplyEasing(progress float64, easingType EasingType) float64 {
	if progress <= 0 {
		return 0
	}
	if progress >= 1 {
		return 1
	}
	fn, ok := easings[easingType]
	if !ok {
		return progress
	}
	return fn(progress)
}
