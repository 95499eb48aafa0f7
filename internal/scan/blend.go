package scan

import "math"

// BlendPolicy combines the respiratory progress signals into the next progress value.
// prev is the current progress, ramp is prev plus one local step and server is the
// latest server-reported progress (0 until one arrives).
type BlendPolicy func(prev, ramp, server float64) float64

// MaxBlend takes whichever signal is further along
func MaxBlend(prev, ramp, server float64) float64 {
	return math.Min(100, math.Max(ramp, server))
}

// RampOnly ignores the server signal
func RampOnly(prev, ramp, server float64) float64 {
	return math.Min(100, ramp)
}
