package acoustic

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// FFTSize is the number of most recent samples each analysis looks at
	FFTSize = 256

	// SmoothingTimeConstant blends each analysis with the previous one
	SmoothingTimeConstant = 0.8

	// MinDecibels and MaxDecibels are mapped onto 0 and 255
	MinDecibels = -100.0
	MaxDecibels = -30.0
)

// Spectrum tracks the frequency content of the latest FFTSize samples. Each call to
// Magnitude windows them (Blackman), takes the FFT, smooths the bin magnitudes over
// time and maps them from decibels onto the 0-255 analyser scale.
type Spectrum struct {
	fft      *fourier.FFT
	ring     []float64
	window   []float64
	smoothed []float64
	scratch  []float64
	coeffs   []complex128
}

// NewSpectrum creates a spectrum over silence
func NewSpectrum() *Spectrum {
	window := make([]float64, FFTSize)
	for i := range window {
		x := float64(i) / FFTSize
		window[i] = 0.42 - 0.5*math.Cos(2*math.Pi*x) + 0.08*math.Cos(4*math.Pi*x)
	}

	return &Spectrum{
		fft:      fourier.NewFFT(FFTSize),
		ring:     make([]float64, FFTSize),
		window:   window,
		smoothed: make([]float64, FFTSize/2),
		scratch:  make([]float64, FFTSize),
		coeffs:   make([]complex128, FFTSize/2+1),
	}
}

// Write appends samples, keeping only the latest FFTSize
func (s *Spectrum) Write(samples []float32) {
	if len(samples) >= FFTSize {
		samples = samples[len(samples)-FFTSize:]
		for i, v := range samples {
			s.ring[i] = float64(v)
		}
		return
	}

	copy(s.ring, s.ring[len(samples):])
	tail := s.ring[FFTSize-len(samples):]
	for i, v := range samples {
		tail[i] = float64(v)
	}
}

// Magnitude analyses the current samples and returns the average bin level on the
// 0-255 scale. Every call advances the smoothing.
func (s *Spectrum) Magnitude() float64 {
	for i, v := range s.ring {
		s.scratch[i] = v * s.window[i]
	}
	s.coeffs = s.fft.Coefficients(s.coeffs, s.scratch)

	var sum float64
	for k := range s.smoothed {
		mag := cmplx.Abs(s.coeffs[k]) / FFTSize
		s.smoothed[k] = SmoothingTimeConstant*s.smoothed[k] + (1-SmoothingTimeConstant)*mag
		sum += byteLevel(s.smoothed[k])
	}
	return sum / float64(len(s.smoothed))
}

// Reset returns the spectrum to silence
func (s *Spectrum) Reset() {
	clear(s.ring)
	clear(s.smoothed)
}

// byteLevel maps a linear magnitude onto 0-255 through its decibel value
func byteLevel(mag float64) float64 {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	level := math.Floor(maxMagnitude / (MaxDecibels - MinDecibels) * (db - MinDecibels))
	return math.Max(0, math.Min(maxMagnitude, level))
}
