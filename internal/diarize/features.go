package diarize

import (
	"math"
)

// Embedder turns one audio frame into a fixed-length voice embedding.
// Implementations backed by a neural speaker model can replace the default.
type Embedder interface {
	Embed(samples []float32, sampleRate int) []float64
}

// defaultBands are log-spaced centre frequencies across the voice band.
var defaultBands = []float64{120, 180, 270, 400, 600, 900, 1350, 2000, 3000}

// SpectralEmbedder is a lightweight embedder built from the zero-crossing
// rate and log band energies measured with the Goertzel algorithm. Band
// energies are mean-centred so overall loudness does not affect similarity.
type SpectralEmbedder struct {
	Bands []float64 // centre frequencies in Hz; nil uses the defaults
}

// Embed implements Embedder.
func (e SpectralEmbedder) Embed(samples []float32, sampleRate int) []float64 {
	bands := e.Bands
	if len(bands) == 0 {
		bands = defaultBands
	}
	out := make([]float64, len(bands)+1)
	if len(samples) == 0 || sampleRate <= 0 {
		return out
	}

	var mean float64
	for i, f := range bands {
		p := goertzel(samples, f, sampleRate)
		out[i] = math.Log10(p + 1e-9)
		mean += out[i]
	}
	mean /= float64(len(bands))
	for i := range bands {
		out[i] -= mean
	}

	out[len(bands)] = zeroCrossingRate(samples) * 10
	return out
}

// goertzel returns the normalized power of samples at freq.
func goertzel(samples []float32, freq float64, sampleRate int) float64 {
	n := float64(len(samples))
	k := math.Floor(0.5 + n*freq/float64(sampleRate))
	w := 2 * math.Pi * k / n
	coeff := 2 * math.Cos(w)

	var s1, s2 float64
	for _, x := range samples {
		s0 := float64(x) + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	power := s1*s1 + s2*s2 - coeff*s1*s2
	return power / (n * n)
}

func zeroCrossingRate(samples []float32) float64 {
	if len(samples) < 2 {
		return 0
	}
	var crossings int
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}

// cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or the lengths differ.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
