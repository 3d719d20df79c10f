// Package pcm converts between 16-bit little-endian PCM, normalized float32
// samples, and WAV containers.
package pcm

import (
	"encoding/binary"
	"math"
)

// SilenceDB is the energy reported for an empty or all-zero frame.
const SilenceDB = -100

// Decode converts 16-bit little-endian PCM bytes to samples in [-1, 1].
func Decode(data []byte) []float32 {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(s) / math.MaxInt16
	}
	return samples
}

// Encode converts samples to 16-bit little-endian PCM, clamping to [-1, 1].
func Encode(samples []float32) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		clamped := max(-1.0, min(1.0, s))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(clamped*math.MaxInt16)))
	}
	return buf
}

// WAV encodes mono samples as a canonical 44-byte-header WAV file.
func WAV(samples []float32, sampleRate int) []byte {
	data := Encode(samples)
	totalLen := 44 + len(data)

	buf := make([]byte, 44, totalLen)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(totalLen-8))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], 2)                    // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16)                   // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(data)))

	return append(buf, data...)
}

// EnergyDB returns the RMS level of samples in dBFS.
func EnergyDB(samples []float32) float64 {
	if len(samples) == 0 {
		return SilenceDB
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms < 1e-10 {
		return SilenceDB
	}
	return 20 * math.Log10(rms)
}

// Tone generates a sine wave of the given frequency and amplitude.
func Tone(freq, amplitude float64, sampleRate int, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}
