package pcm

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestEncodeDecodeClamps(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 2, -2}
	out := Decode(Encode(in))
	if len(out) != len(in) {
		t.Fatalf("expected %d samples, got %d", len(in), len(out))
	}
	want := []float32{0, 0.5, -0.5, 1, -1}
	for i := range want {
		if math.Abs(float64(out[i]-want[i])) > 1e-4 {
			t.Errorf("sample %d = %v, want ~%v", i, out[i], want[i])
		}
	}
}

func TestWAVHeader(t *testing.T) {
	buf := WAV(make([]float32, 16000), 16000)
	if len(buf) != 44+32000 {
		t.Fatalf("unexpected length %d", len(buf))
	}
	if string(buf[0:4]) != "RIFF" || string(buf[8:12]) != "WAVE" || string(buf[36:40]) != "data" {
		t.Error("missing RIFF/WAVE/data markers")
	}
	if got := binary.LittleEndian.Uint32(buf[28:32]); got != 32000 {
		t.Errorf("byte rate = %d, want 32000", got)
	}
	if got := binary.LittleEndian.Uint32(buf[40:44]); got != 32000 {
		t.Errorf("data size = %d, want 32000", got)
	}
}

func TestEnergyDB(t *testing.T) {
	tests := []struct {
		name    string
		samples []float32
		min     float64
		max     float64
	}{
		{"empty", nil, SilenceDB, SilenceDB},
		{"zeros", make([]float32, 100), SilenceDB, SilenceDB},
		{"full scale square", []float32{1, -1, 1, -1}, -0.01, 0.01},
		{"half amplitude tone", Tone(440, 0.5, 16000, 1600), -9.1, -8.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EnergyDB(tt.samples)
			if got < tt.min || got > tt.max {
				t.Errorf("EnergyDB = %v, want in [%v, %v]", got, tt.min, tt.max)
			}
		})
	}
}
