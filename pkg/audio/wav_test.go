package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"slices"
	"testing"
)

func TestEncodeWAV_Header(t *testing.T) {
	t.Parallel()

	samples := []int16{1, -1, 300}
	data, err := EncodeWAV(samples, 48000)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if len(data) != WAVHeaderSize+len(samples)*2 {
		t.Fatalf("len = %d, want %d", len(data), WAVHeaderSize+len(samples)*2)
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" || string(data[36:40]) != "data" {
		t.Errorf("bad magic: %q", data[:40])
	}
	if got := binary.LittleEndian.Uint32(data[24:28]); got != 48000 {
		t.Errorf("sample rate = %d, want 48000", got)
	}
	if got := binary.LittleEndian.Uint16(data[22:24]); got != 1 {
		t.Errorf("channels = %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint16(data[34:36]); got != 16 {
		t.Errorf("bits = %d, want 16", got)
	}
	if got := binary.LittleEndian.Uint32(data[40:44]); got != 6 {
		t.Errorf("data size = %d, want 6", got)
	}
}

func TestEncodeWAV_InvalidRate(t *testing.T) {
	t.Parallel()

	if _, err := EncodeWAV([]int16{1}, 0); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}

func TestEncodeWAV_Empty(t *testing.T) {
	t.Parallel()

	data, err := EncodeWAV(nil, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if len(data) != WAVHeaderSize {
		t.Errorf("len = %d, want %d", len(data), WAVHeaderSize)
	}
}

func TestDecodeWAV_RoundTrip(t *testing.T) {
	t.Parallel()

	samples := []int16{0, 100, -100, 32767, -32768}
	data, err := EncodeWAV(samples, 24000)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	w, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if w.SampleRate != 24000 || w.Channels != 1 {
		t.Errorf("format = %dHz/%dch, want 24000Hz/1ch", w.SampleRate, w.Channels)
	}
	if !slices.Equal(w.PCM, samples) {
		t.Errorf("PCM = %v, want %v", w.PCM, samples)
	}
}

// buildWAV assembles a WAV stream with an optional extra chunk before data.
func buildWAV(format, channels, bits uint16, rate uint32, extra string, payload []byte) []byte {
	var out []byte
	le := binary.LittleEndian
	out = append(out, "RIFF"...)
	out = le.AppendUint32(out, 0)
	out = append(out, "WAVE"...)
	out = append(out, "fmt "...)
	out = le.AppendUint32(out, 16)
	out = le.AppendUint16(out, format)
	out = le.AppendUint16(out, channels)
	out = le.AppendUint32(out, rate)
	out = le.AppendUint32(out, rate*uint32(channels)*uint32(bits)/8)
	out = le.AppendUint16(out, channels*bits/8)
	out = le.AppendUint16(out, bits)
	if extra != "" {
		out = append(out, "LIST"...)
		out = le.AppendUint32(out, uint32(len(extra)))
		out = append(out, extra...)
		if len(extra)%2 == 1 {
			out = append(out, 0)
		}
	}
	out = append(out, "data"...)
	out = le.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	return out
}

func TestDecodeWAV_SkipsExtraChunks(t *testing.T) {
	t.Parallel()

	data := buildWAV(wavFormatPCM, 1, 16, 16000, "abc", Int16sToBytes([]int16{7, 8}))
	w, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if !slices.Equal(w.PCM, []int16{7, 8}) {
		t.Errorf("PCM = %v, want [7 8]", w.PCM)
	}
}

func TestDecodeWAV_StereoDownmix(t *testing.T) {
	t.Parallel()

	data := buildWAV(wavFormatPCM, 2, 16, 22050, "", Int16sToBytes([]int16{100, 300, -10, -30}))
	w, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if w.Channels != 2 {
		t.Errorf("Channels = %d, want 2", w.Channels)
	}
	if !slices.Equal(w.PCM, []int16{200, -20}) {
		t.Errorf("PCM = %v, want [200 -20]", w.PCM)
	}
}

func TestDecodeWAV_Float32(t *testing.T) {
	t.Parallel()

	var payload []byte
	for _, f := range []float32{0, 1, -1} {
		payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(f))
	}
	w, err := DecodeWAV(buildWAV(wavFormatFloat, 1, 32, 48000, "", payload))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	want := []int16{0, math.MaxInt16, math.MinInt16}
	if !slices.Equal(w.PCM, want) {
		t.Errorf("PCM = %v, want %v", w.PCM, want)
	}
}

func TestDecodeWAV_TruncatedData(t *testing.T) {
	t.Parallel()

	data, _ := EncodeWAV([]int16{1, 2, 3, 4}, 8000)
	// Cut in the middle of the third sample.
	w, err := DecodeWAV(data[:WAVHeaderSize+5])
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if !slices.Equal(w.PCM, []int16{1, 2}) {
		t.Errorf("PCM = %v, want [1 2]", w.PCM)
	}
}

func TestDecodeWAV_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not riff", []byte("OggS0000WAVEfmt ")},
		{"no data chunk", buildWAV(wavFormatPCM, 1, 16, 8000, "", nil)[:36]},
		{"unsupported bits", buildWAV(wavFormatPCM, 1, 8, 8000, "", []byte{1, 2})},
		{"zero channels", buildWAV(wavFormatPCM, 0, 16, 8000, "", []byte{1, 2})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeWAV(tt.data)
			if !errors.Is(err, ErrInvalidWAV) {
				t.Errorf("err = %v, want ErrInvalidWAV", err)
			}
		})
	}
}
