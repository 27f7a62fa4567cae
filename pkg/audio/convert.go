package audio

import (
	"encoding/binary"
	"math"
)

// Float32ToInt16 converts normalised float samples to 16-bit PCM. Values
// outside [-1, 1] are clamped.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = floatToPCM(s)
	}
	return out
}

// Int16ToFloat32 converts 16-bit PCM to floats in [-1, 1).
func Int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768
	}
	return out
}

func floatToPCM(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	if v >= 1 {
		return math.MaxInt16
	}
	if v <= -1 {
		return math.MinInt16
	}
	return int16(math.Round(v * 32767))
}

// Int16sToBytes encodes samples as little-endian 16-bit PCM.
func Int16sToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16s decodes little-endian 16-bit PCM. A trailing odd byte is
// ignored.
func BytesToInt16s(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// StereoToMono averages interleaved L+R pairs. Uses int32 arithmetic so the
// sum cannot overflow. A trailing unpaired sample is dropped.
func StereoToMono(pcm []int16) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16((int32(pcm[i*2]) + int32(pcm[i*2+1])) / 2)
	}
	return out
}

// DownmixInterleaved averages every group of channels samples into one mono
// sample. channels <= 1 returns pcm unchanged.
func DownmixInterleaved(pcm []int16, channels int) []int16 {
	if channels <= 1 {
		return pcm
	}
	if channels == 2 {
		return StereoToMono(pcm)
	}
	out := make([]int16, len(pcm)/channels)
	for i := range out {
		var sum int32
		for c := range channels {
			sum += int32(pcm[i*channels+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// ResampleMono resamples mono PCM from srcRate to dstRate using linear
// interpolation. If the rates match or either is invalid, pcm is returned
// unchanged.
func ResampleMono(pcm []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	dstSamples := int(int64(len(pcm)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := pcm[srcIdx]
		s1 := s0
		if srcIdx+1 < len(pcm) {
			s1 = pcm[srcIdx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}
