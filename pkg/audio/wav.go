package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// WAVHeaderSize is the length of the canonical RIFF/WAVE header written by
// [EncodeWAV].
const WAVHeaderSize = 44

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// ErrInvalidWAV is returned by [DecodeWAV] for data that is not a supported
// RIFF/WAVE stream.
var ErrInvalidWAV = errors.New("audio: invalid wav")

// wavHeader is the canonical 44-byte header for mono 16-bit PCM.
type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// EncodeWAV wraps mono 16-bit samples in a 44-byte WAV header. An empty
// sample slice produces a header-only file.
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: encode wav: sample rate must be positive, got %d", sampleRate)
	}

	dataSize := uint32(len(samples) * 2)
	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   wavFormatPCM,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("audio: encode wav header: %w", err)
	}
	if len(samples) > 0 {
		if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
			return nil, fmt.Errorf("audio: encode wav data: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// EncodeWAVFloat is [EncodeWAV] for normalised float samples.
func EncodeWAVFloat(samples []float32, sampleRate int) ([]byte, error) {
	return EncodeWAV(Float32ToInt16(samples), sampleRate)
}

// WAV is a decoded WAV stream downmixed to mono.
type WAV struct {
	PCM        []int16
	SampleRate int
	// Channels is the channel count of the source stream before downmixing.
	Channels int
}

// DecodeWAV parses a RIFF/WAVE stream. It walks the chunk list so files with
// extra chunks (LIST, fact) decode correctly, and accepts 16-bit PCM and
// 32-bit float data. Multi-channel audio is downmixed to mono.
//
// A truncated data chunk is decoded up to the last whole sample, which is what
// streaming TTS servers produce when they write a placeholder data size.
func DecodeWAV(data []byte) (WAV, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return WAV{}, fmt.Errorf("%w: missing RIFF/WAVE magic", ErrInvalidWAV)
	}

	var (
		format, channels, bits uint16
		rate                   uint32
		haveFmt                bool
	)
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return WAV{}, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			format = binary.LittleEndian.Uint16(data[body:])
			channels = binary.LittleEndian.Uint16(data[body+2:])
			rate = binary.LittleEndian.Uint32(data[body+4:])
			bits = binary.LittleEndian.Uint16(data[body+14:])
			haveFmt = true
		case "data":
			if !haveFmt {
				return WAV{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			end := body + size
			if size < 0 || end > len(data) {
				end = len(data)
			}
			return decodeWAVData(data[body:end], format, channels, bits, rate)
		}
		// Chunks are word aligned.
		off = body + size + size%2
	}
	return WAV{}, fmt.Errorf("%w: no data chunk", ErrInvalidWAV)
}

func decodeWAVData(raw []byte, format, channels, bits uint16, rate uint32) (WAV, error) {
	if channels == 0 || rate == 0 {
		return WAV{}, fmt.Errorf("%w: %d channels at %d Hz", ErrInvalidWAV, channels, rate)
	}

	var pcm []int16
	switch {
	case format == wavFormatPCM && bits == 16:
		pcm = BytesToInt16s(raw)
	case format == wavFormatFloat && bits == 32:
		pcm = make([]int16, len(raw)/4)
		for i := range pcm {
			f := math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
			pcm[i] = floatToPCM(f)
		}
	default:
		return WAV{}, fmt.Errorf("%w: unsupported format %d with %d bits", ErrInvalidWAV, format, bits)
	}

	// Drop a trailing partial frame before downmixing.
	pcm = pcm[:len(pcm)-len(pcm)%int(channels)]
	return WAV{
		PCM:        DownmixInterleaved(pcm, int(channels)),
		SampleRate: int(rate),
		Channels:   int(channels),
	}, nil
}
