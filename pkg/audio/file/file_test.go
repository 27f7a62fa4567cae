package file

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voxloop/pkg/audio"
)

func TestSource_FramesThenSilence(t *testing.T) {
	t.Parallel()

	samples := []float32{0.5, 0.5, 0.5, 0.5, 0.5}
	src := NewSource(samples, 1000, 2, WithoutPacing(), WithTrailingSilence(4*time.Millisecond))
	frames, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var got []audio.AudioFrame
	for f := range frames {
		got = append(got, f)
	}
	// 5 samples + 4 samples of trailing silence in frames of 2.
	if len(got) != 5 {
		t.Fatalf("got %d frames, want 5", len(got))
	}
	if !slices.Equal(got[2].Samples, []float32{0.5, 0}) {
		t.Errorf("frame 2 = %v, want [0.5 0]", got[2].Samples)
	}
	if !slices.Equal(got[4].Samples, []float32{0, 0}) {
		t.Errorf("frame 4 = %v, want silence", got[4].Samples)
	}
	if got[1].Timestamp != 2*time.Millisecond {
		t.Errorf("frame 1 timestamp = %v, want 2ms", got[1].Timestamp)
	}
}

func TestSource_StopEndsEndlessSilence(t *testing.T) {
	t.Parallel()

	src := NewSource(nil, 8000, 80, WithoutPacing())
	frames, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-frames
	if _, err := src.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}
	go func() {
		for range frames {
		}
	}()
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()

	data, err := audio.EncodeWAV([]int16{16384, 16384}, 24000)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	path := filepath.Join(t.TempDir(), "in.wav")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	src, err := Open(path, 48000, 4, WithoutPacing(), WithTrailingSilence(time.Nanosecond))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(src.samples) != 4 {
		t.Errorf("resampled to %d samples, want 4", len(src.samples))
	}
	if _, err := Open(filepath.Join(t.TempDir(), "missing.wav"), 48000, 4); err == nil {
		t.Error("Open of missing file succeeded")
	}
}

func TestSink_WritesNumberedFiles(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "out")
	sink, err := NewSink(dir)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	for i := range 2 {
		if err := sink.Play(context.Background(), []int16{int16(i)}, 16000); err != nil {
			t.Fatalf("Play %d: %v", i, err)
		}
	}
	for i, name := range []string{"output_0.wav", "output_1.wav"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		w, err := audio.DecodeWAV(data)
		if err != nil {
			t.Fatalf("decode %s: %v", name, err)
		}
		if w.SampleRate != 16000 || len(w.PCM) != 1 || w.PCM[0] != int16(i) {
			t.Errorf("%s = %+v", name, w)
		}
	}
}
