package audio_test

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/MrWong99/avatarlink/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereo(t *testing.T) {
	got := bytesToSamples(audio.MonoToStereo(samplesToBytes([]int16{100, 200, 300})))
	equalSamples(t, got, []int16{100, 100, 200, 200, 300, 300})
}

func TestStereoToMono(t *testing.T) {
	got := bytesToSamples(audio.StereoToMono(samplesToBytes([]int16{100, 200, -100, -200})))
	equalSamples(t, got, []int16{150, -150})
}

func TestStereoToMono_NoOverflow(t *testing.T) {
	got := bytesToSamples(audio.StereoToMono(samplesToBytes([]int16{32767, 32767, -32768, -32768})))
	equalSamples(t, got, []int16{32767, -32768})
}

func TestResampleMono16(t *testing.T) {
	tests := []struct {
		name     string
		src, dst int
		in       []int16
		wantLen  int
	}{
		{name: "same rate", src: 16000, dst: 16000, in: []int16{1, 2, 3}, wantLen: 3},
		{name: "upsample 2x", src: 8000, dst: 16000, in: []int16{0, 100, 200, 300}, wantLen: 8},
		{name: "downsample 3x", src: 48000, dst: 16000, in: make([]int16, 48), wantLen: 16},
		{name: "zero source rate", src: 0, dst: 16000, in: []int16{1, 2}, wantLen: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := audio.ResampleMono16(samplesToBytes(tc.in), tc.src, tc.dst)
			if len(got)/2 != tc.wantLen {
				t.Errorf("samples = %d, want %d", len(got)/2, tc.wantLen)
			}
		})
	}
}

func TestResampleMono16_Interpolates(t *testing.T) {
	got := bytesToSamples(audio.ResampleMono16(samplesToBytes([]int16{0, 100}), 8000, 16000))
	equalSamples(t, got, []int16{0, 50, 100, 100})
}

func TestResampleStereo16_KeepsChannelsApart(t *testing.T) {
	in := samplesToBytes([]int16{10, -10, 30, -30})
	got := bytesToSamples(audio.ResampleStereo16(in, 8000, 16000))
	equalSamples(t, got, []int16{10, -10, 20, -20, 30, -30, 30, -30})
}

func TestFormatConverter_PassThrough(t *testing.T) {
	conv := &audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	in := audio.AudioFrame{Data: samplesToBytes([]int16{1, 2}), SampleRate: 16000, Channels: 1}
	out := conv.Convert(in)
	if &out.Data[0] != &in.Data[0] {
		t.Error("matching format should not copy the payload")
	}
}

func TestFormatConverter_FillsSourceFormat(t *testing.T) {
	conv := &audio.FormatConverter{
		Source: audio.Format{SampleRate: 24000, Channels: 1},
		Target: audio.Format{SampleRate: 16000, Channels: 1},
	}
	out := conv.Convert(audio.AudioFrame{Data: samplesToBytes(make([]int16, 24))})
	if out.SampleRate != 16000 || out.Channels != 1 {
		t.Fatalf("format = %d/%d, want 16000/1", out.SampleRate, out.Channels)
	}
	if len(out.Data)/2 != 16 {
		t.Errorf("samples = %d, want 16", len(out.Data)/2)
	}
}

func TestFormatConverter_StereoHighRateToMono(t *testing.T) {
	conv := &audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	in := audio.AudioFrame{
		Data:       samplesToBytes(make([]int16, 96)), // 48 stereo frames at 48 kHz
		SampleRate: 48000,
		Channels:   2,
		Timestamp:  time.Second,
	}
	out := conv.Convert(in)
	if out.Channels != 1 || out.SampleRate != 16000 {
		t.Fatalf("format = %d/%d, want 16000/1", out.SampleRate, out.Channels)
	}
	if len(out.Data)/2 != 16 {
		t.Errorf("samples = %d, want 16", len(out.Data)/2)
	}
	if out.Timestamp != time.Second {
		t.Errorf("Timestamp = %v, want 1s", out.Timestamp)
	}
}

func TestFormatConverter_OddByteCountPassesThroughMatchingFormat(t *testing.T) {
	conv := &audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	out := conv.Convert(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1})
	if !bytes.Equal(out.Data, []byte{1, 2, 3}) {
		t.Errorf("Data = %v, want [1 2 3]", out.Data)
	}
}

func TestFormatConverter_CarriesSplitSample(t *testing.T) {
	conv := &audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 2}}
	mono := func(b ...byte) audio.AudioFrame {
		return audio.AudioFrame{Data: b, SampleRate: 16000, Channels: 1}
	}

	out := conv.Convert(mono(1, 0, 2))
	if !bytes.Equal(out.Data, []byte{1, 0, 1, 0}) {
		t.Fatalf("first frame = %v, want [1 0 1 0]", out.Data)
	}
	out = conv.Convert(mono(0))
	if !bytes.Equal(out.Data, []byte{2, 0, 2, 0}) {
		t.Fatalf("second frame = %v, want the carried sample [2 0 2 0]", out.Data)
	}
	out = conv.Convert(mono(3))
	if len(out.Data) != 0 {
		t.Fatalf("lone byte produced %v, want nothing yet", out.Data)
	}

	conv.Reset()
	out = conv.Convert(mono(5, 0))
	if !bytes.Equal(out.Data, []byte{5, 0, 5, 0}) {
		t.Errorf("after Reset = %v, want [5 0 5 0]", out.Data)
	}
}

func TestSliceBytes(t *testing.T) {
	got := audio.SliceBytes(audio.Format{SampleRate: 16000, Channels: 1}, 50*time.Millisecond)
	if got != 1600 {
		t.Errorf("SliceBytes = %d, want 1600", got)
	}
}

func TestSilence(t *testing.T) {
	f := audio.Silence(6000, 16000, 1)
	if f.Len() != 6000 {
		t.Fatalf("Len = %d, want 6000", f.Len())
	}
	for i, b := range f.Data {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0", i, b)
		}
	}
}
