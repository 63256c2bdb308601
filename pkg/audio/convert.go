package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a readable form such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// FormatConverter adapts inbound frames to the format a renderer expects.
// Frames whose format fields are zero are assumed to already be in the
// Source format. One converter serves one stream and is not safe for
// concurrent use; call Reset between streams.
type FormatConverter struct {
	// Source is the format assumed for frames that do not declare one.
	Source Format

	// Target is the format every converted frame is delivered in.
	Target Format

	// carry holds the bytes of a sample frame split across two inbound
	// messages. They are prepended to the next converted frame.
	carry []byte

	warnedMismatch sync.Once
}

// Convert returns frame in the target format. A frame already in the target
// format is returned untouched, whatever its length. When conversion is
// needed, a trailing partial sample frame is held back and completed by the
// next call, so the returned Data may be empty but no bytes are lost.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if frame.SampleRate == 0 {
		frame.SampleRate = c.Source.SampleRate
	}
	if frame.Channels == 0 {
		frame.Channels = c.Source.Channels
	}

	if c.Target.SampleRate == 0 || (frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels) {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Info("audio: converting inbound frames",
			"from", Format{frame.SampleRate, frame.Channels}.String(),
			"to", c.Target.String(),
		)
	})

	pcm := frame.Data
	if len(c.carry) > 0 {
		pcm = append(c.carry, pcm...)
		c.carry = nil
	}
	block := 2 * max(frame.Channels, 1)
	if rem := len(pcm) % block; rem != 0 {
		c.carry = append([]byte(nil), pcm[len(pcm)-rem:]...)
		pcm = pcm[:len(pcm)-rem]
	}

	channels := frame.Channels
	out := AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	if len(pcm) == 0 {
		return out
	}

	// Downmix before resampling so stereo input is only resampled once.
	if channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
		channels = 1
	}

	if frame.SampleRate != c.Target.SampleRate {
		if channels == 1 {
			pcm = ResampleMono16(pcm, frame.SampleRate, c.Target.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, frame.SampleRate, c.Target.SampleRate)
		}
	}

	if channels == 1 && c.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
		channels = 2
	}

	out.Data = pcm
	out.Channels = channels
	return out
}

// Reset drops any partial sample frame held from the previous stream.
func (c *FormatConverter) Reset() {
	c.carry = nil
}

// MonoToStereo duplicates every mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages each L+R pair, clamped to the int16 range.
func StereoToMono(pcm []byte) []byte {
	samples := BytesToInt16s(pcm)
	out := make([]int16, len(samples)/2)
	for i := range out {
		avg := (int32(samples[2*i]) + int32(samples[2*i+1])) / 2
		out[i] = clamp16(avg)
	}
	return Int16sToBytes(out)
}

// ResampleMono16 resamples mono PCM16 from srcRate to dstRate with linear
// interpolation. Non-positive or equal rates return the input untouched.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 is [ResampleMono16] for interleaved stereo PCM16.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample(pcm, 2, srcRate, dstRate)
}

func resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	in := BytesToInt16s(pcm)
	srcFrames := len(in) / channels
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(in[idx*channels+ch])
			s1 := float64(in[next*channels+ch])
			out[i*channels+ch] = int16(s0*(1-frac) + s1*frac)
		}
	}
	return Int16sToBytes(out)
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
