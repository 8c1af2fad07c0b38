// Package audio provides PCM format conversion for the ingest path: widening
// 8-bit samples, downmixing stereo, and resampling to the rates the detection
// models accept.
package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the PCM layout of an audio stream.
type Format struct {
	SampleRate int
	Channels   int

	// Encoding is "PCM16" or "PCM8". Empty means PCM16.
	Encoding string
}

// Normalizer converts incoming chunks to a target little-endian PCM16 mono
// format. Create one per stream; a Normalizer is not safe for concurrent use.
type Normalizer struct {
	source Format
	target int // sample rate

	warnedCorrupt sync.Once
}

// NewNormalizer creates a Normalizer producing PCM16 mono at targetRate.
func NewNormalizer(source Format, targetRate int) *Normalizer {
	if source.Channels <= 0 {
		source.Channels = 1
	}
	return &Normalizer{source: source, target: targetRate}
}

// Normalize converts one chunk. The fast path (already PCM16 mono at the
// target rate) returns the input unchanged. Misaligned PCM16 data is dropped
// with a one-time warning.
func (n *Normalizer) Normalize(chunk []byte) []byte {
	pcm := chunk
	if n.source.Encoding == "PCM8" {
		pcm = PCM8ToPCM16(pcm)
	} else if len(pcm)%2 != 0 {
		n.warnedCorrupt.Do(func() {
			slog.Warn("dropping misaligned PCM16 chunk",
				"bytes", len(pcm),
				"format", formatString(n.source.SampleRate, n.source.Channels))
		})
		return nil
	}

	if n.source.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	if n.source.SampleRate != n.target {
		pcm = ResampleMono16(pcm, n.source.SampleRate, n.target)
	}
	return pcm
}

// PCM8ToPCM16 widens unsigned 8-bit PCM to little-endian signed 16-bit.
func PCM8ToPCM16(pcm []byte) []byte {
	out := make([]byte, len(pcm)*2)
	for i, b := range pcm {
		s := (int16(b) - 128) << 8
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono
// output. Uses int32 arithmetic to prevent overflow and clamps to int16
// range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// formatString renders a sample rate and channel count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
