// Package pcm provides interleaved 16-bit PCM framing helpers and the
// single-producer/single-consumer audio buffer (spec C1).
package pcm

import "time"

// Format describes interleaved PCM16 framing: sample rate, channel count and
// packet duration. FrameSamples/FrameBytes enforce the audio-params invariant
// frame_size = sample_rate_hz * channels * packet_time_ms / 1000.
type Format struct {
	SampleRate int
	Channels   int
	FrameDur   time.Duration
}

func (f Format) FrameSamples() int {
	sr := f.SampleRate
	if sr < 1 {
		sr = 1
	}
	ch := f.Channels
	if ch < 1 {
		ch = 1
	}
	return int(float64(sr) * f.FrameDur.Seconds() * float64(ch))
}

// FrameBytes is FrameSamples expressed as PCM16LE bytes (2 bytes/sample).
func (f Format) FrameBytes() int {
	return f.FrameSamples() * 2
}
