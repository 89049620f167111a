package audiopipe

import resampler "github.com/tphakala/go-audio-resampler"

// Resampler converts PCM16 between two sample rates. Usage is isolated to
// this file so any signature drift in the underlying library stays
// contained here.
type Resampler struct {
	r        *resampler.Resampler
	inRate   int
	outRate  int
	channels int
}

// NewResampler builds a linear resampler from inRate to outRate (spec
// §4.7 "Optional resample to the codec's rate" / "to the sink's rate").
// Returns nil when the rates already match, so callers can treat a nil
// *Resampler as a pass-through.
func NewResampler(inRate, outRate, channels int) *Resampler {
	if inRate == outRate {
		return nil
	}
	return &Resampler{
		r:        resampler.New(inRate, outRate, channels),
		inRate:   inRate,
		outRate:  outRate,
		channels: channels,
	}
}

// Process resamples in into out's backing slice, returning the resampled
// samples (may reallocate if out is too small).
func (r *Resampler) Process(in []int16, out []int16) []int16 {
	if r == nil {
		return in
	}
	return r.r.Resample(in, out)
}
