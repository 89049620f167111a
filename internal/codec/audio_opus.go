//go:build opus && cgo

package codec

import "gopkg.in/hraban/opus.v2"

// RegisterOpus registers Opus at 48 kHz, mono and stereo. Opus has no
// static PT (dynamic range 96-127 only), mirroring the teacher's
// lk_codecs_opus.go build-tag gating (requires libopus + cgo, enabled with
// `-tags opus`).
func RegisterOpus(r *Registry) {
	register := func(channels int) {
		r.Register(KindAudio, Descriptor{
			Name:             "opus",
			SampleRate:       48000,
			Channels:         channels,
			StaticPT:         NoStaticPT,
			TimestampDivisor: 1,
			EncodeInit:       opusEncodeInit(channels),
			DecodeInit:       opusDecodeInit(channels),
		})
	}
	register(2)
	register(1)
}

type opusEncoder struct{ enc *opus.Encoder }

func opusEncodeInit(channels int) func(EncodeParams, string) (Encoder, error) {
	return func(p EncodeParams, _ string) (Encoder, error) {
		sampleRate := p.SampleRate
		if sampleRate == 0 {
			sampleRate = 48000
		}
		enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
		if err != nil {
			return nil, ErrInternal
		}
		return &opusEncoder{enc: enc}, nil
	}
}

func (e *opusEncoder) Encode(in []int16, out []byte) (int, error) {
	n, err := e.enc.Encode(in, out)
	if err != nil {
		return 0, ErrInternal
	}
	return n, nil
}

type opusDecoder struct {
	dec      *opus.Decoder
	channels int
}

func opusDecodeInit(channels int) func(EncodeParams, string) (Decoder, error) {
	return func(p EncodeParams, _ string) (Decoder, error) {
		sampleRate := p.SampleRate
		if sampleRate == 0 {
			sampleRate = 48000
		}
		dec, err := opus.NewDecoder(sampleRate, channels)
		if err != nil {
			return nil, ErrInternal
		}
		return &opusDecoder{dec: dec, channels: channels}, nil
	}
}

func (d *opusDecoder) Decode(in []byte, out []int16) (int, error) {
	n, err := d.dec.Decode(in, out)
	if err != nil {
		return 0, ErrInternal
	}
	return n, nil
}

// PLC uses Opus's native loss-concealment path: calling Decode with a nil
// payload asks libopus to synthesize the missing frame.
func (d *opusDecoder) PLC(out []int16) (int, error) {
	n, err := d.dec.Decode(nil, out)
	if err != nil {
		return 0, ErrInternal
	}
	return n, nil
}
