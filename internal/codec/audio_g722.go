package codec

import "github.com/gotranspile/g722"

// RegisterG722 registers G.722: 16 kHz sample rate, static PT 9, but the
// RTP clock runs at 8 kHz per RFC 3551 — modeled via TimestampDivisor so
// callers (internal/audiopipe for the RTP timestamp step, internal/sdpneg
// for the advertised rtpmap clock rate) handle it without special-casing
// the codec name (spec §8
// invariant 2, Open Question in §9).
func RegisterG722(r *Registry) {
	r.Register(KindAudio, Descriptor{
		Name:             "G722",
		SampleRate:       16000,
		Channels:         1,
		StaticPT:         9,
		TimestampDivisor: 2,
		EncodeInit:       g722EncodeInit,
		DecodeInit:       g722DecodeInit,
	})
}

type g722Encoder struct{ enc *g722.Encoder }

func g722EncodeInit(EncodeParams, string) (Encoder, error) {
	return &g722Encoder{enc: g722.NewEncoder(g722.Rate64000, 0)}, nil
}

func (e *g722Encoder) Encode(in []int16, out []byte) (int, error) {
	n := e.enc.Encode(out, in)
	return n, nil
}

type g722Decoder struct{ dec *g722.Decoder }

func g722DecodeInit(EncodeParams, string) (Decoder, error) {
	return &g722Decoder{dec: g722.NewDecoder(g722.Rate64000, 0)}, nil
}

func (d *g722Decoder) Decode(in []byte, out []int16) (int, error) {
	n := d.dec.Decode(out, in)
	return n, nil
}

func (d *g722Decoder) PLC(out []int16) (int, error) {
	return 0, ErrPLCNotSupported
}
