package codec

import "github.com/zaf/g711"

// RegisterG711 registers the two static-PT G.711 variants (PCMU, PCMA).
// Grounded on the teacher's codec registration style (lk_codecs.go imports
// codec packages for their init-time side effects); here the descriptors
// are explicit since the underlying library is a pure encode/decode
// function pair, not a self-registering package.
func RegisterG711(r *Registry) {
	r.Register(KindAudio, Descriptor{
		Name:             "PCMU",
		SampleRate:       8000,
		Channels:         1,
		StaticPT:         0,
		TimestampDivisor: 1,
		EncodeInit:       newG711EncodeInit(false),
		DecodeInit:       newG711DecodeInit(false),
	})
	r.Register(KindAudio, Descriptor{
		Name:             "PCMA",
		SampleRate:       8000,
		Channels:         1,
		StaticPT:         8,
		TimestampDivisor: 1,
		EncodeInit:       newG711EncodeInit(true),
		DecodeInit:       newG711DecodeInit(true),
	})
}

type g711Encoder struct{ alaw bool }

func (e *g711Encoder) Encode(in []int16, out []byte) (int, error) {
	if len(out) < len(in) {
		return 0, ErrInsufficientBuffer
	}
	var coded []byte
	if e.alaw {
		coded = g711.EncodeAlaw(in)
	} else {
		coded = g711.EncodeUlaw(in)
	}
	return copy(out, coded), nil
}

type g711Decoder struct{ alaw bool }

func (d *g711Decoder) Decode(in []byte, out []int16) (int, error) {
	var pcm []int16
	if d.alaw {
		pcm = g711.DecodeAlaw(in)
	} else {
		pcm = g711.DecodeUlaw(in)
	}
	if len(out) < len(pcm) {
		return 0, ErrInsufficientBuffer
	}
	return copy(out, pcm), nil
}

// PLC: G.711 has no native concealment in this library; the pipeline falls
// back to zero-fill when this is returned.
func (d *g711Decoder) PLC(out []int16) (int, error) {
	return 0, ErrPLCNotSupported
}

func newG711EncodeInit(alaw bool) func(EncodeParams, string) (Encoder, error) {
	return func(EncodeParams, string) (Encoder, error) {
		return &g711Encoder{alaw: alaw}, nil
	}
}

func newG711DecodeInit(alaw bool) func(EncodeParams, string) (Decoder, error) {
	return func(EncodeParams, string) (Decoder, error) {
		return &g711Decoder{alaw: alaw}, nil
	}
}
