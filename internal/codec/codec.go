// Package codec implements the codec registry and the per-direction codec
// instance vtable (spec C4): registration of audio/video codec descriptors,
// lookup by name/rate/channels, and encode/decode/PLC dispatch.
package codec

import (
	"errors"
	"strings"
	"sync"
)

// Error kinds a codec implementation may return, surfaced by the pipeline
// as a codec-fault (spec §7).
var (
	ErrBadInput           = errors.New("codec: bad input")
	ErrInsufficientBuffer = errors.New("codec: insufficient output buffer")
	ErrInternal           = errors.New("codec: internal error")
	ErrPLCNotSupported    = errors.New("codec: plc not supported")
)

// Kind distinguishes audio and video codec descriptor lists; the registry
// keeps them in separate ordered lists per spec §3 ("separate lists for
// audio and video").
type Kind int

const (
	KindAudio Kind = iota
	KindVideo
)

// NoStaticPT marks a descriptor with no RFC 3551 static payload type
// assignment, requiring a dynamic PT from the SDP negotiator.
const NoStaticPT = -1

// Encoder turns PCM16 samples (audio) or raw frames (video, via a
// video-specific encoder below) into coded bytes.
type Encoder interface {
	// Encode consumes exactly one frame of in (length == descriptor frame
	// size for the negotiated packet time) and writes coded bytes to out,
	// returning the number of bytes written.
	Encode(in []int16, out []byte) (int, error)
}

// Decoder turns coded bytes back into PCM16 samples, with optional packet
// loss concealment.
type Decoder interface {
	Decode(in []byte, out []int16) (int, error)
	// PLC synthesizes a frame when no packet arrived at playout time. Codecs
	// without PLC support return ErrPLCNotSupported; callers fall back to
	// emitting silence.
	PLC(out []int16) (int, error)
}

// EncodeParams carries the negotiated parameters an encode_init call needs.
type EncodeParams struct {
	SampleRate   int
	Channels     int
	FrameSamples int
}

// Descriptor is one registered codec plugin: identification plus the vtable
// entry points (spec §9 "codec plugin contract").
type Descriptor struct {
	Name        string
	SampleRate  int
	Channels    int
	StaticPT    int
	DefaultFmtp string

	// TimestampDivisor models the RFC 3551 G.722 anomaly: the codec samples
	// at SampleRate but the RTP clock runs at SampleRate/TimestampDivisor.
	// 1 for every codec except G.722 (spec §8 invariant 2 / Open Question).
	TimestampDivisor int

	EncodeInit func(EncodeParams, string) (Encoder, error)
	DecodeInit func(EncodeParams, string) (Decoder, error)
}

func (d Descriptor) normalize() Descriptor {
	if d.TimestampDivisor == 0 {
		d.TimestampDivisor = 1
	}
	return d
}

// Registry is the process-wide list of registered codec descriptors.
// Mutated only during init/module-load (single-threaded) per spec §5
// ("shared mutable resources... read-only during call processing").
type Registry struct {
	mu    sync.RWMutex
	audio []Descriptor
	video []Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a descriptor to the given kind's list. Registration
// order is preserved and meaningful: Lookup and SDP negotiation both prefer
// earlier entries (spec §3).
func (r *Registry) Register(kind Kind, d Descriptor) {
	d = d.normalize()
	r.mu.Lock()
	defer r.mu.Unlock()
	switch kind {
	case KindAudio:
		r.audio = append(r.audio, d)
	case KindVideo:
		r.video = append(r.video, d)
	}
}

// Lookup finds the first descriptor whose name matches case-insensitively
// and whose sample rate / channel count match when requested (sampleRate
// or channels <= 0 means "don't care"). First match wins.
func (r *Registry) Lookup(kind Kind, name string, sampleRate, channels int) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.audio
	if kind == KindVideo {
		list = r.video
	}
	for _, d := range list {
		if !strings.EqualFold(d.Name, name) {
			continue
		}
		if sampleRate > 0 && d.SampleRate != sampleRate {
			continue
		}
		if channels > 0 && d.Channels != channels {
			continue
		}
		return d, true
	}
	return Descriptor{}, false
}

// List returns a snapshot of the registered descriptors for a kind, in
// registration order, for advertising in SDP offers (spec §4.8).
func (r *Registry) List(kind Kind) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.audio
	if kind == KindVideo {
		list = r.video
	}
	out := make([]Descriptor, len(list))
	copy(out, list)
	return out
}
