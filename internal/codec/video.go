package codec

import (
	"strings"

	"github.com/pion/rtp/codecs"
)

// VideoDescriptor mirrors Descriptor for the video codec list (spec §3:
// "For video: analogous, with packetize and depacketize"). The frame codec
// itself (H.264/VP8 DSP) stays an opaque collaborator per the non-goals;
// what this module owns is the RTP payloader/depayloader selection, which
// is real and comes straight from pion/rtp/codecs.
type VideoDescriptor struct {
	Name       string
	ClockRate  int // always 90000 for the codecs this engine negotiates
	StaticPT   int
	NewPayload func() Payloader
	NewDepay   func() Depayloader
}

// Payloader splits one encoded frame into RTP payload chunks of at most
// maxPacketBytes, mirroring pion/rtp.Payloader.
type Payloader interface {
	Payload(maxPacketBytes uint16, frame []byte) [][]byte
}

// Depayloader reassembles one packet payload's contribution to a frame,
// mirroring pion/rtp.Depayloader.
type Depayloader interface {
	Unmarshal(packet []byte) ([]byte, error)
}

// RegisterH264 registers H.264 with the FU-A payloader/depayloader from
// pion/rtp/codecs (spec: "for FU-A, reconstruct the original NAL header on
// the start fragment").
func RegisterH264(r *VideoRegistry) {
	r.Register(VideoDescriptor{
		Name:      "H264",
		ClockRate: 90000,
		StaticPT:  NoStaticPT,
		NewPayload: func() Payloader {
			return &codecs.H264Payloader{}
		},
		NewDepay: func() Depayloader {
			return &codecs.H264Packet{}
		},
	})
}

// RegisterVP8 registers VP8 with its pion/rtp/codecs payloader/depayloader.
func RegisterVP8(r *VideoRegistry) {
	r.Register(VideoDescriptor{
		Name:      "VP8",
		ClockRate: 90000,
		StaticPT:  NoStaticPT,
		NewPayload: func() Payloader {
			return &codecs.VP8Payloader{}
		},
		NewDepay: func() Depayloader {
			return &codecs.VP8Packet{}
		},
	})
}

// VideoRegistry is the separate ordered list of video codec descriptors
// (spec §3: "Separate lists for audio and video").
type VideoRegistry struct {
	list []VideoDescriptor
}

func NewVideoRegistry() *VideoRegistry { return &VideoRegistry{} }

func (r *VideoRegistry) Register(d VideoDescriptor) {
	r.list = append(r.list, d)
}

func (r *VideoRegistry) Lookup(name string) (VideoDescriptor, bool) {
	for _, d := range r.list {
		if strings.EqualFold(d.Name, name) {
			return d, true
		}
	}
	return VideoDescriptor{}, false
}

func (r *VideoRegistry) List() []VideoDescriptor {
	out := make([]VideoDescriptor, len(r.list))
	copy(out, r.list)
	return out
}
