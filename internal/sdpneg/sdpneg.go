// Package sdpneg implements the SDP negotiator (spec C9): building the
// local offer/answer and decoding the remote's, dynamic payload-type
// assignment, per-codec fmtp/ptime/rtcp-fb/rtcp-mux parsing, and direction
// enforcement.
package sdpneg

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/baresip-go/mediacore/internal/codec"
)

// Direction mirrors the SDP media-direction attributes (spec §4.9 "parse
// per-media direction... and enforce").
type Direction int

const (
	SendRecv Direction = iota
	SendOnly
	RecvOnly
	Inactive
)

func (d Direction) String() string {
	switch d {
	case SendOnly:
		return "sendonly"
	case RecvOnly:
		return "recvonly"
	case Inactive:
		return "inactive"
	default:
		return "sendrecv"
	}
}

// CanSend reports whether this direction permits transmitting media.
func (d Direction) CanSend() bool { return d == SendRecv || d == SendOnly }

// CanRecv reports whether this direction permits decoding received media.
func (d Direction) CanRecv() bool { return d == SendRecv || d == RecvOnly }

// parseDirection reads the direction property attribute off a media
// description, defaulting to sendrecv when none is present (RFC 4566).
func parseDirection(attrs []sdp.Attribute) Direction {
	for _, a := range attrs {
		switch a.Key {
		case "sendonly":
			return SendOnly
		case "recvonly":
			return RecvOnly
		case "inactive":
			return Inactive
		case "sendrecv":
			return SendRecv
		}
	}
	return SendRecv
}

// RateRange bounds which sample rates a codec must fall within to be
// advertised (spec §4.9 "whose (sample_rate, channels) falls inside the
// configured ranges").
type RateRange struct {
	Min, Max int
}

func (r RateRange) contains(rate int) bool {
	if r.Min == 0 && r.Max == 0 {
		return true
	}
	return rate >= r.Min && rate <= r.Max
}

// Config configures a Negotiator with the codec registries and constraints
// it advertises from.
type Config struct {
	Audio            *codec.Registry
	Video            *codec.VideoRegistry
	AudioRateRange   RateRange
	AudioChannels    int // 0 = any
	TelephoneEventPT uint8
	LocalIP          net.IP
}

// Negotiator builds and parses SDP for one call.
type Negotiator struct {
	cfg Config
}

// New creates a Negotiator over the given codec registries.
func New(cfg Config) *Negotiator {
	return &Negotiator{cfg: cfg}
}

// MediaPlan describes one local media line the caller wants offered or
// answered with (its RTP/RTCP ports and desired direction/ptime).
type MediaPlan struct {
	Kind         codec.Kind
	RTPPort      int
	RTCPPort     int // ignored when Mux is true
	Mux          bool
	Direction    Direction
	PacketTimeMS int
}

// NegotiatedMedia is what the call controller hands to an audio/video
// pipeline after negotiation completes.
type NegotiatedMedia struct {
	Kind         codec.Kind
	Audio        codec.Descriptor
	Video        codec.VideoDescriptor
	PT           uint8
	Fmtp         string
	Direction    Direction
	PacketTimeMS int
	NACKPLI      bool
	RTCPMux      bool
	TelephonePT  uint8 // 0 if the peer did not offer telephone-event
	RemoteRTP    *net.UDPAddr
	RemoteRTCP   *net.UDPAddr
}

// mediaName returns "audio" or "video" for a codec.Kind.
func mediaName(k codec.Kind) string {
	if k == codec.KindVideo {
		return "video"
	}
	return "audio"
}

// BuildOffer advertises every registered codec within range for each
// requested media kind, in registration order, assigning dynamic payload
// types from [96,127] to formats without a static one and avoiding
// collisions (spec §4.9 offerer role).
func (n *Negotiator) BuildOffer(sessionID, sessionVersion uint64, plans []MediaPlan) (*sdp.SessionDescription, error) {
	sd := n.baseSession(sessionID, sessionVersion)
	nextDynamic := 96
	takeDynamic := func() (int, error) {
		for nextDynamic == int(n.cfg.TelephoneEventPT) {
			nextDynamic++
		}
		if nextDynamic > 127 {
			return 0, fmt.Errorf("sdpneg: no free dynamic payload type in [96,127]")
		}
		nextDynamic++
		return nextDynamic - 1, nil
	}

	for _, plan := range plans {
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:  mediaName(plan.Kind),
				Port:   sdp.RangedPort{Value: plan.RTPPort},
				Protos: []string{"RTP", "AVP"},
			},
		}

		switch plan.Kind {
		case codec.KindAudio:
			for _, d := range n.cfg.Audio.List(codec.KindAudio) {
				if !n.cfg.AudioRateRange.contains(d.SampleRate) {
					continue
				}
				if n.cfg.AudioChannels > 0 && d.Channels != n.cfg.AudioChannels {
					continue
				}
				pt := d.StaticPT
				if pt == codec.NoStaticPT {
					var err error
					if pt, err = takeDynamic(); err != nil {
						return nil, err
					}
				}
				addAudioFormat(md, pt, d)
			}
			if n.cfg.TelephoneEventPT != 0 {
				pt := int(n.cfg.TelephoneEventPT)
				md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(pt))
				md.Attributes = append(md.Attributes,
					sdp.Attribute{Key: "rtpmap", Value: fmt.Sprintf("%d telephone-event/8000", pt)},
					sdp.Attribute{Key: "fmtp", Value: fmt.Sprintf("%d 0-16", pt)},
				)
			}
		case codec.KindVideo:
			for _, vd := range n.cfg.Video.List() {
				pt := vd.StaticPT
				if pt == codec.NoStaticPT {
					var err error
					if pt, err = takeDynamic(); err != nil {
						return nil, err
					}
				}
				addVideoFormat(md, pt, vd)
			}
		}

		applyMediaPlan(md, plan)
		sd.MediaDescriptions = append(sd.MediaDescriptions, md)
	}

	return sd, nil
}

func (n *Negotiator) baseSession(sessionID, sessionVersion uint64) *sdp.SessionDescription {
	ip := "0.0.0.0"
	if n.cfg.LocalIP != nil {
		ip = n.cfg.LocalIP.String()
	}
	return &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionVersion,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: ip,
		},
		SessionName: "-",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: ip},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
}

func addAudioFormat(md *sdp.MediaDescription, pt int, d codec.Descriptor) {
	md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(pt))
	clockRate := d.SampleRate
	if d.TimestampDivisor > 1 {
		clockRate /= d.TimestampDivisor
	}
	rtpmap := fmt.Sprintf("%d %s/%d", pt, d.Name, clockRate)
	if d.Channels > 1 {
		rtpmap = fmt.Sprintf("%s/%d", rtpmap, d.Channels)
	}
	md.Attributes = append(md.Attributes, sdp.Attribute{Key: "rtpmap", Value: rtpmap})
	if d.DefaultFmtp != "" {
		md.Attributes = append(md.Attributes, sdp.Attribute{
			Key:   "fmtp",
			Value: fmt.Sprintf("%d %s", pt, d.DefaultFmtp),
		})
	}
}

func addVideoFormat(md *sdp.MediaDescription, pt int, vd codec.VideoDescriptor) {
	md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(pt))
	md.Attributes = append(md.Attributes,
		sdp.Attribute{Key: "rtpmap", Value: fmt.Sprintf("%d %s/%d", pt, vd.Name, vd.ClockRate)},
		sdp.Attribute{Key: "rtcp-fb", Value: fmt.Sprintf("%d nack pli", pt)},
		sdp.Attribute{Key: "rtcp-fb", Value: fmt.Sprintf("%d ccm fir", pt)},
	)
}

func applyMediaPlan(md *sdp.MediaDescription, plan MediaPlan) {
	md.Attributes = append(md.Attributes, sdp.Attribute{Key: plan.Direction.String()})
	if plan.Mux {
		md.Attributes = append(md.Attributes, sdp.Attribute{Key: "rtcp-mux"})
	}
	if plan.PacketTimeMS > 0 {
		md.Attributes = append(md.Attributes, sdp.Attribute{
			Key:   "ptime",
			Value: strconv.Itoa(plan.PacketTimeMS),
		})
	}
}

// rtpmapEntry is one parsed "a=rtpmap:<pt> <name>/<rate>[/<channels>]" line.
type rtpmapEntry struct {
	pt       int
	name     string
	rate     int
	channels int
}

// staticRTPMap covers the RFC 3551 statically assigned payload types that
// may appear in an "m=" line's format list with no accompanying rtpmap
// attribute.
var staticRTPMap = map[int]rtpmapEntry{
	0: {pt: 0, name: "PCMU", rate: 8000, channels: 1},
	8: {pt: 8, name: "PCMA", rate: 8000, channels: 1},
	9: {pt: 9, name: "G722", rate: 8000, channels: 1},
}

func parseRTPMaps(md *sdp.MediaDescription) map[int]rtpmapEntry {
	out := map[int]rtpmapEntry{}
	for _, f := range md.MediaName.Formats {
		if pt, err := strconv.Atoi(f); err == nil {
			if e, ok := staticRTPMap[pt]; ok {
				out[pt] = e
			}
		}
	}
	for _, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		fields := strings.SplitN(a.Value, " ", 2)
		if len(fields) != 2 {
			continue
		}
		pt, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		parts := strings.Split(fields[1], "/")
		if len(parts) < 2 {
			continue
		}
		rate, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		channels := 1
		if len(parts) == 3 {
			if c, err := strconv.Atoi(parts[2]); err == nil {
				channels = c
			}
		}
		out[pt] = rtpmapEntry{pt: pt, name: parts[0], rate: rate, channels: channels}
	}
	return out
}

func findFmtp(md *sdp.MediaDescription, pt int) string {
	prefix := strconv.Itoa(pt) + " "
	for _, a := range md.Attributes {
		if a.Key == "fmtp" && strings.HasPrefix(a.Value, prefix) {
			return strings.TrimPrefix(a.Value, prefix)
		}
	}
	return ""
}

func findPTime(md *sdp.MediaDescription) (int, bool) {
	for _, a := range md.Attributes {
		if a.Key == "ptime" {
			if ms, err := strconv.Atoi(a.Value); err == nil {
				return ms, true
			}
		}
	}
	return 0, false
}

// hasRTCPMux reports the rtcp-mux property attribute (spec §4.9 "parse
// rtcp-mux to collapse RTP/RTCP onto a single port").
func hasRTCPMux(md *sdp.MediaDescription) bool {
	for _, a := range md.Attributes {
		if a.Key == "rtcp-mux" {
			return true
		}
	}
	return false
}

// hasNACKPLI reports an "a=rtcp-fb:<pt-or-*> nack pli" line for pt (spec
// §4.9 "parse rtcp-fb attribute '* nack pli'").
func hasNACKPLI(md *sdp.MediaDescription, pt int) bool {
	want := strconv.Itoa(pt)
	for _, a := range md.Attributes {
		if a.Key != "rtcp-fb" {
			continue
		}
		fields := strings.Fields(a.Value)
		if len(fields) < 3 {
			continue
		}
		if fields[0] != "*" && fields[0] != want {
			continue
		}
		if fields[1] == "nack" && fields[2] == "pli" {
			return true
		}
	}
	return false
}

func findTelephoneEventPT(maps map[int]rtpmapEntry) uint8 {
	for pt, e := range maps {
		if strings.EqualFold(e.name, "telephone-event") {
			return uint8(pt)
		}
	}
	return 0
}

func mediaRemoteAddrs(sd *sdp.SessionDescription, md *sdp.MediaDescription, muxed bool) (*net.UDPAddr, *net.UDPAddr) {
	host := ""
	if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
		host = md.ConnectionInformation.Address.Address
	} else if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		host = sd.ConnectionInformation.Address.Address
	}
	ip := net.ParseIP(host)
	rtp := &net.UDPAddr{IP: ip, Port: md.MediaName.Port.Value}
	if muxed {
		return rtp, rtp
	}
	rtcp := &net.UDPAddr{IP: ip, Port: md.MediaName.Port.Value + 1}
	return rtp, rtcp
}

// Answer decodes a remote offer and, per media kind the caller has a local
// plan for, picks the first remote format that matches a locally
// registered codec (answerer role, spec §4.9), applying fmtp/ptime/
// rtcp-fb/rtcp-mux/direction. It returns the answer SDP to send back and
// the negotiated media to wire into pipelines.
func (n *Negotiator) Answer(remote *sdp.SessionDescription, sessionID, sessionVersion uint64, plans map[string]MediaPlan) (*sdp.SessionDescription, []NegotiatedMedia, error) {
	answer := n.baseSession(sessionID, sessionVersion)
	var negotiated []NegotiatedMedia

	for _, rmd := range remote.MediaDescriptions {
		plan, ok := plans[rmd.MediaName.Media]
		if !ok {
			// No local plan for this media kind: reject with port 0 (RFC 3264 §6).
			rejected := *rmd
			rejected.MediaName.Port = sdp.RangedPort{Value: 0}
			answer.MediaDescriptions = append(answer.MediaDescriptions, &rejected)
			continue
		}

		maps := parseRTPMaps(rmd)
		dir := parseDirection(rmd.Attributes)
		muxed := hasRTCPMux(rmd)

		amd := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:  rmd.MediaName.Media,
				Port:   sdp.RangedPort{Value: plan.RTPPort},
				Protos: rmd.MediaName.Protos,
			},
		}

		switch plan.Kind {
		case codec.KindAudio:
			chosen, entry, ok := n.matchAudio(rmd, maps)
			if !ok {
				rejected := *rmd
				rejected.MediaName.Port = sdp.RangedPort{Value: 0}
				answer.MediaDescriptions = append(answer.MediaDescriptions, &rejected)
				continue
			}
			fmtp := findFmtp(rmd, entry.pt)
			addAudioFormat(amd, entry.pt, chosen)
			telPT := findTelephoneEventPT(maps)
			if telPT != 0 {
				amd.MediaName.Formats = append(amd.MediaName.Formats, strconv.Itoa(int(telPT)))
				amd.Attributes = append(amd.Attributes, sdp.Attribute{
					Key: "rtpmap", Value: fmt.Sprintf("%d telephone-event/8000", telPT),
				})
			}
			rtp, rtcp := mediaRemoteAddrs(remote, rmd, muxed)
			ptimeMS := plan.PacketTimeMS
			if ms, present := findPTime(rmd); present {
				ptimeMS = ms
			}
			negotiated = append(negotiated, NegotiatedMedia{
				Kind: codec.KindAudio, Audio: chosen, PT: uint8(entry.pt), Fmtp: fmtp,
				Direction: answererDirection(dir, plan.Direction), PacketTimeMS: ptimeMS,
				NACKPLI: hasNACKPLI(rmd, entry.pt), RTCPMux: muxed, TelephonePT: telPT,
				RemoteRTP: rtp, RemoteRTCP: rtcp,
			})
		case codec.KindVideo:
			chosen, pt, ok := n.matchVideo(rmd, maps)
			if !ok {
				rejected := *rmd
				rejected.MediaName.Port = sdp.RangedPort{Value: 0}
				answer.MediaDescriptions = append(answer.MediaDescriptions, &rejected)
				continue
			}
			addVideoFormat(amd, pt, chosen)
			rtp, rtcp := mediaRemoteAddrs(remote, rmd, muxed)
			negotiated = append(negotiated, NegotiatedMedia{
				Kind: codec.KindVideo, Video: chosen, PT: uint8(pt),
				Direction: answererDirection(dir, plan.Direction),
				NACKPLI:   hasNACKPLI(rmd, pt), RTCPMux: muxed,
				RemoteRTP: rtp, RemoteRTCP: rtcp,
			})
		}

		applyMediaPlan(amd, MediaPlan{Direction: answererDirection(dir, plan.Direction), Mux: muxed, PacketTimeMS: plan.PacketTimeMS})
		answer.MediaDescriptions = append(answer.MediaDescriptions, amd)
	}

	return answer, negotiated, nil
}

// answererDirection mirrors the peer's direction back, attenuated by our
// own local capability (spec §4.9 direction enforcement): we never offer
// more than our own plan allows.
func answererDirection(remote, local Direction) Direction {
	canSend := remote.CanRecv() && local.CanSend()
	canRecv := remote.CanSend() && local.CanRecv()
	switch {
	case canSend && canRecv:
		return SendRecv
	case canSend:
		return SendOnly
	case canRecv:
		return RecvOnly
	default:
		return Inactive
	}
}

func (n *Negotiator) matchAudio(md *sdp.MediaDescription, maps map[int]rtpmapEntry) (codec.Descriptor, rtpmapEntry, bool) {
	for _, f := range md.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		entry, ok := maps[pt]
		if !ok {
			continue
		}
		if d, ok := n.cfg.Audio.Lookup(codec.KindAudio, entry.name, entry.rate, entry.channels); ok {
			return d, entry, true
		}
	}
	return codec.Descriptor{}, rtpmapEntry{}, false
}

func (n *Negotiator) matchVideo(md *sdp.MediaDescription, maps map[int]rtpmapEntry) (codec.VideoDescriptor, int, bool) {
	for _, f := range md.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		entry, ok := maps[pt]
		if !ok {
			continue
		}
		if vd, ok := n.cfg.Video.Lookup(entry.name); ok {
			return vd, pt, true
		}
	}
	return codec.VideoDescriptor{}, 0, false
}

// DecodeAnswer parses the peer's answer to an offer we sent (offerer
// role): for each accepted media line it resolves the payload type back
// to one of our own advertised descriptors, since we proposed the PT
// assignment and the answer merely narrows it (spec §4.9).
func (n *Negotiator) DecodeAnswer(remote *sdp.SessionDescription) ([]NegotiatedMedia, error) {
	var negotiated []NegotiatedMedia
	for _, rmd := range remote.MediaDescriptions {
		if rmd.MediaName.Port.Value == 0 {
			continue // peer rejected this media line
		}
		maps := parseRTPMaps(rmd)
		dir := parseDirection(rmd.Attributes)
		muxed := hasRTCPMux(rmd)
		rtp, rtcp := mediaRemoteAddrs(remote, rmd, muxed)

		if len(rmd.MediaName.Formats) == 0 {
			continue
		}
		pt, err := strconv.Atoi(rmd.MediaName.Formats[0])
		if err != nil {
			return nil, fmt.Errorf("sdpneg: invalid payload type %q in answer", rmd.MediaName.Formats[0])
		}
		entry, ok := maps[pt]
		if !ok {
			return nil, fmt.Errorf("sdpneg: answer selected unknown payload type %d", pt)
		}

		switch rmd.MediaName.Media {
		case "audio":
			d, ok := n.cfg.Audio.Lookup(codec.KindAudio, entry.name, entry.rate, entry.channels)
			if !ok {
				return nil, fmt.Errorf("sdpneg: answer selected unregistered audio codec %s", entry.name)
			}
			ptimeMS, _ := findPTime(rmd)
			negotiated = append(negotiated, NegotiatedMedia{
				Kind: codec.KindAudio, Audio: d, PT: uint8(pt), Fmtp: findFmtp(rmd, pt),
				Direction: dir, PacketTimeMS: ptimeMS, NACKPLI: hasNACKPLI(rmd, pt),
				RTCPMux: muxed, TelephonePT: findTelephoneEventPT(maps),
				RemoteRTP: rtp, RemoteRTCP: rtcp,
			})
		case "video":
			vd, ok := n.cfg.Video.Lookup(entry.name)
			if !ok {
				return nil, fmt.Errorf("sdpneg: answer selected unregistered video codec %s", entry.name)
			}
			negotiated = append(negotiated, NegotiatedMedia{
				Kind: codec.KindVideo, Video: vd, PT: uint8(pt), Direction: dir,
				NACKPLI: hasNACKPLI(rmd, pt), RTCPMux: muxed,
				RemoteRTP: rtp, RemoteRTCP: rtcp,
			})
		}
	}
	return negotiated, nil
}
