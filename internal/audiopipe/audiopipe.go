// Package audiopipe implements the audio pipeline (spec C7): capture →
// buffer → resample → filter chain → encode → RTP, and RTP → decode →
// filter → resample → buffer → playback, plus DTMF interleaving.
package audiopipe

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/baresip-go/mediacore/internal/codec"
	"github.com/baresip-go/mediacore/internal/jitterbuf"
	"github.com/baresip-go/mediacore/internal/pcm"
	"github.com/baresip-go/mediacore/internal/rtpstream"
	"github.com/baresip-go/mediacore/internal/sdpneg"
	"github.com/baresip-go/mediacore/internal/sink"
	"github.com/baresip-go/mediacore/internal/telev"
)

// TxMode selects how the tx tick is driven (spec §4.7 "start").
type TxMode int

const (
	ModePoll TxMode = iota
	ModeDedicatedThread
	ModeDedicatedRealtimeThread
	ModeTimerDriven
)

// Filter mutates a frame of samples in place, e.g. an echo canceller or
// vu-meter (spec §4.7 "filter_chain").
type Filter func(samples []int16)

// ComfortNoisePT is RFC 3551's static comfort-noise payload type; packets
// on it are dropped (spec §4.7).
const ComfortNoisePT = 13

// LookupFormatFunc resolves an unexpected incoming payload type to the
// matching negotiated codec descriptor, or ok=false when none matches
// (spec §4.7 "look up the matching SDP format and swap the decoder").
type LookupFormatFunc func(pt uint8) (d codec.Descriptor, fmtp string, ok bool)

// Config configures a new Pipeline.
type Config struct {
	Logger       *slog.Logger
	Stream       *rtpstream.Stream
	Source       sink.AudioSource
	Sink         sink.AudioSink
	DSPRate      int // the capture/playback device's native rate
	DSPChannels  int
	PacketTime   time.Duration
	JitterMin    int
	JitterMax    int
	TelevPT      uint8
	EncodeChain  []Filter
	DecodeChain  []Filter
	LookupFormat LookupFormatFunc
}

// Pipeline composes the tx and rx directions around one RTP stream.
type Pipeline struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
	stream *rtpstream.Stream
	source sink.AudioSource
	sinkP  sink.AudioSink

	dspRate     int
	dspChannels int
	ptime       time.Duration

	jitter       *jitterbuf.Buffer
	televPT      uint8
	encChain     []Filter
	decChain     []Filter
	lookupFormat LookupFormatFunc

	mu          sync.Mutex
	txDesc      codec.Descriptor
	txEncoder   codec.Encoder
	txPT        uint8
	txResampler *Resampler
	txTS        uint32
	txFrameLen  int

	rxDesc      codec.Descriptor
	rxDecoder   codec.Decoder
	rxPT        uint8
	rxResampler *Resampler

	txBuf *pcm.Buffer
	rxBuf *pcm.Buffer

	muted   atomic.Bool
	started bool
	dir     atomic.Int32 // sdpneg.Direction, default SendRecv (zero value)

	dtmf       *telev.Encoder
	dtmfDec    *telev.Decoder
	dtmfAnchor uint32
}

// New creates a pipeline; codecs are set later via SetEncoder/SetDecoder
// before Start.
func New(cfg Config) *Pipeline {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	ptime := cfg.PacketTime
	if ptime <= 0 {
		ptime = 20 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		ctx:          ctx,
		cancel:       cancel,
		log:          log,
		stream:       cfg.Stream,
		source:       cfg.Source,
		sinkP:        cfg.Sink,
		dspRate:      cfg.DSPRate,
		dspChannels:  cfg.DSPChannels,
		ptime:        ptime,
		jitter:       jitterbuf.New(cfg.JitterMin, cfg.JitterMax),
		televPT:      cfg.TelevPT,
		encChain:     cfg.EncodeChain,
		decChain:     cfg.DecodeChain,
		lookupFormat: cfg.LookupFormat,
		txBuf:        pcm.NewBuffer(1<<16, 1<<15),
		rxBuf:        pcm.NewBuffer(1<<16, 1<<15),
		dtmf:         telev.NewEncoder(0),
		dtmfDec:      &telev.Decoder{},
	}
	if cfg.Stream != nil {
		cfg.Stream.OnRx(p.handleRTP)
		cfg.Stream.OnSSRCChange(func(uint32, uint32) { p.jitter.Flush() })
	}
	return p
}

// SetEncoder (re)creates the encoder for codec d at pt/fmtp. If the
// pipeline is running and the codec's sample rate or channel count differs
// from the current one, the audio source is torn down and reopened at the
// new native rate before encoding resumes (spec §4.7); before Start the
// source is left for Start to open. Interposes a resampler when the DSP
// rate differs from the codec rate.
func (p *Pipeline) SetEncoder(d codec.Descriptor, pt uint8, fmtp string) error {
	p.mu.Lock()
	changedRate := p.txDesc.SampleRate != d.SampleRate || p.txDesc.Channels != d.Channels
	reopen := changedRate && p.started && p.source != nil
	p.mu.Unlock()

	if reopen {
		_ = p.source.Stop()
	}

	frameLen := frameSamples(d.SampleRate, p.ptime)
	enc, err := d.EncodeInit(codec.EncodeParams{
		SampleRate:   d.SampleRate,
		Channels:     d.Channels,
		FrameSamples: frameLen,
	}, fmtp)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.txDesc = d
	p.txEncoder = enc
	p.txPT = pt
	p.txFrameLen = frameLen
	p.txResampler = NewResampler(p.dspRate, d.SampleRate, d.Channels)
	p.mu.Unlock()

	if reopen {
		return p.source.Start(p.onCapture, p.onDeviceError)
	}
	return nil
}

// SetDecoder is the rx analogue of SetEncoder.
func (p *Pipeline) SetDecoder(d codec.Descriptor, pt uint8, fmtp string) error {
	dec, err := d.DecodeInit(codec.EncodeParams{
		SampleRate:   d.SampleRate,
		Channels:     d.Channels,
		FrameSamples: frameSamples(d.SampleRate, p.ptime),
	}, fmtp)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.rxDesc = d
	p.rxDecoder = dec
	p.rxPT = pt
	p.rxResampler = NewResampler(d.SampleRate, p.dspRate, d.Channels)
	p.mu.Unlock()
	return nil
}

func frameSamples(sampleRate int, ptime time.Duration) int {
	return int(int64(sampleRate) * ptime.Milliseconds() / 1000)
}

// Mute causes subsequently captured frames to be replaced by zeros before
// reaching the encoder (spec §4.7).
func (p *Pipeline) Mute(muted bool) { p.muted.Store(muted) }

// SetDirection updates the local media direction (spec §4.9: "no tx when
// our local direction lacks send; no decode when it lacks recv"). Hold sets
// this to sendonly; resume sets it back to sendrecv. The effect is local and
// immediate, independent of when any re-INVITE round-trips with the peer.
func (p *Pipeline) SetDirection(dir sdpneg.Direction) { p.dir.Store(int32(dir)) }

// Direction returns the pipeline's current local media direction.
func (p *Pipeline) Direction() sdpneg.Direction { return sdpneg.Direction(p.dir.Load()) }

func (p *Pipeline) canSend() bool { return p.Direction().CanSend() }
func (p *Pipeline) canRecv() bool { return p.Direction().CanRecv() }

// SendDigit arms the DTMF encoder to interleave RFC 4733 packets into the
// outbound stream (spec §4.7 DTMF).
func (p *Pipeline) SendDigit(digit byte) error {
	return p.dtmf.SendDigit(digit)
}

// Start opens the source/sink and begins the tx tick (spec §4.7 "start").
// sourceFirst controls device open order, configurable per spec because
// some platforms behave differently.
func (p *Pipeline) Start(sourceFirst bool) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	startSource := func() error {
		if p.source == nil {
			return nil
		}
		return p.source.Start(p.onCapture, p.onDeviceError)
	}
	startSink := func() error {
		if p.sinkP == nil {
			return nil
		}
		return p.sinkP.Start(p.onPlayback)
	}

	if sourceFirst {
		if err := startSource(); err != nil {
			return err
		}
		return startSink()
	}
	if err := startSink(); err != nil {
		return err
	}
	return startSource()
}

// Stop tears down source, then sink, then buffers; idempotent (spec §4.7).
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	if p.source != nil {
		_ = p.source.Stop()
	}
	if p.sinkP != nil {
		_ = p.sinkP.Stop()
	}
	p.txBuf.Reset()
	p.rxBuf.Reset()
	p.jitter.Flush()
	p.cancel()
}

func (p *Pipeline) onDeviceError(err error) {
	p.log.Warn("audio device error", "error", err)
}

// onCapture is the tx-path capture callback (spec §4.7 tx steps 1-6).
func (p *Pipeline) onCapture(raw []byte) {
	if p.muted.Load() {
		raw = make([]byte, len(raw))
	}
	p.txBuf.Write(raw)

	p.mu.Lock()
	desc := p.txDesc
	enc := p.txEncoder
	resampler := p.txResampler
	pt := p.txPT
	frameLen := p.txFrameLen
	p.mu.Unlock()
	if enc == nil || frameLen == 0 {
		return
	}

	frameBytes := frameLen * 2
	buf := make([]byte, frameBytes)
	if !p.txBuf.ReadTimed(buf, frameBytes, p.ptime) {
		return
	}
	samples := make([]int16, frameLen)
	pcm.BytesToSamples(samples, buf)

	if resampler != nil {
		samples = resampler.Process(samples, nil)
	}
	for _, f := range p.encChain {
		f(samples)
	}

	out := make([]byte, 4096)
	n, err := enc.Encode(samples, out)
	if err != nil {
		p.log.Warn("encode failed", "error", err)
		return
	}

	step := uint32(len(samples))
	if desc.TimestampDivisor > 1 {
		step /= uint32(desc.TimestampDivisor)
	}
	p.mu.Lock()
	p.txTS += step
	ts := p.txTS
	p.mu.Unlock()

	if p.canSend() {
		if err := p.stream.Send(false, pt, ts, out[:n]); err != nil {
			p.log.Warn("rtp send failed", "error", err)
		}
	}

	p.sendPendingDTMF()
}

// sendPendingDTMF interleaves one RFC 4733 event packet per tick while a
// digit is held, on the configured telephone-event payload type. Suppressed
// the same way ordinary audio tx is, per the local direction gate.
//
// All packetsPerEvent repeats of one event share a single RTP timestamp,
// latched when the event starts (RFC 4733 §2.3: "sender ... keeps sending
// the event packet, with the RTP timestamp field fixed at the value of the
// initial packet"); only the sequence number advances across the repeats,
// which rtpstream.Send already does on every call.
func (p *Pipeline) sendPendingDTMF() {
	if !p.canSend() {
		return
	}
	buf := make([]byte, 4)
	marker, ok := p.dtmf.Poll(buf)
	if !ok {
		return
	}
	p.mu.Lock()
	if marker {
		p.dtmfAnchor = p.txTS
	}
	ts := p.dtmfAnchor
	p.mu.Unlock()
	if err := p.stream.Send(marker, p.televPT, ts, buf); err != nil {
		p.log.Warn("dtmf send failed", "error", err)
	}
}

// onPlayback is the rx-path playback pull callback (spec §4.5 "Audio
// sink"), draining the rx buffer; false signals silence.
func (p *Pipeline) onPlayback(dst []byte) bool {
	return p.rxBuf.ReadTimed(dst, len(dst), p.ptime)
}

// handleRTP is the RTP receive callback (spec §4.7 rx steps 1-6). Dropped
// outright, before even reaching the jitter buffer, when the local
// direction lacks recv (spec §4.9) — mirrors stream_hold's local-only gate.
func (p *Pipeline) handleRTP(_ net.Addr, header *rtp.Header, payload []byte) {
	if !p.canRecv() {
		return
	}
	if header.PayloadType == p.televPT {
		code, end, err := p.dtmfDec.Recv(payload)
		if err == nil {
			p.log.Debug("dtmf event", "code", code, "end", end)
		}
		return
	}
	if header.PayloadType == ComfortNoisePT {
		return
	}

	p.mu.Lock()
	if header.PayloadType != p.rxPT && p.lookupFormat != nil {
		if d, fmtp, ok := p.lookupFormat(header.PayloadType); ok {
			p.mu.Unlock()
			if err := p.SetDecoder(d, header.PayloadType, fmtp); err != nil {
				p.log.Warn("decoder swap failed", "error", err)
				return
			}
			p.mu.Lock()
		}
	}
	sameFormat := header.PayloadType == p.rxPT
	p.mu.Unlock()
	if !sameFormat {
		// Payload-type renegotiation edge case (spec §4.7): drop until a
		// re-INVITE brings a matching local format.
		return
	}

	p.jitter.Put(jitterbuf.Header{
		SequenceNumber: header.SequenceNumber,
		Timestamp:      header.Timestamp,
		PayloadType:    header.PayloadType,
		Marker:         header.Marker,
	}, payload)

	for {
		pkt, ok := p.jitter.Get()
		if !ok {
			break
		}
		p.decodeAndBuffer(pkt.Payload)
	}
}

func (p *Pipeline) decodeAndBuffer(coded []byte) {
	p.mu.Lock()
	dec := p.rxDecoder
	desc := p.rxDesc
	resampler := p.rxResampler
	p.mu.Unlock()
	if dec == nil {
		return
	}

	frameLen := frameSamples(desc.SampleRate, p.ptime)
	samples := make([]int16, frameLen)
	var n int
	var err error
	if len(coded) == 0 {
		n, err = dec.PLC(samples)
		if err != nil {
			// No PLC support: emit zero-length, i.e. nothing for this tick
			// (spec §4.7 "else emit zero-length").
			return
		}
	} else {
		n, err = dec.Decode(coded, samples)
		if err != nil {
			p.log.Warn("decode failed", "error", err)
			return
		}
	}
	samples = samples[:n]

	for i := len(p.decChain) - 1; i >= 0; i-- {
		p.decChain[i](samples)
	}

	if resampler != nil {
		samples = resampler.Process(samples, nil)
	}

	out := make([]byte, len(samples)*2)
	pcm.SamplesToBytes(out, samples)
	p.rxBuf.Write(out)
}
