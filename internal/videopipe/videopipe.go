// Package videopipe implements the video pipeline (spec C8): source →
// encode → packetize → RTP, and RTP → depacketize → decode → display, with
// RTCP FIR/PLI-driven keyframe requests.
package videopipe

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/baresip-go/mediacore/internal/codec"
	"github.com/baresip-go/mediacore/internal/rtpstream"
	"github.com/baresip-go/mediacore/internal/sdpneg"
	"github.com/baresip-go/mediacore/internal/sink"
)

// ClockRate is the fixed 90kHz RTP clock used for all negotiated video
// codecs (spec §4.8 "90000 / fps").
const ClockRate = 90000

// MaxPacketBytes bounds one RTP video payload (spec §4.8 "packets of <=
// max_packet_bytes").
const MaxPacketBytes = 1200

// Frame is one raw (source) or decoded (display) video frame.
type Frame = sink.VideoFrame

// Encoder produces one coded frame per raw frame; the DSP itself is an
// opaque collaborator (spec non-goals: "individual codec implementations").
// forceKeyframe requests that the next coded frame be a keyframe.
type Encoder interface {
	Encode(frame Frame, forceKeyframe bool) (coded []byte, keyframe bool, err error)
}

// Decoder decodes one assembled frame; valid=false signals a decode
// failure that should trigger a keyframe request (spec §4.8).
type Decoder interface {
	Decode(assembled []byte) (frame Frame, valid bool, err error)
}

// Config configures a new Pipeline.
type Config struct {
	Logger    *slog.Logger
	Stream    *rtpstream.Stream
	Source    sink.VideoSource
	Display   sink.VideoDisplay
	FPS       int
	MaxPacket uint16
	NACKPLI   bool
}

// Pipeline composes the video source, encoder, packetizer, RTP stream,
// depacketizer, decoder, and display.
type Pipeline struct {
	log     *slog.Logger
	stream  *rtpstream.Stream
	source  sink.VideoSource
	display sink.VideoDisplay
	fps     int
	maxPkt  uint16
	nackPLI bool

	mu          sync.Mutex
	txEncoder   Encoder
	txPayloader codec.Payloader
	txPT        uint8
	txTS        uint32
	forceKey    bool

	rxDecoder Decoder
	rxDepay   codec.Depayloader
	rxPT      uint8
	rxSSRC    uint32
	assembled []byte

	frameCount atomic.Uint64
	measured   atomic.Uint32 // last 5s estimate, frames/sec * 100

	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	dir atomic.Int32 // sdpneg.Direction, default SendRecv (zero value)
}

// New creates a video pipeline; codecs are set via SetEncoder/SetDecoder.
func New(cfg Config) *Pipeline {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	fps := cfg.FPS
	if fps <= 0 {
		fps = 25
	}
	maxPkt := cfg.MaxPacket
	if maxPkt == 0 {
		maxPkt = MaxPacketBytes
	}
	p := &Pipeline{
		log:     log,
		stream:  cfg.Stream,
		source:  cfg.Source,
		display: cfg.Display,
		fps:     fps,
		maxPkt:  maxPkt,
		nackPLI: cfg.NACKPLI,
	}
	if cfg.Stream != nil {
		cfg.Stream.OnRx(p.handleRTP)
		cfg.Stream.OnKeyframeRequest(p.OnKeyframeRequested)
		cfg.Stream.SetNACKPLISupported(cfg.NACKPLI)
	}
	return p
}

// SetEncoder (re)creates encoder state and the RTP payloader for the
// negotiated codec (spec §4.8 "set_encoder").
func (p *Pipeline) SetEncoder(enc Encoder, vd codec.VideoDescriptor, pt uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txEncoder = enc
	p.txPayloader = vd.NewPayload()
	p.txPT = pt
}

// SetDecoder (re)creates decoder state and the RTP depayloader (spec §4.8
// "set_decoder").
func (p *Pipeline) SetDecoder(dec Decoder, vd codec.VideoDescriptor, pt uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rxDecoder = dec
	p.rxDepay = vd.NewDepay()
	p.rxPT = pt
	p.assembled = p.assembled[:0]
}

// SetDirection updates the local media direction (spec §4.9: "no tx when
// our local direction lacks send; no decode when it lacks recv"). The
// effect is local and immediate, independent of when a re-INVITE round-trips.
func (p *Pipeline) SetDirection(dir sdpneg.Direction) { p.dir.Store(int32(dir)) }

// Direction returns the pipeline's current local media direction.
func (p *Pipeline) Direction() sdpneg.Direction { return sdpneg.Direction(p.dir.Load()) }

func (p *Pipeline) canSend() bool { return p.Direction().CanSend() }
func (p *Pipeline) canRecv() bool { return p.Direction().CanRecv() }

// RequestKeyframe arms the encoder to mark the next produced frame as a
// keyframe (spec §4.8 keyframe policy: "on explicit user request").
func (p *Pipeline) RequestKeyframe() {
	p.mu.Lock()
	p.forceKey = true
	p.mu.Unlock()
}

// Start opens the source at the negotiated size/fps and the display,
// then begins a 5-second fps estimator timer (spec §4.8 "start").
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.forceKey = true // keyframe on start (spec §4.8 keyframe policy)
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	if p.display != nil {
		if err := p.display.Start(nil); err != nil {
			return err
		}
	}
	if p.source != nil {
		if err := p.source.Start(p.onCapture, p.onDeviceError); err != nil {
			return err
		}
	}

	p.wg.Add(1)
	go p.fpsEstimatorLoop(p.stopCh)
	return nil
}

// Stop tears the pipeline down; idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.stopCh)
	p.mu.Unlock()

	if p.source != nil {
		_ = p.source.Stop()
	}
	if p.display != nil {
		_ = p.display.Stop()
	}
	p.wg.Wait()
}

// fpsEstimatorLoop recomputes the observed capture rate every 5 seconds
// (spec §4.8 "begins a 5-second fps estimator timer").
func (p *Pipeline) fpsEstimatorLoop(stopCh chan struct{}) {
	defer p.wg.Done()
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-t.C:
			n := p.frameCount.Swap(0)
			fps100 := uint32(n * 100 / 5)
			p.measured.Store(fps100)
			p.log.Debug("video capture rate", "fps", float64(fps100)/100)
		}
	}
}

// MeasuredFPS returns the most recent 5-second capture-rate estimate.
func (p *Pipeline) MeasuredFPS() float64 {
	return float64(p.measured.Load()) / 100
}

func (p *Pipeline) onDeviceError(err error) {
	p.log.Warn("video device error", "error", err)
}

// onCapture is the tx-path capture callback (spec §4.8 tx steps 1-3).
func (p *Pipeline) onCapture(frame Frame) {
	p.frameCount.Add(1)
	p.mu.Lock()
	enc := p.txEncoder
	payloader := p.txPayloader
	pt := p.txPT
	wantKey := p.forceKey
	p.forceKey = false
	p.mu.Unlock()
	if enc == nil || payloader == nil {
		return
	}

	coded, _, err := enc.Encode(frame, wantKey)
	if err != nil {
		p.log.Warn("video encode failed", "error", err)
		return
	}

	packets := payloader.Payload(p.maxPkt, coded)
	p.mu.Lock()
	p.txTS += uint32(ClockRate / p.fps)
	ts := p.txTS
	p.mu.Unlock()

	if !p.canSend() {
		return
	}
	for i, payload := range packets {
		marker := i == len(packets)-1
		if err := p.stream.Send(marker, pt, ts, payload); err != nil {
			p.log.Warn("video rtp send failed", "error", err)
			return
		}
	}
}

// handleRTP is the rx-path RTP receive callback (spec §4.8 rx steps 1-3).
// Dropped outright when the local direction lacks recv (spec §4.9).
func (p *Pipeline) handleRTP(_ net.Addr, header *rtp.Header, payload []byte) {
	if !p.canRecv() {
		return
	}
	p.mu.Lock()
	if header.PayloadType != p.rxPT || p.rxDepay == nil || p.rxDecoder == nil {
		p.mu.Unlock()
		return
	}
	nal, err := p.rxDepay.Unmarshal(payload)
	if err == nil {
		p.assembled = append(p.assembled, nal...)
	}
	marker := header.Marker
	var assembled []byte
	if marker {
		assembled = p.assembled
		p.assembled = nil
	}
	dec := p.rxDecoder
	ssrc := header.SSRC
	p.mu.Unlock()

	if err != nil {
		p.log.Warn("video depacketize failed", "error", err)
		p.requestKeyframeLocked(ssrc)
		return
	}
	if !marker {
		return
	}

	frame, valid, err := dec.Decode(assembled)
	if err != nil || !valid {
		if err != nil {
			p.log.Warn("video decode failed", "error", err)
		}
		p.requestKeyframeLocked(ssrc)
		return
	}
	if p.display != nil {
		_ = p.display.Display(frame)
	}
}

// requestKeyframeLocked sends FIR or PLI per the peer's advertised
// capability (spec §4.8 "sends an RTCP FIR (or PLI if nack_pli_supported)
// to request a keyframe").
func (p *Pipeline) requestKeyframeLocked(ssrc uint32) {
	if p.stream == nil {
		return
	}
	if err := p.stream.SendKeyframeRequest(ssrc); err != nil {
		p.log.Warn("keyframe request failed", "error", err)
	}
}

// OnKeyframeRequested is called by the owner when an RTCP FIR/PLI arrives
// from the peer, per the keyframe policy's fourth trigger.
func (p *Pipeline) OnKeyframeRequested() {
	p.RequestKeyframe()
}
