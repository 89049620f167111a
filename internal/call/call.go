// Package call implements the call controller state machine (spec C10):
// Idle -> Outgoing|Incoming -> Ringing|Early -> Established -> Terminated,
// owning one audio and one video pipeline per call and driving SDP
// negotiation and SIP signaling through the extsip/sdpneg collaborators.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"

	"github.com/baresip-go/mediacore/internal/audiopipe"
	"github.com/baresip-go/mediacore/internal/codec"
	"github.com/baresip-go/mediacore/internal/extsip"
	"github.com/baresip-go/mediacore/internal/sdpneg"
	"github.com/baresip-go/mediacore/internal/videopipe"
)

// State is one node of the call controller's state machine (spec §4.10).
type State int

const (
	Idle State = iota
	Outgoing
	Incoming
	Ringing
	Early
	Established
	Terminated
)

func (s State) String() string {
	switch s {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	case Ringing:
		return "ringing"
	case Early:
		return "early"
	case Established:
		return "established"
	case Terminated:
		return "terminated"
	default:
		return "idle"
	}
}

// DefaultRingingTimeout is the spec's incoming-call ringing timeout
// (spec §4.10 "Incoming-call ringing timeout: 120 s").
const DefaultRingingTimeout = 120 * time.Second

// PipelineFactory builds the audio/video pipelines once media has been
// negotiated. Codec/device selection (which encoder, which capture
// device) is the caller's concern per the spec's non-goals; the
// controller only starts/stops whatever it is handed.
type PipelineFactory func(media []sdpneg.NegotiatedMedia) (audio *audiopipe.Pipeline, video *videopipe.Pipeline, err error)

// Events are the call lifecycle notifications emitted to the external
// controller (spec §6 "Call events emitted to the external controller").
// Any field left nil is simply not invoked.
type Events struct {
	OnIncoming    func(peerURI string)
	OnRinging     func()
	OnProgress    func()
	OnEstablished func()
	OnClosed      func(reason string)
}

// Controller drives one call's lifecycle.
type Controller struct {
	mu    sync.Mutex
	id    string
	log   *slog.Logger
	neg   *sdpneg.Negotiator
	build PipelineFactory
	ev    Events

	state State

	dialog   extsip.Dialog
	outbound extsip.OutboundDialog

	ringTimeout time.Duration
	ringTimer   *time.Timer

	audio *audiopipe.Pipeline
	video *videopipe.Pipeline

	localDir   sdpneg.Direction
	negotiated []sdpneg.NegotiatedMedia
	sessionID  uint64
	sessVer    uint64

	pendingOffer       *sdp.SessionDescription
	pendingAnswerPlans map[string]sdpneg.MediaPlan

	terminated bool
}

// Config configures a new Controller.
type Config struct {
	Logger          *slog.Logger
	Negotiator      *sdpneg.Negotiator
	BuildPipelines  PipelineFactory
	Events          Events
	RingingTimeout  time.Duration
}

// New creates an idle call controller.
func New(cfg Config) *Controller {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	ringTimeout := cfg.RingingTimeout
	if ringTimeout <= 0 {
		ringTimeout = DefaultRingingTimeout
	}
	return &Controller{
		id:          uuid.NewString(),
		log:         log,
		neg:         cfg.Negotiator,
		build:       cfg.BuildPipelines,
		ev:          cfg.Events,
		state:       Idle,
		ringTimeout: ringTimeout,
		localDir:    sdpneg.SendRecv,
		sessionID:   uint64(time.Now().UnixNano()),
		sessVer:     1,
	}
}

// ID returns the controller's call identifier.
func (c *Controller) ID() string { return c.id }

// State returns the current state under lock.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.log.Info("call state transition", "call_id", c.id, "from", c.state, "to", s)
	c.state = s
}

// HandleIncoming processes a peer INVITE (spec §4.10 "Idle -> peer INVITE
// -> Incoming"). If the INVITE carried an SDP body, it is decoded now;
// pipelines are not opened until Answer.
func (c *Controller) HandleIncoming(dialog extsip.Dialog, plans map[string]sdpneg.MediaPlan) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return fmt.Errorf("call: HandleIncoming called in state %s", c.state)
	}
	c.dialog = dialog
	c.setState(Incoming)
	if c.ev.OnIncoming != nil {
		c.ev.OnIncoming(dialog.RemoteURI())
	}

	if err := dialog.Trying(); err != nil {
		c.log.Warn("sip trying failed", "call_id", c.id, "error", err)
	}
	if err := dialog.Ringing(); err != nil {
		c.log.Warn("sip ringing failed", "call_id", c.id, "error", err)
	}

	c.pendingAnswerPlans = plans
	if body := dialog.RemoteOfferSDP(); len(body) > 0 {
		remote, err := decodeSDP(body)
		if err != nil {
			return fmt.Errorf("call: decode remote offer: %w", err)
		}
		c.pendingOffer = remote
	}

	c.ringTimer = time.AfterFunc(c.ringTimeout, c.onRingingTimeout)
	return nil
}

func (c *Controller) onRingingTimeout() {
	c.log.Info("call: ringing timeout, synthesizing local close", "call_id", c.id)
	c.Terminate("ringing timeout")
}

// Answer accepts an incoming call (spec §4.10 "Incoming -> user answers ->
// Established: encode SDP answer; open pipelines").
func (c *Controller) Answer() error {
	c.mu.Lock()
	if c.state != Incoming {
		c.mu.Unlock()
		return fmt.Errorf("call: Answer called in state %s", c.state)
	}
	if c.ringTimer != nil {
		c.ringTimer.Stop()
	}
	offer := c.pendingOffer
	plans := c.pendingAnswerPlans
	dialog := c.dialog
	c.mu.Unlock()

	if offer == nil {
		return errors.New("call: no remote offer to answer")
	}

	answerSDP, negotiated, err := c.neg.Answer(offer, c.sessionID, c.sessVer, plans)
	if err != nil {
		return fmt.Errorf("call: build answer: %w", err)
	}
	if len(negotiated) == 0 {
		return errors.New("call: no common codec with remote offer")
	}

	if err := c.openPipelines(negotiated); err != nil {
		return fmt.Errorf("call: open pipelines: %w", err)
	}

	answerBody, err := answerSDP.Marshal()
	if err != nil {
		c.teardownPipelines()
		return fmt.Errorf("call: marshal answer: %w", err)
	}
	c.log.Debug("call: sdp answer built", "call_id", c.id, "bytes", len(answerBody))
	if err := dialog.Answer(); err != nil {
		c.teardownPipelines()
		return fmt.Errorf("call: sip answer: %w", err)
	}

	c.mu.Lock()
	c.negotiated = negotiated
	c.setState(Established)
	c.mu.Unlock()
	if c.ev.OnEstablished != nil {
		c.ev.OnEstablished()
	}
	return nil
}

// Dial places an outbound call (spec §4.10 "Idle -> user dials -> Outgoing:
// build offer; do not open devices yet").
func (c *Controller) Dial(outbound extsip.OutboundDialog, plans []sdpneg.MediaPlan) (*sdp.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return nil, fmt.Errorf("call: Dial called in state %s", c.state)
	}
	offer, err := c.neg.BuildOffer(c.sessionID, c.sessVer, plans)
	if err != nil {
		return nil, fmt.Errorf("call: build offer: %w", err)
	}
	c.outbound = outbound
	c.setState(Outgoing)
	return offer, nil
}

// OnProvisional processes a 180/183 response to an outbound INVITE (spec
// §4.10 "Outgoing -> 180 (no SDP) -> Ringing: play local ringback" /
// "Outgoing -> 183 with SDP -> Early: open pipelines as sendrecv per
// negotiation").
func (c *Controller) OnProvisional(sdpBody []byte) error {
	c.mu.Lock()
	if c.state != Outgoing {
		c.mu.Unlock()
		return fmt.Errorf("call: OnProvisional called in state %s", c.state)
	}
	c.mu.Unlock()

	if len(sdpBody) == 0 {
		c.mu.Lock()
		c.setState(Ringing)
		c.mu.Unlock()
		if c.ev.OnRinging != nil {
			c.ev.OnRinging()
		}
		return nil
	}

	remote, err := decodeSDP(sdpBody)
	if err != nil {
		return fmt.Errorf("call: decode early-media answer: %w", err)
	}
	negotiated, err := c.neg.DecodeAnswer(remote)
	if err != nil {
		return fmt.Errorf("call: decode early-media answer: %w", err)
	}
	if err := c.openPipelines(negotiated); err != nil {
		return fmt.Errorf("call: open early-media pipelines: %w", err)
	}

	c.mu.Lock()
	c.negotiated = negotiated
	c.setState(Early)
	c.mu.Unlock()
	if c.ev.OnProgress != nil {
		c.ev.OnProgress()
	}
	return nil
}

// OnAnswered processes the final 200 OK to an outbound INVITE, completing
// the Outgoing/Ringing/Early -> Established transition.
func (c *Controller) OnAnswered(ctx context.Context, sdpBody []byte) error {
	c.mu.Lock()
	state := c.state
	outbound := c.outbound
	already := len(c.negotiated) > 0
	c.mu.Unlock()
	if state != Outgoing && state != Ringing && state != Early {
		return fmt.Errorf("call: OnAnswered called in state %s", state)
	}

	if !already {
		remote, err := decodeSDP(sdpBody)
		if err != nil {
			return fmt.Errorf("call: decode answer: %w", err)
		}
		negotiated, err := c.neg.DecodeAnswer(remote)
		if err != nil {
			return fmt.Errorf("call: decode answer: %w", err)
		}
		if err := c.openPipelines(negotiated); err != nil {
			return fmt.Errorf("call: open pipelines: %w", err)
		}
		c.mu.Lock()
		c.negotiated = negotiated
		c.mu.Unlock()
	}

	if outbound != nil {
		if err := outbound.Ack(ctx); err != nil {
			return fmt.Errorf("call: ack: %w", err)
		}
	}

	c.mu.Lock()
	c.setState(Established)
	c.mu.Unlock()
	if c.ev.OnEstablished != nil {
		c.ev.OnEstablished()
	}
	return nil
}

// ReNegotiate processes a re-INVITE while Established (spec §4.10
// "Established -> peer re-INVITE with SDP -> Established: re-negotiate;
// swap codecs if changed; swap devices if sample rate changed").
func (c *Controller) ReNegotiate(sdpBody []byte, plans map[string]sdpneg.MediaPlan) error {
	c.mu.Lock()
	if c.state != Established {
		c.mu.Unlock()
		return fmt.Errorf("call: ReNegotiate called in state %s", c.state)
	}
	prior := c.negotiated
	c.sessVer++
	sessionID, sessVer := c.sessionID, c.sessVer
	c.mu.Unlock()

	remote, err := decodeSDP(sdpBody)
	if err != nil {
		return fmt.Errorf("call: decode re-invite offer: %w", err)
	}
	_, negotiated, err := c.neg.Answer(remote, sessionID, sessVer, plans)
	if err != nil {
		return fmt.Errorf("call: re-negotiate: %w", err)
	}

	if mediaChanged(prior, negotiated) {
		c.teardownPipelines()
		if err := c.openPipelines(negotiated); err != nil {
			return fmt.Errorf("call: rebuild pipelines after re-negotiation: %w", err)
		}
	}

	c.mu.Lock()
	c.negotiated = negotiated
	c.mu.Unlock()
	return nil
}

// mediaChanged reports whether the negotiated codec/rate for any media
// kind changed, which per spec requires swapping codecs/devices rather
// than merely continuing with the existing pipeline.
func mediaChanged(prior, next []sdpneg.NegotiatedMedia) bool {
	if len(prior) != len(next) {
		return true
	}
	for i := range next {
		p, n := prior[i], next[i]
		if p.Kind != n.Kind || p.PT != n.PT {
			return true
		}
		if n.Kind == codec.KindAudio && p.Audio.SampleRate != n.Audio.SampleRate {
			return true
		}
	}
	return false
}

// Hold flips the local direction to sendonly (spec §4.10 "Established ->
// local hold -> Established: set sendonly, re-INVITE"). Resume flips it
// back. The pipelines apply the new direction immediately — tx keeps
// flowing, rx is silenced before it reaches the jitter buffer (spec §4.9)
// — independent of when the actual SIP re-INVITE round-trips; sending that
// re-INVITE is the caller's extsip responsibility, not this controller's.
func (c *Controller) Hold() error   { return c.setLocalDirection(sdpneg.SendOnly) }
func (c *Controller) Resume() error { return c.setLocalDirection(sdpneg.SendRecv) }

func (c *Controller) setLocalDirection(dir sdpneg.Direction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Established {
		return fmt.Errorf("call: hold/resume called in state %s", c.state)
	}
	if c.localDir == dir {
		return nil
	}
	c.localDir = dir
	c.sessVer++
	if c.audio != nil {
		c.audio.SetDirection(dir)
	}
	if c.video != nil {
		c.video.SetDirection(dir)
	}
	return nil
}

// Terminate tears the call down from any state; idempotent (spec §4.10
// "any -> bye/timeout/fatal -> Terminated: stop pipelines idempotently").
func (c *Controller) Terminate(reason string) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	if c.ringTimer != nil {
		c.ringTimer.Stop()
	}
	dialog := c.dialog
	outbound := c.outbound
	c.setState(Terminated)
	c.mu.Unlock()

	c.teardownPipelines()

	if dialog != nil {
		_ = dialog.Bye()
		dialog.Close()
	}
	if outbound != nil {
		outbound.Close()
	}

	if c.ev.OnClosed != nil {
		c.ev.OnClosed(reason)
	}
}

// openPipelines builds and starts the audio/video pipelines for the
// negotiated media (spec §4.10 media action "open pipelines").
func (c *Controller) openPipelines(media []sdpneg.NegotiatedMedia) error {
	if c.build == nil {
		return nil
	}
	audio, video, err := c.build(media)
	if err != nil {
		return err
	}

	c.mu.Lock()
	dir := c.localDir
	c.mu.Unlock()
	if audio != nil {
		audio.SetDirection(dir)
	}
	if video != nil {
		video.SetDirection(dir)
	}

	if audio != nil {
		if err := audio.Start(true); err != nil {
			return err
		}
	}
	if video != nil {
		if err := video.Start(); err != nil {
			if audio != nil {
				audio.Stop()
			}
			return err
		}
	}
	c.mu.Lock()
	c.audio = audio
	c.video = video
	c.mu.Unlock()
	return nil
}

// teardownPipelines stops the capture sink first, then the playback sink,
// then drains/frees buffers (spec §5 "Cancellation & shutdown"); both
// pipeline Stop methods are already internally idempotent and ordered
// this way.
func (c *Controller) teardownPipelines() {
	c.mu.Lock()
	audio, video := c.audio, c.video
	c.audio, c.video = nil, nil
	c.mu.Unlock()

	if audio != nil {
		audio.Stop()
	}
	if video != nil {
		video.Stop()
	}
}

func decodeSDP(body []byte) (*sdp.SessionDescription, error) {
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal(body); err != nil {
		return nil, err
	}
	return sd, nil
}
