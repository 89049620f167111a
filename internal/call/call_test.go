package call

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/require"

	"github.com/baresip-go/mediacore/internal/audiopipe"
	"github.com/baresip-go/mediacore/internal/codec"
	"github.com/baresip-go/mediacore/internal/rtpstream"
	"github.com/baresip-go/mediacore/internal/sdpneg"
	"github.com/baresip-go/mediacore/internal/videopipe"
)

// fakeDialog is a minimal extsip.Dialog for exercising the inbound path
// without a real diago session.
type fakeDialog struct {
	mu         sync.Mutex
	remoteURI  string
	offerBody  []byte
	tryingN    int
	ringingN   int
	answeredN  int
	byeN       int
	closedN    int
	answerErr  error
}

func (f *fakeDialog) Context() context.Context  { return context.Background() }
func (f *fakeDialog) RemoteURI() string         { return f.remoteURI }
func (f *fakeDialog) LocalURI() string          { return "sip:local@example.test" }
func (f *fakeDialog) RemoteOfferSDP() []byte    { return f.offerBody }
func (f *fakeDialog) Trying() error             { f.mu.Lock(); defer f.mu.Unlock(); f.tryingN++; return nil }
func (f *fakeDialog) Ringing() error            { f.mu.Lock(); defer f.mu.Unlock(); f.ringingN++; return nil }
func (f *fakeDialog) Progress() error           { return nil }
func (f *fakeDialog) Answer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answeredN++
	return f.answerErr
}
func (f *fakeDialog) Bye() error   { f.mu.Lock(); defer f.mu.Unlock(); f.byeN++; return nil }
func (f *fakeDialog) Close()       { f.mu.Lock(); defer f.mu.Unlock(); f.closedN++ }

// fakeOutbound is a minimal extsip.OutboundDialog for the outbound path.
type fakeOutbound struct {
	mu      sync.Mutex
	ackN    int
	byeN    int
	closedN int
}

func (f *fakeOutbound) Context() context.Context                   { return context.Background() }
func (f *fakeOutbound) WaitAnswer(ctx context.Context) error        { return nil }
func (f *fakeOutbound) Ack(ctx context.Context) error               { f.mu.Lock(); defer f.mu.Unlock(); f.ackN++; return nil }
func (f *fakeOutbound) Bye(ctx context.Context) error               { f.mu.Lock(); defer f.mu.Unlock(); f.byeN++; return nil }
func (f *fakeOutbound) Close()                                      { f.mu.Lock(); defer f.mu.Unlock(); f.closedN++ }

func testNegotiator() *sdpneg.Negotiator {
	audio := codec.NewRegistry()
	audio.Register(codec.KindAudio, codec.Descriptor{Name: "PCMU", SampleRate: 8000, Channels: 1, StaticPT: 0})
	audio.Register(codec.KindAudio, codec.Descriptor{Name: "opus", SampleRate: 48000, Channels: 2, StaticPT: codec.NoStaticPT})
	return sdpneg.New(sdpneg.Config{Audio: audio, Video: codec.NewVideoRegistry()})
}

func remoteOfferSDP(t *testing.T) []byte {
	t.Helper()
	sd := &sdp.SessionDescription{
		Origin: sdp.Origin{NetworkType: "IN", AddressType: "IP4", UnicastAddress: "203.0.113.5"},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN", AddressType: "IP4",
			Address: &sdp.Address{Address: "203.0.113.5"},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: 40000},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"0"},
				},
			},
		},
	}
	body, err := sd.Marshal()
	require.NoError(t, err)
	return body
}

func TestHandleIncomingThenAnswerReachesEstablished(t *testing.T) {
	var incomingURI string
	var established, closed int
	var closedReason string

	c := New(Config{
		Negotiator: testNegotiator(),
		BuildPipelines: func(media []sdpneg.NegotiatedMedia) (*audiopipe.Pipeline, *videopipe.Pipeline, error) {
			return nil, nil, nil
		},
		Events: Events{
			OnIncoming:    func(uri string) { incomingURI = uri },
			OnEstablished: func() { established++ },
			OnClosed:      func(reason string) { closed++; closedReason = reason },
		},
		RingingTimeout: time.Minute,
	})

	dlg := &fakeDialog{remoteURI: "sip:peer@example.test", offerBody: remoteOfferSDP(t)}
	require.Equal(t, Idle, c.State())

	err := c.HandleIncoming(dlg, map[string]sdpneg.MediaPlan{
		"audio": {Kind: codec.KindAudio, RTPPort: 31000, Direction: sdpneg.SendRecv},
	})
	require.NoError(t, err)
	require.Equal(t, Incoming, c.State())
	require.Equal(t, "sip:peer@example.test", incomingURI)
	require.Equal(t, 1, dlg.tryingN)
	require.Equal(t, 1, dlg.ringingN)

	require.NoError(t, c.Answer())
	require.Equal(t, Established, c.State())
	require.Equal(t, 1, established)
	require.Equal(t, 1, dlg.answeredN)

	c.Terminate("normal clearing")
	require.Equal(t, Terminated, c.State())
	require.Equal(t, 1, closed)
	require.Equal(t, "normal clearing", closedReason)
	require.Equal(t, 1, dlg.byeN)
	require.Equal(t, 1, dlg.closedN)

	// Terminate is idempotent.
	c.Terminate("second call")
	require.Equal(t, 1, closed)
}

func TestAnswerWithoutOfferFails(t *testing.T) {
	c := New(Config{Negotiator: testNegotiator()})
	dlg := &fakeDialog{remoteURI: "sip:peer@example.test"}
	require.NoError(t, c.HandleIncoming(dlg, map[string]sdpneg.MediaPlan{
		"audio": {Kind: codec.KindAudio, RTPPort: 31000, Direction: sdpneg.SendRecv},
	}))
	err := c.Answer()
	require.Error(t, err)
}

func TestRingingTimeoutTerminatesAutomatically(t *testing.T) {
	var closedReason string
	done := make(chan struct{})
	c := New(Config{
		Negotiator: testNegotiator(),
		Events: Events{
			OnClosed: func(reason string) { closedReason = reason; close(done) },
		},
		RingingTimeout: 20 * time.Millisecond,
	})
	dlg := &fakeDialog{remoteURI: "sip:peer@example.test"}
	require.NoError(t, c.HandleIncoming(dlg, map[string]sdpneg.MediaPlan{
		"audio": {Kind: codec.KindAudio, RTPPort: 31000, Direction: sdpneg.SendRecv},
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ringing timeout did not terminate the call")
	}
	require.Equal(t, Terminated, c.State())
	require.Equal(t, "ringing timeout", closedReason)
}

func TestDialThenProvisionalRingingThenAnswered(t *testing.T) {
	var ringing, established int
	c := New(Config{
		Negotiator: testNegotiator(),
		Events: Events{
			OnRinging:     func() { ringing++ },
			OnEstablished: func() { established++ },
		},
	})

	out := &fakeOutbound{}
	offer, err := c.Dial(out, []sdpneg.MediaPlan{{Kind: codec.KindAudio, RTPPort: 31000, Direction: sdpneg.SendRecv}})
	require.NoError(t, err)
	require.NotNil(t, offer)
	require.Equal(t, Outgoing, c.State())

	require.NoError(t, c.OnProvisional(nil))
	require.Equal(t, Ringing, c.State())
	require.Equal(t, 1, ringing)

	answerBody := remoteOfferSDP(t)
	require.NoError(t, c.OnAnswered(context.Background(), answerBody))
	require.Equal(t, Established, c.State())
	require.Equal(t, 1, established)
	require.Equal(t, 1, out.ackN)
}

func TestDialThenEarlyMediaThenAnswered(t *testing.T) {
	var progress, established int
	c := New(Config{
		Negotiator: testNegotiator(),
		Events: Events{
			OnProgress:    func() { progress++ },
			OnEstablished: func() { established++ },
		},
	})

	out := &fakeOutbound{}
	_, err := c.Dial(out, []sdpneg.MediaPlan{{Kind: codec.KindAudio, RTPPort: 31000, Direction: sdpneg.SendRecv}})
	require.NoError(t, err)

	earlyBody := remoteOfferSDP(t)
	require.NoError(t, c.OnProvisional(earlyBody))
	require.Equal(t, Early, c.State())
	require.Equal(t, 1, progress)

	require.NoError(t, c.OnAnswered(context.Background(), nil))
	require.Equal(t, Established, c.State())
	require.Equal(t, 1, established)
	require.Equal(t, 1, out.ackN)
}

func TestHoldAndResumeOnlyWorkWhenEstablished(t *testing.T) {
	c := New(Config{Negotiator: testNegotiator()})
	require.Error(t, c.Hold())

	local, err := rtpstream.New(net.ParseIP("127.0.0.1"), 0, true)
	require.NoError(t, err)
	local.Start("a")
	defer local.Stop()
	audioPipe := audiopipe.New(audiopipe.Config{Stream: local, DSPRate: 8000, DSPChannels: 1, PacketTime: 20 * time.Millisecond})

	dlg := &fakeDialog{remoteURI: "sip:peer@example.test", offerBody: remoteOfferSDP(t)}
	c2 := New(Config{
		Negotiator: testNegotiator(),
		BuildPipelines: func(media []sdpneg.NegotiatedMedia) (*audiopipe.Pipeline, *videopipe.Pipeline, error) {
			return audioPipe, nil, nil
		},
	})
	require.NoError(t, c2.HandleIncoming(dlg, map[string]sdpneg.MediaPlan{
		"audio": {Kind: codec.KindAudio, RTPPort: 31000, Direction: sdpneg.SendRecv},
	}))
	require.NoError(t, c2.Answer())
	require.Equal(t, sdpneg.SendRecv, audioPipe.Direction())

	require.NoError(t, c2.Hold())
	require.Equal(t, sdpneg.SendOnly, audioPipe.Direction(),
		"Hold must reach the running pipeline, not just Controller bookkeeping")

	require.NoError(t, c2.Resume())
	require.Equal(t, sdpneg.SendRecv, audioPipe.Direction())
	// flipping to the direction already in effect is a no-op, not an error.
	require.NoError(t, c2.Resume())
}

func TestReNegotiateRebuildsPipelinesOnlyWhenMediaChanges(t *testing.T) {
	builds := 0
	c := New(Config{
		Negotiator: testNegotiator(),
		BuildPipelines: func(media []sdpneg.NegotiatedMedia) (*audiopipe.Pipeline, *videopipe.Pipeline, error) {
			builds++
			return nil, nil, nil
		},
	})
	dlg := &fakeDialog{remoteURI: "sip:peer@example.test", offerBody: remoteOfferSDP(t)}
	require.NoError(t, c.HandleIncoming(dlg, map[string]sdpneg.MediaPlan{
		"audio": {Kind: codec.KindAudio, RTPPort: 31000, Direction: sdpneg.SendRecv},
	}))
	require.NoError(t, c.Answer())
	require.Equal(t, 1, builds)

	err := c.ReNegotiate(remoteOfferSDP(t), map[string]sdpneg.MediaPlan{
		"audio": {Kind: codec.KindAudio, RTPPort: 31000, Direction: sdpneg.SendRecv},
	})
	require.NoError(t, err)
	require.Equal(t, Established, c.State())
	require.Equal(t, 1, builds, "a re-INVITE with unchanged media must not rebuild pipelines")

	changed := &sdp.SessionDescription{}
	require.NoError(t, changed.Unmarshal(remoteOfferSDP(t)))
	changed.MediaDescriptions[0].MediaName.Formats = []string{"97"}
	changed.MediaDescriptions[0].Attributes = []sdp.Attribute{{Key: "rtpmap", Value: "97 opus/48000/2"}}
	changedBody, err := changed.Marshal()
	require.NoError(t, err)
	require.NoError(t, c.ReNegotiate(changedBody, map[string]sdpneg.MediaPlan{
		"audio": {Kind: codec.KindAudio, RTPPort: 31000, Direction: sdpneg.SendRecv},
	}))
	require.Equal(t, 2, builds, "a re-INVITE switching codec must rebuild pipelines")
}
