package videopipe

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/baresip-go/mediacore/internal/codec"
	"github.com/baresip-go/mediacore/internal/rtpstream"
	"github.com/baresip-go/mediacore/internal/sink"
)

// identityPayloader/identityDepayloader stand in for a real H.264/VP8
// payloader, chunking a coded frame into packets no larger than max.
type identityPayloader struct{}

func (identityPayloader) Payload(max uint16, frame []byte) [][]byte {
	if len(frame) == 0 {
		return nil
	}
	var out [][]byte
	for len(frame) > 0 {
		n := int(max)
		if n > len(frame) {
			n = len(frame)
		}
		out = append(out, frame[:n])
		frame = frame[n:]
	}
	return out
}

type identityDepayloader struct{}

func (identityDepayloader) Unmarshal(packet []byte) ([]byte, error) {
	return packet, nil
}

func identityVideoDescriptor(name string) codec.VideoDescriptor {
	return codec.VideoDescriptor{
		Name:      name,
		ClockRate: ClockRate,
		StaticPT:  codec.NoStaticPT,
		NewPayload: func() codec.Payloader {
			return identityPayloader{}
		},
		NewDepay: func() codec.Depayloader {
			return identityDepayloader{}
		},
	}
}

// fakeEncoder records the forceKeyframe flag it was last asked for and
// echoes the frame's first plane back as the "coded" bytes.
type fakeEncoder struct {
	lastForceKey bool
	failNext     bool
}

func (e *fakeEncoder) Encode(frame Frame, forceKeyframe bool) ([]byte, bool, error) {
	e.lastForceKey = forceKeyframe
	if e.failNext {
		e.failNext = false
		return nil, false, errors.New("encode failed")
	}
	if len(frame.Planes) == 0 {
		return nil, forceKeyframe, nil
	}
	return frame.Planes[0], forceKeyframe, nil
}

// fakeDecoder treats a non-empty assembled buffer as a valid frame, and an
// empty one as a decode failure, to drive the keyframe-request path.
type fakeDecoder struct {
	alwaysInvalid bool
}

func (d *fakeDecoder) Decode(assembled []byte) (Frame, bool, error) {
	if d.alwaysInvalid || len(assembled) == 0 {
		return Frame{}, false, nil
	}
	return Frame{Format: "I420", Width: 2, Height: 2, Planes: [][]byte{assembled}}, true, nil
}

func newLoopbackStreams(t *testing.T) (*rtpstream.Stream, *rtpstream.Stream) {
	t.Helper()
	a, err := rtpstream.New(net.ParseIP("127.0.0.1"), 0, false)
	require.NoError(t, err)
	b, err := rtpstream.New(net.ParseIP("127.0.0.1"), 0, false)
	require.NoError(t, err)
	a.SetRemote(b.LocalRTPAddr().(*net.UDPAddr), nil)
	b.SetRemote(a.LocalRTPAddr().(*net.UDPAddr), nil)
	return a, b
}

func TestOnCaptureSendsPacketsWithMarkerOnLastAndStepsTimestamp(t *testing.T) {
	stream, peer := newLoopbackStreams(t)
	defer stream.Stop()
	defer peer.Stop()
	stream.Start("a")
	peer.Start("b")

	type received struct {
		marker bool
		ts     uint32
	}
	got := make(chan received, 8)
	peer.OnRx(func(_ net.Addr, h *rtp.Header, _ []byte) {
		got <- received{marker: h.Marker, ts: h.Timestamp}
	})

	p := New(Config{Stream: stream, FPS: 25, MaxPacket: 4})
	enc := &fakeEncoder{}
	p.SetEncoder(enc, identityVideoDescriptor("test"), 96)

	frame := Frame{Format: "I420", Width: 2, Height: 2, Planes: [][]byte{[]byte("0123456789")}}
	p.onCapture(frame)

	var markers int
	var lastTS uint32
	for i := 0; i < 3; i++ {
		select {
		case r := <-got:
			if r.marker {
				markers++
			}
			lastTS = r.ts
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for video packets")
		}
	}
	require.Equal(t, 1, markers, "exactly one packet should carry the marker bit")
	require.Equal(t, uint32(ClockRate/25), lastTS)
}

func TestStartForcesKeyframeOnFirstCapturedFrame(t *testing.T) {
	stream, peer := newLoopbackStreams(t)
	defer stream.Stop()
	defer peer.Stop()

	p := New(Config{Stream: stream, Source: &sink.FakeVideoSource{Width: 2, Height: 2, FPS: 50}, FPS: 50})
	enc := &fakeEncoder{}
	p.SetEncoder(enc, identityVideoDescriptor("test"), 96)
	require.NoError(t, p.Start())
	defer p.Stop()
	stream.Start("a")
	peer.Start("b")

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return enc.lastForceKey
	}, time.Second, 2*time.Millisecond)
}

func TestHandleRTPAssemblesAndDisplaysValidFrame(t *testing.T) {
	stream, peer := newLoopbackStreams(t)
	defer stream.Stop()
	defer peer.Stop()

	display := &sink.FakeVideoDisplay{}
	p := New(Config{Stream: peer, Display: display})
	p.SetDecoder(&fakeDecoder{}, identityVideoDescriptor("test"), 96)

	stream.Start("a")
	peer.Start("b")

	payload := []byte("keyframebytes")
	require.NoError(t, stream.Send(true, 96, 0, payload))

	require.Eventually(t, func() bool {
		return display.FrameCount() > 0
	}, time.Second, 2*time.Millisecond)
}

func TestHandleRTPDecodeFailureRequestsKeyframeFromPeer(t *testing.T) {
	stream, peer := newLoopbackStreams(t)
	defer stream.Stop()
	defer peer.Stop()

	// peer decodes (and fails, since alwaysInvalid); stream encodes and
	// should receive a keyframe request once peer's decode fails.
	peerPipeline := New(Config{Stream: peer, Display: &sink.FakeVideoDisplay{}})
	peerPipeline.SetDecoder(&fakeDecoder{alwaysInvalid: true}, identityVideoDescriptor("test"), 96)

	streamPipeline := New(Config{Stream: stream})
	enc := &fakeEncoder{}
	streamPipeline.SetEncoder(enc, identityVideoDescriptor("test"), 96)

	stream.Start("a")
	peer.Start("b")

	require.NoError(t, stream.Send(true, 96, 0, []byte("bad-frame")))

	require.Eventually(t, func() bool {
		streamPipeline.mu.Lock()
		defer streamPipeline.mu.Unlock()
		return streamPipeline.forceKey
	}, time.Second, 2*time.Millisecond, "peer's decode failure should round-trip into a keyframe request honored on the next capture")
}

func TestRequestKeyframeArmsForceKeyOnNextCapture(t *testing.T) {
	stream, peer := newLoopbackStreams(t)
	defer stream.Stop()
	defer peer.Stop()
	stream.Start("a")
	peer.Start("b")

	p := New(Config{Stream: stream, FPS: 25})
	enc := &fakeEncoder{}
	p.SetEncoder(enc, identityVideoDescriptor("test"), 96)

	p.RequestKeyframe()
	p.onCapture(Frame{Planes: [][]byte{[]byte("x")}})
	require.True(t, enc.lastForceKey)

	enc.lastForceKey = false
	p.onCapture(Frame{Planes: [][]byte{[]byte("y")}})
	require.False(t, enc.lastForceKey, "forceKey should clear after being consumed once")
}

func TestMeasuredFPSStartsAtZeroBeforeFirstWindow(t *testing.T) {
	p := New(Config{})
	require.Zero(t, p.MeasuredFPS())
}
