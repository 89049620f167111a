package audiopipe

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/baresip-go/mediacore/internal/codec"
	"github.com/baresip-go/mediacore/internal/rtpstream"
	"github.com/baresip-go/mediacore/internal/sdpneg"
	"github.com/baresip-go/mediacore/internal/sink"
)

// identityCodec is a test-only codec that passes PCM16 through unchanged,
// standing in for a real descriptor's vtable.
type identityEncoder struct{}

func (identityEncoder) Encode(in []int16, out []byte) (int, error) {
	for i, s := range in {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return len(in) * 2, nil
}

type identityDecoder struct{}

func (identityDecoder) Decode(in []byte, out []int16) (int, error) {
	n := len(in) / 2
	for i := 0; i < n; i++ {
		out[i] = int16(in[2*i]) | int16(in[2*i+1])<<8
	}
	return n, nil
}

func (identityDecoder) PLC(out []int16) (int, error) {
	return 0, codec.ErrPLCNotSupported
}

func identityDescriptor(name string, rate int) codec.Descriptor {
	return codec.Descriptor{
		Name:             name,
		SampleRate:       rate,
		Channels:         1,
		TimestampDivisor: 1,
		EncodeInit: func(codec.EncodeParams, string) (codec.Encoder, error) {
			return identityEncoder{}, nil
		},
		DecodeInit: func(codec.EncodeParams, string) (codec.Decoder, error) {
			return identityDecoder{}, nil
		},
	}
}

func newLoopbackStream(t *testing.T) (*rtpstream.Stream, *rtpstream.Stream) {
	t.Helper()
	a, err := rtpstream.New(net.ParseIP("127.0.0.1"), 0, true)
	require.NoError(t, err)
	b, err := rtpstream.New(net.ParseIP("127.0.0.1"), 0, true)
	require.NoError(t, err)
	a.SetRemote(b.LocalRTPAddr().(*net.UDPAddr), nil)
	b.SetRemote(a.LocalRTPAddr().(*net.UDPAddr), nil)
	return a, b
}

func TestMuteZeroesCapturedAudio(t *testing.T) {
	stream, peer := newLoopbackStream(t)
	defer stream.Stop()
	defer peer.Stop()
	got := make(chan []byte, 1)
	peer.OnRx(func(_ net.Addr, _ *rtp.Header, payload []byte) {
		select {
		case got <- append([]byte(nil), payload...):
		default:
		}
	})
	stream.Start("a")
	peer.Start("b")

	p := New(Config{Stream: stream, DSPRate: 8000, DSPChannels: 1, PacketTime: 20 * time.Millisecond})
	require.NoError(t, p.SetEncoder(identityDescriptor("test", 8000), 97, ""))
	p.Mute(true)

	frame := make([]byte, 320)
	for i := range frame {
		frame[i] = 0xAB
	}
	p.onCapture(frame)

	fill := p.txBuf.CurrentFill()
	require.Zero(t, fill, "muted capture should leave nothing but zeros behind, already drained into one frame")

	select {
	case wire := <-got:
		require.Equal(t, make([]byte, 320), wire, "muted capture must reach the wire as zeros")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the muted frame")
	}
}

func TestTxTimestampStepsByFrameSamples(t *testing.T) {
	stream, peer := newLoopbackStream(t)
	defer stream.Stop()
	defer peer.Stop()
	stream.Start("a")
	peer.Start("b")

	p := New(Config{Stream: stream, DSPRate: 8000, DSPChannels: 1, PacketTime: 20 * time.Millisecond})
	require.NoError(t, p.SetEncoder(identityDescriptor("test", 8000), 97, ""))

	frame := make([]byte, 320)
	p.onCapture(frame)
	require.Equal(t, uint32(160), p.txTS)
	p.onCapture(frame)
	require.Equal(t, uint32(320), p.txTS)
}

func TestTxTimestampHalvedForG722LikeDivisor(t *testing.T) {
	stream, peer := newLoopbackStream(t)
	defer stream.Stop()
	defer peer.Stop()
	stream.Start("a")
	peer.Start("b")

	p := New(Config{Stream: stream, DSPRate: 16000, DSPChannels: 1, PacketTime: 20 * time.Millisecond})
	d := identityDescriptor("g722like", 16000)
	d.TimestampDivisor = 2
	require.NoError(t, p.SetEncoder(d, 9, ""))

	frame := make([]byte, 640) // 320 samples @ 16kHz/20ms
	p.onCapture(frame)
	require.Equal(t, uint32(160), p.txTS, "RFC 3551 G.722 anomaly: RTP clock runs at half the sample rate")
}

func TestComfortNoisePayloadIsDropped(t *testing.T) {
	stream, peer := newLoopbackStream(t)
	defer stream.Stop()
	defer peer.Stop()

	p := New(Config{Stream: peer, DSPRate: 8000, DSPChannels: 1, PacketTime: 20 * time.Millisecond})
	require.NoError(t, p.SetDecoder(identityDescriptor("test", 8000), 97, ""))

	stream.Start("a")
	peer.Start("b")

	require.NoError(t, stream.Send(false, ComfortNoisePT, 0, []byte{1, 2, 3, 4}))
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, p.rxBuf.CurrentFill())
}

func TestRxDecodesOrderedPacketsIntoBuffer(t *testing.T) {
	stream, peer := newLoopbackStream(t)
	defer stream.Stop()
	defer peer.Stop()

	p := New(Config{Stream: peer, DSPRate: 8000, DSPChannels: 1, PacketTime: 20 * time.Millisecond, JitterMin: 1, JitterMax: 5})
	require.NoError(t, p.SetDecoder(identityDescriptor("test", 8000), 97, ""))

	stream.Start("a")
	peer.Start("b")

	payload := make([]byte, 320)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, stream.Send(false, 97, 0, payload))

	require.Eventually(t, func() bool {
		return p.rxBuf.CurrentFill() >= len(payload)
	}, time.Second, 5*time.Millisecond)
}

func TestSendDigitInterleavesDTMFPacket(t *testing.T) {
	stream, peer := newLoopbackStream(t)
	defer stream.Stop()
	defer peer.Stop()
	stream.Start("a")
	peer.Start("b")

	var gotPT uint8
	done := make(chan struct{}, 1)
	peer.OnRx(func(_ net.Addr, h *rtp.Header, payload []byte) {
		gotPT = h.PayloadType
		select {
		case done <- struct{}{}:
		default:
		}
	})

	p := New(Config{Stream: stream, DSPRate: 8000, DSPChannels: 1, PacketTime: 20 * time.Millisecond, TelevPT: 101})
	require.NoError(t, p.SendDigit('5'))
	p.sendPendingDTMF()

	select {
	case <-done:
		require.Equal(t, uint8(101), gotPT)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dtmf packet")
	}
}

func TestDTMFRepeatsShareOneAnchorTimestamp(t *testing.T) {
	stream, peer := newLoopbackStream(t)
	defer stream.Stop()
	defer peer.Stop()
	stream.Start("a")
	peer.Start("b")

	type pkt struct {
		ts     uint32
		marker bool
	}
	got := make(chan pkt, 8)
	peer.OnRx(func(_ net.Addr, h *rtp.Header, _ []byte) {
		if h.PayloadType != 101 {
			return // ignore the interleaved PCM packets, only DTMF matters here
		}
		got <- pkt{ts: h.Timestamp, marker: h.Marker}
	})

	p := New(Config{Stream: stream, DSPRate: 8000, DSPChannels: 1, PacketTime: 20 * time.Millisecond, TelevPT: 101})
	require.NoError(t, p.SetEncoder(identityDescriptor("test", 8000), 97, ""))
	require.NoError(t, p.SendDigit('7'))

	frame := make([]byte, 320)
	for i := 0; i < 3; i++ {
		p.onCapture(frame)
	}

	var tsSeen []uint32
	var markers []bool
	for i := 0; i < 3; i++ {
		select {
		case pk := <-got:
			tsSeen = append(tsSeen, pk.ts)
			markers = append(markers, pk.marker)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for dtmf repeat")
		}
	}
	require.Equal(t, []uint32{tsSeen[0], tsSeen[0], tsSeen[0]}, tsSeen,
		"all repeats of one DTMF event must share one anchor timestamp (RFC 4733 §2.3)")
	require.Equal(t, []bool{true, false, false}, markers)
}

func TestHoldSilencesRxButTxContinues(t *testing.T) {
	stream, peer := newLoopbackStream(t)
	defer stream.Stop()
	defer peer.Stop()

	tx := New(Config{Stream: stream, DSPRate: 8000, DSPChannels: 1, PacketTime: 20 * time.Millisecond})
	require.NoError(t, tx.SetEncoder(identityDescriptor("test", 8000), 97, ""))

	rx := New(Config{Stream: peer, DSPRate: 8000, DSPChannels: 1, PacketTime: 20 * time.Millisecond, JitterMin: 1, JitterMax: 5})
	require.NoError(t, rx.SetDecoder(identityDescriptor("test", 8000), 97, ""))

	stream.Start("a")
	peer.Start("b")

	// Hold: our local direction goes sendonly, so we keep sending but stop
	// decoding whatever the peer sends us.
	tx.SetDirection(sdpneg.SendOnly)
	rx.SetDirection(sdpneg.SendOnly)

	frame := make([]byte, 320)
	for i := range frame {
		frame[i] = 0xCD
	}
	tx.onCapture(frame)

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, rx.rxBuf.CurrentFill(),
		"local direction lacking recv must silence decode before it reaches the sink")

	// Resume: both directions flow again.
	rx.SetDirection(sdpneg.SendRecv)
	tx.onCapture(frame)
	require.Eventually(t, func() bool {
		return rx.rxBuf.CurrentFill() > 0
	}, time.Second, 5*time.Millisecond)
}

func TestAudioSinkFakeIntegration(t *testing.T) {
	s := &sink.FakeAudioSink{FrameBytes: 320, Period: 5 * time.Millisecond}
	require.NoError(t, s.Start(func(dst []byte) bool { return true }))
	defer s.Stop()
	require.Eventually(t, func() bool { return s.Pulls() > 0 }, time.Second, 2*time.Millisecond)
}
