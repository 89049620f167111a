// Package rtpstream implements the per-pipeline-direction RTP/RTCP socket
// pair (spec C6): send/receive, SSRC and loss tracking, periodic SR/RR,
// FIR/PLI keyframe requests, and keep-alive.
package rtpstream

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/srtp/v3"
	"golang.org/x/time/rate"
)

// RTPBufSize is the receive buffer size; 1500 covers the common Ethernet
// MTU (grounded on diago's media.RTPBufSize convention).
var RTPBufSize = 1500

// keepAliveIdle and keepAlivePeriod implement spec §4.6 keep-alive timing.
const (
	keepAliveIdle   = 7500 * time.Millisecond
	keepAlivePeriod = 15 * time.Second
)

// OnRxFunc is invoked per received RTP packet on the reactor thread.
type OnRxFunc func(sourceAddr net.Addr, header *rtp.Header, payload []byte)

// OnSSRCChangeFunc notifies the owner that the remote SSRC changed, so it
// can flush its jitter buffer (spec §4.6).
type OnSSRCChangeFunc func(oldSSRC, newSSRC uint32)

// OnKeyframeRequestFunc notifies the owner that the peer sent an RTCP
// FIR or PLI, asking for a keyframe (spec §4.8 keyframe policy).
type OnKeyframeRequestFunc func()

// Stats mirrors the tx/rx counters the stream maintains.
type Stats struct {
	TxPackets uint64
	TxBytes   uint64
	RxPackets uint64
	RxBytes   uint64
	Lost      uint64
}

// Stream owns one UDP RTP socket and, unless rtcp-mux is in effect, one
// RTCP socket at RTP-port+1.
type Stream struct {
	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn // nil when rtcp-mux

	remoteRTPAddr  atomic.Pointer[net.UDPAddr]
	remoteRTCPAddr atomic.Pointer[net.UDPAddr]

	ssrc    uint32
	seq     uint16
	cname   string
	keepPT  uint8
	hasKeep bool

	mu          sync.Mutex
	remoteSSRC  uint32
	haveRemote  bool
	lastSeqSeen uint16
	onRx        OnRxFunc
	onSSRC      OnSSRCChangeFunc
	onKeyframe  OnKeyframeRequestFunc
	nackPLI     bool

	firSeq uint8

	stats Stats

	lastTxAt atomic.Int64 // unix nano

	srtpMu     sync.Mutex
	localSRTP  *srtp.Context
	remoteSRTP *srtp.Context

	keepAliveLimiter *rate.Limiter

	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	startMu  sync.Mutex
}

// New opens an RTP (and, unless rtcpMux, RTCP) socket pair bound to
// localIP on localRTPPort. RTCP, when present, binds to the bound RTP
// port+1, also when localRTPPort is 0 (spec §4.6 "Port allocation").
func New(localIP net.IP, localRTPPort int, rtcpMux bool) (*Stream, error) {
	ssrc, err := randomSSRC()
	if err != nil {
		return nil, err
	}

	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: localIP, Port: localRTPPort})
	if err != nil {
		return nil, fmt.Errorf("rtpstream: listen rtp: %w", err)
	}

	s := &Stream{
		rtpConn:          rtpConn,
		ssrc:             ssrc,
		stopCh:           make(chan struct{}),
		keepAliveLimiter: rate.NewLimiter(rate.Every(keepAlivePeriod), 1),
	}

	if !rtcpMux {
		rtcpPort := rtpConn.LocalAddr().(*net.UDPAddr).Port + 1
		rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: localIP, Port: rtcpPort})
		if err != nil {
			rtpConn.Close()
			return nil, fmt.Errorf("rtpstream: listen rtcp: %w", err)
		}
		s.rtcpConn = rtcpConn
	}

	return s, nil
}

func randomSSRC() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// LocalRTPAddr returns the bound local RTP address.
func (s *Stream) LocalRTPAddr() net.Addr { return s.rtpConn.LocalAddr() }

// SSRC returns this stream's outbound SSRC.
func (s *Stream) SSRC() uint32 { return s.ssrc }

// SetRemote configures the destination for outgoing RTP/RTCP. A nil
// rtcpAddr means the remote RTP port+1 when this stream has its own RTCP
// socket, and the remote RTP address itself under rtcp-mux.
func (s *Stream) SetRemote(rtpAddr, rtcpAddr *net.UDPAddr) {
	s.remoteRTPAddr.Store(rtpAddr)
	if rtcpAddr != nil {
		s.remoteRTCPAddr.Store(rtcpAddr)
	} else if s.rtcpConn != nil && rtpAddr != nil {
		s.remoteRTCPAddr.Store(&net.UDPAddr{IP: rtpAddr.IP, Port: rtpAddr.Port + 1, Zone: rtpAddr.Zone})
	} else {
		s.remoteRTCPAddr.Store(rtpAddr)
	}
}

// SetKeepAlivePT configures the payload type used for keep-alive packets;
// must not collide with any negotiated format (spec §4.6).
func (s *Stream) SetKeepAlivePT(pt uint8) {
	s.keepPT = pt
	s.hasKeep = true
}

// SetNACKPLISupported records whether the peer advertised nack/pli, which
// selects PLI over FIR in SendKeyframeRequest.
func (s *Stream) SetNACKPLISupported(v bool) {
	s.mu.Lock()
	s.nackPLI = v
	s.mu.Unlock()
}

// SetSRTP installs the SRTP encrypt/decrypt contexts for this stream's
// outgoing and incoming RTP/RTCP. Either argument may be nil to leave that
// direction in the clear. Negotiating and keying the contexts themselves
// (SDES/DTLS-SRTP) is a non-goal here; this is the pluggable transform
// seam a caller that does negotiate keys hooks into.
func (s *Stream) SetSRTP(local, remote *srtp.Context) {
	s.srtpMu.Lock()
	s.localSRTP = local
	s.remoteSRTP = remote
	s.srtpMu.Unlock()
}

// OnRx registers the receive callback. Must be set before Start.
func (s *Stream) OnRx(f OnRxFunc) { s.onRx = f }

// OnSSRCChange registers the SSRC-change callback. Must be set before
// Start.
func (s *Stream) OnSSRCChange(f OnSSRCChangeFunc) { s.onSSRC = f }

// OnKeyframeRequest registers the callback invoked when the peer sends an
// RTCP FIR or PLI targeting our SSRC. Must be set before Start.
func (s *Stream) OnKeyframeRequest(f OnKeyframeRequestFunc) {
	s.mu.Lock()
	s.onKeyframe = f
	s.mu.Unlock()
}

// Send builds and transmits one RTP packet with a monotonically increasing
// sequence number (spec §4.6 "send").
func (s *Stream) Send(marker bool, payloadType uint8, timestamp uint32, payload []byte) error {
	dst := s.remoteRTPAddr.Load()
	if dst == nil {
		return fmt.Errorf("rtpstream: no remote address set")
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    payloadType,
			SequenceNumber: s.nextSeq(),
			Timestamp:      timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return err
	}

	s.srtpMu.Lock()
	localSRTP := s.localSRTP
	s.srtpMu.Unlock()
	if localSRTP != nil {
		buf, err = localSRTP.EncryptRTP(nil, buf, &pkt.Header)
		if err != nil {
			return fmt.Errorf("rtpstream: srtp encrypt: %w", err)
		}
	}

	if _, err := s.rtpConn.WriteToUDP(buf, dst); err != nil {
		return err
	}
	s.mu.Lock()
	s.stats.TxPackets++
	s.stats.TxBytes += uint64(len(buf))
	s.mu.Unlock()
	s.lastTxAt.Store(time.Now().UnixNano())
	return nil
}

func (s *Stream) nextSeq() uint16 {
	v := s.seq
	s.seq++
	return v
}

// seqLess implements the RFC 3550 wrap-safe sequence comparison (a < b iff
// (b-a) mod 2^16 is in (0, 2^15)), shared with internal/jitterbuf's
// ordering rule.
func seqLess(a, b uint16) bool {
	d := b - a
	return d != 0 && d < 0x8000
}

// Start begins the receive loop (RTP and, if present, RTCP) and the
// keep-alive timer.
func (s *Stream) Start(cname string) {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cname = cname

	s.wg.Add(1)
	go s.rtpRecvLoop()

	if s.rtcpConn != nil {
		s.wg.Add(1)
		go s.rtcpRecvLoop()
	}

	s.wg.Add(1)
	go s.maintenanceLoop()
}

// Stop joins the receive/maintenance goroutines and closes both sockets.
// Idempotent.
func (s *Stream) Stop() error {
	s.startMu.Lock()
	if !s.started {
		s.startMu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopCh)
	s.startMu.Unlock()

	s.rtpConn.Close()
	if s.rtcpConn != nil {
		s.rtcpConn.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Stream) rtpRecvLoop() {
	defer s.wg.Done()
	buf := make([]byte, RTPBufSize)
	for {
		n, addr, err := s.rtpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if s.rtcpConn == nil && looksLikeRTCP(buf[:n]) {
			// rtcp-mux: RTCP arrives on the RTP socket (RFC 5761 §4).
			s.handleRTCP(s.maybeDecryptRTCP(buf[:n]))
			continue
		}

		data := buf[:n]
		s.srtpMu.Lock()
		remoteSRTP := s.remoteSRTP
		s.srtpMu.Unlock()
		var pkt rtp.Packet
		if remoteSRTP != nil {
			plain, err := remoteSRTP.DecryptRTP(nil, data, &pkt.Header)
			if err != nil {
				continue
			}
			data = plain
		}
		if err := pkt.Unmarshal(data); err != nil {
			continue
		}
		s.handleRx(addr, &pkt)
	}
}

// maybeDecryptRTCP decrypts an incoming RTCP compound packet if a remote
// SRTP context is installed, otherwise returns buf unchanged.
func (s *Stream) maybeDecryptRTCP(buf []byte) []byte {
	s.srtpMu.Lock()
	remoteSRTP := s.remoteSRTP
	s.srtpMu.Unlock()
	if remoteSRTP == nil {
		return buf
	}
	plain, err := remoteSRTP.DecryptRTCP(nil, buf, nil)
	if err != nil {
		return buf[:0]
	}
	return plain
}

// looksLikeRTCP applies the RFC 5761 §4 demuxing rule: RTCP packet types
// occupy 192-223 in the second octet, outside the dynamic RTP payload
// type range.
func looksLikeRTCP(buf []byte) bool {
	return len(buf) >= 2 && buf[1] >= 192 && buf[1] <= 223
}

func (s *Stream) handleRx(addr net.Addr, pkt *rtp.Packet) {
	s.mu.Lock()
	if !s.haveRemote {
		s.haveRemote = true
		s.remoteSSRC = pkt.SSRC
		s.lastSeqSeen = pkt.SequenceNumber
	} else if pkt.SSRC != s.remoteSSRC {
		old := s.remoteSSRC
		s.remoteSSRC = pkt.SSRC
		s.lastSeqSeen = pkt.SequenceNumber
		cb := s.onSSRC
		s.mu.Unlock()
		if cb != nil {
			cb(old, pkt.SSRC)
		}
		s.mu.Lock()
	} else {
		expected := s.lastSeqSeen + 1
		if seqLess(expected, pkt.SequenceNumber) {
			s.stats.Lost += uint64(pkt.SequenceNumber - expected)
		}
		s.lastSeqSeen = pkt.SequenceNumber
	}
	s.stats.RxPackets++
	s.stats.RxBytes += uint64(len(pkt.Payload))
	cb := s.onRx
	s.mu.Unlock()

	if cb != nil {
		cb(addr, &pkt.Header, pkt.Payload)
	}
}

func (s *Stream) rtcpRecvLoop() {
	defer s.wg.Done()
	buf := make([]byte, RTPBufSize)
	for {
		n, _, err := s.rtcpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		s.handleRTCP(s.maybeDecryptRTCP(buf[:n]))
	}
}

// handleRTCP processes one RTCP compound packet read from either the
// dedicated RTCP socket or, under rtcp-mux, the RTP socket.
func (s *Stream) handleRTCP(buf []byte) {
	packets, err := rtcp.Unmarshal(buf)
	if err != nil {
		return
	}
	// Inbound RR/SR processing beyond loss accounting (already derived
	// from the RTP sequence stream) is left to the pipeline. FIR/PLI
	// targeting our own media SSRC is dispatched so a video pipeline
	// can respond with a fresh keyframe (spec §4.8 keyframe policy).
	for _, pkt := range packets {
		if s.targetsOurSSRC(pkt) {
			s.fireKeyframeRequest()
		}
	}
}

// targetsOurSSRC reports whether an RTCP FIR or PLI packet names our SSRC
// as the media source it wants a keyframe from.
func (s *Stream) targetsOurSSRC(pkt rtcp.Packet) bool {
	switch p := pkt.(type) {
	case *rtcp.FullIntraRequest:
		for _, entry := range p.FIR {
			if entry.SSRC == s.ssrc {
				return true
			}
		}
	case *rtcp.PictureLossIndication:
		return p.MediaSSRC == s.ssrc
	}
	return false
}

func (s *Stream) fireKeyframeRequest() {
	s.mu.Lock()
	cb := s.onKeyframe
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (s *Stream) maintenanceLoop() {
	defer s.wg.Done()
	t := time.NewTicker(time.Second)
	defer t.Stop()
	var lastRTCP time.Time
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-t.C:
			if now.Sub(lastRTCP) >= 5*time.Second {
				lastRTCP = now
				s.sendRTCPReport()
			}
			s.maybeKeepAlive(now)
		}
	}
}

func (s *Stream) sendRTCPReport() {
	dst := s.remoteRTCPAddr.Load()
	conn := s.rtcpConn
	if conn == nil {
		conn = s.rtpConn
	}
	if dst == nil {
		return
	}

	s.mu.Lock()
	hasRemote := s.haveRemote
	s.mu.Unlock()

	var pkt rtcp.Packet
	if hasRemote {
		pkt = &rtcp.ReceiverReport{SSRC: s.ssrc}
	} else {
		pkt = &rtcp.SenderReport{SSRC: s.ssrc}
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return
	}
	_, _ = conn.WriteToUDP(s.maybeEncryptRTCP(buf), dst)
}

// maybeEncryptRTCP encrypts an outgoing RTCP compound packet if a local
// SRTP context is installed, otherwise returns buf unchanged.
func (s *Stream) maybeEncryptRTCP(buf []byte) []byte {
	s.srtpMu.Lock()
	localSRTP := s.localSRTP
	s.srtpMu.Unlock()
	if localSRTP == nil {
		return buf
	}
	cipher, err := localSRTP.EncryptRTCP(nil, buf, nil)
	if err != nil {
		return buf
	}
	return cipher
}

// maybeKeepAlive sends an empty RTP packet on the keep-alive payload type
// if no RTP has gone out in keepAliveIdle (spec §4.6). keepAliveLimiter
// additionally paces sends to at most one per keepAlivePeriod, so a
// misbehaving tx side that never sends real RTP cannot flood the peer
// faster than the configured keep-alive cadence.
func (s *Stream) maybeKeepAlive(now time.Time) {
	if !s.hasKeep {
		return
	}
	last := time.Unix(0, s.lastTxAt.Load())
	if s.lastTxAt.Load() != 0 && now.Sub(last) < keepAliveIdle {
		return
	}
	if !s.keepAliveLimiter.Allow() {
		return
	}
	_ = s.Send(false, s.keepPT, 0, nil)
}

// SendFIR issues an RTCP Full Intra Request asking the peer for a
// keyframe.
func (s *Stream) SendFIR(mediaSSRC uint32) error {
	s.firSeq++
	dst := s.remoteRTCPAddr.Load()
	conn := s.rtcpConn
	if conn == nil {
		conn = s.rtpConn
	}
	if dst == nil {
		return fmt.Errorf("rtpstream: no remote rtcp address")
	}
	pkt := &rtcp.FullIntraRequest{
		FIR: []rtcp.FIREntry{{SSRC: mediaSSRC, SequenceNumber: s.firSeq}},
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = conn.WriteToUDP(s.maybeEncryptRTCP(buf), dst)
	return err
}

// SendPLI issues an RTCP Picture Loss Indication.
func (s *Stream) SendPLI(mediaSSRC uint32) error {
	dst := s.remoteRTCPAddr.Load()
	conn := s.rtcpConn
	if conn == nil {
		conn = s.rtpConn
	}
	if dst == nil {
		return fmt.Errorf("rtpstream: no remote rtcp address")
	}
	pkt := &rtcp.PictureLossIndication{MediaSSRC: mediaSSRC}
	buf, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = conn.WriteToUDP(s.maybeEncryptRTCP(buf), dst)
	return err
}

// SendKeyframeRequest picks PLI or FIR depending on what the peer
// advertised (spec §4.6 "selection depends on nack_pli_supported").
func (s *Stream) SendKeyframeRequest(mediaSSRC uint32) error {
	s.mu.Lock()
	usePLI := s.nackPLI
	s.mu.Unlock()
	if usePLI {
		return s.SendPLI(mediaSSRC)
	}
	return s.SendFIR(mediaSSRC)
}

// StatsSnapshot returns a copy of the current tx/rx counters.
func (s *Stream) StatsSnapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// RemoteSSRC returns the last observed remote SSRC, if any.
func (s *Stream) RemoteSSRC() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSSRC, s.haveRemote
}
