// Command mediacore-demo wires the engine's packages together for a
// loopback call: it loads configuration, builds the codec registries,
// negotiates a local-only offer/answer against itself, opens one audio
// (and, if enabled, one video) pipeline pair against fake capture/playback
// devices, and runs until interrupted.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/baresip-go/mediacore/internal/audiopipe"
	"github.com/baresip-go/mediacore/internal/codec"
	"github.com/baresip-go/mediacore/internal/config"
	"github.com/baresip-go/mediacore/internal/rtpstream"
	"github.com/baresip-go/mediacore/internal/sdpneg"
	"github.com/baresip-go/mediacore/internal/sink"
	"github.com/baresip-go/mediacore/internal/videopipe"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg := defaultDemoConfig()
	if path := os.Getenv("MEDIACORE_CONFIG"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			logger.Error("config load failed", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	audio := codec.NewRegistry()
	codec.RegisterG711(audio)
	codec.RegisterG722(audio)
	codec.RegisterOpus(audio)

	video := codec.NewVideoRegistry()
	codec.RegisterH264(video)
	codec.RegisterVP8(video)

	neg := sdpneg.New(sdpneg.Config{
		Audio:            audio,
		Video:            video,
		AudioChannels:    cfg.Channels,
		TelephoneEventPT: cfg.TelephonePT,
		LocalIP:          net.IPv4(127, 0, 0, 1),
	})

	offer, err := neg.BuildOffer(1, 1, []sdpneg.MediaPlan{
		{Kind: codec.KindAudio, RTPPort: 30000, Direction: sdpneg.SendRecv, PacketTimeMS: 20},
		{Kind: codec.KindVideo, RTPPort: 30002, Direction: sdpneg.SendRecv},
	})
	if err != nil {
		logger.Error("build offer failed", "error", err)
		os.Exit(1)
	}

	answer, negotiated, err := neg.Answer(offer, 2, 1, map[string]sdpneg.MediaPlan{
		"audio": {Kind: codec.KindAudio, RTPPort: 30100, Direction: sdpneg.SendRecv, PacketTimeMS: 20},
		"video": {Kind: codec.KindVideo, RTPPort: 30102, Direction: sdpneg.SendRecv},
	})
	if err != nil {
		logger.Error("answer failed", "error", err)
		os.Exit(1)
	}
	logger.Info("negotiated media", "count", len(negotiated))

	offerBody, _ := offer.Marshal()
	answerBody, _ := answer.Marshal()
	logger.Debug("sdp exchanged", "offer_bytes", len(offerBody), "answer_bytes", len(answerBody))

	var audioPipe *audiopipe.Pipeline
	var videoPipe *videopipe.Pipeline

	for _, m := range negotiated {
		switch m.Kind {
		case codec.KindAudio:
			audioPipe = buildAudioPipeline(logger, cfg, m)
		case codec.KindVideo:
			if cfg.VideoEnabled {
				videoPipe = buildVideoPipeline(logger, cfg, m)
			}
		}
	}

	if audioPipe != nil {
		if err := audioPipe.Start(true); err != nil {
			logger.Error("audio pipeline start failed", "error", err)
			os.Exit(1)
		}
		defer audioPipe.Stop()
	}
	if videoPipe != nil {
		if err := videoPipe.Start(); err != nil {
			logger.Error("video pipeline start failed", "error", err)
			os.Exit(1)
		}
		defer videoPipe.Stop()
	}

	logger.Info("loopback call established, press ctrl-c to exit")
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	<-ctx.Done()
	logger.Info("shutting down")
}

func defaultDemoConfig() config.Config {
	return config.Config{
		SampleRate:     48000,
		Channels:       1,
		PacketTime:     20 * time.Millisecond,
		TelephonePT:    101,
		JitterMinPackets: 2,
		JitterMaxPackets: 50,
		VideoEnabled:   true,
		VideoWidth:     640,
		VideoHeight:    480,
		VideoFPS:       25,
		MaxPacketBytes: 1200,
		RingingTimeout: 120 * time.Second,
	}
}

func buildAudioPipeline(logger *slog.Logger, cfg config.Config, m sdpneg.NegotiatedMedia) *audiopipe.Pipeline {
	stream, err := rtpstream.New(net.IPv4(127, 0, 0, 1), 30100, m.RTCPMux)
	if err != nil {
		logger.Error("rtpstream open failed", "error", err)
		return nil
	}
	stream.SetNACKPLISupported(m.NACKPLI)
	stream.Start("mediacore-demo")

	p := audiopipe.New(audiopipe.Config{
		Logger:      logger,
		Stream:      stream,
		Source:      &sink.FakeAudioSource{FrameBytes: frameBytes(m.Audio.SampleRate, m.Audio.Channels, m.PacketTimeMS), Period: time.Duration(m.PacketTimeMS) * time.Millisecond},
		Sink:        &sink.FakeAudioSink{FrameBytes: frameBytes(m.Audio.SampleRate, m.Audio.Channels, m.PacketTimeMS), Period: time.Duration(m.PacketTimeMS) * time.Millisecond},
		DSPRate:     m.Audio.SampleRate,
		DSPChannels: m.Audio.Channels,
		PacketTime:  time.Duration(m.PacketTimeMS) * time.Millisecond,
		JitterMin:   cfg.JitterMinPackets,
		JitterMax:   cfg.JitterMaxPackets,
		TelevPT:     m.TelephonePT,
	})
	if err := p.SetEncoder(m.Audio, m.PT, m.Fmtp); err != nil {
		logger.Error("set encoder failed", "error", err)
	}
	if err := p.SetDecoder(m.Audio, m.PT, m.Fmtp); err != nil {
		logger.Error("set decoder failed", "error", err)
	}
	return p
}

func buildVideoPipeline(logger *slog.Logger, cfg config.Config, m sdpneg.NegotiatedMedia) *videopipe.Pipeline {
	stream, err := rtpstream.New(net.IPv4(127, 0, 0, 1), 30102, m.RTCPMux)
	if err != nil {
		logger.Error("rtpstream open failed", "error", err)
		return nil
	}
	stream.SetNACKPLISupported(m.NACKPLI)
	stream.Start("mediacore-demo")

	p := videopipe.New(videopipe.Config{
		Logger:    logger,
		Stream:    stream,
		Source:    &sink.FakeVideoSource{Width: cfg.VideoWidth, Height: cfg.VideoHeight, FPS: cfg.VideoFPS},
		Display:   &sink.FakeVideoDisplay{},
		FPS:       cfg.VideoFPS,
		MaxPacket: uint16(cfg.MaxPacketBytes),
		NACKPLI:   m.NACKPLI,
	})
	return p
}

func frameBytes(sampleRate, channels, packetTimeMS int) int {
	if packetTimeMS <= 0 {
		packetTimeMS = 20
	}
	samples := sampleRate * packetTimeMS / 1000
	return samples * channels * 2
}
