// Package config loads the engine's YAML configuration (ambient stack:
// SIP bind/transport, audio/video defaults, jitter bounds, RTCP/keep-alive
// timing), following the teacher's two-struct staging pattern.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultSIPBindPort  = 5060
	defaultTransport    = "udp"
	defaultSampleRate   = 48000
	defaultChannels     = 1
	defaultFrameMs      = 20
	defaultJitterMin    = 2
	defaultJitterMax    = 50
	defaultRTCPInterval = 5 * time.Second
	defaultKeepAlive    = 15 * time.Second
	defaultRingTimeout  = 120 * time.Second
	defaultVideoWidth   = 640
	defaultVideoHeight  = 480
	defaultVideoFPS     = 25
	defaultMaxPacket    = 1200
)

// Config is the flat, validated configuration the rest of the engine
// consumes.
type Config struct {
	SIPBindPort   int
	SIPTransport  string
	SIPExternalIP string
	SIPAuthUser   string
	SIPAuthPass   string
	SIPAuthRealm  string

	SampleRate    int
	Channels      int
	PacketTime    time.Duration
	EnableDTMF    bool
	TelephonePT   uint8

	JitterMinPackets int
	JitterMaxPackets int

	RTPPortMin    int
	RTPPortMax    int
	KeepAlive     time.Duration
	RTCPInterval  time.Duration
	NACKPLI       bool

	VideoEnabled bool
	VideoWidth   int
	VideoHeight  int
	VideoFPS     int
	VideoBitrate int
	MaxPacketBytes int

	RingingTimeout time.Duration
}

type yamlConfig struct {
	SIP struct {
		BindPort     int    `yaml:"bind_port"`
		Transport    string `yaml:"transport"`
		ExternalIP   string `yaml:"external_ip"`
		AuthUser     string `yaml:"auth_user"`
		AuthPassword string `yaml:"auth_password"`
		AuthRealm    string `yaml:"auth_realm"`
	} `yaml:"sip"`
	Audio struct {
		SampleRate  int  `yaml:"sample_rate"`
		Channels    int  `yaml:"channels"`
		FrameMs     int  `yaml:"frame_ms"`
		DTMFEnabled bool `yaml:"dtmf_enabled"`
		TelephonePT int  `yaml:"telephone_event_pt"`
	} `yaml:"audio"`
	Jitter struct {
		MinPackets int `yaml:"min_packets"`
		MaxPackets int `yaml:"max_packets"`
	} `yaml:"jitter"`
	RTP struct {
		PortMin      int    `yaml:"port_min"`
		PortMax      int    `yaml:"port_max"`
		KeepAlive    string `yaml:"keep_alive"`
		RTCPInterval string `yaml:"rtcp_interval"`
		NACKPLI      bool   `yaml:"nack_pli"`
	} `yaml:"rtp"`
	Video struct {
		Enabled        bool `yaml:"enabled"`
		Width          int  `yaml:"width"`
		Height         int  `yaml:"height"`
		FPS            int  `yaml:"fps"`
		BitrateKbps    int  `yaml:"bitrate_kbps"`
		MaxPacketBytes int  `yaml:"max_packet_bytes"`
	} `yaml:"video"`
	Call struct {
		RingingTimeout string `yaml:"ringing_timeout"`
	} `yaml:"call"`
}

// Load reads and validates the YAML config at path, applying defaults for
// everything left unset.
func Load(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("config: parse file: %w", err)
	}

	if yc.SIP.BindPort > 0 {
		cfg.SIPBindPort = yc.SIP.BindPort
	}
	if yc.SIP.Transport != "" {
		cfg.SIPTransport = strings.ToLower(yc.SIP.Transport)
	}
	if cfg.SIPTransport != "udp" && cfg.SIPTransport != "tcp" {
		return Config{}, fmt.Errorf("config: sip.transport must be 'udp' or 'tcp', got %q", cfg.SIPTransport)
	}
	cfg.SIPExternalIP = yc.SIP.ExternalIP
	cfg.SIPAuthUser = yc.SIP.AuthUser
	cfg.SIPAuthPass = yc.SIP.AuthPassword
	if (cfg.SIPAuthUser == "") != (cfg.SIPAuthPass == "") {
		return Config{}, errors.New("config: sip.auth_user and sip.auth_password must be set together")
	}
	cfg.SIPAuthRealm = yc.SIP.AuthRealm

	if yc.Audio.SampleRate > 0 {
		cfg.SampleRate = yc.Audio.SampleRate
	}
	if yc.Audio.Channels > 0 {
		cfg.Channels = yc.Audio.Channels
	}
	if yc.Audio.FrameMs > 0 {
		cfg.PacketTime = time.Duration(yc.Audio.FrameMs) * time.Millisecond
	}
	cfg.EnableDTMF = yc.Audio.DTMFEnabled
	if yc.Audio.TelephonePT > 0 {
		if yc.Audio.TelephonePT > 127 {
			return Config{}, fmt.Errorf("config: audio.telephone_event_pt must be <= 127, got %d", yc.Audio.TelephonePT)
		}
		cfg.TelephonePT = uint8(yc.Audio.TelephonePT)
	}

	if yc.Jitter.MinPackets > 0 {
		cfg.JitterMinPackets = yc.Jitter.MinPackets
	}
	if yc.Jitter.MaxPackets > 0 {
		cfg.JitterMaxPackets = yc.Jitter.MaxPackets
	}
	if cfg.JitterMinPackets > cfg.JitterMaxPackets {
		return Config{}, fmt.Errorf("config: jitter.min_packets (%d) must be <= jitter.max_packets (%d)", cfg.JitterMinPackets, cfg.JitterMaxPackets)
	}

	if yc.RTP.PortMin > 0 {
		cfg.RTPPortMin = yc.RTP.PortMin
	}
	if yc.RTP.PortMax > 0 {
		cfg.RTPPortMax = yc.RTP.PortMax
	}
	if cfg.RTPPortMin > 0 && cfg.RTPPortMax > 0 && cfg.RTPPortMin > cfg.RTPPortMax {
		return Config{}, fmt.Errorf("config: rtp.port_min (%d) must be <= rtp.port_max (%d)", cfg.RTPPortMin, cfg.RTPPortMax)
	}
	if yc.RTP.KeepAlive != "" {
		d, err := time.ParseDuration(yc.RTP.KeepAlive)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid rtp.keep_alive: %w", err)
		}
		cfg.KeepAlive = d
	}
	if yc.RTP.RTCPInterval != "" {
		d, err := time.ParseDuration(yc.RTP.RTCPInterval)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid rtp.rtcp_interval: %w", err)
		}
		cfg.RTCPInterval = d
	}
	cfg.NACKPLI = yc.RTP.NACKPLI

	cfg.VideoEnabled = yc.Video.Enabled
	if yc.Video.Width > 0 {
		cfg.VideoWidth = yc.Video.Width
	}
	if yc.Video.Height > 0 {
		cfg.VideoHeight = yc.Video.Height
	}
	if yc.Video.FPS > 0 {
		cfg.VideoFPS = yc.Video.FPS
	}
	if yc.Video.BitrateKbps > 0 {
		cfg.VideoBitrate = yc.Video.BitrateKbps
	}
	if yc.Video.MaxPacketBytes > 0 {
		cfg.MaxPacketBytes = yc.Video.MaxPacketBytes
	}

	if yc.Call.RingingTimeout != "" {
		d, err := time.ParseDuration(yc.Call.RingingTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid call.ringing_timeout: %w", err)
		}
		cfg.RingingTimeout = d
	}

	return cfg, nil
}

func defaults() Config {
	return Config{
		SIPBindPort:      defaultSIPBindPort,
		SIPTransport:     defaultTransport,
		SampleRate:       defaultSampleRate,
		Channels:         defaultChannels,
		PacketTime:       defaultFrameMs * time.Millisecond,
		TelephonePT:      101,
		JitterMinPackets: defaultJitterMin,
		JitterMaxPackets: defaultJitterMax,
		KeepAlive:        defaultKeepAlive,
		RTCPInterval:     defaultRTCPInterval,
		VideoWidth:       defaultVideoWidth,
		VideoHeight:      defaultVideoHeight,
		VideoFPS:         defaultVideoFPS,
		MaxPacketBytes:   defaultMaxPacket,
		RingingTimeout:   defaultRingTimeout,
	}
}
