// Package sink defines the capture/playback collaborator contracts (spec
// C5): audio source, audio sink, video source, video display. Real drivers
// are platform-specific and out of scope (spec §1 non-goals,
// "hardware-specific capture details"); this package defines the
// interfaces plus fake/loopback implementations usable in tests and the
// demo binary.
package sink

import "errors"

// ErrAlreadyStarted is returned by Start when called on a running source or
// sink.
var ErrAlreadyStarted = errors.New("sink: already started")

// AudioFrameFunc is the capture callback: one PCM16LE frame of the
// negotiated size, invoked on the source's own thread.
type AudioFrameFunc func(pcm []byte)

// AudioErrorFunc reports a fatal capture/playback driver error.
type AudioErrorFunc func(err error)

// AudioPullFunc is the playback pull callback: the sink asks for nbytes of
// PCM16LE into dst and gets back whether the samples are valid (false means
// play silence, e.g. pipeline is muted or has nothing buffered yet).
type AudioPullFunc func(dst []byte) (valid bool)

// AudioSource starts its own capture thread/driver callback and pushes
// frames to the pipeline (spec §4.5 "Audio source").
type AudioSource interface {
	Start(onFrame AudioFrameFunc, onError AudioErrorFunc) error
	// Stop tears the source down and joins its worker. Idempotent.
	Stop() error
}

// AudioSink pulls PCM from the pipeline on its own playback thread (spec
// §4.5 "Audio sink").
type AudioSink interface {
	Start(pull AudioPullFunc) error
	Stop() error
}

// VideoFrame is a raw captured or to-be-displayed video frame (spec §4.5
// "Video source... raw frames { fmt, size, planes, strides }").
type VideoFrame struct {
	Format  string
	Width   int
	Height  int
	Planes  [][]byte
	Strides []int
}

// VideoFrameFunc is the video capture callback.
type VideoFrameFunc func(frame VideoFrame)

// VideoSource pushes raw frames to the video pipeline's tx side.
type VideoSource interface {
	Start(onFrame VideoFrameFunc, onError AudioErrorFunc) error
	Stop() error
}

// VideoResizeFunc notifies the pipeline that the display size changed.
type VideoResizeFunc func(width, height int)

// VideoDisplay accepts decoded frames for presentation (spec §4.5 "Video
// display... optional resize notification").
type VideoDisplay interface {
	Start(onResize VideoResizeFunc) error
	Display(frame VideoFrame) error
	Stop() error
}
