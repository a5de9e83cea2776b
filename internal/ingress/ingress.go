// Package ingress adapts the driver's video/audio callbacks into ordered
// byte sinks (normally the encoder supervisor's input pipes) and tracks the
// camera metadata the rest of the pipeline needs (resolution, codec).
package ingress

import (
	"fmt"
	"sync"

	"github.com/eufy/streamproxy/internal/driver"
	"github.com/rs/zerolog"
)

// FrameSink is anywhere raw elementary-stream bytes can be written, in
// order, for a single stream. The encoder supervisor's stdin pipe and aux
// fd satisfy this.
type FrameSink interface {
	WriteFrame(data []byte) error
}

// Metadata is the last-observed resolution/codec for the active camera.
type Metadata struct {
	Width  int
	Height int
	Codec  driver.Codec
}

// Ingress wires a single camera's driver callbacks into a video sink and an
// audio sink, tracking metadata and reporting resolution changes.
type Ingress struct {
	log zerolog.Logger

	mu       sync.Mutex
	video    FrameSink
	audio    FrameSink
	meta     Metadata
	hasMeta  bool
	onResize func(Metadata)
}

func New(log zerolog.Logger) *Ingress {
	return &Ingress{log: log}
}

// Attach points the ingress at a new pair of sinks for a newly started
// camera session. onResize, if non-nil, is called whenever a video frame's
// resolution differs from the previously observed one.
func (i *Ingress) Attach(video, audio FrameSink, onResize func(Metadata)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.video = video
	i.audio = audio
	i.onResize = onResize
	i.hasMeta = false
}

// Detach clears the sinks, e.g. when the session controller tears down.
func (i *Ingress) Detach() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.video = nil
	i.audio = nil
	i.onResize = nil
}

// OnVideoFrame is the driver.VideoSink passed to driver.StartLivestream.
func (i *Ingress) OnVideoFrame(frame driver.VideoFrame) {
	i.mu.Lock()
	sink := i.video
	resize := i.onResize
	changed := !i.hasMeta || i.meta.Width != frame.Width || i.meta.Height != frame.Height || i.meta.Codec != frame.Codec
	if changed {
		i.meta = Metadata{Width: frame.Width, Height: frame.Height, Codec: frame.Codec}
		i.hasMeta = true
	}
	i.mu.Unlock()

	if sink == nil {
		return
	}
	if err := sink.WriteFrame(frame.Data); err != nil {
		i.log.Warn().Err(err).Msg("failed to write video frame to encoder")
	}
	if changed && resize != nil {
		resize(i.currentMeta())
	}
}

// OnAudioFrame is the driver.AudioSink passed to driver.StartLivestream.
func (i *Ingress) OnAudioFrame(frame driver.AudioFrame) {
	i.mu.Lock()
	sink := i.audio
	i.mu.Unlock()

	if sink == nil {
		return
	}
	if err := sink.WriteFrame(frame.Data); err != nil {
		i.log.Warn().Err(err).Msg("failed to write audio frame to encoder")
	}
}

func (i *Ingress) currentMeta() Metadata {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.meta
}

// CurrentMetadata returns the last-observed resolution/codec, or an error
// if no video frame has arrived yet.
func (i *Ingress) CurrentMetadata() (Metadata, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.hasMeta {
		return Metadata{}, fmt.Errorf("no video frame observed yet")
	}
	return i.meta, nil
}
