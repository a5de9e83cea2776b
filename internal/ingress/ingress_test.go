package ingress

import (
	"testing"

	"github.com/eufy/streamproxy/internal/driver"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	writes [][]byte
}

func (r *recordingSink) WriteFrame(data []byte) error {
	r.writes = append(r.writes, data)
	return nil
}

func TestIngress_CurrentMetadataErrorsBeforeFirstFrame(t *testing.T) {
	i := New(zerolog.Nop())
	_, err := i.CurrentMetadata()
	require.Error(t, err)
}

func TestIngress_ForwardsVideoFrameToSink(t *testing.T) {
	i := New(zerolog.Nop())
	sink := &recordingSink{}
	i.Attach(sink, nil, nil)

	i.OnVideoFrame(driver.VideoFrame{Data: []byte("frame1"), Width: 1280, Height: 720, Codec: driver.CodecH264})

	require.Len(t, sink.writes, 1)
	require.Equal(t, []byte("frame1"), sink.writes[0])

	meta, err := i.CurrentMetadata()
	require.NoError(t, err)
	require.Equal(t, 1280, meta.Width)
	require.Equal(t, 720, meta.Height)
}

func TestIngress_ResolutionChangeFiresOnResize(t *testing.T) {
	i := New(zerolog.Nop())
	sink := &recordingSink{}

	var resized []Metadata
	i.Attach(sink, nil, func(m Metadata) { resized = append(resized, m) })

	i.OnVideoFrame(driver.VideoFrame{Data: []byte("a"), Width: 1280, Height: 720})
	i.OnVideoFrame(driver.VideoFrame{Data: []byte("b"), Width: 1280, Height: 720})
	i.OnVideoFrame(driver.VideoFrame{Data: []byte("c"), Width: 1920, Height: 1080})

	require.Len(t, resized, 2)
	require.Equal(t, 1920, resized[1].Width)
}

func TestIngress_DetachStopsForwarding(t *testing.T) {
	i := New(zerolog.Nop())
	sink := &recordingSink{}
	i.Attach(sink, nil, nil)
	i.Detach()

	i.OnVideoFrame(driver.VideoFrame{Data: []byte("frame1")})
	require.Empty(t, sink.writes)
}
