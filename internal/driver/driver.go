// Package driver defines the boundary between the proxy and the cloud
// camera driver collaborator. The concrete driver library lives outside
// this repository; this package only describes the shape the proxy expects
// it to have.
package driver

import (
	"context"
	"encoding/json"
)

// Codec identifies the elementary stream codec a camera is producing.
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
)

// VideoFrame is one elementary video access unit delivered by the driver.
type VideoFrame struct {
	Data      []byte
	Codec     Codec
	Keyframe  bool
	Width     int
	Height    int
	Timestamp int64 // milliseconds, driver clock
}

// AudioFrame is one elementary AAC audio frame delivered by the driver.
type AudioFrame struct {
	Data       []byte
	SampleRate int
	Channels   int
	Timestamp  int64
}

// DeviceProperties is the last-known state snapshot for a single camera, as
// reported by the driver.
type DeviceProperties struct {
	Serial     string          `json:"serial"`
	Name       string          `json:"name"`
	Properties json.RawMessage `json:"properties"`
}

// Event is a tagged, loosely-typed notification pushed by the driver. The
// broker does not interpret Kind: every event, whatever its kind, is
// forwarded whole (kind and payload) to WebSocket clients as an event frame.
type Event struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

const (
	EventPropertyChanged  = "property_changed"
	EventConnectionStatus = "connection_status"
	EventLivestreamError  = "livestream_error"
)

// VideoSink receives video frames as the driver pushes them.
type VideoSink func(VideoFrame)

// AudioSink receives audio frames as the driver pushes them.
type AudioSink func(AudioFrame)

// Driver is the narrow interface the proxy needs from the cloud camera
// collaborator: connect once, start/stop a single camera's livestream, send
// commands, and receive events.
type Driver interface {
	// Connect establishes the driver session using the current account
	// configuration.
	Connect(ctx context.Context) error

	// Devices returns the current device list known to the account.
	Devices(ctx context.Context) ([]DeviceProperties, error)

	// StartLivestream begins streaming the named camera's elementary
	// frames into the given sinks until the context is cancelled or
	// StopLivestream is called.
	StartLivestream(ctx context.Context, serial string, video VideoSink, audio AudioSink) error

	// StopLivestream ends a previously started livestream.
	StopLivestream(ctx context.Context, serial string) error

	// SendCommand dispatches an opaque command (e.g. pan/tilt, preset
	// position) to a device and returns the driver's opaque response.
	SendCommand(ctx context.Context, serial, command string, payload json.RawMessage) (json.RawMessage, error)

	// DownloadImage fetches a still image directly from the cloud, for
	// commands like station.download_image that bypass the live pipeline.
	DownloadImage(ctx context.Context, serial string) ([]byte, error)

	// Events returns a channel of driver-pushed notifications. The
	// channel is closed when the driver session ends.
	Events() <-chan Event

	// Close tears down the driver session.
	Close() error
}
