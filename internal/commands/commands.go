// Package commands implements the broker's minimum required command set:
// driver state queries, device property lookups, and device control
// commands (pan/tilt, preset position, image/history requests that
// complete asynchronously via a broadcast event).
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eufy/streamproxy/internal/broker"
	"github.com/eufy/streamproxy/internal/driver"
	"github.com/eufy/streamproxy/internal/eventbus"
	"github.com/eufy/streamproxy/internal/session"
)

// Deps bundles the collaborators command handlers need. Session may be nil
// in tests that only exercise driver-facing commands.
type Deps struct {
	Driver        driver.Driver
	Session       *session.Controller
	Bus           *eventbus.Bus
	ServerVersion string
	Connected     func() bool
}

// Register binds the spec's minimum required command set onto b.
func Register(b *broker.Broker, d Deps) {
	b.Register("start_listening", handleStartListening(d))
	b.Register("station.get_properties", handleGetProperties(d))
	b.Register("device.get_properties", handleGetProperties(d))
	b.Register("device.get_commands", handleGetCommands(d))
	b.Register("station.download_image", handleDownloadImage(d))
	b.Register("station.database_query_latest_info", handleDatabaseQueryLatestInfo(d))
	b.Register("device.preset_position", handlePresetPosition(d))
	b.Register("device.pan_and_tilt", handlePanAndTilt(d))
}

type withSerial struct {
	Serial string `json:"serial"`
}

func decodeSerial(raw json.RawMessage) (string, error) {
	var v withSerial
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	if v.Serial == "" {
		return "", fmt.Errorf("missing serial")
	}
	return v.Serial, nil
}

func handleStartListening(d Deps) broker.Handler {
	return func(ctx context.Context, _ *broker.Broker, _ broker.Request) (any, error) {
		if d.Connected != nil && !d.Connected() {
			return nil, fmt.Errorf("driver not connected")
		}
		devices, err := d.Driver.Devices(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing devices: %w", err)
		}
		serials := make([]string, 0, len(devices))
		for _, dev := range devices {
			serials = append(serials, dev.Serial)
		}
		return map[string]any{
			"client":   map[string]any{"version": d.ServerVersion},
			"stations": serials,
			"devices":  serials,
		}, nil
	}
}

func handleGetProperties(d Deps) broker.Handler {
	return func(ctx context.Context, _ *broker.Broker, req broker.Request) (any, error) {
		serial, err := decodeSerial(req.Raw)
		if err != nil {
			return nil, err
		}
		devices, err := d.Driver.Devices(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing devices: %w", err)
		}
		for _, dev := range devices {
			if dev.Serial == serial {
				return dev.Properties, nil
			}
		}
		return nil, fmt.Errorf("unknown device %q", serial)
	}
}

// supportedDeviceCommands is the set of control operations this proxy
// exposes. The mapping from these identifiers to physical camera actions
// lives entirely in the driver; see SPEC_FULL.md open questions.
var supportedDeviceCommands = []string{"preset_position", "pan_and_tilt"}

func handleGetCommands(d Deps) broker.Handler {
	return func(_ context.Context, _ *broker.Broker, req broker.Request) (any, error) {
		if _, err := decodeSerial(req.Raw); err != nil {
			return nil, err
		}
		return map[string]any{"commands": supportedDeviceCommands}, nil
	}
}

func handleDownloadImage(d Deps) broker.Handler {
	return func(_ context.Context, b *broker.Broker, req broker.Request) (any, error) {
		serial, err := decodeSerial(req.Raw)
		if err != nil {
			return nil, err
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			img, err := d.Driver.DownloadImage(ctx, serial)
			event := map[string]any{"kind": "station.download_image", "serial": serial}
			if err != nil {
				event["error"] = err.Error()
			} else {
				event["imageSize"] = len(img)
			}
			b.Broadcast(event)
		}()

		return map[string]any{"async": true}, nil
	}
}

func handleDatabaseQueryLatestInfo(d Deps) broker.Handler {
	return func(_ context.Context, b *broker.Broker, req broker.Request) (any, error) {
		serial, err := decodeSerial(req.Raw)
		if err != nil {
			return nil, err
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			devices, err := d.Driver.Devices(ctx)
			event := map[string]any{"kind": "station.database_query_latest_info", "serial": serial}
			if err != nil {
				event["error"] = err.Error()
			} else {
				for _, dev := range devices {
					if dev.Serial == serial {
						event["properties"] = dev.Properties
						break
					}
				}
			}
			b.Broadcast(event)
		}()

		return map[string]any{"async": true}, nil
	}
}

type devicePayload struct {
	Serial  string          `json:"serial"`
	Payload json.RawMessage `json:"payload"`
}

func handlePresetPosition(d Deps) broker.Handler {
	return sendDeviceCommand(d, "preset_position")
}

func handlePanAndTilt(d Deps) broker.Handler {
	return sendDeviceCommand(d, "pan_and_tilt")
}

func sendDeviceCommand(d Deps, command string) broker.Handler {
	return func(ctx context.Context, _ *broker.Broker, req broker.Request) (any, error) {
		var p devicePayload
		if err := json.Unmarshal(req.Raw, &p); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
		if p.Serial == "" {
			return nil, fmt.Errorf("missing serial")
		}
		resp, err := d.Driver.SendCommand(ctx, p.Serial, command, p.Payload)
		if err != nil {
			return nil, fmt.Errorf("%s failed: %w", command, err)
		}
		return resp, nil
	}
}
