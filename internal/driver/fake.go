package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Fake is an in-memory Driver used by tests across internal/session,
// internal/commands and internal/httpapi. It never talks to the network.
type Fake struct {
	mu       sync.Mutex
	devices  []DeviceProperties
	events   chan Event
	active   map[string]bool
	Commands []FakeCommand
}

type FakeCommand struct {
	Serial  string
	Command string
	Payload json.RawMessage
}

func NewFake(devices ...DeviceProperties) *Fake {
	return &Fake{
		devices: devices,
		events:  make(chan Event, 32),
		active:  make(map[string]bool),
	}
}

func (f *Fake) Connect(ctx context.Context) error { return nil }

func (f *Fake) Devices(ctx context.Context) ([]DeviceProperties, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]DeviceProperties, len(f.devices))
	copy(out, f.devices)
	return out, nil
}

func (f *Fake) StartLivestream(ctx context.Context, serial string, video VideoSink, audio AudioSink) error {
	f.mu.Lock()
	f.active[serial] = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) StopLivestream(ctx context.Context, serial string) error {
	f.mu.Lock()
	delete(f.active, serial)
	f.mu.Unlock()
	return nil
}

func (f *Fake) SendCommand(ctx context.Context, serial, command string, payload json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	f.Commands = append(f.Commands, FakeCommand{Serial: serial, Command: command, Payload: payload})
	f.mu.Unlock()
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *Fake) DownloadImage(ctx context.Context, serial string) ([]byte, error) {
	found := false
	f.mu.Lock()
	for _, d := range f.devices {
		if d.Serial == serial {
			found = true
			break
		}
	}
	f.mu.Unlock()
	if !found {
		return nil, fmt.Errorf("unknown device %q", serial)
	}
	return []byte("fake-jpeg-bytes"), nil
}

func (f *Fake) Events() <-chan Event { return f.events }

// Emit pushes an event as if the driver had produced it.
func (f *Fake) Emit(ev Event) {
	f.events <- ev
}

func (f *Fake) Close() error {
	close(f.events)
	return nil
}

// IsStreaming reports whether StartLivestream was called for serial without
// a matching StopLivestream, for test assertions.
func (f *Fake) IsStreaming(serial string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[serial]
}
