package commands

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/eufy/streamproxy/internal/broker"
	"github.com/eufy/streamproxy/internal/driver"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T, fake *driver.Fake) *broker.Broker {
	t.Helper()
	b := broker.New(zerolog.Nop(), nil, "test-version")
	Register(b, Deps{
		Driver:        fake,
		ServerVersion: "test-version",
		Connected:     func() bool { return true },
	})
	return b
}

func call(t *testing.T, b *broker.Broker, command string, payload map[string]any) (any, error) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	req := broker.Request{MessageID: "1", Command: command, Raw: raw}
	result, handlerErr, ok := b.Invoke(context.Background(), req)
	require.True(t, ok, "handler %q not registered", command)
	return result, handlerErr
}

func TestStartListening_ListsDevices(t *testing.T) {
	fake := driver.NewFake(driver.DeviceProperties{Serial: "CAM1", Name: "Front"})
	b := newTestBroker(t, fake)

	res, err := call(t, b, "start_listening", nil)
	require.NoError(t, err)

	m := res.(map[string]any)
	require.Equal(t, []string{"CAM1"}, m["devices"])
}

func TestGetProperties_UnknownDeviceErrors(t *testing.T) {
	fake := driver.NewFake(driver.DeviceProperties{Serial: "CAM1"})
	b := newTestBroker(t, fake)

	_, err := call(t, b, "device.get_properties", map[string]any{"serial": "CAM2"})
	require.Error(t, err)
}

func TestGetProperties_KnownDeviceReturnsPayload(t *testing.T) {
	fake := driver.NewFake(driver.DeviceProperties{Serial: "CAM1", Properties: json.RawMessage(`{"battery":90}`)})
	b := newTestBroker(t, fake)

	res, err := call(t, b, "station.get_properties", map[string]any{"serial": "CAM1"})
	require.NoError(t, err)
	require.JSONEq(t, `{"battery":90}`, string(res.(json.RawMessage)))
}

func TestGetCommands_ReturnsSupportedSet(t *testing.T) {
	fake := driver.NewFake(driver.DeviceProperties{Serial: "CAM1"})
	b := newTestBroker(t, fake)

	res, err := call(t, b, "device.get_commands", map[string]any{"serial": "CAM1"})
	require.NoError(t, err)
	require.Equal(t, supportedDeviceCommands, res.(map[string]any)["commands"])
}

func TestPanAndTilt_SendsCommandToDriver(t *testing.T) {
	fake := driver.NewFake(driver.DeviceProperties{Serial: "CAM1"})
	b := newTestBroker(t, fake)

	_, err := call(t, b, "device.pan_and_tilt", map[string]any{"serial": "CAM1", "payload": map[string]any{"x": 1}})
	require.NoError(t, err)
	require.Len(t, fake.Commands, 1)
	require.Equal(t, "pan_and_tilt", fake.Commands[0].Command)
}

func TestPresetPosition_MissingSerialErrors(t *testing.T) {
	fake := driver.NewFake(driver.DeviceProperties{Serial: "CAM1"})
	b := newTestBroker(t, fake)

	_, err := call(t, b, "device.preset_position", map[string]any{})
	require.Error(t, err)
}
