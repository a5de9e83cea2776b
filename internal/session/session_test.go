package session

import (
	"context"
	"testing"
	"time"

	"github.com/eufy/streamproxy/internal/driver"
	"github.com/eufy/streamproxy/internal/encoder"
	"github.com/eufy/streamproxy/internal/fmp4"
	"github.com/eufy/streamproxy/internal/hub"
	"github.com/eufy/streamproxy/internal/ingress"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T) (*Controller, *driver.Fake) {
	t.Helper()
	fake := driver.NewFake(driver.DeviceProperties{Serial: "CAM1"})
	ing := ingress.New(zerolog.Nop())
	enc := encoder.New("/bin/true", zerolog.Nop())
	parser := fmp4.New(zerolog.Nop(), func([]byte) {}, func([]byte, bool) {})
	h := hub.New(zerolog.Nop())

	c := New(zerolog.Nop(), fake, ing, enc, parser, h, func() encoder.Tunables {
		return encoder.Tunables{Preset: "veryfast", CRF: 23}
	}, nil)
	t.Cleanup(c.Close)
	return c, fake
}

func TestController_JoinSetsCurrentDevice(t *testing.T) {
	c, fake := newTestController(t)

	// /bin/true exits right after Start() spawns it, but Join itself only
	// depends on the spawn and StartLivestream succeeding synchronously.
	err := c.Join(context.Background(), "CAM1", "sub-a")
	require.NoError(t, err)
	require.Equal(t, "CAM1", c.CurrentDevice())
	require.True(t, fake.IsStreaming("CAM1"))
}

func TestController_SecondCameraConflicts(t *testing.T) {
	c, _ := newTestController(t)

	require.NoError(t, c.Join(context.Background(), "CAM1", "sub-a"))
	err := c.Join(context.Background(), "CAM2", "sub-b")
	require.ErrorIs(t, err, ErrConflict)
}

func TestController_SameCameraSecondSubscriberJoinsFreely(t *testing.T) {
	c, _ := newTestController(t)

	require.NoError(t, c.Join(context.Background(), "CAM1", "sub-a"))
	require.NoError(t, c.Join(context.Background(), "CAM1", "sub-b"))
	require.Equal(t, "CAM1", c.CurrentDevice())
}

func TestController_LeaveLastSubscriberStartsDrain(t *testing.T) {
	c, fake := newTestController(t)

	require.NoError(t, c.Join(context.Background(), "CAM1", "sub-a"))
	c.Leave("sub-a")

	require.Eventually(t, func() bool {
		return !fake.IsStreaming("CAM1")
	}, DrainTimeout+ReleaseTimeout+2*time.Second, 50*time.Millisecond)

	require.Equal(t, "", c.CurrentDevice())
}

func TestController_RejoinDuringDrainCancelsTeardown(t *testing.T) {
	c, fake := newTestController(t)

	require.NoError(t, c.Join(context.Background(), "CAM1", "sub-a"))
	c.Leave("sub-a")

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Join(context.Background(), "CAM1", "sub-b"))

	require.True(t, fake.IsStreaming("CAM1"))
	require.Equal(t, "CAM1", c.CurrentDevice())
}
