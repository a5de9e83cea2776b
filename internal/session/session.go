// Package session implements the single active-camera session controller:
// it decides which camera (if any) is currently streaming, starts and tears
// down the encoder/ingress pipeline around it, and serializes every
// external trigger (client join/leave, resolution change, encoder exit,
// drain/release timers) through one command loop so no two can interleave.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eufy/streamproxy/internal/driver"
	"github.com/eufy/streamproxy/internal/encoder"
	"github.com/eufy/streamproxy/internal/fmp4"
	"github.com/eufy/streamproxy/internal/hub"
	"github.com/eufy/streamproxy/internal/ingress"
	"github.com/rs/zerolog"
)

// DrainTimeout is how long a session with zero subscribers keeps the
// encoder running before draining it, in case a client rejoins quickly.
const DrainTimeout = 5 * time.Second

// ReleaseTimeout is how long a draining session waits before fully
// releasing the camera back to the driver (stopping its livestream).
const ReleaseTimeout = 2 * time.Second

type state string

const (
	stateEmpty    state = "empty"
	stateActive   state = "active"
	stateDraining state = "draining"
)

// Controller is the single active-camera session controller.
type Controller struct {
	log     zerolog.Logger
	drv     driver.Driver
	ingress *ingress.Ingress
	enc     *encoder.Supervisor
	parser  *fmp4.Parser
	hub     *hub.Hub
	tunables func() encoder.Tunables
	onSessionEnd func(serial string, keyframe []byte)

	cmds   chan func()
	closed atomic.Bool

	state          state
	currentDevice  string
	currentCodec   driver.Codec
	subscriberIDs  map[string]bool
	drainTimer     *time.Timer
	releaseTimer   *time.Timer

	kfMu      sync.Mutex
	latestKeyframe []byte
}

func New(
	log zerolog.Logger,
	drv driver.Driver,
	ing *ingress.Ingress,
	enc *encoder.Supervisor,
	parser *fmp4.Parser,
	h *hub.Hub,
	tunables func() encoder.Tunables,
	onSessionEnd func(serial string, keyframe []byte),
) *Controller {
	c := &Controller{
		log:           log,
		drv:           drv,
		ingress:       ing,
		enc:           enc,
		parser:        parser,
		hub:           h,
		tunables:      tunables,
		onSessionEnd:  onSessionEnd,
		cmds:          make(chan func(), 16),
		state:         stateEmpty,
		subscriberIDs: make(map[string]bool),
	}
	go c.run()
	return c
}

// SetKeyframeFragment records the most recent self-decoding snapshot
// candidate (initSegment ⧺ fragment), per the fmp4 parser's heuristic. It
// is called from the encoder output pump, outside the controller's
// serialized command loop, so it is guarded by its own lock.
func (c *Controller) SetKeyframeFragment(b []byte) {
	c.kfMu.Lock()
	c.latestKeyframe = b
	c.kfMu.Unlock()
}

func (c *Controller) takeKeyframeFragment() []byte {
	c.kfMu.Lock()
	defer c.kfMu.Unlock()
	return c.latestKeyframe
}

func (c *Controller) clearKeyframeFragment() {
	c.kfMu.Lock()
	c.latestKeyframe = nil
	c.kfMu.Unlock()
}

func (c *Controller) run() {
	for cmd := range c.cmds {
		cmd()
	}
}

func (c *Controller) do(fn func()) {
	if c.closed.Load() {
		return
	}
	done := make(chan struct{})
	c.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

// Join requests streaming of serial for subscriberID. If a different
// camera is currently active, ErrConflict is returned (maps to HTTP 409).
// A failure to start the encoder or the livestream for a brand new session
// is returned wrapped. Join never returns ErrNotReady.
func (c *Controller) Join(ctx context.Context, serial, subscriberID string) error {
	var err error
	c.do(func() {
		err = c.joinLocked(ctx, serial, subscriberID)
	})
	return err
}

var (
	ErrConflict = fmt.Errorf("a different camera is already active")
	ErrNotReady = fmt.Errorf("session is starting, not ready yet")
)

func (c *Controller) joinLocked(ctx context.Context, serial, subscriberID string) error {
	if c.state != stateEmpty && c.currentDevice != serial {
		return ErrConflict
	}

	if c.drainTimer != nil {
		c.drainTimer.Stop()
		c.drainTimer = nil
	}
	if c.releaseTimer != nil {
		c.releaseTimer.Stop()
		c.releaseTimer = nil
	}

	if c.state == stateEmpty {
		if err := c.startSessionLocked(ctx, serial); err != nil {
			return err
		}
	}

	c.state = stateActive
	c.subscriberIDs[subscriberID] = true
	return nil
}

func (c *Controller) startSessionLocked(ctx context.Context, serial string) error {
	c.parser.Reset()
	c.hub.Reset()
	c.clearKeyframeFragment()

	videoSink, audioSink, err := c.enc.Start(
		ctx,
		encoder.InputSpec{VideoPipe: "pipe:0", Codec: c.currentCodec},
		c.tunables(),
		true,
		c.parser.Feed,
		func(exitErr error) { c.onEncoderExit(serial, exitErr) },
	)
	if err != nil {
		return fmt.Errorf("starting encoder: %w", err)
	}

	c.ingress.Attach(videoSink, audioSink, func(m ingress.Metadata) {
		c.onResolutionChange(serial, m)
	})

	if err := c.drv.StartLivestream(ctx, serial,
		c.ingress.OnVideoFrame, c.ingress.OnAudioFrame); err != nil {
		c.enc.Stop()
		return fmt.Errorf("starting livestream: %w", err)
	}

	c.currentDevice = serial
	return nil
}

// Leave removes subscriberID from the session. If no subscribers remain,
// the drain timer starts.
func (c *Controller) Leave(subscriberID string) {
	c.do(func() {
		delete(c.subscriberIDs, subscriberID)
		c.hub.Leave(subscriberID)
		if len(c.subscriberIDs) == 0 && c.state == stateActive {
			c.startDrainLocked()
		}
	})
}

func (c *Controller) startDrainLocked() {
	c.state = stateDraining
	c.drainTimer = time.AfterFunc(DrainTimeout, func() {
		c.do(c.onDrainElapsedLocked)
	})
}

func (c *Controller) onDrainElapsedLocked() {
	if c.state != stateDraining || len(c.subscriberIDs) > 0 {
		return
	}
	c.enc.Drain()
	c.releaseTimer = time.AfterFunc(ReleaseTimeout, func() {
		c.do(c.onReleaseElapsedLocked)
	})
}

func (c *Controller) onReleaseElapsedLocked() {
	if c.state != stateDraining || len(c.subscriberIDs) > 0 {
		return
	}
	c.teardownLocked()
}

func (c *Controller) teardownLocked() {
	serial := c.currentDevice
	if serial != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.drv.StopLivestream(ctx, serial); err != nil {
			c.log.Warn().Err(err).Str("serial", serial).Msg("failed to stop livestream")
		}
		cancel()
	}
	c.enc.Stop()
	c.ingress.Detach()
	c.state = stateEmpty
	c.currentDevice = ""
	c.currentCodec = ""
	c.subscriberIDs = make(map[string]bool)
}

// onResolutionChange is invoked by the ingress adapter when the active
// camera's resolution or codec changes mid-session. The spec requires a
// fresh encoder/init segment rather than attempting to reconfigure the
// running encoder.
func (c *Controller) onResolutionChange(serial string, m ingress.Metadata) {
	c.do(func() {
		if c.state == stateEmpty || c.currentDevice != serial {
			return
		}
		c.log.Info().Str("serial", serial).Int("width", m.Width).Int("height", m.Height).
			Str("codec", string(m.Codec)).Msg("resolution changed, restarting encoder session")
		c.currentCodec = m.Codec
		c.enc.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.startSessionLocked(ctx, serial); err != nil {
			c.log.Error().Err(err).Msg("failed to restart session after resolution change")
			c.teardownLocked()
		}
	})
}

// onEncoderExit is invoked when the supervised encoder process exits. If
// subscribers are still present this is an unexpected failure and the
// session is restarted; if the session was draining, this is expected.
func (c *Controller) onEncoderExit(serial string, exitErr error) {
	c.do(func() {
		if c.state == stateEmpty || c.currentDevice != serial {
			return
		}

		if kf := c.takeKeyframeFragment(); kf != nil && c.onSessionEnd != nil {
			c.onSessionEnd(serial, kf)
		}

		if c.state == stateDraining {
			return
		}
		if exitErr == nil {
			return
		}
		c.log.Warn().Err(exitErr).Str("serial", serial).Msg("encoder exited unexpectedly, restarting")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.startSessionLocked(ctx, serial); err != nil {
			c.log.Error().Err(err).Msg("failed to restart session after encoder crash")
			c.teardownLocked()
		}
	})
}

// CurrentDevice returns the serial of the active camera, or "" if none.
func (c *Controller) CurrentDevice() string {
	var out string
	c.do(func() { out = c.currentDevice })
	return out
}

// IsActive reports whether a camera session is currently active or
// draining, for the health endpoint. It does not check whether the encoder
// process itself is still running.
func (c *Controller) IsActive() bool {
	var out bool
	c.do(func() { out = c.state != stateEmpty })
	return out
}

// HasKeyframeFragment reports whether a snapshot candidate fragment has
// been captured for the current session.
func (c *Controller) HasKeyframeFragment() bool {
	c.kfMu.Lock()
	defer c.kfMu.Unlock()
	return c.latestKeyframe != nil
}

// Close shuts the controller down, releasing any active camera.
func (c *Controller) Close() {
	c.do(func() {
		if c.drainTimer != nil {
			c.drainTimer.Stop()
		}
		if c.releaseTimer != nil {
			c.releaseTimer.Stop()
		}
		if c.state != stateEmpty {
			c.teardownLocked()
		}
	})
	c.closed.Store(true)
	close(c.cmds)
}
