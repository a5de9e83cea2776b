package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/eufy/streamproxy/internal/broker"
	"github.com/eufy/streamproxy/internal/commands"
	"github.com/eufy/streamproxy/internal/config"
	"github.com/eufy/streamproxy/internal/driver"
	"github.com/eufy/streamproxy/internal/encoder"
	"github.com/eufy/streamproxy/internal/eventbus"
	"github.com/eufy/streamproxy/internal/fmp4"
	"github.com/eufy/streamproxy/internal/hub"
	"github.com/eufy/streamproxy/internal/httpapi"
	"github.com/eufy/streamproxy/internal/ingress"
	"github.com/eufy/streamproxy/internal/session"
	"github.com/eufy/streamproxy/internal/snapshot"
	"github.com/eufy/streamproxy/internal/system"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// snapshotPruneInterval is how often the janitor sweeps orphaned snapshot
// files for cameras no longer present in the account's device list.
const snapshotPruneInterval = 6 * time.Hour

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the eufyproxy server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			boot, err := config.LoadBootstrapConfig()
			if err != nil {
				return fmt.Errorf("loading bootstrap config: %w", err)
			}
			return serve(cmd.Context(), boot)
		},
	}
}

func serve(ctx context.Context, boot *config.BootstrapConfig) error {
	system.SetupLogging(boot.LogLevel)

	cm := system.NewCleanupManager()
	defer cm.Cleanup(ctx)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := config.OpenStore(filepath.Join(boot.DataDir, "config.json"), system.NewComponentLogger("config"))
	if err != nil {
		return fmt.Errorf("opening config store: %w", err)
	}
	cm.Add("config store", func(context.Context) { _ = store.Close() })

	bus, err := eventbus.New(filepath.Join(boot.DataDir, "eventbus"))
	if err != nil {
		return fmt.Errorf("starting event bus: %w", err)
	}
	cm.Add("event bus", func(ctx context.Context) { bus.Close(ctx) })

	// The cloud camera driver library is out of scope for this proxy (see
	// spec's explicit non-goal); Fake stands in as the pluggable driver
	// collaborator until a real implementation is wired in.
	drv := driver.NewFake(driver.DeviceProperties{Serial: "DEMO1", Name: "Demo Camera"})
	cm.Add("driver", func(context.Context) { _ = drv.Close() })
	if err := drv.Connect(ctx); err != nil {
		return fmt.Errorf("connecting driver: %w", err)
	}

	ing := ingress.New(system.NewComponentLogger("ingress"))
	enc := encoder.New(boot.EncoderBinary, system.NewComponentLogger("encoder"))
	h := hub.New(system.NewComponentLogger("hub"))

	snaps, err := snapshot.New(boot.EncoderBinary, boot.DataDir, system.NewComponentLogger("snapshot"), bus)
	if err != nil {
		return fmt.Errorf("opening snapshot writer: %w", err)
	}

	// sess is assigned below; the fragment handler only reads it once a
	// fragment has actually arrived, by which point Start() has returned.
	var sess *session.Controller
	parser := fmp4.New(system.NewComponentLogger("fmp4"),
		func(init []byte) { h.SetInit(init) },
		func(fragment []byte, isSnapshotCandidate bool) {
			h.Broadcast(fragment)
			if isSnapshotCandidate {
				if init := h.Init(); init != nil {
					combined := make([]byte, 0, len(init)+len(fragment))
					combined = append(combined, init...)
					combined = append(combined, fragment...)
					sess.SetKeyframeFragment(combined)
				}
			}
		},
	)

	sess = session.New(
		system.NewComponentLogger("session"),
		drv, ing, enc, parser, h,
		func() encoder.Tunables {
			cfg := store.Get().Transcode
			return encoder.Tunables{
				Preset:         cfg.Preset,
				CRF:            cfg.CRF,
				Scale:          cfg.Scale,
				Threads:        cfg.Threads,
				ShortKeyframes: cfg.ShortKeyframes,
				MaxBitrateKbps: cfg.MaxBitrateKbps,
			}
		},
		func(serial string, keyframe []byte) {
			go func() {
				saveCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := snaps.Save(saveCtx, serial, keyframe); err != nil {
					log.Warn().Err(err).Str("serial", serial).Msg("failed to save session-end snapshot")
				}
			}()
		},
	)
	cm.Add("session controller", func(context.Context) { sess.Close() })

	janitor, err := snapshot.NewJanitor(snaps, snapshotPruneInterval, func() map[string]bool {
		devices, err := drv.Devices(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to list devices for snapshot janitor")
			return nil
		}
		known := make(map[string]bool, len(devices))
		for _, d := range devices {
			known[d.Serial] = true
		}
		return known
	})
	if err != nil {
		return fmt.Errorf("creating snapshot janitor: %w", err)
	}
	if err := janitor.Start(ctx); err != nil {
		return fmt.Errorf("starting snapshot janitor: %w", err)
	}
	cm.Add("snapshot janitor", func(context.Context) { _ = janitor.Shutdown() })

	b := broker.New(system.NewComponentLogger("broker"), bus, getVersion())
	commands.Register(b, commands.Deps{
		Driver:        drv,
		Session:       sess,
		Bus:           bus,
		ServerVersion: getVersion(),
		Connected:     func() bool { return true },
	})
	if err := b.Start(eventbus.SubjectDriverEvent, eventbus.SubjectSnapshotSaved, eventbus.SubjectSessionState); err != nil {
		return fmt.Errorf("starting broker event subscriptions: %w", err)
	}

	go forwardDriverEvents(ctx, drv, bus)

	router := httpapi.New(system.NewComponentLogger("httpapi"), store, sess, h, ing, parser, b, drv, func(cfg config.Config) {
		log.Info().Msg("configuration updated, changes take effect on next session start")
	})

	httpServer := &http.Server{Addr: boot.HTTPAddr, Handler: router}
	cm.Add("http server", func(ctx context.Context) { _ = httpServer.Shutdown(ctx) })

	go func() {
		log.Info().Str("addr", boot.HTTPAddr).Msg("eufyproxy listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	return nil
}

// forwardDriverEvents republishes every driver-pushed notification onto the
// event bus, so the broker's subscription in serve() fans it out to peers
// without the driver package needing to know about the bus.
func forwardDriverEvents(ctx context.Context, drv driver.Driver, bus *eventbus.Bus) {
	for {
		select {
		case ev, ok := <-drv.Events():
			if !ok {
				return
			}
			envelope, err := json.Marshal(ev)
			if err != nil {
				log.Warn().Err(err).Msg("failed to encode driver event")
				continue
			}
			if err := bus.Publish(eventbus.SubjectDriverEvent, envelope); err != nil {
				log.Warn().Err(err).Msg("failed to publish driver event")
			}
		case <-ctx.Done():
			return
		}
	}
}
