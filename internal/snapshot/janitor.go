package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Janitor periodically removes snapshot files and sidecar entries for
// cameras no longer known to the driver, so a camera removed from the
// account does not leave a stale image behind forever.
type Janitor struct {
	scheduler gocron.Scheduler
	writer    *Writer
	interval  time.Duration
	known     func() map[string]bool
}

// NewJanitor builds a janitor that calls known() on every tick to decide
// which serials are still valid, pruning everything else via
// Writer.PruneOrphans.
func NewJanitor(writer *Writer, interval time.Duration, known func() map[string]bool) (*Janitor, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating snapshot janitor scheduler: %w", err)
	}
	return &Janitor{scheduler: scheduler, writer: writer, interval: interval, known: known}, nil
}

// Start registers the prune job and starts the scheduler. It does not
// block; call Shutdown (or cancel ctx) to stop it.
func (j *Janitor) Start(ctx context.Context) error {
	_, err := j.scheduler.NewJob(
		gocron.DurationJob(j.interval),
		gocron.NewTask(func() {
			j.writer.PruneOrphans(j.known())
		}),
	)
	if err != nil {
		return fmt.Errorf("scheduling snapshot prune job: %w", err)
	}

	j.scheduler.Start()

	go func() {
		<-ctx.Done()
		_ = j.scheduler.Shutdown()
	}()

	return nil
}

// Shutdown stops the scheduler immediately.
func (j *Janitor) Shutdown() error {
	return j.scheduler.Shutdown()
}
