package system

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// CleanupFunc is a single shutdown action registered with a CleanupManager.
type CleanupFunc func(ctx context.Context)

// CleanupManager collects shutdown actions as components start up and runs
// them in LIFO order on Cleanup, so a component torn down never outlives one
// it depends on.
type CleanupManager struct {
	mu      sync.Mutex
	actions []namedCleanup
}

type namedCleanup struct {
	name string
	fn   CleanupFunc
}

func NewCleanupManager() *CleanupManager {
	return &CleanupManager{}
}

// Add registers a cleanup action. name is used only for logging.
func (c *CleanupManager) Add(name string, fn CleanupFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, namedCleanup{name: name, fn: fn})
}

// Cleanup runs every registered action in reverse registration order.
func (c *CleanupManager) Cleanup(ctx context.Context) {
	c.mu.Lock()
	actions := make([]namedCleanup, len(c.actions))
	copy(actions, c.actions)
	c.mu.Unlock()

	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		log.Info().Str("action", a.name).Msg("running cleanup")
		a.fn(ctx)
	}
}
