// Package hub fans a single producer's fragmented MP4 stream out to many
// HTTP subscribers, gating each one on the init segment so a client that
// joins mid-stream never receives media it cannot decode.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// JoinTimeout bounds how long Join waits for an init segment to become
// available before giving up, per the spec's "join-at-keyframe" wait.
const JoinTimeout = 10 * time.Second

// Subscriber is anywhere a fragment can be written, normally an HTTP
// response body. Write errors mark the subscriber inactive; the hub never
// retries a failed write.
type Subscriber interface {
	Write(p []byte) (int, error)
}

type subscriberEntry struct {
	sub             Subscriber
	joined          bool
	active          bool
	hasReceivedInit bool
}

// Hub owns the subscriber set exclusively; no other component is allowed to
// read or mutate it.
type Hub struct {
	log zerolog.Logger

	mu        sync.Mutex
	init      []byte
	hasInit   bool
	initReady chan struct{}
	subs      map[string]*subscriberEntry
	maxFanout int
}

func New(log zerolog.Logger) *Hub {
	return &Hub{
		log:       log,
		initReady: make(chan struct{}),
		subs:      make(map[string]*subscriberEntry),
		maxFanout: 32,
	}
}

// SetInit records the current session's init segment and unblocks any
// Join calls waiting on it. It must be called at most once per session;
// call Reset first when starting a new session.
func (h *Hub) SetInit(init []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hasInit {
		return
	}
	h.init = init
	h.hasInit = true
	close(h.initReady)
}

// Reset clears hub state for a brand new session (new encoder, new init
// segment). Any subscribers still registered are dropped; callers are
// expected to have already ended their HTTP responses.
func (h *Hub) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.init = nil
	h.hasInit = false
	h.initReady = make(chan struct{})
	h.subs = make(map[string]*subscriberEntry)
}

// Join registers sub as a new subscriber, blocking until the init segment
// is available (writing it to sub first) or until ctx is cancelled / the
// join timeout elapses. The same id is later passed to Leave.
func (h *Hub) Join(ctx context.Context, id string, sub Subscriber) error {
	h.mu.Lock()
	ready := h.initReady
	h.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(JoinTimeout):
		return context.DeadlineExceeded
	}

	h.mu.Lock()
	init := h.init
	entry := &subscriberEntry{sub: sub, joined: true, active: true}
	h.subs[id] = entry
	h.mu.Unlock()

	// entry is registered (init-pending) before the init segment is
	// written so Leave/Count see it immediately, but Broadcast gates on
	// hasReceivedInit, so a fragment racing in on another goroutine right
	// now still cannot reach this subscriber ahead of its init segment.
	if _, err := sub.Write(init); err != nil {
		h.markInactive(id)
		return err
	}

	h.mu.Lock()
	entry.hasReceivedInit = true
	h.mu.Unlock()
	return nil
}

// Leave removes a subscriber, normally called when its HTTP request
// context is cancelled.
func (h *Hub) Leave(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Init returns the currently cached init segment, or nil if none has been
// captured yet for this session.
func (h *Hub) Init() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.hasInit {
		return nil
	}
	return h.init
}

// Count returns the number of currently joined, active subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.subs {
		if e.active {
			n++
		}
	}
	return n
}

// Broadcast delivers fragment to every active subscriber concurrently,
// bounded to maxFanout in-flight writes, and marks any subscriber whose
// write fails as inactive (it is never retried; the hub does not own
// disconnecting the underlying HTTP response, only bookkeeping).
func (h *Hub) Broadcast(fragment []byte) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.subs))
	entries := make([]*subscriberEntry, 0, len(h.subs))
	for id, e := range h.subs {
		if !e.active || !e.hasReceivedInit {
			continue
		}
		ids = append(ids, id)
		entries = append(entries, e)
	}
	h.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	p := pool.New().WithMaxGoroutines(h.maxFanout)
	for i, e := range entries {
		e := e
		id := ids[i]
		p.Go(func() {
			if _, err := e.sub.Write(fragment); err != nil {
				h.markInactive(id)
			}
		})
	}
	p.Wait()
}

func (h *Hub) markInactive(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.subs[id]; ok {
		e.active = false
	}
}
