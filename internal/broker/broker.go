// Package broker implements the JSON WebSocket control plane at /api:
// request/result command dispatch (sync or async-completing) plus
// broadcast of driver and pipeline events to every connected peer.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/eufy/streamproxy/internal/eventbus"
	"github.com/eufy/streamproxy/internal/system"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// ErrUnknownCommand is reported via Result.ErrorCode, never returned to a
// caller as a Go error.
const ErrUnknownCommand = "Unknown command"

// Handler processes one dispatched command. It may return immediately with
// an acknowledgement (e.g. {"async": true}) and complete the real work on
// its own goroutine, sending an event via Broker.Broadcast once it is
// done — that is how the spec's async commands are implemented; the
// broker itself has no notion of "pending" requests.
type Handler func(ctx context.Context, b *Broker, req Request) (any, error)

type peer struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) writeJSON(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(v)
}

// Broker dispatches commands and fans out events to every connected
// WebSocket peer at /api.
type Broker struct {
	log           zerolog.Logger
	bus           *eventbus.Bus
	serverVersion string
	maxInFlight   int

	mu       sync.RWMutex
	handlers map[string]Handler
	peers    map[string]*peer
}

// New creates a Broker. serverVersion is echoed in the version frame sent
// to every peer on connect.
func New(log zerolog.Logger, bus *eventbus.Bus, serverVersion string) *Broker {
	return &Broker{
		log:           log,
		bus:           bus,
		serverVersion: serverVersion,
		maxInFlight:   8,
		handlers:      make(map[string]Handler),
		peers:         make(map[string]*peer),
	}
}

// Register binds a handler to a command name. Call before serving any
// connections; registration is not safe to race against dispatch.
func (b *Broker) Register(command string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[command] = h
}

// Start subscribes the broker to the event-bus subjects that should be
// rebroadcast verbatim to every peer as {"type":"event","event":...}
// frames: driver property/connection notifications and pipeline events
// like snapshotSaved.
func (b *Broker) Start(subjects ...string) error {
	for _, subject := range subjects {
		subject := subject
		if _, err := b.bus.Subscribe(subject, func(payload []byte) {
			var decoded any
			if err := json.Unmarshal(payload, &decoded); err != nil {
				b.log.Warn().Err(err).Str("subject", subject).Msg("dropping malformed event payload")
				return
			}
			b.Broadcast(decoded)
		}); err != nil {
			return fmt.Errorf("subscribing broker to %q: %w", subject, err)
		}
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the connection at /api, sends the version frame, and
// serves commands until the peer disconnects. A connection is rejected
// before upgrade if no command handlers have been registered at all —
// that would mean the server is still starting up.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.RLock()
	handlerCount := len(b.handlers)
	b.mu.RUnlock()
	if handlerCount == 0 {
		http.Error(w, "no command handlers registered", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	p := &peer{id: system.GenerateConnectionID(), conn: conn}

	b.mu.Lock()
	b.peers[p.id] = p
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.peers, p.id)
		b.mu.Unlock()
	}()

	if err := p.writeJSON(VersionFrame{Type: "version", ServerVersion: b.serverVersion}); err != nil {
		b.log.Debug().Err(err).Msg("failed to write version frame, peer gone")
		return
	}

	b.serve(r.Context(), p)
}

func (b *Broker) serve(ctx context.Context, p *peer) {
	dispatch := pool.New().WithMaxGoroutines(b.maxInFlight)
	defer dispatch.Wait()

	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.log.Debug().Err(err).Str("peer", p.id).Msg("websocket read error")
			}
			return
		}

		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			_ = p.writeJSON(ErrorFrame{Type: "error", Error: "invalid_json", Message: err.Error()})
			continue
		}
		req.Raw = raw

		dispatch.Go(func() {
			b.dispatch(ctx, p, req)
		})
	}
}

func (b *Broker) dispatch(ctx context.Context, p *peer, req Request) {
	result, err, ok := b.Invoke(ctx, req)
	if !ok {
		_ = p.writeJSON(Result{Type: "result", MessageID: req.MessageID, Success: false, ErrorCode: ErrUnknownCommand})
		return
	}

	if writeErr := p.writeJSON(newResult(req.MessageID, result, err)); writeErr != nil {
		b.log.Debug().Err(writeErr).Str("peer", p.id).Msg("failed to write result, peer gone")
	}
}

// Invoke runs the handler registered for req.Command directly, without a
// connected peer. It exists so command handlers can be exercised from tests
// the same way the WebSocket dispatch loop calls them; ok is false if no
// handler is registered for the command.
func (b *Broker) Invoke(ctx context.Context, req Request) (result any, err error, ok bool) {
	b.mu.RLock()
	h, ok := b.handlers[req.Command]
	b.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}

	result, err = func() (res any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return h(ctx, b, req)
	}()
	return result, err, true
}

// Broadcast serializes event once and writes it to every currently
// connected peer; a write error detaches that peer's connection (the read
// loop will observe the close and clean it up).
func (b *Broker) Broadcast(event any) {
	b.mu.RLock()
	peers := make([]*peer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.RUnlock()

	frame := Event{Type: "event", Event: event}
	for _, p := range peers {
		if err := p.writeJSON(frame); err != nil {
			b.log.Debug().Err(err).Str("peer", p.id).Msg("broadcast write failed, closing peer")
			_ = p.conn.Close()
		}
	}
}

// PeerCount reports the number of currently connected WebSocket peers.
func (b *Broker) PeerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.peers)
}
