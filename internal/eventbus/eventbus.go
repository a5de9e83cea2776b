// Package eventbus embeds a single-process NATS server and client so every
// component that produces an event (the driver-event forwarder in
// cmd/eufyproxy, the snapshot writer) can publish it without importing the
// broker package that ultimately fans it out to WebSocket peers.
package eventbus

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subject names published on the bus. The broker subscribes to Subject* and
// rebroadcasts every message as a WebSocket event frame.
const (
	SubjectDriverEvent   = "eufy.driver.event"
	SubjectSnapshotSaved = "eufy.snapshot.saved"
	SubjectSessionState  = "eufy.session.state"
)

// Bus is the narrow publish/subscribe handle every component is given; it
// never exposes the underlying NATS types so callers stay decoupled from
// the transport.
type Bus struct {
	conn   *nats.Conn
	server *server.Server
}

// Subscription can be cancelled by the subscriber when it goes away.
type Subscription interface {
	Unsubscribe() error
}

// New starts an embedded, loopback-only NATS server and connects a client
// to it. storeDir is used for the server's JetStream-less on-disk state
// (currently unused beyond satisfying the server's working directory
// requirement); pass "" to use the OS temp dir.
func New(storeDir string) (*Bus, error) {
	if storeDir == "" {
		storeDir = os.TempDir()
	}

	opts := &server.Options{
		Host:        "127.0.0.1",
		Port:        -1, // let the OS pick a free port; this bus never leaves the process
		NoSigs:      true,
		DontListen:  false,
		StoreDir:    storeDir,
		AllowNonTLS: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("creating embedded event bus server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(4 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded event bus server did not become ready")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connecting to embedded event bus: %w", err)
	}

	return &Bus{conn: nc, server: ns}, nil
}

// Publish sends payload on subject to every current subscriber. Publish
// never blocks on slow subscribers; NATS core delivery is fire-and-forget.
func (b *Bus) Publish(subject string, payload []byte) error {
	return b.conn.Publish(subject, payload)
}

// Subscribe registers handler to be called for every message published on
// subject, one message at a time on the subscription's delivery goroutine,
// until the returned Subscription is cancelled or the bus is closed.
func (b *Bus) Subscribe(subject string, handler func(payload []byte)) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %q: %w", subject, err)
	}
	return sub, nil
}

// Close closes the client connection (without draining pending messages)
// and shuts the embedded server down.
func (b *Bus) Close(ctx context.Context) {
	if b.conn != nil {
		b.conn.Close()
	}
	if b.server != nil {
		b.server.Shutdown()
		b.server.WaitForShutdown()
	}
}
