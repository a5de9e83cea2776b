package hub

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type bufSubscriber struct {
	buf    bytes.Buffer
	failOn int
	writes int
}

func (b *bufSubscriber) Write(p []byte) (int, error) {
	b.writes++
	if b.failOn != 0 && b.writes == b.failOn {
		return 0, context.Canceled
	}
	return b.buf.Write(p)
}

func TestHub_JoinReceivesInitFirst(t *testing.T) {
	h := New(zerolog.Nop())
	h.SetInit([]byte("INIT"))

	sub := &bufSubscriber{}
	err := h.Join(context.Background(), "a", sub)
	require.NoError(t, err)
	require.Equal(t, "INIT", sub.buf.String())
}

func TestHub_JoinBlocksUntilInitThenTimesOut(t *testing.T) {
	h := New(zerolog.Nop())
	sub := &bufSubscriber{}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.Join(ctx, "a", sub)
	require.Error(t, err)
}

func TestHub_BroadcastDeliversToAllActive(t *testing.T) {
	h := New(zerolog.Nop())
	h.SetInit([]byte("INIT"))

	subA := &bufSubscriber{}
	subB := &bufSubscriber{}
	require.NoError(t, h.Join(context.Background(), "a", subA))
	require.NoError(t, h.Join(context.Background(), "b", subB))

	h.Broadcast([]byte("FRAG1"))

	require.Equal(t, "INITFRAG1", subA.buf.String())
	require.Equal(t, "INITFRAG1", subB.buf.String())
	require.Equal(t, 2, h.Count())
}

func TestHub_WriteFailureMarksInactive(t *testing.T) {
	h := New(zerolog.Nop())
	h.SetInit([]byte("INIT"))

	sub := &bufSubscriber{failOn: 2} // write 1 is the init segment, write 2 is FRAG1
	require.NoError(t, h.Join(context.Background(), "a", sub))

	h.Broadcast([]byte("FRAG1"))
	require.Equal(t, 0, h.Count())
}

// gatedSubscriber blocks its init write until released, so a test can force
// a Broadcast to race in while a Join is still in flight.
type gatedSubscriber struct {
	bufSubscriber
	release chan struct{}
}

func (g *gatedSubscriber) Write(p []byte) (int, error) {
	if string(p) == "INIT" {
		<-g.release
	}
	return g.bufSubscriber.Write(p)
}

func TestHub_BroadcastDuringJoinNeverPrecedesInit(t *testing.T) {
	h := New(zerolog.Nop())
	h.SetInit([]byte("INIT"))

	sub := &gatedSubscriber{release: make(chan struct{})}

	joinDone := make(chan error, 1)
	go func() {
		joinDone <- h.Join(context.Background(), "a", sub)
	}()

	// Give Join a chance to register the subscriber in the hub's set
	// before its blocked init write completes, then race a Broadcast
	// against it: the subscriber is "active" by now but must not yet be
	// eligible for delivery.
	time.Sleep(20 * time.Millisecond)
	h.Broadcast([]byte("RACE"))
	close(sub.release)

	require.NoError(t, <-joinDone)
	require.Equal(t, "INIT", sub.buf.String())

	h.Broadcast([]byte("FRAG1"))
	require.Equal(t, "INITFRAG1", sub.buf.String())
}

func TestHub_ResetStartsNewSession(t *testing.T) {
	h := New(zerolog.Nop())
	h.SetInit([]byte("INIT1"))
	sub := &bufSubscriber{}
	require.NoError(t, h.Join(context.Background(), "a", sub))

	h.Reset()
	require.Equal(t, 0, h.Count())

	h.SetInit([]byte("INIT2"))
	sub2 := &bufSubscriber{}
	require.NoError(t, h.Join(context.Background(), "b", sub2))
	require.Equal(t, "INIT2", sub2.buf.String())
}
