package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus, err := New(t.TempDir())
	require.NoError(t, err)
	defer bus.Close(context.Background())

	received := make(chan string, 1)
	sub, err := bus.Subscribe(SubjectSnapshotSaved, func(payload []byte) {
		received <- string(payload)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(SubjectSnapshotSaved, []byte("CAM1")))

	select {
	case got := <-received:
		require.Equal(t, "CAM1", got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
