package system

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/oklog/ulid/v2"
)

// GenerateSessionID returns a new encoder session identifier.
func GenerateSessionID() string {
	return uuid.NewString()
}

// GenerateConnectionID returns a new subscriber/WebSocket connection
// identifier. nanoid is used here instead of uuid because connection IDs
// are logged constantly and benefit from being short.
func GenerateConnectionID() string {
	id, err := gonanoid.New(12)
	if err != nil {
		return uuid.NewString()
	}
	return id
}

// eventEntropy is shared by every GenerateEventID call so IDs generated
// within the same millisecond still sort in generation order.
var (
	eventEntropyMu sync.Mutex
	eventEntropy   = ulid.Monotonic(rand.Reader, 0)
)

// GenerateEventID returns a new, time-sortable event identifier for broker
// event frames.
func GenerateEventID() string {
	eventEntropyMu.Lock()
	defer eventEntropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), eventEntropy)
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
