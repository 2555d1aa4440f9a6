// Package ids generates identifiers. Messages get ULIDs so their IDs sort
// in creation order; everything else uses random UUIDs.
package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewMessageID returns a lexicographically sortable message identifier.
func NewMessageID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return "msg_" + ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// New returns a random identifier with the given prefix.
func New(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
