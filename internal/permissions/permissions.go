// Package permissions defines the permission vocabulary for granular
// access rules and the JSON descriptors rules are matched against.
package permissions

import (
	"encoding/json"
	"fmt"
)

type Permission string

const (
	ThreadRead            Permission = "thread:read"
	ThreadSendMessage     Permission = "thread:send-message"
	MessageRead           Permission = "message:read"
	ThreadParticipantRead Permission = "thread-participant:read"
)

func Normalize(value string) (Permission, bool) {
	switch Permission(value) {
	case ThreadRead, ThreadSendMessage, MessageRead, ThreadParticipantRead:
		return Permission(value), true
	default:
		return "", false
	}
}

// Descriptor is the document a rule selector is evaluated against: the
// customer-facing ID plus the arbitrary metadata bag, nothing else.
// Internal IDs deliberately never appear here.
type Descriptor struct {
	ID       string          `json:"id"`
	Metadata json.RawMessage `json:"metadata"`
}

// Marshal renders the descriptor for the storage engine's jsonpath match.
// A missing metadata bag is normalized to an empty object so selectors
// like `$.metadata.admin == true` evaluate rather than error.
func (d Descriptor) Marshal() ([]byte, error) {
	if len(d.Metadata) == 0 {
		d.Metadata = json.RawMessage(`{}`)
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal descriptor: %w", err)
	}
	return raw, nil
}
