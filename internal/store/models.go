package store

import (
	"encoding/json"
	"time"
)

type Org struct {
	ID                    string
	ExternalID            string
	Name                  string
	PlatformApplicationID *string
	CreatedAt             time.Time
}

type User struct {
	ID                    string
	ExternalID            string
	DisplayName           string
	Email                 string
	Metadata              json.RawMessage
	PlatformApplicationID *string
	CreatedAt             time.Time
}

type OrgMembership struct {
	UserID    string
	OrgID     string
	CreatedAt time.Time
}

type Thread struct {
	ID                    string
	ExternalID            string
	OrgID                 string
	PlatformApplicationID *string
	Metadata              json.RawMessage
	CreatedAt             time.Time
}

// Message rows are never physically removed: a deleted message keeps its
// row with DeletedTimestamp set so pagination windows can still account
// for its position in the thread ordering.
type Message struct {
	ID                    string
	ExternalID            string
	ThreadID              string
	OrgID                 string
	PlatformApplicationID *string
	Content               string
	Metadata              json.RawMessage
	Timestamp             time.Time
	DeletedTimestamp      *time.Time
}

func (m *Message) IsDeleted() bool {
	return m.DeletedTimestamp != nil
}

type ThreadParticipant struct {
	ThreadID          string
	UserID            string
	LastSeenTimestamp *time.Time
}

// PermissionRule grants its permission set to every (user, resource) pair
// whose JSON descriptors satisfy both jsonpath selectors. Rules are scoped
// to exactly one platform application.
type PermissionRule struct {
	ID                    string
	PlatformApplicationID string
	UserSelector          string
	ResourceSelector      string
	Permissions           []string
	CreatedAt             time.Time
}

// MessageScope narrows message queries to what a viewer could ever see:
// either one platform application, or an explicit set of org IDs.
type MessageScope struct {
	PlatformApplicationID *string
	OrgIDs                []string
}
