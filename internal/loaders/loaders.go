// Package loaders is the request-scoped data access core: batched message
// fetches, cursor pagination over a soft-deleted message stream, and the
// privacy filter that decides what a viewer may see.
//
// One Session is built per request. Loaders reference each other through a
// lazy registry accessor rather than direct fields so that construction
// order does not matter.
package loaders

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"colloquy/api/internal/featureflags"
	"colloquy/api/internal/store"
	"colloquy/api/internal/viewer"
)

const (
	// InitialMessagesCount is the default page size when a caller does
	// not ask for a specific range.
	InitialMessagesCount = 30
	// MaxMessagesLimit caps every caller-supplied range to bound query
	// cost.
	MaxMessagesLimit = 100
)

// Fail-hard pagination errors. List operations propagate these instead of
// degrading, because a wrong page is worse than a failed request.
var (
	ErrCursorNotFound = errors.New("pagination cursor not found in thread")
)

// Store is the slice of the storage layer the loaders read through. It is
// satisfied by *store.PostgresStore and by the in-memory fakes in tests.
type Store interface {
	GetUser(ctx context.Context, userID string) (store.User, error)
	GetThread(ctx context.Context, threadID string) (store.Thread, error)
	GetThreadByExternalID(ctx context.Context, externalID, platformApplicationID string) (store.Thread, error)
	ListOrgIDsForUser(ctx context.Context, userID string) ([]string, error)
	IsOrgMember(ctx context.Context, userID, orgID string) (bool, error)
	GetOrgMembership(ctx context.Context, userID, orgID string) (*store.OrgMembership, error)
	ListLinkedOrgIDs(ctx context.Context, orgID string) ([]string, error)
	ListThreadParticipants(ctx context.Context, threadID string) ([]store.ThreadParticipant, error)
	HasMatchingRule(ctx context.Context, platformApplicationID string, userDoc, resourceDoc []byte, permission string) (bool, error)

	GetMessagesByIDs(ctx context.Context, messageIDs []string, scope store.MessageScope) ([]store.Message, error)
	GetMessageByExternalID(ctx context.Context, externalID, platformApplicationID string) (store.Message, error)
	GetMessageTimestamp(ctx context.Context, messageID string, threadIDs []string) (time.Time, error)
	ListNonDeletedTimestampsDesc(ctx context.Context, threadID string, scope store.MessageScope, before *time.Time, limit int) ([]time.Time, error)
	ListMessagesInWindow(ctx context.Context, threadID string, scope store.MessageScope, lower, upper *time.Time) ([]store.Message, error)
	ListMessagesPage(ctx context.Context, threadIDs []string, scope store.MessageScope, cursor *time.Time, backward bool, limit int, ignoreDeleted bool) ([]store.Message, error)
	ListMessagesSince(ctx context.Context, threadID string, orgIDs []string, since time.Time) ([]store.Message, error)
}

// Session is the per-request loader registry. Its caches are scoped to one
// viewer and must never outlive or be shared across requests.
type Session struct {
	Viewer viewer.Viewer

	Messages   *MessageLoader
	Privacy    *PrivacyLoader
	Threads    *ThreadLoader
	OrgMembers *OrgMembersLoader
	LinkedOrgs *LinkedOrgsLoader
	Users      *UserLoader
}

// NewSession wires all loaders for one request. Every loader receives the
// same zero-argument accessor, resolved lazily on first use, which is what
// breaks the circular construction dependency between them.
func NewSession(v viewer.Viewer, st Store, flags featureflags.Source, logger *log.Logger) *Session {
	s := &Session{Viewer: v}
	registry := func() *Session { return s }

	s.Messages = newMessageLoader(v, st, logger, registry)
	s.Privacy = newPrivacyLoader(v, st, flags, logger, registry)
	s.Threads = newThreadLoader(st, registry)
	s.OrgMembers = newOrgMembersLoader(v, st)
	s.LinkedOrgs = newLinkedOrgsLoader(v, st)
	s.Users = newUserLoader(st)
	return s
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
