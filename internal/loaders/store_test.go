package loaders

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"colloquy/api/internal/featureflags"
	"colloquy/api/internal/store"
	"colloquy/api/internal/viewer"
)

// fakeStore is an in-memory Store. Query methods reproduce the storage
// layer's filtering and ordering so the pagination algorithms can be
// exercised without a database; individual methods can be overridden with
// function fields when a test needs errors or custom rule matching.
type fakeStore struct {
	mu sync.Mutex

	users        map[string]store.User
	threads      map[string]store.Thread
	memberships  map[string][]string // userID -> orgIDs
	links        map[string][]string // orgID -> linked orgIDs, both directions
	participants map[string][]store.ThreadParticipant
	messages     []store.Message

	getMessagesByIDsFn func(context.Context, []string, store.MessageScope) ([]store.Message, error)
	hasMatchingRuleFn  func(ctx context.Context, platformApplicationID string, userDoc, resourceDoc []byte, permission string) (bool, error)

	getMessagesByIDsCalls int
	listOrgIDsCalls       int
	getThreadCalls        int
	getUserCalls          int
	listLinkedCalls       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:        make(map[string]store.User),
		threads:      make(map[string]store.Thread),
		memberships:  make(map[string][]string),
		links:        make(map[string][]string),
		participants: make(map[string][]store.ThreadParticipant),
	}
}

func (f *fakeStore) addUser(user store.User) {
	f.users[user.ID] = user
}

func (f *fakeStore) addThread(thread store.Thread) {
	f.threads[thread.ID] = thread
}

func (f *fakeStore) addMember(userID, orgID string) {
	f.memberships[userID] = append(f.memberships[userID], orgID)
}

func (f *fakeStore) linkOrgs(a, b string) {
	f.links[a] = append(f.links[a], b)
	f.links[b] = append(f.links[b], a)
}

func (f *fakeStore) addMessage(message store.Message) {
	f.messages = append(f.messages, message)
}

func (f *fakeStore) inScope(message store.Message, scope store.MessageScope) bool {
	if scope.PlatformApplicationID != nil {
		return message.PlatformApplicationID != nil && *message.PlatformApplicationID == *scope.PlatformApplicationID
	}
	for _, orgID := range scope.OrgIDs {
		if message.OrgID == orgID {
			return true
		}
	}
	return false
}

func (f *fakeStore) GetUser(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getUserCalls++
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) GetThread(_ context.Context, threadID string) (store.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getThreadCalls++
	thread, ok := f.threads[threadID]
	if !ok {
		return store.Thread{}, sql.ErrNoRows
	}
	return thread, nil
}

func (f *fakeStore) GetThreadByExternalID(_ context.Context, externalID, platformApplicationID string) (store.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, thread := range f.threads {
		if thread.ExternalID == externalID && thread.PlatformApplicationID != nil && *thread.PlatformApplicationID == platformApplicationID {
			return thread, nil
		}
	}
	return store.Thread{}, sql.ErrNoRows
}

func (f *fakeStore) ListOrgIDsForUser(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listOrgIDsCalls++
	return append([]string{}, f.memberships[userID]...), nil
}

func (f *fakeStore) IsOrgMember(_ context.Context, userID, orgID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.memberships[userID] {
		if id == orgID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) GetOrgMembership(_ context.Context, userID, orgID string) (*store.OrgMembership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.memberships[userID] {
		if id == orgID {
			return &store.OrgMembership{UserID: userID, OrgID: orgID}, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListLinkedOrgIDs(_ context.Context, orgID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listLinkedCalls++
	return append([]string{}, f.links[orgID]...), nil
}

func (f *fakeStore) ListThreadParticipants(_ context.Context, threadID string) ([]store.ThreadParticipant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.ThreadParticipant{}, f.participants[threadID]...), nil
}

func (f *fakeStore) HasMatchingRule(ctx context.Context, platformApplicationID string, userDoc, resourceDoc []byte, permission string) (bool, error) {
	if f.hasMatchingRuleFn != nil {
		return f.hasMatchingRuleFn(ctx, platformApplicationID, userDoc, resourceDoc, permission)
	}
	return false, nil
}

func (f *fakeStore) GetMessagesByIDs(ctx context.Context, messageIDs []string, scope store.MessageScope) ([]store.Message, error) {
	f.mu.Lock()
	f.getMessagesByIDsCalls++
	override := f.getMessagesByIDsFn
	f.mu.Unlock()
	if override != nil {
		return override(ctx, messageIDs, scope)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}
	items := make([]store.Message, 0)
	for _, message := range f.messages {
		if _, ok := wanted[message.ID]; !ok {
			continue
		}
		if f.inScope(message, scope) {
			items = append(items, message)
		}
	}
	return items, nil
}

func (f *fakeStore) GetMessageByExternalID(_ context.Context, externalID, platformApplicationID string) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, message := range f.messages {
		if message.ExternalID == externalID && message.PlatformApplicationID != nil && *message.PlatformApplicationID == platformApplicationID {
			return message, nil
		}
	}
	return store.Message{}, sql.ErrNoRows
}

func (f *fakeStore) GetMessageTimestamp(_ context.Context, messageID string, threadIDs []string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, message := range f.messages {
		if message.ID != messageID {
			continue
		}
		for _, threadID := range threadIDs {
			if message.ThreadID == threadID {
				return message.Timestamp, nil
			}
		}
	}
	return time.Time{}, sql.ErrNoRows
}

func (f *fakeStore) ListNonDeletedTimestampsDesc(_ context.Context, threadID string, scope store.MessageScope, before *time.Time, limit int) ([]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]time.Time, 0)
	for _, message := range f.messages {
		if message.ThreadID != threadID || !f.inScope(message, scope) || message.IsDeleted() {
			continue
		}
		if before != nil && !message.Timestamp.Before(*before) {
			continue
		}
		items = append(items, message.Timestamp)
	}
	sort.Slice(items, func(i, j int) bool { return items[j].Before(items[i]) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeStore) ListMessagesInWindow(_ context.Context, threadID string, scope store.MessageScope, lower, upper *time.Time) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Message, 0)
	for _, message := range f.messages {
		if message.ThreadID != threadID || !f.inScope(message, scope) {
			continue
		}
		if lower != nil && message.Timestamp.Before(*lower) {
			continue
		}
		if upper != nil && !message.Timestamp.Before(*upper) {
			continue
		}
		items = append(items, message)
	}
	sortAscending(items)
	return items, nil
}

func (f *fakeStore) ListMessagesPage(_ context.Context, threadIDs []string, scope store.MessageScope, cursor *time.Time, backward bool, limit int, ignoreDeleted bool) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inThreads := make(map[string]struct{}, len(threadIDs))
	for _, id := range threadIDs {
		inThreads[id] = struct{}{}
	}
	items := make([]store.Message, 0)
	for _, message := range f.messages {
		if _, ok := inThreads[message.ThreadID]; !ok {
			continue
		}
		if !f.inScope(message, scope) {
			continue
		}
		if ignoreDeleted && message.IsDeleted() {
			continue
		}
		if cursor != nil {
			if backward && !message.Timestamp.Before(*cursor) {
				continue
			}
			if !backward && !message.Timestamp.After(*cursor) {
				continue
			}
		}
		items = append(items, message)
	}
	if backward {
		sort.Slice(items, func(i, j int) bool { return items[j].Timestamp.Before(items[i].Timestamp) })
	} else {
		sortAscending(items)
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeStore) ListMessagesSince(_ context.Context, threadID string, orgIDs []string, since time.Time) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(orgIDs) == 0 {
		return []store.Message{}, nil
	}
	inOrgs := make(map[string]struct{}, len(orgIDs))
	for _, id := range orgIDs {
		inOrgs[id] = struct{}{}
	}
	items := make([]store.Message, 0)
	for _, message := range f.messages {
		if message.ThreadID != threadID || message.IsDeleted() {
			continue
		}
		if _, ok := inOrgs[message.OrgID]; !ok {
			continue
		}
		if message.Timestamp.Before(since) {
			continue
		}
		items = append(items, message)
	}
	sortAscending(items)
	return items, nil
}

func sortAscending(items []store.Message) {
	sort.Slice(items, func(i, j int) bool { return items[i].Timestamp.Before(items[j].Timestamp) })
}

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func newTestSession(v viewer.Viewer, fs *fakeStore, granularDefault bool) *Session {
	return NewSession(v, fs, featureflags.NewStatic(granularDefault), testLogger())
}

func strPtr(value string) *string {
	return &value
}

func intPtr(value int) *int {
	return &value
}

// baseTime anchors the synthetic message timelines.
var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func at(offset int) time.Time {
	return baseTime.Add(time.Duration(offset) * time.Minute)
}

func liveMessage(id, threadID, orgID string, offset int) store.Message {
	return store.Message{
		ID:         id,
		ExternalID: "ext-" + id,
		ThreadID:   threadID,
		OrgID:      orgID,
		Content:    "message " + id,
		Timestamp:  at(offset),
	}
}

func deletedMessage(id, threadID, orgID string, offset int) store.Message {
	message := liveMessage(id, threadID, orgID, offset)
	deletedAt := at(offset + 1)
	message.DeletedTimestamp = &deletedAt
	return message
}

// containsExternalID reports whether a marshalled rule descriptor carries
// the given customer-facing ID. Stands in for a jsonpath selector match.
func containsExternalID(doc []byte, externalID string) bool {
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return false
	}
	return parsed.ID == externalID
}

func messageIDs(messages []store.Message) []string {
	ids := make([]string, 0, len(messages))
	for _, message := range messages {
		ids = append(ids, message.ID)
	}
	return ids
}
