package app

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"colloquy/api/internal/store"
)

// memStore is an in-memory dataStore for service and handler tests. It
// mirrors the Postgres semantics the loaders rely on: soft deletes keep
// rows, scope predicates match nothing when empty, and missing single
// rows surface sql.ErrNoRows.
type memStore struct {
	mu sync.Mutex

	orgs         map[string]store.Org
	users        map[string]store.User
	threads      map[string]store.Thread
	memberships  map[string][]string
	links        map[string][]string
	participants map[string]map[string]*time.Time
	messages     []store.Message
	rules        map[string]store.PermissionRule

	// ruleMatch overrides granular rule evaluation; nil means no rule
	// matches anything.
	ruleMatch func(platformApplicationID string, userDoc, resourceDoc []byte, permission string) bool

	pingErr error
}

func newMemStore() *memStore {
	return &memStore{
		orgs:         map[string]store.Org{},
		users:        map[string]store.User{},
		threads:      map[string]store.Thread{},
		memberships:  map[string][]string{},
		links:        map[string][]string{},
		participants: map[string]map[string]*time.Time{},
		rules:        map[string]store.PermissionRule{},
	}
}

func (m *memStore) inScope(message store.Message, scope store.MessageScope) bool {
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

func (m *memStore) GetUser(_ context.Context, userID string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) GetThread(_ context.Context, threadID string) (store.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	thread, ok := m.threads[threadID]
	if !ok {
		return store.Thread{}, sql.ErrNoRows
	}
	return thread, nil
}

func (m *memStore) GetThreadByExternalID(_ context.Context, externalID, platformApplicationID string) (store.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, thread := range m.threads {
		if thread.ExternalID == externalID && thread.PlatformApplicationID != nil && *thread.PlatformApplicationID == platformApplicationID {
			return thread, nil
		}
	}
	return store.Thread{}, sql.ErrNoRows
}

func (m *memStore) ListOrgIDsForUser(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.memberships[userID]...), nil
}

func (m *memStore) IsOrgMember(_ context.Context, userID, orgID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.memberships[userID] {
		if id == orgID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) GetOrgMembership(ctx context.Context, userID, orgID string) (*store.OrgMembership, error) {
	member, err := m.IsOrgMember(ctx, userID, orgID)
	if err != nil || !member {
		return nil, err
	}
	return &store.OrgMembership{UserID: userID, OrgID: orgID}, nil
}

func (m *memStore) ListLinkedOrgIDs(_ context.Context, orgID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.links[orgID]...), nil
}

func (m *memStore) ListThreadParticipants(_ context.Context, threadID string) ([]store.ThreadParticipant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.ThreadParticipant, 0)
	for userID, lastSeen := range m.participants[threadID] {
		items = append(items, store.ThreadParticipant{ThreadID: threadID, UserID: userID, LastSeenTimestamp: lastSeen})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].UserID < items[j].UserID })
	return items, nil
}

func (m *memStore) HasMatchingRule(_ context.Context, platformApplicationID string, userDoc, resourceDoc []byte, permission string) (bool, error) {
	m.mu.Lock()
	match := m.ruleMatch
	m.mu.Unlock()
	if match == nil {
		return false, nil
	}
	return match(platformApplicationID, userDoc, resourceDoc, permission), nil
}

func (m *memStore) GetMessagesByIDs(_ context.Context, messageIDs []string, scope store.MessageScope) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wanted := map[string]struct{}{}
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}
	items := make([]store.Message, 0)
	for _, message := range m.messages {
		if _, ok := wanted[message.ID]; ok && m.inScope(message, scope) {
			items = append(items, message)
		}
	}
	return items, nil
}

func (m *memStore) GetMessageByExternalID(_ context.Context, externalID, platformApplicationID string) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, message := range m.messages {
		if message.ExternalID == externalID && message.PlatformApplicationID != nil && *message.PlatformApplicationID == platformApplicationID {
			return message, nil
		}
	}
	return store.Message{}, sql.ErrNoRows
}

func (m *memStore) GetMessageTimestamp(_ context.Context, messageID string, threadIDs []string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, message := range m.messages {
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

func (m *memStore) ListNonDeletedTimestampsDesc(_ context.Context, threadID string, scope store.MessageScope, before *time.Time, limit int) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	timestamps := make([]time.Time, 0)
	for _, message := range m.messages {
		if message.ThreadID != threadID || message.IsDeleted() || !m.inScope(message, scope) {
			continue
		}
		if before != nil && !message.Timestamp.Before(*before) {
			continue
		}
		timestamps = append(timestamps, message.Timestamp)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].After(timestamps[j]) })
	if len(timestamps) > limit {
		timestamps = timestamps[:limit]
	}
	return timestamps, nil
}

func (m *memStore) ListMessagesInWindow(_ context.Context, threadID string, scope store.MessageScope, lower, upper *time.Time) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Message, 0)
	for _, message := range m.messages {
		if message.ThreadID != threadID || !m.inScope(message, scope) {
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
	sort.Slice(items, func(i, j int) bool { return items[i].Timestamp.Before(items[j].Timestamp) })
	return items, nil
}

func (m *memStore) ListMessagesPage(_ context.Context, threadIDs []string, scope store.MessageScope, cursor *time.Time, backward bool, limit int, ignoreDeleted bool) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inThreads := map[string]struct{}{}
	for _, id := range threadIDs {
		inThreads[id] = struct{}{}
	}
	items := make([]store.Message, 0)
	for _, message := range m.messages {
		if _, ok := inThreads[message.ThreadID]; !ok || !m.inScope(message, scope) {
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
		sort.Slice(items, func(i, j int) bool { return items[i].Timestamp.After(items[j].Timestamp) })
	} else {
		sort.Slice(items, func(i, j int) bool { return items[i].Timestamp.Before(items[j].Timestamp) })
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *memStore) ListMessagesSince(_ context.Context, threadID string, orgIDs []string, since time.Time) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inOrgs := map[string]struct{}{}
	for _, id := range orgIDs {
		inOrgs[id] = struct{}{}
	}
	items := make([]store.Message, 0)
	for _, message := range m.messages {
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
	sort.Slice(items, func(i, j int) bool { return items[i].Timestamp.Before(items[j].Timestamp) })
	return items, nil
}

func (m *memStore) InsertOrg(_ context.Context, org store.Org) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orgs[org.ID] = org
	return nil
}

func (m *memStore) GetOrg(_ context.Context, orgID string) (store.Org, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	org, ok := m.orgs[orgID]
	if !ok {
		return store.Org{}, sql.ErrNoRows
	}
	return org, nil
}

func (m *memStore) InsertUser(_ context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *memStore) AddOrgMember(_ context.Context, userID, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.memberships[userID] {
		if id == orgID {
			return nil
		}
	}
	m.memberships[userID] = append(m.memberships[userID], orgID)
	return nil
}

func (m *memStore) RemoveOrgMember(_ context.Context, userID, orgID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orgIDs := m.memberships[userID]
	for i, id := range orgIDs {
		if id == orgID {
			m.memberships[userID] = append(orgIDs[:i], orgIDs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) LinkOrgs(_ context.Context, sourceOrgID, linkedOrgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[sourceOrgID] = append(m.links[sourceOrgID], linkedOrgID)
	m.links[linkedOrgID] = append(m.links[linkedOrgID], sourceOrgID)
	return nil
}

func (m *memStore) InsertThread(_ context.Context, thread store.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[thread.ID] = thread
	return nil
}

func (m *memStore) GetThreadParticipant(_ context.Context, threadID, userID string) (*store.ThreadParticipant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lastSeen, ok := m.participants[threadID][userID]
	if !ok {
		return nil, nil
	}
	return &store.ThreadParticipant{ThreadID: threadID, UserID: userID, LastSeenTimestamp: lastSeen}, nil
}

func (m *memStore) UpsertThreadParticipant(_ context.Context, threadID, userID string, lastSeen *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.participants[threadID] == nil {
		m.participants[threadID] = map[string]*time.Time{}
	}
	m.participants[threadID][userID] = lastSeen
	return nil
}

func (m *memStore) InsertMessage(_ context.Context, message store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, message)
	return nil
}

func (m *memStore) SoftDeleteMessage(_ context.Context, messageID string, deletedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].ID == messageID && !m.messages[i].IsDeleted() {
			at := deletedAt
			m.messages[i].DeletedTimestamp = &at
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) InsertPermissionRule(_ context.Context, rule store.PermissionRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = rule
	return nil
}

func (m *memStore) DeletePermissionRule(_ context.Context, ruleID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[ruleID]; !ok {
		return false, nil
	}
	delete(m.rules, ruleID)
	return true, nil
}

func (m *memStore) ListPermissionRules(_ context.Context, platformApplicationID string) ([]store.PermissionRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.PermissionRule, 0)
	for _, rule := range m.rules {
		if rule.PlatformApplicationID == platformApplicationID {
			items = append(items, rule)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *memStore) RunInTx(_ context.Context, fn func(tx dataStore) error) error {
	return fn(m)
}

func (m *memStore) Ping(_ context.Context) error {
	return m.pingErr
}
