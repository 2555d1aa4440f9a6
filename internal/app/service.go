package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"colloquy/api/internal/auth"
	"colloquy/api/internal/config"
	"colloquy/api/internal/featureflags"
	"colloquy/api/internal/ids"
	"colloquy/api/internal/loaders"
	"colloquy/api/internal/permissions"
	"colloquy/api/internal/store"
	"colloquy/api/internal/viewer"
)

type IssueSessionInput struct {
	UserID                string   `json:"userId"`
	OrgID                 string   `json:"orgId"`
	PlatformApplicationID string   `json:"platformApplicationId"`
	RelevantOrgIDs        []string `json:"relevantOrgIds"`
	// AssertEmptyOrgFilter distinguishes "filter to no orgs" from "no
	// filter" when RelevantOrgIDs is absent.
	AssertEmptyOrgFilter bool `json:"assertEmptyOrgFilter"`
}

type CreateOrgInput struct {
	Name                  string `json:"name"`
	ExternalID            string `json:"externalId"`
	PlatformApplicationID string `json:"platformApplicationId"`
}

type CreateUserInput struct {
	ExternalID            string          `json:"externalId"`
	DisplayName           string          `json:"displayName"`
	Email                 string          `json:"email"`
	Metadata              json.RawMessage `json:"metadata"`
	PlatformApplicationID string          `json:"platformApplicationId"`
}

type CreateThreadInput struct {
	OrgID                 string          `json:"orgId"`
	ExternalID            string          `json:"externalId"`
	Metadata              json.RawMessage `json:"metadata"`
	PlatformApplicationID string          `json:"platformApplicationId"`
}

type SendMessageInput struct {
	Content    string          `json:"content"`
	Metadata   json.RawMessage `json:"metadata"`
	ExternalID string          `json:"externalId"`
}

type CreatePermissionRuleInput struct {
	PlatformApplicationID string   `json:"platformApplicationId"`
	UserSelector          string   `json:"userSelector"`
	ResourceSelector      string   `json:"resourceSelector"`
	Permissions           []string `json:"permissions"`
}

// dataStore is everything the service reads and writes. RunInTx hands the
// callback a transaction-bound view of the same interface so privacy
// checks issued inside a mutation observe that mutation's uncommitted
// state.
type dataStore interface {
	loaders.Store

	InsertOrg(ctx context.Context, org store.Org) error
	GetOrg(ctx context.Context, orgID string) (store.Org, error)
	InsertUser(ctx context.Context, user store.User) error
	AddOrgMember(ctx context.Context, userID, orgID string) error
	RemoveOrgMember(ctx context.Context, userID, orgID string) (bool, error)
	LinkOrgs(ctx context.Context, sourceOrgID, linkedOrgID string) error
	InsertThread(ctx context.Context, thread store.Thread) error
	GetThreadParticipant(ctx context.Context, threadID, userID string) (*store.ThreadParticipant, error)
	UpsertThreadParticipant(ctx context.Context, threadID, userID string, lastSeen *time.Time) error
	InsertMessage(ctx context.Context, message store.Message) error
	SoftDeleteMessage(ctx context.Context, messageID string, deletedAt time.Time) (bool, error)
	InsertPermissionRule(ctx context.Context, rule store.PermissionRule) error
	DeletePermissionRule(ctx context.Context, ruleID string) (bool, error)
	ListPermissionRules(ctx context.Context, platformApplicationID string) ([]store.PermissionRule, error)

	RunInTx(ctx context.Context, fn func(tx dataStore) error) error
	Ping(ctx context.Context) error
}

// pgDataStore adapts the Postgres store to dataStore. Its only job is to
// rewrap the transaction handle RunInTx produces.
type pgDataStore struct {
	*store.PostgresStore
}

func (p pgDataStore) RunInTx(ctx context.Context, fn func(tx dataStore) error) error {
	return p.PostgresStore.RunInTx(ctx, func(tx *store.PostgresStore) error {
		return fn(pgDataStore{tx})
	})
}

type Service struct {
	cfg    config.Config
	store  dataStore
	flags  featureflags.Source
	logger *log.Logger
}

func New(cfg config.Config, pg *store.PostgresStore, flags featureflags.Source, logger *log.Logger) *Service {
	return &Service{cfg: cfg, store: pgDataStore{pg}, flags: flags, logger: logger}
}

// SessionFor builds the per-request loader registry for one viewer.
func (s *Service) SessionFor(v viewer.Viewer) *loaders.Session {
	return loaders.NewSession(v, s.store, s.flags, s.logger)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// IssueSession mints a bearer token for a viewer identity. Callers are
// trusted services; the user must already exist.
func (s *Service) IssueSession(ctx context.Context, input IssueSessionInput) (string, viewer.Viewer, error) {
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return "", viewer.Viewer{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		if isNoRows(err) {
			return "", viewer.Viewer{}, domainError(http.StatusNotFound, "NOT_FOUND", "user not found", nil)
		}
		return "", viewer.Viewer{}, err
	}

	v := viewer.Viewer{UserID: &userID}
	if orgID := strings.TrimSpace(input.OrgID); orgID != "" {
		v.OrgID = &orgID
	}
	if appID := strings.TrimSpace(input.PlatformApplicationID); appID != "" {
		v.PlatformApplicationID = &appID
	}
	if input.RelevantOrgIDs != nil || input.AssertEmptyOrgFilter {
		orgIDs := input.RelevantOrgIDs
		if orgIDs == nil {
			orgIDs = []string{}
		}
		v = v.WithRelevantOrgIDs(orgIDs)
	}

	token, err := auth.IssueViewerToken([]byte(s.cfg.JWTSecret), v, s.cfg.SessionTTL)
	if err != nil {
		return "", viewer.Viewer{}, err
	}
	return token, v, nil
}

// ViewerFromToken rebuilds a viewer from a bearer token.
func (s *Service) ViewerFromToken(token string) (viewer.Viewer, error) {
	return auth.ParseViewerToken([]byte(s.cfg.JWTSecret), token)
}

func (s *Service) CreateOrg(ctx context.Context, input CreateOrgInput) (store.Org, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Org{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	org := store.Org{
		ID:                    ids.New("org"),
		ExternalID:            strings.TrimSpace(input.ExternalID),
		Name:                  name,
		PlatformApplicationID: nilIfBlank(input.PlatformApplicationID),
	}
	if org.ExternalID == "" {
		org.ExternalID = org.ID
	}
	if err := s.store.InsertOrg(ctx, org); err != nil {
		return store.Org{}, err
	}
	return org, nil
}

func (s *Service) CreateUser(ctx context.Context, input CreateUserInput) (store.User, error) {
	displayName := strings.TrimSpace(input.DisplayName)
	if displayName == "" {
		return store.User{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "displayName is required", nil)
	}
	user := store.User{
		ID:                    ids.New("usr"),
		ExternalID:            strings.TrimSpace(input.ExternalID),
		DisplayName:           displayName,
		Email:                 strings.TrimSpace(input.Email),
		Metadata:              normalizeMetadata(input.Metadata),
		PlatformApplicationID: nilIfBlank(input.PlatformApplicationID),
	}
	if user.ExternalID == "" {
		user.ExternalID = user.ID
	}
	if err := s.store.InsertUser(ctx, user); err != nil {
		return store.User{}, err
	}
	return user, nil
}

func (s *Service) AddOrgMember(ctx context.Context, orgID, userID string) error {
	if _, err := s.store.GetOrg(ctx, orgID); err != nil {
		if isNoRows(err) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "org not found", nil)
		}
		return err
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		if isNoRows(err) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "user not found", nil)
		}
		return err
	}
	return s.store.AddOrgMember(ctx, userID, orgID)
}

func (s *Service) RemoveOrgMember(ctx context.Context, orgID, userID string) error {
	removed, err := s.store.RemoveOrgMember(ctx, userID, orgID)
	if err != nil {
		return err
	}
	if !removed {
		return domainError(http.StatusNotFound, "NOT_FOUND", "membership not found", nil)
	}
	return nil
}

func (s *Service) LinkOrgs(ctx context.Context, sourceOrgID, linkedOrgID string) error {
	if sourceOrgID == linkedOrgID {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "an org cannot be linked to itself", nil)
	}
	for _, orgID := range []string{sourceOrgID, linkedOrgID} {
		if _, err := s.store.GetOrg(ctx, orgID); err != nil {
			if isNoRows(err) {
				return domainError(http.StatusNotFound, "NOT_FOUND", "org not found", nil)
			}
			return err
		}
	}
	return s.store.LinkOrgs(ctx, sourceOrgID, linkedOrgID)
}

func (s *Service) CreateThread(ctx context.Context, input CreateThreadInput) (store.Thread, error) {
	orgID := strings.TrimSpace(input.OrgID)
	if orgID == "" {
		return store.Thread{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "orgId is required", nil)
	}
	if _, err := s.store.GetOrg(ctx, orgID); err != nil {
		if isNoRows(err) {
			return store.Thread{}, domainError(http.StatusNotFound, "NOT_FOUND", "org not found", nil)
		}
		return store.Thread{}, err
	}
	thread := store.Thread{
		ID:                    ids.New("thr"),
		ExternalID:            strings.TrimSpace(input.ExternalID),
		OrgID:                 orgID,
		PlatformApplicationID: nilIfBlank(input.PlatformApplicationID),
		Metadata:              normalizeMetadata(input.Metadata),
	}
	if thread.ExternalID == "" {
		thread.ExternalID = thread.ID
	}
	if err := s.store.InsertThread(ctx, thread); err != nil {
		return store.Thread{}, err
	}
	return thread, nil
}

// GetThreadMessages is the viewer-facing read path for a thread's history.
// A thread the viewer cannot see yields an empty page, not an error: the
// scoped query and privacy filter make invisible content indistinguishable
// from absent content.
func (s *Service) GetThreadMessages(ctx context.Context, v viewer.Viewer, threadID string, opts loaders.LoadMessagesOptions) ([]store.Message, error) {
	session := s.SessionFor(v)
	messages, err := session.Messages.LoadMessages(ctx, threadID, opts)
	if err != nil {
		if isCursorNotFound(err) {
			return nil, domainError(http.StatusNotFound, "CURSOR_NOT_FOUND", "pagination cursor not found in thread", nil)
		}
		return nil, err
	}
	return messages, nil
}

func (s *Service) GetMessage(ctx context.Context, v viewer.Viewer, messageID string) (*store.Message, error) {
	message := s.SessionFor(v).Messages.LoadMessage(ctx, messageID)
	if message == nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "message not found", nil)
	}
	return message, nil
}

func (s *Service) GetMessageByExternalID(ctx context.Context, v viewer.Viewer, externalID string) (*store.Message, error) {
	if !v.IsPlatform() {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "message not found", nil)
	}
	message := s.SessionFor(v).Messages.LoadMessageByExternalID(ctx, externalID, *v.PlatformApplicationID)
	if message == nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "message not found", nil)
	}
	return message, nil
}

// GetThreadByExternalID resolves a customer-facing thread ID with the
// strict org check: when the viewer asserted an org filter, visibility is
// answered from the filter alone, so a thread outside the asserted orgs
// reads as missing even for a member.
func (s *Service) GetThreadByExternalID(ctx context.Context, v viewer.Viewer, externalID string) (*store.Thread, error) {
	if !v.IsPlatform() {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "thread not found", nil)
	}
	session := s.SessionFor(v)
	thread, err := session.Threads.LoadThreadByExternalID(ctx, externalID, *v.PlatformApplicationID)
	if err != nil {
		return nil, err
	}
	visible, err := session.Privacy.ViewerHasThread(ctx, thread, true)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "thread not found", nil)
	}
	return thread, nil
}

// CatchUp returns every live message from the target message onward, for
// clients reconnecting with a last-known message.
func (s *Service) CatchUp(ctx context.Context, v viewer.Viewer, threadID, targetMessageID string) ([]store.Message, error) {
	session := s.SessionFor(v)
	target := session.Messages.LoadMessage(ctx, targetMessageID)
	if target == nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "target message not found", nil)
	}
	if target.ThreadID != threadID {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "target message not found", nil)
	}
	return session.Messages.LoadNewestUntilTarget(ctx, threadID, target)
}

// ListThreadParticipants returns the participants the viewer may see. An
// invisible thread reads as missing.
func (s *Service) ListThreadParticipants(ctx context.Context, v viewer.Viewer, threadID string) ([]store.ThreadParticipant, error) {
	session := s.SessionFor(v)
	thread, err := session.Threads.LoadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	visible, err := session.Privacy.ViewerHasThread(ctx, thread, false)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "thread not found", nil)
	}
	return session.Threads.LoadParticipants(ctx, threadID)
}

// SendMessage appends a message to a thread. The write, its permission
// check, and the participant upsert run in one transaction so the check
// sees exactly the state the write will commit against.
func (s *Service) SendMessage(ctx context.Context, v viewer.Viewer, threadID string, input SendMessageInput) (store.Message, error) {
	if v.UserID == nil {
		return store.Message{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "a user session is required", nil)
	}
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return store.Message{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}

	var message store.Message
	err := s.store.RunInTx(ctx, func(tx dataStore) error {
		session := loaders.NewSession(v, tx, s.flags, s.logger)
		thread, err := session.Threads.LoadThread(ctx, threadID)
		if err != nil {
			return err
		}
		if thread == nil {
			return domainError(http.StatusNotFound, "NOT_FOUND", "thread not found", nil)
		}
		allowed, err := session.Privacy.ViewerCanSendMessageToThread(ctx, thread)
		if err != nil {
			return err
		}
		if !allowed {
			return domainError(http.StatusForbidden, "FORBIDDEN", "viewer cannot send messages to this thread", nil)
		}

		now := time.Now().UTC()
		message = store.Message{
			ID:                    ids.NewMessageID(),
			ExternalID:            strings.TrimSpace(input.ExternalID),
			ThreadID:              thread.ID,
			OrgID:                 thread.OrgID,
			PlatformApplicationID: thread.PlatformApplicationID,
			Content:               content,
			Metadata:              normalizeMetadata(input.Metadata),
			Timestamp:             now,
		}
		if message.ExternalID == "" {
			message.ExternalID = message.ID
		}
		if err := tx.InsertMessage(ctx, message); err != nil {
			return err
		}
		return tx.UpsertThreadParticipant(ctx, thread.ID, *v.UserID, &now)
	})
	if err != nil {
		return store.Message{}, err
	}
	return message, nil
}

// DeleteMessage tombstones a message. The row survives so pagination
// windows keep accounting for its position.
func (s *Service) DeleteMessage(ctx context.Context, v viewer.Viewer, messageID string) error {
	return s.store.RunInTx(ctx, func(tx dataStore) error {
		session := loaders.NewSession(v, tx, s.flags, s.logger)
		message := session.Messages.LoadMessage(ctx, messageID)
		if message == nil {
			return domainError(http.StatusNotFound, "NOT_FOUND", "message not found", nil)
		}
		thread, err := session.Threads.LoadThread(ctx, message.ThreadID)
		if err != nil {
			return err
		}
		allowed, err := session.Privacy.ViewerCanSendMessageToThread(ctx, thread)
		if err != nil {
			return err
		}
		if !allowed {
			return domainError(http.StatusForbidden, "FORBIDDEN", "viewer cannot modify this thread", nil)
		}
		deleted, err := tx.SoftDeleteMessage(ctx, messageID, time.Now().UTC())
		if err != nil {
			return err
		}
		if !deleted {
			return domainError(http.StatusNotFound, "NOT_FOUND", "message not found", nil)
		}
		return nil
	})
}

// MarkThreadSeen records that the viewer has read the thread up to now.
func (s *Service) MarkThreadSeen(ctx context.Context, v viewer.Viewer, threadID string) error {
	if v.UserID == nil {
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "a user session is required", nil)
	}
	session := s.SessionFor(v)
	thread, err := session.Threads.LoadThread(ctx, threadID)
	if err != nil {
		return err
	}
	visible, err := session.Privacy.ViewerHasThread(ctx, thread, false)
	if err != nil {
		return err
	}
	if !visible {
		return domainError(http.StatusNotFound, "NOT_FOUND", "thread not found", nil)
	}
	now := time.Now().UTC()
	return s.store.UpsertThreadParticipant(ctx, threadID, *v.UserID, &now)
}

func (s *Service) CreatePermissionRule(ctx context.Context, input CreatePermissionRuleInput) (store.PermissionRule, error) {
	appID := strings.TrimSpace(input.PlatformApplicationID)
	if appID == "" {
		return store.PermissionRule{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "platformApplicationId is required", nil)
	}
	if strings.TrimSpace(input.UserSelector) == "" || strings.TrimSpace(input.ResourceSelector) == "" {
		return store.PermissionRule{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userSelector and resourceSelector are required", nil)
	}
	if len(input.Permissions) == 0 {
		return store.PermissionRule{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "at least one permission is required", nil)
	}
	granted := make([]string, 0, len(input.Permissions))
	for _, raw := range input.Permissions {
		permission, ok := permissions.Normalize(strings.TrimSpace(raw))
		if !ok {
			return store.PermissionRule{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown permission: "+raw, nil)
		}
		granted = append(granted, string(permission))
	}
	rule := store.PermissionRule{
		ID:                    ids.New("rule"),
		PlatformApplicationID: appID,
		UserSelector:          strings.TrimSpace(input.UserSelector),
		ResourceSelector:      strings.TrimSpace(input.ResourceSelector),
		Permissions:           granted,
	}
	if err := s.store.InsertPermissionRule(ctx, rule); err != nil {
		return store.PermissionRule{}, err
	}
	return rule, nil
}

func (s *Service) DeletePermissionRule(ctx context.Context, ruleID string) error {
	deleted, err := s.store.DeletePermissionRule(ctx, ruleID)
	if err != nil {
		return err
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "permission rule not found", nil)
	}
	return nil
}

func (s *Service) ListPermissionRules(ctx context.Context, platformApplicationID string) ([]store.PermissionRule, error) {
	return s.store.ListPermissionRules(ctx, platformApplicationID)
}

func nilIfBlank(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func normalizeMetadata(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
