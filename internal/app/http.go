package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"colloquy/api/internal/auth"
	"colloquy/api/internal/loaders"
	"colloquy/api/internal/obs"
	"colloquy/api/internal/store"
	"colloquy/api/internal/viewer"
)

type HTTPServer struct {
	service      *Service
	corsOrigin   string
	serviceToken string
	logger       *log.Logger
}

func NewHTTPServer(service *Service, corsOrigin, serviceToken string, logger *log.Logger) *HTTPServer {
	return &HTTPServer{
		service:      service,
		corsOrigin:   corsOrigin,
		serviceToken: serviceToken,
		logger:       logger,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	mux.Handle("/", s.withMiddleware(http.HandlerFunc(s.handle)))
	return mux
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		statusCode := http.StatusOK
		if err := s.service.Ping(ctx); err != nil {
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     statusCode == http.StatusOK,
			"checks": checks,
		})
		return
	}

	segments := splitPath(r.URL.Path)
	if len(segments) == 0 || segments[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	segments = segments[1:]

	// Service-to-service surface: identity minting, directory and rule
	// administration. Guarded by the shared service token, never by a
	// viewer session.
	if len(segments) > 0 {
		switch segments[0] {
		case "session":
			if r.Method == http.MethodPost {
				s.handleIssueSession(w, r)
				return
			}
			if r.Method == http.MethodGet {
				s.handleInspectSession(w, r)
				return
			}
		case "orgs":
			s.handleOrgs(w, r, segments)
			return
		case "users":
			if r.Method == http.MethodPost && len(segments) == 1 {
				s.handleCreateUser(w, r)
				return
			}
		case "permission-rules":
			s.handlePermissionRules(w, r, segments)
			return
		}
	}

	// Everything below acts on behalf of a viewer.
	v, ok := s.requireViewer(w, r)
	if !ok {
		return
	}

	if len(segments) >= 2 && segments[0] == "threads" {
		if r.Method == http.MethodGet && len(segments) == 3 && segments[1] == "external" {
			thread, err := s.service.GetThreadByExternalID(r.Context(), v, segments[2])
			if err != nil {
				st, cd, msg, det := mapError(err)
				writeError(w, st, cd, msg, det)
				return
			}
			writeJSON(w, http.StatusOK, threadView(*thread))
			return
		}

		threadID := segments[1]

		if len(segments) == 3 && segments[2] == "messages" {
			switch r.Method {
			case http.MethodGet:
				s.handleGetThreadMessages(w, r, v, threadID)
				return
			case http.MethodPost:
				s.handleSendMessage(w, r, v, threadID)
				return
			}
		}
		if r.Method == http.MethodGet && len(segments) == 3 && segments[2] == "participants" {
			s.handleListParticipants(w, r, v, threadID)
			return
		}
		if r.Method == http.MethodPost && len(segments) == 3 && segments[2] == "seen" {
			if err := s.service.MarkThreadSeen(r.Context(), v, threadID); err != nil {
				st, cd, msg, det := mapError(err)
				writeError(w, st, cd, msg, det)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		if r.Method == http.MethodGet && len(segments) == 3 && segments[2] == "catchup" {
			s.handleCatchUp(w, r, v, threadID)
			return
		}
	}

	if len(segments) >= 2 && segments[0] == "messages" {
		if len(segments) == 3 && segments[1] == "external" {
			if r.Method == http.MethodGet {
				message, err := s.service.GetMessageByExternalID(r.Context(), v, segments[2])
				if err != nil {
					st, cd, msg, det := mapError(err)
					writeError(w, st, cd, msg, det)
					return
				}
				writeJSON(w, http.StatusOK, messageView(*message))
				return
			}
		}
		if len(segments) == 2 {
			switch r.Method {
			case http.MethodGet:
				message, err := s.service.GetMessage(r.Context(), v, segments[1])
				if err != nil {
					st, cd, msg, det := mapError(err)
					writeError(w, st, cd, msg, det)
					return
				}
				writeJSON(w, http.StatusOK, messageView(*message))
				return
			case http.MethodDelete:
				if err := s.service.DeleteMessage(r.Context(), v, segments[1]); err != nil {
					st, cd, msg, det := mapError(err)
					writeError(w, st, cd, msg, det)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"ok": true})
				return
			}
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleIssueSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireServiceToken(w, r) {
		return
	}
	var body IssueSessionInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	token, v, err := s.service.IssueSession(r.Context(), body)
	if err != nil {
		st, cd, msg, det := mapError(err)
		writeError(w, st, cd, msg, det)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":  token,
		"viewer": viewerView(v),
	})
}

func (s *HTTPServer) handleInspectSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	v, err := s.service.ViewerFromToken(token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"viewer":        viewerView(v),
	})
}

func (s *HTTPServer) handleOrgs(w http.ResponseWriter, r *http.Request, segments []string) {
	if !s.requireServiceToken(w, r) {
		return
	}

	if r.Method == http.MethodPost && len(segments) == 1 {
		var body CreateOrgInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		org, err := s.service.CreateOrg(r.Context(), body)
		if err != nil {
			st, cd, msg, det := mapError(err)
			writeError(w, st, cd, msg, det)
			return
		}
		writeJSON(w, http.StatusCreated, orgView(org))
		return
	}

	if r.Method == http.MethodPost && len(segments) == 3 && segments[2] == "members" {
		var body struct {
			UserID string `json:"userId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.AddOrgMember(r.Context(), segments[1], body.UserID); err != nil {
			st, cd, msg, det := mapError(err)
			writeError(w, st, cd, msg, det)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodDelete && len(segments) == 4 && segments[2] == "members" {
		if err := s.service.RemoveOrgMember(r.Context(), segments[1], segments[3]); err != nil {
			st, cd, msg, det := mapError(err)
			writeError(w, st, cd, msg, det)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && len(segments) == 3 && segments[2] == "links" {
		var body struct {
			LinkedOrgID string `json:"linkedOrgId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.LinkOrgs(r.Context(), segments[1], body.LinkedOrgID); err != nil {
			st, cd, msg, det := mapError(err)
			writeError(w, st, cd, msg, det)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && len(segments) == 3 && segments[2] == "threads" {
		var body CreateThreadInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		body.OrgID = segments[1]
		thread, err := s.service.CreateThread(r.Context(), body)
		if err != nil {
			st, cd, msg, det := mapError(err)
			writeError(w, st, cd, msg, det)
			return
		}
		writeJSON(w, http.StatusCreated, threadView(thread))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if !s.requireServiceToken(w, r) {
		return
	}
	var body CreateUserInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	user, err := s.service.CreateUser(r.Context(), body)
	if err != nil {
		st, cd, msg, det := mapError(err)
		writeError(w, st, cd, msg, det)
		return
	}
	writeJSON(w, http.StatusCreated, userView(user))
}

func (s *HTTPServer) handlePermissionRules(w http.ResponseWriter, r *http.Request, segments []string) {
	if !s.requireServiceToken(w, r) {
		return
	}

	if r.Method == http.MethodPost && len(segments) == 1 {
		var body CreatePermissionRuleInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		rule, err := s.service.CreatePermissionRule(r.Context(), body)
		if err != nil {
			st, cd, msg, det := mapError(err)
			writeError(w, st, cd, msg, det)
			return
		}
		writeJSON(w, http.StatusCreated, ruleView(rule))
		return
	}

	if r.Method == http.MethodGet && len(segments) == 1 {
		appID := strings.TrimSpace(r.URL.Query().Get("platformApplicationId"))
		if appID == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "platformApplicationId is required", nil)
			return
		}
		rules, err := s.service.ListPermissionRules(r.Context(), appID)
		if err != nil {
			st, cd, msg, det := mapError(err)
			writeError(w, st, cd, msg, det)
			return
		}
		items := make([]map[string]any, 0, len(rules))
		for _, rule := range rules {
			items = append(items, ruleView(rule))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	if r.Method == http.MethodDelete && len(segments) == 2 {
		if err := s.service.DeletePermissionRule(r.Context(), segments[1]); err != nil {
			st, cd, msg, det := mapError(err)
			writeError(w, st, cd, msg, det)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleGetThreadMessages(w http.ResponseWriter, r *http.Request, v viewer.Viewer, threadID string) {
	opts := loaders.LoadMessagesOptions{}
	query := r.URL.Query()
	if cursor := strings.TrimSpace(query.Get("cursor")); cursor != "" {
		opts.Cursor = &cursor
	}
	if raw := strings.TrimSpace(query.Get("range")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "range must be an integer", nil)
			return
		}
		opts.Range = &parsed
	}
	opts.Unlimited = query.Get("unlimited") == "true"
	opts.IgnoreDeleted = query.Get("ignoreDeleted") == "true"

	messages, err := s.service.GetThreadMessages(r.Context(), v, threadID, opts)
	if err != nil {
		st, cd, msg, det := mapError(err)
		writeError(w, st, cd, msg, det)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threadId": threadID,
		"items":    messageViews(messages),
	})
}

func (s *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request, v viewer.Viewer, threadID string) {
	var body SendMessageInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	message, err := s.service.SendMessage(r.Context(), v, threadID, body)
	if err != nil {
		st, cd, msg, det := mapError(err)
		writeError(w, st, cd, msg, det)
		return
	}
	writeJSON(w, http.StatusCreated, messageView(message))
}

func (s *HTTPServer) handleListParticipants(w http.ResponseWriter, r *http.Request, v viewer.Viewer, threadID string) {
	participants, err := s.service.ListThreadParticipants(r.Context(), v, threadID)
	if err != nil {
		st, cd, msg, det := mapError(err)
		writeError(w, st, cd, msg, det)
		return
	}
	items := make([]map[string]any, 0, len(participants))
	for _, participant := range participants {
		item := map[string]any{
			"threadId": participant.ThreadID,
			"userId":   participant.UserID,
		}
		if participant.LastSeenTimestamp != nil {
			item["lastSeenTimestamp"] = participant.LastSeenTimestamp.UTC().Format(time.RFC3339Nano)
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threadId": threadID,
		"items":    items,
	})
}

func (s *HTTPServer) handleCatchUp(w http.ResponseWriter, r *http.Request, v viewer.Viewer, threadID string) {
	target := strings.TrimSpace(r.URL.Query().Get("target"))
	if target == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "target is required", nil)
		return
	}
	messages, err := s.service.CatchUp(r.Context(), v, threadID, target)
	if err != nil {
		st, cd, msg, det := mapError(err)
		writeError(w, st, cd, msg, det)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threadId": threadID,
		"items":    messageViews(messages),
	})
}

func (s *HTTPServer) requireViewer(w http.ResponseWriter, r *http.Request) (viewer.Viewer, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return viewer.Viewer{}, false
	}
	v, err := s.service.ViewerFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return viewer.Viewer{}, false
	}
	return v, true
}

func (s *HTTPServer) requireServiceToken(w http.ResponseWriter, r *http.Request) bool {
	token := strings.TrimSpace(r.Header.Get("X-Service-Token"))
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.serviceToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return false
	}
	return true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	logged := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
	return obs.Instrument(logged)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Service-Token")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func viewerView(v viewer.Viewer) map[string]any {
	view := map[string]any{}
	if v.UserID != nil {
		view["userId"] = *v.UserID
	}
	if v.OrgID != nil {
		view["orgId"] = *v.OrgID
	}
	if v.PlatformApplicationID != nil {
		view["platformApplicationId"] = *v.PlatformApplicationID
	}
	if v.RelevantOrgIDs != nil {
		view["relevantOrgIds"] = v.RelevantOrgIDs
	}
	return view
}

func orgView(org store.Org) map[string]any {
	view := map[string]any{
		"id":         org.ID,
		"externalId": org.ExternalID,
		"name":       org.Name,
	}
	if org.PlatformApplicationID != nil {
		view["platformApplicationId"] = *org.PlatformApplicationID
	}
	return view
}

func userView(user store.User) map[string]any {
	view := map[string]any{
		"id":          user.ID,
		"externalId":  user.ExternalID,
		"displayName": user.DisplayName,
		"metadata":    normalizeMetadata(user.Metadata),
	}
	if user.Email != "" {
		view["email"] = user.Email
	}
	if user.PlatformApplicationID != nil {
		view["platformApplicationId"] = *user.PlatformApplicationID
	}
	return view
}

func threadView(thread store.Thread) map[string]any {
	view := map[string]any{
		"id":         thread.ID,
		"externalId": thread.ExternalID,
		"orgId":      thread.OrgID,
		"metadata":   normalizeMetadata(thread.Metadata),
	}
	if thread.PlatformApplicationID != nil {
		view["platformApplicationId"] = *thread.PlatformApplicationID
	}
	return view
}

func ruleView(rule store.PermissionRule) map[string]any {
	return map[string]any{
		"id":                    rule.ID,
		"platformApplicationId": rule.PlatformApplicationID,
		"userSelector":          rule.UserSelector,
		"resourceSelector":      rule.ResourceSelector,
		"permissions":           rule.Permissions,
	}
}

// messageView renders one message. Tombstones keep their identity and
// position but surface neither content nor metadata.
func messageView(message store.Message) map[string]any {
	view := map[string]any{
		"id":         message.ID,
		"externalId": message.ExternalID,
		"threadId":   message.ThreadID,
		"orgId":      message.OrgID,
		"timestamp":  message.Timestamp.UTC().Format(time.RFC3339Nano),
		"deleted":    message.IsDeleted(),
	}
	if message.PlatformApplicationID != nil {
		view["platformApplicationId"] = *message.PlatformApplicationID
	}
	if message.IsDeleted() {
		view["deletedTimestamp"] = message.DeletedTimestamp.UTC().Format(time.RFC3339Nano)
	} else {
		view["content"] = message.Content
		view["metadata"] = normalizeMetadata(message.Metadata)
	}
	return view
}

func messageViews(messages []store.Message) []map[string]any {
	items := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		items = append(items, messageView(message))
	}
	return items
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if isNoRows(err) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
