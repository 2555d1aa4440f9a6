package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

func (s *PostgresStore) InsertOrg(ctx context.Context, org Org) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO orgs (id, external_id, name, platform_application_id)
		VALUES ($1, $2, $3, $4)
	`, org.ID, org.ExternalID, org.Name, org.PlatformApplicationID)
	if err != nil {
		return fmt.Errorf("insert org: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrg(ctx context.Context, orgID string) (Org, error) {
	var item Org
	err := s.q.QueryRowContext(ctx, `
		SELECT id, external_id, name, platform_application_id, created_at
		FROM orgs
		WHERE id=$1
	`, orgID).Scan(&item.ID, &item.ExternalID, &item.Name, &item.PlatformApplicationID, &item.CreatedAt)
	if err != nil {
		return Org{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertUser(ctx context.Context, user User) error {
	metadata := user.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (id, external_id, display_name, email, metadata, platform_application_id)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, user.ID, user.ExternalID, user.DisplayName, user.Email, string(metadata), user.PlatformApplicationID)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var item User
	var metadata []byte
	err := s.q.QueryRowContext(ctx, `
		SELECT id, external_id, display_name, email, COALESCE(metadata::text, '{}'), platform_application_id, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&item.ID, &item.ExternalID, &item.DisplayName, &item.Email, &metadata, &item.PlatformApplicationID, &item.CreatedAt)
	if err != nil {
		return User{}, err
	}
	item.Metadata = metadata
	return item, nil
}

func (s *PostgresStore) AddOrgMember(ctx context.Context, userID, orgID string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO org_members (user_id, org_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, org_id) DO NOTHING
	`, userID, orgID)
	if err != nil {
		return fmt.Errorf("add org member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveOrgMember(ctx context.Context, userID, orgID string) (bool, error) {
	result, err := s.q.ExecContext(ctx, `
		DELETE FROM org_members WHERE user_id=$1 AND org_id=$2
	`, userID, orgID)
	if err != nil {
		return false, fmt.Errorf("remove org member: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove org member rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListOrgIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT org_id FROM org_members WHERE user_id=$1 ORDER BY org_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list org ids for user: %w", err)
	}
	defer rows.Close()

	items := make([]string, 0)
	for rows.Next() {
		var orgID string
		if err := rows.Scan(&orgID); err != nil {
			return nil, fmt.Errorf("scan org id: %w", err)
		}
		items = append(items, orgID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate org ids: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) IsOrgMember(ctx context.Context, userID, orgID string) (bool, error) {
	var member bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM org_members WHERE user_id=$1 AND org_id=$2)
	`, userID, orgID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("check org membership: %w", err)
	}
	return member, nil
}

func (s *PostgresStore) GetOrgMembership(ctx context.Context, userID, orgID string) (*OrgMembership, error) {
	var item OrgMembership
	err := s.q.QueryRowContext(ctx, `
		SELECT user_id, org_id, created_at
		FROM org_members
		WHERE user_id=$1 AND org_id=$2
	`, userID, orgID).Scan(&item.UserID, &item.OrgID, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get org membership: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) LinkOrgs(ctx context.Context, sourceOrgID, linkedOrgID string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO linked_orgs (source_org_id, linked_org_id)
		VALUES ($1, $2)
		ON CONFLICT (source_org_id, linked_org_id) DO NOTHING
	`, sourceOrgID, linkedOrgID)
	if err != nil {
		return fmt.Errorf("link orgs: %w", err)
	}
	return nil
}

// ListLinkedOrgIDs returns orgs bridged to orgID in either direction.
func (s *PostgresStore) ListLinkedOrgIDs(ctx context.Context, orgID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT linked_org_id FROM linked_orgs WHERE source_org_id=$1
		UNION
		SELECT source_org_id FROM linked_orgs WHERE linked_org_id=$1
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list linked org ids: %w", err)
	}
	defer rows.Close()

	items := make([]string, 0)
	for rows.Next() {
		var linkedID string
		if err := rows.Scan(&linkedID); err != nil {
			return nil, fmt.Errorf("scan linked org id: %w", err)
		}
		items = append(items, linkedID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate linked org ids: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertThread(ctx context.Context, thread Thread) error {
	metadata := thread.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO threads (id, external_id, org_id, platform_application_id, metadata)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, thread.ID, thread.ExternalID, thread.OrgID, thread.PlatformApplicationID, string(metadata))
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (Thread, error) {
	return s.scanThread(s.q.QueryRowContext(ctx, `
		SELECT id, external_id, org_id, platform_application_id, COALESCE(metadata::text, '{}'), created_at
		FROM threads
		WHERE id=$1
	`, threadID))
}

func (s *PostgresStore) GetThreadByExternalID(ctx context.Context, externalID, platformApplicationID string) (Thread, error) {
	return s.scanThread(s.q.QueryRowContext(ctx, `
		SELECT id, external_id, org_id, platform_application_id, COALESCE(metadata::text, '{}'), created_at
		FROM threads
		WHERE external_id=$1 AND platform_application_id=$2
	`, externalID, platformApplicationID))
}

func (s *PostgresStore) scanThread(row *sql.Row) (Thread, error) {
	var item Thread
	var metadata []byte
	err := row.Scan(&item.ID, &item.ExternalID, &item.OrgID, &item.PlatformApplicationID, &metadata, &item.CreatedAt)
	if err != nil {
		return Thread{}, err
	}
	item.Metadata = metadata
	return item, nil
}

func (s *PostgresStore) UpsertThreadParticipant(ctx context.Context, threadID, userID string, lastSeen *time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO thread_participants (thread_id, user_id, last_seen_timestamp)
		VALUES ($1, $2, $3)
		ON CONFLICT (thread_id, user_id)
		DO UPDATE SET last_seen_timestamp=GREATEST(thread_participants.last_seen_timestamp, EXCLUDED.last_seen_timestamp)
	`, threadID, userID, lastSeen)
	if err != nil {
		return fmt.Errorf("upsert thread participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetThreadParticipant(ctx context.Context, threadID, userID string) (*ThreadParticipant, error) {
	var item ThreadParticipant
	err := s.q.QueryRowContext(ctx, `
		SELECT thread_id, user_id, last_seen_timestamp
		FROM thread_participants
		WHERE thread_id=$1 AND user_id=$2
	`, threadID, userID).Scan(&item.ThreadID, &item.UserID, &item.LastSeenTimestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get thread participant: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) ListThreadParticipants(ctx context.Context, threadID string) ([]ThreadParticipant, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT thread_id, user_id, last_seen_timestamp
		FROM thread_participants
		WHERE thread_id=$1
		ORDER BY user_id ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list thread participants: %w", err)
	}
	defer rows.Close()

	items := make([]ThreadParticipant, 0)
	for rows.Next() {
		var item ThreadParticipant
		if err := rows.Scan(&item.ThreadID, &item.UserID, &item.LastSeenTimestamp); err != nil {
			return nil, fmt.Errorf("scan thread participant: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread participants: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertPermissionRule(ctx context.Context, rule PermissionRule) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO permission_rules (id, platform_application_id, user_selector, resource_selector, permissions)
		VALUES ($1, $2, $3::jsonpath, $4::jsonpath, $5)
	`, rule.ID, rule.PlatformApplicationID, rule.UserSelector, rule.ResourceSelector, rule.Permissions)
	if err != nil {
		return fmt.Errorf("insert permission rule: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeletePermissionRule(ctx context.Context, ruleID string) (bool, error) {
	result, err := s.q.ExecContext(ctx, `DELETE FROM permission_rules WHERE id=$1`, ruleID)
	if err != nil {
		return false, fmt.Errorf("delete permission rule: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete permission rule rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListPermissionRules(ctx context.Context, platformApplicationID string) ([]PermissionRule, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, platform_application_id, user_selector::text, resource_selector::text, permissions, created_at
		FROM permission_rules
		WHERE platform_application_id=$1
		ORDER BY created_at ASC
	`, platformApplicationID)
	if err != nil {
		return nil, fmt.Errorf("list permission rules: %w", err)
	}
	defer rows.Close()

	items := make([]PermissionRule, 0)
	for rows.Next() {
		var item PermissionRule
		if err := rows.Scan(&item.ID, &item.PlatformApplicationID, &item.UserSelector, &item.ResourceSelector, &item.Permissions, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan permission rule: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permission rules: %w", err)
	}
	return items, nil
}

// HasMatchingRule is the granular-permission existence query: does any rule
// for this platform application match both descriptors and list the
// required permission. Selector evaluation happens inside Postgres via the
// jsonb @@ jsonpath predicate operator.
func (s *PostgresStore) HasMatchingRule(ctx context.Context, platformApplicationID string, userDoc, resourceDoc []byte, permission string) (bool, error) {
	var matched bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1
			FROM permission_rules
			WHERE platform_application_id=$1
			  AND $2::jsonb @@ user_selector
			  AND $3::jsonb @@ resource_selector
			  AND $4 = ANY(permissions)
		)
	`, platformApplicationID, string(userDoc), string(resourceDoc), permission).Scan(&matched)
	if err != nil {
		return false, fmt.Errorf("match permission rule: %w", err)
	}
	return matched, nil
}
