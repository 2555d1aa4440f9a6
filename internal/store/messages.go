package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// scopePredicate renders the MessageScope as a WHERE fragment. An empty
// scope (no platform app, no orgs) matches nothing rather than everything.
func scopePredicate(scope MessageScope, args *[]any) string {
	if scope.PlatformApplicationID != nil {
		*args = append(*args, *scope.PlatformApplicationID)
		return "platform_application_id = $" + strconv.Itoa(len(*args))
	}
	if len(scope.OrgIDs) == 0 {
		return "FALSE"
	}
	*args = append(*args, scope.OrgIDs)
	return "org_id = ANY($" + strconv.Itoa(len(*args)) + ")"
}

const messageColumns = `id, external_id, thread_id, org_id, platform_application_id, content, COALESCE(metadata::text, '{}'), timestamp, deleted_timestamp`

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) error {
	metadata := message.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage(`{}`)
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO messages (id, external_id, thread_id, org_id, platform_application_id, content, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
	`, message.ID, message.ExternalID, message.ThreadID, message.OrgID, message.PlatformApplicationID, message.Content, string(metadata), message.Timestamp)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// SoftDeleteMessage marks the message as a tombstone; the row stays so
// pagination windows still see its timestamp.
func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, messageID string, deletedAt time.Time) (bool, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE messages
		SET deleted_timestamp=$2
		WHERE id=$1 AND deleted_timestamp IS NULL
	`, messageID, deletedAt)
	if err != nil {
		return false, fmt.Errorf("soft delete message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("soft delete message rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) GetMessagesByIDs(ctx context.Context, messageIDs []string, scope MessageScope) ([]Message, error) {
	if len(messageIDs) == 0 {
		return []Message{}, nil
	}
	args := []any{messageIDs}
	predicate := scopePredicate(scope, &args)
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = ANY($1) AND `+predicate+`
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("get messages by ids: %w", err)
	}
	return scanMessages(rows)
}

func (s *PostgresStore) GetMessageByExternalID(ctx context.Context, externalID, platformApplicationID string) (Message, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE external_id=$1 AND platform_application_id=$2
	`, externalID, platformApplicationID)
	var item Message
	var metadata []byte
	err := row.Scan(&item.ID, &item.ExternalID, &item.ThreadID, &item.OrgID, &item.PlatformApplicationID, &item.Content, &metadata, &item.Timestamp, &item.DeletedTimestamp)
	if err != nil {
		return Message{}, err
	}
	item.Metadata = metadata
	return item, nil
}

// GetMessageTimestamp resolves a pagination cursor. sql.ErrNoRows means the
// cursor message does not exist in any of the given threads, which callers
// treat as a hard failure.
func (s *PostgresStore) GetMessageTimestamp(ctx context.Context, messageID string, threadIDs []string) (time.Time, error) {
	var ts time.Time
	err := s.q.QueryRowContext(ctx, `
		SELECT timestamp FROM messages WHERE id=$1 AND thread_id = ANY($2)
	`, messageID, threadIDs).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

// ListNonDeletedTimestampsDesc walks backward from before (exclusive;
// nil means newest) over live messages only, newest first. The window
// pagination algorithm uses the last returned timestamp as its lower bound.
func (s *PostgresStore) ListNonDeletedTimestampsDesc(ctx context.Context, threadID string, scope MessageScope, before *time.Time, limit int) ([]time.Time, error) {
	args := []any{threadID}
	predicate := scopePredicate(scope, &args)
	clauses := []string{"thread_id = $1", predicate, "deleted_timestamp IS NULL"}
	if before != nil {
		args = append(args, *before)
		clauses = append(clauses, "timestamp < $"+strconv.Itoa(len(args)))
	}
	args = append(args, limit)
	query := `
		SELECT timestamp
		FROM messages
		WHERE ` + strings.Join(clauses, " AND ") + `
		ORDER BY timestamp DESC
		LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list message timestamps: %w", err)
	}
	defer rows.Close()

	items := make([]time.Time, 0, limit)
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan message timestamp: %w", err)
		}
		items = append(items, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message timestamps: %w", err)
	}
	return items, nil
}

// ListMessagesInWindow returns every message, tombstones included, with
// lower <= timestamp < upper (either bound may be nil for open-ended),
// ascending.
func (s *PostgresStore) ListMessagesInWindow(ctx context.Context, threadID string, scope MessageScope, lower, upper *time.Time) ([]Message, error) {
	args := []any{threadID}
	predicate := scopePredicate(scope, &args)
	clauses := []string{"thread_id = $1", predicate}
	if lower != nil {
		args = append(args, *lower)
		clauses = append(clauses, "timestamp >= $"+strconv.Itoa(len(args)))
	}
	if upper != nil {
		args = append(args, *upper)
		clauses = append(clauses, "timestamp < $"+strconv.Itoa(len(args)))
	}
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE ` + strings.Join(clauses, " AND ") + `
		ORDER BY timestamp ASC`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages in window: %w", err)
	}
	return scanMessages(rows)
}

// ListMessagesPage is the open pagination fetch. Backward pages are fetched
// newest-first so LIMIT clips at the correct end; the loader re-sorts the
// page ascending before returning it.
func (s *PostgresStore) ListMessagesPage(ctx context.Context, threadIDs []string, scope MessageScope, cursor *time.Time, backward bool, limit int, ignoreDeleted bool) ([]Message, error) {
	args := []any{threadIDs}
	predicate := scopePredicate(scope, &args)
	clauses := []string{"thread_id = ANY($1)", predicate}
	if ignoreDeleted {
		clauses = append(clauses, "deleted_timestamp IS NULL")
	}
	if cursor != nil {
		args = append(args, *cursor)
		if backward {
			clauses = append(clauses, "timestamp < $"+strconv.Itoa(len(args)))
		} else {
			clauses = append(clauses, "timestamp > $"+strconv.Itoa(len(args)))
		}
	}
	order := "ASC"
	if backward {
		order = "DESC"
	}
	args = append(args, limit)
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE ` + strings.Join(clauses, " AND ") + `
		ORDER BY timestamp ` + order + `
		LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages page: %w", err)
	}
	return scanMessages(rows)
}

// ListMessagesSince returns live messages at or after since, ascending,
// scoped to the given orgs only.
func (s *PostgresStore) ListMessagesSince(ctx context.Context, threadID string, orgIDs []string, since time.Time) ([]Message, error) {
	if len(orgIDs) == 0 {
		return []Message{}, nil
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE thread_id=$1 AND org_id = ANY($2) AND deleted_timestamp IS NULL AND timestamp >= $3
		ORDER BY timestamp ASC
	`, threadID, orgIDs, since)
	if err != nil {
		return nil, fmt.Errorf("list messages since: %w", err)
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		var metadata []byte
		if err := rows.Scan(
			&item.ID,
			&item.ExternalID,
			&item.ThreadID,
			&item.OrgID,
			&item.PlatformApplicationID,
			&item.Content,
			&metadata,
			&item.Timestamp,
			&item.DeletedTimestamp,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		item.Metadata = metadata
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}
