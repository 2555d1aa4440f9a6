package loaders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"colloquy/api/internal/obs"
	"colloquy/api/internal/store"
	"colloquy/api/internal/viewer"
)

// MessageLoader is the message data-access core: batched single-message
// fetches through a request-scoped coalescer, and the two thread
// pagination algorithms.
//
// Error handling is deliberately asymmetric. Single-item loads fail soft
// (log and return nil) because one bad lookup must not fault a whole page
// render. List loads fail hard, because silently returning a short or
// wrong page is worse than failing the request.
type MessageLoader struct {
	viewer  viewer.Viewer
	store   Store
	logger  *log.Logger
	loaders func() *Session
	batcher *messageBatcher
}

func newMessageLoader(v viewer.Viewer, st Store, logger *log.Logger, loaders func() *Session) *MessageLoader {
	l := &MessageLoader{viewer: v, store: st, logger: logger, loaders: loaders}
	l.batcher = newMessageBatcher(l.fetchBatch)
	return l
}

// LoadMessagesOptions shapes a LoadMessages call. A nil Range asks for the
// default page. Unlimited requests the whole thread (windowed algorithm
// only). IgnoreDeleted switches to the open algorithm that filters
// tombstones out entirely.
type LoadMessagesOptions struct {
	Cursor        *string
	Range         *int
	Unlimited     bool
	IgnoreDeleted bool
}

// LoadMessage returns one message or nil, never an error. Concurrent calls
// within the request are coalesced into a single query, and each caller
// gets back exactly the message it asked for (or nil when missing or not
// visible), preserving positional correspondence for batch callers.
func (l *MessageLoader) LoadMessage(ctx context.Context, messageID string) *store.Message {
	message, err := l.batcher.load(ctx, messageID)
	if err != nil {
		l.logger.Error("message load failed",
			"tag", "message-loader-load",
			"messageID", messageID,
			"err", err)
		return nil
	}
	return message
}

// fetchBatch resolves one coalesced batch: a single scoped query, then,
// for platform viewers only, a privacy pass over each hit. Legacy viewers
// skip the filter because their messages predate granular permissions.
func (l *MessageLoader) fetchBatch(ctx context.Context, messageIDs []string) (map[string]*store.Message, error) {
	scope, err := l.scope(ctx)
	if err != nil {
		return nil, err
	}
	messages, err := l.store.GetMessagesByIDs(ctx, messageIDs, scope)
	if err != nil {
		return nil, err
	}

	results := make(map[string]*store.Message, len(messages))
	for i := range messages {
		message := &messages[i]
		if l.viewer.IsPlatform() {
			visible, err := l.loaders().Privacy.ViewerHasMessage(ctx, message)
			if err != nil {
				return nil, err
			}
			if !visible {
				continue
			}
		}
		results[message.ID] = message
	}
	return results, nil
}

// LoadMessageByExternalID resolves a customer-facing message ID. Always
// privacy-filtered, always fail-soft.
func (l *MessageLoader) LoadMessageByExternalID(ctx context.Context, externalID, platformApplicationID string) *store.Message {
	message, err := l.store.GetMessageByExternalID(ctx, externalID, platformApplicationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		l.logger.Error("message load by external id failed",
			"tag", "message-loader-external-id",
			"externalID", externalID,
			"err", err)
		return nil
	}
	visible, err := l.loaders().Privacy.ViewerHasMessage(ctx, &message)
	if err != nil {
		l.logger.Error("message privacy check failed",
			"tag", "message-loader-external-id",
			"externalID", externalID,
			"err", err)
		return nil
	}
	if !visible {
		return nil
	}
	return &message
}

// LoadMessages returns a page of a thread's history, ascending by
// timestamp. Two algorithms, selected by input shape:
//
// Window ("load older"), the default: count backward over live messages to
// find a timestamp boundary, then return everything inside the window,
// tombstones included. The page never carries fewer live messages than
// requested just because some messages in between were deleted.
//
// Open ("load all"), when IgnoreDeleted is set and the range is bounded:
// a plain signed-range page over live messages only.
func (l *MessageLoader) LoadMessages(ctx context.Context, threadID string, opts LoadMessagesOptions) ([]store.Message, error) {
	if opts.IgnoreDeleted && !opts.Unlimited {
		return l.loadAll(ctx, []string{threadID}, opts.Cursor, opts.Range, true)
	}
	return l.loadOlderMessages(ctx, threadID, opts.Cursor, opts.Range, opts.Unlimited)
}

// LoadMessagesFromMultipleThreads is the open algorithm over a set of
// threads at once.
func (l *MessageLoader) LoadMessagesFromMultipleThreads(ctx context.Context, threadIDs []string, cursor *string, rng *int, ignoreDeleted bool) ([]store.Message, error) {
	return l.loadAll(ctx, threadIDs, cursor, rng, ignoreDeleted)
}

// LoadNewestUntilTarget returns every live message from the target's
// timestamp onward, ascending, scoped to the viewer's immediate org
// memberships only (linked orgs deliberately excluded). Used to fetch
// catch-up context back to an already-known message.
func (l *MessageLoader) LoadNewestUntilTarget(ctx context.Context, threadID string, target *store.Message) ([]store.Message, error) {
	if target == nil {
		return []store.Message{}, nil
	}
	orgIDs, err := l.loaders().OrgMembers.LoadAllImmediateOrgIDsForUser(ctx)
	if err != nil {
		return nil, err
	}
	messages, err := l.store.ListMessagesSince(ctx, threadID, orgIDs, target.Timestamp)
	if err != nil {
		return nil, err
	}
	obs.ObservePageSize(len(messages))
	return messages, nil
}

// loadOlderMessages is the window algorithm. The upper bound is the cursor
// message's timestamp (exclusive), or open when there is no cursor. The
// lower bound is found by walking backward over live messages until the
// requested count is reached; the final select then takes everything in
// the window so tombstones between counted messages surface in context.
func (l *MessageLoader) loadOlderMessages(ctx context.Context, threadID string, cursor *string, rng *int, unlimited bool) ([]store.Message, error) {
	scope, err := l.scope(ctx)
	if err != nil {
		return nil, err
	}

	var upper *time.Time
	if cursor != nil {
		ts, err := l.store.GetMessageTimestamp(ctx, *cursor, []string{threadID})
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrCursorNotFound, *cursor)
		}
		if err != nil {
			return nil, err
		}
		upper = &ts
	}

	var lower *time.Time
	if !unlimited {
		count := clampRange(rng)
		timestamps, err := l.store.ListNonDeletedTimestampsDesc(ctx, threadID, scope, upper, count)
		if err != nil {
			return nil, err
		}
		if len(timestamps) >= count {
			boundary := timestamps[len(timestamps)-1]
			lower = &boundary
		}
		// Fewer live messages than requested means the thread start is
		// the lower bound, so leading tombstones are included too.
	}

	messages, err := l.store.ListMessagesInWindow(ctx, threadID, scope, lower, upper)
	if err != nil {
		return nil, err
	}
	messages, err = l.filterVisible(ctx, messages)
	if err != nil {
		return nil, err
	}
	obs.ObservePageSize(len(messages))
	return messages, nil
}

// loadAll is the open algorithm. Range sign selects direction: negative
// means the most recent |range| messages walking backward from the cursor
// (or from the end), positive means |range| messages after the cursor.
// Backward pages are fetched newest-first for correct LIMIT semantics and
// re-sorted ascending before returning.
func (l *MessageLoader) loadAll(ctx context.Context, threadIDs []string, cursor *string, rng *int, ignoreDeleted bool) ([]store.Message, error) {
	scope, err := l.scope(ctx)
	if err != nil {
		return nil, err
	}

	limit, backward := resolveRange(rng)

	var cursorTS *time.Time
	if cursor != nil {
		ts, err := l.store.GetMessageTimestamp(ctx, *cursor, threadIDs)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrCursorNotFound, *cursor)
		}
		if err != nil {
			return nil, err
		}
		cursorTS = &ts
	}

	messages, err := l.store.ListMessagesPage(ctx, threadIDs, scope, cursorTS, backward, limit, ignoreDeleted)
	if err != nil {
		return nil, err
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	messages, err = l.filterVisible(ctx, messages)
	if err != nil {
		return nil, err
	}
	obs.ObservePageSize(len(messages))
	return messages, nil
}

// filterVisible drops messages the viewer cannot see. Only platform
// viewers need it: the org scope in the query already confines legacy
// viewers, while a platform scope spans every thread of the application
// and must be narrowed by permission rules per thread.
func (l *MessageLoader) filterVisible(ctx context.Context, messages []store.Message) ([]store.Message, error) {
	if !l.viewer.IsPlatform() {
		return messages, nil
	}
	privacy := l.loaders().Privacy
	visible := messages[:0]
	for i := range messages {
		ok, err := privacy.ViewerHasMessage(ctx, &messages[i])
		if err != nil {
			return nil, err
		}
		if ok {
			visible = append(visible, messages[i])
		}
	}
	return visible, nil
}

// scope resolves which messages the viewer could ever see. Platform
// viewers are strictly confined to their application. Legacy viewers get
// the union of their org memberships and any orgs linked to their current
// org, deduplicated.
func (l *MessageLoader) scope(ctx context.Context) (store.MessageScope, error) {
	if l.viewer.IsPlatform() {
		return store.MessageScope{PlatformApplicationID: l.viewer.PlatformApplicationID}, nil
	}
	s := l.loaders()
	orgIDs, err := s.OrgMembers.LoadAllImmediateOrgIDsForUser(ctx)
	if err != nil {
		return store.MessageScope{}, err
	}
	linked, err := s.LinkedOrgs.GetAllConnectedOrgIDs(ctx)
	if err != nil {
		return store.MessageScope{}, err
	}
	return store.MessageScope{OrgIDs: dedupe(append(append([]string{}, orgIDs...), linked...))}, nil
}

// clampRange resolves a window-count request: default page size when
// absent, magnitude capped at the maximum limit.
func clampRange(rng *int) int {
	if rng == nil {
		return InitialMessagesCount
	}
	count := *rng
	if count < 0 {
		count = -count
	}
	if count == 0 {
		return InitialMessagesCount
	}
	if count > MaxMessagesLimit {
		return MaxMessagesLimit
	}
	return count
}

// resolveRange resolves an open-pagination request into a limit and a
// direction. No range means "most recent default page", i.e. backward.
func resolveRange(rng *int) (limit int, backward bool) {
	if rng == nil || *rng == 0 {
		return InitialMessagesCount, true
	}
	limit = *rng
	if limit < 0 {
		backward = true
		limit = -limit
	}
	if limit > MaxMessagesLimit {
		limit = MaxMessagesLimit
	}
	return limit, backward
}
