package loaders

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"colloquy/api/internal/store"
)

// ThreadLoader fetches thread records with a request-scoped memo, since
// privacy checks for every message in a page resolve the same thread.
type ThreadLoader struct {
	store   Store
	loaders func() *Session

	mu   sync.Mutex
	memo map[string]*store.Thread
}

func newThreadLoader(st Store, loaders func() *Session) *ThreadLoader {
	return &ThreadLoader{store: st, loaders: loaders, memo: map[string]*store.Thread{}}
}

// LoadThread returns the thread or nil when it does not exist.
func (l *ThreadLoader) LoadThread(ctx context.Context, threadID string) (*store.Thread, error) {
	l.mu.Lock()
	if cached, ok := l.memo[threadID]; ok {
		l.mu.Unlock()
		return cached, nil
	}
	l.mu.Unlock()

	thread, err := l.store.GetThread(ctx, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		l.remember(threadID, nil)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.remember(threadID, &thread)
	return &thread, nil
}

// LoadThreadByExternalID resolves a customer-facing thread ID within one
// platform application, nil when absent.
func (l *ThreadLoader) LoadThreadByExternalID(ctx context.Context, externalID, platformApplicationID string) (*store.Thread, error) {
	thread, err := l.store.GetThreadByExternalID(ctx, externalID, platformApplicationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.remember(thread.ID, &thread)
	return &thread, nil
}

// LoadParticipants returns the thread's participants the viewer is allowed
// to see, filtered one by one through the privacy loader.
func (l *ThreadLoader) LoadParticipants(ctx context.Context, threadID string) ([]store.ThreadParticipant, error) {
	participants, err := l.store.ListThreadParticipants(ctx, threadID)
	if err != nil {
		return nil, err
	}
	privacy := l.loaders().Privacy
	visible := make([]store.ThreadParticipant, 0, len(participants))
	for i := range participants {
		ok, err := privacy.ViewerHasParticipant(ctx, &participants[i])
		if err != nil {
			return nil, err
		}
		if ok {
			visible = append(visible, participants[i])
		}
	}
	return visible, nil
}

func (l *ThreadLoader) remember(threadID string, thread *store.Thread) {
	l.mu.Lock()
	l.memo[threadID] = thread
	l.mu.Unlock()
}
