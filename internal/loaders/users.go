package loaders

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"colloquy/api/internal/store"
)

// UserLoader fetches user records with a request-scoped memo.
type UserLoader struct {
	store Store

	mu   sync.Mutex
	memo map[string]*store.User
}

func newUserLoader(st Store) *UserLoader {
	return &UserLoader{store: st, memo: map[string]*store.User{}}
}

// LoadUser returns the user or nil when it does not exist.
func (l *UserLoader) LoadUser(ctx context.Context, userID string) (*store.User, error) {
	l.mu.Lock()
	if cached, ok := l.memo[userID]; ok {
		l.mu.Unlock()
		return cached, nil
	}
	l.mu.Unlock()

	user, err := l.store.GetUser(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		l.remember(userID, nil)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.remember(userID, &user)
	return &user, nil
}

func (l *UserLoader) remember(userID string, user *store.User) {
	l.mu.Lock()
	l.memo[userID] = user
	l.mu.Unlock()
}
