package loaders

import (
	"context"
	"sync"

	"colloquy/api/internal/viewer"
)

// LinkedOrgsLoader resolves cross-workspace org bridges for the viewer's
// current org.
type LinkedOrgsLoader struct {
	viewer viewer.Viewer
	store  Store

	mu     sync.Mutex
	linked []string
	ready  bool
}

func newLinkedOrgsLoader(v viewer.Viewer, st Store) *LinkedOrgsLoader {
	return &LinkedOrgsLoader{viewer: v, store: st}
}

// GetAllConnectedOrgIDs returns the orgs linked (in either direction) to
// the viewer's current org. Memoized for the request.
func (l *LinkedOrgsLoader) GetAllConnectedOrgIDs(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ready {
		return l.linked, nil
	}
	if l.viewer.OrgID == nil {
		l.linked, l.ready = []string{}, true
		return l.linked, nil
	}
	linked, err := l.store.ListLinkedOrgIDs(ctx, *l.viewer.OrgID)
	if err != nil {
		return nil, err
	}
	l.linked, l.ready = linked, true
	return l.linked, nil
}
