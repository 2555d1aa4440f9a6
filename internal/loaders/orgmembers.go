package loaders

import (
	"context"
	"sync"

	"colloquy/api/internal/store"
	"colloquy/api/internal/viewer"
)

// OrgMembersLoader resolves the viewer's org memberships. The immediate
// org set is memoized for the request; point membership checks are not.
type OrgMembersLoader struct {
	viewer viewer.Viewer
	store  Store

	mu          sync.Mutex
	orgIDs      []string
	orgIDsReady bool
}

func newOrgMembersLoader(v viewer.Viewer, st Store) *OrgMembersLoader {
	return &OrgMembersLoader{viewer: v, store: st}
}

// LoadAllImmediateOrgIDsForUser returns every org the viewer's user
// belongs to, narrowed by the viewer's asserted org filter when present.
func (l *OrgMembersLoader) LoadAllImmediateOrgIDsForUser(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.orgIDsReady {
		return l.orgIDs, nil
	}
	if l.viewer.UserID == nil {
		l.orgIDs, l.orgIDsReady = []string{}, true
		return l.orgIDs, nil
	}
	orgIDs, err := l.store.ListOrgIDsForUser(ctx, *l.viewer.UserID)
	if err != nil {
		return nil, err
	}
	if l.viewer.HasOrgFilter() {
		filtered := make([]string, 0, len(orgIDs))
		for _, orgID := range orgIDs {
			if l.viewer.OrgFilterContains(orgID) {
				filtered = append(filtered, orgID)
			}
		}
		orgIDs = filtered
	}
	l.orgIDs, l.orgIDsReady = orgIDs, true
	return l.orgIDs, nil
}

// ViewerCanAccessOrg reports whether the viewer's user is a member of the
// org. An asserted org filter that excludes the org denies access without
// touching the database.
func (l *OrgMembersLoader) ViewerCanAccessOrg(ctx context.Context, orgID string) (bool, error) {
	if l.viewer.UserID == nil {
		return false, nil
	}
	if l.viewer.HasOrgFilter() && !l.viewer.OrgFilterContains(orgID) {
		return false, nil
	}
	return l.store.IsOrgMember(ctx, *l.viewer.UserID, orgID)
}

// LoadUserOrgMembership fetches an arbitrary user's membership row, nil
// when absent.
func (l *OrgMembersLoader) LoadUserOrgMembership(ctx context.Context, userID, orgID string) (*store.OrgMembership, error) {
	return l.store.GetOrgMembership(ctx, userID, orgID)
}
