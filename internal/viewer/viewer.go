// Package viewer defines the immutable identity context built once per
// request by the auth layer and consumed read-only by every loader.
package viewer

// Viewer describes who is asking. Nil pointer fields mean "absent":
// a nil UserID is an unauthenticated or service context, a nil
// PlatformApplicationID is the legacy single-tenant product.
//
// A Viewer must never be mutated after construction; loaders key their
// request-scoped caches on the assumption that it cannot change.
type Viewer struct {
	UserID                *string
	OrgID                 *string
	PlatformApplicationID *string
	// RelevantOrgIDs is an optional explicit org filter asserted by the
	// caller. nil means unscoped; an empty non-nil slice asserts "no orgs".
	RelevantOrgIDs []string
}

// ForUser returns a viewer for a legacy (non-platform) user session.
func ForUser(userID, orgID string) Viewer {
	return Viewer{UserID: &userID, OrgID: &orgID}
}

// ForPlatformUser returns a viewer for a multi-tenant platform session.
func ForPlatformUser(userID, orgID, platformApplicationID string) Viewer {
	return Viewer{
		UserID:                &userID,
		OrgID:                 &orgID,
		PlatformApplicationID: &platformApplicationID,
	}
}

// Anonymous returns a viewer with no identity at all.
func Anonymous() Viewer {
	return Viewer{}
}

// WithRelevantOrgIDs returns a copy of v carrying an explicit org filter.
func (v Viewer) WithRelevantOrgIDs(orgIDs []string) Viewer {
	filtered := make([]string, len(orgIDs))
	copy(filtered, orgIDs)
	v.RelevantOrgIDs = filtered
	return v
}

// IsPlatform reports whether the viewer belongs to a platform application,
// which is what gates the granular permission model.
func (v Viewer) IsPlatform() bool {
	return v.PlatformApplicationID != nil && *v.PlatformApplicationID != ""
}

// HasOrgFilter reports whether the viewer asserted an explicit org list.
func (v Viewer) HasOrgFilter() bool {
	return v.RelevantOrgIDs != nil
}

// OrgFilterContains reports whether orgID is in the asserted org filter.
// Always false when no filter was asserted; callers that want the
// vacuous-skip behavior must check HasOrgFilter first.
func (v Viewer) OrgFilterContains(orgID string) bool {
	for _, id := range v.RelevantOrgIDs {
		if id == orgID {
			return true
		}
	}
	return false
}
