// Package featureflags answers per-viewer feature questions. The only flag
// the loader core cares about is the granular-permissions rollout.
package featureflags

import (
	"context"

	"colloquy/api/internal/viewer"
)

const GranularPermissions = "granular_permissions"

// Source is consulted on every privacy decision; implementations must not
// assume callers cache the answer.
type Source interface {
	GranularPermissionsEnabled(ctx context.Context, v viewer.Viewer) (bool, error)
}

// Static serves flag values from process configuration. Granular
// permissions only ever apply to platform viewers; legacy product viewers
// always get the org-membership model.
type Static struct {
	Default           bool
	PlatformOverrides map[string]bool
}

func NewStatic(defaultValue bool) *Static {
	return &Static{Default: defaultValue, PlatformOverrides: map[string]bool{}}
}

func (s *Static) GranularPermissionsEnabled(_ context.Context, v viewer.Viewer) (bool, error) {
	if !v.IsPlatform() {
		return false, nil
	}
	if enabled, ok := s.PlatformOverrides[*v.PlatformApplicationID]; ok {
		return enabled, nil
	}
	return s.Default, nil
}
