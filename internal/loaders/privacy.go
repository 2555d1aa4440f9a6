package loaders

import (
	"context"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"colloquy/api/internal/featureflags"
	"colloquy/api/internal/obs"
	"colloquy/api/internal/permissions"
	"colloquy/api/internal/store"
	"colloquy/api/internal/viewer"
)

// PrivacyLoader decides per-viewer visibility and write eligibility. It is
// a filter applied by the other loaders, never a primary query path, and
// it keeps no cache of its own: callers must not assume two calls with the
// same arguments hit the database once.
//
// Two modes, gated per viewer by the granular-permissions flag. Legacy:
// visibility is pure org membership. Granular: org membership still
// grants, and matching permission rules grant on top of it.
type PrivacyLoader struct {
	viewer  viewer.Viewer
	store   Store
	flags   featureflags.Source
	logger  *log.Logger
	loaders func() *Session
}

func newPrivacyLoader(v viewer.Viewer, st Store, flags featureflags.Source, logger *log.Logger, loaders func() *Session) *PrivacyLoader {
	return &PrivacyLoader{viewer: v, store: st, flags: flags, logger: logger, loaders: loaders}
}

// ViewerHasThread reports whether the viewer may see the thread.
//
// With strictOrgCheck, a viewer that asserted an org filter is answered
// from that filter alone, with no membership lookup and no rule
// evaluation: "I am definitely org X" viewers get a narrow, fast check.
// Viewers with no filter fall through to full resolution.
func (l *PrivacyLoader) ViewerHasThread(ctx context.Context, thread *store.Thread, strictOrgCheck bool) (visible bool, err error) {
	defer func() {
		if err == nil {
			obs.RecordPrivacyDecision("thread", visible)
		}
	}()

	if thread == nil {
		return false, nil
	}
	if strictOrgCheck && l.viewer.HasOrgFilter() {
		return l.viewer.OrgFilterContains(thread.OrgID), nil
	}

	canAccessOrg, err := l.loaders().OrgMembers.ViewerCanAccessOrg(ctx, thread.OrgID)
	if err != nil {
		return false, err
	}
	if canAccessOrg {
		return true, nil
	}

	granular, err := l.flags.GranularPermissionsEnabled(ctx, l.viewer)
	if err != nil {
		return false, err
	}
	if !granular {
		return false, nil
	}
	return l.hasThreadRule(ctx, thread, permissions.ThreadRead)
}

// ViewerHasMessage reports whether the viewer may see the message. In
// legacy mode message visibility is implied by its thread existing; org
// membership is not re-checked per message. In granular mode a rule
// granting message:read on either the thread or the message suffices.
func (l *PrivacyLoader) ViewerHasMessage(ctx context.Context, message *store.Message) (visible bool, err error) {
	defer func() {
		if err == nil {
			obs.RecordPrivacyDecision("message", visible)
		}
	}()

	if message == nil {
		return false, nil
	}
	thread, err := l.loaders().Threads.LoadThread(ctx, message.ThreadID)
	if err != nil {
		return false, err
	}
	if thread == nil {
		return false, nil
	}

	granular, err := l.flags.GranularPermissionsEnabled(ctx, l.viewer)
	if err != nil {
		return false, err
	}
	if !granular {
		return true, nil
	}

	canAccessOrg, err := l.loaders().OrgMembers.ViewerCanAccessOrg(ctx, message.OrgID)
	if err != nil {
		return false, err
	}
	if canAccessOrg {
		return true, nil
	}

	userDoc, err := l.viewerDescriptor(ctx)
	if err != nil {
		return false, err
	}
	if userDoc == nil {
		return false, nil
	}

	threadDoc, err := resourceDescriptor(thread.ExternalID, thread.Metadata)
	if err != nil {
		return false, err
	}
	messageDoc, err := resourceDescriptor(message.ExternalID, message.Metadata)
	if err != nil {
		return false, err
	}

	// Either resource suffices; evaluate both in parallel.
	var viaThread, viaMessage bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var ruleErr error
		viaThread, ruleErr = l.hasRule(gctx, userDoc, threadDoc, permissions.MessageRead)
		return ruleErr
	})
	g.Go(func() error {
		var ruleErr error
		viaMessage, ruleErr = l.hasRule(gctx, userDoc, messageDoc, permissions.MessageRead)
		return ruleErr
	})
	if err := g.Wait(); err != nil {
		return false, err
	}
	return viaThread || viaMessage, nil
}

// ViewerHasParticipant reports whether the viewer may see a participation
// record. A user always sees their own. Participants who are members of
// the thread's org stay visible in granular mode (pre-permission legacy
// participants); otherwise a thread-participant:read rule on the thread or
// on the participant-as-user grants visibility.
func (l *PrivacyLoader) ViewerHasParticipant(ctx context.Context, participant *store.ThreadParticipant) (visible bool, err error) {
	defer func() {
		if err == nil {
			obs.RecordPrivacyDecision("participant", visible)
		}
	}()

	if participant == nil {
		return false, nil
	}
	if l.viewer.UserID != nil && *l.viewer.UserID == participant.UserID {
		return true, nil
	}
	thread, err := l.loaders().Threads.LoadThread(ctx, participant.ThreadID)
	if err != nil {
		return false, err
	}
	if thread == nil {
		return false, nil
	}

	granular, err := l.flags.GranularPermissionsEnabled(ctx, l.viewer)
	if err != nil {
		return false, err
	}
	if !granular {
		return true, nil
	}

	// The participant's membership, not the viewer's.
	isMember, err := l.store.IsOrgMember(ctx, participant.UserID, thread.OrgID)
	if err != nil {
		return false, err
	}
	if isMember {
		return true, nil
	}

	userDoc, err := l.viewerDescriptor(ctx)
	if err != nil {
		return false, err
	}
	if userDoc == nil {
		return false, nil
	}
	threadDoc, err := resourceDescriptor(thread.ExternalID, thread.Metadata)
	if err != nil {
		return false, err
	}

	var viaThread, viaUser bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var ruleErr error
		viaThread, ruleErr = l.hasRule(gctx, userDoc, threadDoc, permissions.ThreadParticipantRead)
		return ruleErr
	})
	g.Go(func() error {
		participantUser, loadErr := l.loaders().Users.LoadUser(gctx, participant.UserID)
		if loadErr != nil || participantUser == nil {
			return loadErr
		}
		participantDoc, descErr := resourceDescriptor(participantUser.ExternalID, participantUser.Metadata)
		if descErr != nil {
			return descErr
		}
		var ruleErr error
		viaUser, ruleErr = l.hasRule(gctx, userDoc, participantDoc, permissions.ThreadParticipantRead)
		return ruleErr
	})
	if err := g.Wait(); err != nil {
		return false, err
	}
	return viaThread || viaUser, nil
}

// ViewerCanSendMessageToThread decides write eligibility. Legacy mode is
// permissive: it always allows, but logs a warning when the viewer
// provably cannot see the thread, so rollout does not change behavior.
// TODO: deny legacy sends to invisible threads once existing integrations
// send with proper org membership.
//
// Granular mode requires read access first; no write without read.
func (l *PrivacyLoader) ViewerCanSendMessageToThread(ctx context.Context, thread *store.Thread) (allowed bool, err error) {
	defer func() {
		if err == nil {
			obs.RecordPrivacyDecision("send_message", allowed)
		}
	}()

	if thread == nil {
		return false, nil
	}

	granular, err := l.flags.GranularPermissionsEnabled(ctx, l.viewer)
	if err != nil {
		return false, err
	}
	if !granular {
		visible, visErr := l.ViewerHasThread(ctx, thread, false)
		if visErr == nil && !visible {
			l.logger.Warn("viewer sending to a thread it cannot see",
				"tag", "privacy-send-message",
				"threadID", thread.ID,
				"orgID", thread.OrgID)
		}
		return true, nil
	}

	visible, err := l.ViewerHasThread(ctx, thread, false)
	if err != nil {
		return false, err
	}
	if !visible {
		return false, nil
	}
	canAccessOrg, err := l.loaders().OrgMembers.ViewerCanAccessOrg(ctx, thread.OrgID)
	if err != nil {
		return false, err
	}
	if canAccessOrg {
		return true, nil
	}
	return l.hasThreadRule(ctx, thread, permissions.ThreadSendMessage)
}

// hasThreadRule evaluates one permission against the thread resource.
func (l *PrivacyLoader) hasThreadRule(ctx context.Context, thread *store.Thread, permission permissions.Permission) (bool, error) {
	userDoc, err := l.viewerDescriptor(ctx)
	if err != nil {
		return false, err
	}
	if userDoc == nil {
		return false, nil
	}
	threadDoc, err := resourceDescriptor(thread.ExternalID, thread.Metadata)
	if err != nil {
		return false, err
	}
	return l.hasRule(ctx, userDoc, threadDoc, permission)
}

func (l *PrivacyLoader) hasRule(ctx context.Context, userDoc, resourceDoc []byte, permission permissions.Permission) (bool, error) {
	if !l.viewer.IsPlatform() {
		return false, nil
	}
	return l.store.HasMatchingRule(ctx, *l.viewer.PlatformApplicationID, userDoc, resourceDoc, string(permission))
}

// viewerDescriptor builds the user half of a rule match. nil when the
// viewer has no loadable user, which means rules can never match.
func (l *PrivacyLoader) viewerDescriptor(ctx context.Context) ([]byte, error) {
	if l.viewer.UserID == nil {
		return nil, nil
	}
	user, err := l.loaders().Users.LoadUser(ctx, *l.viewer.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, nil
	}
	return permissions.Descriptor{ID: user.ExternalID, Metadata: user.Metadata}.Marshal()
}

func resourceDescriptor(externalID string, metadata []byte) ([]byte, error) {
	return permissions.Descriptor{ID: externalID, Metadata: metadata}.Marshal()
}
