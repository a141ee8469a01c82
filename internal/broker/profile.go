package broker

import (
	"sync/atomic"

	"github.com/driftlock/driftlock/internal/campaign"
	"github.com/driftlock/driftlock/internal/expr"
	"github.com/driftlock/driftlock/internal/types"
)

/*
 * Profile snapshot.
 *
 * The campaign set, segment memberships, user properties, and feature
 * access states are server-owned; the client holds a read-only copy that a
 * profile refresh replaces wholesale. The snapshot is swapped copy-on-write
 * behind an atomic pointer: evaluations in flight keep the snapshot they
 * started with and never observe a partial update.
 */

// Profile is one immutable snapshot of the server-fed caches.
// All maps are read-only after construction.
type Profile struct {
	Campaigns *campaign.Set
	Segments  map[string]bool
	User      types.Properties
	Features  map[string]expr.FeatureAccess // keyed by featureID + "/" + entityID
}

// FeatureKey builds the Features map key.
func FeatureKey(featureID, entityID string) string {
	return featureID + "/" + entityID
}

// profileHolder is the copy-on-write cell.
type profileHolder struct {
	p atomic.Pointer[Profile]
}

func (h *profileHolder) load() *Profile {
	return h.p.Load()
}

func (h *profileHolder) store(p *Profile) {
	h.p.Store(p)
}

// segmentAdapter answers segment membership from the profile snapshot.
// No snapshot loaded yet means the answer is unknown, not false.
type segmentAdapter struct {
	profile *Profile
}

func (a *segmentAdapter) IsMember(segmentID string) (bool, error) {
	if a.profile == nil || a.profile.Segments == nil {
		return false, types.ErrDataUnavailable
	}
	return a.profile.Segments[segmentID], nil
}

// featureAdapter answers cached feature access from the profile snapshot.
// An absent entry is "no cached answer" (nil, nil), which the interpreter
// folds to false.
type featureAdapter struct {
	profile *Profile
}

func (a *featureAdapter) CheckCached(featureID, entityID string) (*expr.FeatureAccess, error) {
	if a.profile == nil || a.profile.Features == nil {
		return nil, types.ErrDataUnavailable
	}
	fa, ok := a.profile.Features[FeatureKey(featureID, entityID)]
	if !ok {
		return nil, nil
	}
	return &fa, nil
}

// userAdapter answers user profile properties from the snapshot.
type userAdapter struct {
	profile *Profile
}

func (a *userAdapter) Get(key string) (any, bool, error) {
	if a.profile == nil || a.profile.User == nil {
		return nil, false, types.ErrDataUnavailable
	}
	v, ok := a.profile.User[key]
	return v, ok, nil
}
