// internal/campaign/set.go
package campaign

import (
	"fmt"

	"github.com/driftlock/driftlock/internal/types"
)

// Set is an immutable snapshot of the cached campaigns, replaced wholesale
// on profile refresh. In-flight evaluations keep using the snapshot they
// started with, never a partially-updated set.
type Set struct {
	campaigns []*Campaign
	byID      map[types.CampaignID]*Campaign
}

// NewSet validates every campaign and builds an immutable snapshot.
// Returns the first validation error: a malformed campaign is a programmer
// error and must not be silently dropped.
func NewSet(campaigns []*Campaign) (*Set, error) {
	s := &Set{
		campaigns: make([]*Campaign, 0, len(campaigns)),
		byID:      make(map[types.CampaignID]*Campaign, len(campaigns)),
	}
	for _, c := range campaigns {
		if err := c.Workflow.Validate(); err != nil {
			return nil, fmt.Errorf("campaign %s: %w", c.ID, err)
		}
		if _, dup := s.byID[c.ID]; dup {
			return nil, fmt.Errorf("campaign %s: duplicate id", c.ID)
		}
		s.campaigns = append(s.campaigns, c)
		s.byID[c.ID] = c
	}
	return s, nil
}

// All returns the campaigns in declaration order. Callers must not mutate.
func (s *Set) All() []*Campaign {
	return s.campaigns
}

// Get looks up a campaign by ID.
func (s *Set) Get(id types.CampaignID) (*Campaign, bool) {
	c, ok := s.byID[id]
	return c, ok
}

// Len returns the number of campaigns in the snapshot.
func (s *Set) Len() int {
	return len(s.campaigns)
}
