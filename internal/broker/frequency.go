package broker

import (
	"context"
	"time"

	"github.com/driftlock/driftlock/internal/campaign"
	"github.com/driftlock/driftlock/internal/types"
)

// frequencyAllows checks the campaign's frequency policy against the
// completion records. Runs before any expression evaluation: an exhausted
// campaign costs nothing per trigger. Store failures suppress rather than
// over-deliver.
func (b *Broker) frequencyAllows(ctx context.Context, c *campaign.Campaign, distinctID types.DistinctID, now time.Time) bool {
	switch c.Frequency.Kind {
	case campaign.FrequencyEveryTime, "":
		return true

	case campaign.FrequencyOncePerUser:
		count, err := b.storage.CompletionCount(ctx, c.ID, distinctID)
		if err != nil {
			b.logger.Warn("frequency check failed", "campaign", c.ID, "error", err)
			return false
		}
		return count == 0

	case campaign.FrequencyOncePerSession:
		last, ok, err := b.storage.LastCompletionAt(ctx, c.ID, distinctID)
		if err != nil {
			b.logger.Warn("frequency check failed", "campaign", c.ID, "error", err)
			return false
		}
		if !ok {
			return true
		}
		return last.Before(b.sessionStartAt())

	case campaign.FrequencyRateLimited:
		last, ok, err := b.storage.LastCompletionAt(ctx, c.ID, distinctID)
		if err != nil {
			b.logger.Warn("frequency check failed", "campaign", c.ID, "error", err)
			return false
		}
		if !ok {
			return true
		}
		return now.Sub(last) >= c.Frequency.MinInterval()

	default:
		// Unknown policy from a newer server: fail closed.
		b.logger.Warn("unknown frequency policy", "campaign", c.ID, "kind", c.Frequency.Kind)
		return false
	}
}
