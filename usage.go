package schematic

import (
	"strings"

	cache "github.com/patrickmn/go-cache"

	"github.com/schematichq/schematic-client-go/sdktypes"
)

// applyOptimisticUsage bumps the cached usage of every current-context flag
// whose usage meter is eventName, so entitlement gating reacts to a tracked
// event before the server confirms it. The update only ever turns a flag off:
// once usage reaches the allocation the value flips to false, and dropping
// back under the allocation clears the exceeded flag but leaves the value
// false until a fresh server result re-enables it.
func (c *Client) applyOptimisticUsage(eventName string, quantity int) {
	if eventName == "" {
		return
	}
	current, _ := c.resolveEvalContext(nil)
	prefix := current.CanonicalString() + cacheKeySep

	for key, item := range c.checks.Items() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		ret, ok := item.Object.(sdktypes.CheckFlagReturn)
		if !ok || ret.FeatureUsageEvent != eventName || ret.FeatureUsage == nil {
			continue
		}
		updated := ret.Clone()
		usage := *updated.FeatureUsage + quantity
		updated.FeatureUsage = &usage
		if updated.FeatureAllocation != nil {
			exceeded := usage >= *updated.FeatureAllocation
			if exceeded {
				updated.Value = false
			}
			updated.FeatureUsageExceeded = exceeded
		}
		// last write wins; a concurrent server result may be overwritten
		// until the next refresh for this context
		c.checks.Set(key, updated, cache.DefaultExpiration)

		c.flagCheckListeners.Notify(updated.Flag, updated.Clone())
		if updated.Value != ret.Value {
			c.flagValueListeners.Notify(updated.Flag, updated.Value)
		}
	}
}
