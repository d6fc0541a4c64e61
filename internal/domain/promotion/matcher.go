package promotion

import (
	"slices"
	"time"
)

// IsApplicable reports whether p is live at now and at least one item falls
// into its scope. ScopeAll matches any cart, including an empty one; a scoped
// promotion without ids matches nothing.
func IsApplicable(p *Promotion, items []CartItem, now time.Time) bool {
	if !p.IsLive(now) {
		return false
	}
	if p.ApplicableTo == ScopeAll {
		return true
	}
	if len(p.ApplicableIDs) == 0 {
		return false
	}
	for _, item := range items {
		if matchesItem(p, item) {
			return true
		}
	}
	return false
}

// matchesItem reports whether a single item is inside the scope of p.
func matchesItem(p *Promotion, item CartItem) bool {
	switch p.ApplicableTo {
	case ScopeAll:
		return true
	case ScopeCategory:
		return item.CategoryID != "" && slices.Contains(p.ApplicableIDs, item.CategoryID)
	case ScopeProduct:
		return slices.Contains(p.ApplicableIDs, item.ProductID)
	case ScopeSeller:
		return slices.Contains(p.ApplicableIDs, item.SellerID)
	default:
		return false
	}
}
