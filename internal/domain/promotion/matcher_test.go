package promotion

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsApplicable(t *testing.T) {
	cart := []CartItem{
		{ProductID: "p1", CategoryID: "A", SellerID: "s1", Price: d("10"), Quantity: 1},
		{ProductID: "p2", CategoryID: "B", SellerID: "s2", Price: d("20"), Quantity: 2},
		{ProductID: "p3", SellerID: "s2", Price: d("5"), Quantity: 1},
	}

	tests := []struct {
		name  string
		scope Scope
		ids   []string
		items []CartItem
		live  bool
		want  bool
	}{
		{name: "all scope", scope: ScopeAll, items: cart, live: true, want: true},
		{name: "all scope empty cart", scope: ScopeAll, items: nil, live: true, want: true},
		{name: "category miss", scope: ScopeCategory, ids: []string{"C"}, items: cart, live: true, want: false},
		{name: "category hit", scope: ScopeCategory, ids: []string{"B"}, items: cart, live: true, want: true},
		{name: "empty category never matches uncategorised", scope: ScopeCategory, ids: []string{""}, items: cart, live: true, want: false},
		{name: "product hit", scope: ScopeProduct, ids: []string{"x", "p3"}, items: cart, live: true, want: true},
		{name: "product miss", scope: ScopeProduct, ids: []string{"p9"}, items: cart, live: true, want: false},
		{name: "seller hit", scope: ScopeSeller, ids: []string{"s2"}, items: cart, live: true, want: true},
		{name: "seller miss", scope: ScopeSeller, ids: []string{"s3"}, items: cart, live: true, want: false},
		{name: "empty ids", scope: ScopeCategory, ids: []string{}, items: cart, live: true, want: false},
		{name: "nil ids", scope: ScopeProduct, items: cart, live: true, want: false},
		{name: "scoped empty cart", scope: ScopeSeller, ids: []string{"s1"}, items: nil, live: true, want: false},
		{name: "unknown scope", scope: Scope("region"), ids: []string{"A"}, items: cart, live: true, want: false},
		{name: "not live", scope: ScopeAll, items: cart, live: false, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := livePromo("p", TypePercentage, "10")
			p.ApplicableTo = tt.scope
			p.ApplicableIDs = tt.ids
			p.IsActive = tt.live

			assert.Equal(t, tt.want, IsApplicable(&p, tt.items, fixedNow))
			// Repeated calls give the same answer.
			assert.Equal(t, tt.want, IsApplicable(&p, tt.items, fixedNow))
		})
	}
}
