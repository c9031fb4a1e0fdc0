package rules

import "leadsegments_backend/internal/leads/domain"

type lookup struct {
	value any
	ok    bool
}

// View memoizes field lookups for one lead so evaluating many segments
// against it resolves each dotted path once. A View is not safe for
// concurrent use; create one per goroutine.
type View struct {
	lead  *domain.Lead
	cache map[string]lookup
}

// NewView wraps lead.
func NewView(lead *domain.Lead) *View {
	return &View{lead: lead, cache: make(map[string]lookup)}
}

// Lead returns the wrapped lead.
func (v *View) Lead() *domain.Lead {
	return v.lead
}

// Lookup resolves field through the cache.
func (v *View) Lookup(field string) (any, bool) {
	if hit, ok := v.cache[field]; ok {
		return hit.value, hit.ok
	}
	value, ok := v.lead.Lookup(field)
	v.cache[field] = lookup{value: value, ok: ok}
	return value, ok
}
