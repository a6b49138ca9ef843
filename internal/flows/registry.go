package flows

import "sync"

// Registry keeps the most recently started offers and contributions flows so
// later calls can reach them. Setting a slot replaces the previous flow even
// if it is still running.
type Registry struct {
	mu            sync.Mutex
	offers        *OffersFlow
	contributions *ContributionsFlow
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) SetOffers(f *OffersFlow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers = f
}

// Offers returns the last offers flow, or nil.
func (r *Registry) Offers() *OffersFlow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offers
}

func (r *Registry) SetContributions(f *ContributionsFlow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contributions = f
}

// Contributions returns the last contributions flow, or nil.
func (r *Registry) Contributions() *ContributionsFlow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contributions
}
