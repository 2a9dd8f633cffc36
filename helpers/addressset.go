package helpers

// AddressSet deduplicates email addresses while preserving first-seen order.
// Insertion order is significant: partial quota accounting exposes the first
// N addresses by this ordering.
type AddressSet struct {
	seen  map[string]struct{}
	order []string
}

func NewAddressSet() *AddressSet {
	return &AddressSet{seen: make(map[string]struct{})}
}

// Add normalizes and records an address. Malformed values are ignored.
// Returns true if the address was not seen before.
func (s *AddressSet) Add(addr string) bool {
	norm := NormalizeAddress(addr)
	if norm == "" {
		return false
	}
	if _, ok := s.seen[norm]; ok {
		return false
	}
	s.seen[norm] = struct{}{}
	s.order = append(s.order, norm)
	return true
}

// AddAll records every address from the given slices.
func (s *AddressSet) AddAll(groups ...[]string) {
	for _, group := range groups {
		for _, addr := range group {
			s.Add(addr)
		}
	}
}

// Len returns the number of unique addresses collected.
func (s *AddressSet) Len() int {
	return len(s.order)
}

// Values returns the unique addresses in first-seen order.
func (s *AddressSet) Values() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
