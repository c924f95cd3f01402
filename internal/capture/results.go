package capture

import (
	"slices"
	"sync"
	"time"
)

// ResultStore is the ordered, deduplicated set of references for one session.
// Priority entries are kept ahead of the rest; each partition keeps
// first-seen order.
type ResultStore struct {
	mu        sync.RWMutex
	canon     *Canonicalizer
	priority  []string
	entries   []*MediaReference
	index     map[string]*MediaReference
	nPriority int
	now       func() time.Time
}

// NewResultStore returns an empty store. Hosts matching priorityDomains, or
// trusted by canon, sort first.
func NewResultStore(canon *Canonicalizer, priorityDomains []string) *ResultStore {
	if canon == nil {
		canon = NewCanonicalizer(nil)
	}
	if priorityDomains == nil {
		priorityDomains = DefaultPriorityDomains
	}
	return &ResultStore{
		canon:    canon,
		priority: priorityDomains,
		index:    make(map[string]*MediaReference),
		now:      time.Now,
	}
}

// Accept adds c unless its canonical URL is already present. It returns a
// copy of the stored entry and whether it was newly inserted. Candidates
// whose URL is not absolute are rejected.
func (s *ResultStore) Accept(c Candidate) (MediaReference, bool) {
	cu := s.canon.Canonicalize(c.URL)
	if !cu.Absolute || cu.URL == "" {
		return MediaReference{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.index[cu.URL]; ok {
		return *existing, false
	}

	ref := &MediaReference{
		CanonicalURL: cu.URL,
		DisplayURL:   cu.Display,
		Kind:         Classify(c.ContentType, cu.URL),
		Source:       c.Source,
		ContentType:  c.ContentType,
		Trusted:      cu.Trusted,
		FoundAt:      s.now().UTC(),
	}
	ref.Priority = ref.Trusted || hostMatches(hostOf(cu.URL), s.priority)

	// Inserting at the partition boundary is the stable partition of the
	// previous order plus the new entry.
	if ref.Priority {
		s.entries = slices.Insert(s.entries, s.nPriority, ref)
		s.nPriority++
	} else {
		s.entries = append(s.entries, ref)
	}
	s.index[cu.URL] = ref
	return *ref, true
}

// All returns a snapshot of the entries in store order.
func (s *ResultStore) All() []MediaReference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MediaReference, len(s.entries))
	for i, e := range s.entries {
		out[i] = *e
	}
	return out
}

// Len returns the number of stored entries.
func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Enrich records a probe outcome for canonicalURL. Playable is set at most
// once; ContentType is only filled when it was not observed. It reports
// whether the entry changed.
func (s *ResultStore) Enrich(canonicalURL string, playable bool, contentType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.index[canonicalURL]
	if !ok || ref.Playable != nil {
		return false
	}
	ref.Playable = &playable
	if ref.ContentType == "" && contentType != "" {
		ref.ContentType = contentType
	}
	return true
}
