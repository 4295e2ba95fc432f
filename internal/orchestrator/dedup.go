package orchestrator

import (
	"sort"
	"sync"
)

// processedSet remembers request numbers this process has already admitted
// or found running, for the lifetime of the process.
type processedSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newProcessedSet() *processedSet {
	return &processedSet{ids: make(map[string]struct{})}
}

func (s *processedSet) Add(id string) {
	s.mu.Lock()
	s.ids[id] = struct{}{}
	s.mu.Unlock()
}

func (s *processedSet) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *processedSet) Remove(id string) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

func (s *processedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// subWorkflowSet is one decomposition in flight: the children a parent is
// waiting on.
type subWorkflowSet struct {
	parentID  string
	children  map[string]bool // child id -> complete
	remaining int
	stop      func()
}

func newSubWorkflowSet(parentID string, children []string) *subWorkflowSet {
	set := &subWorkflowSet{parentID: parentID, children: make(map[string]bool, len(children))}
	for _, c := range children {
		if _, dup := set.children[c]; !dup {
			set.children[c] = false
			set.remaining++
		}
	}
	return set
}

// subWorkflowSets holds every live decomposition, keyed by parent.
type subWorkflowSets struct {
	mu   sync.Mutex
	sets map[string]*subWorkflowSet
}

func newSubWorkflowSets() *subWorkflowSets {
	return &subWorkflowSets{sets: make(map[string]*subWorkflowSet)}
}

// add registers set, replacing and stopping any older set for the parent.
func (s *subWorkflowSets) add(set *subWorkflowSet) {
	s.mu.Lock()
	old := s.sets[set.parentID]
	s.sets[set.parentID] = set
	s.mu.Unlock()
	if old != nil && old.stop != nil {
		old.stop()
	}
}

// complete marks child done in the parent's set. It reports true exactly
// once: when the last child completes. The set is removed at that point.
func (s *subWorkflowSets) complete(parentID, childID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[parentID]
	if !ok {
		return false
	}
	done, known := set.children[childID]
	if !known || done {
		return false
	}
	set.children[childID] = true
	set.remaining--
	if set.remaining > 0 {
		return false
	}
	delete(s.sets, parentID)
	return true
}

func (s *subWorkflowSets) parents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sets))
	for id := range s.sets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// children lists the outstanding children of parentID.
func (s *subWorkflowSets) children(parentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[parentID]
	if !ok {
		return nil
	}
	var out []string
	for id, done := range set.children {
		if !done {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
