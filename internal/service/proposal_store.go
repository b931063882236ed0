package service

import (
	"sync"

	"tradeassist/gateway/internal/model"
)

// ProposalStore is the in-memory replica of the assistant's proposal
// list. The newest proposal sits at the front; updates keep their slot.
// Entries only leave the store through hydration or Clear, never one by
// one, so the replica stays a faithful mirror of the upstream set.
type ProposalStore struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]model.Proposal
}

func NewProposalStore() *ProposalStore {
	return &ProposalStore{
		byID: make(map[string]model.Proposal),
	}
}

// ReplaceAll swaps the entire replica for the given snapshot, preserving
// the snapshot's order. Used on hydration after every (re)connect.
func (s *ProposalStore) ReplaceAll(proposals []model.Proposal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = make([]string, 0, len(proposals))
	s.byID = make(map[string]model.Proposal, len(proposals))
	for _, p := range proposals {
		if p.ID == "" {
			continue
		}
		if _, seen := s.byID[p.ID]; !seen {
			s.order = append(s.order, p.ID)
		}
		s.byID[p.ID] = p
	}
}

// Upsert merges a proposal into the replica. A new ID is prepended; an
// existing ID is replaced in place. Reports whether the entry is new.
func (s *ProposalStore) Upsert(p model.Proposal) bool {
	if p.ID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.byID[p.ID]
	if !exists {
		s.order = append([]string{p.ID}, s.order...)
	}
	s.byID[p.ID] = p
	return !exists
}

// UpdateStatus flips the status of an existing proposal. Reports whether
// the proposal was present.
func (s *ProposalStore) UpdateStatus(id string, status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[id]
	if !ok {
		return false
	}
	p.Status = status
	s.byID[id] = p
	return true
}

// Get returns a copy of the proposal with the given ID
func (s *ProposalStore) Get(id string) (model.Proposal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	return p, ok
}

// List returns a copy of every proposal, newest first
func (s *ProposalStore) List() []model.Proposal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Proposal, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// ListByStatus returns a copy of the proposals with the given status,
// newest first
func (s *ProposalStore) ListByStatus(status string) []model.Proposal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Proposal, 0)
	for _, id := range s.order {
		if p := s.byID[id]; p.Status == status {
			out = append(out, p)
		}
	}
	return out
}

// Clear empties the replica and returns how many entries it dropped
func (s *ProposalStore) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.order)
	s.order = nil
	s.byID = make(map[string]model.Proposal)
	return n
}

// Len returns the number of proposals in the replica
func (s *ProposalStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// PendingCount returns the number of proposals awaiting a decision
func (s *ProposalStore) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, p := range s.byID {
		if p.IsPending() {
			n++
		}
	}
	return n
}
