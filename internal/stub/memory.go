package stub

import (
	"context"
	"sync"
	"time"

	"tradeassist/gateway/internal/model"
)

// MemoryStore keeps everything in process memory. It is the default
// backend; state is gone on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	proposals map[string]model.Proposal
	order     []string // proposal IDs, newest first
	decisions map[string]model.Decision
	logs      []model.TradeLog
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proposals: make(map[string]model.Proposal),
		decisions: make(map[string]model.Decision),
	}
}

func (s *MemoryStore) SaveProposal(_ context.Context, p model.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.proposals[p.ID]; !exists {
		s.order = append([]string{p.ID}, s.order...)
	}
	s.proposals[p.ID] = p
	return nil
}

func (s *MemoryStore) GetProposal(_ context.Context, id string) (model.Proposal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	return p, ok, nil
}

func (s *MemoryStore) ListPending(_ context.Context) ([]model.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Proposal, 0, len(s.order))
	for _, id := range s.order {
		if p, ok := s.proposals[id]; ok && p.IsPending() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.proposals[id]; ok {
		p.Status = status
		s.proposals[id] = p
	}
	return nil
}

func (s *MemoryStore) SaveDecision(_ context.Context, d model.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[d.ProposalID] = d
	return nil
}

func (s *MemoryStore) ExpireDue(_ context.Context, now time.Time) ([]model.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var flipped []model.Proposal
	for _, id := range s.order {
		p, ok := s.proposals[id]
		if !ok || !p.IsPending() || !p.IsExpired(now) {
			continue
		}
		p.Status = model.ProposalStatusExpired
		s.proposals[id] = p
		flipped = append(flipped, p)
	}
	return flipped, nil
}

func (s *MemoryStore) ExpireAllPending(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.proposals {
		if p.IsPending() {
			p.Status = model.ProposalStatusExpired
			s.proposals[id] = p
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SaveTradeLog(_ context.Context, entry model.TradeLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	if len(s.logs) > maxMemoryLogs {
		s.logs = s.logs[len(s.logs)-maxMemoryLogs:]
	}
	return nil
}

func (s *MemoryStore) RecentTradeLogs(_ context.Context, limit int) ([]model.TradeLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.logs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.TradeLog, 0, n)
	for i := len(s.logs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.logs[i])
	}
	return out, nil
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error {
	return nil
}
