package stub

import (
	"context"
	"time"

	"tradeassist/gateway/internal/model"
)

// maxMemoryLogs caps the in-memory trade log history.
const maxMemoryLogs = 1000

// Store is the stub server's system of record for proposals, decisions
// and trade logs. Proposals are never deleted, only flipped to a
// terminal status.
type Store interface {
	SaveProposal(ctx context.Context, p model.Proposal) error
	GetProposal(ctx context.Context, id string) (model.Proposal, bool, error)
	ListPending(ctx context.Context) ([]model.Proposal, error)
	UpdateStatus(ctx context.Context, id, status string) error
	SaveDecision(ctx context.Context, d model.Decision) error
	// ExpireDue flips pending proposals whose deadline has passed and
	// returns them with their new status.
	ExpireDue(ctx context.Context, now time.Time) ([]model.Proposal, error)
	// ExpireAllPending flips every pending proposal regardless of
	// deadline and returns how many were flipped.
	ExpireAllPending(ctx context.Context) (int, error)
	SaveTradeLog(ctx context.Context, entry model.TradeLog) error
	RecentTradeLogs(ctx context.Context, limit int) ([]model.TradeLog, error)
	Close() error
}
