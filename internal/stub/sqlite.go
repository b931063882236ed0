package stub

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"tradeassist/gateway/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS proposals (
    id         TEXT PRIMARY KEY,
    symbol     TEXT NOT NULL,
    action     TEXT NOT NULL,
    quantity   INTEGER NOT NULL,
    price      REAL NOT NULL,
    reason     TEXT NOT NULL DEFAULT '',
    strategy   TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL DEFAULT 'PENDING',
    created_at TEXT NOT NULL,
    expires_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);
CREATE INDEX IF NOT EXISTS idx_proposals_created_at ON proposals(created_at);

CREATE TABLE IF NOT EXISTS decisions (
    proposal_id TEXT PRIMARY KEY,
    decision    TEXT NOT NULL,
    notes       TEXT NOT NULL DEFAULT '',
    decided_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trade_logs (
    id        TEXT PRIMARY KEY,
    timestamp TEXT NOT NULL,
    level     TEXT NOT NULL,
    message   TEXT NOT NULL,
    symbol    TEXT NOT NULL DEFAULT '',
    order_id  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_trade_logs_timestamp ON trade_logs(timestamp);
`

// SQLiteStore persists the stub's state so proposals and the audit
// trail survive restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path, enables WAL
// and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveProposal(ctx context.Context, p model.Proposal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO proposals
			(id, symbol, action, quantity, price, reason, strategy, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Symbol, p.Action, p.Quantity, p.Price, p.Reason, p.Strategy, p.Status,
		formatTime(p.CreatedAt), formatTimePtr(p.ExpiresAt))
	if err != nil {
		return fmt.Errorf("save proposal %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetProposal(ctx context.Context, id string) (model.Proposal, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, action, quantity, price, reason, strategy, status, created_at, expires_at
		FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Proposal{}, false, nil
	}
	if err != nil {
		return model.Proposal{}, false, fmt.Errorf("get proposal %s: %w", id, err)
	}
	return p, true, nil
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]model.Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, action, quantity, price, reason, strategy, status, created_at, expires_at
		FROM proposals WHERE status = ? ORDER BY created_at DESC`,
		model.ProposalStatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending proposals: %w", err)
	}
	defer rows.Close()

	var out []model.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE proposals SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update proposal %s status: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) SaveDecision(ctx context.Context, d model.Decision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO decisions (proposal_id, decision, notes, decided_at)
		VALUES (?, ?, ?, ?)`,
		d.ProposalID, d.Decision, d.Notes, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("save decision for %s: %w", d.ProposalID, err)
	}
	return nil
}

func (s *SQLiteStore) ExpireDue(ctx context.Context, now time.Time) ([]model.Proposal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin expiry sweep: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, symbol, action, quantity, price, reason, strategy, status, created_at, expires_at
		FROM proposals WHERE status = ? AND expires_at IS NOT NULL`,
		model.ProposalStatusPending)
	if err != nil {
		return nil, fmt.Errorf("select expirable proposals: %w", err)
	}

	var due []model.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		if p.IsExpired(now) {
			due = append(due, p)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range due {
		due[i].Status = model.ProposalStatusExpired
		if _, err := tx.ExecContext(ctx, `UPDATE proposals SET status = ? WHERE id = ?`,
			model.ProposalStatusExpired, due[i].ID); err != nil {
			return nil, fmt.Errorf("expire proposal %s: %w", due[i].ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expiry sweep: %w", err)
	}
	return due, nil
}

func (s *SQLiteStore) ExpireAllPending(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE proposals SET status = ? WHERE status = ?`,
		model.ProposalStatusExpired, model.ProposalStatusPending)
	if err != nil {
		return 0, fmt.Errorf("expire pending proposals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) SaveTradeLog(ctx context.Context, entry model.TradeLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_logs (id, timestamp, level, message, symbol, order_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, formatTime(entry.Timestamp), entry.Level, entry.Message, entry.Symbol, entry.OrderID)
	if err != nil {
		return fmt.Errorf("save trade log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentTradeLogs(ctx context.Context, limit int) ([]model.TradeLog, error) {
	if limit <= 0 {
		limit = maxMemoryLogs
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, level, message, symbol, order_id
		FROM trade_logs ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list trade logs: %w", err)
	}
	defer rows.Close()

	var out []model.TradeLog
	for rows.Next() {
		var entry model.TradeLog
		var ts string
		if err := rows.Scan(&entry.ID, &ts, &entry.Level, &entry.Message, &entry.Symbol, &entry.OrderID); err != nil {
			return nil, fmt.Errorf("scan trade log: %w", err)
		}
		entry.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProposal(row rowScanner) (model.Proposal, error) {
	var p model.Proposal
	var created string
	var expires sql.NullString
	err := row.Scan(&p.ID, &p.Symbol, &p.Action, &p.Quantity, &p.Price,
		&p.Reason, &p.Strategy, &p.Status, &created, &expires)
	if err != nil {
		return model.Proposal{}, err
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if expires.Valid {
		t, err := time.Parse(time.RFC3339Nano, expires.String)
		if err == nil {
			p.ExpiresAt = &t
		}
	}
	return p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
