package recorder

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	_ "modernc.org/sqlite"

	"EscrowLedger/internal/model"
)

// SQLiteRecorder persists ledger history to a SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteRecorder opens (or creates) the SQLite database and runs migrations.
func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL lets dashboards read while the daemon writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Printf("[INFO] sqlite recorder opened: %s", dbPath)
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ledger_events (
			id         TEXT PRIMARY KEY,
			sequence   INTEGER NOT NULL,
			timestamp  INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			caller     TEXT,
			target     TEXT,
			amount     TEXT,
			state      TEXT,
			note       TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_seq ON ledger_events(sequence)`,

		`CREATE TABLE IF NOT EXISTS audit_snapshots (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp       INTEGER NOT NULL,
			sequence        INTEGER,
			state           TEXT,
			depositors      INTEGER,
			total_deposited TEXT,
			deposit_limit   TEXT,
			reward_pool     TEXT,
			custody_balance TEXT,
			obligations     TEXT,
			healthy         INTEGER,
			note            TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_snapshots(timestamp)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordEvent(evt *model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := r.db.Exec(`INSERT INTO ledger_events
		(id, sequence, timestamp, event_type, caller, target, amount, state, note)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		uuid.NewString(), evt.Sequence, ts.Unix(), string(evt.Type),
		addrText(evt.Caller), addrText(evt.Target), amountText(evt.Amount),
		evt.State.String(), evt.Note,
	)
	return err
}

func (r *SQLiteRecorder) RecordAudit(snap *AuditSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	healthy := 0
	if snap.Healthy {
		healthy = 1
	}
	_, err := r.db.Exec(`INSERT INTO audit_snapshots
		(timestamp, sequence, state, depositors, total_deposited, deposit_limit,
		 reward_pool, custody_balance, obligations, healthy, note)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		time.Now().Unix(), snap.Sequence, snap.State.String(), snap.Depositors,
		amountText(snap.TotalDeposited), amountText(snap.DepositLimit),
		amountText(snap.RewardPool), amountText(snap.CustodyBalance),
		amountText(snap.Obligations), healthy, snap.Note,
	)
	return err
}

// RecentEvents returns up to limit events, newest first.
func (r *SQLiteRecorder) RecentEvents(limit int) ([]EventRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(`SELECT id, sequence, timestamp, event_type, caller, target, amount, state, note
		FROM ledger_events ORDER BY sequence DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var (
			row EventRow
			ts  int64
			typ string
		)
		if err := rows.Scan(&row.ID, &row.Sequence, &ts, &typ, &row.Caller, &row.Target, &row.Amount, &row.State, &row.Note); err != nil {
			return nil, err
		}
		row.Type = model.EventType(typ)
		row.Timestamp = time.Unix(ts, 0)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	log.Println("[INFO] closing sqlite recorder")
	return r.db.Close()
}

func addrText(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

func amountText(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}
