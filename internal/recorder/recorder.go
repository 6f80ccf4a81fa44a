package recorder

import (
	"time"

	"github.com/holiman/uint256"

	"EscrowLedger/internal/model"
)

// AuditSnapshot is one periodic reconciliation of the ledger counters
// against the custody balance reported by the token.
type AuditSnapshot struct {
	Sequence       uint64
	State          model.LedgerState
	Depositors     int
	TotalDeposited *uint256.Int
	DepositLimit   *uint256.Int
	RewardPool     *uint256.Int
	CustodyBalance *uint256.Int
	Obligations    *uint256.Int
	Healthy        bool
	Note           string
}

// EventRow is a ledger event as read back from history.
type EventRow struct {
	ID        string
	Sequence  uint64
	Type      model.EventType
	Caller    string
	Target    string
	Amount    string
	State     string
	Note      string
	Timestamp time.Time
}

// Recorder persists ledger history for analysis.
type Recorder interface {
	RecordEvent(evt *model.Event) error
	RecordAudit(snap *AuditSnapshot) error
	RecentEvents(limit int) ([]EventRow, error)
	Close() error
}
