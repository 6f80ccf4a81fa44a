package notifier

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"EscrowLedger/internal/model"
	"EscrowLedger/internal/recorder"
)

// FormatLedgerStatus formats the ledger counters and the custody balance for display.
func FormatLedgerStatus(s *model.Snapshot, custody *uint256.Int) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📦 <b>Escrow ledger</b> | %s\n\n", s.State))
	b.WriteString(fmt.Sprintf("Multisig: <code>%s</code>\n", s.Authority.Hex()))
	b.WriteString(fmt.Sprintf("Depositors: %d\n", len(s.Deposits)))
	b.WriteString(fmt.Sprintf("Total deposited: %s / %s\n", amount(s.TotalDeposited), amount(s.DepositLimit)))
	b.WriteString(fmt.Sprintf("Reward pool: %s\n", amount(s.RewardPool)))
	if custody != nil {
		b.WriteString(fmt.Sprintf("Custody balance: %s\n", custody.Dec()))
	}
	if s.CustodyWithdrawn != nil && !s.CustodyWithdrawn.IsZero() {
		b.WriteString(fmt.Sprintf("Custody withdrawn / returned: %s / %s\n", amount(s.CustodyWithdrawn), amount(s.CustodyReturned)))
	}
	if s.State == model.StateWithdraw {
		b.WriteString(fmt.Sprintf("Reward paid: %s of %s\n", amount(s.RewardPaid), amount(s.SettlementReward)))
	}
	if s.ReleaseTimestamp > 0 {
		b.WriteString(fmt.Sprintf("Release: %s\n", time.Unix(s.ReleaseTimestamp, 0).UTC().Format("2006-01-02 15:04 MST")))
	}
	b.WriteString(fmt.Sprintf("Sequence: %d | updated %s\n", s.Sequence, s.UpdatedAt.Format("2006-01-02 15:04")))
	return b.String()
}

// FormatEvent formats a committed ledger event as a short alert.
func FormatEvent(evt model.Event) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s <b>%s</b> #%d", eventIcon(evt.Type), evt.Type, evt.Sequence))
	b.WriteString(fmt.Sprintf("\nby <code>%s</code>", evt.Caller.Hex()))
	if evt.Target != (common.Address{}) {
		b.WriteString(fmt.Sprintf(" → <code>%s</code>", evt.Target.Hex()))
	}
	if evt.Amount != nil {
		b.WriteString(fmt.Sprintf("\namount: %s", evt.Amount.Dec()))
	}
	if evt.Note != "" {
		b.WriteString(fmt.Sprintf("\n%s", evt.Note))
	}
	b.WriteString(fmt.Sprintf("\nstate: %s", evt.State))
	return b.String()
}

// FormatAudit formats a reconciliation result.
func FormatAudit(a *recorder.AuditSnapshot) string {
	var b strings.Builder
	if a.Healthy {
		b.WriteString("✅ <b>Audit passed</b>\n\n")
	} else {
		b.WriteString("🚨 <b>Audit failed</b>\n\n")
	}
	b.WriteString(fmt.Sprintf("State: %s (seq %d)\n", a.State, a.Sequence))
	b.WriteString(fmt.Sprintf("Obligations: %s\n", amount(a.Obligations)))
	b.WriteString(fmt.Sprintf("Custody balance: %s\n", amount(a.CustodyBalance)))
	if a.Note != "" {
		b.WriteString(fmt.Sprintf("\n%s\n", a.Note))
	}
	return b.String()
}

// FormatHistory formats recent events, newest first.
func FormatHistory(rows []recorder.EventRow) string {
	if len(rows) == 0 {
		return "No ledger events recorded yet."
	}
	var b strings.Builder
	b.WriteString("🧾 <b>Recent ledger events</b>\n\n")
	for _, r := range rows {
		b.WriteString(fmt.Sprintf("#%d %s %s", r.Sequence, r.Timestamp.Format("01-02 15:04"), r.Type))
		if r.Amount != "" {
			b.WriteString(" " + r.Amount)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func eventIcon(t model.EventType) string {
	switch t {
	case model.EventDeposit, model.EventCustodyDeposited, model.EventRewardDeposited:
		return "💰"
	case model.EventClaim:
		return "🎁"
	case model.EventCustodyWithdrawn:
		return "🏦"
	case model.EventActivated, model.EventStateHolding, model.EventStateWithdraw:
		return "🔄"
	default:
		return "⚙️"
	}
}

func amount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
