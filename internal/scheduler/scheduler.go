package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/robfig/cron/v3"

	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/model"
	"EscrowLedger/internal/notifier"
	"EscrowLedger/internal/recorder"
)

// Sender delivers chat messages. *notifier.TelegramNotifier implements it.
type Sender interface {
	SendWithRetry(ctx context.Context, text string, maxRetries int) error
}

// AuditObserver is told about every reconciliation run.
type AuditObserver interface {
	ObserveAudit(custody *uint256.Int, healthy bool)
}

// Scheduler manages all cron tasks.
type Scheduler struct {
	Cron     *cron.Cron
	Ledger   *escrow.Ledger
	Notifier Sender
	Recorder recorder.Recorder
	Metrics  AuditObserver
	Ctx      context.Context

	mu              sync.Mutex
	releaseNotified int64
	nowFn           func() time.Time
}

// NewScheduler creates a new Scheduler. tn may be nil when chat
// notifications are disabled.
func NewScheduler(ctx context.Context, ledger *escrow.Ledger, tn Sender, rec recorder.Recorder) *Scheduler {
	return &Scheduler{
		Cron:     cron.New(cron.WithSeconds()),
		Ledger:   ledger,
		Notifier: tn,
		Recorder: rec,
		Ctx:      ctx,
		nowFn:    time.Now,
	}
}

// SetNowFunc overrides the clock used by the release watcher.
func (s *Scheduler) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// RegisterAll registers the audit and release-watch tasks.
func (s *Scheduler) RegisterAll(auditCron, releaseCron string) error {
	if _, err := s.Cron.AddFunc(auditCron, s.auditTask); err != nil {
		return fmt.Errorf("register audit task: %w", err)
	}
	if _, err := s.Cron.AddFunc(releaseCron, s.releaseWatch); err != nil {
		return fmt.Errorf("register release watch: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	log.Println("[INFO] scheduler started")
}

// Stop stops the cron scheduler gracefully.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	log.Println("[INFO] scheduler stopped")
}

// RunAuditNow executes the audit immediately (for manual trigger / RUN_ON_START).
func (s *Scheduler) RunAuditNow() *recorder.AuditSnapshot {
	return s.audit()
}

func (s *Scheduler) auditTask() {
	log.Println("[INFO] running ledger audit")
	s.audit()
}

// audit reconciles the ledger counters with the custody balance. While the
// ledger holds funds the custody may legitimately have moved to the safe
// vault, so the balance is only required to cover obligations during the
// Deposit and Withdraw phases.
func (s *Scheduler) audit() *recorder.AuditSnapshot {
	c := s.Ledger.Context()
	snap := &recorder.AuditSnapshot{
		Sequence:       c.Sequence,
		State:          c.State,
		Depositors:     len(c.Deposits),
		TotalDeposited: c.TotalDeposited,
		DepositLimit:   c.DepositLimit,
		RewardPool:     c.RewardPool,
		Obligations:    c.Obligations(),
		Healthy:        true,
	}

	var notes []string
	if err := c.Audit(); err != nil {
		snap.Healthy = false
		notes = append(notes, err.Error())
	}
	balance, err := s.Ledger.CustodyBalance()
	if err != nil {
		snap.Healthy = false
		notes = append(notes, fmt.Sprintf("custody balance unavailable: %v", err))
	} else {
		snap.CustodyBalance = balance
		switch {
		case c.State == model.StateHolding:
			if !c.CustodyWithdrawn.IsZero() {
				notes = append(notes, fmt.Sprintf("custody withdrawn %s, returned %s", c.CustodyWithdrawn, c.CustodyReturned))
			}
		case balance.Lt(snap.Obligations):
			snap.Healthy = false
			notes = append(notes, fmt.Sprintf("custody balance %s below obligations %s", balance, snap.Obligations))
		}
	}
	snap.Note = strings.Join(notes, "; ")

	if err := s.Recorder.RecordAudit(snap); err != nil {
		log.Printf("[ERROR] record audit: %v", err)
	}
	if s.Metrics != nil {
		s.Metrics.ObserveAudit(snap.CustodyBalance, snap.Healthy)
	}
	if !snap.Healthy {
		log.Printf("[WARN] ledger audit failed: %s", snap.Note)
		s.trySend(notifier.FormatAudit(snap))
	}
	return snap
}

// releaseWatch announces the release timestamp once it has passed. A new
// timestamp set by the multisig is announced again.
func (s *Scheduler) releaseWatch() {
	c := s.Ledger.Context()
	if c.ReleaseTimestamp <= 0 || s.nowFn().Unix() < c.ReleaseTimestamp {
		return
	}
	s.mu.Lock()
	if s.releaseNotified == c.ReleaseTimestamp {
		s.mu.Unlock()
		return
	}
	s.releaseNotified = c.ReleaseTimestamp
	s.mu.Unlock()

	release := time.Unix(c.ReleaseTimestamp, 0).UTC()
	log.Printf("[INFO] release timestamp %s reached in state %s", release.Format(time.RFC3339), c.State)
	msg := fmt.Sprintf("⏰ <b>Release time reached</b>\n\n%s\nLedger state: %s", release.Format("2006-01-02 15:04 MST"), c.State)
	if c.State != model.StateWithdraw {
		msg += "\nThe multisig has not opened withdrawals yet."
	}
	s.trySend(msg)
}

// NotifyCommit forwards committed ledger events to the chat. It is meant
// for escrow.Ledger.OnCommit.
func (s *Scheduler) NotifyCommit(evt model.Event, _ model.Snapshot) {
	go s.trySend(notifier.FormatEvent(evt))
}

// HandleCommand processes a user command and returns a reply.
func (s *Scheduler) HandleCommand(command string) string {
	name := command
	if f := strings.Fields(command); len(f) > 0 {
		name = f[0]
	}
	// group chats address commands as /status@botname
	name, _, _ = strings.Cut(name, "@")
	switch name {
	case "/status":
		snap := s.Ledger.Snapshot()
		balance, err := s.Ledger.CustodyBalance()
		if err != nil {
			log.Printf("[WARN] custody balance: %v", err)
		}
		return notifier.FormatLedgerStatus(&snap, balance)
	case "/history":
		rows, err := s.Recorder.RecentEvents(10)
		if err != nil {
			return fmt.Sprintf("❌ history unavailable: %v", err)
		}
		return notifier.FormatHistory(rows)
	case "/audit":
		return notifier.FormatAudit(s.audit())
	default:
		return "Available commands:\n• /status\n• /history\n• /audit"
	}
}

func (s *Scheduler) trySend(text string) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.SendWithRetry(s.Ctx, text, 3); err != nil {
		log.Printf("[ERROR] send notification: %v", err)
	}
}
