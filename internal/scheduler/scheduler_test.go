package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/model"
	"EscrowLedger/internal/recorder"
	"EscrowLedger/internal/token"
	"EscrowLedger/internal/vesting"
)

var (
	multisig  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	custody   = common.HexToAddress("0x1000000000000000000000000000000000000002")
	sinkAddr  = common.HexToAddress("0x1000000000000000000000000000000000000003")
	tokenAddr = common.HexToAddress("0x1000000000000000000000000000000000000004")
	vault     = common.HexToAddress("0x1000000000000000000000000000000000000005")
	alice     = common.HexToAddress("0x2000000000000000000000000000000000000001")
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) SendWithRetry(_ context.Context, text string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type auditSpy struct {
	calls   int
	healthy bool
}

func (a *auditSpy) ObserveAudit(_ *uint256.Int, healthy bool) {
	a.calls++
	a.healthy = healthy
}

type auditCapture struct {
	recorder.NoopRecorder
	audits []*recorder.AuditSnapshot
}

func (a *auditCapture) RecordAudit(snap *recorder.AuditSnapshot) error {
	a.audits = append(a.audits, snap)
	return nil
}

type env struct {
	sched  *Scheduler
	ledger *escrow.Ledger
	token  *token.Memory
	sender *fakeSender
	rec    *auditCapture
	spy    *auditSpy
}

func newEnv(t *testing.T, release int64) *env {
	t.Helper()
	tok := token.NewMemory("ESC")
	dir := escrow.NewDirectory()
	dir.RegisterToken(tokenAddr, tok)
	dir.RegisterSink(sinkAddr, vesting.NewLockedSink(tok, sinkAddr, multisig))

	c, err := escrow.NewContext(escrow.Params{
		Authority:        multisig,
		Custody:          custody,
		Sink:             sinkAddr,
		Token:            tokenAddr,
		DepositLimit:     uint256.NewInt(10_000),
		ReleaseTimestamp: release,
	})
	require.NoError(t, err)
	e := &env{
		ledger: escrow.NewLedger(c, dir),
		token:  tok,
		sender: &fakeSender{},
		rec:    &auditCapture{},
		spy:    &auditSpy{},
	}
	e.sched = NewScheduler(context.Background(), e.ledger, e.sender, e.rec)
	e.sched.Metrics = e.spy
	require.NoError(t, e.ledger.Activate(context.Background(), multisig))
	return e
}

func (e *env) deposit(t *testing.T, who common.Address, amount uint64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.token.Mint(who, uint256.NewInt(amount)))
	require.NoError(t, e.token.Approve(ctx, who, custody, uint256.NewInt(amount)))
	require.NoError(t, e.ledger.Deposit(ctx, who, uint256.NewInt(amount)))
}

func TestAudit_HealthyWhileDepositing(t *testing.T) {
	e := newEnv(t, 0)
	e.deposit(t, alice, 700)

	snap := e.sched.RunAuditNow()
	require.True(t, snap.Healthy, snap.Note)
	require.Equal(t, uint64(700), snap.CustodyBalance.Uint64())
	require.Equal(t, uint64(700), snap.Obligations.Uint64())
	require.Equal(t, 1, snap.Depositors)
	require.Len(t, e.rec.audits, 1)
	require.Equal(t, 1, e.spy.calls)
	require.Empty(t, e.sender.messages())
}

func TestAudit_HoldingToleratesWithdrawnCustody(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	e.deposit(t, alice, 700)
	require.NoError(t, e.ledger.ChangeStateToHolding(ctx, multisig))
	require.NoError(t, e.ledger.WithdrawCustodyToSafeVault(ctx, multisig, vault))

	snap := e.sched.RunAuditNow()
	require.True(t, snap.Healthy)
	require.True(t, snap.CustodyBalance.IsZero())
	require.Contains(t, snap.Note, "custody withdrawn 700")
}

func TestAudit_WithdrawFlagsShortfall(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	e.deposit(t, alice, 700)
	require.NoError(t, e.ledger.ChangeStateToHolding(ctx, multisig))
	require.NoError(t, e.ledger.WithdrawCustodyToSafeVault(ctx, multisig, vault))
	require.NoError(t, e.ledger.ChangeStateToWithdraw(ctx, multisig))

	snap := e.sched.RunAuditNow()
	require.False(t, snap.Healthy)
	require.Contains(t, snap.Note, "below obligations 700")
	require.False(t, e.spy.healthy)

	msgs := e.sender.messages()
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "Audit failed")
}

func TestReleaseWatch_NotifiesOncePerTimestamp(t *testing.T) {
	release := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	e := newEnv(t, release.Unix())
	now := release.Add(-time.Minute)
	e.sched.SetNowFunc(func() time.Time { return now })

	e.sched.releaseWatch()
	require.Empty(t, e.sender.messages())

	now = release.Add(time.Minute)
	e.sched.releaseWatch()
	e.sched.releaseWatch()
	msgs := e.sender.messages()
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "Release time reached")
	require.Contains(t, msgs[0], "has not opened withdrawals")

	require.NoError(t, e.ledger.UpdateReleaseTimestamp(context.Background(), multisig, release.Add(30*time.Second).Unix()))
	e.sched.releaseWatch()
	require.Len(t, e.sender.messages(), 2)
}

func TestHandleCommand(t *testing.T) {
	e := newEnv(t, 0)
	e.deposit(t, alice, 250)

	status := e.sched.HandleCommand("/status")
	require.Contains(t, status, "DEPOSIT")
	require.Contains(t, status, "Custody balance: 250")

	require.Equal(t, "No ledger events recorded yet.", e.sched.HandleCommand("/history"))
	require.Contains(t, e.sched.HandleCommand("/audit"), "Audit passed")
	require.Equal(t, status, e.sched.HandleCommand("/status@escrow_ledger_bot"))
	require.Contains(t, e.sched.HandleCommand("/audit@escrow_ledger_bot now"), "Audit passed")
	require.Contains(t, e.sched.HandleCommand("hello"), "/status")
	require.Contains(t, e.sched.HandleCommand(""), "/status")
}

func TestRegisterAll_RejectsBadSpec(t *testing.T) {
	e := newEnv(t, 0)
	require.Error(t, e.sched.RegisterAll("not a cron", "0 * * * * *"))
	require.NoError(t, e.sched.RegisterAll("0 */15 * * * *", "0 * * * * *"))
	require.Len(t, e.sched.Cron.Entries(), 2)
}

func TestNotifyCommit_NilNotifier(t *testing.T) {
	e := newEnv(t, 0)
	e.sched.Notifier = nil
	e.sched.NotifyCommit(model.Event{Type: model.EventDeposit}, model.Snapshot{})
}
