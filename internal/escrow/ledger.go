package escrow

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"EscrowLedger/internal/model"
	"EscrowLedger/internal/vesting"
)

// Recorder receives every committed event.
type Recorder interface {
	RecordEvent(evt *model.Event) error
}

// Observer is told about every attempted operation and every committed
// snapshot.
type Observer interface {
	ObserveOperation(op string, err error)
	ObserveSnapshot(s *model.Snapshot)
}

// CommitFunc is called after a commit, once the next operation may start.
type CommitFunc func(evt model.Event, s model.Snapshot)

type guardKey struct{}

// Ledger executes operations against a Context one at a time. Each call is
// all-or-nothing: the next Context is computed first, the collaborators are
// invoked, and the result is committed only if they succeed.
//
// Operations never wait for each other. A call that arrives while another
// operation is in flight, including a collaborator calling back with an
// unrelated context, fails with ErrReentrant. Callers that share a Ledger
// across goroutines queue their writes themselves.
type Ledger struct {
	mu       sync.Mutex // guards ctx
	busy     atomic.Bool
	ctx      Context
	dir      *Directory
	store    Store
	recorder Recorder
	observer Observer
	onCommit []CommitFunc
	nowFn    func() time.Time
}

// NewLedger wraps an existing context. Collaborators named by the context
// must be registered in dir.
func NewLedger(c Context, dir *Directory) *Ledger {
	return &Ledger{
		ctx:   c.Clone(),
		dir:   dir,
		nowFn: time.Now,
	}
}

// SetStore sets where committed snapshots are saved.
func (l *Ledger) SetStore(s Store) { l.store = s }

// SetRecorder sets the audit history that receives committed events.
func (l *Ledger) SetRecorder(r Recorder) { l.recorder = r }

// SetObserver sets the metrics sink for operations and snapshots.
func (l *Ledger) SetObserver(o Observer) { l.observer = o }

// OnCommit registers fn to run after every commit.
func (l *Ledger) OnCommit(fn CommitFunc) { l.onCommit = append(l.onCommit, fn) }

// SetNowFunc overrides the clock used for commit timestamps.
func (l *Ledger) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	l.nowFn = now
}

// Snapshot returns a deep copy of the current context.
func (l *Ledger) Snapshot() model.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctx.Clone().Snapshot
}

// Context returns a deep copy of the current context.
func (l *Ledger) Context() Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctx.Clone()
}

// State returns the current lifecycle state.
func (l *Ledger) State() model.LedgerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctx.State
}

// Authority returns the current multisig.
func (l *Ledger) Authority() common.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctx.Authority
}

// DepositOf returns the live principal recorded for holder.
func (l *Ledger) DepositOf(holder common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctx.DepositOf(holder)
}

// ProjectedClaim returns what holder would be paid on claim.
func (l *Ledger) ProjectedClaim(holder common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctx.ProjectedClaim(holder)
}

// CustodyBalance asks the token for the ledger's current holdings.
func (l *Ledger) CustodyBalance() (*uint256.Int, error) {
	c := l.Context()
	tok, err := l.dir.Token(c.Token)
	if err != nil {
		return nil, err
	}
	return tok.BalanceOf(c.Custody), nil
}

// Activate opens the ledger for deposits.
func (l *Ledger) Activate(ctx context.Context, caller common.Address) error {
	return l.run(ctx, "activate", func(_ context.Context, cur Context) (Context, *model.Event, error) {
		next, err := cur.Activate(caller)
		return next, &model.Event{Type: model.EventActivated, Caller: caller}, err
	})
}

// UpdateMultisig hands the authority to another address in one step.
func (l *Ledger) UpdateMultisig(ctx context.Context, caller, authority common.Address) error {
	return l.run(ctx, "update_multisig", func(_ context.Context, cur Context) (Context, *model.Event, error) {
		next, err := cur.UpdateMultisig(caller, authority)
		return next, &model.Event{Type: model.EventMultisigUpdated, Caller: caller, Target: authority}, err
	})
}

// UpdateReleaseTimestamp sets the advisory release time.
func (l *Ledger) UpdateReleaseTimestamp(ctx context.Context, caller common.Address, ts int64) error {
	return l.run(ctx, "update_release_timestamp", func(_ context.Context, cur Context) (Context, *model.Event, error) {
		next, err := cur.UpdateReleaseTimestamp(caller, ts)
		return next, &model.Event{Type: model.EventReleaseUpdated, Caller: caller, Note: time.Unix(ts, 0).UTC().Format(time.RFC3339)}, err
	})
}

// UpdateDepositLimit changes the cap on total deposits.
func (l *Ledger) UpdateDepositLimit(ctx context.Context, caller common.Address, limit *uint256.Int) error {
	return l.run(ctx, "update_deposit_limit", func(_ context.Context, cur Context) (Context, *model.Event, error) {
		next, err := cur.UpdateDepositLimit(caller, limit)
		return next, &model.Event{Type: model.EventLimitUpdated, Caller: caller, Amount: limit}, err
	})
}

// UpdateLockedSinkAddress points the ledger at another deployed sink.
func (l *Ledger) UpdateLockedSinkAddress(ctx context.Context, caller, sink common.Address) error {
	return l.run(ctx, "update_sink", func(_ context.Context, cur Context) (Context, *model.Event, error) {
		next, err := cur.UpdateSinkAddress(caller, sink)
		if err != nil {
			return cur, nil, err
		}
		if _, err := l.dir.Sink(sink); err != nil {
			return cur, nil, err
		}
		return next, &model.Event{Type: model.EventSinkUpdated, Caller: caller, Target: sink}, nil
	})
}

// UpdateRewardTokenAddress points the ledger at another deployed token.
func (l *Ledger) UpdateRewardTokenAddress(ctx context.Context, caller, tok common.Address) error {
	return l.run(ctx, "update_token", func(_ context.Context, cur Context) (Context, *model.Event, error) {
		next, err := cur.UpdateTokenAddress(caller, tok)
		if err != nil {
			return cur, nil, err
		}
		if _, err := l.dir.Token(tok); err != nil {
			return cur, nil, err
		}
		return next, &model.Event{Type: model.EventTokenUpdated, Caller: caller, Target: tok}, nil
	})
}

// ChangeStateToHolding closes deposits.
func (l *Ledger) ChangeStateToHolding(ctx context.Context, caller common.Address) error {
	return l.run(ctx, "change_state_holding", func(_ context.Context, cur Context) (Context, *model.Event, error) {
		next, err := cur.ChangeStateToHolding(caller)
		return next, &model.Event{Type: model.EventStateHolding, Caller: caller}, err
	})
}

// ChangeStateToWithdraw opens claims without returning custody funds.
func (l *Ledger) ChangeStateToWithdraw(ctx context.Context, caller common.Address) error {
	return l.run(ctx, "change_state_withdraw", func(_ context.Context, cur Context) (Context, *model.Event, error) {
		next, err := cur.ChangeStateToWithdraw(caller)
		return next, &model.Event{Type: model.EventStateWithdraw, Caller: caller}, err
	})
}

// Deposit pulls amount from depositor into custody and books it.
func (l *Ledger) Deposit(ctx context.Context, depositor common.Address, amount *uint256.Int) error {
	return l.run(ctx, "deposit", func(ctx context.Context, cur Context) (Context, *model.Event, error) {
		next, err := cur.Deposit(depositor, amount)
		if err != nil {
			return cur, nil, err
		}
		if err := l.pull(ctx, cur, depositor, amount); err != nil {
			return cur, nil, err
		}
		return next, &model.Event{Type: model.EventDeposit, Caller: depositor, Amount: amount}, nil
	})
}

// WithdrawCustodyToSafeVault moves the whole custody balance to vault.
func (l *Ledger) WithdrawCustodyToSafeVault(ctx context.Context, caller, vault common.Address) error {
	return l.run(ctx, "withdraw_custody", func(ctx context.Context, cur Context) (Context, *model.Event, error) {
		tok, err := l.dir.Token(cur.Token)
		if err != nil {
			return cur, nil, err
		}
		balance := tok.BalanceOf(cur.Custody)
		next, err := cur.WithdrawCustody(caller, vault, balance)
		if err != nil {
			return cur, nil, err
		}
		if !balance.IsZero() {
			if err := tok.Transfer(ctx, cur.Custody, vault, balance); err != nil {
				return cur, nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
			}
		}
		return next, &model.Event{Type: model.EventCustodyWithdrawn, Caller: caller, Target: vault, Amount: balance}, nil
	})
}

// DepositCustody returns funds from the authority to custody and opens
// claims.
func (l *Ledger) DepositCustody(ctx context.Context, caller common.Address, amount *uint256.Int) error {
	return l.run(ctx, "deposit_custody", func(ctx context.Context, cur Context) (Context, *model.Event, error) {
		next, err := cur.DepositCustody(caller, amount)
		if err != nil {
			return cur, nil, err
		}
		if err := l.pull(ctx, cur, caller, amount); err != nil {
			return cur, nil, err
		}
		return next, &model.Event{Type: model.EventCustodyDeposited, Caller: caller, Amount: amount, Note: "withdraw opened"}, nil
	})
}

// DepositReward adds authority-funded reward to the pool.
func (l *Ledger) DepositReward(ctx context.Context, caller common.Address, amount *uint256.Int) error {
	return l.run(ctx, "deposit_reward", func(ctx context.Context, cur Context) (Context, *model.Event, error) {
		next, err := cur.DepositReward(caller, amount)
		if err != nil {
			return cur, nil, err
		}
		if err := l.pull(ctx, cur, caller, amount); err != nil {
			return cur, nil, err
		}
		return next, &model.Event{Type: model.EventRewardDeposited, Caller: caller, Amount: amount}, nil
	})
}

// Claim settles holder's record by handing principal plus reward share to
// the vesting sink. A sink failure leaves the ledger and the token
// allowance as they were.
func (l *Ledger) Claim(ctx context.Context, holder common.Address) (Settlement, error) {
	var settled Settlement
	err := l.run(ctx, "claim", func(ctx context.Context, cur Context) (Context, *model.Event, error) {
		next, s, err := cur.Claim(holder)
		if err != nil {
			return cur, nil, err
		}
		tok, err := l.dir.Token(cur.Token)
		if err != nil {
			return cur, nil, err
		}
		sink, err := l.dir.Sink(cur.Sink)
		if err != nil {
			return cur, nil, err
		}
		if bal := tok.BalanceOf(cur.Custody); bal.Lt(s.Payout) {
			return cur, nil, fmt.Errorf("%w: custody balance %s below payout %s", ErrTransferFailed, bal, s.Payout)
		}
		prev := tok.Allowance(cur.Custody, cur.Sink)
		if err := tok.Approve(ctx, cur.Custody, cur.Sink, s.Payout); err != nil {
			return cur, nil, fmt.Errorf("%w: approve sink: %w", ErrTransferFailed, err)
		}
		sinkErr := sink.DepositOnBehalf(ctx, cur.Custody, holder, s.Payout, cur.schedule())
		if err := tok.Approve(ctx, cur.Custody, cur.Sink, prev); err != nil {
			log.Printf("[ERROR] restore sink allowance after claim by %s: %v", holder.Hex(), err)
		}
		if sinkErr != nil {
			return cur, nil, fmt.Errorf("%w: %w", ErrSinkFailed, sinkErr)
		}
		settled = s
		return next, &model.Event{
			Type:   model.EventClaim,
			Caller: holder,
			Target: cur.Sink,
			Amount: s.Payout,
			Note:   fmt.Sprintf("principal=%s reward=%s", s.Principal, s.Reward),
		}, nil
	})
	return settled, err
}

func (c Context) schedule() vesting.Schedule {
	s := vesting.Schedule{Cliff: c.Cliff, Duration: c.Duration}
	if c.ReleaseTimestamp > 0 {
		s.Start = time.Unix(c.ReleaseTimestamp, 0)
	}
	return s
}

func (l *Ledger) pull(ctx context.Context, cur Context, from common.Address, amount *uint256.Int) error {
	tok, err := l.dir.Token(cur.Token)
	if err != nil {
		return err
	}
	if err := tok.TransferFrom(ctx, cur.Custody, from, cur.Custody, amount); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return nil
}

type opFunc func(ctx context.Context, cur Context) (Context, *model.Event, error)

// run executes op with the in-flight flag held and commits the returned
// context only when op succeeds. l.mu is never held while collaborators run.
func (l *Ledger) run(ctx context.Context, name string, op opFunc) error {
	if owner, ok := ctx.Value(guardKey{}).(*Ledger); ok && owner == l {
		l.observe(name, ErrReentrant)
		return ErrReentrant
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !l.busy.CompareAndSwap(false, true) {
		l.observe(name, ErrReentrant)
		return fmt.Errorf("%w: another operation is in flight", ErrReentrant)
	}
	snap, evt, err := l.apply(context.WithValue(ctx, guardKey{}, l), op)
	if err != nil {
		l.observe(name, err)
		return err
	}

	if evt.Amount != nil {
		evt.Amount = new(uint256.Int).Set(evt.Amount)
	}
	evt.Sequence = snap.Sequence
	evt.State = snap.State
	evt.Timestamp = snap.UpdatedAt
	l.commit(name, *evt, snap)
	return nil
}

// apply runs op and installs its result. The in-flight flag is released on
// return, including when a collaborator panics.
func (l *Ledger) apply(ctx context.Context, op opFunc) (model.Snapshot, *model.Event, error) {
	defer l.busy.Store(false)
	next, evt, err := op(ctx, l.Context())
	if err != nil {
		return model.Snapshot{}, nil, err
	}
	next.UpdatedAt = l.nowFn()
	snap := next.Clone().Snapshot
	l.mu.Lock()
	l.ctx = next
	l.mu.Unlock()
	l.persist(&snap)
	return snap, evt, nil
}

func (l *Ledger) commit(name string, evt model.Event, snap model.Snapshot) {
	log.Printf("[INFO] ledger %s committed: seq=%d state=%s caller=%s", name, snap.Sequence, snap.State, evt.Caller.Hex())
	if l.recorder != nil {
		if err := l.recorder.RecordEvent(&evt); err != nil {
			log.Printf("[ERROR] record ledger event: %v", err)
		}
	}
	l.observe(name, nil)
	if l.observer != nil {
		l.observer.ObserveSnapshot(&snap)
	}
	for _, fn := range l.onCommit {
		fn(evt, snap)
	}
}

// persist runs before the in-flight flag is released so snapshots reach the
// store in sequence order.
func (l *Ledger) persist(snap *model.Snapshot) {
	if l.store == nil {
		return
	}
	if err := l.store.Save(snap); err != nil {
		log.Printf("[ERROR] failed to save ledger state: %v", err)
	}
}

func (l *Ledger) observe(name string, err error) {
	if l.observer != nil {
		l.observer.ObserveOperation(name, err)
	}
}
