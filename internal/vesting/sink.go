// Package vesting holds the locked-vesting collaborator that receives settled
// escrow claims and releases them to holders over time.
package vesting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"EscrowLedger/internal/token"
)

var (
	ErrNotAdmin      = errors.New("vesting: caller is not an admin")
	ErrInvalidHolder = errors.New("vesting: invalid holder address")
	ErrZeroAmount    = errors.New("vesting: amount must be positive")
)

// Schedule describes how a grant unlocks. Start is advisory: a zero Start
// means the grant starts when it is deposited.
type Schedule struct {
	Start    time.Time
	Cliff    time.Duration
	Duration time.Duration
}

// Sink accepts funds on behalf of a holder. The operator must already have
// approved the sink to pull amount from it.
type Sink interface {
	DepositOnBehalf(ctx context.Context, operator, holder common.Address, amount *uint256.Int, s Schedule) error
}

// Grant is a single locked deposit for a holder.
type Grant struct {
	Amount    *uint256.Int
	Released  *uint256.Int
	Start     time.Time
	Cliff     time.Time
	End       time.Time
	Depositor common.Address
}

// LockedSink keeps grants in memory and custodies the underlying tokens at
// its own address.
type LockedSink struct {
	mu      sync.Mutex
	token   token.Token
	address common.Address
	admins  map[common.Address]struct{}
	grants  map[common.Address][]*Grant
	nowFn   func() time.Time
}

// NewLockedSink creates a sink living at address with the given initial admins.
func NewLockedSink(tok token.Token, address common.Address, admins ...common.Address) *LockedSink {
	s := &LockedSink{
		token:   tok,
		address: address,
		admins:  make(map[common.Address]struct{}),
		grants:  make(map[common.Address][]*Grant),
		nowFn:   time.Now,
	}
	for _, a := range admins {
		s.admins[a] = struct{}{}
	}
	return s
}

func (s *LockedSink) Address() common.Address { return s.address }

// SetNowFunc overrides the clock. Passing nil restores time.Now.
func (s *LockedSink) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// AddAdmin grants operator rights to admin. Only an existing admin may do so.
func (s *LockedSink) AddAdmin(caller, admin common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.admins[caller]; !ok {
		return ErrNotAdmin
	}
	if admin == (common.Address{}) {
		return fmt.Errorf("vesting: invalid admin address")
	}
	s.admins[admin] = struct{}{}
	return nil
}

// RemoveAdmin revokes operator rights.
func (s *LockedSink) RemoveAdmin(caller, admin common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.admins[caller]; !ok {
		return ErrNotAdmin
	}
	delete(s.admins, admin)
	return nil
}

func (s *LockedSink) IsAdmin(addr common.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.admins[addr]
	return ok
}

// DepositOnBehalf pulls amount from operator and locks it for holder.
func (s *LockedSink) DepositOnBehalf(ctx context.Context, operator, holder common.Address, amount *uint256.Int, sched Schedule) error {
	s.mu.Lock()
	_, admin := s.admins[operator]
	now := s.nowFn()
	s.mu.Unlock()

	if !admin {
		return ErrNotAdmin
	}
	if holder == (common.Address{}) {
		return ErrInvalidHolder
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	// Pull outside the lock: the token may call back into other components.
	if err := s.token.TransferFrom(ctx, s.address, operator, s.address, amount); err != nil {
		return fmt.Errorf("vesting: pull from operator: %w", err)
	}

	start := sched.Start
	if start.IsZero() {
		start = now
	}
	g := &Grant{
		Amount:    new(uint256.Int).Set(amount),
		Released:  new(uint256.Int),
		Start:     start,
		Cliff:     start.Add(sched.Cliff),
		End:       start.Add(sched.Duration),
		Depositor: operator,
	}
	s.mu.Lock()
	s.grants[holder] = append(s.grants[holder], g)
	s.mu.Unlock()
	return nil
}

// Grants returns copies of the holder's grants.
func (s *LockedSink) Grants(holder common.Address) []Grant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Grant, 0, len(s.grants[holder]))
	for _, g := range s.grants[holder] {
		c := *g
		c.Amount = new(uint256.Int).Set(g.Amount)
		c.Released = new(uint256.Int).Set(g.Released)
		out = append(out, c)
	}
	return out
}

// Locked returns the amount still locked for holder at the given time.
func (s *LockedSink) Locked(holder common.Address, at time.Time) *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := new(uint256.Int)
	for _, g := range s.grants[holder] {
		total.Add(total, lockedAt(g, at))
	}
	return total
}

// Unlocked returns the amount vested but not yet released for holder.
func (s *LockedSink) Unlocked(holder common.Address, at time.Time) *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := new(uint256.Int)
	for _, g := range s.grants[holder] {
		total.Add(total, releasable(g, at))
	}
	return total
}

// Release transfers everything vested so far to the holder.
func (s *LockedSink) Release(ctx context.Context, holder common.Address) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	due := new(uint256.Int)
	for _, g := range s.grants[holder] {
		due.Add(due, releasable(g, now))
	}
	if due.IsZero() {
		return due, nil
	}
	if err := s.token.Transfer(ctx, s.address, holder, due); err != nil {
		return nil, fmt.Errorf("vesting: release: %w", err)
	}
	for _, g := range s.grants[holder] {
		g.Released.Add(g.Released, releasable(g, now))
	}
	return due, nil
}

func releasable(g *Grant, at time.Time) *uint256.Int {
	vested := new(uint256.Int).Sub(g.Amount, lockedAt(g, at))
	if vested.Lt(g.Released) {
		return new(uint256.Int)
	}
	return vested.Sub(vested, g.Released)
}

// lockedAt: fully locked before the cliff, nothing locked from End on, and
// linear in between.
func lockedAt(g *Grant, at time.Time) *uint256.Int {
	if at.Before(g.Cliff) {
		return new(uint256.Int).Set(g.Amount)
	}
	if !at.Before(g.End) {
		return new(uint256.Int)
	}
	span := g.End.Sub(g.Start)
	if span <= 0 {
		return new(uint256.Int)
	}
	remaining := uint256.NewInt(uint64(g.End.Sub(at)))
	locked, overflow := new(uint256.Int).MulDivOverflow(g.Amount, remaining, uint256.NewInt(uint64(span)))
	if overflow {
		return new(uint256.Int).Set(g.Amount)
	}
	return locked
}

// SinkState is the persisted form of a LockedSink.
type SinkState struct {
	Admins []common.Address           `json:"admins"`
	Grants map[common.Address][]Grant `json:"grants,omitempty"`
}

// State returns a deep copy of the admin set and all grants.
func (s *LockedSink) State() SinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SinkState{Grants: make(map[common.Address][]Grant, len(s.grants))}
	for a := range s.admins {
		st.Admins = append(st.Admins, a)
	}
	sort.Slice(st.Admins, func(i, j int) bool { return st.Admins[i].Cmp(st.Admins[j]) < 0 })
	for holder, grants := range s.grants {
		for _, g := range grants {
			c := *g
			c.Amount = new(uint256.Int).Set(g.Amount)
			c.Released = new(uint256.Int).Set(g.Released)
			st.Grants[holder] = append(st.Grants[holder], c)
		}
	}
	return st
}

// Restore replaces admins and grants with st.
func (s *LockedSink) Restore(st SinkState) error {
	admins := make(map[common.Address]struct{}, len(st.Admins))
	for _, a := range st.Admins {
		admins[a] = struct{}{}
	}
	grants := make(map[common.Address][]*Grant, len(st.Grants))
	for holder, list := range st.Grants {
		for _, g := range list {
			if g.Amount == nil {
				return fmt.Errorf("vesting: grant for %s has no amount", holder.Hex())
			}
			c := g
			c.Amount = new(uint256.Int).Set(g.Amount)
			c.Released = new(uint256.Int)
			if g.Released != nil {
				c.Released.Set(g.Released)
			}
			if c.Released.Gt(c.Amount) {
				return fmt.Errorf("vesting: grant for %s released %s of %s", holder.Hex(), c.Released, c.Amount)
			}
			grants[holder] = append(grants[holder], &c)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.admins = admins
	s.grants = grants
	return nil
}
