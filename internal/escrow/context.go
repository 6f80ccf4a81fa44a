package escrow

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"EscrowLedger/internal/model"
)

// Params are the construction parameters of a ledger.
type Params struct {
	Authority        common.Address
	Custody          common.Address
	Sink             common.Address
	Token            common.Address
	InitialDeposited *uint256.Int
	DepositLimit     *uint256.Int
	ReleaseTimestamp int64
	Cliff            time.Duration
	Duration         time.Duration
}

// Context is the complete ledger state as a plain value. Its methods never
// mutate the receiver: each returns the next Context or an error, leaving
// the caller free to discard the result.
type Context struct {
	model.Snapshot
}

// Settlement is the outcome of a claim computed by Context.Claim.
type Settlement struct {
	Holder    common.Address
	Principal *uint256.Int
	Reward    *uint256.Int
	Payout    *uint256.Int
}

// NewContext builds an inactive ledger. The initial deposited amount is
// carried-over principal and is booked to the initial authority.
func NewContext(p Params) (Context, error) {
	for name, addr := range map[string]common.Address{
		"multisig": p.Authority,
		"custody":  p.Custody,
		"sink":     p.Sink,
		"token":    p.Token,
	} {
		if addr == (common.Address{}) {
			return Context{}, fmt.Errorf("%w: %s address is zero", ErrInvalidAddress, name)
		}
	}
	limit := orZero(p.DepositLimit)
	initial := orZero(p.InitialDeposited)
	if initial.Gt(limit) {
		return Context{}, fmt.Errorf("%w: initial deposit %s above limit %s", ErrLimitExceeded, initial, limit)
	}
	c := Context{model.Snapshot{
		State:            model.StateInactive,
		Authority:        p.Authority,
		Custody:          p.Custody,
		Sink:             p.Sink,
		Token:            p.Token,
		DepositLimit:     limit,
		TotalDeposited:   initial,
		RewardPool:       new(uint256.Int),
		ReleaseTimestamp: p.ReleaseTimestamp,
		Cliff:            p.Cliff,
		Duration:         p.Duration,
		Deposits:         make(map[common.Address]*uint256.Int),
		CustodyWithdrawn: new(uint256.Int),
		CustodyReturned:  new(uint256.Int),
		SettlementBase:   new(uint256.Int),
		SettlementReward: new(uint256.Int),
		RewardPaid:       new(uint256.Int),
		Claimed:          make(map[common.Address]*uint256.Int),
	}}
	if !initial.IsZero() {
		c.Deposits[p.Authority] = new(uint256.Int).Set(initial)
	}
	return c, nil
}

// FromSnapshot restores a Context from persisted data, filling in nil
// amounts and maps.
func FromSnapshot(s model.Snapshot) (Context, error) {
	if !s.State.Valid() {
		return Context{}, fmt.Errorf("escrow: invalid persisted state %d", s.State)
	}
	c := Context{s}.Clone()
	if err := c.Audit(); err != nil {
		return Context{}, err
	}
	return c, nil
}

// Clone returns a deep copy.
func (c Context) Clone() Context {
	out := c
	out.DepositLimit = cloneInt(c.DepositLimit)
	out.TotalDeposited = cloneInt(c.TotalDeposited)
	out.RewardPool = cloneInt(c.RewardPool)
	out.CustodyWithdrawn = cloneInt(c.CustodyWithdrawn)
	out.CustodyReturned = cloneInt(c.CustodyReturned)
	out.SettlementBase = cloneInt(c.SettlementBase)
	out.SettlementReward = cloneInt(c.SettlementReward)
	out.RewardPaid = cloneInt(c.RewardPaid)
	out.Deposits = cloneBook(c.Deposits)
	out.Claimed = cloneBook(c.Claimed)
	return out
}

// DepositOf returns the live principal recorded for holder.
func (c Context) DepositOf(holder common.Address) *uint256.Int {
	return cloneInt(c.Deposits[holder])
}

// Audit checks the bookkeeping invariants: the records sum to
// TotalDeposited and TotalDeposited never exceeds the limit.
func (c Context) Audit() error {
	sum := new(uint256.Int)
	for addr, amt := range c.Deposits {
		if _, overflow := sum.AddOverflow(sum, amt); overflow {
			return fmt.Errorf("escrow: deposit records overflow at %s", addr.Hex())
		}
	}
	if !sum.Eq(orZero(c.TotalDeposited)) {
		return fmt.Errorf("escrow: records sum %s differs from total deposited %s", sum, orZero(c.TotalDeposited))
	}
	if orZero(c.TotalDeposited).Gt(orZero(c.DepositLimit)) {
		return fmt.Errorf("escrow: total deposited %s above limit %s", c.TotalDeposited, c.DepositLimit)
	}
	return nil
}

// ProjectedClaim is what holder would be paid on claim. Before the
// Withdraw phase it uses the live counters, afterwards the frozen ones.
func (c Context) ProjectedClaim(holder common.Address) *uint256.Int {
	principal := c.DepositOf(holder)
	base, pool := c.TotalDeposited, c.RewardPool
	if c.State == model.StateWithdraw {
		base, pool = c.SettlementBase, c.SettlementReward
	}
	return new(uint256.Int).Add(principal, rewardShare(principal, pool, base))
}

// Obligations is the total the ledger owes all remaining depositors under
// the same policy as ProjectedClaim.
func (c Context) Obligations() *uint256.Int {
	base, pool := c.TotalDeposited, c.RewardPool
	if c.State == model.StateWithdraw {
		base, pool = c.SettlementBase, c.SettlementReward
	}
	total := new(uint256.Int)
	for _, amt := range c.Deposits {
		total.Add(total, amt)
		total.Add(total, rewardShare(amt, pool, base))
	}
	return total
}

// Activate moves a new ledger to Deposit.
func (c Context) Activate(caller common.Address) (Context, error) {
	if err := c.checkAuthority(caller); err != nil {
		return c, err
	}
	if err := c.checkState(model.StateInactive); err != nil {
		return c, err
	}
	next := c.Clone()
	next.State = model.StateDeposit
	return next.bump(), nil
}

// UpdateMultisig replaces the authority. The null address is rejected.
func (c Context) UpdateMultisig(caller, authority common.Address) (Context, error) {
	if err := c.checkAuthority(caller); err != nil {
		return c, err
	}
	if authority == (common.Address{}) {
		return c, fmt.Errorf("%w: new multisig address invalid", ErrInvalidAddress)
	}
	next := c.Clone()
	next.Authority = authority
	return next.bump(), nil
}

// UpdateReleaseTimestamp sets the advisory release time.
func (c Context) UpdateReleaseTimestamp(caller common.Address, ts int64) (Context, error) {
	if err := c.checkAuthority(caller); err != nil {
		return c, err
	}
	next := c.Clone()
	next.ReleaseTimestamp = ts
	return next.bump(), nil
}

// UpdateDepositLimit changes the cap; it may not drop below the current total.
func (c Context) UpdateDepositLimit(caller common.Address, limit *uint256.Int) (Context, error) {
	if err := c.checkAuthority(caller); err != nil {
		return c, err
	}
	limit = orZero(limit)
	if limit.Lt(c.TotalDeposited) {
		return c, fmt.Errorf("%w: total %s, requested %s", ErrLimitBelowCurrentTotal, c.TotalDeposited, limit)
	}
	next := c.Clone()
	next.DepositLimit = cloneInt(limit)
	return next.bump(), nil
}

// UpdateSinkAddress points claims at another vesting sink.
func (c Context) UpdateSinkAddress(caller, sink common.Address) (Context, error) {
	if err := c.checkAuthority(caller); err != nil {
		return c, err
	}
	if sink == (common.Address{}) {
		return c, fmt.Errorf("%w: invalid locked sink address", ErrInvalidAddress)
	}
	next := c.Clone()
	next.Sink = sink
	return next.bump(), nil
}

// UpdateTokenAddress points the ledger at another token.
func (c Context) UpdateTokenAddress(caller, tok common.Address) (Context, error) {
	if err := c.checkAuthority(caller); err != nil {
		return c, err
	}
	if tok == (common.Address{}) {
		return c, fmt.Errorf("%w: invalid reward token address", ErrInvalidAddress)
	}
	next := c.Clone()
	next.Token = tok
	return next.bump(), nil
}

// ChangeStateToHolding closes deposits.
func (c Context) ChangeStateToHolding(caller common.Address) (Context, error) {
	if err := c.checkAuthority(caller); err != nil {
		return c, err
	}
	if err := c.checkState(model.StateDeposit); err != nil {
		return c, err
	}
	next := c.Clone()
	next.State = model.StateHolding
	return next.bump(), nil
}

// ChangeStateToWithdraw opens claims and freezes the distribution base so
// every claim is priced against the same totals.
func (c Context) ChangeStateToWithdraw(caller common.Address) (Context, error) {
	if err := c.checkAuthority(caller); err != nil {
		return c, err
	}
	if err := c.checkState(model.StateHolding); err != nil {
		return c, err
	}
	return c.openWithdraw().bump(), nil
}

// Deposit books amount for depositor. The caller must move the tokens and
// commit the result only if that succeeds.
func (c Context) Deposit(depositor common.Address, amount *uint256.Int) (Context, error) {
	if err := c.checkState(model.StateDeposit); err != nil {
		return c, err
	}
	if err := checkAmount(amount); err != nil {
		return c, err
	}
	total, overflow := new(uint256.Int).AddOverflow(c.TotalDeposited, amount)
	if overflow || total.Gt(c.DepositLimit) {
		return c, fmt.Errorf("%w: %s + %s above limit %s", ErrLimitExceeded, c.TotalDeposited, amount, c.DepositLimit)
	}
	next := c.Clone()
	next.TotalDeposited = total
	next.Deposits[depositor] = new(uint256.Int).Add(c.DepositOf(depositor), amount)
	return next.bump(), nil
}

// WithdrawCustody books a treasury move of balance to vault. Deposit
// records are left as they are.
func (c Context) WithdrawCustody(caller, vault common.Address, balance *uint256.Int) (Context, error) {
	if err := c.checkAuthority(caller); err != nil {
		return c, err
	}
	if err := c.checkState(model.StateHolding); err != nil {
		return c, err
	}
	if vault == (common.Address{}) {
		return c, fmt.Errorf("%w: invalid safe vault address", ErrInvalidAddress)
	}
	next := c.Clone()
	next.CustodyWithdrawn = new(uint256.Int).Add(c.CustodyWithdrawn, orZero(balance))
	return next.bump(), nil
}

// DepositCustody books funds returned to custody by the authority. Returning
// custody ends the holding phase: claims open against frozen totals exactly
// as with ChangeStateToWithdraw.
func (c Context) DepositCustody(caller common.Address, amount *uint256.Int) (Context, error) {
	if err := c.checkAuthority(caller); err != nil {
		return c, err
	}
	if err := c.checkState(model.StateHolding); err != nil {
		return c, err
	}
	if err := checkAmount(amount); err != nil {
		return c, err
	}
	next := c.openWithdraw()
	next.CustodyReturned = new(uint256.Int).Add(c.CustodyReturned, amount)
	return next.bump(), nil
}

// DepositReward adds amount to the reward pool before claims open.
func (c Context) DepositReward(caller common.Address, amount *uint256.Int) (Context, error) {
	if err := c.checkAuthority(caller); err != nil {
		return c, err
	}
	switch c.State {
	case model.StateDeposit, model.StateHolding:
	case model.StateWithdraw:
		return c, fmt.Errorf("%w: reward token deposit is only allowed before user withdraw starts", ErrWrongState)
	default:
		return c, fmt.Errorf("%w: have %s, want %s or %s", ErrWrongState, c.State, model.StateDeposit, model.StateHolding)
	}
	if err := checkAmount(amount); err != nil {
		return c, err
	}
	pool, overflow := new(uint256.Int).AddOverflow(c.RewardPool, amount)
	if overflow {
		return c, fmt.Errorf("escrow: reward pool overflow")
	}
	next := c.Clone()
	next.RewardPool = pool
	return next.bump(), nil
}

// Claim settles holder's whole record. The payout must reach the vesting
// sink before the result is committed.
func (c Context) Claim(holder common.Address) (Context, Settlement, error) {
	if err := c.checkState(model.StateWithdraw); err != nil {
		return c, Settlement{}, err
	}
	principal := c.DepositOf(holder)
	if principal.IsZero() {
		return c, Settlement{}, fmt.Errorf("%w: nothing to claim for %s", ErrZeroAmount, holder.Hex())
	}
	reward := rewardShare(principal, c.SettlementReward, c.SettlementBase)
	s := Settlement{
		Holder:    holder,
		Principal: principal,
		Reward:    reward,
		Payout:    new(uint256.Int).Add(principal, reward),
	}
	next := c.Clone()
	delete(next.Deposits, holder)
	next.TotalDeposited = new(uint256.Int).Sub(c.TotalDeposited, principal)
	next.RewardPaid = new(uint256.Int).Add(c.RewardPaid, reward)
	next.Claimed[holder] = new(uint256.Int).Add(orZero(c.Claimed[holder]), s.Payout)
	return next.bump(), s, nil
}

func (c Context) openWithdraw() Context {
	next := c.Clone()
	next.State = model.StateWithdraw
	next.SettlementBase = cloneInt(c.TotalDeposited)
	next.SettlementReward = cloneInt(c.RewardPool)
	return next
}

func (c Context) checkAuthority(caller common.Address) error {
	if caller != c.Authority {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller.Hex())
	}
	return nil
}

func (c Context) checkState(want model.LedgerState) error {
	if c.State != want {
		return fmt.Errorf("%w: have %s, want %s", ErrWrongState, c.State, want)
	}
	return nil
}

func (c Context) bump() Context {
	c.Sequence++
	return c
}

func checkAmount(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	return nil
}

// rewardShare is floor(principal * pool / base); dust stays in custody.
func rewardShare(principal, pool, base *uint256.Int) *uint256.Int {
	if base == nil || base.IsZero() || pool == nil || pool.IsZero() {
		return new(uint256.Int)
	}
	share, overflow := new(uint256.Int).MulDivOverflow(principal, pool, base)
	if overflow {
		return new(uint256.Int)
	}
	return share
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

func cloneInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

func cloneBook(in map[common.Address]*uint256.Int) map[common.Address]*uint256.Int {
	out := make(map[common.Address]*uint256.Int, len(in))
	for k, v := range in {
		out[k] = cloneInt(v)
	}
	return out
}
