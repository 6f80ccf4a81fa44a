package token

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrInvalidTransfer is returned for any transfer the token refuses: zero
// recipient, insufficient balance or insufficient allowance.
var ErrInvalidTransfer = errors.New("invalid transfer")

// Token is the fungible token collaborator used by the ledger and the sink.
type Token interface {
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *uint256.Int) error
	Approve(ctx context.Context, owner, spender common.Address, amount *uint256.Int) error
	Allowance(owner, spender common.Address) *uint256.Int
	BalanceOf(addr common.Address) *uint256.Int
}

// Memory is an in-process ERC-20 style token. It is safe for concurrent use.
type Memory struct {
	mu         sync.Mutex
	symbol     string
	supply     *uint256.Int
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
}

// NewMemory creates an empty token with the given symbol.
func NewMemory(symbol string) *Memory {
	return &Memory{
		symbol:     symbol,
		supply:     new(uint256.Int),
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
	}
}

func (m *Memory) Symbol() string { return m.symbol }

// TotalSupply returns a copy of the minted supply.
func (m *Memory) TotalSupply() *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(uint256.Int).Set(m.supply)
}

// Mint credits amount to addr.
func (m *Memory) Mint(to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return fmt.Errorf("%w: mint to zero address", ErrInvalidTransfer)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	supply, overflow := new(uint256.Int).AddOverflow(m.supply, amount)
	if overflow {
		return fmt.Errorf("%w: supply overflow", ErrInvalidTransfer)
	}
	m.supply = supply
	m.balances[to] = new(uint256.Int).Add(m.balanceOf(to), amount)
	return nil
}

func (m *Memory) BalanceOf(addr common.Address) *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(uint256.Int).Set(m.balanceOf(addr))
}

func (m *Memory) Allowance(owner, spender common.Address) *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(uint256.Int).Set(m.allowance(owner, spender))
}

func (m *Memory) Approve(_ context.Context, owner, spender common.Address, amount *uint256.Int) error {
	if spender == (common.Address{}) {
		return fmt.Errorf("%w: approve zero address", ErrInvalidTransfer)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inner, ok := m.allowances[owner]
	if !ok {
		inner = make(map[common.Address]*uint256.Int)
		m.allowances[owner] = inner
	}
	inner[spender] = new(uint256.Int).Set(amount)
	return nil
}

func (m *Memory) Transfer(_ context.Context, from, to common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.move(from, to, amount)
}

func (m *Memory) TransferFrom(_ context.Context, spender, from, to common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := m.allowance(from, spender)
	if allowed.Lt(amount) {
		return fmt.Errorf("%w: allowance %s below %s", ErrInvalidTransfer, allowed, amount)
	}
	if err := m.move(from, to, amount); err != nil {
		return err
	}
	m.allowances[from][spender] = new(uint256.Int).Sub(allowed, amount)
	return nil
}

func (m *Memory) move(from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return fmt.Errorf("%w: transfer to zero address", ErrInvalidTransfer)
	}
	bal := m.balanceOf(from)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: balance %s below %s", ErrInvalidTransfer, bal, amount)
	}
	m.balances[from] = new(uint256.Int).Sub(bal, amount)
	m.balances[to] = new(uint256.Int).Add(m.balanceOf(to), amount)
	return nil
}

func (m *Memory) balanceOf(addr common.Address) *uint256.Int {
	if b, ok := m.balances[addr]; ok {
		return b
	}
	return new(uint256.Int)
}

func (m *Memory) allowance(owner, spender common.Address) *uint256.Int {
	if inner, ok := m.allowances[owner]; ok {
		if a, ok := inner[spender]; ok {
			return a
		}
	}
	return new(uint256.Int)
}

// MemoryState is the persisted form of a Memory token.
type MemoryState struct {
	Symbol     string                                             `json:"symbol"`
	Supply     *uint256.Int                                       `json:"supply"`
	Balances   map[common.Address]*uint256.Int                    `json:"balances"`
	Allowances map[common.Address]map[common.Address]*uint256.Int `json:"allowances,omitempty"`
}

// State returns a deep copy of balances and allowances. Zero entries are
// left out.
func (m *Memory) State() MemoryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := MemoryState{
		Symbol:     m.symbol,
		Supply:     new(uint256.Int).Set(m.supply),
		Balances:   make(map[common.Address]*uint256.Int, len(m.balances)),
		Allowances: make(map[common.Address]map[common.Address]*uint256.Int),
	}
	for addr, bal := range m.balances {
		if !bal.IsZero() {
			st.Balances[addr] = new(uint256.Int).Set(bal)
		}
	}
	for owner, inner := range m.allowances {
		for spender, amt := range inner {
			if amt.IsZero() {
				continue
			}
			if st.Allowances[owner] == nil {
				st.Allowances[owner] = make(map[common.Address]*uint256.Int)
			}
			st.Allowances[owner][spender] = new(uint256.Int).Set(amt)
		}
	}
	return st
}

// Restore replaces the token's contents with st. Balances must add up to
// the recorded supply.
func (m *Memory) Restore(st MemoryState) error {
	sum := new(uint256.Int)
	balances := make(map[common.Address]*uint256.Int, len(st.Balances))
	for addr, bal := range st.Balances {
		if bal == nil {
			continue
		}
		if _, overflow := sum.AddOverflow(sum, bal); overflow {
			return fmt.Errorf("token: balances overflow at %s", addr.Hex())
		}
		balances[addr] = new(uint256.Int).Set(bal)
	}
	supply := new(uint256.Int)
	if st.Supply != nil {
		supply.Set(st.Supply)
	}
	if !sum.Eq(supply) {
		return fmt.Errorf("token: balances sum %s differs from supply %s", sum, supply)
	}
	allowances := make(map[common.Address]map[common.Address]*uint256.Int, len(st.Allowances))
	for owner, inner := range st.Allowances {
		allowances[owner] = make(map[common.Address]*uint256.Int, len(inner))
		for spender, amt := range inner {
			if amt != nil {
				allowances[owner][spender] = new(uint256.Int).Set(amt)
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st.Symbol != "" {
		m.symbol = st.Symbol
	}
	m.supply = supply
	m.balances = balances
	m.allowances = allowances
	return nil
}
