package escrow

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"EscrowLedger/internal/token"
	"EscrowLedger/internal/vesting"
)

// Directory resolves collaborator addresses held in the ledger context to
// live implementations, so the ledger can only point at deployed ones.
type Directory struct {
	mu     sync.RWMutex
	tokens map[common.Address]token.Token
	sinks  map[common.Address]vesting.Sink
}

func NewDirectory() *Directory {
	return &Directory{
		tokens: make(map[common.Address]token.Token),
		sinks:  make(map[common.Address]vesting.Sink),
	}
}

func (d *Directory) RegisterToken(addr common.Address, t token.Token) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens[addr] = t
}

func (d *Directory) RegisterSink(addr common.Address, s vesting.Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[addr] = s
}

func (d *Directory) Token(addr common.Address) (token.Token, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tokens[addr]
	if !ok {
		return nil, fmt.Errorf("%w: no token deployed at %s", ErrInvalidAddress, addr.Hex())
	}
	return t, nil
}

func (d *Directory) Sink(addr common.Address) (vesting.Sink, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sinks[addr]
	if !ok {
		return nil, fmt.Errorf("%w: no vesting sink deployed at %s", ErrInvalidAddress, addr.Hex())
	}
	return s, nil
}
