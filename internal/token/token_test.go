package token

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func TestMemory_MintAndTransfer(t *testing.T) {
	ctx := context.Background()
	tok := NewMemory("SOV")
	require.NoError(t, tok.Mint(alice, uint256.NewInt(100)))
	require.NoError(t, tok.Transfer(ctx, alice, bob, uint256.NewInt(40)))

	require.Equal(t, uint64(60), tok.BalanceOf(alice).Uint64())
	require.Equal(t, uint64(40), tok.BalanceOf(bob).Uint64())
	require.Equal(t, uint64(100), tok.TotalSupply().Uint64())
}

func TestMemory_TransferRejections(t *testing.T) {
	ctx := context.Background()
	tok := NewMemory("SOV")
	require.NoError(t, tok.Mint(alice, uint256.NewInt(10)))

	tests := []struct {
		name string
		to   common.Address
		amt  uint64
	}{
		{"zero recipient", common.Address{}, 1},
		{"insufficient balance", bob, 11},
	}
	for _, tt := range tests {
		err := tok.Transfer(ctx, alice, tt.to, uint256.NewInt(tt.amt))
		if !errors.Is(err, ErrInvalidTransfer) {
			t.Errorf("%s: expected ErrInvalidTransfer, got %v", tt.name, err)
		}
	}
	require.Equal(t, uint64(10), tok.BalanceOf(alice).Uint64())
}

func TestMemory_TransferFromConsumesAllowance(t *testing.T) {
	ctx := context.Background()
	tok := NewMemory("SOV")
	require.NoError(t, tok.Mint(alice, uint256.NewInt(50)))

	err := tok.TransferFrom(ctx, bob, alice, carol, uint256.NewInt(5))
	require.ErrorIs(t, err, ErrInvalidTransfer, "no allowance yet")

	require.NoError(t, tok.Approve(ctx, alice, bob, uint256.NewInt(30)))
	require.NoError(t, tok.TransferFrom(ctx, bob, alice, carol, uint256.NewInt(20)))
	require.Equal(t, uint64(10), tok.Allowance(alice, bob).Uint64())
	require.Equal(t, uint64(20), tok.BalanceOf(carol).Uint64())

	err = tok.TransferFrom(ctx, bob, alice, carol, uint256.NewInt(11))
	require.ErrorIs(t, err, ErrInvalidTransfer)
	require.Equal(t, uint64(10), tok.Allowance(alice, bob).Uint64(), "failed pull keeps allowance")
}

func TestMemory_RestoreFromState(t *testing.T) {
	ctx := context.Background()
	tok := NewMemory("SOV")
	require.NoError(t, tok.Mint(alice, uint256.NewInt(100)))
	require.NoError(t, tok.Approve(ctx, alice, bob, uint256.NewInt(30)))
	require.NoError(t, tok.Approve(ctx, alice, carol, uint256.NewInt(0)))

	data, err := json.Marshal(tok.State())
	require.NoError(t, err)
	var st MemoryState
	require.NoError(t, json.Unmarshal(data, &st))
	require.NotContains(t, st.Allowances[alice], carol)

	restored := NewMemory("")
	require.NoError(t, restored.Restore(st))
	require.Equal(t, "SOV", restored.Symbol())
	require.Equal(t, uint64(100), restored.TotalSupply().Uint64())
	require.NoError(t, restored.TransferFrom(ctx, bob, alice, carol, uint256.NewInt(30)))
	require.Equal(t, uint64(30), restored.BalanceOf(carol).Uint64())

	st.Supply = uint256.NewInt(99)
	require.ErrorContains(t, NewMemory("SOV").Restore(st), "differs from supply")
}
