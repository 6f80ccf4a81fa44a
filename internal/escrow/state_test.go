package escrow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"EscrowLedger/internal/model"
	"EscrowLedger/internal/token"
	"EscrowLedger/internal/vesting"
)

func TestSaveState_CreatesDirAndReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "nested", "ledger.json")
	c, err := NewContext(testParams())
	require.NoError(t, err)

	require.NoError(t, SaveState(path, &Document{Ledger: c.Snapshot}))
	next, err := c.Activate(multisig)
	require.NoError(t, err)
	require.NoError(t, SaveState(path, &Document{Ledger: next.Snapshot}))

	doc, err := LoadState(path)
	require.NoError(t, err)
	require.Equal(t, next.Sequence, doc.Ledger.Sequence)
	require.Equal(t, next.State, doc.Ledger.State)
	require.Nil(t, doc.Token)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestLoadState_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err := LoadState(path)
	require.ErrorContains(t, err, "decode")
}

func TestFileStore_RestartKeepsFundsAndGrants(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.json")
	store := NewFileStore(path, f.token, f.sink)
	f.ledger.SetStore(store)
	require.NoError(t, store.Flush(), "nothing to write before the first commit")
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))

	f.fund(t, userOne, 60)
	f.fund(t, userTwo, 40)
	require.NoError(t, f.ledger.Deposit(ctx, userOne, u(60)))
	require.NoError(t, f.ledger.Deposit(ctx, userTwo, u(40)))
	require.NoError(t, f.ledger.ChangeStateToHolding(ctx, multisig))
	require.NoError(t, f.ledger.ChangeStateToWithdraw(ctx, multisig))
	_, err = f.ledger.Claim(ctx, userOne)
	require.NoError(t, err)

	require.NoError(t, f.token.Mint(userTwo, u(5)))
	require.NoError(t, store.Flush())

	doc, err := LoadState(path)
	require.NoError(t, err)
	tok := token.NewMemory("SOV")
	sink := vesting.NewLockedSink(tok, sinkAddr)
	c, err := doc.Restore(tok, sink)
	require.NoError(t, err)

	require.Equal(t, model.StateWithdraw, c.State)
	require.Equal(t, uint64(40), tok.BalanceOf(custodyAddr).Uint64())
	require.Equal(t, uint64(60), tok.BalanceOf(sinkAddr).Uint64())
	require.Equal(t, uint64(5), tok.BalanceOf(userTwo).Uint64())
	require.Len(t, sink.Grants(userOne), 1)
	require.True(t, sink.IsAdmin(custodyAddr))

	dir := NewDirectory()
	dir.RegisterToken(tokenAddr, tok)
	dir.RegisterSink(sinkAddr, sink)
	s, err := NewLedger(c, dir).Claim(ctx, userTwo)
	require.NoError(t, err)
	require.Equal(t, uint64(40), s.Payout.Uint64())
}

func TestDocumentRestore_RefusesUnbackedBalances(t *testing.T) {
	c := activeContext(t)
	c, err := c.Deposit(userOne, u(10))
	require.NoError(t, err)
	tok := token.NewMemory("SOV")
	sink := vesting.NewLockedSink(tok, sinkAddr, multisig)

	_, err = (&Document{Ledger: c.Snapshot}).Restore(tok, sink)
	require.ErrorContains(t, err, "no token state")

	empty := activeContext(t)
	restored, err := (&Document{Ledger: empty.Snapshot}).Restore(tok, sink)
	require.NoError(t, err)
	require.Equal(t, model.StateDeposit, restored.State)
	require.True(t, sink.IsAdmin(multisig), "sink keeps its admins without saved state")
}
