package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/token"
	"EscrowLedger/internal/vesting"
)

const testSecret = "test-secret"

var (
	multisig  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	custody   = common.HexToAddress("0x1000000000000000000000000000000000000002")
	sinkAddr  = common.HexToAddress("0x1000000000000000000000000000000000000003")
	tokenAddr = common.HexToAddress("0x1000000000000000000000000000000000000004")
	vault     = common.HexToAddress("0x1000000000000000000000000000000000000005")
	alice     = common.HexToAddress("0x2000000000000000000000000000000000000001")
	bob       = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

type testEnv struct {
	handler http.Handler
	ledger  *escrow.Ledger
	token   *token.Memory
	sink    *vesting.LockedSink
	saves   atomic.Int32
}

func newTestEnv(t *testing.T, rateLimit float64, burst int) *testEnv {
	t.Helper()
	tok := token.NewMemory("ESC")
	sink := vesting.NewLockedSink(tok, sinkAddr, multisig)
	require.NoError(t, sink.AddAdmin(multisig, custody))
	dir := escrow.NewDirectory()
	dir.RegisterToken(tokenAddr, tok)
	dir.RegisterSink(sinkAddr, sink)

	c, err := escrow.NewContext(escrow.Params{
		Authority:        multisig,
		Custody:          custody,
		Sink:             sinkAddr,
		Token:            tokenAddr,
		DepositLimit:     uint256.NewInt(1000),
		ReleaseTimestamp: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).Unix(),
	})
	require.NoError(t, err)
	ledger := escrow.NewLedger(c, dir)

	e := &testEnv{ledger: ledger, token: tok, sink: sink}
	srv := New(Config{
		Ledger:    ledger,
		Auth:      AuthConfig{HMACSecret: testSecret, Issuer: "escrowd"},
		RateLimit: rateLimit,
		Burst:     burst,
		Faucet:    tok,
		Vesting:   sink,
		Persist:   func() error { e.saves.Add(1); return nil },
	})
	e.handler = srv.Handler()
	return e
}

func bearer(t *testing.T, caller common.Address) string {
	t.Helper()
	tok, err := IssueToken(testSecret, "escrowd", caller, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (e *testEnv) do(t *testing.T, method, path string, caller *common.Address, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if caller != nil {
		req.Header.Set("Authorization", bearer(t, *caller))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) expect(t *testing.T, status int, method, path string, caller common.Address, body string) map[string]any {
	t.Helper()
	rec := e.do(t, method, path, &caller, body)
	require.Equal(t, status, rec.Code, rec.Body.String())
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_Lifecycle(t *testing.T) {
	e := newTestEnv(t, 0, 0)
	ok := http.StatusOK

	e.expect(t, ok, http.MethodPost, "/v1/admin/activate", multisig, "")
	for _, who := range []common.Address{alice, bob, multisig} {
		e.expect(t, ok, http.MethodPost, "/v1/dev/mint", who, fmt.Sprintf(`{"address":%q,"amount":"1000"}`, who.Hex()))
		e.expect(t, ok, http.MethodPost, "/v1/dev/approve", who, `{"amount":"1000"}`)
	}
	require.Equal(t, int32(6), e.saves.Load(), "faucet changes are saved")

	out := e.expect(t, ok, http.MethodPost, "/v1/deposit", alice, `{"amount":"300"}`)
	require.Equal(t, "DEPOSIT", out["state"])
	e.expect(t, ok, http.MethodPost, "/v1/deposit", bob, `{"amount":"100"}`)

	e.expect(t, ok, http.MethodPost, "/v1/admin/holding", multisig, "")
	e.expect(t, ok, http.MethodPost, "/v1/admin/reward", multisig, `{"amount":"40"}`)
	e.expect(t, ok, http.MethodPost, "/v1/admin/custody/withdraw", multisig, fmt.Sprintf(`{"vault":%q}`, vault.Hex()))
	require.Equal(t, uint64(440), e.token.BalanceOf(vault).Uint64())

	require.NoError(t, e.token.Transfer(context.Background(), vault, multisig, uint256.NewInt(440)))
	e.expect(t, ok, http.MethodPost, "/v1/dev/approve", multisig, `{"amount":"440"}`)
	out = e.expect(t, ok, http.MethodPost, "/v1/admin/custody/deposit", multisig, `{"amount":"440"}`)
	require.Equal(t, "WITHDRAW", out["state"])
	e.expect(t, http.StatusConflict, http.MethodPost, "/v1/admin/withdraw", multisig, "")
	e.expect(t, http.StatusConflict, http.MethodPost, "/v1/admin/reward", multisig, `{"amount":"1"}`)

	out = e.expect(t, ok, http.MethodGet, "/v1/deposits/"+alice.Hex(), alice, "")
	require.Equal(t, "300", out["deposit"])
	require.Equal(t, "330", out["projected_claim"])

	out = e.expect(t, ok, http.MethodPost, "/v1/claim", alice, "")
	require.Equal(t, "300", out["principal"])
	require.Equal(t, "30", out["reward"])
	require.Equal(t, "330", out["payout"])
	require.Equal(t, uint64(330), e.token.BalanceOf(sinkAddr).Uint64())

	out = e.expect(t, ok, http.MethodGet, "/v1/vesting/"+alice.Hex(), alice, "")
	require.Equal(t, "330", out["unlocked"])
	require.Len(t, out["grants"], 1)

	saves := e.saves.Load()
	out = e.expect(t, ok, http.MethodPost, "/v1/vesting/release", alice, "")
	require.Equal(t, "330", out["released"])
	require.Equal(t, saves+1, e.saves.Load(), "vesting release is saved")
	require.Equal(t, uint64(1030), e.token.BalanceOf(alice).Uint64())

	out = e.expect(t, ok, http.MethodGet, "/v1/deposits/"+alice.Hex(), alice, "")
	require.Equal(t, "0", out["deposit"])
	require.Equal(t, "330", out["claimed"])

	out = e.expect(t, ok, http.MethodGet, "/v1/ledger", alice, "")
	require.Equal(t, "WITHDRAW", out["state"])
	require.Equal(t, "110", out["custody_balance"])
	require.Equal(t, "110", out["obligations"])
}

func TestServer_ErrorStatuses(t *testing.T) {
	e := newTestEnv(t, 0, 0)

	e.expect(t, http.StatusForbidden, http.MethodPost, "/v1/admin/activate", alice, "")
	e.expect(t, http.StatusConflict, http.MethodPost, "/v1/deposit", alice, `{"amount":"10"}`)
	e.expect(t, http.StatusOK, http.MethodPost, "/v1/admin/activate", multisig, "")

	e.expect(t, http.StatusBadRequest, http.MethodPost, "/v1/deposit", alice, `{"amount":"0"}`)
	e.expect(t, http.StatusBadRequest, http.MethodPost, "/v1/deposit", alice, `{"amount":"ten"}`)
	e.expect(t, http.StatusBadRequest, http.MethodPost, "/v1/deposit", alice, `{"amount":"10","memo":"x"}`)
	e.expect(t, http.StatusUnprocessableEntity, http.MethodPost, "/v1/deposit", alice, `{"amount":"1001"}`)
	e.expect(t, http.StatusPaymentRequired, http.MethodPost, "/v1/deposit", alice, `{"amount":"10"}`)
	e.expect(t, http.StatusBadRequest, http.MethodPost, "/v1/admin/multisig", multisig, `{"address":"0x0000000000000000000000000000000000000000"}`)
	e.expect(t, http.StatusBadRequest, http.MethodPost, "/v1/admin/sink", multisig, `{"address":"0x00000000000000000000000000000000000000ff"}`)
	e.expect(t, http.StatusOK, http.MethodPost, "/v1/dev/mint", alice, fmt.Sprintf(`{"address":%q,"amount":"10"}`, alice.Hex()))
	e.expect(t, http.StatusOK, http.MethodPost, "/v1/dev/approve", alice, `{"amount":"10"}`)
	e.expect(t, http.StatusOK, http.MethodPost, "/v1/deposit", alice, `{"amount":"10"}`)
	e.expect(t, http.StatusUnprocessableEntity, http.MethodPost, "/v1/admin/deposit-limit", multisig, `{"amount":"5"}`)
	e.expect(t, http.StatusConflict, http.MethodPost, "/v1/claim", alice, "")

	out := e.expect(t, http.StatusOK, http.MethodPost, "/v1/admin/release-timestamp", multisig, `{"timestamp":1800000000}`)
	require.Equal(t, "DEPOSIT", out["state"])
	require.Equal(t, int64(1800000000), e.ledger.Snapshot().ReleaseTimestamp)

	rec := e.do(t, http.MethodGet, "/v1/deposits/nope", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Authentication(t *testing.T) {
	e := newTestEnv(t, 0, 0)

	rec := e.do(t, http.MethodPost, "/v1/claim", nil, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	sign := func(claims jwt.RegisteredClaims, secret string) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))
	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", sign(jwt.RegisteredClaims{Subject: alice.Hex(), Issuer: "escrowd", ExpiresAt: exp}, "other")},
		{"wrong issuer", sign(jwt.RegisteredClaims{Subject: alice.Hex(), Issuer: "someone", ExpiresAt: exp}, testSecret)},
		{"no expiry", sign(jwt.RegisteredClaims{Subject: alice.Hex(), Issuer: "escrowd"}, testSecret)},
		{"subject not address", sign(jwt.RegisteredClaims{Subject: "alice", Issuer: "escrowd", ExpiresAt: exp}, testSecret)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/claim", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rec := httptest.NewRecorder()
			e.handler.ServeHTTP(rec, req)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	rec = e.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "INACTIVE")
}

func TestServer_RateLimit(t *testing.T) {
	e := newTestEnv(t, 0.001, 2)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", nil, "").Code)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", nil, "").Code)
	require.Equal(t, http.StatusTooManyRequests, e.do(t, http.MethodGet, "/healthz", nil, "").Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{escrow.ErrUnauthorized, http.StatusForbidden},
		{escrow.ErrWrongState, http.StatusConflict},
		{escrow.ErrReentrant, http.StatusConflict},
		{escrow.ErrInvalidAddress, http.StatusBadRequest},
		{escrow.ErrZeroAmount, http.StatusBadRequest},
		{escrow.ErrLimitExceeded, http.StatusUnprocessableEntity},
		{escrow.ErrLimitBelowCurrentTotal, http.StatusUnprocessableEntity},
		{escrow.ErrTransferFailed, http.StatusPaymentRequired},
		{fmt.Errorf("%w: %w", escrow.ErrSinkFailed, errors.New("paused")), http.StatusPaymentRequired},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestServer_ConcurrentWritesQueue(t *testing.T) {
	e := newTestEnv(t, 0, 0)
	e.expect(t, http.StatusOK, http.MethodPost, "/v1/admin/activate", multisig, "")
	e.expect(t, http.StatusOK, http.MethodPost, "/v1/dev/mint", alice, fmt.Sprintf(`{"address":%q,"amount":"1000"}`, alice.Hex()))
	e.expect(t, http.StatusOK, http.MethodPost, "/v1/dev/approve", alice, `{"amount":"1000"}`)

	auth := bearer(t, alice)
	codes := make(chan int, 20)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/v1/deposit", strings.NewReader(`{"amount":"10"}`))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", auth)
			rec := httptest.NewRecorder()
			e.handler.ServeHTTP(rec, req)
			codes <- rec.Code
		}()
	}
	wg.Wait()
	close(codes)
	for code := range codes {
		require.Equal(t, http.StatusOK, code)
	}
	require.Equal(t, uint64(200), e.ledger.DepositOf(alice).Uint64())
}
