// Package api exposes the escrow ledger over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/model"
	"EscrowLedger/internal/vesting"
)

// Faucet is the token surface behind the development routes.
type Faucet interface {
	Mint(to common.Address, amount *uint256.Int) error
	Approve(ctx context.Context, owner, spender common.Address, amount *uint256.Int) error
}

// Vesting is the read and release surface of the locked sink.
type Vesting interface {
	Grants(holder common.Address) []vesting.Grant
	Locked(holder common.Address, at time.Time) *uint256.Int
	Unlocked(holder common.Address, at time.Time) *uint256.Int
	Release(ctx context.Context, holder common.Address) (*uint256.Int, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Ledger    *escrow.Ledger
	Auth      AuthConfig
	RateLimit float64
	Burst     int
	// Faucet enables /v1/dev routes when set.
	Faucet  Faucet
	Vesting Vesting
	Metrics http.Handler
	// Persist saves collaborator state after faucet and vesting calls.
	Persist func() error
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	Ledger  *escrow.Ledger
	Faucet  Faucet
	Vesting Vesting
	Now     func() time.Time

	writes  sync.Mutex // queues ledger operations, which never wait on each other
	auth    *Authenticator
	limiter *RateLimiter
	metrics http.Handler
	persist func() error
	router  http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	srv := &Server{
		Ledger:  cfg.Ledger,
		Faucet:  cfg.Faucet,
		Vesting: cfg.Vesting,
		Now:     time.Now,
		auth:    NewAuthenticator(cfg.Auth),
		limiter: NewRateLimiter(cfg.RateLimit, cfg.Burst),
		metrics: cfg.Metrics,
		persist: cfg.Persist,
	}
	if srv.metrics == nil {
		srv.metrics = promhttp.Handler()
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.limiter.Middleware)

	r.Get("/healthz", s.Health)
	r.Handle("/metrics", s.metrics)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/ledger", s.GetLedger)
		v1.Get("/deposits/{address}", s.GetDeposit)
		if s.Vesting != nil {
			v1.Get("/vesting/{address}", s.GetVesting)
		}

		v1.Group(func(p chi.Router) {
			p.Use(s.auth.Middleware)
			p.Post("/deposit", s.Deposit)
			p.Post("/claim", s.Claim)
			if s.Vesting != nil {
				p.Post("/vesting/release", s.ReleaseVesting)
			}

			p.Route("/admin", func(admin chi.Router) {
				admin.Post("/activate", s.Activate)
				admin.Post("/holding", s.ChangeStateToHolding)
				admin.Post("/withdraw", s.ChangeStateToWithdraw)
				admin.Post("/multisig", s.UpdateMultisig)
				admin.Post("/release-timestamp", s.UpdateReleaseTimestamp)
				admin.Post("/deposit-limit", s.UpdateDepositLimit)
				admin.Post("/custody/withdraw", s.WithdrawCustody)
				admin.Post("/custody/deposit", s.DepositCustody)
				admin.Post("/reward", s.DepositReward)
				admin.Post("/sink", s.UpdateSink)
				admin.Post("/token", s.UpdateToken)
			})

			if s.Faucet != nil {
				p.Post("/dev/mint", s.DevMint)
				p.Post("/dev/approve", s.DevApprove)
			}
		})
	})
	return r
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type addressRequest struct {
	Address string `json:"address"`
}

type vaultRequest struct {
	Vault string `json:"vault"`
}

type timestampRequest struct {
	Timestamp int64 `json:"timestamp"`
}

type mintRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type ledgerResponse struct {
	State          string         `json:"state"`
	CustodyBalance *uint256.Int   `json:"custody_balance,omitempty"`
	Obligations    *uint256.Int   `json:"obligations"`
	Snapshot       model.Snapshot `json:"snapshot"`
}

type depositResponse struct {
	Address        common.Address `json:"address"`
	Deposit        *uint256.Int   `json:"deposit"`
	ProjectedClaim *uint256.Int   `json:"projected_claim"`
	Claimed        *uint256.Int   `json:"claimed"`
}

type claimResponse struct {
	Holder    common.Address `json:"holder"`
	Principal *uint256.Int   `json:"principal"`
	Reward    *uint256.Int   `json:"reward"`
	Payout    *uint256.Int   `json:"payout"`
}

type vestingResponse struct {
	Address  common.Address `json:"address"`
	Locked   *uint256.Int   `json:"locked"`
	Unlocked *uint256.Int   `json:"unlocked"`
	Grants   []grantView    `json:"grants"`
}

type grantView struct {
	Amount   *uint256.Int `json:"amount"`
	Released *uint256.Int `json:"released"`
	Start    time.Time    `json:"start"`
	Cliff    time.Time    `json:"cliff"`
	End      time.Time    `json:"end"`
}

type okResponse struct {
	State    string `json:"state"`
	Sequence uint64 `json:"sequence"`
}

func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": s.Ledger.State().String()})
}

func (s *Server) GetLedger(w http.ResponseWriter, _ *http.Request) {
	c := s.Ledger.Context()
	resp := ledgerResponse{
		State:       c.State.String(),
		Obligations: c.Obligations(),
		Snapshot:    c.Snapshot,
	}
	if bal, err := s.Ledger.CustodyBalance(); err == nil {
		resp.CustodyBalance = bal
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) GetDeposit(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	snap := s.Ledger.Snapshot()
	claimed := new(uint256.Int)
	if v, ok := snap.Claimed[addr]; ok {
		claimed.Set(v)
	}
	writeJSON(w, http.StatusOK, depositResponse{
		Address:        addr,
		Deposit:        s.Ledger.DepositOf(addr),
		ProjectedClaim: s.Ledger.ProjectedClaim(addr),
		Claimed:        claimed,
	})
}

func (s *Server) GetVesting(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	now := s.Now()
	resp := vestingResponse{
		Address:  addr,
		Locked:   s.Vesting.Locked(addr, now),
		Unlocked: s.Vesting.Unlocked(addr, now),
		Grants:   []grantView{},
	}
	for _, g := range s.Vesting.Grants(addr) {
		resp.Grants = append(resp.Grants, grantView{Amount: g.Amount, Released: g.Released, Start: g.Start, Cliff: g.Cliff, End: g.End})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) ReleaseVesting(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	var released *uint256.Int
	err := s.outsideLedger(func() (err error) {
		released, err = s.Vesting.Release(r.Context(), caller)
		return err
	})
	if err != nil {
		writeJSONError(w, http.StatusPaymentRequired, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*uint256.Int{"released": released})
}

func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	s.withAmount(w, r, s.Ledger.Deposit)
}

func (s *Server) Claim(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	s.writes.Lock()
	settled, err := s.Ledger.Claim(r.Context(), caller)
	s.writes.Unlock()
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{
		Holder:    settled.Holder,
		Principal: settled.Principal,
		Reward:    settled.Reward,
		Payout:    settled.Payout,
	})
}

func (s *Server) Activate(w http.ResponseWriter, r *http.Request) {
	s.withCaller(w, r, s.Ledger.Activate)
}

func (s *Server) ChangeStateToHolding(w http.ResponseWriter, r *http.Request) {
	s.withCaller(w, r, s.Ledger.ChangeStateToHolding)
}

func (s *Server) ChangeStateToWithdraw(w http.ResponseWriter, r *http.Request) {
	s.withCaller(w, r, s.Ledger.ChangeStateToWithdraw)
}

func (s *Server) UpdateMultisig(w http.ResponseWriter, r *http.Request) {
	s.withAddress(w, r, s.Ledger.UpdateMultisig)
}

func (s *Server) UpdateSink(w http.ResponseWriter, r *http.Request) {
	s.withAddress(w, r, s.Ledger.UpdateLockedSinkAddress)
}

func (s *Server) UpdateToken(w http.ResponseWriter, r *http.Request) {
	s.withAddress(w, r, s.Ledger.UpdateRewardTokenAddress)
}

func (s *Server) UpdateReleaseTimestamp(w http.ResponseWriter, r *http.Request) {
	var req timestampRequest
	if err := decode(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	s.withCaller(w, r, func(ctx context.Context, caller common.Address) error {
		return s.Ledger.UpdateReleaseTimestamp(ctx, caller, req.Timestamp)
	})
}

func (s *Server) UpdateDepositLimit(w http.ResponseWriter, r *http.Request) {
	s.withAmount(w, r, s.Ledger.UpdateDepositLimit)
}

func (s *Server) WithdrawCustody(w http.ResponseWriter, r *http.Request) {
	var req vaultRequest
	if err := decode(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	vault, err := parseAddress(req.Vault)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	s.withCaller(w, r, func(ctx context.Context, caller common.Address) error {
		return s.Ledger.WithdrawCustodyToSafeVault(ctx, caller, vault)
	})
}

func (s *Server) DepositCustody(w http.ResponseWriter, r *http.Request) {
	s.withAmount(w, r, s.Ledger.DepositCustody)
}

func (s *Server) DepositReward(w http.ResponseWriter, r *http.Request) {
	s.withAmount(w, r, s.Ledger.DepositReward)
}

func (s *Server) DevMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decode(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	to, err := parseAddress(req.Address)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.outsideLedger(func() error { return s.Faucet.Mint(to, amount) }); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": to, "minted": amount})
}

// DevApprove lets the caller allow the ledger custody to pull amount.
func (s *Server) DevApprove(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	caller, _ := CallerFrom(r.Context())
	custody := s.Ledger.Snapshot().Custody
	if err := s.outsideLedger(func() error { return s.Faucet.Approve(r.Context(), caller, custody, amount) }); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": caller, "spender": custody, "allowance": amount})
}

// outsideLedger runs a token or sink change in the write queue and saves
// the result.
func (s *Server) outsideLedger(fn func() error) error {
	s.writes.Lock()
	defer s.writes.Unlock()
	if err := fn(); err != nil {
		return err
	}
	if s.persist != nil {
		if err := s.persist(); err != nil {
			log.Printf("[ERROR] save state: %v", err)
		}
	}
	return nil
}

func (s *Server) withCaller(w http.ResponseWriter, r *http.Request, op func(context.Context, common.Address) error) {
	caller, ok := CallerFrom(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, errors.New("missing identity"))
		return
	}
	s.writes.Lock()
	err := op(r.Context(), caller)
	snap := s.Ledger.Snapshot()
	s.writes.Unlock()
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{State: snap.State.String(), Sequence: snap.Sequence})
}

func (s *Server) withAmount(w http.ResponseWriter, r *http.Request, op func(context.Context, common.Address, *uint256.Int) error) {
	var req amountRequest
	if err := decode(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	s.withCaller(w, r, func(ctx context.Context, caller common.Address) error {
		return op(ctx, caller, amount)
	})
}

func (s *Server) withAddress(w http.ResponseWriter, r *http.Request, op func(context.Context, common.Address, common.Address) error) {
	var req addressRequest
	if err := decode(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	addr, err := parseAddress(req.Address)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	s.withCaller(w, r, func(ctx context.Context, caller common.Address) error {
		return op(ctx, caller, addr)
	})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}
