package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"EscrowLedger/internal/api"
	"EscrowLedger/internal/config"
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/logging"
	"EscrowLedger/internal/metrics"
	"EscrowLedger/internal/notifier"
	"EscrowLedger/internal/recorder"
	"EscrowLedger/internal/scheduler"
	"EscrowLedger/internal/token"
	"EscrowLedger/internal/vesting"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Load config
	cfgPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("[FATAL] load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[FATAL] config validation: %v", err)
	}
	logging.Setup("escrowd", cfg.Log.Env, cfg.Log.File)
	log.Println("[INFO] escrowd starting...")

	params, err := cfg.LedgerParams()
	if err != nil {
		log.Fatalf("[FATAL] ledger params: %v", err)
	}

	// Init ledger, token and sink, restoring them together from the state file
	tok := token.NewMemory(cfg.Token.Symbol)
	doc, err := escrow.LoadState(cfg.Ledger.StateFile)
	if err != nil {
		log.Fatalf("[FATAL] load ledger state: %v", err)
	}
	var (
		lc   escrow.Context
		sink *vesting.LockedSink
	)
	if doc != nil {
		sink = vesting.NewLockedSink(tok, doc.Ledger.Sink, doc.Ledger.Authority)
		if lc, err = doc.Restore(tok, sink); err != nil {
			log.Fatalf("[FATAL] restore ledger state: %v", err)
		}
		if doc.Token == nil {
			mintGenesis(cfg, tok)
		}
		if doc.Sink == nil {
			addCustodyAdmin(sink, lc)
		}
		log.Printf("[INFO] ledger restored from %s: seq=%d state=%s custody=%s",
			cfg.Ledger.StateFile, lc.Sequence, lc.State, tok.BalanceOf(lc.Custody))
	} else {
		if lc, err = escrow.NewContext(params); err != nil {
			log.Fatalf("[FATAL] create ledger: %v", err)
		}
		mintGenesis(cfg, tok)
		sink = vesting.NewLockedSink(tok, lc.Sink, lc.Authority)
		addCustodyAdmin(sink, lc)
		log.Printf("[INFO] new ledger created, multisig=%s limit=%s", params.Authority.Hex(), params.DepositLimit)
	}

	dir := escrow.NewDirectory()
	dir.RegisterToken(lc.Token, tok)
	dir.RegisterSink(lc.Sink, sink)
	if lc.Token != params.Token || lc.Sink != params.Sink {
		log.Printf("[WARN] persisted ledger uses token=%s sink=%s, config says token=%s sink=%s",
			lc.Token.Hex(), lc.Sink.Hex(), params.Token.Hex(), params.Sink.Hex())
	}

	ledger := escrow.NewLedger(lc, dir)
	store := escrow.NewFileStore(cfg.Ledger.StateFile, tok, sink)
	ledger.SetStore(store)
	if err := store.Save(&lc.Snapshot); err != nil {
		log.Printf("[ERROR] failed to save ledger state: %v", err)
	}

	// Init recorder
	var rec recorder.Recorder
	if cfg.Database.SQLitePath != "" {
		sr, err := recorder.NewSQLiteRecorder(cfg.Database.SQLitePath)
		if err != nil {
			log.Printf("[WARN] init sqlite recorder failed, using noop: %v", err)
			rec = recorder.NewNoopRecorder()
		} else {
			rec = sr
			defer sr.Close()
		}
	} else {
		rec = recorder.NewNoopRecorder()
	}
	ledger.SetRecorder(rec)

	m := metrics.Ledger()
	ledger.SetObserver(m)
	snap := ledger.Snapshot()
	m.ObserveSnapshot(&snap)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Init Telegram notifier
	var (
		tn     *notifier.TelegramNotifier
		sender scheduler.Sender
	)
	if cfg.TelegramEnabled() {
		tn = notifier.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Proxy)
		sender = tn
	} else {
		log.Println("[WARN] telegram not configured, notifications disabled")
	}

	// Init scheduler
	sched := scheduler.NewScheduler(ctx, ledger, sender, rec)
	sched.Metrics = m
	if err := sched.RegisterAll(cfg.Schedule.AuditCron, cfg.Schedule.ReleaseCron); err != nil {
		log.Fatalf("[FATAL] register cron tasks: %v", err)
	}
	ledger.OnCommit(sched.NotifyCommit)
	sched.Start()
	defer sched.Stop()

	if tn != nil {
		go tn.StartPolling(ctx, sched.HandleCommand)
		log.Println("[INFO] Telegram polling started")
	}

	if os.Getenv("RUN_ON_START") == "true" {
		log.Println("[INFO] RUN_ON_START enabled, executing audit now")
		go sched.RunAuditNow()
	}

	// Start HTTP API
	apiCfg := api.Config{
		Ledger:    ledger,
		Auth:      api.AuthConfig{HMACSecret: cfg.API.JWTSecret, Issuer: cfg.API.JWTIssuer},
		RateLimit: cfg.API.RateLimit,
		Burst:     cfg.API.Burst,
		Vesting:   sink,
		Persist:   store.Flush,
	}
	if cfg.Token.DevMint {
		log.Println("[WARN] dev faucet enabled: /v1/dev/mint and /v1/dev/approve are exposed")
		apiCfg.Faucet = tok
	}
	httpSrv := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           api.New(apiCfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[INFO] API listening on %s", cfg.API.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[ERROR] API server: %v", err)
			cancel()
		}
	}()

	log.Println("[INFO] escrowd is running. Press Ctrl+C to stop.")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Println("[INFO] shutdown signal received, stopping...")
	case <-ctx.Done():
		log.Println("[WARN] API server stopped, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ERROR] API shutdown: %v", err)
	}
	cancel()
	if err := store.Flush(); err != nil {
		log.Printf("[ERROR] final state save: %v", err)
	}
	log.Println("[INFO] escrowd stopped")
}

func mintGenesis(cfg *config.Config, tok *token.Memory) {
	genesis, err := cfg.GenesisBalances()
	if err != nil {
		log.Fatalf("[FATAL] token genesis: %v", err)
	}
	for addr, amt := range genesis {
		if err := tok.Mint(addr, amt); err != nil {
			log.Fatalf("[FATAL] mint genesis balance for %s: %v", addr.Hex(), err)
		}
	}
}

// addCustodyAdmin lets the ledger custody hand claims to the sink.
func addCustodyAdmin(sink *vesting.LockedSink, lc escrow.Context) {
	if err := sink.AddAdmin(lc.Authority, lc.Custody); err != nil {
		log.Fatalf("[FATAL] register custody as sink admin: %v", err)
	}
}
