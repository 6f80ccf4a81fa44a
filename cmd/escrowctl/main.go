package main

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"EscrowLedger/internal/api"
)

var cmdMain = &cobra.Command{
	Use:   "escrowctl",
	Short: "Command line client for the escrow ledger daemon",
	Run:   printUsageAndExit1,
}

var flagMain struct {
	Server   string
	Secret   string
	Issuer   string
	As       string
	TokenTTL time.Duration
}

func init() {
	cmdMain.PersistentFlags().StringVarP(&flagMain.Server, "server", "s", envOr("ESCROW_API", "http://127.0.0.1:8080"), "Base URL of the escrowd API")
	cmdMain.PersistentFlags().StringVar(&flagMain.Secret, "secret", os.Getenv("API_JWT_SECRET"), "HMAC secret used to sign caller tokens")
	cmdMain.PersistentFlags().StringVar(&flagMain.Issuer, "issuer", os.Getenv("API_JWT_ISSUER"), "Token issuer expected by the daemon")
	cmdMain.PersistentFlags().StringVar(&flagMain.As, "as", os.Getenv("ESCROW_CALLER"), "Caller address to act as")
	cmdMain.PersistentFlags().DurationVar(&flagMain.TokenTTL, "token-ttl", 15*time.Minute, "Lifetime of signed caller tokens")
}

func main() {
	if err := cmdMain.Execute(); err != nil {
		os.Exit(1)
	}
	if DidError != nil {
		os.Exit(1)
	}
}

func printUsageAndExit1(cmd *cobra.Command, args []string) {
	_ = cmd.Usage()
	os.Exit(1)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newClient builds an API client. Authenticated calls sign a fresh token for
// the --as address.
func newClient(authenticated bool) (*client, error) {
	c := &client{base: flagMain.Server}
	if !authenticated {
		return c, nil
	}
	if flagMain.Secret == "" {
		return nil, fmt.Errorf("--secret is required")
	}
	if !common.IsHexAddress(flagMain.As) {
		return nil, fmt.Errorf("--as must be a hex address, got %q", flagMain.As)
	}
	token, err := api.IssueToken(flagMain.Secret, flagMain.Issuer, common.HexToAddress(flagMain.As), flagMain.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	c.bearer = token
	return c, nil
}
