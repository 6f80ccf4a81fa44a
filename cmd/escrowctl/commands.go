package main

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
)

var cmdToken = &cobra.Command{
	Use:   "token",
	Short: "Print a bearer token for the --as address",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		c, err := newClient(true)
		if err != nil {
			printOutput(cmd, "", err)
			return
		}
		printOutput(cmd, c.bearer, nil)
	},
}

var cmdStatus = &cobra.Command{
	Use:   "status",
	Short: "Show the ledger snapshot",
	Args:  cobra.NoArgs,
	Run:   request(false, http.MethodGet, fixed("/v1/ledger"), nil),
}

var cmdDepositOf = &cobra.Command{
	Use:   "deposit-of [address]",
	Short: "Show the deposit record and projected claim of an address",
	Args:  cobra.ExactArgs(1),
	Run:   request(false, http.MethodGet, func(args []string) string { return "/v1/deposits/" + args[0] }, nil),
}

var cmdVesting = &cobra.Command{
	Use:   "vesting [address]",
	Short: "Show the locked and unlocked vesting balance of an address",
	Args:  cobra.ExactArgs(1),
	Run:   request(false, http.MethodGet, func(args []string) string { return "/v1/vesting/" + args[0] }, nil),
}

var cmdDeposit = &cobra.Command{
	Use:   "deposit [amount]",
	Short: "Deposit tokens into the ledger",
	Args:  cobra.ExactArgs(1),
	Run:   request(true, http.MethodPost, fixed("/v1/deposit"), amountBody(0)),
}

var cmdClaim = &cobra.Command{
	Use:   "claim",
	Short: "Claim principal and reward into the vesting sink",
	Args:  cobra.NoArgs,
	Run:   request(true, http.MethodPost, fixed("/v1/claim"), nil),
}

var cmdRelease = &cobra.Command{
	Use:   "release",
	Short: "Release vested tokens from the sink",
	Args:  cobra.NoArgs,
	Run:   request(true, http.MethodPost, fixed("/v1/vesting/release"), nil),
}

var cmdAdmin = &cobra.Command{
	Use:   "admin",
	Short: "Multisig operations",
	Run:   printUsageAndExit1,
}

var cmdDev = &cobra.Command{
	Use:   "dev",
	Short: "Development faucet for the in-memory token",
	Run:   printUsageAndExit1,
}

func init() {
	cmdAdmin.AddCommand(
		&cobra.Command{
			Use:   "activate",
			Short: "Open the ledger for deposits",
			Args:  cobra.NoArgs,
			Run:   request(true, http.MethodPost, fixed("/v1/admin/activate"), nil),
		},
		&cobra.Command{
			Use:   "holding",
			Short: "Close deposits and move to the holding phase",
			Args:  cobra.NoArgs,
			Run:   request(true, http.MethodPost, fixed("/v1/admin/holding"), nil),
		},
		&cobra.Command{
			Use:   "withdraw",
			Short: "Open withdrawals",
			Args:  cobra.NoArgs,
			Run:   request(true, http.MethodPost, fixed("/v1/admin/withdraw"), nil),
		},
		&cobra.Command{
			Use:   "multisig [address]",
			Short: "Hand the authority to another address",
			Args:  cobra.ExactArgs(1),
			Run:   request(true, http.MethodPost, fixed("/v1/admin/multisig"), addressBody("address")),
		},
		&cobra.Command{
			Use:   "release-timestamp [unix-seconds]",
			Short: "Set the advisory release time",
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				ts, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					printOutput(cmd, "", fmt.Errorf("invalid timestamp %q: %w", args[0], err))
					return
				}
				request(true, http.MethodPost, fixed("/v1/admin/release-timestamp"), func([]string) any {
					return map[string]int64{"timestamp": ts}
				})(cmd, args)
			},
		},
		&cobra.Command{
			Use:   "deposit-limit [amount]",
			Short: "Change the deposit limit",
			Args:  cobra.ExactArgs(1),
			Run:   request(true, http.MethodPost, fixed("/v1/admin/deposit-limit"), amountBody(0)),
		},
		&cobra.Command{
			Use:   "custody-withdraw [vault]",
			Short: "Move the whole custody balance to a safe vault",
			Args:  cobra.ExactArgs(1),
			Run:   request(true, http.MethodPost, fixed("/v1/admin/custody/withdraw"), addressBody("vault")),
		},
		&cobra.Command{
			Use:   "custody-deposit [amount]",
			Short: "Return funds to custody and open withdrawals",
			Args:  cobra.ExactArgs(1),
			Run:   request(true, http.MethodPost, fixed("/v1/admin/custody/deposit"), amountBody(0)),
		},
		&cobra.Command{
			Use:   "reward [amount]",
			Short: "Fund the reward pool",
			Args:  cobra.ExactArgs(1),
			Run:   request(true, http.MethodPost, fixed("/v1/admin/reward"), amountBody(0)),
		},
		&cobra.Command{
			Use:   "sink [address]",
			Short: "Point the ledger at another vesting sink",
			Args:  cobra.ExactArgs(1),
			Run:   request(true, http.MethodPost, fixed("/v1/admin/sink"), addressBody("address")),
		},
		&cobra.Command{
			Use:   "token-address [address]",
			Short: "Point the ledger at another token",
			Args:  cobra.ExactArgs(1),
			Run:   request(true, http.MethodPost, fixed("/v1/admin/token"), addressBody("address")),
		},
	)

	cmdDev.AddCommand(
		&cobra.Command{
			Use:   "mint [address] [amount]",
			Short: "Mint test tokens",
			Args:  cobra.ExactArgs(2),
			Run: request(true, http.MethodPost, fixed("/v1/dev/mint"), func(args []string) any {
				return map[string]string{"address": args[0], "amount": args[1]}
			}),
		},
		&cobra.Command{
			Use:   "approve [amount]",
			Short: "Allow the ledger custody to pull tokens from the caller",
			Args:  cobra.ExactArgs(1),
			Run:   request(true, http.MethodPost, fixed("/v1/dev/approve"), amountBody(0)),
		},
	)

	cmdMain.AddCommand(cmdToken, cmdStatus, cmdDepositOf, cmdVesting, cmdDeposit, cmdClaim, cmdRelease, cmdAdmin, cmdDev)
}

func request(authenticated bool, method string, path func([]string) string, body func([]string) any) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		c, err := newClient(authenticated)
		if err != nil {
			printOutput(cmd, "", err)
			return
		}
		var payload any
		if body != nil {
			payload = body(args)
		}
		out, err := c.call(method, path(args), payload)
		printOutput(cmd, out, err)
	}
}

func fixed(path string) func([]string) string {
	return func([]string) string { return path }
}

func amountBody(i int) func([]string) any {
	return func(args []string) any { return map[string]string{"amount": args[i]} }
}

func addressBody(field string) func([]string) any {
	return func(args []string) any { return map[string]string{field: args[0]} }
}
