package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// LedgerState is the lifecycle phase of the escrow ledger.
type LedgerState uint8

const (
	StateInactive LedgerState = iota
	StateDeposit
	StateHolding
	StateWithdraw
)

func (s LedgerState) String() string {
	switch s {
	case StateInactive:
		return "INACTIVE"
	case StateDeposit:
		return "DEPOSIT"
	case StateHolding:
		return "HOLDING"
	case StateWithdraw:
		return "WITHDRAW"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether the state value is one of the known phases.
func (s LedgerState) Valid() bool {
	return s <= StateWithdraw
}

// Snapshot is the full ledger context as persisted to disk and handed to
// readers. Amounts are never nil in a snapshot produced by the ledger.
type Snapshot struct {
	Sequence         uint64                          `json:"sequence"`
	State            LedgerState                     `json:"state"`
	Authority        common.Address                  `json:"authority"`
	Custody          common.Address                  `json:"custody"`
	Sink             common.Address                  `json:"sink"`
	Token            common.Address                  `json:"token"`
	DepositLimit     *uint256.Int                    `json:"deposit_limit"`
	TotalDeposited   *uint256.Int                    `json:"total_deposited"`
	RewardPool       *uint256.Int                    `json:"reward_pool"`
	ReleaseTimestamp int64                           `json:"release_timestamp"`
	Cliff            time.Duration                   `json:"cliff"`
	Duration         time.Duration                   `json:"duration"`
	Deposits         map[common.Address]*uint256.Int `json:"deposits"`
	CustodyWithdrawn *uint256.Int                    `json:"custody_withdrawn"`
	CustodyReturned  *uint256.Int                    `json:"custody_returned"`
	SettlementBase   *uint256.Int                    `json:"settlement_base"`
	SettlementReward *uint256.Int                    `json:"settlement_reward"`
	RewardPaid       *uint256.Int                    `json:"reward_paid"`
	Claimed          map[common.Address]*uint256.Int `json:"claimed"`
	UpdatedAt        time.Time                       `json:"updated_at"`
}

// EventType names a committed ledger operation.
type EventType string

const (
	EventActivated        EventType = "ACTIVATED"
	EventDeposit          EventType = "DEPOSIT"
	EventClaim            EventType = "CLAIM"
	EventStateHolding     EventType = "STATE_HOLDING"
	EventStateWithdraw    EventType = "STATE_WITHDRAW"
	EventCustodyWithdrawn EventType = "CUSTODY_WITHDRAWN"
	EventCustodyDeposited EventType = "CUSTODY_DEPOSITED"
	EventRewardDeposited  EventType = "REWARD_DEPOSITED"
	EventMultisigUpdated  EventType = "MULTISIG_UPDATED"
	EventLimitUpdated     EventType = "LIMIT_UPDATED"
	EventReleaseUpdated   EventType = "RELEASE_UPDATED"
	EventSinkUpdated      EventType = "SINK_UPDATED"
	EventTokenUpdated     EventType = "TOKEN_UPDATED"
)

// Event describes one committed operation. Amount and Target are set only
// for the operations that carry them.
type Event struct {
	Sequence  uint64
	Type      EventType
	Caller    common.Address
	Target    common.Address
	Amount    *uint256.Int
	State     LedgerState
	Note      string
	Timestamp time.Time
}
