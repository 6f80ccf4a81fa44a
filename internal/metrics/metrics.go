// Package metrics exposes the ledger's Prometheus collectors.
package metrics

import (
	"math/big"
	"sync"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/model"
)

// LedgerMetrics implements escrow.Observer.
type LedgerMetrics struct {
	operations     *prometheus.CounterVec
	state          prometheus.Gauge
	sequence       prometheus.Gauge
	depositors     prometheus.Gauge
	amounts        *prometheus.GaugeVec
	custodyBalance prometheus.Gauge
	audits         *prometheus.CounterVec
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

// Ledger returns the lazily-registered ledger metrics.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			state: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "ledger",
				Name:      "state",
				Help:      "Lifecycle state: 0 inactive, 1 deposit, 2 holding, 3 withdraw.",
			}),
			sequence: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "ledger",
				Name:      "sequence",
				Help:      "Sequence number of the last committed operation.",
			}),
			depositors: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "ledger",
				Name:      "depositors",
				Help:      "Depositors with a live record.",
			}),
			amounts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "ledger",
				Name:      "amount_units",
				Help:      "Ledger counters in token base units.",
			}, []string{"counter"}),
			custodyBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "custody",
				Name:      "balance_units",
				Help:      "Token balance held at the custody address at the last audit.",
			}),
			audits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "audit",
				Name:      "runs_total",
				Help:      "Audit runs segmented by result.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.state,
			ledgerRegistry.sequence,
			ledgerRegistry.depositors,
			ledgerRegistry.amounts,
			ledgerRegistry.custodyBalance,
			ledgerRegistry.audits,
		)
	})
	return ledgerRegistry
}

func (m *LedgerMetrics) ObserveOperation(op string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, escrow.Kind(err)).Inc()
}

func (m *LedgerMetrics) ObserveSnapshot(s *model.Snapshot) {
	if m == nil || s == nil {
		return
	}
	m.state.Set(float64(s.State))
	m.sequence.Set(float64(s.Sequence))
	m.depositors.Set(float64(len(s.Deposits)))
	m.amounts.WithLabelValues("total_deposited").Set(units(s.TotalDeposited))
	m.amounts.WithLabelValues("deposit_limit").Set(units(s.DepositLimit))
	m.amounts.WithLabelValues("reward_pool").Set(units(s.RewardPool))
	m.amounts.WithLabelValues("custody_withdrawn").Set(units(s.CustodyWithdrawn))
	m.amounts.WithLabelValues("custody_returned").Set(units(s.CustodyReturned))
	m.amounts.WithLabelValues("reward_paid").Set(units(s.RewardPaid))
}

// ObserveAudit records one reconciliation run.
func (m *LedgerMetrics) ObserveAudit(custody *uint256.Int, healthy bool) {
	if m == nil {
		return
	}
	m.custodyBalance.Set(units(custody))
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	m.audits.WithLabelValues(result).Inc()
}

func units(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}
