package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DepositsProcessed counts collateral deposits by asset symbol.
var DepositsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "vault_deposits_processed_total",
		Help: "Total number of collateral deposits accepted by the vault",
	},
	[]string{"asset"},
)

// NavUpdates counts NAV oracle updates by outcome (accepted/rejected).
var NavUpdates = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "vault_nav_updates_total",
		Help: "Total number of NAV update attempts by outcome",
	},
	[]string{"outcome"},
)

// RedemptionTransitions counts redemption state transitions by target state.
var RedemptionTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "vault_redemption_transitions_total",
		Help: "Total number of redemption request state transitions",
	},
	[]string{"status"},
)

// Vault level gauges
var (
	SharePrice = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vault_share_price",
			Help: "Current NAV per share (18 decimal fixed point, scaled to float for display)",
		},
	)

	TotalShares = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vault_total_shares",
			Help: "Total shares issued (scaled to float for display)",
		},
	)

	AvailableLiquidity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vault_available_liquidity",
			Help: "Settlement asset balance available for redemption settlement",
		},
	)
)

func init() {
	prometheus.MustRegister(DepositsProcessed, NavUpdates, RedemptionTransitions)
	prometheus.MustRegister(SharePrice, TotalShares, AvailableLiquidity)
}
