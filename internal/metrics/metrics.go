// Package metrics exposes the engine's Prometheus instrumentation. Values
// are updated by the daemon after rolls and trades and served on the web
// server's /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EpochRolls counts completed epoch rolls.
	EpochRolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dvp_epoch_rolls_total",
		Help: "Number of completed epoch rolls.",
	})

	// RollFailures counts failed roll attempts.
	RollFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dvp_epoch_roll_failures_total",
		Help: "Number of failed epoch roll attempts.",
	})

	// Trades counts mints and burns by action.
	Trades = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dvp_trades_total",
		Help: "Number of executed trades by action.",
	}, []string{"action"})

	// SharePrice is the latest finalized price per share.
	SharePrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dvp_share_price",
		Help: "Finalized price per share of the latest rolled epoch.",
	})

	// VaultNotional is the vault's current value in base-token terms.
	VaultNotional = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dvp_vault_notional",
		Help: "Vault notional in base-token terms, net of pending obligations.",
	})

	// LockedLiquidity is the liquidity locked at the latest roll.
	LockedLiquidity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dvp_locked_liquidity",
		Help: "Liquidity locked for the active epoch in base-token terms.",
	})

	// Utilization is the active epoch's used/locked notional ratio.
	Utilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dvp_utilization_rate",
		Help: "Used notional as a fraction of the active epoch's capacity.",
	})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
