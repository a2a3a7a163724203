package trader

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the trading core, registered in init and served by
// the API server at /metrics.
var (
	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Orders submitted, by side and outcome",
		},
		[]string{"side", "outcome"}, // outcome: submitted|denied|failed|simulated
	)

	mtxRiskDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_risk_denials_total",
			Help: "Risk gate denials by limit type",
		},
		[]string{"limit"},
	)

	mtxFills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_fills_applied_total",
			Help: "Execution reports applied (after dedup)",
		},
	)

	mtxSentinelTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_sentinel_ticks_total",
			Help: "Completed stop-loss sentinel sweeps",
		},
	)

	mtxStopTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_stop_triggers_total",
			Help: "Protective exits triggered, by kind",
		},
		[]string{"kind"}, // stop_loss|take_profit
	)

	mtxForceCloseFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_force_close_failures_total",
			Help: "Failed force-close placements",
		},
	)

	mtxEscalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_escalations_total",
			Help: "Stop-loss orders escalated to an operator after exhausting close attempts",
		},
	)
)

func init() {
	prometheus.MustRegister(
		mtxOrders,
		mtxRiskDenials,
		mtxFills,
		mtxSentinelTicks,
		mtxStopTriggers,
		mtxForceCloseFailures,
		mtxEscalations,
	)
}
