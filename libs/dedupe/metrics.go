package dedupe

import "github.com/prometheus/client_golang/prometheus"

// Check outcomes, used as the outcome label of ChecksTotal.
const (
	OutcomeSkipped  = "skipped"
	OutcomeNoNearby = "no_nearby"
	OutcomeRanked   = "ranked"
	OutcomeFallback = "fallback"
	OutcomeError    = "error"
)

var (
	ChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dumpwatch",
			Name:      "duplicate_checks_total",
			Help:      "Duplicate checks by outcome",
		},
		[]string{"outcome"},
	)

	RowsRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dumpwatch",
			Name:      "duplicate_rows_rejected_total",
			Help:      "Report rows dropped from duplicate checks because they failed validation",
		},
	)
)

func init() {
	prometheus.MustRegister(ChecksTotal)
	prometheus.MustRegister(RowsRejectedTotal)
}
