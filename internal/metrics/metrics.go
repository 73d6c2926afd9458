package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mission_notify"

// Dispatch results.
const (
	ResultSent           = "sent"
	ResultAuthError      = "auth_error"
	ResultTransportError = "transport_error"
)

// Lookup results.
const (
	LookupResolved = "resolved"
	LookupMissing  = "missing"
	LookupFailed   = "failed"
)

// Metrics holds the Prometheus collectors of the notifier.
type Metrics struct {
	Scans            prometheus.Counter
	MissionsEligible prometheus.Counter
	TokenLookups     *prometheus.CounterVec
	Dispatches       *prometheus.CounterVec
	MissionChanges   prometheus.Counter
	LastScan         prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Scans: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Number of expiry scans run",
		}),
		MissionsEligible: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missions_eligible_total",
			Help:      "Missions found inside the reminder window",
		}),
		TokenLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_lookups_total",
			Help:      "Per-user push token lookups",
		}, []string{"result"}),
		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Push gateway dispatch attempts",
		}, []string{"result"}),
		MissionChanges: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mission_changes_total",
			Help:      "child_changed events observed on /missions",
		}),
		LastScan: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_scan_timestamp_seconds",
			Help:      "Unix time the last expiry scan finished",
		}),
	}
}

// Discard returns collectors registered nowhere.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
