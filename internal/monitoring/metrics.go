package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "custody"

// Metrics holds the custody counters. Every method is safe on a nil
// *Metrics, so components constructed without metrics need no guards.
type Metrics struct {
	registry *prometheus.Registry

	cryptoAuthFailures    *prometheus.CounterVec
	lockConflicts         prometheus.Counter
	lockAcquired          *prometheus.CounterVec
	idempotencyReplays    prometheus.Counter
	idempotencyExecutions prometheus.Counter
	revocationDegraded    prometheus.Counter
	revocations           prometheus.Counter
	keyringRotations      prometheus.Counter
	keyringKeys           *prometheus.GaugeVec
	seedReveals           *prometheus.CounterVec
}

// NewMetrics registers the custody metrics and the Go runtime collectors on
// a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		cryptoAuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crypto",
			Name:      "auth_failures_total",
			Help:      "Decryptions rejected by authentication, per encryption scheme",
		}, []string{"scheme"}),

		lockConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "conflicts_total",
			Help:      "Exclusive operations rejected because the lock was held",
		}),

		lockAcquired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "acquired_total",
			Help:      "Exclusive locks acquired, per backend",
		}, []string{"backend"}),

		idempotencyReplays: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "replays_total",
			Help:      "Requests answered from the idempotency cache",
		}),

		idempotencyExecutions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "executions_total",
			Help:      "Keyed requests that executed their operation",
		}),

		revocationDegraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "revocation",
			Name:      "degraded_total",
			Help:      "Revocation checks answered without the shared store",
		}),

		revocations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocations_total",
			Help:      "Token hashes revoked",
		}),

		keyringRotations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keyring",
			Name:      "rotations_total",
			Help:      "Keyring rotations",
		}),

		keyringKeys: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keyring",
			Name:      "keys",
			Help:      "Keyring data keys, per state",
		}, []string{"state"}),

		seedReveals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "seed",
			Name:      "reveals_total",
			Help:      "Seed reveal attempts, per result",
		}, []string{"result"}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}

	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}

	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordAuthFailure(scheme string) {
	if m == nil {
		return
	}
	m.cryptoAuthFailures.WithLabelValues(scheme).Inc()
}

func (m *Metrics) RecordLockConflict() {
	if m == nil {
		return
	}
	m.lockConflicts.Inc()
}

func (m *Metrics) RecordLockAcquired(backend string) {
	if m == nil {
		return
	}
	m.lockAcquired.WithLabelValues(backend).Inc()
}

func (m *Metrics) RecordIdempotencyReplay() {
	if m == nil {
		return
	}
	m.idempotencyReplays.Inc()
}

func (m *Metrics) RecordIdempotencyExecution() {
	if m == nil {
		return
	}
	m.idempotencyExecutions.Inc()
}

func (m *Metrics) RecordRevocationDegraded() {
	if m == nil {
		return
	}
	m.revocationDegraded.Inc()
}

func (m *Metrics) RecordRevocation() {
	if m == nil {
		return
	}
	m.revocations.Inc()
}

func (m *Metrics) RecordKeyringRotation() {
	if m == nil {
		return
	}
	m.keyringRotations.Inc()
}

// UpdateKeyringKeys sets the active and inactive key gauges.
func (m *Metrics) UpdateKeyringKeys(active, inactive int) {
	if m == nil {
		return
	}
	m.keyringKeys.WithLabelValues("active").Set(float64(active))
	m.keyringKeys.WithLabelValues("inactive").Set(float64(inactive))
}

// RecordSeedReveal counts a reveal attempt; result is "revealed",
// "conflict", "revoked" or "error".
func (m *Metrics) RecordSeedReveal(result string) {
	if m == nil {
		return
	}
	m.seedReveals.WithLabelValues(result).Inc()
}
