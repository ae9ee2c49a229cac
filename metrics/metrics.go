// Package metrics provides Prometheus instrumentation for the migration
// engine and the test-database manager. It is a separate package (not
// internal/) so that a consuming application can construct a Metrics
// bound to its own registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the counters and histograms the engine and the
// test-database manager report against.
type Metrics struct {
	MigrationsApplied    prometheus.Counter
	MigrationsRolledBack prometheus.Counter
	ApplyDuration        prometheus.Histogram
	TestDatabasesCreated prometheus.Counter
	TestDatabasesDropped prometheus.Counter
}

// New builds a Metrics and registers it against reg. Pass nil to build an
// unregistered set (useful for tests, or callers that don't want a
// Prometheus registry wired in at all).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MigrationsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgfast_migrations_applied_total",
			Help: "Total number of migrations applied forward.",
		}),
		MigrationsRolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgfast_migrations_rolled_back_total",
			Help: "Total number of migrations rolled back.",
		}),
		ApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgfast_migration_apply_duration_seconds",
			Help:    "Duration of a single migration's apply transaction.",
			Buckets: prometheus.DefBuckets,
		}),
		TestDatabasesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgfast_test_databases_created_total",
			Help: "Total number of test and template databases created.",
		}),
		TestDatabasesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgfast_test_databases_dropped_total",
			Help: "Total number of test and template databases dropped.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.MigrationsApplied,
			m.MigrationsRolledBack,
			m.ApplyDuration,
			m.TestDatabasesCreated,
			m.TestDatabasesDropped,
		)
	}

	return m
}

// Noop returns a Metrics that is never registered against any registry,
// so Inc/Observe calls are cheap and harmless but produce no exported
// series. Used as the default when a caller doesn't supply one.
func Noop() *Metrics {
	return New(nil)
}
