// Package metrics exposes Prometheus collectors for check-in runs.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Registry holds every check-in collector. It is separate from the default
// registry so a push carries only run metrics.
var Registry = prometheus.NewRegistry()

var (
	accountsTotal          *prometheus.CounterVec
	loginAttemptsTotal     *prometheus.CounterVec
	topicsTotal            *prometheus.CounterVec
	notificationsTotal     *prometheus.CounterVec
	accountDurationSeconds prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		factory := promauto.With(Registry)

		accountsTotal = factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkin_accounts_total",
				Help: "Total number of accounts processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		loginAttemptsTotal = factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkin_login_attempts_total",
				Help: "Total number of login attempts, labeled by result.",
			},
			[]string{"result"},
		)

		topicsTotal = factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkin_topics_total",
				Help: "Total number of topics browsed, labeled by result.",
			},
			[]string{"result"},
		)

		notificationsTotal = factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkin_notifications_total",
				Help: "Total number of notification deliveries, labeled by backend and status.",
			},
			[]string{"backend", "status"},
		)

		accountDurationSeconds = factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "checkin_account_duration_seconds",
				Help:    "Histogram of per-account run durations.",
				Buckets: []float64{5, 15, 30, 60, 120, 180, 300, 600, 900},
			},
		)
	})
}

// ObserveAccount records one finished account run.
func ObserveAccount(outcome string, duration time.Duration) {
	Init()
	accountsTotal.WithLabelValues(outcome).Inc()
	accountDurationSeconds.Observe(duration.Seconds())
}

// ObserveLoginAttempt records one login attempt.
func ObserveLoginAttempt(result string) {
	Init()
	loginAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveTopics adds n topics with the given result.
func ObserveTopics(result string, n int) {
	if n <= 0 {
		return
	}
	Init()
	topicsTotal.WithLabelValues(result).Add(float64(n))
}

// ObserveNotification records one delivery outcome.
func ObserveNotification(backend, status string) {
	Init()
	notificationsTotal.WithLabelValues(backend, status).Inc()
}

// Push sends the registry to a Pushgateway, grouped by run id.
func Push(ctx context.Context, url, job, runID string) error {
	Init()
	pusher := push.New(url, job).Gatherer(Registry)
	if runID != "" {
		pusher = pusher.Grouping("run_id", runID)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
