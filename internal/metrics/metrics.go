package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

const namespace = "payprompt"

type Metrics struct {
	Prompts          *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	Deposits         *prometheus.CounterVec
	CreditsDeducted  prometheus.Counter
	CreditsDeposited prometheus.Counter
	EnqueuedJobs     prometheus.Counter
	ProcessedJobs    prometheus.Counter
	FailedJobs       prometheus.Counter
	HTTPRequests     *prometheus.CounterVec
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = New()
		prometheus.MustRegister(global.collectors()...)
	})
	return global
}

// New returns unregistered collectors; tests use it to avoid the default registry.
func New() *Metrics {
	return &Metrics{
		Prompts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompts_total",
			Help:      "Prompt requests by outcome",
		}, []string{"outcome"}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Upstream model provider failures",
		}, []string{"provider"}),
		Deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_total",
			Help:      "Credited deposits by settlement",
		}, []string{"settlement"}),
		CreditsDeducted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_deducted_total",
			Help:      "Credits charged for prompts (approximate, for dashboards)",
		}),
		CreditsDeposited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_deposited_total",
			Help:      "Credits added by deposits (approximate, for dashboards)",
		}),
		EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Total prompt jobs enqueued to redis stream",
		}),
		ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_processed_total",
			Help:      "Total prompt jobs processed",
		}),
		FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_failed_total",
			Help:      "Total prompt jobs that failed before producing an outcome",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "status"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Prompts, m.ProviderErrors, m.Deposits,
		m.CreditsDeducted, m.CreditsDeposited,
		m.EnqueuedJobs, m.ProcessedJobs, m.FailedJobs,
		m.HTTPRequests,
	}
}

// AddCredits adds a decimal amount to a float counter.
func AddCredits(c prometheus.Counter, amount decimal.Decimal) {
	f, _ := amount.Float64()
	if f > 0 {
		c.Add(f)
	}
}
