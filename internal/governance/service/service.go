package service

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"sortition/internal/governance/ports"
	"sortition/internal/platform/metrics"
)

const tracerName = "sortition/internal/governance/service"

// Service orchestrates invite redemption and registry reads. The transition
// itself lives in models; Service loads its inputs, runs it inside a store
// transaction and reports the outcome.
type Service struct {
	store    ports.Store
	tx       ports.StoreTx
	balances ports.BalanceReader
	notifier ports.Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithNotifier registers a post-commit observer for CitizenAdded.
func WithNotifier(n ports.Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

// WithClock overrides the time source used for invite expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New constructs a Service. store serves reads outside a transaction; tx
// provides the atomic boundary for redemptions. Most backends implement both.
func New(store ports.Store, tx ports.StoreTx, balances ports.BalanceReader, opts ...Option) *Service {
	s := &Service{
		store:    store,
		tx:       tx,
		balances: balances,
		logger:   slog.New(slog.DiscardHandler),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}
