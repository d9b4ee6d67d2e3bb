package observability

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the domain counters and HTTP instruments. A nil *Metrics is
// valid and records nothing, so callers never need nil checks.
type Metrics struct {
	proposals    metric.Int64Counter
	approvals    metric.Int64Counter
	executions   metric.Int64Counter
	reports      metric.Int64Counter
	httpDuration metric.Float64Histogram
}

// NewMetrics registers the orchestrator instruments on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("github.com/ohfixit/actiond")

	proposals, err := meter.Int64Counter("actiond.proposals",
		metric.WithDescription("Remediation proposals opened"))
	if err != nil {
		return nil, err
	}
	approvals, err := meter.Int64Counter("actiond.approvals",
		metric.WithDescription("Human approvals recorded"))
	if err != nil {
		return nil, err
	}
	executions, err := meter.Int64Counter("actiond.executions_requested",
		metric.WithDescription("Execution grants minted for the helper"))
	if err != nil {
		return nil, err
	}
	reports, err := meter.Int64Counter("actiond.reports_ingested",
		metric.WithDescription("Helper reports reconciled into the ledger"))
	if err != nil {
		return nil, err
	}
	httpDuration, err := meter.Float64Histogram("actiond.http.duration",
		metric.WithDescription("HTTP request duration"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		proposals:    proposals,
		approvals:    approvals,
		executions:   executions,
		reports:      reports,
		httpDuration: httpDuration,
	}, nil
}

func (m *Metrics) IncProposals(ctx context.Context) {
	if m != nil {
		m.proposals.Add(ctx, 1)
	}
}

func (m *Metrics) IncApprovals(ctx context.Context) {
	if m != nil {
		m.approvals.Add(ctx, 1)
	}
}

func (m *Metrics) IncExecutions(ctx context.Context) {
	if m != nil {
		m.executions.Add(ctx, 1)
	}
}

func (m *Metrics) IncReports(ctx context.Context) {
	if m != nil {
		m.reports.Add(ctx, 1)
	}
}

// HTTPMiddleware records request duration with method/path/status attributes.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.httpDuration.Record(r.Context(), float64(time.Since(start).Microseconds())/1000.0,
			metric.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", r.URL.Path),
				attribute.Int("http.status_code", rec.status),
			))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
