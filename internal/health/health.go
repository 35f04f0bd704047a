// Package health assembles the health document served on /health.
package health

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ledi-watcher/internal/monitor"
)

// DefaultWindow is how many recent execution metrics feed the rolling figures.
const DefaultWindow = 10

// Store is the read side the reporter needs.
type Store interface {
	Status(ctx context.Context) (monitor.SystemStatus, error)
	SubscriberCount(ctx context.Context) (int, error)
	RecentMetrics(ctx context.Context, n int) ([]monitor.ExecutionMetric, error)
}

// Components mirrors the per-component statuses of the last run.
type Components struct {
	Blog  monitor.ComponentStatus `json:"blog"`
	Ledi  monitor.ComponentStatus `json:"ledi"`
	Email monitor.ComponentStatus `json:"email"`
}

// Metrics holds the rolling figures over the last Window runs.
type Metrics struct {
	Window            int                      `json:"window"`
	Samples           int                      `json:"samples"`
	SuccessRate       float64                  `json:"successRate"`
	AverageDurationMs float64                  `json:"averageDurationMs"`
	LastRun           *monitor.ExecutionMetric `json:"lastRun,omitempty"`
}

// Report is the health document.
type Report struct {
	Status            string     `json:"status"`
	Timestamp         time.Time  `json:"timestamp"`
	LastCheck         *time.Time `json:"lastCheck,omitempty"`
	Components        Components `json:"components"`
	SubscriberCount   int        `json:"subscriberCount"`
	Metrics           Metrics    `json:"metrics"`
	LastError         string     `json:"lastError,omitempty"`
	RecoveryAttempted bool       `json:"recoveryAttempted,omitempty"`
	Error             string     `json:"error,omitempty"`

	readFailed bool
}

// HTTPStatus maps the report onto a response code: 500 when the status
// record could not be read, 503 when every source is failing, 200 otherwise.
func (r Report) HTTPStatus() int {
	switch {
	case r.readFailed:
		return http.StatusInternalServerError
	case r.Status == string(monitor.StatusError):
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}

// Reporter builds Reports from the store.
type Reporter struct {
	store  Store
	clock  monitor.Clock
	window int
	logger *zap.Logger
}

// NewReporter constructs a Reporter. A window <= 0 uses DefaultWindow.
func NewReporter(store Store, clock monitor.Clock, window int, logger *zap.Logger) (*Reporter, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{store: store, clock: clock, window: window, logger: logger}, nil
}

// Report returns the latest known state, stale or not. When the status
// record itself cannot be read it returns an error report together with the
// read error.
func (r *Reporter) Report(ctx context.Context) (Report, error) {
	now := r.clock.Now()
	status, err := r.store.Status(ctx)
	if err != nil {
		r.logger.Error("read system status failed", zap.Error(err))
		return Report{
			Status:     string(monitor.StatusError),
			Timestamp:  now,
			Error:      "system status unavailable",
			readFailed: true,
		}, fmt.Errorf("read system status: %w", err)
	}

	report := Report{
		Status:    status.Summary(),
		Timestamp: now,
		Components: Components{
			Blog:  status.BlogStatus,
			Ledi:  status.LediStatus,
			Email: status.EmailStatus,
		},
		LastError:         status.LastError,
		RecoveryAttempted: status.RecoveryAttempted,
		Metrics:           Metrics{Window: r.window},
	}
	if !status.LastCheck.IsZero() {
		lastCheck := status.LastCheck
		report.LastCheck = &lastCheck
	}

	if count, err := r.store.SubscriberCount(ctx); err != nil {
		r.logger.Warn("read subscriber count failed", zap.Error(err))
	} else {
		report.SubscriberCount = count
	}

	recent, err := r.store.RecentMetrics(ctx, r.window)
	if err != nil {
		r.logger.Warn("read execution metrics failed", zap.Error(err))
		return report, nil
	}
	report.Metrics = Summarize(recent, r.window)
	return report, nil
}

// Summarize computes the success rate (percent, one decimal) and the average
// duration (ms) of metrics.
func Summarize(metrics []monitor.ExecutionMetric, window int) Metrics {
	out := Metrics{Window: window, Samples: len(metrics)}
	if len(metrics) == 0 {
		return out
	}
	var ok int
	var total int64
	for _, m := range metrics {
		if m.Success {
			ok++
		}
		total += m.Duration
	}
	out.SuccessRate = math.Round(float64(ok)/float64(len(metrics))*1000) / 10
	out.AverageDurationMs = math.Round(float64(total) / float64(len(metrics)))
	last := metrics[len(metrics)-1]
	out.LastRun = &last
	return out
}
