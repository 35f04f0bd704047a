// Package orchestrator runs the update check: scrape every source, detect
// changes, persist new snapshots, notify subscribers and record the run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/ledi-watcher/internal/metrics"
	"github.com/JakeFAU/ledi-watcher/internal/monitor"
	"github.com/JakeFAU/ledi-watcher/internal/telemetry"
)

// DefaultRecoveryDelay is the pause before the single recovery re-run.
const DefaultRecoveryDelay = 30 * time.Second

// ErrRunInProgress is returned when a run is requested while another run in
// the same process has not finished.
var ErrRunInProgress = errors.New("update run already in progress")

// Scraper produces a validated snapshot for one source.
type Scraper interface {
	Name() string
	Kind() monitor.SourceKind
	Scrape(ctx context.Context) (monitor.Snapshot, error)
}

// Detector decides whether a freshly scraped snapshot is new.
type Detector interface {
	IsNew(kind monitor.SourceKind, current monitor.Snapshot, stored *monitor.Snapshot) bool
}

// Notifier fans update e-mails out to subscribers.
type Notifier interface {
	SendUpdateNotifications(ctx context.Context, subscribers []string, notifications []monitor.Notification) int
}

// Store is the slice of the repository a run reads and writes.
type Store interface {
	LatestSnapshot(ctx context.Context, kind monitor.SourceKind) (*monitor.Snapshot, error)
	PutSnapshot(ctx context.Context, kind monitor.SourceKind, snap monitor.Snapshot) error
	Subscribers(ctx context.Context) ([]string, error)
	PutStatus(ctx context.Context, status monitor.SystemStatus) error
	AppendMetric(ctx context.Context, m monitor.ExecutionMetric) error
	AppendError(ctx context.Context, entry monitor.ErrorEntry) error
}

// Fingerprinter hashes an arbitrary value into a stable digest.
type Fingerprinter interface {
	Fingerprint(v any) (string, error)
}

// Config tunes recovery and change-event publishing.
type Config struct {
	RecoveryDelay time.Duration
	// Topic names the change-event topic; empty disables publishing.
	Topic string
}

// Dependencies are the collaborators of an Orchestrator. Publisher and
// Fingerprinter are optional.
type Dependencies struct {
	Scrapers      []Scraper
	Detector      Detector
	Store         Store
	Notifier      Notifier
	Publisher     monitor.Publisher
	Fingerprinter Fingerprinter
	Clock         monitor.Clock
	IDs           monitor.IDGenerator
	Logger        *zap.Logger
}

// SourceResult is the outcome of one source within a run.
type SourceResult struct {
	Name    string                  `json:"name"`
	Kind    monitor.SourceKind      `json:"kind"`
	Status  monitor.ComponentStatus `json:"status"`
	Updated bool                    `json:"updated"`
	Error   string                  `json:"error,omitempty"`
}

// RunResult summarizes one update check.
type RunResult struct {
	StartedAt     time.Time              `json:"startedAt"`
	DurationMs    int64                  `json:"durationMs"`
	Status        monitor.SystemStatus   `json:"status"`
	Sources       []SourceResult         `json:"sources"`
	Notifications []monitor.Notification `json:"notifications,omitempty"`
	Sent          int                    `json:"sent"`
	Recovered     bool                   `json:"recovered,omitempty"`
}

// Updates returns how many sources produced a notification.
func (r RunResult) Updates() int {
	return len(r.Notifications)
}

// OKSources counts sources that finished with status ok.
func (r RunResult) OKSources() int {
	n := 0
	for _, s := range r.Sources {
		if s.Status == monitor.StatusOK {
			n++
		}
	}
	return n
}

// Orchestrator executes update checks. Runs never overlap within a process.
type Orchestrator struct {
	scrapers    []Scraper
	detector    Detector
	store       Store
	notifier    Notifier
	publisher   monitor.Publisher
	fingerprint Fingerprinter
	clock       monitor.Clock
	ids         monitor.IDGenerator
	cfg         Config
	logger      *zap.Logger

	running sync.Mutex
}

// New constructs an Orchestrator.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	switch {
	case len(deps.Scrapers) == 0:
		return nil, fmt.Errorf("at least one scraper is required")
	case deps.Detector == nil:
		return nil, fmt.Errorf("detector is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("store is required")
	case deps.Notifier == nil:
		return nil, fmt.Errorf("notifier is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	}
	if cfg.RecoveryDelay < 0 {
		return nil, fmt.Errorf("recovery delay must not be negative")
	}
	if cfg.RecoveryDelay == 0 {
		cfg.RecoveryDelay = DefaultRecoveryDelay
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		scrapers:    deps.Scrapers,
		detector:    deps.Detector,
		store:       deps.Store,
		notifier:    deps.Notifier,
		publisher:   deps.Publisher,
		fingerprint: deps.Fingerprinter,
		clock:       deps.Clock,
		ids:         deps.IDs,
		cfg:         cfg,
		logger:      logger,
	}, nil
}

// Run is the scheduled entry point. It performs an update check and, when a
// failure escapes the per-source guards, records a failed metric and runs
// Recovery once. It returns ErrRunInProgress if another run is active.
func (o *Orchestrator) Run(ctx context.Context) (RunResult, error) {
	if !o.running.TryLock() {
		return RunResult{}, ErrRunInProgress
	}
	defer o.running.Unlock()

	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.Run")
	defer span.End()

	start := o.clock.Now()
	result, err := o.guardedCheck(ctx)
	if err == nil {
		metrics.ObserveRun(result.Status.Summary(), o.clock.Now().Sub(start))
		span.SetAttributes(attribute.Int("updates", result.Updates()))
		return result, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "update check failed")
	duration := o.clock.Now().Sub(start)
	metrics.ObserveRun("failed", duration)
	o.logger.Error("update check failed", zap.Error(err))
	if merr := o.store.AppendMetric(ctx, monitor.ExecutionMetric{
		Timestamp: start,
		Duration:  duration.Milliseconds(),
		Success:   false,
		Updates:   result.Updates(),
		Status:    "failed",
	}); merr != nil {
		o.logger.Error("record failed run metric", zap.Error(merr))
	}
	o.recordError(ctx, err, map[string]any{"phase": "run"})

	return o.runRecovery(ctx, result, err)
}

// CheckForUpdates runs one update check without the overlap guard or
// Recovery. Source failures are reported in the result; the returned error
// is non-nil only when persisting the run outcome fails.
func (o *Orchestrator) CheckForUpdates(ctx context.Context) (RunResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.CheckForUpdates")
	defer span.End()

	start := o.clock.Now()
	result := RunResult{
		StartedAt: start,
		Status:    monitor.NewUnknownStatus(),
	}
	result.Status.LastCheck = start

	for _, s := range o.scrapers {
		sr, notification := o.checkSource(ctx, s)
		result.Sources = append(result.Sources, sr)
		result.Status.SetSourceStatus(s.Kind(), sr.Status)
		if notification != nil {
			result.Notifications = append(result.Notifications, *notification)
		}
	}

	result.Status.EmailStatus, result.Sent = o.notify(ctx, result.Notifications)
	o.publishChanges(ctx, result.Notifications)

	if err := o.store.PutStatus(ctx, result.Status); err != nil {
		return result, fmt.Errorf("persist system status: %w", err)
	}
	duration := o.clock.Now().Sub(start)
	result.DurationMs = duration.Milliseconds()
	if err := o.store.AppendMetric(ctx, monitor.ExecutionMetric{
		Timestamp: start,
		Duration:  result.DurationMs,
		Success:   true,
		Updates:   result.Updates(),
		Status:    result.Status.Summary(),
	}); err != nil {
		return result, fmt.Errorf("append execution metric: %w", err)
	}

	o.logger.Info("update check finished",
		zap.String("blog_status", string(result.Status.BlogStatus)),
		zap.String("ledi_status", string(result.Status.LediStatus)),
		zap.String("email_status", string(result.Status.EmailStatus)),
		zap.Int("updates", result.Updates()),
		zap.Int("sent", result.Sent),
		zap.Duration("duration", duration),
	)
	return result, nil
}

// guardedCheck converts a panic escaping CheckForUpdates into a FatalError.
func (o *Orchestrator) guardedCheck(ctx context.Context) (result RunResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &monitor.FatalError{
				Op:    "check for updates",
				Err:   fmt.Errorf("panic: %v", r),
				Stack: string(debug.Stack()),
			}
		}
	}()
	result, err = o.CheckForUpdates(ctx)
	if err != nil {
		var fatal *monitor.FatalError
		if !errors.As(err, &fatal) {
			err = &monitor.FatalError{Op: "check for updates", Err: err}
		}
	}
	return result, err
}

// checkSource is the per-source guard: every error or panic is confined to
// this source and reported as status error.
func (o *Orchestrator) checkSource(ctx context.Context, s Scraper) (sr SourceResult, notification *monitor.Notification) {
	sr = SourceResult{Name: s.Name(), Kind: s.Kind(), Status: monitor.StatusError}
	logger := o.logger.With(zap.String("source", s.Name()))

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Error("source check panicked", zap.Any("panic", r))
			o.recordErrorWithStack(ctx, err, string(debug.Stack()), map[string]any{"source": s.Name()})
			sr = SourceResult{Name: s.Name(), Kind: s.Kind(), Status: monitor.StatusError, Error: err.Error()}
			notification = nil
		}
	}()

	fail := func(err error) (SourceResult, *monitor.Notification) {
		logger.Error("source check failed", zap.Error(err))
		o.recordError(ctx, err, map[string]any{"source": s.Name(), "kind": string(s.Kind())})
		sr.Error = err.Error()
		return sr, nil
	}

	current, err := s.Scrape(ctx)
	if err != nil {
		return fail(err)
	}
	stored, err := o.store.LatestSnapshot(ctx, s.Kind())
	if err != nil {
		return fail(fmt.Errorf("load stored snapshot: %w", err))
	}
	sr.Status = monitor.StatusOK
	if !o.detector.IsNew(s.Kind(), current, stored) {
		logger.Debug("no change detected")
		return sr, nil
	}
	if err := o.store.PutSnapshot(ctx, s.Kind(), current); err != nil {
		sr.Status = monitor.StatusError
		return fail(fmt.Errorf("persist snapshot: %w", err))
	}
	sr.Updated = true
	metrics.ObserveUpdate(s.Name())
	logger.Info("new content detected",
		zap.String("title", current.Title),
		zap.String("version", current.Version),
	)
	return sr, &monitor.Notification{Type: s.Kind(), Data: current}
}

// notify sends update e-mails and derives the e-mail component status.
func (o *Orchestrator) notify(ctx context.Context, notifications []monitor.Notification) (status monitor.ComponentStatus, sent int) {
	if len(notifications) == 0 {
		return monitor.StatusOK, 0
	}
	subscribers, err := o.store.Subscribers(ctx)
	if err != nil {
		o.logger.Error("load subscribers failed", zap.Error(err))
		o.recordError(ctx, fmt.Errorf("load subscribers: %w", err), map[string]any{"phase": "notify"})
		return monitor.StatusError, 0
	}
	metrics.SetSubscribers(len(subscribers))

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("notification panic: %v", r)
			o.logger.Error("update notifications panicked", zap.Any("panic", r))
			o.recordErrorWithStack(ctx, err, string(debug.Stack()), map[string]any{"phase": "notify"})
			status, sent = monitor.StatusError, 0
		}
	}()

	sent = o.notifier.SendUpdateNotifications(ctx, subscribers, notifications)
	if sent == 0 && len(subscribers) > 0 {
		o.logger.Warn("no update e-mails were delivered", zap.Int("subscribers", len(subscribers)))
		return monitor.StatusWarning, 0
	}
	return monitor.StatusOK, sent
}

// publishChanges emits one change event per notification, best effort.
func (o *Orchestrator) publishChanges(ctx context.Context, notifications []monitor.Notification) {
	if o.publisher == nil || o.cfg.Topic == "" {
		return
	}
	for _, n := range notifications {
		attrs := map[string]string{"type": string(n.Type)}
		if o.fingerprint != nil {
			content := n.Data
			content.ExtractedAt = time.Time{}
			if fp, err := o.fingerprint.Fingerprint(content); err == nil {
				attrs["fingerprint"] = fp
			} else {
				o.logger.Warn("fingerprint change event", zap.Error(err))
			}
		}
		id, err := o.publisher.Publish(ctx, o.cfg.Topic, n, attrs)
		if err != nil {
			o.logger.Warn("publish change event failed", zap.String("type", string(n.Type)), zap.Error(err))
			continue
		}
		o.logger.Debug("change event published", zap.String("type", string(n.Type)), zap.String("message_id", id))
	}
}

func (o *Orchestrator) recordError(ctx context.Context, err error, fields map[string]any) {
	stack := fmt.Sprintf("%+v", err)
	var fatal *monitor.FatalError
	if errors.As(err, &fatal) && fatal.Stack != "" {
		stack += "\n" + fatal.Stack
	}
	o.recordErrorWithStack(ctx, err, stack, fields)
}

func (o *Orchestrator) recordErrorWithStack(ctx context.Context, err error, stack string, fields map[string]any) {
	id, idErr := o.ids.NewID()
	if idErr != nil {
		o.logger.Warn("generate error id", zap.Error(idErr))
	}
	entry := monitor.ErrorEntry{
		ID:        id,
		Timestamp: o.clock.Now(),
		Message:   err.Error(),
		Stack:     stack,
		Context:   fields,
	}
	if err := o.store.AppendError(ctx, entry); err != nil {
		o.logger.Error("append error log entry", zap.Error(err))
	}
}
