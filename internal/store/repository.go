package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/ledi-watcher/internal/monitor"
	"github.com/JakeFAU/ledi-watcher/internal/ring"
)

// Logical keys of the persisted records.
const (
	KeySubscribers      = "subscribers"
	KeyLastBlog         = "last_blog"
	KeyLastLedi         = "last_ledi"
	KeySystemStatus     = "system_status"
	KeyExecutionMetrics = "execution_metrics"
	KeyErrorLog         = "error_log"
)

// Default ring capacities.
const (
	DefaultMetricsCap = 50
	DefaultErrorsCap  = 100
)

// Options tunes the repository.
type Options struct {
	MetricsCap int
	ErrorsCap  int
}

// Repository reads and writes typed records through a monitor.KV backend.
type Repository struct {
	kv         monitor.KV
	metricsCap int
	errorsCap  int

	mu sync.Mutex
}

// New wraps kv. Zero capacities fall back to the defaults.
func New(kv monitor.KV, opts Options) (*Repository, error) {
	if kv == nil {
		return nil, fmt.Errorf("kv backend is required")
	}
	if opts.MetricsCap <= 0 {
		opts.MetricsCap = DefaultMetricsCap
	}
	if opts.ErrorsCap <= 0 {
		opts.ErrorsCap = DefaultErrorsCap
	}
	return &Repository{kv: kv, metricsCap: opts.MetricsCap, errorsCap: opts.ErrorsCap}, nil
}

// SnapshotKey maps a source kind to its snapshot key.
func SnapshotKey(kind monitor.SourceKind) (string, error) {
	switch kind {
	case monitor.SourceBlog:
		return KeyLastBlog, nil
	case monitor.SourceLedi:
		return KeyLastLedi, nil
	default:
		return "", fmt.Errorf("unknown source kind %q", kind)
	}
}

// Subscribers returns the stored subscriber set, empty when never written.
func (r *Repository) Subscribers(ctx context.Context) ([]string, error) {
	var subs []string
	found, err := r.load(ctx, KeySubscribers, &subs)
	if err != nil {
		return nil, err
	}
	if !found || subs == nil {
		return []string{}, nil
	}
	return subs, nil
}

// SubscriberCount returns the size of the subscriber set.
func (r *Repository) SubscriberCount(ctx context.Context) (int, error) {
	subs, err := r.Subscribers(ctx)
	if err != nil {
		return 0, err
	}
	return len(subs), nil
}

// AddSubscriber inserts an already-normalized address into the set and
// reports whether it was new. The whole set is rewritten.
func (r *Repository) AddSubscriber(ctx context.Context, email string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, err := r.Subscribers(ctx)
	if err != nil {
		return false, err
	}
	for _, existing := range subs {
		if existing == email {
			return false, nil
		}
	}
	subs = append(subs, email)
	sort.Strings(subs)
	if err := r.save(ctx, KeySubscribers, subs); err != nil {
		return false, err
	}
	return true, nil
}

// LatestSnapshot returns the stored snapshot for kind, nil when none exists.
func (r *Repository) LatestSnapshot(ctx context.Context, kind monitor.SourceKind) (*monitor.Snapshot, error) {
	key, err := SnapshotKey(kind)
	if err != nil {
		return nil, err
	}
	var snap monitor.Snapshot
	found, err := r.load(ctx, key, &snap)
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

// LatestSnapshots loads both source snapshots.
func (r *Repository) LatestSnapshots(ctx context.Context) (monitor.LatestSnapshots, error) {
	blog, err := r.LatestSnapshot(ctx, monitor.SourceBlog)
	if err != nil {
		return monitor.LatestSnapshots{}, err
	}
	ledi, err := r.LatestSnapshot(ctx, monitor.SourceLedi)
	if err != nil {
		return monitor.LatestSnapshots{}, err
	}
	return monitor.LatestSnapshots{Blog: blog, Ledi: ledi}, nil
}

// PutSnapshot replaces the snapshot for kind.
func (r *Repository) PutSnapshot(ctx context.Context, kind monitor.SourceKind, snap monitor.Snapshot) error {
	key, err := SnapshotKey(kind)
	if err != nil {
		return err
	}
	return r.save(ctx, key, snap)
}

// Status returns the stored system status, all-unknown when never written.
func (r *Repository) Status(ctx context.Context) (monitor.SystemStatus, error) {
	status := monitor.NewUnknownStatus()
	if _, err := r.load(ctx, KeySystemStatus, &status); err != nil {
		return monitor.SystemStatus{}, err
	}
	return status, nil
}

// PutStatus overwrites the system status record.
func (r *Repository) PutStatus(ctx context.Context, status monitor.SystemStatus) error {
	return r.save(ctx, KeySystemStatus, status)
}

// Metrics returns the execution metric ring, oldest first.
func (r *Repository) Metrics(ctx context.Context) ([]monitor.ExecutionMetric, error) {
	var metrics []monitor.ExecutionMetric
	if _, err := r.load(ctx, KeyExecutionMetrics, &metrics); err != nil {
		return nil, err
	}
	return metrics, nil
}

// RecentMetrics returns at most n of the newest metrics, oldest first.
func (r *Repository) RecentMetrics(ctx context.Context, n int) ([]monitor.ExecutionMetric, error) {
	buf, err := loadRing[monitor.ExecutionMetric](ctx, r, KeyExecutionMetrics, r.metricsCap)
	if err != nil {
		return nil, err
	}
	return buf.Last(n), nil
}

// AppendMetric pushes m onto the metric ring, evicting the oldest at capacity.
func (r *Repository) AppendMetric(ctx context.Context, m monitor.ExecutionMetric) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, err := loadRing[monitor.ExecutionMetric](ctx, r, KeyExecutionMetrics, r.metricsCap)
	if err != nil {
		return err
	}
	buf.Push(m)
	return r.save(ctx, KeyExecutionMetrics, buf)
}

// Errors returns the error log, oldest first.
func (r *Repository) Errors(ctx context.Context) ([]monitor.ErrorEntry, error) {
	var entries []monitor.ErrorEntry
	if _, err := r.load(ctx, KeyErrorLog, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// AppendError pushes entry onto the error log ring.
func (r *Repository) AppendError(ctx context.Context, entry monitor.ErrorEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, err := loadRing[monitor.ErrorEntry](ctx, r, KeyErrorLog, r.errorsCap)
	if err != nil {
		return err
	}
	buf.Push(entry)
	return r.save(ctx, KeyErrorLog, buf)
}

// loadRing decodes a stored ring, trimming it to capacity. A missing key
// yields an empty ring.
func loadRing[T any](ctx context.Context, r *Repository, key string, capacity int) (*ring.Buffer[T], error) {
	buf, err := ring.New[T](capacity)
	if err != nil {
		return nil, err
	}
	if _, err := r.load(ctx, key, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *Repository) load(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := r.kv.Get(ctx, key)
	if errors.Is(err, monitor.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (r *Repository) save(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.kv.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
