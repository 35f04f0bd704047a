package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ledi-watcher/internal/detector"
	"github.com/JakeFAU/ledi-watcher/internal/monitor"
	"github.com/JakeFAU/ledi-watcher/internal/storage/memory"
	"github.com/JakeFAU/ledi-watcher/internal/store"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(10 * time.Millisecond)
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("err-%d", g.n), nil
}

// fakeScraper returns snap, or err, or panics with panicValue.
type fakeScraper struct {
	name       string
	kind       monitor.SourceKind
	mu         sync.Mutex
	snap       monitor.Snapshot
	err        error
	panicValue any
	block      chan struct{}
	started    chan struct{}
	calls      int
}

func (f *fakeScraper) Name() string             { return f.name }
func (f *fakeScraper) Kind() monitor.SourceKind { return f.kind }

func (f *fakeScraper) Scrape(ctx context.Context) (monitor.Snapshot, error) {
	f.mu.Lock()
	f.calls++
	snap, err, p, block, started := f.snap, f.err, f.panicValue, f.block, f.started
	f.mu.Unlock()
	if started != nil {
		close(started)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return monitor.Snapshot{}, ctx.Err()
		}
	}
	if p != nil {
		panic(p)
	}
	return snap, err
}

func (f *fakeScraper) set(snap monitor.Snapshot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap, f.err = snap, err
}

type fakeNotifier struct {
	mu       sync.Mutex
	calls    int
	received []monitor.Notification
	subs     []string
	result   func(subs []string, ns []monitor.Notification) int
}

func (n *fakeNotifier) SendUpdateNotifications(_ context.Context, subs []string, ns []monitor.Notification) int {
	n.mu.Lock()
	n.calls++
	n.received = append(n.received, ns...)
	n.subs = subs
	result := n.result
	n.mu.Unlock()
	if result != nil {
		return result(subs, ns)
	}
	return len(subs)
}

func (n *fakeNotifier) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

// faultyStore wraps a real repository and injects failures.
type faultyStore struct {
	*store.Repository

	mu             sync.Mutex
	statusErrs     []error
	metricErrs     []error
	subscribersErr error
	statusPanics   int
	statusWrites   []monitor.SystemStatus
}

func (s *faultyStore) PutStatus(ctx context.Context, status monitor.SystemStatus) error {
	s.mu.Lock()
	if s.statusPanics > 0 {
		s.statusPanics--
		s.mu.Unlock()
		panic("status writer exploded")
	}
	var err error
	if len(s.statusErrs) > 0 {
		err, s.statusErrs = s.statusErrs[0], s.statusErrs[1:]
	}
	s.statusWrites = append(s.statusWrites, status)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Repository.PutStatus(ctx, status)
}

func (s *faultyStore) AppendMetric(ctx context.Context, m monitor.ExecutionMetric) error {
	s.mu.Lock()
	var err error
	if len(s.metricErrs) > 0 {
		err, s.metricErrs = s.metricErrs[0], s.metricErrs[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Repository.AppendMetric(ctx, m)
}

func (s *faultyStore) Subscribers(ctx context.Context) ([]string, error) {
	if s.subscribersErr != nil {
		return nil, s.subscribersErr
	}
	return s.Repository.Subscribers(ctx)
}

type harness struct {
	orch     *Orchestrator
	store    *faultyStore
	blog     *fakeScraper
	ledi     *fakeScraper
	notifier *fakeNotifier
	clock    *fakeClock
}

var (
	blogPost = monitor.Snapshot{Title: "LEDI 3.1 released", Link: "https://news.example.org/posts/ledi-3-1"}
	lediRow  = monitor.Snapshot{Version: "3.1.0", Changes: "<ul><li>Faster imports</li></ul>"}
)

func newHarness(t *testing.T, cfg Config, opts ...func(*Dependencies)) *harness {
	t.Helper()

	repo, err := store.New(memory.NewStore(), store.Options{})
	require.NoError(t, err)
	det, err := detector.New("exact")
	require.NoError(t, err)

	h := &harness{
		store:    &faultyStore{Repository: repo},
		blog:     &fakeScraper{name: "blog", kind: monitor.SourceBlog, snap: blogPost},
		ledi:     &fakeScraper{name: "ledi", kind: monitor.SourceLedi, snap: lediRow},
		notifier: &fakeNotifier{},
		clock:    newFakeClock(),
	}
	deps := Dependencies{
		Scrapers: []Scraper{h.blog, h.ledi},
		Detector: det,
		Store:    h.store,
		Notifier: h.notifier,
		Clock:    h.clock,
		IDs:      &seqIDs{},
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.orch, err = New(cfg, deps)
	require.NoError(t, err)
	return h
}

func (h *harness) subscribe(t *testing.T, emails ...string) {
	t.Helper()
	for _, e := range emails {
		_, err := h.store.AddSubscriber(context.Background(), e)
		require.NoError(t, err)
	}
}

var errRefused = errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")
