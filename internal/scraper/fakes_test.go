package scraper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/ledi-watcher/internal/monitor"
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

type step struct {
	body   string
	status int
	err    error
}

// scriptFetcher replays steps in order and repeats the last one.
type scriptFetcher struct {
	mu       sync.Mutex
	steps    []step
	calls    int
	requests []monitor.FetchRequest
	headless bool
}

func (f *scriptFetcher) Fetch(_ context.Context, req monitor.FetchRequest) (monitor.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	idx := f.calls
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	f.calls++
	st := f.steps[idx]
	if st.err != nil {
		return monitor.FetchResponse{}, st.err
	}
	status := st.status
	if status == 0 {
		status = 200
	}
	if status < 200 || status > 299 {
		return monitor.FetchResponse{}, &monitor.HTTPStatusError{URL: req.URL, StatusCode: status}
	}
	return monitor.FetchResponse{URL: req.URL, StatusCode: status, Body: []byte(st.body), UsedHeadless: f.headless}, nil
}

func (f *scriptFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var errConnReset = errors.New("connection reset by peer")
