package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ledi-watcher/internal/health"
	"github.com/JakeFAU/ledi-watcher/internal/monitor"
	"github.com/JakeFAU/ledi-watcher/internal/orchestrator"
	"github.com/JakeFAU/ledi-watcher/internal/storage/memory"
	"github.com/JakeFAU/ledi-watcher/internal/store"
	"github.com/JakeFAU/ledi-watcher/internal/subscription"
)

func TestServer_Subscribe(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		body     string
		wantCode int
		wantBody string
	}{
		{name: "invalid json", body: "{invalid", wantCode: http.StatusBadRequest, wantBody: "invalid JSON"},
		{name: "missing email", body: `{}`, wantCode: http.StatusBadRequest, wantBody: "email is required"},
		{name: "invalid address", body: `{"email":"a@b"}`, wantCode: http.StatusBadRequest, wantBody: "invalid email"},
		{name: "null email", body: `{"email":null}`, wantCode: http.StatusBadRequest, wantBody: "email is required"},
		{name: "valid", body: `{"email":"Amy@Example.com"}`, wantCode: http.StatusOK, wantBody: `"message":"subscribed"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv, _ := newTestServer(t, Options{})
			rec := do(srv, http.MethodPost, "/subscribe", tc.body, nil)
			require.Equal(t, tc.wantCode, rec.Code)
			require.Contains(t, rec.Body.String(), tc.wantBody)
		})
	}
}

func TestServer_SubscribeTwiceReportsAlreadySubscribed(t *testing.T) {
	t.Parallel()

	srv, env := newTestServer(t, Options{})
	rec := do(srv, http.MethodPost, "/subscribe", `{"email":"amy@example.com"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(srv, http.MethodPost, "/subscribe", `{"email":" AMY@example.com "}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "already subscribed")

	count, err := env.repo.SubscriberCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, 1, env.confirmer.count())
}

func TestServer_SubscribeStoreFailureIs500(t *testing.T) {
	t.Parallel()

	srv := NewServer(failingSubscriber{}, nil, nil, Options{}, zap.NewNop())
	rec := do(srv, http.MethodPost, "/subscribe", `{"email":"amy@example.com"}`, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "disk full")
}

func TestServer_SubscribeCORS(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{AllowedOrigin: "https://watch.example.org"})
	rec := do(srv, http.MethodOptions, "/subscribe", "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://watch.example.org", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	srv, env := newTestServer(t, Options{})
	ctx := context.Background()
	require.NoError(t, env.repo.PutStatus(ctx, monitor.SystemStatus{
		LastCheck:   time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
		BlogStatus:  monitor.StatusOK,
		LediStatus:  monitor.StatusOK,
		EmailStatus: monitor.StatusOK,
	}))

	rec := do(srv, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "timestamp")
	assert.Contains(t, body, "lastCheck")
	assert.Contains(t, body, "components")
	assert.Contains(t, body, "subscriberCount")
	assert.Contains(t, body, "metrics")
}

func TestServer_HealthBothSourcesDownIs503(t *testing.T) {
	t.Parallel()

	srv, env := newTestServer(t, Options{})
	require.NoError(t, env.repo.PutStatus(context.Background(), monitor.SystemStatus{
		BlogStatus: monitor.StatusError, LediStatus: monitor.StatusError, EmailStatus: monitor.StatusOK,
	}))

	rec := do(srv, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_HealthStatusReadFailureIs5xxWithTimestamp(t *testing.T) {
	t.Parallel()

	kv := &brokenKV{}
	repo, err := store.New(kv, store.Options{})
	require.NoError(t, err)
	reporter, err := health.NewReporter(repo, fixedClock{}, 0, zap.NewNop())
	require.NoError(t, err)
	srv := NewServer(nil, reporter, nil, Options{}, zap.NewNop())

	rec := do(srv, http.MethodGet, "/health", "", nil)
	require.GreaterOrEqual(t, rec.Code, 500)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestServer_AdminRun(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{result: orchestrator.RunResult{Sent: 2}}
	srv := NewServer(nil, nil, runner, Options{APIKey: "secret"}, zap.NewNop())

	rec := do(srv, http.MethodPost, "/admin/run", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Zero(t, runner.calls)

	rec = do(srv, http.MethodPost, "/admin/run", "", map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"sent":2`)
	require.Equal(t, 1, runner.calls)
}

func TestServer_AdminRunConflictAndFailure(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{err: orchestrator.ErrRunInProgress}
	srv := NewServer(nil, nil, runner, Options{}, zap.NewNop())
	rec := do(srv, http.MethodPost, "/admin/run", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	runner.err = &monitor.FatalError{Op: "check for updates", Err: errors.New("kv down")}
	rec = do(srv, http.MethodPost, "/admin/run", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "kv down")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{})
	_ = do(srv, http.MethodGet, "/healthz", "", nil)
	rec := do(srv, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	srv := NewServer(panicSubscriber{}, nil, nil, Options{}, zap.NewNop())
	rec := do(srv, http.MethodPost, "/subscribe", `{"email":"amy@example.com"}`, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Options{})
	rec := do(srv, http.MethodGet, "/healthz", "", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(srv, http.MethodGet, "/healthz", "", map[string]string{"X-Request-ID": "req-42"})
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type testEnv struct {
	repo      *store.Repository
	confirmer *countingConfirmer
}

func newTestServer(t *testing.T, opts Options) (*Server, testEnv) {
	t.Helper()

	repo, err := store.New(memory.NewStore(), store.Options{})
	require.NoError(t, err)
	confirmer := &countingConfirmer{}
	svc, err := subscription.NewService(repo, confirmer, zap.NewNop())
	require.NoError(t, err)
	reporter, err := health.NewReporter(repo, fixedClock{}, 0, zap.NewNop())
	require.NoError(t, err)
	return NewServer(svc, reporter, &fakeRunner{}, opts, zap.NewNop()), testEnv{repo: repo, confirmer: confirmer}
}

func do(srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

type countingConfirmer struct {
	mu sync.Mutex
	n  int
}

func (c *countingConfirmer) SendConfirmation(context.Context, string, monitor.LatestSnapshots) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return true
}

func (c *countingConfirmer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type failingSubscriber struct{}

func (failingSubscriber) Subscribe(context.Context, string) (subscription.Result, error) {
	return subscription.Result{}, errors.New("disk full")
}

type panicSubscriber struct{}

func (panicSubscriber) Subscribe(context.Context, string) (subscription.Result, error) {
	panic("subscriber exploded")
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  int
	result orchestrator.RunResult
	err    error
}

func (r *fakeRunner) Run(context.Context) (orchestrator.RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.result, r.err
}

type fixedClock struct{}

func (fixedClock) Now() time.Time {
	return time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
}

func (fixedClock) Sleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

type brokenKV struct{}

func (*brokenKV) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("kv unavailable")
}

func (*brokenKV) Put(context.Context, string, []byte) error {
	return errors.New("kv unavailable")
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
