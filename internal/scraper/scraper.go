// Package scraper fetches one monitored page, extracts its snapshot fields
// and validates them, retrying failed attempts with capped backoff.
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/ledi-watcher/internal/extract"
	"github.com/JakeFAU/ledi-watcher/internal/metrics"
	"github.com/JakeFAU/ledi-watcher/internal/monitor"
	"github.com/JakeFAU/ledi-watcher/internal/telemetry"
)

// Default request settings.
const (
	DefaultTimeout        = 15 * time.Second
	DefaultAccept         = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	DefaultAcceptLanguage = "en-US,en;q=0.9"
)

// Source describes one monitored page.
type Source struct {
	Name  string
	Kind  monitor.SourceKind
	URL   string
	Rules []extract.Rule
	// HeadlessFallback re-renders the page in a browser when the plain
	// fetch extracts nothing valid.
	HeadlessFallback bool
}

// Config controls request headers, timeouts and retries.
type Config struct {
	UserAgent      string
	Accept         string
	AcceptLanguage string
	Timeout        time.Duration
	Retry          RetryPolicy
}

// Dependencies are the collaborators a Scraper needs. Headless is optional.
type Dependencies struct {
	Fetcher   monitor.Fetcher
	Headless  monitor.Fetcher
	Extractor extract.Extractor
	Clock     monitor.Clock
	Logger    *zap.Logger
}

// Scraper produces validated snapshots for a single source.
type Scraper struct {
	source    Source
	base      *url.URL
	cfg       Config
	retry     RetryPolicy
	fetcher   monitor.Fetcher
	headless  monitor.Fetcher
	extractor extract.Extractor
	clock     monitor.Clock
	logger    *zap.Logger
	companion *Scraper
}

// New builds a Scraper after validating the source definition.
func New(source Source, cfg Config, deps Dependencies) (*Scraper, error) {
	if source.Name == "" {
		return nil, fmt.Errorf("source name is required")
	}
	base, err := url.Parse(source.URL)
	if err != nil || !base.IsAbs() || base.Host == "" {
		return nil, fmt.Errorf("source %s: url %q must be absolute", source.Name, source.URL)
	}
	if err := extract.ValidateRules(source.Rules); err != nil {
		return nil, fmt.Errorf("source %s: %w", source.Name, err)
	}
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if deps.Extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Accept == "" {
		cfg.Accept = DefaultAccept
	}
	if cfg.AcceptLanguage == "" {
		cfg.AcceptLanguage = DefaultAcceptLanguage
	}
	return &Scraper{
		source:    source,
		base:      base,
		cfg:       cfg,
		retry:     cfg.Retry.withDefaults(),
		fetcher:   deps.Fetcher,
		headless:  deps.Headless,
		extractor: deps.Extractor,
		clock:     deps.Clock,
		logger:    logger.With(zap.String("source", source.Name)),
	}, nil
}

// WithChangelog attaches a best-effort companion whose "changes" field is
// copied into every snapshot this scraper returns.
func (s *Scraper) WithChangelog(companion *Scraper) *Scraper {
	s.companion = companion
	return s
}

// Name returns the configured source name.
func (s *Scraper) Name() string {
	return s.source.Name
}

// Kind returns the source kind.
func (s *Scraper) Kind() monitor.SourceKind {
	return s.source.Kind
}

// Scrape runs up to MaxAttempts fetch+extract+validate attempts. After the
// last failure it returns a *monitor.RetryError wrapping the final cause.
// Cancellation of ctx stops immediately.
func (s *Scraper) Scrape(ctx context.Context) (monitor.Snapshot, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "scraper.Scrape")
	span.SetAttributes(attribute.String("source", s.source.Name), attribute.String("url", s.source.URL))
	defer span.End()

	start := s.clock.Now()
	defer func() {
		metrics.ObserveScrape(s.source.Name, s.clock.Now().Sub(start))
	}()

	var lastErr error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return monitor.Snapshot{}, fmt.Errorf("scrape %s canceled: %w", s.source.Name, err)
		}
		snap, err := s.attempt(ctx)
		if err == nil {
			metrics.ObserveScrapeAttempt(s.source.Name, s.source.URL, "success")
			span.SetAttributes(attribute.Int("attempts", attempt))
			return s.withChangelog(ctx, snap), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.SetStatus(codes.Error, "canceled")
			return monitor.Snapshot{}, fmt.Errorf("scrape %s canceled: %w", s.source.Name, ctxErr)
		}

		lastErr = err
		metrics.ObserveScrapeAttempt(s.source.Name, s.source.URL, outcome(err))
		s.logger.Warn("scrape attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.retry.MaxAttempts),
			zap.Error(err),
		)
		if attempt == s.retry.MaxAttempts {
			break
		}
		if err := s.clock.Sleep(ctx, s.retry.Backoff(attempt)); err != nil {
			return monitor.Snapshot{}, fmt.Errorf("scrape %s canceled: %w", s.source.Name, err)
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "retries exhausted")
	return monitor.Snapshot{}, &monitor.RetryError{
		Source:   s.source.Name,
		Attempts: s.retry.MaxAttempts,
		Err:      lastErr,
	}
}

func (s *Scraper) attempt(ctx context.Context) (monitor.Snapshot, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req := monitor.FetchRequest{
		Source:  s.source.Name,
		URL:     s.source.URL,
		Headers: s.headers(),
	}
	resp, err := s.fetcher.Fetch(attemptCtx, req)
	if err != nil {
		return monitor.Snapshot{}, fmt.Errorf("fetch %s: %w", s.source.URL, err)
	}
	snap, err := s.parse(resp)
	if err == nil || !monitor.IsValidation(err) {
		return snap, err
	}
	promoted, ok, promoteErr := s.maybePromote(attemptCtx, req)
	if !ok {
		return monitor.Snapshot{}, err
	}
	return promoted, promoteErr
}

// maybePromote re-fetches through the headless browser when the plain page
// did not validate. ok is false when no promotion was attempted.
func (s *Scraper) maybePromote(ctx context.Context, req monitor.FetchRequest) (monitor.Snapshot, bool, error) {
	if !s.source.HeadlessFallback || s.headless == nil {
		return monitor.Snapshot{}, false, nil
	}
	s.logger.Info("headless promotion applied", zap.String("url", req.URL))
	resp, err := s.headless.Fetch(ctx, req)
	if err != nil {
		return monitor.Snapshot{}, true, fmt.Errorf("headless fetch %s: %w", req.URL, err)
	}
	snap, err := s.parse(resp)
	return snap, true, err
}

func (s *Scraper) parse(resp monitor.FetchResponse) (monitor.Snapshot, error) {
	if resp.StatusCode != 0 && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return monitor.Snapshot{}, &monitor.HTTPStatusError{URL: s.source.URL, StatusCode: resp.StatusCode}
	}
	values, err := s.extractor.Extract(bytes.NewReader(resp.Body), s.source.Rules)
	if err != nil {
		return monitor.Snapshot{}, fmt.Errorf("extract %s: %w", s.source.URL, err)
	}
	base := s.base
	if resp.URL != "" {
		if final, err := url.Parse(resp.URL); err == nil && final.IsAbs() {
			base = final
		}
	}
	snap, err := buildSnapshot(s.source.Rules, values, base)
	if err != nil {
		return monitor.Snapshot{}, err
	}
	snap.ExtractedAt = s.clock.Now()
	return snap, nil
}

func (s *Scraper) withChangelog(ctx context.Context, snap monitor.Snapshot) monitor.Snapshot {
	if s.companion == nil {
		return snap
	}
	changelog, err := s.companion.Scrape(ctx)
	if err != nil || changelog.Changes == "" {
		s.logger.Warn("changelog unavailable, using placeholder", zap.Error(err))
		snap.Changes = monitor.ChangelogUnavailable
		return snap
	}
	snap.Changes = changelog.Changes
	return snap
}

func (s *Scraper) headers() http.Header {
	h := http.Header{}
	h.Set("Accept", s.cfg.Accept)
	h.Set("Accept-Language", s.cfg.AcceptLanguage)
	if s.cfg.UserAgent != "" {
		h.Set("User-Agent", s.cfg.UserAgent)
	}
	return h
}

func outcome(err error) string {
	var statusErr *monitor.HTTPStatusError
	switch {
	case errors.As(err, &statusErr):
		return "http_status"
	case monitor.IsValidation(err):
		return "invalid"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
