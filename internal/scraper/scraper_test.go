package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ledi-watcher/internal/extract"
	collyfetcher "github.com/JakeFAU/ledi-watcher/internal/fetcher/colly"
	"github.com/JakeFAU/ledi-watcher/internal/monitor"
)

const blogHTML = `<html><body><main>
<article class="post"><h2 class="entry-title"><a href="/posts/ledi-3-1/#top">LEDI 3.1 is out</a></h2></article>
</main></body></html>`

const lediHTML = `<table class="versions"><tr><td class="version">3.1.0</td></tr></table>`

const changelogHTML = `<div id="changelog"><ul><li>Faster imports</li></ul></div>`

func blogSource() Source {
	return Source{
		Name: "blog",
		Kind: monitor.SourceBlog,
		URL:  "https://news.example.org/blog/",
		Rules: []extract.Rule{
			{Field: "title", Selector: "article.post h2 a", Required: true, MinLength: 3},
			{Field: "link", Selector: "article.post h2 a", Attr: "href", Required: true, URL: true},
		},
	}
}

func lediSource() Source {
	return Source{
		Name:  "ledi",
		Kind:  monitor.SourceLedi,
		URL:   "https://ledi.example.org/versions",
		Rules: []extract.Rule{{Field: "version", Selector: "table.versions td.version", Required: true}},
	}
}

func changelogSource() Source {
	return Source{
		Name:  "ledi-changelog",
		Kind:  monitor.SourceLedi,
		URL:   "https://ledi.example.org/changelog",
		Rules: []extract.Rule{{Field: "changes", Selector: "#changelog", Required: true}},
	}
}

func newScraper(t *testing.T, src Source, fetcher monitor.Fetcher, clock *fakeClock) *Scraper {
	t.Helper()
	s, err := New(src, Config{UserAgent: "ledi-watcher/test"}, Dependencies{
		Fetcher:   fetcher,
		Extractor: extract.NewStream(),
		Clock:     clock,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	return s
}

func TestScrapeSuccessNormalizesLink(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	fetcher := &scriptFetcher{steps: []step{{body: blogHTML}}}
	snap, err := newScraper(t, blogSource(), fetcher, clock).Scrape(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "LEDI 3.1 is out", snap.Title)
	assert.Equal(t, "https://news.example.org/posts/ledi-3-1/", snap.Link)
	assert.Equal(t, clock.Now(), snap.ExtractedAt)
	assert.Empty(t, clock.Sleeps())

	req := fetcher.requests[0]
	assert.Equal(t, "ledi-watcher/test", req.Headers.Get("User-Agent"))
	assert.Equal(t, DefaultAccept, req.Headers.Get("Accept"))
	assert.Equal(t, DefaultAcceptLanguage, req.Headers.Get("Accept-Language"))
}

func TestScrapeRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	fetcher := &scriptFetcher{steps: []step{
		{err: errConnReset},
		{status: http.StatusBadGateway},
		{body: lediHTML},
	}}
	snap, err := newScraper(t, lediSource(), fetcher, clock).Scrape(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3.1.0", snap.Version)
	assert.Equal(t, 3, fetcher.Calls())

	sleeps := clock.Sleeps()
	require.Len(t, sleeps, 2)
	for i, d := range sleeps {
		assert.LessOrEqual(t, d, 5*time.Second)
		if i > 0 {
			assert.GreaterOrEqual(t, d, sleeps[i-1])
		}
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps)
}

func TestScrapeExhaustion(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	fetcher := &scriptFetcher{steps: []step{{status: http.StatusServiceUnavailable}}}
	_, err := newScraper(t, lediSource(), fetcher, clock).Scrape(context.Background())

	var retryErr *monitor.RetryError
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, 3, retryErr.Attempts)
	assert.Equal(t, "ledi", retryErr.Source)

	var statusErr *monitor.HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, 3, fetcher.Calls())
	assert.Len(t, clock.Sleeps(), 2)
}

func TestScrapeValidationFailureIsAnAttemptFailure(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	fetcher := &scriptFetcher{steps: []step{
		{body: `<article class="post"><h2><a href="/x">Hi</a></h2></article>`},
		{body: `<article class="post"><h2><a href="mailto:x@y.z">Long enough</a></h2></article>`},
		{body: `<p>redesigned</p>`},
	}}
	_, err := newScraper(t, blogSource(), fetcher, clock).Scrape(context.Background())

	var retryErr *monitor.RetryError
	require.ErrorAs(t, err, &retryErr)
	assert.True(t, monitor.IsValidation(err))
	assert.Equal(t, 3, fetcher.Calls())
}

func TestScrapeCancellationStopsRetries(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	clock := newFakeClock()
	fetcher := &cancelingFetcher{cancel: cancel}
	s := newScraper(t, lediSource(), fetcher, clock)

	_, err := s.Scrape(ctx)
	require.ErrorIs(t, err, context.Canceled)
	var retryErr *monitor.RetryError
	assert.NotErrorAs(t, err, &retryErr)
	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.Empty(t, clock.Sleeps())
}

type cancelingFetcher struct {
	cancel context.CancelFunc
	calls  atomic.Int32
}

func (f *cancelingFetcher) Fetch(ctx context.Context, _ monitor.FetchRequest) (monitor.FetchResponse, error) {
	f.calls.Add(1)
	f.cancel()
	return monitor.FetchResponse{}, ctx.Err()
}

func TestHeadlessPromotionOnValidationFailure(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	plain := &scriptFetcher{steps: []step{{body: `<div id="app"></div>`}}}
	browser := &scriptFetcher{steps: []step{{body: lediHTML}}, headless: true}

	src := lediSource()
	src.HeadlessFallback = true
	s, err := New(src, Config{}, Dependencies{
		Fetcher:   plain,
		Headless:  browser,
		Extractor: extract.NewGoquery(),
		Clock:     clock,
	})
	require.NoError(t, err)

	snap, err := s.Scrape(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3.1.0", snap.Version)
	assert.Equal(t, 1, plain.Calls())
	assert.Equal(t, 1, browser.Calls())
	assert.Empty(t, clock.Sleeps())
}

func TestNoPromotionOnHTTPError(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	plain := &scriptFetcher{steps: []step{{status: http.StatusNotFound}}}
	browser := &scriptFetcher{steps: []step{{body: lediHTML}}, headless: true}

	src := lediSource()
	src.HeadlessFallback = true
	s, err := New(src, Config{Retry: RetryPolicy{MaxAttempts: 1}}, Dependencies{
		Fetcher: plain, Headless: browser, Extractor: extract.NewStream(), Clock: clock,
	})
	require.NoError(t, err)

	_, err = s.Scrape(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, browser.Calls())
}

func TestChangelogCompanion(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	primary := newScraper(t, lediSource(), &scriptFetcher{steps: []step{{body: lediHTML}}}, clock)
	companion := newScraper(t, changelogSource(), &scriptFetcher{steps: []step{{body: changelogHTML}}}, clock)

	snap, err := primary.WithChangelog(companion).Scrape(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3.1.0", snap.Version)
	assert.Equal(t, "Faster imports", snap.Changes)
}

func TestChangelogFailureUsesPlaceholder(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	primary := newScraper(t, lediSource(), &scriptFetcher{steps: []step{{body: lediHTML}}}, clock)
	brokenFetcher := &scriptFetcher{steps: []step{{status: http.StatusInternalServerError}}}
	companion := newScraper(t, changelogSource(), brokenFetcher, clock)

	snap, err := primary.WithChangelog(companion).Scrape(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3.1.0", snap.Version)
	assert.Equal(t, monitor.ChangelogUnavailable, snap.Changes)
	assert.Equal(t, 3, brokenFetcher.Calls())
}

func TestScrapeWithCollyAgainstFlakyServer(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(lediHTML))
	}))
	defer srv.Close()

	src := lediSource()
	src.URL = srv.URL + "/versions"
	clock := newFakeClock()
	s := newScraper(t, src, collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second}), clock)

	snap, err := s.Scrape(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3.1.0", snap.Version)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Sleeps())
}

func TestNewValidatesSource(t *testing.T) {
	t.Parallel()

	deps := Dependencies{Fetcher: &scriptFetcher{}, Extractor: extract.NewStream(), Clock: newFakeClock()}

	src := lediSource()
	src.URL = "/relative"
	_, err := New(src, Config{}, deps)
	require.Error(t, err)

	src = lediSource()
	src.Rules = nil
	_, err = New(src, Config{}, deps)
	require.Error(t, err)

	_, err = New(lediSource(), Config{}, Dependencies{Extractor: extract.NewStream(), Clock: newFakeClock()})
	require.Error(t, err)
}
