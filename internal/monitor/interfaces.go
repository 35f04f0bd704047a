package monitor

import (
	"context"
	"net/http"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// KV persists whole JSON blobs under fixed logical keys.
// Get returns ErrNotFound when the key has never been written.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Mailer delivers a single rendered e-mail.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Publisher pushes change events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, attrs map[string]string) (string, error)
}

// Hasher computes digests used as snapshot fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time and blocks for backoff/pacing delays.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces error-log IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	Source  string
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Message is one outgoing e-mail.
type Message struct {
	To       string
	From     string
	FromName string
	Subject  string
	HTML     string
	Text     string
}
