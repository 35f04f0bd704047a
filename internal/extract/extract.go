package extract

import (
	"fmt"
	"io"
	"strings"
)

// Backend names accepted by New.
const (
	BackendStream  = "stream"
	BackendGoquery = "goquery"
)

// Extractor evaluates rules against an HTML document and returns the
// values found, keyed by field. Fields with no matching element are absent.
type Extractor interface {
	Extract(r io.Reader, rules []Rule) (map[string]string, error)
}

// New returns the extractor registered under backend.
func New(backend string) (Extractor, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendStream:
		return NewStream(), nil
	case BackendGoquery:
		return NewGoquery(), nil
	default:
		return nil, fmt.Errorf("unknown extraction backend %q", backend)
	}
}
