package scraper

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/purell"

	"github.com/JakeFAU/ledi-watcher/internal/extract"
	"github.com/JakeFAU/ledi-watcher/internal/monitor"
)

const normalizeFlags = purell.FlagsSafe |
	purell.FlagRemoveDotSegments |
	purell.FlagRemoveDuplicateSlashes |
	purell.FlagRemoveFragment

// buildSnapshot validates extracted values against the rules and copies them
// into a snapshot. URL fields are resolved against base and normalized.
func buildSnapshot(rules []extract.Rule, values map[string]string, base *url.URL) (monitor.Snapshot, error) {
	var snap monitor.Snapshot
	for _, rule := range rules {
		value := values[rule.Field]
		if value == "" {
			if rule.Required {
				return monitor.Snapshot{}, &monitor.ValidationError{Field: rule.Field, Reason: "required field is missing or empty"}
			}
			continue
		}
		if rule.MinLength > 0 && utf8.RuneCountInString(value) < rule.MinLength {
			return monitor.Snapshot{}, &monitor.ValidationError{
				Field:  rule.Field,
				Reason: fmt.Sprintf("shorter than %d characters", rule.MinLength),
			}
		}
		if rule.URL {
			normalized, err := NormalizeLink(value, base)
			if err != nil {
				return monitor.Snapshot{}, &monitor.ValidationError{Field: rule.Field, Reason: err.Error()}
			}
			value = normalized
		}
		snap.SetField(rule.Field, value)
	}
	return snap, nil
}

// NormalizeLink accepts an absolute http(s) URL or a root-relative path and
// returns the normalized absolute URL.
func NormalizeLink(raw string, base *url.URL) (string, error) {
	raw = strings.TrimSpace(raw)
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("unparseable link %q", raw)
	}
	var abs *url.URL
	switch {
	case ref.IsAbs():
		if ref.Scheme != "http" && ref.Scheme != "https" {
			return "", fmt.Errorf("link %q is not http(s)", raw)
		}
		if ref.Host == "" {
			return "", fmt.Errorf("link %q has no host", raw)
		}
		abs = ref
	case strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//"):
		if base == nil {
			return "", fmt.Errorf("root-relative link %q without a base URL", raw)
		}
		abs = base.ResolveReference(ref)
	default:
		return "", fmt.Errorf("link %q is neither absolute nor root-relative", raw)
	}
	return purell.NormalizeURL(abs, normalizeFlags), nil
}
