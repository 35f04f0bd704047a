// Package detector decides whether a freshly scraped snapshot differs from
// the stored one.
package detector

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/ledi-watcher/internal/monitor"
)

// Policy selects how defining fields are compared.
type Policy string

// Comparison policies.
const (
	// PolicyExact compares byte for byte, so formatting-only edits count as changes.
	PolicyExact Policy = "exact"
	// PolicyCollapseWhitespace folds whitespace runs and trims before comparing.
	PolicyCollapseWhitespace Policy = "collapse_whitespace"
)

var definingFields = map[monitor.SourceKind][]string{
	monitor.SourceBlog: {"title", "link"},
	monitor.SourceLedi: {"version"},
}

// DefiningFields returns the fields whose change makes a snapshot new.
func DefiningFields(kind monitor.SourceKind) []string {
	if fields, ok := definingFields[kind]; ok {
		return fields
	}
	return []string{"title", "link", "version"}
}

// Detector compares snapshots under a fixed policy. It holds no state.
type Detector struct {
	policy Policy
}

// New returns a Detector for the named policy; empty means exact.
func New(policy string) (*Detector, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(policy))) {
	case "", PolicyExact:
		return &Detector{policy: PolicyExact}, nil
	case PolicyCollapseWhitespace:
		return &Detector{policy: PolicyCollapseWhitespace}, nil
	default:
		return nil, fmt.Errorf("unknown comparison policy %q", policy)
	}
}

// Policy reports the active comparison policy.
func (d *Detector) Policy() Policy {
	return d.policy
}

// IsNew reports whether current should replace stored. A missing stored
// snapshot, or one lacking any defining field, is always new.
func (d *Detector) IsNew(kind monitor.SourceKind, current monitor.Snapshot, stored *monitor.Snapshot) bool {
	if stored == nil {
		return true
	}
	fields := DefiningFields(kind)
	for _, field := range fields {
		if stored.Field(field) == "" {
			return true
		}
	}
	for _, field := range fields {
		if d.normalize(current.Field(field)) != d.normalize(stored.Field(field)) {
			return true
		}
	}
	return false
}

func (d *Detector) normalize(v string) string {
	if d.policy == PolicyCollapseWhitespace {
		return strings.Join(strings.Fields(v), " ")
	}
	return v
}
