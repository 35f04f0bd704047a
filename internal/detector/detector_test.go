package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ledi-watcher/internal/monitor"
)

func mustDetector(t *testing.T, policy string) *Detector {
	t.Helper()
	d, err := New(policy)
	require.NoError(t, err)
	return d
}

func TestNewPolicies(t *testing.T) {
	t.Parallel()

	assert.Equal(t, PolicyExact, mustDetector(t, "").Policy())
	assert.Equal(t, PolicyCollapseWhitespace, mustDetector(t, " Collapse_Whitespace ").Policy())
	_, err := New("fuzzy")
	require.Error(t, err)
}

func TestIsNewBootstrap(t *testing.T) {
	t.Parallel()

	d := mustDetector(t, "exact")
	current := monitor.Snapshot{Title: "Post", Link: "https://x.org/p", ExtractedAt: time.Now()}

	assert.True(t, d.IsNew(monitor.SourceBlog, current, nil))
	assert.True(t, d.IsNew(monitor.SourceBlog, current, &monitor.Snapshot{Title: "Post"}))
	assert.True(t, d.IsNew(monitor.SourceLedi, monitor.Snapshot{Version: "1.0"}, &monitor.Snapshot{Changes: "x"}))
}

func TestIsNewIdempotent(t *testing.T) {
	t.Parallel()

	d := mustDetector(t, "exact")
	snaps := map[monitor.SourceKind]monitor.Snapshot{
		monitor.SourceBlog: {Title: "Post", Link: "https://x.org/p"},
		monitor.SourceLedi: {Version: "3.1.0", Changes: "notes"},
	}
	for kind, s := range snaps {
		stored := s
		assert.False(t, d.IsNew(kind, s, &stored), kind)
	}
}

func TestIsNewIgnoresNonDefiningFields(t *testing.T) {
	t.Parallel()

	d := mustDetector(t, "exact")
	stored := &monitor.Snapshot{Version: "3.1.0", Changes: "old notes", ExtractedAt: time.Unix(0, 0)}
	current := monitor.Snapshot{Version: "3.1.0", Changes: "new notes", ExtractedAt: time.Now()}
	assert.False(t, d.IsNew(monitor.SourceLedi, current, stored))
}

func TestIsNewLinkDifference(t *testing.T) {
	t.Parallel()

	d := mustDetector(t, "exact")
	stored := &monitor.Snapshot{Title: "Post", Link: "https://x.org/a"}
	current := monitor.Snapshot{Title: "Post", Link: "https://x.org/b"}
	assert.True(t, d.IsNew(monitor.SourceBlog, current, stored))
}

func TestWhitespacePolicy(t *testing.T) {
	t.Parallel()

	stored := &monitor.Snapshot{Title: "LEDI  3.1\nreleased", Link: "https://x.org/a"}
	current := monitor.Snapshot{Title: " LEDI 3.1 released ", Link: "https://x.org/a"}

	assert.True(t, mustDetector(t, "exact").IsNew(monitor.SourceBlog, current, stored))
	assert.False(t, mustDetector(t, "collapse_whitespace").IsNew(monitor.SourceBlog, current, stored))

	current.Title = "LEDI 3.2 released"
	assert.True(t, mustDetector(t, "collapse_whitespace").IsNew(monitor.SourceBlog, current, stored))
}
