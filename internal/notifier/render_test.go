package notifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ledi-watcher/internal/monitor"
)

func TestRenderUpdateSubjects(t *testing.T) {
	t.Parallel()

	r, err := NewRenderer("")
	require.NoError(t, err)

	blog, err := r.Update("a@example.com", blogUpdate)
	require.NoError(t, err)
	assert.Equal(t, "New blog post: LEDI 3.1 is out", blog.Subject)
	assert.Contains(t, blog.HTML, `href="https://news.example.org/posts/ledi-3-1"`)
	assert.Contains(t, blog.Text, "LEDI 3.1 is out")
	assert.NotContains(t, blog.HTML, "LEDI Watch at")
}

func TestRenderEscapesScrapedTitles(t *testing.T) {
	t.Parallel()

	r, err := NewRenderer("")
	require.NoError(t, err)

	hostile := monitor.Notification{Type: monitor.SourceBlog, Data: monitor.Snapshot{
		Title: `<img src=x onerror=alert(1)>`, Link: "https://x.org/p",
	}}
	out, err := r.Update("a@example.com", hostile)
	require.NoError(t, err)
	assert.NotContains(t, out.HTML, "<img src=x")
	assert.Contains(t, out.HTML, "&lt;img")
}

func TestRenderConfirmationWithoutSnapshots(t *testing.T) {
	t.Parallel()

	r, err := NewRenderer("https://watch.example.org")
	require.NoError(t, err)

	out, err := r.Confirmation("a@example.com", monitor.LatestSnapshots{})
	require.NoError(t, err)
	assert.Contains(t, out.HTML, "Thanks for subscribing")
	assert.NotContains(t, out.HTML, "Here is the latest")
}

func TestRenderChangelogOneEntryPerLine(t *testing.T) {
	t.Parallel()

	r, err := NewRenderer("")
	require.NoError(t, err)

	n := monitor.Notification{Type: monitor.SourceLedi, Data: monitor.Snapshot{
		Version: "3.1.0", Changes: "Fixed export\nAdded <b>import</b><script>x()</script>",
	}}
	out, err := r.Update("a@example.com", n)
	require.NoError(t, err)
	assert.Contains(t, out.HTML, "Fixed export<br>\nAdded <b>import</b>")
	assert.NotContains(t, out.HTML, "<script>")
	assert.Contains(t, out.Text, "Fixed export")
	assert.Contains(t, out.Text, "Added")
}
