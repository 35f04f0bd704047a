package notifier

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/jaytaylor/html2text"
	"github.com/microcosm-cc/bluemonday"

	"github.com/JakeFAU/ledi-watcher/internal/monitor"
)

//go:embed templates/*.html
var templateFS embed.FS

// Rendered is one e-mail ready for a Mailer.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

type updateView struct {
	Kind        monitor.SourceKind
	Title       string
	Link        string
	Version     string
	Changes     template.HTML
	ExtractedAt time.Time
}

type pageView struct {
	Subject   string
	Recipient string
	SiteURL   string
	Updates   []updateView
}

// Renderer turns notifications into HTML and plain-text bodies.
type Renderer struct {
	templates *template.Template
	sanitizer *bluemonday.Policy
	siteURL   string
}

// NewRenderer parses the embedded templates.
func NewRenderer(siteURL string) (*Renderer, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse mail templates: %w", err)
	}
	return &Renderer{
		templates: tmpl,
		sanitizer: bluemonday.UGCPolicy(),
		siteURL:   siteURL,
	}, nil
}

// Confirmation renders the welcome e-mail with the latest known snapshots.
func (r *Renderer) Confirmation(recipient string, latest monitor.LatestSnapshots) (Rendered, error) {
	var updates []updateView
	if latest.Blog != nil {
		updates = append(updates, r.view(monitor.Notification{Type: monitor.SourceBlog, Data: *latest.Blog}))
	}
	if latest.Ledi != nil {
		updates = append(updates, r.view(monitor.Notification{Type: monitor.SourceLedi, Data: *latest.Ledi}))
	}
	return r.render("confirmation.html", pageView{
		Subject:   "You're subscribed to LEDI Watch",
		Recipient: recipient,
		SiteURL:   r.siteURL,
		Updates:   updates,
	})
}

// Update renders a single-notification e-mail.
func (r *Renderer) Update(recipient string, n monitor.Notification) (Rendered, error) {
	return r.render("update.html", pageView{
		Subject:   updateSubject(n),
		Recipient: recipient,
		SiteURL:   r.siteURL,
		Updates:   []updateView{r.view(n)},
	})
}

// Consolidated renders one e-mail covering every notification of a run.
func (r *Renderer) Consolidated(recipient string, ns []monitor.Notification) (Rendered, error) {
	updates := make([]updateView, 0, len(ns))
	for _, n := range ns {
		updates = append(updates, r.view(n))
	}
	return r.render("consolidated.html", pageView{
		Subject:   fmt.Sprintf("LEDI Watch: %d updates", len(ns)),
		Recipient: recipient,
		SiteURL:   r.siteURL,
		Updates:   updates,
	})
}

func (r *Renderer) view(n monitor.Notification) updateView {
	return updateView{
		Kind:        n.Type,
		Title:       n.Data.Title,
		Link:        n.Data.Link,
		Version:     n.Data.Version,
		Changes:     r.changes(n.Data.Changes),
		ExtractedAt: n.Data.ExtractedAt,
	}
}

// changes sanitizes changelog text from a third-party page and keeps one
// entry per line.
func (r *Renderer) changes(raw string) template.HTML {
	clean := strings.TrimSpace(r.sanitizer.Sanitize(raw))
	return template.HTML(strings.ReplaceAll(clean, "\n", "<br>\n")) //nolint:gosec // sanitized by bluemonday
}

func (r *Renderer) render(name string, view pageView) (Rendered, error) {
	var buf bytes.Buffer
	if err := r.templates.ExecuteTemplate(&buf, name, view); err != nil {
		return Rendered{}, fmt.Errorf("render %s: %w", name, err)
	}
	html := buf.String()
	text, err := html2text.FromString(html, html2text.Options{OmitLinks: false})
	if err != nil {
		return Rendered{}, fmt.Errorf("plain-text alternative for %s: %w", name, err)
	}
	return Rendered{Subject: view.Subject, HTML: html, Text: text}, nil
}

func updateSubject(n monitor.Notification) string {
	switch n.Type {
	case monitor.SourceBlog:
		return "New blog post: " + n.Data.Title
	case monitor.SourceLedi:
		return "New LEDI version: " + n.Data.Version
	default:
		return "LEDI Watch update"
	}
}
