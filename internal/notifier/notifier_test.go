package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ledi-watcher/internal/mail/memory"
	"github.com/JakeFAU/ledi-watcher/internal/monitor"
)

type countingPacer struct {
	mu    sync.Mutex
	waits []string
}

func (p *countingPacer) Wait(ctx context.Context, recipient string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits = append(p.waits, recipient)
	return ctx.Err()
}

type panicMailer struct{}

func (panicMailer) Send(context.Context, monitor.Message) error {
	panic("transport exploded")
}

var (
	blogUpdate = monitor.Notification{Type: monitor.SourceBlog, Data: monitor.Snapshot{
		Title: "LEDI 3.1 is out", Link: "https://news.example.org/posts/ledi-3-1", ExtractedAt: time.Now(),
	}}
	lediUpdate = monitor.Notification{Type: monitor.SourceLedi, Data: monitor.Snapshot{
		Version: "3.1.0", Changes: `<ul><li>Faster imports</li></ul><script>alert(1)</script>`, ExtractedAt: time.Now(),
	}}
)

func newNotifier(t *testing.T, mailer monitor.Mailer, pacer Pacer) *Notifier {
	t.Helper()
	n, err := New(Config{From: "alerts@watch.example.org", FromName: "LEDI Watch", SiteURL: "https://watch.example.org"},
		mailer, pacer, zap.NewNop())
	require.NoError(t, err)
	return n
}

func TestNewRequiresMailerAndSender(t *testing.T) {
	t.Parallel()

	_, err := New(Config{From: "a@b.co"}, nil, nil, nil)
	require.Error(t, err)
	_, err = New(Config{}, memory.New(nil), nil, nil)
	require.Error(t, err)
}

func TestConsolidatedFanOut(t *testing.T) {
	t.Parallel()

	mailer := memory.New(nil)
	pacer := &countingPacer{}
	n := newNotifier(t, mailer, pacer)

	sent := n.SendUpdateNotifications(context.Background(),
		[]string{"a@example.com", "b@example.com"},
		[]monitor.Notification{blogUpdate, lediUpdate})

	assert.Equal(t, 2, sent)
	require.Len(t, mailer.Sent(), 2)
	for _, msg := range mailer.Sent() {
		assert.Equal(t, "LEDI Watch: 2 updates", msg.Subject)
		assert.Contains(t, msg.HTML, "LEDI 3.1 is out")
		assert.Contains(t, msg.HTML, "3.1.0")
		assert.Equal(t, "alerts@watch.example.org", msg.From)
		assert.NotEmpty(t, msg.Text)
	}
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, pacer.waits)
}

func TestSingleKindSendsOnePerNotification(t *testing.T) {
	t.Parallel()

	mailer := memory.New(nil)
	n := newNotifier(t, mailer, nil)

	sent := n.SendUpdateNotifications(context.Background(),
		[]string{"a@example.com", "b@example.com", "c@example.com"},
		[]monitor.Notification{lediUpdate})

	assert.Equal(t, 3, sent)
	for _, msg := range mailer.Sent() {
		assert.Equal(t, "New LEDI version: 3.1.0", msg.Subject)
	}
}

func TestChangelogIsSanitized(t *testing.T) {
	t.Parallel()

	mailer := memory.New(nil)
	n := newNotifier(t, mailer, nil)

	require.Equal(t, 1, n.SendUpdateNotifications(context.Background(), []string{"a@example.com"},
		[]monitor.Notification{lediUpdate}))
	msg := mailer.Sent()[0]
	assert.Contains(t, msg.HTML, "<li>Faster imports</li>")
	assert.NotContains(t, msg.HTML, "<script>")
	assert.Contains(t, msg.Text, "Faster imports")
}

func TestFailuresAreCountedNotFatal(t *testing.T) {
	t.Parallel()

	mailer := memory.New(nil)
	mailer.FailFor("bounce@example.com", errors.New("550 mailbox unavailable"))
	n := newNotifier(t, mailer, nil)

	sent := n.SendUpdateNotifications(context.Background(),
		[]string{"a@example.com", "bounce@example.com", "c@example.com"},
		[]monitor.Notification{blogUpdate})

	assert.Equal(t, 2, sent)
	assert.Len(t, mailer.Sent(), 2)
}

func TestNothingToSend(t *testing.T) {
	t.Parallel()

	mailer := memory.New(nil)
	n := newNotifier(t, mailer, nil)

	assert.Zero(t, n.SendUpdateNotifications(context.Background(), nil, []monitor.Notification{blogUpdate}))
	assert.Zero(t, n.SendUpdateNotifications(context.Background(), []string{"a@example.com"}, nil))
	assert.Empty(t, mailer.Sent())
}

func TestCallerCancellationDoesNotStopSends(t *testing.T) {
	t.Parallel()

	mailer := memory.New(nil)
	pacer := &countingPacer{}
	n := newNotifier(t, mailer, pacer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sent := n.SendUpdateNotifications(ctx, []string{"a@example.com", "b@example.com"},
		[]monitor.Notification{blogUpdate})
	assert.Equal(t, 2, sent)
}

func TestSendConfirmation(t *testing.T) {
	t.Parallel()

	mailer := memory.New(nil)
	n := newNotifier(t, mailer, nil)

	latest := monitor.LatestSnapshots{Blog: &blogUpdate.Data}
	require.True(t, n.SendConfirmation(context.Background(), "new@example.com", latest))

	msgs := mailer.SentTo("new@example.com")
	require.Len(t, msgs, 1)
	assert.Equal(t, "You're subscribed to LEDI Watch", msgs[0].Subject)
	assert.Contains(t, msgs[0].HTML, "LEDI 3.1 is out")
	assert.Contains(t, msgs[0].HTML, "https://watch.example.org")
}

func TestSendConfirmationNeverEscalates(t *testing.T) {
	t.Parallel()

	failing := memory.New(nil)
	failing.FailFor("new@example.com", errors.New("timeout"))
	assert.False(t, newNotifier(t, failing, nil).SendConfirmation(context.Background(), "new@example.com", monitor.LatestSnapshots{}))

	assert.NotPanics(t, func() {
		ok := newNotifier(t, panicMailer{}, nil).SendConfirmation(context.Background(), "new@example.com", monitor.LatestSnapshots{})
		assert.False(t, ok)
	})
}
