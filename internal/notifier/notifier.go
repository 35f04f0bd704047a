// Package notifier renders and sends confirmation and update e-mails.
package notifier

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/ledi-watcher/internal/metrics"
	"github.com/JakeFAU/ledi-watcher/internal/monitor"
)

// Pacer separates consecutive sends.
type Pacer interface {
	Wait(ctx context.Context, recipient string) error
}

// Config holds sender identity and the link shown in footers.
type Config struct {
	From     string
	FromName string
	SiteURL  string
}

// Notifier fans notifications out to subscribers through a Mailer.
type Notifier struct {
	cfg      Config
	mailer   monitor.Mailer
	pacer    Pacer
	renderer *Renderer
	logger   *zap.Logger
}

// New builds a Notifier. A nil pacer sends back to back.
func New(cfg Config, mailer monitor.Mailer, pacer Pacer, logger *zap.Logger) (*Notifier, error) {
	if mailer == nil {
		return nil, fmt.Errorf("mailer is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("sender address is required")
	}
	renderer, err := NewRenderer(cfg.SiteURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		cfg:      cfg,
		mailer:   mailer,
		pacer:    pacer,
		renderer: renderer,
		logger:   logger,
	}, nil
}

// SendConfirmation sends exactly one welcome e-mail and reports whether it
// was delivered. Failures, panics included, are logged and never returned.
func (n *Notifier) SendConfirmation(ctx context.Context, email string, latest monitor.LatestSnapshots) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("confirmation send panicked", zap.String("to", email), zap.Any("panic", r))
			metrics.ObserveNotification("confirmation", "failed")
			sent = false
		}
	}()

	ctx = context.WithoutCancel(ctx)
	rendered, err := n.renderer.Confirmation(email, latest)
	if err != nil {
		n.logger.Error("render confirmation failed", zap.String("to", email), zap.Error(err))
		metrics.ObserveNotification("confirmation", "failed")
		return false
	}
	if err := n.deliver(ctx, email, rendered); err != nil {
		n.logger.Warn("confirmation send failed", zap.Error(err))
		metrics.ObserveNotification("confirmation", "failed")
		return false
	}
	metrics.ObserveNotification("confirmation", "sent")
	return true
}

// SendUpdateNotifications mails every subscriber and returns the number of
// e-mails confirmed sent. A subscriber gets one consolidated e-mail when
// notifications of more than one source fired, otherwise one e-mail per
// notification. Per-recipient failures are logged and skipped. Sends run to
// completion even if ctx is canceled.
func (n *Notifier) SendUpdateNotifications(ctx context.Context, subscribers []string, notifications []monitor.Notification) int {
	if len(subscribers) == 0 || len(notifications) == 0 {
		return 0
	}
	ctx = context.WithoutCancel(ctx)
	consolidate := distinctKinds(notifications) > 1

	sent := 0
	for _, recipient := range subscribers {
		if consolidate {
			if n.sendOne(ctx, recipient, "consolidated", func() (Rendered, error) {
				return n.renderer.Consolidated(recipient, notifications)
			}) {
				sent++
			}
			continue
		}
		for _, notification := range notifications {
			if n.sendOne(ctx, recipient, string(notification.Type), func() (Rendered, error) {
				return n.renderer.Update(recipient, notification)
			}) {
				sent++
			}
		}
	}
	n.logger.Info("update notifications sent",
		zap.Int("subscribers", len(subscribers)),
		zap.Int("notifications", len(notifications)),
		zap.Bool("consolidated", consolidate),
		zap.Int("sent", sent),
	)
	return sent
}

func (n *Notifier) sendOne(ctx context.Context, recipient, kind string, render func() (Rendered, error)) bool {
	rendered, err := render()
	if err != nil {
		n.logger.Error("render update failed", zap.String("to", recipient), zap.String("kind", kind), zap.Error(err))
		metrics.ObserveNotification(kind, "failed")
		return false
	}
	if err := n.deliver(ctx, recipient, rendered); err != nil {
		n.logger.Warn("update send failed", zap.String("kind", kind), zap.Error(err))
		metrics.ObserveNotification(kind, "failed")
		return false
	}
	metrics.ObserveNotification(kind, "sent")
	return true
}

func (n *Notifier) deliver(ctx context.Context, recipient string, rendered Rendered) error {
	if n.pacer != nil {
		if err := n.pacer.Wait(ctx, recipient); err != nil {
			return &monitor.NotificationError{Recipient: recipient, Err: err}
		}
	}
	err := n.mailer.Send(ctx, monitor.Message{
		To:       recipient,
		From:     n.cfg.From,
		FromName: n.cfg.FromName,
		Subject:  rendered.Subject,
		HTML:     rendered.HTML,
		Text:     rendered.Text,
	})
	if err != nil {
		return &monitor.NotificationError{Recipient: recipient, Err: err}
	}
	return nil
}

func distinctKinds(ns []monitor.Notification) int {
	seen := make(map[monitor.SourceKind]struct{}, len(ns))
	for _, n := range ns {
		seen[n.Type] = struct{}{}
	}
	return len(seen)
}
