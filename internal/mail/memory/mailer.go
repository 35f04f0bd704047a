// Package memory provides an in-process Mailer that records messages.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/ledi-watcher/internal/monitor"
)

// Mailer stores sent messages and logs them. Recipients listed in FailFor
// fail with an error, which lets tests exercise partial delivery.
type Mailer struct {
	mu      sync.Mutex
	sent    []monitor.Message
	failFor map[string]error
	logger  *zap.Logger
}

// New constructs a Mailer. A nil logger discards log output.
func New(logger *zap.Logger) *Mailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailer{failFor: make(map[string]error), logger: logger}
}

// FailFor makes every send to recipient return err.
func (m *Mailer) FailFor(recipient string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFor[recipient] = err
}

// Send implements monitor.Mailer.
func (m *Mailer) Send(ctx context.Context, msg monitor.Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory send: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failFor[msg.To]; ok {
		return err
	}
	m.sent = append(m.sent, msg)
	m.logger.Info("mail recorded", zap.String("to", msg.To), zap.String("subject", msg.Subject))
	return nil
}

// Sent returns a copy of recorded messages in send order.
func (m *Mailer) Sent() []monitor.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]monitor.Message, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns the messages recorded for recipient.
func (m *Mailer) SentTo(recipient string) []monitor.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []monitor.Message
	for _, msg := range m.sent {
		if msg.To == recipient {
			out = append(out, msg)
		}
	}
	return out
}
