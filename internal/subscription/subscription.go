// Package subscription validates and records new subscribers.
package subscription

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/ledi-watcher/internal/metrics"
	"github.com/JakeFAU/ledi-watcher/internal/monitor"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Store is the subscriber side of the repository.
type Store interface {
	AddSubscriber(ctx context.Context, email string) (bool, error)
	LatestSnapshots(ctx context.Context) (monitor.LatestSnapshots, error)
	SubscriberCount(ctx context.Context) (int, error)
}

// Confirmer sends the welcome e-mail; it must not fail the subscription.
type Confirmer interface {
	SendConfirmation(ctx context.Context, email string, latest monitor.LatestSnapshots) bool
}

// Result reports what Subscribe did.
type Result struct {
	Email             string `json:"email"`
	AlreadySubscribed bool   `json:"alreadySubscribed"`
	ConfirmationSent  bool   `json:"confirmationSent"`
}

// NormalizeEmail lower-cases and trims raw.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ValidateEmail normalizes raw and checks it has exactly one @ with a dotted
// domain and no whitespace.
func ValidateEmail(raw string) (string, error) {
	email := NormalizeEmail(raw)
	if email == "" {
		return "", &monitor.ValidationError{Field: "email", Reason: "is required"}
	}
	if !emailPattern.MatchString(email) {
		return "", &monitor.ValidationError{Field: "email", Reason: "is not a valid address"}
	}
	return email, nil
}

// Service handles subscribe requests.
type Service struct {
	store     Store
	confirmer Confirmer
	logger    *zap.Logger
}

// NewService constructs a Service.
func NewService(store Store, confirmer Confirmer, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if confirmer == nil {
		return nil, fmt.Errorf("confirmer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, confirmer: confirmer, logger: logger}, nil
}

// Subscribe validates raw and adds it to the subscriber set. A new
// subscriber gets a best-effort confirmation carrying the latest snapshots.
// Invalid input yields a *monitor.ValidationError.
func (s *Service) Subscribe(ctx context.Context, raw string) (Result, error) {
	email, err := ValidateEmail(raw)
	if err != nil {
		metrics.ObserveSubscription("invalid")
		return Result{}, err
	}

	added, err := s.store.AddSubscriber(ctx, email)
	if err != nil {
		metrics.ObserveSubscription("error")
		return Result{}, fmt.Errorf("add subscriber: %w", err)
	}
	if !added {
		metrics.ObserveSubscription("duplicate")
		return Result{Email: email, AlreadySubscribed: true}, nil
	}
	metrics.ObserveSubscription("added")
	if count, err := s.store.SubscriberCount(ctx); err == nil {
		metrics.SetSubscribers(count)
	}

	latest, err := s.store.LatestSnapshots(ctx)
	if err != nil {
		s.logger.Warn("load latest snapshots for confirmation", zap.Error(err))
	}
	sent := s.confirmer.SendConfirmation(ctx, email, latest)
	s.logger.Info("subscriber added", zap.Bool("confirmation_sent", sent))
	return Result{Email: email, ConfirmationSent: sent}, nil
}
