package orchestrator

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/JakeFAU/ledi-watcher/internal/monitor"
)

var networkKeywords = []string{"network", "fetch", "timeout", "connection"}

// IsNetworkError reports whether err looks like a network-class failure:
// a net.Error, a deadline, a refused or reset connection, or a message that
// names one of those.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range networkKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// runRecovery performs the single best-effort remediation after a fatal run.
// Network-class failures get one re-run after RecoveryDelay; a re-run with at
// least one healthy source counts as partial success. Anything else leaves a
// status record carrying the original error, marked as having been through
// recovery.
func (o *Orchestrator) runRecovery(ctx context.Context, failed RunResult, cause error) (RunResult, error) {
	logger := o.logger.Named("recovery")
	logger.Warn("starting recovery", zap.Error(cause))

	if !IsNetworkError(cause) {
		logger.Info("failure is not network related", zap.Bool("rerun", false))
		o.persistFailure(ctx, failed, cause)
		return failed, cause
	}

	if err := o.clock.Sleep(ctx, o.cfg.RecoveryDelay); err != nil {
		logger.Warn("recovery wait interrupted", zap.Bool("rerun", false), zap.Error(err))
		o.persistFailure(ctx, failed, cause)
		return failed, cause
	}

	retried, err := o.guardedCheck(ctx)
	if err == nil && retried.OKSources() > 0 {
		retried.Recovered = true
		logger.Info("recovery run succeeded", zap.Int("ok_sources", retried.OKSources()))
		return retried, nil
	}
	if err != nil {
		logger.Error("recovery run failed", zap.Error(err))
		o.recordError(ctx, err, map[string]any{"phase": "recovery"})
	} else {
		logger.Error("recovery run found no healthy source")
		failed = retried
	}
	o.persistFailure(ctx, failed, cause)
	return failed, cause
}

func (o *Orchestrator) persistFailure(ctx context.Context, result RunResult, cause error) {
	status := result.Status
	if status.LastCheck.IsZero() {
		status = monitor.NewUnknownStatus()
		status.LastCheck = o.clock.Now()
	}
	for _, kind := range []monitor.SourceKind{monitor.SourceBlog, monitor.SourceLedi} {
		if status.SourceStatus(kind) == monitor.StatusUnknown {
			status.SetSourceStatus(kind, monitor.StatusError)
		}
	}
	status.LastError = cause.Error()
	status.RecoveryAttempted = true
	if err := o.store.PutStatus(ctx, status); err != nil {
		o.logger.Error("persist failure status", zap.Error(err))
	}
}
