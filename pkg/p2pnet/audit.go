package p2pnet

import (
	"log/slog"
	"time"
)

// AuditLogger writes structured audit events for hole punch upgrade
// activity. All methods are nil-safe: calling any method on a nil
// *AuditLogger is a no-op, so callers can skip nil checks at every site.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates an AuditLogger that writes to the given handler.
// All audit events are written under the "audit" group for easy filtering.
func NewAuditLogger(handler slog.Handler) *AuditLogger {
	return &AuditLogger{
		logger: slog.New(handler).WithGroup("audit"),
	}
}

// UpgradeInitiated logs the start of a direct connection upgrade attempt.
func (a *AuditLogger) UpgradeInitiated(peerID string, role string, attempt int) {
	if a == nil {
		return
	}
	a.logger.Info("upgrade_initiated",
		"peer", peerID,
		"role", role,
		"attempt", attempt,
	)
}

// UpgradeSucceeded logs a completed upgrade to a direct connection.
func (a *AuditLogger) UpgradeSucceeded(peerID string, attempt int, elapsed time.Duration) {
	if a == nil {
		return
	}
	a.logger.Info("upgrade_succeeded",
		"peer", peerID,
		"attempt", attempt,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// UpgradeFailed logs an upgrade that exhausted all attempts without success.
func (a *AuditLogger) UpgradeFailed(peerID string, attempts int, reason string) {
	if a == nil {
		return
	}
	a.logger.Warn("upgrade_failed",
		"peer", peerID,
		"attempts", attempts,
		"reason", reason,
	)
}

// DialAttempt logs a single dial made as part of an upgrade attempt.
func (a *AuditLogger) DialAttempt(peerID string, addr string, result string) {
	if a == nil {
		return
	}
	a.logger.Debug("dial_attempt",
		"peer", peerID,
		"addr", addr,
		"result", result,
	)
}
