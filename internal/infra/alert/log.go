package alert

import (
	"context"

	"certchain/pkg/domain"
)

// Logger receives alerts as error-level entries.
type Logger interface {
	Error(msg string, keysAndValues ...any)
}

// LogAlerter writes alerts to the process log. It never fails.
type LogAlerter struct {
	logger Logger
}

// NewLogAlerter returns an alerter over logger.
func NewLogAlerter(logger Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

// Alert logs alert with every field as a key.
func (a *LogAlerter) Alert(_ context.Context, alert domain.Alert) error {
	if a == nil || a.logger == nil {
		return nil
	}
	kv := []any{
		"kind", string(alert.Kind),
		"request_id", alert.RequestID,
		"action", string(alert.Action),
		"reason", alert.Reason,
		"at", alert.At,
	}
	if alert.LedgerID != nil {
		kv = append(kv, "ledger_id", uint64(*alert.LedgerID))
	}
	if alert.TxHash != "" {
		kv = append(kv, "tx_hash", alert.TxHash)
	}
	a.logger.Error("manual reconciliation required", kv...)
	return nil
}
