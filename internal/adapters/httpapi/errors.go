package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"certchain/internal/core"
	"certchain/pkg/domain"
)

// notPermitted is shared by role and status refusals so callers cannot tell
// which check failed.
const notPermitted = "action not permitted"

type errorBody struct {
	RequestID string    `json:"request_id,omitempty"`
	Error     errorInfo `json:"error"`
}

type errorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TxHash  string `json:"tx_hash,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorBody{RequestID: middleware.GetReqID(r.Context()), Error: errorInfo{Code: code, Message: message}})
}

// writeDomainError maps coordinator errors onto responses. Reconciliation is
// checked first because it may wrap other kinds.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger core.Logger, err error) {
	info, status := classify(err)
	kv := []any{"request_id", middleware.GetReqID(r.Context()), "path", r.URL.Path, "status", status, "error", err}
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", kv...)
	case status == http.StatusForbidden:
		logger.Warn("request refused", append(kv, "refusal", refusalKind(err))...)
	default:
		logger.Debug("request rejected", kv...)
	}
	writeJSON(w, status, errorBody{RequestID: middleware.GetReqID(r.Context()), Error: info})
}

func classify(err error) (errorInfo, int) {
	var (
		recon    domain.ReconciliationError
		ledger   domain.LedgerWriteError
		conflict domain.ConflictError
		notFound domain.NotFoundError
		invalid  domain.ValidationError
	)
	switch {
	case errors.As(err, &recon):
		return errorInfo{Code: "RECONCILIATION_REQUIRED", Message: "the ledger recorded the change but it could not be saved; operators were alerted", TxHash: recon.Receipt.TxHash}, http.StatusInternalServerError
	case errors.As(err, &ledger):
		return errorInfo{Code: "LEDGER_WRITE_FAILED", Message: "the ledger did not accept the change"}, http.StatusBadGateway
	case errors.As(err, &conflict):
		info := errorInfo{Code: "CONFLICT", Message: "the request was changed concurrently; reload and retry"}
		if conflict.Receipt != nil {
			info.TxHash = conflict.Receipt.TxHash
		}
		return info, http.StatusConflict
	case errors.As(err, &notFound):
		return errorInfo{Code: "NOT_FOUND", Message: "request not found"}, http.StatusNotFound
	case domain.IsForbidden(err), domain.IsIllegalTransition(err):
		return errorInfo{Code: "FORBIDDEN", Message: notPermitted}, http.StatusForbidden
	case errors.As(err, &invalid):
		return errorInfo{Code: "INVALID_INPUT", Message: invalid.Error()}, http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return errorInfo{Code: "UNAUTHORIZED", Message: "valid bearer token required"}, http.StatusUnauthorized
	default:
		return errorInfo{Code: "INTERNAL", Message: "internal error"}, http.StatusInternalServerError
	}
}

func refusalKind(err error) string {
	if domain.IsIllegalTransition(err) {
		return "illegal_transition"
	}
	return "forbidden"
}
