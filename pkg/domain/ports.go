package domain

import (
	"context"
	"time"
)

// LedgerClient submits lifecycle transactions to the append-only ledger. Every
// method blocks until the transaction is confirmed or fails; a returned error
// means nothing was recorded on the ledger from the caller's point of view.
type LedgerClient interface {
	CreateRequest(ctx context.Context, id LedgerID, productName, description string, mediaHashes []string) (TxReceipt, error)
	MarkInProgress(ctx context.Context, id LedgerID) (TxReceipt, error)
	Approve(ctx context.Context, id LedgerID) (TxReceipt, error)
	Reject(ctx context.Context, id LedgerID) (TxReceipt, error)
	Certify(ctx context.Context, id LedgerID) (TxReceipt, error)
	Revert(ctx context.Context, id LedgerID) (TxReceipt, error)
}

// JournalDelta is the complete local mutation applied after a confirmed ledger
// write. ExpectedVersion guards against concurrent updates.
type JournalDelta struct {
	Slot            JournalSlot
	Ref             TxRef
	ExpectedVersion int64
	LedgerID        *LedgerID
	InspectorID     *string
	CertifierID     *string
}

// RequestStore persists certification requests with their media and checkpoint
// answers. AtomicUpdate must apply status, journal entry, and assignment in one
// transaction, failing with ConflictError when the stored status or version no
// longer matches, and NotFoundError when the row is gone.
type RequestStore interface {
	CreatePending(ctx context.Context, req CertificationRequest) (string, error)
	DeleteByID(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (CertificationRequest, error)
	AtomicUpdate(ctx context.Context, id string, expected, next Status, delta JournalDelta) (CertificationRequest, error)
	ListByCreator(ctx context.Context, creatorID string) ([]CertificationRequest, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]CertificationRequest, error)
	AttachCheckpointMedia(ctx context.Context, requestID string, checkpointID int, mediaURL string) (CheckpointAnswer, error)
	Close() error
}

// Release frees a lock acquired from a Locker.
type Release func(ctx context.Context) error

// Locker serializes operations on a single request. TryAcquire never waits:
// it returns ErrLockHeld when the key is taken.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (Release, error)
}

// AlertKind classifies out-of-band operator alerts.
type AlertKind string

// Alert kinds.
const (
	// AlertReconciliation signals a confirmed ledger write missing from the store.
	AlertReconciliation AlertKind = "reconciliation"
	// AlertCompensationFailed signals a pending record that could not be removed.
	AlertCompensationFailed AlertKind = "compensation_failed"
	// AlertDivergence signals a ledger write that lost a local race.
	AlertDivergence AlertKind = "divergence"
)

// Alert describes a condition that needs manual reconciliation.
type Alert struct {
	Kind      AlertKind `json:"kind"`
	RequestID string    `json:"request_id"`
	LedgerID  *LedgerID `json:"ledger_id,omitempty"`
	Action    Action    `json:"action"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// Alerter delivers operator alerts.
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}
