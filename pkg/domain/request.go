// Package domain defines the certification request model, the transaction
// journal, typed lifecycle errors, and the ports implemented by storage and
// ledger adapters.
package domain

import (
	"strconv"
	"time"
)

// Status is the lifecycle state of a certification request.
type Status string

// Lifecycle states. Pending is the initial state; certified and reverted are terminal.
const (
	// StatusPending marks a request awaiting inspection.
	StatusPending Status = "pending"
	// StatusInProgress marks a request an inspector has started reviewing.
	StatusInProgress Status = "in_progress"
	// StatusApproved marks a request that passed inspection.
	StatusApproved Status = "approved"
	// StatusRejected marks a request that failed inspection.
	StatusRejected Status = "rejected"
	// StatusCertified marks a request whose certificate has been issued.
	StatusCertified Status = "certified"
	// StatusReverted marks a request withdrawn by its creator.
	StatusReverted Status = "reverted"
)

// Statuses lists every lifecycle state in workflow order.
func Statuses() []Status {
	return []Status{StatusPending, StatusInProgress, StatusApproved, StatusRejected, StatusCertified, StatusReverted}
}

// Valid reports whether s names a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusApproved, StatusRejected, StatusCertified, StatusReverted:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return s == StatusCertified || s == StatusReverted
}

// Role identifies the capacity in which an actor operates.
type Role string

// Actor roles.
const (
	// RoleProducer submits and may revert its own requests.
	RoleProducer Role = "producer"
	// RoleInspector reviews pending requests.
	RoleInspector Role = "inspector"
	// RoleCertifier issues certificates for approved requests.
	RoleCertifier Role = "certifier"
)

// Valid reports whether r names a known role.
func (r Role) Valid() bool {
	return r == RoleProducer || r == RoleInspector || r == RoleCertifier
}

// Action names an operation requested against a certification request.
type Action string

// Supported actions.
const (
	ActionCreate         Action = "create"
	ActionMarkInProgress Action = "mark_in_progress"
	ActionApprove        Action = "approve"
	ActionReject         Action = "reject"
	ActionCertify        Action = "certify"
	ActionRevert         Action = "revert"
)

// Actor is an authenticated caller. Identity issuance happens outside this module.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// LedgerID is the integer identifier the ledger contract uses for a request.
type LedgerID uint64

func (id LedgerID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseLedgerID parses the decimal representation produced by LedgerID.String.
func ParseLedgerID(s string) (LedgerID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return LedgerID(v), nil
}

// TxReceipt is the confirmation returned by the ledger for an accepted write.
type TxReceipt struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
}

// MediaKind classifies attached evidence.
type MediaKind string

// Media kinds.
const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// Media is an immutable piece of evidence attached to a request at creation.
// Hash is the content digest anchored on the ledger.
type Media struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	Kind        MediaKind `json:"kind"`
	URL         string    `json:"url"`
	Key         string    `json:"key"`
	Hash        string    `json:"hash"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// CheckpointAnswer records a producer's answer to one inspection checkpoint.
// Only MediaURL may change after creation.
type CheckpointAnswer struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	CheckpointID int       `json:"checkpoint_id"`
	Answer       string    `json:"answer"`
	MediaURL     *string   `json:"media_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CertificationRequest is the locally stored record of a request. LedgerID is
// present exactly when Journal.Creator.Initiated is.
type CertificationRequest struct {
	ID          string             `json:"id"`
	LedgerID    *LedgerID          `json:"ledger_id,omitempty"`
	ProductName string             `json:"product_name"`
	Description string             `json:"description"`
	Status      Status             `json:"status"`
	CreatorID   string             `json:"creator_id"`
	InspectorID *string            `json:"inspector_id,omitempty"`
	CertifierID *string            `json:"certifier_id,omitempty"`
	Journal     Journal            `json:"journal"`
	Media       []Media            `json:"media"`
	Checkpoints []CheckpointAnswer `json:"checkpoints"`
	Version     int64              `json:"version"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Confirmed reports whether the creation transaction has been recorded.
func (r CertificationRequest) Confirmed() bool {
	return r.LedgerID != nil && r.Journal.Creator.Initiated != nil
}

// MediaHashes returns the content hashes of attached media in attachment order.
func (r CertificationRequest) MediaHashes() []string {
	out := make([]string, 0, len(r.Media))
	for _, m := range r.Media {
		out = append(out, m.Hash)
	}
	return out
}

// Clone returns a deep copy safe to hand across goroutines.
func (r CertificationRequest) Clone() CertificationRequest {
	cp := r
	if r.LedgerID != nil {
		id := *r.LedgerID
		cp.LedgerID = &id
	}
	cp.InspectorID = cloneString(r.InspectorID)
	cp.CertifierID = cloneString(r.CertifierID)
	cp.Journal = r.Journal.Clone()
	if r.Media != nil {
		cp.Media = append([]Media(nil), r.Media...)
	}
	if r.Checkpoints != nil {
		cp.Checkpoints = make([]CheckpointAnswer, len(r.Checkpoints))
		for i, c := range r.Checkpoints {
			c.MediaURL = cloneString(c.MediaURL)
			cp.Checkpoints[i] = c
		}
	}
	return cp
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
