// Package memory provides an in-process ledger that mirrors the certification
// contract's status guards and chains every confirmed transaction by hash.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"certchain/pkg/domain"
)

// Compile-time contract assertion ensuring Ledger satisfies the domain port.
var _ domain.LedgerClient = (*Ledger)(nil)

// ErrReverted is returned when the contract guards reject a transaction.
var ErrReverted = errors.New("execution reverted")

// Event is one confirmed ledger transaction.
type Event struct {
	Block       uint64          `json:"block"`
	Action      domain.Action   `json:"action"`
	LedgerID    domain.LedgerID `json:"ledger_id"`
	MediaHashes []string        `json:"media_hashes,omitempty"`
	Status      domain.Status   `json:"status"`
	At          time.Time       `json:"at"`
	PrevHash    string          `json:"prev_hash"`
	Hash        string          `json:"hash"`
}

// Entry is the on-ledger view of one request.
type Entry struct {
	LedgerID    domain.LedgerID
	ProductName string
	Description string
	MediaHashes []string
	Status      domain.Status
}

// Ledger keeps ledger state behind one mutex. Submissions are confirmed
// immediately and receive consecutive block numbers.
type Ledger struct {
	mu       sync.Mutex
	entries  map[domain.LedgerID]*Entry
	events   []Event
	lastHash string
	fail     map[domain.Action]error
	nowFn    func() time.Time
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		entries: make(map[domain.LedgerID]*Entry),
		fail:    make(map[domain.Action]error),
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// FailNext makes the next submission of action fail with err.
func (l *Ledger) FailNext(action domain.Action, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail[action] = err
}

// CreateRequest implements domain.LedgerClient.
func (l *Ledger) CreateRequest(ctx context.Context, id domain.LedgerID, productName, description string, mediaHashes []string) (domain.TxReceipt, error) {
	return l.submit(ctx, domain.ActionCreate, id, func(e *Entry) error {
		if e != nil {
			return fmt.Errorf("%w: request %s already exists", ErrReverted, id)
		}
		l.entries[id] = &Entry{
			LedgerID:    id,
			ProductName: productName,
			Description: description,
			MediaHashes: append([]string(nil), mediaHashes...),
			Status:      domain.StatusPending,
		}
		return nil
	}, mediaHashes)
}

// MarkInProgress implements domain.LedgerClient.
func (l *Ledger) MarkInProgress(ctx context.Context, id domain.LedgerID) (domain.TxReceipt, error) {
	return l.move(ctx, domain.ActionMarkInProgress, id, domain.StatusInProgress, domain.StatusPending)
}

// Approve implements domain.LedgerClient.
func (l *Ledger) Approve(ctx context.Context, id domain.LedgerID) (domain.TxReceipt, error) {
	return l.move(ctx, domain.ActionApprove, id, domain.StatusApproved, domain.StatusPending, domain.StatusInProgress)
}

// Reject implements domain.LedgerClient.
func (l *Ledger) Reject(ctx context.Context, id domain.LedgerID) (domain.TxReceipt, error) {
	return l.move(ctx, domain.ActionReject, id, domain.StatusRejected, domain.StatusPending, domain.StatusInProgress)
}

// Certify implements domain.LedgerClient.
func (l *Ledger) Certify(ctx context.Context, id domain.LedgerID) (domain.TxReceipt, error) {
	return l.move(ctx, domain.ActionCertify, id, domain.StatusCertified, domain.StatusApproved)
}

// Revert implements domain.LedgerClient.
func (l *Ledger) Revert(ctx context.Context, id domain.LedgerID) (domain.TxReceipt, error) {
	return l.move(ctx, domain.ActionRevert, id, domain.StatusReverted,
		domain.StatusPending, domain.StatusInProgress, domain.StatusApproved, domain.StatusRejected)
}

func (l *Ledger) move(ctx context.Context, action domain.Action, id domain.LedgerID, to domain.Status, from ...domain.Status) (domain.TxReceipt, error) {
	return l.submit(ctx, action, id, func(e *Entry) error {
		if e == nil {
			return fmt.Errorf("%w: request %s does not exist", ErrReverted, id)
		}
		for _, f := range from {
			if e.Status == f {
				e.Status = to
				return nil
			}
		}
		return fmt.Errorf("%w: request %s is %s", ErrReverted, id, e.Status)
	}, nil)
}

func (l *Ledger) submit(ctx context.Context, action domain.Action, id domain.LedgerID, apply func(*Entry) error, hashes []string) (domain.TxReceipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.TxReceipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err, ok := l.fail[action]; ok {
		delete(l.fail, action)
		return domain.TxReceipt{}, err
	}
	if err := apply(l.entries[id]); err != nil {
		return domain.TxReceipt{}, err
	}
	ev := Event{
		Block:       uint64(len(l.events) + 1),
		Action:      action,
		LedgerID:    id,
		MediaHashes: append([]string(nil), hashes...),
		Status:      l.entries[id].Status,
		At:          l.nowFn(),
		PrevHash:    l.lastHash,
	}
	ev.Hash = hashEvent(ev)
	l.lastHash = ev.Hash
	l.events = append(l.events, ev)
	return domain.TxReceipt{TxHash: "0x" + ev.Hash, BlockNumber: ev.Block}, nil
}

// Lookup returns the ledger's view of id.
func (l *Ledger) Lookup(id domain.LedgerID) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return Entry{}, false
	}
	out := *e
	out.MediaHashes = append([]string(nil), e.MediaHashes...)
	return out, true
}

// Events returns every confirmed transaction in block order.
func (l *Ledger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// EventsFor returns the confirmed transactions touching id.
func (l *Ledger) EventsFor(id domain.LedgerID) []Event {
	var out []Event
	for _, ev := range l.Events() {
		if ev.LedgerID == id {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Block < out[j].Block })
	return out
}

// Verify recomputes the hash chain and returns the index of the first broken
// event, or -1.
func (l *Ledger) Verify() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := ""
	for i, ev := range l.events {
		if ev.PrevHash != prev || hashEvent(ev) != ev.Hash {
			return i
		}
		prev = ev.Hash
	}
	return -1
}

func hashEvent(ev Event) string {
	ev.Hash = ""
	data, _ := json.Marshal(ev)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
