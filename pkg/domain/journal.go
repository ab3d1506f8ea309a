package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// JournalSlot addresses one role/action entry of the journal.
type JournalSlot string

// Journal slots. Each is written at most once over the life of a request.
const (
	SlotCreatorInitiated    JournalSlot = "creator.initiated"
	SlotCreatorReverted     JournalSlot = "creator.reverted"
	SlotInspectorInProgress JournalSlot = "inspector.in_progress"
	SlotInspectorApproved   JournalSlot = "inspector.approved"
	SlotInspectorRejected   JournalSlot = "inspector.rejected"
	SlotCertifierCertified  JournalSlot = "certifier.certified"
)

// ErrUnknownSlot is returned when a slot name is not part of the journal shape.
var ErrUnknownSlot = errors.New("unknown journal slot")

// TxRef records a confirmed ledger transaction. Seq is the 1-based order in
// which confirmations were recorded for the owning request.
type TxRef struct {
	TxHash      string    `json:"tx_hash"`
	BlockNumber uint64    `json:"block_number"`
	Seq         int       `json:"seq"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// RefFromReceipt builds an unsequenced reference from a ledger receipt.
func RefFromReceipt(r TxReceipt, at time.Time) TxRef {
	return TxRef{TxHash: r.TxHash, BlockNumber: r.BlockNumber, RecordedAt: at}
}

// CreatorEntries holds transactions submitted by the request creator.
type CreatorEntries struct {
	Initiated *TxRef `json:"initiated"`
	Reverted  *TxRef `json:"reverted"`
}

// InspectorEntries holds transactions submitted by the inspector.
type InspectorEntries struct {
	InProgress *TxRef `json:"in_progress"`
	Approved   *TxRef `json:"approved"`
	Rejected   *TxRef `json:"rejected"`
}

// CertifierEntries holds transactions submitted by the certifying authority.
type CertifierEntries struct {
	Certified *TxRef `json:"certified"`
}

// Journal is the append-only record of every confirmed ledger transaction for
// a request, keyed by role and action.
type Journal struct {
	Creator   CreatorEntries   `json:"creator"`
	Inspector InspectorEntries `json:"inspector"`
	Certifier CertifierEntries `json:"certifier"`
}

// JournalEntry pairs a populated slot with its transaction.
type JournalEntry struct {
	Slot JournalSlot `json:"slot"`
	Ref  TxRef       `json:"ref"`
}

// JournalSlots lists every slot in declaration order.
func JournalSlots() []JournalSlot {
	return []JournalSlot{
		SlotCreatorInitiated,
		SlotCreatorReverted,
		SlotInspectorInProgress,
		SlotInspectorApproved,
		SlotInspectorRejected,
		SlotCertifierCertified,
	}
}

func (j *Journal) field(slot JournalSlot) (**TxRef, error) {
	switch slot {
	case SlotCreatorInitiated:
		return &j.Creator.Initiated, nil
	case SlotCreatorReverted:
		return &j.Creator.Reverted, nil
	case SlotInspectorInProgress:
		return &j.Inspector.InProgress, nil
	case SlotInspectorApproved:
		return &j.Inspector.Approved, nil
	case SlotInspectorRejected:
		return &j.Inspector.Rejected, nil
	case SlotCertifierCertified:
		return &j.Certifier.Certified, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSlot, slot)
	}
}

// Get returns the entry stored in slot, or nil when it is empty.
func (j Journal) Get(slot JournalSlot) (*TxRef, error) {
	f, err := j.field(slot)
	if err != nil {
		return nil, err
	}
	if *f == nil {
		return nil, nil
	}
	ref := **f
	return &ref, nil
}

// Append returns a copy of the journal with ref stored in slot. A zero Seq is
// replaced by the next sequence number. Writing a populated slot fails with
// ConflictError and leaves the journal untouched.
func (j Journal) Append(slot JournalSlot, ref TxRef) (Journal, error) {
	next := j.Clone()
	f, err := next.field(slot)
	if err != nil {
		return j, err
	}
	if *f != nil {
		return j, ConflictError{Reason: fmt.Sprintf("journal slot %s already recorded", slot)}
	}
	if ref.Seq == 0 {
		ref.Seq = j.maxSeq() + 1
	}
	*f = &ref
	return next, nil
}

// Len returns the number of populated slots.
func (j Journal) Len() int {
	n := 0
	for _, slot := range JournalSlots() {
		if ref, _ := j.Get(slot); ref != nil {
			n++
		}
	}
	return n
}

// Entries returns populated slots ordered by confirmation sequence.
func (j Journal) Entries() []JournalEntry {
	var out []JournalEntry
	for _, slot := range JournalSlots() {
		if ref, _ := j.Get(slot); ref != nil {
			out = append(out, JournalEntry{Slot: slot, Ref: *ref})
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Ref.Seq < out[b].Ref.Seq })
	return out
}

// Clone returns a journal that shares no pointers with j.
func (j Journal) Clone() Journal {
	var out Journal
	for _, slot := range JournalSlots() {
		src, _ := j.field(slot)
		if *src == nil {
			continue
		}
		dst, _ := out.field(slot)
		ref := **src
		*dst = &ref
	}
	return out
}

func (j Journal) maxSeq() int {
	max := 0
	for _, slot := range JournalSlots() {
		if ref, _ := j.Get(slot); ref != nil && ref.Seq > max {
			max = ref.Seq
		}
	}
	return max
}
