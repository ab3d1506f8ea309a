// Package storetest holds the behavioural contract every RequestStore
// implementation must satisfy. Backend packages run it from their tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"certchain/pkg/domain"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) domain.RequestStore

var base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// PendingRequest builds a pending record with one media item and two checkpoint answers.
func PendingRequest(creator string, offset time.Duration) domain.CertificationRequest {
	id := uuid.NewString()
	at := base.Add(offset)
	return domain.CertificationRequest{
		ID:          id,
		ProductName: "Arabica beans",
		Description: "Shade grown, lot 7",
		Status:      domain.StatusPending,
		CreatorID:   creator,
		Version:     1,
		CreatedAt:   at,
		UpdatedAt:   at,
		Media: []domain.Media{{
			Kind:        domain.MediaImage,
			URL:         "/uploads/requests/" + id + ".png",
			Key:         "requests/" + id + ".png",
			Hash:        fmt.Sprintf("%064x", offset),
			ContentType: "image/png",
			Size:        128,
			CreatedAt:   at,
		}},
		Checkpoints: []domain.CheckpointAnswer{
			{CheckpointID: 1, Answer: "yes", CreatedAt: at},
			{CheckpointID: 2, Answer: "organic fertiliser only", CreatedAt: at},
		},
	}
}

// Run executes the contract suite.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(*testing.T, domain.RequestStore)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"DuplicateID", testDuplicateID},
		{"DeleteRemovesChildren", testDeleteRemovesChildren},
		{"ConfirmCreation", testConfirmCreation},
		{"StatusConflict", testStatusConflict},
		{"VersionConflict", testVersionConflict},
		{"SlotConflict", testSlotConflict},
		{"UpdateMissing", testUpdateMissing},
		{"DuplicateLedgerID", testDuplicateLedgerID},
		{"Lists", testLists},
		{"AttachCheckpointMedia", testAttachCheckpointMedia},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			store := newStore(t)
			t.Cleanup(func() { _ = store.Close() })
			tc.fn(t, store)
		})
	}
}

func mustCreate(t *testing.T, store domain.RequestStore, req domain.CertificationRequest) {
	t.Helper()
	if _, err := store.CreatePending(context.Background(), req); err != nil {
		t.Fatalf("create pending: %v", err)
	}
}

func confirm(t *testing.T, store domain.RequestStore, id string, lid domain.LedgerID) domain.CertificationRequest {
	t.Helper()
	out, err := store.AtomicUpdate(context.Background(), id, domain.StatusPending, domain.StatusPending, domain.JournalDelta{
		Slot:            domain.SlotCreatorInitiated,
		Ref:             domain.TxRef{TxHash: "0xcreate", BlockNumber: 1, RecordedAt: base.Add(time.Minute)},
		ExpectedVersion: 1,
		LedgerID:        &lid,
	})
	if err != nil {
		t.Fatalf("confirm creation: %v", err)
	}
	return out
}

func testCreateAndGet(t *testing.T, store domain.RequestStore) {
	ctx := context.Background()
	req := PendingRequest("producer-1", 0)
	id, err := store.CreatePending(ctx, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != req.ID {
		t.Fatalf("expected id %s, got %s", req.ID, id)
	}
	got, err := store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusPending || got.LedgerID != nil || got.Journal.Len() != 0 {
		t.Fatalf("unexpected pending record %+v", got)
	}
	if got.Version != 1 {
		t.Fatalf("expected version 1, got %d", got.Version)
	}
	if len(got.Media) != 1 || got.Media[0].Hash != req.Media[0].Hash || got.Media[0].ID == "" {
		t.Fatalf("media not persisted: %+v", got.Media)
	}
	if len(got.Checkpoints) != 2 || got.Checkpoints[1].Answer != "organic fertiliser only" {
		t.Fatalf("checkpoints not persisted: %+v", got.Checkpoints)
	}
	if _, err := store.GetByID(ctx, uuid.NewString()); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testDuplicateID(t *testing.T, store domain.RequestStore) {
	req := PendingRequest("producer-1", 0)
	mustCreate(t, store, req)
	if _, err := store.CreatePending(context.Background(), req); !errors.Is(err, domain.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func testDeleteRemovesChildren(t *testing.T, store domain.RequestStore) {
	ctx := context.Background()
	req := PendingRequest("producer-1", 0)
	mustCreate(t, store, req)
	if err := store.DeleteByID(ctx, req.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetByID(ctx, req.ID); !domain.IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := store.DeleteByID(ctx, req.ID); !domain.IsNotFound(err) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	// child rows must not block reuse of the id
	mustCreate(t, store, req)
	got, err := store.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("get recreated: %v", err)
	}
	if len(got.Media) != 1 || len(got.Checkpoints) != 2 {
		t.Fatalf("stale or missing child rows after recreate: %d media, %d checkpoints", len(got.Media), len(got.Checkpoints))
	}
}

func testConfirmCreation(t *testing.T, store domain.RequestStore) {
	req := PendingRequest("producer-1", 0)
	mustCreate(t, store, req)
	out := confirm(t, store, req.ID, 99)
	if out.LedgerID == nil || *out.LedgerID != 99 {
		t.Fatalf("ledger id not set: %+v", out.LedgerID)
	}
	if out.Journal.Creator.Initiated == nil || out.Journal.Creator.Initiated.TxHash != "0xcreate" || out.Journal.Creator.Initiated.Seq != 1 {
		t.Fatalf("creation entry not recorded: %+v", out.Journal.Creator.Initiated)
	}
	if out.Version != 2 {
		t.Fatalf("expected version 2, got %d", out.Version)
	}
	got, err := store.GetByID(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Confirmed() {
		t.Fatalf("stored record not confirmed")
	}

	inspector := "inspector-1"
	next, err := store.AtomicUpdate(context.Background(), req.ID, domain.StatusPending, domain.StatusApproved, domain.JournalDelta{
		Slot:            domain.SlotInspectorApproved,
		Ref:             domain.TxRef{TxHash: "0xapprove", BlockNumber: 2, RecordedAt: base.Add(2 * time.Minute)},
		ExpectedVersion: 2,
		InspectorID:     &inspector,
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if next.Status != domain.StatusApproved || next.InspectorID == nil || *next.InspectorID != inspector {
		t.Fatalf("unexpected approved record %+v", next)
	}
	if next.Journal.Inspector.Approved.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", next.Journal.Inspector.Approved.Seq)
	}
}

func testStatusConflict(t *testing.T, store domain.RequestStore) {
	req := PendingRequest("producer-1", 0)
	mustCreate(t, store, req)
	confirm(t, store, req.ID, 5)
	_, err := store.AtomicUpdate(context.Background(), req.ID, domain.StatusApproved, domain.StatusCertified, domain.JournalDelta{
		Slot:            domain.SlotCertifierCertified,
		Ref:             domain.TxRef{TxHash: "0xc"},
		ExpectedVersion: 2,
	})
	if !domain.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, _ := store.GetByID(context.Background(), req.ID)
	if got.Status != domain.StatusPending || got.Journal.Certifier.Certified != nil || got.Version != 2 {
		t.Fatalf("conflicting update leaked: %+v", got)
	}
}

func testVersionConflict(t *testing.T, store domain.RequestStore) {
	req := PendingRequest("producer-1", 0)
	mustCreate(t, store, req)
	confirm(t, store, req.ID, 5)
	_, err := store.AtomicUpdate(context.Background(), req.ID, domain.StatusPending, domain.StatusInProgress, domain.JournalDelta{
		Slot:            domain.SlotInspectorInProgress,
		Ref:             domain.TxRef{TxHash: "0xp"},
		ExpectedVersion: 1,
	})
	if !domain.IsConflict(err) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func testSlotConflict(t *testing.T, store domain.RequestStore) {
	req := PendingRequest("producer-1", 0)
	mustCreate(t, store, req)
	confirm(t, store, req.ID, 5)
	lid := domain.LedgerID(5)
	_, err := store.AtomicUpdate(context.Background(), req.ID, domain.StatusPending, domain.StatusPending, domain.JournalDelta{
		Slot:            domain.SlotCreatorInitiated,
		Ref:             domain.TxRef{TxHash: "0xagain"},
		ExpectedVersion: 2,
		LedgerID:        &lid,
	})
	if !domain.IsConflict(err) {
		t.Fatalf("expected slot conflict, got %v", err)
	}
	got, _ := store.GetByID(context.Background(), req.ID)
	if got.Journal.Creator.Initiated.TxHash != "0xcreate" {
		t.Fatalf("journal entry overwritten: %+v", got.Journal.Creator.Initiated)
	}
}

func testUpdateMissing(t *testing.T, store domain.RequestStore) {
	_, err := store.AtomicUpdate(context.Background(), uuid.NewString(), domain.StatusPending, domain.StatusInProgress, domain.JournalDelta{
		Slot:            domain.SlotInspectorInProgress,
		ExpectedVersion: 1,
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testDuplicateLedgerID(t *testing.T, store domain.RequestStore) {
	ctx := context.Background()
	first := PendingRequest("producer-1", 0)
	second := PendingRequest("producer-1", time.Second)
	mustCreate(t, store, first)
	mustCreate(t, store, second)
	confirm(t, store, first.ID, 11)

	lid := domain.LedgerID(11)
	_, err := store.AtomicUpdate(ctx, second.ID, domain.StatusPending, domain.StatusPending, domain.JournalDelta{
		Slot:            domain.SlotCreatorInitiated,
		Ref:             domain.TxRef{TxHash: "0xdup"},
		ExpectedVersion: 1,
		LedgerID:        &lid,
	})
	if !domain.IsConflict(err) {
		t.Fatalf("expected conflict for reused ledger id, got %v", err)
	}
	got, err := store.GetByID(ctx, second.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LedgerID != nil || got.Version != 1 || got.Journal.Len() != 0 {
		t.Fatalf("rejected update left changes behind: %+v", got)
	}
}

func testLists(t *testing.T, store domain.RequestStore) {
	ctx := context.Background()
	a := PendingRequest("producer-1", 0)
	b := PendingRequest("producer-2", time.Second)
	c := PendingRequest("producer-1", 2*time.Second)
	for i, r := range []domain.CertificationRequest{a, b, c} {
		mustCreate(t, store, r)
		confirm(t, store, r.ID, domain.LedgerID(7+i))
	}
	if _, err := store.AtomicUpdate(ctx, c.ID, domain.StatusPending, domain.StatusInProgress, domain.JournalDelta{
		Slot:            domain.SlotInspectorInProgress,
		Ref:             domain.TxRef{TxHash: "0xp"},
		ExpectedVersion: 2,
	}); err != nil {
		t.Fatalf("mark in progress: %v", err)
	}

	mine, err := store.ListByCreator(ctx, "producer-1")
	if err != nil {
		t.Fatalf("list by creator: %v", err)
	}
	if len(mine) != 2 || mine[0].ID != a.ID || mine[1].ID != c.ID {
		t.Fatalf("unexpected creator listing %v", ids(mine))
	}
	pending, err := store.ListByStatus(ctx, domain.StatusPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %v", ids(pending))
	}
	queue, err := store.ListByStatus(ctx, domain.StatusPending, domain.StatusInProgress)
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if len(queue) != 3 {
		t.Fatalf("expected 3 queued, got %v", ids(queue))
	}
	none, err := store.ListByStatus(ctx, domain.StatusCertified)
	if err != nil {
		t.Fatalf("list certified: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no certified requests, got %v", ids(none))
	}
	if len(queue[0].Media) != 1 || len(queue[0].Checkpoints) != 2 {
		t.Fatalf("listing must include child rows: %+v", queue[0])
	}
}

func testAttachCheckpointMedia(t *testing.T, store domain.RequestStore) {
	ctx := context.Background()
	req := PendingRequest("producer-1", 0)
	mustCreate(t, store, req)
	answer, err := store.AttachCheckpointMedia(ctx, req.ID, 2, "/uploads/checkpoints/x.jpg")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if answer.MediaURL == nil || *answer.MediaURL != "/uploads/checkpoints/x.jpg" || answer.CheckpointID != 2 {
		t.Fatalf("unexpected answer %+v", answer)
	}
	got, _ := store.GetByID(ctx, req.ID)
	for _, cp := range got.Checkpoints {
		if cp.CheckpointID == 2 && (cp.MediaURL == nil || *cp.MediaURL != "/uploads/checkpoints/x.jpg") {
			t.Fatalf("media url not stored: %+v", cp)
		}
		if cp.CheckpointID == 1 && cp.MediaURL != nil {
			t.Fatalf("unrelated checkpoint changed: %+v", cp)
		}
	}
	if _, err := store.AttachCheckpointMedia(ctx, req.ID, 9, "/x"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found for unknown checkpoint, got %v", err)
	}
}

func ids(reqs []domain.CertificationRequest) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.ID)
	}
	return out
}
