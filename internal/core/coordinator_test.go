package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"certchain/internal/core"
	ledgermem "certchain/internal/infra/ledger/memory"
	"certchain/internal/infra/persistence/memory"
	"certchain/pkg/domain"
)

func mustCreate(t *testing.T, h *harness) domain.CertificationRequest {
	t.Helper()
	req, err := h.coord.Create(context.Background(), producer, sampleInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return req
}

func TestCreateConfirmsPendingRecord(t *testing.T) {
	h := newHarness()
	req := mustCreate(t, h)

	if req.Status != domain.StatusPending || !req.Confirmed() {
		t.Fatalf("expected confirmed pending request, got %+v", req)
	}
	if req.Version != 2 {
		t.Fatalf("creation confirmation must bump version to 2, got %d", req.Version)
	}
	ids := core.NewEmbeddedIDMapper(nil)
	derived, err := ids.ToLedgerID(req.ID)
	if err != nil || derived != *req.LedgerID {
		t.Fatalf("store id %s does not map to stored ledger id: %v", req.ID, err)
	}
	if req.Journal.Len() != 1 || req.Journal.Creator.Initiated.Seq != 1 {
		t.Fatalf("unexpected journal %+v", req.Journal)
	}
	if h.ledger.callsFor(domain.ActionCreate) != 1 {
		t.Fatalf("expected one ledger create")
	}
	call := h.ledger.calls[0]
	if call.LedgerID != *req.LedgerID || len(call.Hashes) != 2 || call.Hashes[0] != "hash-a" {
		t.Fatalf("ledger received %+v", call)
	}
	if len(req.Media) != 2 || len(req.Checkpoints) != 2 {
		t.Fatalf("children not stored: %+v", req)
	}
	if got := h.audit.last(); got.Operation != "create_request" || got.Status != core.AuditStatusSuccess || got.RequestID != req.ID {
		t.Fatalf("unexpected audit entry %+v", got)
	}
}

func TestCreateValidatesInputAndRole(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	if _, err := h.coord.Create(ctx, inspector, sampleInput()); !domain.IsForbidden(err) {
		t.Fatalf("inspector create: expected forbidden, got %v", err)
	}
	in := sampleInput()
	in.ProductName = "  "
	if _, err := h.coord.Create(ctx, producer, in); !domain.IsValidation(err) {
		t.Fatalf("blank product: expected validation error, got %v", err)
	}
	in = sampleInput()
	in.Checkpoints = append(in.Checkpoints, core.CheckpointInput{CheckpointID: 1, Answer: "again"})
	if _, err := h.coord.Create(ctx, producer, in); !domain.IsValidation(err) {
		t.Fatalf("duplicate checkpoint: expected validation error, got %v", err)
	}
	in = sampleInput()
	in.Media[0].Hash = ""
	if _, err := h.coord.Create(ctx, producer, in); !domain.IsValidation(err) {
		t.Fatalf("unhashed media: expected validation error, got %v", err)
	}
	if h.ledger.total() != 0 || len(h.store.ExportState().Requests) != 0 {
		t.Fatalf("rejected creates must not touch ledger or store")
	}
}

func TestCreateLedgerFailureLeavesNoTrace(t *testing.T) {
	h := newHarness()
	boom := errors.New("execution reverted")
	h.ledger.failOn(domain.ActionCreate, boom)

	_, err := h.coord.Create(context.Background(), producer, sampleInput())
	if !domain.IsLedgerWrite(err) || !errors.Is(err, boom) {
		t.Fatalf("expected ledger write error wrapping cause, got %v", err)
	}
	if n := len(h.store.ExportState().Requests); n != 0 {
		t.Fatalf("pending record must be removed, found %d", n)
	}
	if len(h.alerts.kinds()) != 0 {
		t.Fatalf("clean compensation must not alert: %v", h.alerts.kinds())
	}
}

func TestCreateCompensationFailureJoinsErrorsAndAlerts(t *testing.T) {
	h := newHarness()
	h.ledger.failOn(domain.ActionCreate, errors.New("rpc timeout"))
	deleteErr := errors.New("connection reset")
	h.store.failDeletes(deleteErr)

	_, err := h.coord.Create(context.Background(), producer, sampleInput())
	if !domain.IsLedgerWrite(err) {
		t.Fatalf("expected ledger write error, got %v", err)
	}
	if !errors.Is(err, deleteErr) {
		t.Fatalf("expected delete failure in joined error, got %v", err)
	}
	kinds := h.alerts.kinds()
	if len(kinds) != 1 || kinds[0] != domain.AlertCompensationFailed {
		t.Fatalf("expected compensation alert, got %v", kinds)
	}
	// The orphan stays unconfirmed and therefore invisible.
	orphan := h.store.ExportState().Requests
	if len(orphan) != 1 {
		t.Fatalf("expected the orphan to remain, got %d", len(orphan))
	}
	if _, err := h.coord.Get(context.Background(), producer, orphan[0].ID); !domain.IsNotFound(err) {
		t.Fatalf("unconfirmed record must read as not found, got %v", err)
	}
	if list, _ := h.coord.ListByCreator(context.Background(), producer); len(list) != 0 {
		t.Fatalf("unconfirmed record must not be listed")
	}
}

func TestCreateReconciliationWhenConfirmationFails(t *testing.T) {
	h := newHarness()
	storeErr := errors.New("disk full")
	h.store.failUpdates(storeErr)

	_, err := h.coord.Create(context.Background(), producer, sampleInput())
	var rec domain.ReconciliationError
	if !errors.As(err, &rec) {
		t.Fatalf("expected reconciliation error, got %v", err)
	}
	if rec.Action != domain.ActionCreate || rec.Receipt.TxHash == "" || !errors.Is(err, storeErr) {
		t.Fatalf("reconciliation error lacks detail: %+v", rec)
	}
	kinds := h.alerts.kinds()
	if len(kinds) != 1 || kinds[0] != domain.AlertReconciliation {
		t.Fatalf("expected reconciliation alert, got %v", kinds)
	}
	if h.logger.count("error") == 0 {
		t.Fatalf("reconciliation must be logged at error level")
	}
	if h.ledger.callsFor(domain.ActionCreate) != 1 {
		t.Fatalf("reconciliation must not retry the ledger")
	}
}

func TestCreateRetriesIdentifierCollision(t *testing.T) {
	ids := &scriptedIDs{EmbeddedIDMapper: core.NewEmbeddedIDMapper(nil), next: []domain.LedgerID{5, 6}}
	h := newHarness(core.WithIDMapper(ids))
	taken, _ := ids.ToStoreID(5)
	if _, err := h.store.CreatePending(context.Background(), domain.CertificationRequest{ID: taken, ProductName: "x", Status: domain.StatusPending, CreatorID: "someone"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := mustCreate(t, h)
	if *req.LedgerID != 6 {
		t.Fatalf("expected second allocation, got %d", *req.LedgerID)
	}
	if h.ledger.callsFor(domain.ActionCreate) != 1 {
		t.Fatalf("collisions must be resolved before the ledger call")
	}
	if h.logger.count("warn") == 0 {
		t.Fatalf("collision should be logged")
	}
}

func TestCreateGivesUpAfterRepeatedCollisions(t *testing.T) {
	ids := &scriptedIDs{EmbeddedIDMapper: core.NewEmbeddedIDMapper(nil), next: []domain.LedgerID{9, 9, 9}}
	h := newHarness(core.WithIDMapper(ids))
	taken, _ := ids.ToStoreID(9)
	if _, err := h.store.CreatePending(context.Background(), domain.CertificationRequest{ID: taken, ProductName: "x", Status: domain.StatusPending, CreatorID: "someone"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := h.coord.Create(context.Background(), producer, sampleInput()); !errors.Is(err, domain.ErrDuplicateID) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
	if h.ledger.total() != 0 {
		t.Fatalf("ledger must not be called")
	}
}

func TestCreateSurvivesCancellationAfterLedgerSuccess(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ledger.hook(domain.ActionCreate, func(context.Context) { cancel() })

	req, err := h.coord.Create(ctx, producer, sampleInput())
	if err != nil {
		t.Fatalf("confirmed ledger write must be recorded despite cancellation: %v", err)
	}
	stored, err := h.store.GetByID(context.Background(), req.ID)
	if err != nil || !stored.Confirmed() {
		t.Fatalf("stored record not confirmed: %+v %v", stored, err)
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req := mustCreate(t, h)

	req, err := h.coord.MarkInProgress(ctx, inspector, req.ID)
	if err != nil {
		t.Fatalf("mark in progress: %v", err)
	}
	if req.Status != domain.StatusInProgress || req.InspectorID == nil || *req.InspectorID != inspector.ID {
		t.Fatalf("unexpected after mark: %+v", req)
	}
	if req, err = h.coord.Approve(ctx, inspector, req.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if req, err = h.coord.Certify(ctx, certifier, req.ID); err != nil {
		t.Fatalf("certify: %v", err)
	}
	if req.Status != domain.StatusCertified || req.CertifierID == nil || *req.CertifierID != certifier.ID {
		t.Fatalf("unexpected after certify: %+v", req)
	}
	if req.Version != 5 {
		t.Fatalf("expected version 5, got %d", req.Version)
	}
	entries := req.Journal.Entries()
	wantSlots := []domain.JournalSlot{domain.SlotCreatorInitiated, domain.SlotInspectorInProgress, domain.SlotInspectorApproved, domain.SlotCertifierCertified}
	if len(entries) != len(wantSlots) {
		t.Fatalf("unexpected journal length %d", len(entries))
	}
	for i, e := range entries {
		if e.Slot != wantSlots[i] || e.Ref.Seq != i+1 || e.Ref.TxHash == "" {
			t.Fatalf("journal entry %d: %+v", i, e)
		}
	}

	before := h.ledger.total()
	if _, err := h.coord.Revert(ctx, producer, req.ID); !domain.IsIllegalTransition(err) {
		t.Fatalf("revert after certify: expected illegal transition, got %v", err)
	}
	if h.ledger.total() != before {
		t.Fatalf("rejected transition must not reach the ledger")
	}
}

func TestRejectThenRevert(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req := mustCreate(t, h)
	if _, err := h.coord.Reject(ctx, inspector, req.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := h.coord.Revert(ctx, other, req.ID); !domain.IsForbidden(err) {
		t.Fatalf("non-creator revert: expected forbidden, got %v", err)
	}
	out, err := h.coord.Revert(ctx, producer, req.ID)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if out.Status != domain.StatusReverted || out.Journal.Creator.Reverted == nil {
		t.Fatalf("unexpected after revert: %+v", out)
	}
	if _, err := h.coord.Revert(ctx, producer, req.ID); !domain.IsConflict(err) {
		t.Fatalf("second revert: expected conflict on recorded slot, got %v", err)
	}
}

func TestForbiddenActorsNeverReachLedger(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req := mustCreate(t, h)
	before := h.ledger.total()

	if _, err := h.coord.Certify(ctx, inspector, req.ID); !domain.IsForbidden(err) {
		t.Fatalf("inspector certify: expected forbidden, got %v", err)
	}
	if _, err := h.coord.Approve(ctx, producer, req.ID); !domain.IsForbidden(err) {
		t.Fatalf("producer approve: expected forbidden, got %v", err)
	}
	if _, err := h.coord.MarkInProgress(ctx, inspector, req.ID); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if _, err := h.coord.Approve(ctx, rival, req.ID); !domain.IsForbidden(err) {
		t.Fatalf("rival inspector: expected forbidden, got %v", err)
	}
	if h.ledger.total() != before+1 {
		t.Fatalf("only the permitted transition may reach the ledger")
	}
	if got := h.audit.last(); got.Status != core.AuditStatusError || got.Action != domain.ActionApprove {
		t.Fatalf("failed op must be audited as error: %+v", got)
	}
}

func TestTransitionUnknownRequest(t *testing.T) {
	h := newHarness()
	if _, err := h.coord.Approve(context.Background(), inspector, "missing"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.coord.Transition(context.Background(), inspector, "missing", domain.ActionCreate); !domain.IsValidation(err) {
		t.Fatalf("create is not a transition, got %v", err)
	}
}

func TestTransitionLedgerFailureLeavesRecordUnchanged(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req := mustCreate(t, h)
	h.ledger.failOn(domain.ActionApprove, errors.New("nonce too low"))

	if _, err := h.coord.Approve(ctx, inspector, req.ID); !domain.IsLedgerWrite(err) {
		t.Fatalf("expected ledger write error, got %v", err)
	}
	after, err := h.coord.Get(ctx, inspector, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != domain.StatusPending || after.Version != req.Version || after.InspectorID != nil {
		t.Fatalf("record changed after ledger failure: %+v", after)
	}
	if h.locker.Held("certchain:request:" + req.ID) {
		t.Fatalf("lock must be released after failure")
	}
}

func TestTransitionReconciliationAlerts(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req := mustCreate(t, h)
	h.store.failUpdates(errors.New("serialization failure"))

	_, err := h.coord.Approve(ctx, inspector, req.ID)
	var rec domain.ReconciliationError
	if !errors.As(err, &rec) || rec.Action != domain.ActionApprove || rec.LedgerID != *req.LedgerID {
		t.Fatalf("expected reconciliation error for approve, got %v", err)
	}
	if kinds := h.alerts.kinds(); len(kinds) != 1 || kinds[0] != domain.AlertReconciliation {
		t.Fatalf("expected one reconciliation alert, got %v", kinds)
	}
}

func TestConcurrentApproveOneWins(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req := mustCreate(t, h)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	h.ledger.hook(domain.ActionApprove, func(context.Context) {
		once.Do(func() {
			close(entered)
			<-proceed
		})
	})

	var (
		wg       sync.WaitGroup
		firstErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = h.coord.Approve(ctx, inspector, req.ID)
	}()
	<-entered
	_, secondErr := h.coord.Approve(ctx, inspector, req.ID)
	close(proceed)
	wg.Wait()

	if firstErr != nil {
		t.Fatalf("first approve: %v", firstErr)
	}
	if !domain.IsConflict(secondErr) {
		t.Fatalf("second approve: expected conflict, got %v", secondErr)
	}
	if h.ledger.callsFor(domain.ActionApprove) != 1 {
		t.Fatalf("loser must not reach the ledger")
	}
}

func TestConcurrentApproveLoserConflictsWithoutLedgerOverlap(t *testing.T) {
	ctx := context.Background()
	for round := 0; round < 50; round++ {
		ledger := ledgermem.New()
		coord := core.NewCoordinator(memory.NewStore(), ledger)
		req, err := coord.Create(ctx, producer, sampleInput())
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		start := make(chan struct{})
		errs := make([]error, 2)
		var wg sync.WaitGroup
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = coord.Approve(ctx, inspector, req.ID)
			}(i)
		}
		close(start)
		wg.Wait()

		wins, conflicts := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case domain.IsConflict(err):
				conflicts++
			default:
				t.Fatalf("round %d: unexpected error %v", round, err)
			}
		}
		if wins != 1 || conflicts != 1 {
			t.Fatalf("round %d: wins=%d conflicts=%d", round, wins, conflicts)
		}
		got, err := coord.Get(ctx, inspector, req.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != domain.StatusApproved || got.Journal.Len() != 2 {
			t.Fatalf("round %d: unexpected record %+v", round, got)
		}
		if n := len(ledger.EventsFor(*req.LedgerID)); n != 2 {
			t.Fatalf("round %d: expected create and one approve on the ledger, got %d events", round, n)
		}
	}
}

func TestCancelledLedgerWriteLeavesRecordUntouched(t *testing.T) {
	h := newHarness()
	req := mustCreate(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ledger.hook(domain.ActionMarkInProgress, func(context.Context) { cancel() })

	_, err := h.coord.MarkInProgress(ctx, inspector, req.ID)
	var lw domain.LedgerWriteError
	if !errors.As(err, &lw) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ledger write error wrapping cancellation, got %v", err)
	}
	if h.ledger.callsFor(domain.ActionMarkInProgress) != 1 {
		t.Fatalf("cancellation must reach the ledger through ctx")
	}

	after, err := h.coord.Get(context.Background(), inspector, req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Version != req.Version || after.Status != req.Status || after.Journal.Len() != req.Journal.Len() || after.InspectorID != nil {
		t.Fatalf("cancelled write mutated the record: before %+v after %+v", req, after)
	}
}

func TestStoreConflictAfterLedgerWriteReportsDivergence(t *testing.T) {
	h := newHarness(core.WithLocker(openLocker{}))
	ctx := context.Background()
	req := mustCreate(t, h)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	h.ledger.hook(domain.ActionApprove, func(context.Context) {
		once.Do(func() {
			close(entered)
			<-proceed
		})
	})

	var (
		wg      sync.WaitGroup
		slowErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, slowErr = h.coord.Approve(ctx, inspector, req.ID)
	}()
	<-entered
	if _, err := h.coord.Reject(ctx, inspector, req.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	close(proceed)
	wg.Wait()

	var conflict domain.ConflictError
	if !errors.As(slowErr, &conflict) || conflict.Receipt == nil {
		t.Fatalf("expected conflict carrying the receipt, got %v", slowErr)
	}
	if kinds := h.alerts.kinds(); len(kinds) != 1 || kinds[0] != domain.AlertDivergence {
		t.Fatalf("expected divergence alert, got %v", kinds)
	}
	final, _ := h.coord.Get(ctx, producer, req.ID)
	if final.Status != domain.StatusRejected {
		t.Fatalf("winning write must stand, got %s", final.Status)
	}
}

func TestAlertDeliveryFailureIsLogged(t *testing.T) {
	h := newHarness()
	h.alerts.err = errors.New("broker down")
	h.store.failUpdates(errors.New("disk full"))
	if _, err := h.coord.Create(context.Background(), producer, sampleInput()); !domain.IsReconciliation(err) {
		t.Fatalf("expected reconciliation, got %v", err)
	}
	if h.logger.count("error") < 2 {
		t.Fatalf("expected reconciliation and delivery failures logged")
	}
}

func TestAttachCheckpointMedia(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req := mustCreate(t, h)

	answer, err := h.coord.AttachCheckpointMedia(ctx, producer, req.ID, 2, "/uploads/evidence.jpg")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if answer.MediaURL == nil || *answer.MediaURL != "/uploads/evidence.jpg" || answer.CheckpointID != 2 {
		t.Fatalf("unexpected answer %+v", answer)
	}
	if _, err := h.coord.AttachCheckpointMedia(ctx, other, req.ID, 2, "/x"); !domain.IsForbidden(err) {
		t.Fatalf("non-creator: expected forbidden, got %v", err)
	}
	if _, err := h.coord.AttachCheckpointMedia(ctx, producer, req.ID, 99, "/x"); !domain.IsNotFound(err) {
		t.Fatalf("unknown checkpoint: expected not found, got %v", err)
	}
	if _, err := h.coord.AttachCheckpointMedia(ctx, producer, req.ID, 1, " "); !domain.IsValidation(err) {
		t.Fatalf("blank url: expected validation error, got %v", err)
	}
	if _, err := h.coord.Revert(ctx, producer, req.ID); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if _, err := h.coord.AttachCheckpointMedia(ctx, producer, req.ID, 1, "/late"); !domain.IsIllegalTransition(err) {
		t.Fatalf("closed request: expected illegal transition, got %v", err)
	}
}

func TestQueues(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	a := mustCreate(t, h)
	b := mustCreate(t, h)
	c := mustCreate(t, h)

	if _, err := h.coord.MarkInProgress(ctx, rival, b.ID); err != nil {
		t.Fatalf("mark b: %v", err)
	}
	if _, err := h.coord.Approve(ctx, inspector, c.ID); err != nil {
		t.Fatalf("approve c: %v", err)
	}

	queue, err := h.coord.InspectionQueue(ctx, inspector)
	if err != nil {
		t.Fatalf("inspection queue: %v", err)
	}
	if len(queue) != 1 || queue[0].ID != a.ID {
		t.Fatalf("inspector should only see unassigned pending work, got %d items", len(queue))
	}
	rivalQueue, _ := h.coord.InspectionQueue(ctx, rival)
	if len(rivalQueue) != 2 {
		t.Fatalf("rival should see pending and own in-progress work, got %d", len(rivalQueue))
	}

	certQueue, err := h.coord.CertificationQueue(ctx, certifier)
	if err != nil || len(certQueue) != 1 || certQueue[0].ID != c.ID {
		t.Fatalf("certification queue: %v %d", err, len(certQueue))
	}

	mine, err := h.coord.ListByCreator(ctx, producer)
	if err != nil || len(mine) != 3 {
		t.Fatalf("creator list: %v %d", err, len(mine))
	}
	if theirs, _ := h.coord.ListByCreator(ctx, other); len(theirs) != 0 {
		t.Fatalf("other producer must see nothing")
	}

	if _, err := h.coord.InspectionQueue(ctx, certifier); !domain.IsForbidden(err) {
		t.Fatalf("certifier inspection queue: expected forbidden, got %v", err)
	}
	if _, err := h.coord.CertificationQueue(ctx, producer); !domain.IsForbidden(err) {
		t.Fatalf("producer certification queue: expected forbidden, got %v", err)
	}
	if _, err := h.coord.ListByCreator(ctx, inspector); !domain.IsForbidden(err) {
		t.Fatalf("inspector creator list: expected forbidden, got %v", err)
	}
	if _, err := h.coord.Get(ctx, domain.Actor{ID: "x", Role: "admin"}, a.ID); !domain.IsForbidden(err) {
		t.Fatalf("unknown role get: expected forbidden, got %v", err)
	}
}

func TestAvailableActionsDelegates(t *testing.T) {
	h := newHarness()
	req := mustCreate(t, h)
	got := h.coord.AvailableActions(req, producer)
	if len(got) != 1 || got[0] != domain.ActionRevert {
		t.Fatalf("unexpected actions %v", got)
	}
}

func TestCoordinatorObservabilityHooks(t *testing.T) {
	tracer := core.NewJSONTracer(nil)
	metrics := core.NewExpvarMetricsRecorder("")
	h := newHarness(core.WithTracer(tracer), core.WithMetricsRecorder(metrics))
	req := mustCreate(t, h)
	if _, err := h.coord.Certify(context.Background(), certifier, req.ID); err == nil {
		t.Fatalf("certify from pending must fail")
	}

	spans := tracer.Entries()
	if len(spans) != 2 || spans[0].Operation != "create_request" || spans[1].Status != string(core.AuditStatusError) {
		t.Fatalf("unexpected spans %+v", spans)
	}
	snap := metrics.Snapshot()
	if snap.Operations["create_request"].Results["success"] != 1 || snap.Operations["certify_request"].Results["error"] != 1 {
		t.Fatalf("unexpected metrics %+v", snap.Operations)
	}
}
