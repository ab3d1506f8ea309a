package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"certchain/pkg/domain"
)

const maxAllocationAttempts = 3

// Operation names reported to audit, metrics, and tracing.
const (
	opCreate             = "create_request"
	opMarkInProgress     = "mark_in_progress"
	opApprove            = "approve_request"
	opReject             = "reject_request"
	opCertify            = "certify_request"
	opRevert             = "revert_request"
	opAttachMedia        = "attach_checkpoint_media"
	opGet                = "get_request"
	opListByCreator      = "list_creator_requests"
	opInspectionQueue    = "list_inspection_queue"
	opCertificationQueue = "list_certification_queue"
)

var actionOperations = map[domain.Action]string{
	domain.ActionCreate:         opCreate,
	domain.ActionMarkInProgress: opMarkInProgress,
	domain.ActionApprove:        opApprove,
	domain.ActionReject:         opReject,
	domain.ActionCertify:        opCertify,
	domain.ActionRevert:         opRevert,
}

// CheckpointInput is a producer's answer submitted with a new request.
type CheckpointInput struct {
	CheckpointID int     `json:"checkpoint_id"`
	Answer       string  `json:"answer"`
	MediaURL     *string `json:"media_url,omitempty"`
}

// CreateInput carries everything needed to open a request. Media must already
// be stored and hashed.
type CreateInput struct {
	ProductName string
	Description string
	Media       []domain.Media
	Checkpoints []CheckpointInput
}

func (in CreateInput) validate() error {
	if strings.TrimSpace(in.ProductName) == "" {
		return domain.ValidationError{Field: "product_name", Message: "required"}
	}
	seen := make(map[int]struct{}, len(in.Checkpoints))
	for _, cp := range in.Checkpoints {
		if cp.CheckpointID <= 0 {
			return domain.ValidationError{Field: "checkpoints", Message: "checkpoint id must be positive"}
		}
		if _, dup := seen[cp.CheckpointID]; dup {
			return domain.ValidationError{Field: "checkpoints", Message: fmt.Sprintf("checkpoint %d answered twice", cp.CheckpointID)}
		}
		seen[cp.CheckpointID] = struct{}{}
	}
	for _, m := range in.Media {
		if m.Hash == "" {
			return domain.ValidationError{Field: "media", Message: "media hash required"}
		}
	}
	return nil
}

// Coordinator drives certification requests through their lifecycle, keeping
// the request store and the ledger consistent. Each successful mutation makes
// exactly one confirmed ledger call followed by exactly one atomic store update.
type Coordinator struct {
	store   domain.RequestStore
	ledger  domain.LedgerClient
	machine StateMachine
	opts    options
}

// NewCoordinator wires a coordinator over the supplied store and ledger.
func NewCoordinator(store domain.RequestStore, ledger domain.LedgerClient, opts ...Option) *Coordinator {
	cfg := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Coordinator{store: store, ledger: ledger, opts: cfg}
}

// Create opens a new request: a pending record is written first, the ledger
// creation follows, and the record is confirmed with the returned receipt.
// When the ledger write fails the pending record is removed.
func (c *Coordinator) Create(ctx context.Context, actor domain.Actor, in CreateInput) (domain.CertificationRequest, error) {
	ctx, done := c.begin(ctx, opCreate, actor, domain.ActionCreate)
	req, err := c.create(ctx, actor, in)
	done(req.ID, err)
	return req, err
}

func (c *Coordinator) create(ctx context.Context, actor domain.Actor, in CreateInput) (domain.CertificationRequest, error) {
	if err := c.machine.AuthorizeCreate(actor); err != nil {
		return domain.CertificationRequest{}, err
	}
	if err := in.validate(); err != nil {
		return domain.CertificationRequest{}, err
	}

	var (
		id       string
		ledgerID domain.LedgerID
		err      error
	)
	for attempt := 1; attempt <= maxAllocationAttempts; attempt++ {
		id, ledgerID, err = c.opts.ids.Allocate()
		if err != nil {
			return domain.CertificationRequest{}, fmt.Errorf("allocate identifier: %w", err)
		}
		_, err = c.store.CreatePending(ctx, c.pendingRecord(id, actor, in))
		if !errors.Is(err, domain.ErrDuplicateID) {
			break
		}
		c.opts.logger.Warn("request id collision", "request_id", id, "attempt", attempt)
	}
	if err != nil {
		return domain.CertificationRequest{}, fmt.Errorf("create pending request: %w", err)
	}

	receipt, err := c.ledger.CreateRequest(ctx, ledgerID, in.ProductName, in.Description, mediaHashes(in.Media))
	if err != nil {
		return domain.CertificationRequest{}, c.compensateCreate(ctx, id, ledgerID, err)
	}

	wctx := context.WithoutCancel(ctx)
	delta := domain.JournalDelta{
		Slot:            domain.SlotCreatorInitiated,
		Ref:             domain.RefFromReceipt(receipt, c.opts.clock.Now()),
		ExpectedVersion: 1,
		LedgerID:        &ledgerID,
	}
	confirmed, err := c.store.AtomicUpdate(wctx, id, domain.StatusPending, domain.StatusPending, delta)
	if err != nil {
		return domain.CertificationRequest{}, c.reconcile(wctx, id, ledgerID, domain.ActionCreate, receipt, err)
	}
	c.opts.logger.Info("certification request created", "request_id", id, "ledger_id", ledgerID.String(), "tx_hash", receipt.TxHash)
	return confirmed, nil
}

func (c *Coordinator) pendingRecord(id string, actor domain.Actor, in CreateInput) domain.CertificationRequest {
	now := c.opts.clock.Now()
	rec := domain.CertificationRequest{
		ID:          id,
		ProductName: strings.TrimSpace(in.ProductName),
		Description: in.Description,
		Status:      domain.StatusPending,
		CreatorID:   actor.ID,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, m := range in.Media {
		m.RequestID = id
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		rec.Media = append(rec.Media, m)
	}
	for _, cp := range in.Checkpoints {
		rec.Checkpoints = append(rec.Checkpoints, domain.CheckpointAnswer{
			RequestID:    id,
			CheckpointID: cp.CheckpointID,
			Answer:       cp.Answer,
			MediaURL:     cp.MediaURL,
			CreatedAt:    now,
		})
	}
	return rec
}

// compensateCreate removes the pending record after a failed ledger creation.
// It runs even when ctx is already cancelled.
func (c *Coordinator) compensateCreate(ctx context.Context, id string, ledgerID domain.LedgerID, cause error) error {
	ledgerErr := domain.LedgerWriteError{RequestID: id, Action: domain.ActionCreate, Err: cause}
	wctx := context.WithoutCancel(ctx)
	if err := c.store.DeleteByID(wctx, id); err != nil && !domain.IsNotFound(err) {
		c.opts.logger.Error("compensating delete failed", "request_id", id, "ledger_error", cause.Error(), "error", err.Error())
		c.alert(wctx, domain.Alert{
			Kind:      domain.AlertCompensationFailed,
			RequestID: id,
			LedgerID:  &ledgerID,
			Action:    domain.ActionCreate,
			Reason:    err.Error(),
		})
		return errors.Join(ledgerErr, fmt.Errorf("compensating delete of %s: %w", id, err))
	}
	c.opts.logger.Warn("ledger create failed; pending request removed", "request_id", id, "error", cause.Error())
	return ledgerErr
}

// reconcile reports a ledger write the store failed to record. It never retries.
func (c *Coordinator) reconcile(ctx context.Context, id string, ledgerID domain.LedgerID, action domain.Action, receipt domain.TxReceipt, cause error) error {
	c.opts.logger.Error("ledger write confirmed but store update failed",
		"request_id", id,
		"ledger_id", ledgerID.String(),
		"action", string(action),
		"tx_hash", receipt.TxHash,
		"block", receipt.BlockNumber,
		"error", cause.Error(),
	)
	c.alert(ctx, domain.Alert{
		Kind:      domain.AlertReconciliation,
		RequestID: id,
		LedgerID:  &ledgerID,
		Action:    action,
		TxHash:    receipt.TxHash,
		Reason:    cause.Error(),
	})
	return domain.ReconciliationError{RequestID: id, LedgerID: ledgerID, Action: action, Receipt: receipt, Err: cause}
}

func (c *Coordinator) alert(ctx context.Context, a domain.Alert) {
	if a.At.IsZero() {
		a.At = c.opts.clock.Now()
	}
	if c.opts.alerter == nil {
		return
	}
	if err := c.opts.alerter.Alert(ctx, a); err != nil {
		c.opts.logger.Error("alert delivery failed", "kind", string(a.Kind), "request_id", a.RequestID, "error", err.Error())
	}
}

// MarkInProgress records that an inspector has started reviewing the request.
func (c *Coordinator) MarkInProgress(ctx context.Context, actor domain.Actor, requestID string) (domain.CertificationRequest, error) {
	return c.Transition(ctx, actor, requestID, domain.ActionMarkInProgress)
}

// Approve records a passed inspection.
func (c *Coordinator) Approve(ctx context.Context, actor domain.Actor, requestID string) (domain.CertificationRequest, error) {
	return c.Transition(ctx, actor, requestID, domain.ActionApprove)
}

// Reject records a failed inspection.
func (c *Coordinator) Reject(ctx context.Context, actor domain.Actor, requestID string) (domain.CertificationRequest, error) {
	return c.Transition(ctx, actor, requestID, domain.ActionReject)
}

// Certify issues the certificate for an approved request.
func (c *Coordinator) Certify(ctx context.Context, actor domain.Actor, requestID string) (domain.CertificationRequest, error) {
	return c.Transition(ctx, actor, requestID, domain.ActionCertify)
}

// Revert withdraws a request on behalf of its creator. Certified requests
// cannot be reverted.
func (c *Coordinator) Revert(ctx context.Context, actor domain.Actor, requestID string) (domain.CertificationRequest, error) {
	return c.Transition(ctx, actor, requestID, domain.ActionRevert)
}

// Transition applies action to the request. The ledger write happens first;
// on success the status, journal entry, and assignment are stored in one
// atomic update. A ledger failure leaves the record untouched.
func (c *Coordinator) Transition(ctx context.Context, actor domain.Actor, requestID string, action domain.Action) (domain.CertificationRequest, error) {
	op, ok := actionOperations[action]
	if !ok || action == domain.ActionCreate {
		return domain.CertificationRequest{}, domain.ValidationError{Field: "action", Message: "unsupported action " + string(action)}
	}
	ctx, done := c.begin(ctx, op, actor, action)
	req, err := c.transition(ctx, actor, requestID, action)
	done(requestID, err)
	return req, err
}

func (c *Coordinator) transition(ctx context.Context, actor domain.Actor, requestID string, action domain.Action) (domain.CertificationRequest, error) {
	release, err := c.opts.locker.TryAcquire(ctx, lockKey(requestID))
	if errors.Is(err, domain.ErrLockHeld) {
		return domain.CertificationRequest{}, domain.ConflictError{RequestID: requestID, Reason: "another transition is in flight"}
	}
	if err != nil {
		return domain.CertificationRequest{}, fmt.Errorf("acquire lock for %s: %w", requestID, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			c.opts.logger.Warn("release request lock", "request_id", requestID, "error", err.Error())
		}
	}()

	current, err := c.load(ctx, requestID)
	if err != nil {
		return domain.CertificationRequest{}, err
	}
	step, err := c.machine.Validate(current, actor, action)
	if err != nil {
		return domain.CertificationRequest{}, err
	}
	ledgerID, err := c.opts.ids.ToLedgerID(current.ID)
	if err != nil {
		return domain.CertificationRequest{}, fmt.Errorf("map request %s: %w", current.ID, err)
	}
	if ledgerID != *current.LedgerID {
		return domain.CertificationRequest{}, fmt.Errorf("map request %s: stored ledger id %s disagrees with derived %s", current.ID, *current.LedgerID, ledgerID)
	}

	receipt, err := c.submit(ctx, action, ledgerID)
	if err != nil {
		c.opts.logger.Warn("ledger write failed", "request_id", requestID, "action", string(action), "error", err.Error())
		return domain.CertificationRequest{}, domain.LedgerWriteError{RequestID: requestID, Action: action, Err: err}
	}

	wctx := context.WithoutCancel(ctx)
	delta := domain.JournalDelta{
		Slot:            step.Slot,
		Ref:             domain.RefFromReceipt(receipt, c.opts.clock.Now()),
		ExpectedVersion: current.Version,
	}
	if step.AssignInspector {
		delta.InspectorID = &actor.ID
	}
	if step.AssignCertifier {
		delta.CertifierID = &actor.ID
	}
	updated, err := c.store.AtomicUpdate(wctx, requestID, step.From, step.To, delta)
	if err != nil {
		if domain.IsConflict(err) {
			c.opts.logger.Error("ledger write lost local race", "request_id", requestID, "action", string(action), "tx_hash", receipt.TxHash, "error", err.Error())
			c.alert(wctx, domain.Alert{
				Kind:      domain.AlertDivergence,
				RequestID: requestID,
				LedgerID:  &ledgerID,
				Action:    action,
				TxHash:    receipt.TxHash,
				Reason:    err.Error(),
			})
			return domain.CertificationRequest{}, domain.ConflictError{RequestID: requestID, Reason: "request changed during ledger write", Receipt: &receipt}
		}
		return domain.CertificationRequest{}, c.reconcile(wctx, requestID, ledgerID, action, receipt, err)
	}
	c.opts.logger.Info("certification request transitioned",
		"request_id", requestID,
		"action", string(action),
		"from", string(step.From),
		"to", string(step.To),
		"tx_hash", receipt.TxHash,
	)
	return updated, nil
}

func (c *Coordinator) submit(ctx context.Context, action domain.Action, id domain.LedgerID) (domain.TxReceipt, error) {
	switch action {
	case domain.ActionMarkInProgress:
		return c.ledger.MarkInProgress(ctx, id)
	case domain.ActionApprove:
		return c.ledger.Approve(ctx, id)
	case domain.ActionReject:
		return c.ledger.Reject(ctx, id)
	case domain.ActionCertify:
		return c.ledger.Certify(ctx, id)
	case domain.ActionRevert:
		return c.ledger.Revert(ctx, id)
	default:
		return domain.TxReceipt{}, fmt.Errorf("no ledger operation for %s", action)
	}
}

// load returns a confirmed request. Records still awaiting their creation
// transaction are reported as not found.
func (c *Coordinator) load(ctx context.Context, id string) (domain.CertificationRequest, error) {
	req, err := c.store.GetByID(ctx, id)
	if err != nil {
		return domain.CertificationRequest{}, err
	}
	if !req.Confirmed() {
		return domain.CertificationRequest{}, domain.NotFoundError{RequestID: id}
	}
	return req, nil
}

// AttachCheckpointMedia sets the evidence URL of a checkpoint answer. Only the
// creator may do so and only while the request is still open.
func (c *Coordinator) AttachCheckpointMedia(ctx context.Context, actor domain.Actor, requestID string, checkpointID int, mediaURL string) (domain.CheckpointAnswer, error) {
	ctx, done := c.begin(ctx, opAttachMedia, actor, "")
	answer, err := c.attachCheckpointMedia(ctx, actor, requestID, checkpointID, mediaURL)
	done(requestID, err)
	return answer, err
}

func (c *Coordinator) attachCheckpointMedia(ctx context.Context, actor domain.Actor, requestID string, checkpointID int, mediaURL string) (domain.CheckpointAnswer, error) {
	if strings.TrimSpace(mediaURL) == "" {
		return domain.CheckpointAnswer{}, domain.ValidationError{Field: "media_url", Message: "required"}
	}
	req, err := c.load(ctx, requestID)
	if err != nil {
		return domain.CheckpointAnswer{}, err
	}
	if actor.Role != domain.RoleProducer || actor.ID != req.CreatorID {
		return domain.CheckpointAnswer{}, domain.ForbiddenError{RequestID: requestID, Role: actor.Role, Action: "attach_media", Reason: "only the creator may attach evidence"}
	}
	if req.Status.Terminal() {
		return domain.CheckpointAnswer{}, domain.IllegalTransitionError{RequestID: requestID, Current: req.Status, Action: "attach_media"}
	}
	return c.store.AttachCheckpointMedia(ctx, requestID, checkpointID, mediaURL)
}

// Get returns a confirmed request by id.
func (c *Coordinator) Get(ctx context.Context, actor domain.Actor, requestID string) (domain.CertificationRequest, error) {
	ctx, done := c.begin(ctx, opGet, actor, "")
	req, err := c.get(ctx, actor, requestID)
	done(requestID, err)
	return req, err
}

func (c *Coordinator) get(ctx context.Context, actor domain.Actor, requestID string) (domain.CertificationRequest, error) {
	if !actor.Role.Valid() {
		return domain.CertificationRequest{}, domain.ForbiddenError{RequestID: requestID, Role: actor.Role, Action: "view"}
	}
	return c.load(ctx, requestID)
}

// AvailableActions reports what actor may do next with req.
func (c *Coordinator) AvailableActions(req domain.CertificationRequest, actor domain.Actor) []domain.Action {
	return c.machine.AvailableActions(req, actor)
}

// ListByCreator returns the producer's own confirmed requests.
func (c *Coordinator) ListByCreator(ctx context.Context, actor domain.Actor) ([]domain.CertificationRequest, error) {
	ctx, done := c.begin(ctx, opListByCreator, actor, "")
	out, err := c.listByCreator(ctx, actor)
	done("", err)
	return out, err
}

func (c *Coordinator) listByCreator(ctx context.Context, actor domain.Actor) ([]domain.CertificationRequest, error) {
	if actor.Role != domain.RoleProducer {
		return nil, domain.ForbiddenError{Role: actor.Role, Action: "list"}
	}
	reqs, err := c.store.ListByCreator(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	return confirmedOnly(reqs, nil), nil
}

// InspectionQueue returns pending requests and in-progress requests the
// inspector is working on.
func (c *Coordinator) InspectionQueue(ctx context.Context, actor domain.Actor) ([]domain.CertificationRequest, error) {
	ctx, done := c.begin(ctx, opInspectionQueue, actor, "")
	out, err := c.inspectionQueue(ctx, actor)
	done("", err)
	return out, err
}

func (c *Coordinator) inspectionQueue(ctx context.Context, actor domain.Actor) ([]domain.CertificationRequest, error) {
	if actor.Role != domain.RoleInspector {
		return nil, domain.ForbiddenError{Role: actor.Role, Action: "list"}
	}
	reqs, err := c.store.ListByStatus(ctx, domain.StatusPending, domain.StatusInProgress)
	if err != nil {
		return nil, err
	}
	return confirmedOnly(reqs, func(r domain.CertificationRequest) bool {
		return r.InspectorID == nil || *r.InspectorID == actor.ID
	}), nil
}

// CertificationQueue returns approved requests awaiting a certificate.
func (c *Coordinator) CertificationQueue(ctx context.Context, actor domain.Actor) ([]domain.CertificationRequest, error) {
	ctx, done := c.begin(ctx, opCertificationQueue, actor, "")
	out, err := c.certificationQueue(ctx, actor)
	done("", err)
	return out, err
}

func (c *Coordinator) certificationQueue(ctx context.Context, actor domain.Actor) ([]domain.CertificationRequest, error) {
	if actor.Role != domain.RoleCertifier {
		return nil, domain.ForbiddenError{Role: actor.Role, Action: "list"}
	}
	reqs, err := c.store.ListByStatus(ctx, domain.StatusApproved)
	if err != nil {
		return nil, err
	}
	return confirmedOnly(reqs, nil), nil
}

// begin starts tracing and timing for op and returns the completion hook that
// records audit, metrics, and span outcome.
func (c *Coordinator) begin(ctx context.Context, op string, actor domain.Actor, action domain.Action) (context.Context, func(requestID string, err error)) {
	started := c.opts.clock.Now()
	ctx, span := c.opts.tracer.Start(ctx, op)
	return ctx, func(requestID string, err error) {
		duration := c.opts.clock.Now().Sub(started)
		span.End(err)
		c.opts.metrics.Observe(ctx, op, err == nil, duration)
		entry := AuditEntry{
			Operation: op,
			Action:    action,
			RequestID: requestID,
			ActorID:   actor.ID,
			Role:      actor.Role,
			Status:    AuditStatusSuccess,
			Duration:  duration,
			Timestamp: started,
		}
		if err != nil {
			entry.Status = AuditStatusError
			entry.Error = err.Error()
		}
		c.opts.audit.Record(ctx, entry)
		if err != nil {
			c.opts.logger.Debug("coordinator operation failed", "operation", op, "request_id", requestID, "duration", duration.String(), "error", err.Error())
		}
	}
}

func confirmedOnly(reqs []domain.CertificationRequest, keep func(domain.CertificationRequest) bool) []domain.CertificationRequest {
	out := make([]domain.CertificationRequest, 0, len(reqs))
	for _, r := range reqs {
		if !r.Confirmed() {
			continue
		}
		if keep != nil && !keep(r) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func mediaHashes(media []domain.Media) []string {
	out := make([]string, 0, len(media))
	for _, m := range media {
		out = append(out, m.Hash)
	}
	return out
}

func lockKey(requestID string) string {
	return "certchain:request:" + requestID
}
