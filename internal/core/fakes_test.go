package core_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"certchain/internal/core"
	"certchain/internal/infra/persistence/memory"
	"certchain/pkg/domain"
)

// fakeLedger confirms every call with a sequential block number unless a
// failure or hook is installed for the action.
type fakeLedger struct {
	mu     sync.Mutex
	block  uint64
	calls  []ledgerCall
	fail   map[domain.Action]error
	before map[domain.Action]func(ctx context.Context)
}

type ledgerCall struct {
	Action   domain.Action
	LedgerID domain.LedgerID
	Hashes   []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{fail: map[domain.Action]error{}, before: map[domain.Action]func(context.Context){}}
}

func (l *fakeLedger) failOn(action domain.Action, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail[action] = err
}

func (l *fakeLedger) hook(action domain.Action, fn func(context.Context)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.before[action] = fn
}

func (l *fakeLedger) callsFor(action domain.Action) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c.Action == action {
			n++
		}
	}
	return n
}

func (l *fakeLedger) total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func (l *fakeLedger) do(ctx context.Context, action domain.Action, id domain.LedgerID, hashes []string) (domain.TxReceipt, error) {
	l.mu.Lock()
	hook := l.before[action]
	l.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, ledgerCall{Action: action, LedgerID: id, Hashes: hashes})
	if err := ctx.Err(); err != nil {
		return domain.TxReceipt{}, err
	}
	if err := l.fail[action]; err != nil {
		return domain.TxReceipt{}, err
	}
	l.block++
	return domain.TxReceipt{TxHash: fmt.Sprintf("0x%s-%d", action, l.block), BlockNumber: l.block}, nil
}

func (l *fakeLedger) CreateRequest(ctx context.Context, id domain.LedgerID, _ string, _ string, hashes []string) (domain.TxReceipt, error) {
	return l.do(ctx, domain.ActionCreate, id, hashes)
}

func (l *fakeLedger) MarkInProgress(ctx context.Context, id domain.LedgerID) (domain.TxReceipt, error) {
	return l.do(ctx, domain.ActionMarkInProgress, id, nil)
}

func (l *fakeLedger) Approve(ctx context.Context, id domain.LedgerID) (domain.TxReceipt, error) {
	return l.do(ctx, domain.ActionApprove, id, nil)
}

func (l *fakeLedger) Reject(ctx context.Context, id domain.LedgerID) (domain.TxReceipt, error) {
	return l.do(ctx, domain.ActionReject, id, nil)
}

func (l *fakeLedger) Certify(ctx context.Context, id domain.LedgerID) (domain.TxReceipt, error) {
	return l.do(ctx, domain.ActionCertify, id, nil)
}

func (l *fakeLedger) Revert(ctx context.Context, id domain.LedgerID) (domain.TxReceipt, error) {
	return l.do(ctx, domain.ActionRevert, id, nil)
}

// faultyStore wraps the memory store and injects failures.
type faultyStore struct {
	*memory.Store
	mu          sync.Mutex
	updateErr   error
	deleteErr   error
	updateCalls int
}

func newFaultyStore() *faultyStore {
	return &faultyStore{Store: memory.NewStore()}
}

func (s *faultyStore) failUpdates(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateErr = err
}

func (s *faultyStore) failDeletes(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteErr = err
}

func (s *faultyStore) AtomicUpdate(ctx context.Context, id string, expected, next domain.Status, delta domain.JournalDelta) (domain.CertificationRequest, error) {
	s.mu.Lock()
	s.updateCalls++
	err := s.updateErr
	s.mu.Unlock()
	if err != nil {
		return domain.CertificationRequest{}, err
	}
	return s.Store.AtomicUpdate(ctx, id, expected, next, delta)
}

func (s *faultyStore) DeleteByID(ctx context.Context, id string) error {
	s.mu.Lock()
	err := s.deleteErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.DeleteByID(ctx, id)
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []domain.Alert
	err    error
}

func (a *recordingAlerter) Alert(_ context.Context, alert domain.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return a.err
}

func (a *recordingAlerter) kinds() []domain.AlertKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.AlertKind, 0, len(a.alerts))
	for _, al := range a.alerts {
		out = append(out, al.Kind)
	}
	return out
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []core.AuditEntry
}

func (r *recordingAudit) Record(_ context.Context, e core.AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingAudit) last() core.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return core.AuditEntry{}
	}
	return r.entries[len(r.entries)-1]
}

// capturingLogger keeps messages by level.
type capturingLogger struct {
	mu   sync.Mutex
	msgs map[string][]string
}

func newCapturingLogger() *capturingLogger {
	return &capturingLogger{msgs: map[string][]string{}}
}

func (l *capturingLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs[level] = append(l.msgs[level], msg)
}

func (l *capturingLogger) Debug(msg string, _ ...any) { l.add("debug", msg) }
func (l *capturingLogger) Info(msg string, _ ...any)  { l.add("info", msg) }
func (l *capturingLogger) Warn(msg string, _ ...any)  { l.add("warn", msg) }
func (l *capturingLogger) Error(msg string, _ ...any) { l.add("error", msg) }

func (l *capturingLogger) count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs[level])
}

// openLocker always grants the lock so tests can reach the store's own
// concurrency checks.
type openLocker struct{}

func (openLocker) TryAcquire(context.Context, string) (domain.Release, error) {
	return func(context.Context) error { return nil }, nil
}

// scriptedIDs hands out the listed ledger ids in order.
type scriptedIDs struct {
	*core.EmbeddedIDMapper
	mu   sync.Mutex
	next []domain.LedgerID
}

func (s *scriptedIDs) Allocate() (string, domain.LedgerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.next) == 0 {
		return "", 0, errors.New("script exhausted")
	}
	id := s.next[0]
	s.next = s.next[1:]
	storeID, err := s.ToStoreID(id)
	return storeID, id, err
}

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func steppingClock() core.Clock {
	var mu sync.Mutex
	now := fixedNow
	return core.ClockFunc(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	})
}

type harness struct {
	coord   *core.Coordinator
	store   *faultyStore
	ledger  *fakeLedger
	alerts  *recordingAlerter
	audit   *recordingAudit
	logger  *capturingLogger
	locker  *core.KeyedLocker
	created domain.CertificationRequest
}

func newHarness(opts ...core.Option) *harness {
	h := &harness{
		store:  newFaultyStore(),
		ledger: newFakeLedger(),
		alerts: &recordingAlerter{},
		audit:  &recordingAudit{},
		logger: newCapturingLogger(),
		locker: core.NewKeyedLocker(),
	}
	base := []core.Option{
		core.WithAlerter(h.alerts),
		core.WithAuditRecorder(h.audit),
		core.WithLogger(h.logger),
		core.WithLocker(h.locker),
		core.WithClock(steppingClock()),
	}
	h.coord = core.NewCoordinator(h.store, h.ledger, append(base, opts...)...)
	return h
}

func sampleInput() core.CreateInput {
	return core.CreateInput{
		ProductName: "Arabica beans",
		Description: "Lot 7, washed",
		Media: []domain.Media{
			{Kind: domain.MediaImage, URL: "/uploads/a.png", Key: "requests/a.png", Hash: "hash-a", ContentType: "image/png", Size: 10},
			{Kind: domain.MediaVideo, URL: "/uploads/b.mp4", Key: "requests/b.mp4", Hash: "hash-b", ContentType: "video/mp4", Size: 20},
		},
		Checkpoints: []core.CheckpointInput{{CheckpointID: 1, Answer: "yes"}, {CheckpointID: 2, Answer: "organic"}},
	}
}
