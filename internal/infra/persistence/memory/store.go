// Package memory provides an in-memory RequestStore used for tests and
// ephemeral environments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"certchain/pkg/domain"
)

// Compile-time contract assertion ensuring Store satisfies the domain port.
var _ domain.RequestStore = (*Store)(nil)

// Snapshot is a point-in-time copy of every stored request.
type Snapshot struct {
	Requests []domain.CertificationRequest `json:"requests"`
}

// Store keeps requests in a map guarded by a single mutex. Every mutation is
// applied to a clone and swapped in, so a failed update leaves no trace.
type Store struct {
	mu       sync.RWMutex
	requests map[string]domain.CertificationRequest
	nowFn    func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		requests: make(map[string]domain.CertificationRequest),
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// ExportState clones the current contents.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{Requests: make([]domain.CertificationRequest, 0, len(s.requests))}
	for _, r := range s.requests {
		out.Requests = append(out.Requests, r.Clone())
	}
	sortRequests(out.Requests)
	return out
}

// ImportState replaces the store contents with snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = make(map[string]domain.CertificationRequest, len(snapshot.Requests))
	for _, r := range snapshot.Requests {
		s.requests[r.ID] = r.Clone()
	}
}

// CreatePending inserts req with its media and checkpoint answers. Child rows
// without ids receive generated ones.
func (s *Store) CreatePending(ctx context.Context, req domain.CertificationRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.ID == "" {
		return "", domain.ValidationError{Field: "id", Message: "required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return "", domain.ErrDuplicateID
	}
	rec := req.Clone()
	now := s.nowFn()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	for i := range rec.Media {
		rec.Media[i].RequestID = rec.ID
		if rec.Media[i].ID == "" {
			rec.Media[i].ID = uuid.NewString()
		}
	}
	for i := range rec.Checkpoints {
		rec.Checkpoints[i].RequestID = rec.ID
		if rec.Checkpoints[i].ID == "" {
			rec.Checkpoints[i].ID = uuid.NewString()
		}
	}
	s.requests[rec.ID] = rec
	return rec.ID, nil
}

// DeleteByID removes the request and its child rows.
func (s *Store) DeleteByID(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[id]; !ok {
		return domain.NotFoundError{RequestID: id}
	}
	delete(s.requests, id)
	return nil
}

// GetByID returns a copy of the stored request.
func (s *Store) GetByID(ctx context.Context, id string) (domain.CertificationRequest, error) {
	if err := ctx.Err(); err != nil {
		return domain.CertificationRequest{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return domain.CertificationRequest{}, domain.NotFoundError{RequestID: id}
	}
	return r.Clone(), nil
}

// AtomicUpdate applies delta under the store lock.
func (s *Store) AtomicUpdate(ctx context.Context, id string, expected, next domain.Status, delta domain.JournalDelta) (domain.CertificationRequest, error) {
	if err := ctx.Err(); err != nil {
		return domain.CertificationRequest{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.requests[id]
	if !ok {
		return domain.CertificationRequest{}, domain.NotFoundError{RequestID: id}
	}
	updated, err := domain.ApplyDelta(current, expected, next, delta)
	if err != nil {
		return domain.CertificationRequest{}, err
	}
	if delta.LedgerID != nil {
		for otherID, other := range s.requests {
			if otherID != id && other.LedgerID != nil && *other.LedgerID == *delta.LedgerID {
				return domain.CertificationRequest{}, domain.ConflictError{RequestID: id, Reason: "ledger id " + delta.LedgerID.String() + " already assigned"}
			}
		}
	}
	if delta.Ref.RecordedAt.IsZero() {
		updated.UpdatedAt = s.nowFn()
	}
	s.requests[id] = updated
	return updated.Clone(), nil
}

// ListByCreator returns requests created by creatorID, oldest first.
func (s *Store) ListByCreator(ctx context.Context, creatorID string) ([]domain.CertificationRequest, error) {
	return s.list(ctx, func(r domain.CertificationRequest) bool { return r.CreatorID == creatorID })
}

// ListByStatus returns requests in any of statuses, oldest first.
func (s *Store) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.CertificationRequest, error) {
	want := make(map[domain.Status]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}
	return s.list(ctx, func(r domain.CertificationRequest) bool {
		_, ok := want[r.Status]
		return ok
	})
}

func (s *Store) list(ctx context.Context, keep func(domain.CertificationRequest) bool) ([]domain.CertificationRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.CertificationRequest
	for _, r := range s.requests {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sortRequests(out)
	return out, nil
}

// AttachCheckpointMedia sets the media URL of one checkpoint answer.
func (s *Store) AttachCheckpointMedia(ctx context.Context, requestID string, checkpointID int, mediaURL string) (domain.CheckpointAnswer, error) {
	if err := ctx.Err(); err != nil {
		return domain.CheckpointAnswer{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok {
		return domain.CheckpointAnswer{}, domain.NotFoundError{RequestID: requestID}
	}
	next := r.Clone()
	for i := range next.Checkpoints {
		if next.Checkpoints[i].CheckpointID != checkpointID {
			continue
		}
		url := mediaURL
		next.Checkpoints[i].MediaURL = &url
		next.UpdatedAt = s.nowFn()
		s.requests[requestID] = next
		answer := next.Checkpoints[i]
		answer.MediaURL = &url
		return answer, nil
	}
	return domain.CheckpointAnswer{}, domain.NotFoundError{RequestID: requestID}
}

// Close implements domain.RequestStore. The memory store holds no resources.
func (s *Store) Close() error { return nil }

func sortRequests(reqs []domain.CertificationRequest) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}
