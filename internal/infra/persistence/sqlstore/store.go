// Package sqlstore implements domain.RequestStore over database/sql. Dialect
// packages (sqlite, postgres) supply DDL, placeholder style, and error
// classification; the queries and transaction structure live here.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"certchain/pkg/domain"
)

// Compile-time contract assertion ensuring Store satisfies the domain port.
var _ domain.RequestStore = (*Store)(nil)

// Dialect captures the differences between SQL backends.
type Dialect struct {
	Name string
	// Schema is applied statement by statement on open; every statement must be idempotent.
	Schema []string
	// Rebind rewrites '?' placeholders into the backend's native form.
	Rebind func(query string) string
	// RowLock is appended to the SELECT inside AtomicUpdate.
	RowLock string
	// IsUniqueViolation classifies primary or unique key errors.
	IsUniqueViolation func(err error) bool
}

// Store is a database/sql backed request store.
type Store struct {
	db    *sql.DB
	d     Dialect
	nowFn func() time.Time
}

// New applies the dialect schema to db and returns a store.
func New(ctx context.Context, db *sql.DB, d Dialect) (*Store, error) {
	if d.Rebind == nil {
		d.Rebind = func(q string) string { return q }
	}
	if d.IsUniqueViolation == nil {
		d.IsUniqueViolation = func(error) bool { return false }
	}
	for _, stmt := range d.Schema {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s: apply schema: %w", d.Name, err)
		}
	}
	return &Store{db: db, d: d, nowFn: func() time.Time { return time.Now().UTC() }}, nil
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

const requestColumns = `id, ledger_id, product_name, description, status, creator_id, inspector_id, certifier_id, journal, version, created_at, updated_at`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreatePending inserts the request and its child rows in one transaction.
func (s *Store) CreatePending(ctx context.Context, req domain.CertificationRequest) (string, error) {
	if req.ID == "" {
		return "", domain.ValidationError{Field: "id", Message: "required"}
	}
	journal, err := json.Marshal(req.Journal)
	if err != nil {
		return "", fmt.Errorf("encode journal: %w", err)
	}
	now := s.nowFn()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = req.CreatedAt
	}
	if req.Version == 0 {
		req.Version = 1
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.d.Rebind(`INSERT INTO certification_requests (`+requestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			req.ID, nullLedgerID(req.LedgerID), req.ProductName, req.Description, string(req.Status), req.CreatorID,
			nullString(req.InspectorID), nullString(req.CertifierID), journal, req.Version, req.CreatedAt.UTC(), req.UpdatedAt.UTC())
		if err != nil {
			if s.d.IsUniqueViolation(err) {
				return domain.ErrDuplicateID
			}
			return fmt.Errorf("insert request: %w", err)
		}
		for i, m := range req.Media {
			if m.ID == "" {
				m.ID = uuid.NewString()
			}
			if m.CreatedAt.IsZero() {
				m.CreatedAt = req.CreatedAt
			}
			if _, err := tx.ExecContext(ctx, s.d.Rebind(`INSERT INTO request_media (id, request_id, position, kind, url, object_key, hash, content_type, size_bytes, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				m.ID, req.ID, i, string(m.Kind), m.URL, m.Key, m.Hash, m.ContentType, m.Size, m.CreatedAt.UTC()); err != nil {
				return fmt.Errorf("insert media: %w", err)
			}
		}
		for _, cp := range req.Checkpoints {
			if cp.ID == "" {
				cp.ID = uuid.NewString()
			}
			if cp.CreatedAt.IsZero() {
				cp.CreatedAt = req.CreatedAt
			}
			if _, err := tx.ExecContext(ctx, s.d.Rebind(`INSERT INTO checkpoint_answers (id, request_id, checkpoint_id, answer, media_url, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
				cp.ID, req.ID, cp.CheckpointID, cp.Answer, nullString(cp.MediaURL), cp.CreatedAt.UTC()); err != nil {
				return fmt.Errorf("insert checkpoint: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return req.ID, nil
}

// DeleteByID removes child rows first, then the request.
func (s *Store) DeleteByID(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.d.Rebind(`DELETE FROM checkpoint_answers WHERE request_id = ?`), id); err != nil {
			return fmt.Errorf("delete checkpoints: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.d.Rebind(`DELETE FROM request_media WHERE request_id = ?`), id); err != nil {
			return fmt.Errorf("delete media: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.d.Rebind(`DELETE FROM certification_requests WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete request: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete request: %w", err)
		}
		if n == 0 {
			return domain.NotFoundError{RequestID: id}
		}
		return nil
	})
}

// GetByID loads the request with its child rows.
func (s *Store) GetByID(ctx context.Context, id string) (domain.CertificationRequest, error) {
	req, err := s.getRow(ctx, s.db, id, "")
	if err != nil {
		return domain.CertificationRequest{}, err
	}
	out := []domain.CertificationRequest{req}
	if err := s.loadChildren(ctx, s.db, out); err != nil {
		return domain.CertificationRequest{}, err
	}
	return out[0], nil
}

// AtomicUpdate reads the row under the dialect's row lock, validates the
// delta, and writes it with a version-guarded UPDATE.
func (s *Store) AtomicUpdate(ctx context.Context, id string, expected, next domain.Status, delta domain.JournalDelta) (domain.CertificationRequest, error) {
	var updated domain.CertificationRequest
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := s.getRow(ctx, tx, id, s.d.RowLock)
		if err != nil {
			return err
		}
		updated, err = domain.ApplyDelta(current, expected, next, delta)
		if err != nil {
			return err
		}
		if delta.Ref.RecordedAt.IsZero() {
			updated.UpdatedAt = s.nowFn()
		}
		journal, err := json.Marshal(updated.Journal)
		if err != nil {
			return fmt.Errorf("encode journal: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.d.Rebind(`UPDATE certification_requests SET status = ?, ledger_id = ?, inspector_id = ?, certifier_id = ?, journal = ?, version = ?, updated_at = ? WHERE id = ? AND version = ? AND status = ?`),
			string(updated.Status), nullLedgerID(updated.LedgerID), nullString(updated.InspectorID), nullString(updated.CertifierID),
			journal, updated.Version, updated.UpdatedAt.UTC(), id, current.Version, string(expected))
		if err != nil {
			if s.d.IsUniqueViolation(err) {
				return domain.ConflictError{RequestID: id, Reason: "ledger id already assigned to another request"}
			}
			return fmt.Errorf("update request: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update request: %w", err)
		}
		if n != 1 {
			return domain.ConflictError{RequestID: id, Reason: "record changed concurrently"}
		}
		batch := []domain.CertificationRequest{updated}
		if err := s.loadChildren(ctx, tx, batch); err != nil {
			return err
		}
		updated = batch[0]
		return nil
	})
	if err != nil {
		return domain.CertificationRequest{}, err
	}
	return updated, nil
}

// ListByCreator returns creatorID's requests, oldest first.
func (s *Store) ListByCreator(ctx context.Context, creatorID string) ([]domain.CertificationRequest, error) {
	return s.list(ctx, `SELECT `+requestColumns+` FROM certification_requests WHERE creator_id = ? ORDER BY created_at, id`, creatorID)
}

// ListByStatus returns requests in any of statuses, oldest first.
func (s *Store) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.CertificationRequest, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
	}
	return s.list(ctx, `SELECT `+requestColumns+` FROM certification_requests WHERE status IN (`+placeholders(len(args))+`) ORDER BY created_at, id`, args...)
}

// AttachCheckpointMedia sets the media URL of one checkpoint answer.
func (s *Store) AttachCheckpointMedia(ctx context.Context, requestID string, checkpointID int, mediaURL string) (domain.CheckpointAnswer, error) {
	var answer domain.CheckpointAnswer
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.d.Rebind(`UPDATE checkpoint_answers SET media_url = ? WHERE request_id = ? AND checkpoint_id = ?`), mediaURL, requestID, checkpointID)
		if err != nil {
			return fmt.Errorf("update checkpoint: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update checkpoint: %w", err)
		}
		if n == 0 {
			return domain.NotFoundError{RequestID: requestID}
		}
		var url sql.NullString
		row := tx.QueryRowContext(ctx, s.d.Rebind(`SELECT id, request_id, checkpoint_id, answer, media_url, created_at FROM checkpoint_answers WHERE request_id = ? AND checkpoint_id = ?`), requestID, checkpointID)
		if err := row.Scan(&answer.ID, &answer.RequestID, &answer.CheckpointID, &answer.Answer, &url, &answer.CreatedAt); err != nil {
			return fmt.Errorf("read checkpoint: %w", err)
		}
		answer.MediaURL = fromNullString(url)
		return nil
	})
	return answer, err
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]domain.CertificationRequest, error) {
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.CertificationRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	if err := s.loadChildren(ctx, s.db, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) getRow(ctx context.Context, q queryer, id, lock string) (domain.CertificationRequest, error) {
	row := q.QueryRowContext(ctx, s.d.Rebind(`SELECT `+requestColumns+` FROM certification_requests WHERE id = ?`+lock), id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CertificationRequest{}, domain.NotFoundError{RequestID: id}
	}
	return req, err
}

// loadChildren fills Media and Checkpoints for reqs with two batched queries.
func (s *Store) loadChildren(ctx context.Context, q queryer, reqs []domain.CertificationRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	index := make(map[string]int, len(reqs))
	args := make([]any, 0, len(reqs))
	for i := range reqs {
		index[reqs[i].ID] = i
		args = append(args, reqs[i].ID)
		reqs[i].Media = nil
		reqs[i].Checkpoints = nil
	}
	in := placeholders(len(args))

	mediaRows, err := q.QueryContext(ctx, s.d.Rebind(`SELECT id, request_id, kind, url, object_key, hash, content_type, size_bytes, created_at FROM request_media WHERE request_id IN (`+in+`) ORDER BY request_id, position`), args...)
	if err != nil {
		return fmt.Errorf("select media: %w", err)
	}
	for mediaRows.Next() {
		var m domain.Media
		var kind string
		if err := mediaRows.Scan(&m.ID, &m.RequestID, &kind, &m.URL, &m.Key, &m.Hash, &m.ContentType, &m.Size, &m.CreatedAt); err != nil {
			_ = mediaRows.Close()
			return fmt.Errorf("scan media: %w", err)
		}
		m.Kind = domain.MediaKind(kind)
		i := index[m.RequestID]
		reqs[i].Media = append(reqs[i].Media, m)
	}
	if err := mediaRows.Err(); err != nil {
		_ = mediaRows.Close()
		return fmt.Errorf("select media: %w", err)
	}
	_ = mediaRows.Close()

	cpRows, err := q.QueryContext(ctx, s.d.Rebind(`SELECT id, request_id, checkpoint_id, answer, media_url, created_at FROM checkpoint_answers WHERE request_id IN (`+in+`) ORDER BY request_id, checkpoint_id`), args...)
	if err != nil {
		return fmt.Errorf("select checkpoints: %w", err)
	}
	defer func() { _ = cpRows.Close() }()
	for cpRows.Next() {
		var cp domain.CheckpointAnswer
		var url sql.NullString
		if err := cpRows.Scan(&cp.ID, &cp.RequestID, &cp.CheckpointID, &cp.Answer, &url, &cp.CreatedAt); err != nil {
			return fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.MediaURL = fromNullString(url)
		i := index[cp.RequestID]
		reqs[i].Checkpoints = append(reqs[i].Checkpoints, cp)
	}
	if err := cpRows.Err(); err != nil {
		return fmt.Errorf("select checkpoints: %w", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(sc scanner) (domain.CertificationRequest, error) {
	var (
		req        domain.CertificationRequest
		ledgerID   sql.NullInt64
		status     string
		inspector  sql.NullString
		certifier  sql.NullString
		rawJournal []byte
	)
	if err := sc.Scan(&req.ID, &ledgerID, &req.ProductName, &req.Description, &status, &req.CreatorID,
		&inspector, &certifier, &rawJournal, &req.Version, &req.CreatedAt, &req.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CertificationRequest{}, err
		}
		return domain.CertificationRequest{}, fmt.Errorf("scan request: %w", err)
	}
	if ledgerID.Valid {
		id := domain.LedgerID(ledgerID.Int64)
		req.LedgerID = &id
	}
	req.Status = domain.Status(status)
	req.InspectorID = fromNullString(inspector)
	req.CertifierID = fromNullString(certifier)
	if len(rawJournal) > 0 {
		if err := json.Unmarshal(rawJournal, &req.Journal); err != nil {
			return domain.CertificationRequest{}, fmt.Errorf("decode journal for %s: %w", req.ID, err)
		}
	}
	req.CreatedAt = req.CreatedAt.UTC()
	req.UpdatedAt = req.UpdatedAt.UTC()
	return req, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullLedgerID(id *domain.LedgerID) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

// DollarPlaceholders rewrites '?' into $1, $2, ... for PostgreSQL.
func DollarPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
