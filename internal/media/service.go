// Package media validates uploaded evidence, stores it in the blob store and
// produces the domain.Media records whose hashes are anchored on the ledger.
package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"certchain/internal/blob"
	"certchain/pkg/domain"
)

// MaxSize is the default per-file limit.
const MaxSize int64 = 10 << 20

// MaxFilesPerRequest bounds the evidence attached at creation.
const MaxFilesPerRequest = 10

// Purpose selects the key prefix an upload is stored under.
type Purpose string

const (
	// PurposeRequest is evidence submitted with a new request.
	PurposeRequest Purpose = "requests"
	// PurposeCheckpoint is evidence attached to a checkpoint answer.
	PurposeCheckpoint Purpose = "checkpoints"
)

var allowedTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
}

// Upload is one incoming file.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// Service stores uploads. It is safe for concurrent use.
type Service struct {
	store   blob.Store
	baseURL string
	maxSize int64
	newID   func() string
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMaxSize overrides the per-file limit.
func WithMaxSize(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// WithIDSource overrides the generator for object names and media IDs.
func WithIDSource(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService returns a Service writing to store. Media URLs are publicBaseURL
// joined with the object key.
func NewService(store blob.Store, publicBaseURL string, opts ...Option) *Service {
	s := &Service{
		store:   store,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		maxSize: MaxSize,
		newID:   func() string { return uuid.NewString() },
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Kind derives the media kind from a MIME type.
func Kind(contentType string) domain.MediaKind {
	if strings.HasPrefix(contentType, "image/") {
		return domain.MediaImage
	}
	return domain.MediaVideo
}

// Validate checks the declared type. Size is enforced while storing.
func Validate(contentType string) error {
	if _, ok := allowedTypes[normalizeType(contentType)]; !ok {
		return domain.ValidationError{Field: "media", Message: fmt.Sprintf("unsupported content type %q", contentType)}
	}
	return nil
}

func normalizeType(ct string) string {
	ct, _, _ = strings.Cut(ct, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

// Store validates and writes up, returning the media record to attach.
func (s *Service) Store(ctx context.Context, purpose Purpose, up Upload) (domain.Media, error) {
	if err := Validate(up.ContentType); err != nil {
		return domain.Media{}, err
	}
	if up.Body == nil {
		return domain.Media{}, domain.ValidationError{Field: "media", Message: "empty upload"}
	}
	contentType := normalizeType(up.ContentType)
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(up.Body, s.maxSize+1))
	if err != nil {
		return domain.Media{}, fmt.Errorf("read upload %s: %w", up.Filename, err)
	}
	if n > s.maxSize {
		return domain.Media{}, domain.ValidationError{Field: "media", Message: fmt.Sprintf("%s exceeds %d bytes", up.Filename, s.maxSize)}
	}
	if n == 0 {
		return domain.Media{}, domain.ValidationError{Field: "media", Message: fmt.Sprintf("%s is empty", up.Filename)}
	}
	sum := sha256.Sum256(buf.Bytes())

	id := s.newID()
	key := string(purpose) + "/" + id + extension(up.Filename, contentType)
	info, err := s.store.Put(ctx, key, &buf, blob.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"filename": path.Base(up.Filename)},
	})
	if err != nil {
		return domain.Media{}, fmt.Errorf("store media %s: %w", up.Filename, err)
	}
	return domain.Media{
		ID:          id,
		Kind:        Kind(contentType),
		URL:         s.URL(key),
		Key:         key,
		Hash:        hex.EncodeToString(sum[:]),
		ContentType: contentType,
		Size:        info.Size,
		CreatedAt:   s.now(),
	}, nil
}

// StoreAll stores every upload for a new request. On failure the blobs
// already written are discarded.
func (s *Service) StoreAll(ctx context.Context, uploads []Upload) ([]domain.Media, error) {
	if len(uploads) > MaxFilesPerRequest {
		return nil, domain.ValidationError{Field: "media", Message: fmt.Sprintf("at most %d files", MaxFilesPerRequest)}
	}
	out := make([]domain.Media, 0, len(uploads))
	for _, up := range uploads {
		m, err := s.Store(ctx, PurposeRequest, up)
		if err != nil {
			if derr := s.Discard(context.WithoutCancel(ctx), out); derr != nil {
				return nil, errors.Join(err, derr)
			}
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Discard deletes the blobs behind media. Missing blobs are ignored.
func (s *Service) Discard(ctx context.Context, media []domain.Media) error {
	var errs []error
	for _, m := range media {
		if m.Key == "" {
			continue
		}
		if _, err := s.store.Delete(ctx, m.Key); err != nil {
			errs = append(errs, fmt.Errorf("discard %s: %w", m.Key, err))
		}
	}
	return errors.Join(errs...)
}

// Open returns a stored blob for serving.
func (s *Service) Open(ctx context.Context, key string) (blob.Info, io.ReadCloser, error) {
	return s.store.Get(ctx, key)
}

// URL is the public location of key.
func (s *Service) URL(key string) string {
	return s.baseURL + "/" + key
}

// KeyFromURL reverses URL; ok is false for URLs outside the public base.
func (s *Service) KeyFromURL(url string) (string, bool) {
	key, ok := strings.CutPrefix(url, s.baseURL+"/")
	if !ok || key == "" {
		return "", false
	}
	return key, true
}

// extension keeps a short lowercase extension from the original filename and
// falls back to the canonical one for the type.
func extension(filename, contentType string) string {
	ext := strings.ToLower(path.Ext(filename))
	if len(ext) > 1 && len(ext) <= 6 && isAlnum(ext[1:]) {
		return ext
	}
	return allowedTypes[contentType]
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
