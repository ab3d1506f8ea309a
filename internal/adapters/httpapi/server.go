// Package httpapi exposes the certification lifecycle over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"certchain/internal/blob"
	"certchain/internal/core"
	"certchain/internal/media"
	"certchain/pkg/domain"
)

// BasePath prefixes every lifecycle route.
const BasePath = "/api/v1/certification"

const (
	formMemory    = 8 << 20
	formOverhead  = 1 << 20
	maxCreateBody = media.MaxFilesPerRequest*media.MaxSize + formOverhead
	maxAttachBody = media.MaxSize + formOverhead
)

// Coordinator is the lifecycle surface the handlers drive.
type Coordinator interface {
	Create(ctx context.Context, actor domain.Actor, in core.CreateInput) (domain.CertificationRequest, error)
	Transition(ctx context.Context, actor domain.Actor, requestID string, action domain.Action) (domain.CertificationRequest, error)
	AttachCheckpointMedia(ctx context.Context, actor domain.Actor, requestID string, checkpointID int, mediaURL string) (domain.CheckpointAnswer, error)
	Get(ctx context.Context, actor domain.Actor, requestID string) (domain.CertificationRequest, error)
	AvailableActions(req domain.CertificationRequest, actor domain.Actor) []domain.Action
	ListByCreator(ctx context.Context, actor domain.Actor) ([]domain.CertificationRequest, error)
	InspectionQueue(ctx context.Context, actor domain.Actor) ([]domain.CertificationRequest, error)
	CertificationQueue(ctx context.Context, actor domain.Actor) ([]domain.CertificationRequest, error)
}

// MediaStore persists uploaded evidence.
type MediaStore interface {
	Store(ctx context.Context, purpose media.Purpose, up media.Upload) (domain.Media, error)
	StoreAll(ctx context.Context, uploads []media.Upload) ([]domain.Media, error)
	Discard(ctx context.Context, items []domain.Media) error
	Open(ctx context.Context, key string) (blob.Info, io.ReadCloser, error)
}

// Options configures the router.
type Options struct {
	// MediaPath serves stored media when set, e.g. "/uploads".
	MediaPath string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  core.Logger
}

var actionSegments = map[string]domain.Action{
	"in-progress": domain.ActionMarkInProgress,
	"approve":     domain.ActionApprove,
	"reject":      domain.ActionReject,
	"certify":     domain.ActionCertify,
	"revert":      domain.ActionRevert,
}

type handler struct {
	coord  Coordinator
	media  MediaStore
	actors ActorResolver
	logger core.Logger
}

// NewRouter builds the API handler.
func NewRouter(coord Coordinator, mediaStore MediaStore, actors ActorResolver, opts Options) http.Handler {
	h := &handler{coord: coord, media: mediaStore, actors: actors, logger: opts.Logger}
	if h.logger == nil {
		h.logger = discardLogger{}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if p := strings.TrimRight(opts.MediaPath, "/"); strings.HasPrefix(p, "/") {
		r.Get(p+"/*", h.serveMedia)
	}

	r.Route(BasePath, func(api chi.Router) {
		api.Use(h.authenticate)
		api.Post("/requests", h.create)
		api.Get("/requests", h.listOwn)
		api.Get("/requests/{id}", h.get)
		api.Post("/requests/{id}/checkpoints/{checkpointID}/media", h.attachMedia)
		api.Post("/requests/{id}/{action}", h.transition)
		api.Get("/inspection/requests", h.inspectionQueue)
		api.Get("/certification/requests", h.certificationQueue)
	})
	return r
}

type actorKey struct{}

func (h *handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := h.actors.Resolve(r)
		if err != nil {
			writeDomainError(w, r, h.logger, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(r *http.Request) domain.Actor {
	actor, _ := r.Context().Value(actorKey{}).(domain.Actor)
	return actor
}

// requestView adds the caller's next actions to a record.
type requestView struct {
	domain.CertificationRequest
	AvailableActions []domain.Action `json:"available_actions"`
}

func (h *handler) view(req domain.CertificationRequest, actor domain.Actor) requestView {
	actions := h.coord.AvailableActions(req, actor)
	if actions == nil {
		actions = []domain.Action{}
	}
	return requestView{CertificationRequest: req, AvailableActions: actions}
}

func (h *handler) views(reqs []domain.CertificationRequest, actor domain.Actor) []requestView {
	out := make([]requestView, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, h.view(req, actor))
	}
	return out
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor.Role != domain.RoleProducer {
		writeDomainError(w, r, h.logger, domain.ForbiddenError{Role: actor.Role, Action: domain.ActionCreate})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxCreateBody)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_FORM", "multipart form required: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	var checkpoints []core.CheckpointInput
	if raw := r.FormValue("checkpoints"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &checkpoints); err != nil {
			writeError(w, r, http.StatusBadRequest, "BAD_JSON", "checkpoints must be a JSON array")
			return
		}
	}
	uploads, closeAll, err := formUploads(r.MultipartForm.File["media"])
	defer closeAll()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_FORM", err.Error())
		return
	}
	stored, err := h.media.StoreAll(r.Context(), uploads)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	req, err := h.coord.Create(r.Context(), actor, core.CreateInput{
		ProductName: r.FormValue("productName"),
		Description: r.FormValue("description"),
		Media:       stored,
		Checkpoints: checkpoints,
	})
	if err != nil {
		// A reconciled create is on the ledger and still references its media.
		if !domain.IsReconciliation(err) {
			if derr := h.media.Discard(context.WithoutCancel(r.Context()), stored); derr != nil {
				h.logger.Error("discard media after failed create", "error", derr)
			}
		}
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(req, actor))
}

func formUploads(headers []*multipart.FileHeader) ([]media.Upload, func(), error) {
	var files []multipart.File
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	if len(headers) > media.MaxFilesPerRequest {
		return nil, closeAll, fmt.Errorf("at most %d media files", media.MaxFilesPerRequest)
	}
	uploads := make([]media.Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, closeAll, fmt.Errorf("open %s: %w", fh.Filename, err)
		}
		files = append(files, f)
		uploads = append(uploads, media.Upload{Filename: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Body: f})
	}
	return uploads, closeAll, nil
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	req, err := h.coord.Get(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(req, actor))
}

func (h *handler) transition(w http.ResponseWriter, r *http.Request) {
	action, ok := actionSegments[chi.URLParam(r, "action")]
	if !ok {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "unknown action")
		return
	}
	actor := actorFrom(r)
	req, err := h.coord.Transition(r.Context(), actor, chi.URLParam(r, "id"), action)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(req, actor))
}

func (h *handler) attachMedia(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	checkpointID, err := strconv.Atoi(chi.URLParam(r, "checkpointID"))
	if err != nil || checkpointID <= 0 {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "checkpoint id must be a positive integer")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxAttachBody)
	file, fh, err := r.FormFile("media")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "BAD_FORM", "media file required")
		return
	}
	defer func() { _ = file.Close() }()
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	m, err := h.media.Store(r.Context(), media.PurposeCheckpoint, media.Upload{Filename: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Body: file})
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	answer, err := h.coord.AttachCheckpointMedia(r.Context(), actor, chi.URLParam(r, "id"), checkpointID, m.URL)
	if err != nil {
		if derr := h.media.Discard(context.WithoutCancel(r.Context()), []domain.Media{m}); derr != nil {
			h.logger.Error("discard checkpoint media", "error", derr)
		}
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (h *handler) listOwn(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.coord.ListByCreator)
}

func (h *handler) inspectionQueue(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.coord.InspectionQueue)
}

func (h *handler) certificationQueue(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.coord.CertificationQueue)
}

func (h *handler) list(w http.ResponseWriter, r *http.Request, fetch func(context.Context, domain.Actor) ([]domain.CertificationRequest, error)) {
	actor := actorFrom(r)
	reqs, err := fetch(r.Context(), actor)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": h.views(reqs, actor)})
}

func (h *handler) serveMedia(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	info, rc, err := h.media.Open(r.Context(), key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "NOT_FOUND", "media not found")
			return
		}
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", "invalid media key")
		return
	}
	defer func() { _ = rc.Close() }()
	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	if info.SHA256 != "" {
		w.Header().Set("ETag", `"`+info.SHA256+`"`)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}
