package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/pkgforge/internal/build"
	"git.home.luguber.info/inful/pkgforge/internal/eventstore"
	"git.home.luguber.info/inful/pkgforge/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgforge/internal/gatekeeper"
	"git.home.luguber.info/inful/pkgforge/internal/identity"
	"git.home.luguber.info/inful/pkgforge/internal/logfields"
	"git.home.luguber.info/inful/pkgforge/internal/server/responses"
)

const (
	// statusLogTail is how many log lines the status view carries.
	statusLogTail = 20
	// maxConfigPartBytes bounds the JSON config part of an upload.
	maxConfigPartBytes = 64 << 10
	// ArtifactContentType is served for downloaded packages.
	ArtifactContentType = "application/vnd.android.package-archive"
)

// BuildRegistry is the registry surface the build handlers need.
type BuildRegistry interface {
	Admit(caller identity.Identity, cfg build.Config) (build.Record, int, error)
	Get(caller identity.Identity, id string) (build.Record, error)
	List(caller identity.Identity) []build.Record
	Cancel(caller identity.Identity, id string) (build.Record, error)
	Position(id string) (int, bool)
}

// Ingress validates untrusted uploads.
type Ingress interface {
	Inspect(archive []byte) (*gatekeeper.Manifest, error)
	NormalizeConfig(raw gatekeeper.RawConfig) (build.Config, error)
	Source(m *gatekeeper.Manifest) build.Source
}

// EventSource reads a build's lifecycle journal.
type EventSource interface {
	Events(ctx context.Context, buildID string) ([]eventstore.Event, error)
}

// BuildHandlers serves the /api/builds routes.
type BuildHandlers struct {
	registry       BuildRegistry
	ingress        Ingress
	events         EventSource
	maxUploadBytes int64
	errorAdapter   *errors.HTTPErrorAdapter
}

// NewBuildHandlers creates build handlers. events may be nil when the journal is disabled.
func NewBuildHandlers(registry BuildRegistry, ingress Ingress, events EventSource, maxUploadBytes int64, adapter *errors.HTTPErrorAdapter) *BuildHandlers {
	if adapter == nil {
		adapter = errors.NewHTTPErrorAdapter(slog.Default())
	}
	return &BuildHandlers{
		registry:       registry,
		ingress:        ingress,
		events:         events,
		maxUploadBytes: maxUploadBytes,
		errorAdapter:   adapter,
	}
}

// HandleCreate accepts a multipart upload and admits a build.
func (h *BuildHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}

	archive, raw, err := h.readUpload(w, r)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	cfg, err := h.ingress.NormalizeConfig(raw)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	manifest, err := h.ingress.Inspect(archive)
	if err != nil {
		slog.Warn("Rejected build archive", logfields.Owner(who.Owner()), logfields.Error(err))
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	cfg.Source = h.ingress.Source(manifest)

	rec, position, err := h.registry.Admit(who, cfg)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	respond(h.errorAdapter, w, r, http.StatusAccepted, responses.CreateBuildResponse{
		BuildID:       rec.ID,
		Status:        rec.Status,
		QueuePosition: position,
	})
}

// readUpload streams the multipart body, returning the archive bytes and the
// decoded config part. The whole body is bounded by maxUploadBytes.
func (h *BuildHandlers) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, gatekeeper.RawConfig, error) {
	var raw gatekeeper.RawConfig
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return nil, raw, errors.ValidationError("multipart/form-data body required").Build()
	}
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, raw, errors.ValidationError("malformed multipart body").WithCause(err).Build()
	}

	var archive []byte
	haveConfig := false
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, raw, uploadError(err, h.maxUploadBytes)
		}
		switch part.FormName() {
		case "archive":
			if archive != nil {
				return nil, raw, errors.FieldError("archive", "archive supplied more than once").Build()
			}
			archive, err = io.ReadAll(part)
			if err != nil {
				return nil, raw, uploadError(err, h.maxUploadBytes)
			}
		case "config":
			body, err := io.ReadAll(io.LimitReader(part, maxConfigPartBytes+1))
			if err != nil {
				return nil, raw, uploadError(err, h.maxUploadBytes)
			}
			if len(body) > maxConfigPartBytes {
				return nil, raw, errors.FieldError("config", "config part too large").Build()
			}
			if err := json.Unmarshal(body, &raw); err != nil {
				return nil, raw, errors.FieldError("config", "config must be a JSON object").WithCause(err).Build()
			}
			haveConfig = true
		default:
			_, _ = io.Copy(io.Discard, part)
		}
		_ = part.Close()
	}

	if len(archive) == 0 {
		return nil, raw, errors.FieldError("archive", "archive file is required").Build()
	}
	if !haveConfig {
		return nil, raw, errors.FieldError("config", "config is required").Build()
	}
	return archive, raw, nil
}

func uploadError(err error, limit int64) error {
	var tooLarge *http.MaxBytesError
	if stderrors.As(err, &tooLarge) {
		return errors.FieldError("archive", "upload exceeds size limit").
			WithContext("maximum", limit).
			Build()
	}
	return errors.ValidationError("malformed multipart body").WithCause(err).Build()
}

// HandleGet returns a build's status with its most recent log lines.
func (h *BuildHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	resp := responses.BuildStatusResponse{
		ID:              rec.ID,
		Status:          rec.Status,
		Progress:        rec.Progress,
		AppName:         rec.Config.AppName,
		PackageID:       rec.Config.PackageID,
		BuildType:       rec.Config.Variant,
		Error:           rec.Error,
		FailedStage:     rec.FailedStage,
		CreatedAt:       rec.CreatedAt,
		StartedAt:       rec.StartedAt,
		CompletedAt:     rec.CompletedAt,
		ArtifactSize:    rec.ArtifactSize,
		ArtifactRemoved: rec.ArtifactRemoved,
		Logs:            rec.TailLogs(statusLogTail),
	}
	if rec.Status == build.StatusQueued {
		if pos, ok := h.registry.Position(rec.ID); ok {
			resp.QueuePosition = pos
		}
	}
	respond(h.errorAdapter, w, r, http.StatusOK, resp)
}

// HandleLogs returns the full build log.
func (h *BuildHandlers) HandleLogs(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	respond(h.errorAdapter, w, r, http.StatusOK, responses.BuildLogsResponse{
		ID:     rec.ID,
		Status: rec.Status,
		Logs:   rec.Logs,
	})
}

// HandleEvents returns the build's lifecycle journal.
func (h *BuildHandlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	events := []eventstore.Event{}
	if h.events != nil {
		stored, err := h.events.Events(r.Context(), rec.ID)
		if err != nil {
			h.errorAdapter.WriteErrorResponse(w, r, errors.WrapError(err, errors.CategoryEventStore, "failed to read build events").Build())
			return
		}
		if stored != nil {
			events = stored
		}
	}
	respond(h.errorAdapter, w, r, http.StatusOK, responses.BuildEventsResponse{ID: rec.ID, Events: events})
}

// HandleArtifact streams a complete build's package.
func (h *BuildHandlers) HandleArtifact(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if rec.Status != build.StatusComplete {
		h.errorAdapter.WriteErrorResponse(w, r, errors.ConflictError("artifact is only available for complete builds").
			WithContext("status", string(rec.Status)).
			Build())
		return
	}
	if rec.ArtifactRemoved || rec.ArtifactPath == "" {
		h.errorAdapter.WriteErrorResponse(w, r, errors.NotFoundError("artifact has expired").Build())
		return
	}

	f, err := os.Open(rec.ArtifactPath)
	if err != nil {
		if os.IsNotExist(err) {
			h.errorAdapter.WriteErrorResponse(w, r, errors.NotFoundError("artifact has expired").Build())
			return
		}
		h.errorAdapter.WriteErrorResponse(w, r, errors.FileSystemError("failed to open artifact").WithCause(err).Build())
		return
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, errors.FileSystemError("failed to stat artifact").WithCause(err).Build())
		return
	}

	w.Header().Set("Content-Type", ArtifactContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": rec.ID + filepath.Ext(rec.ArtifactPath),
	}))
	http.ServeContent(w, r, "", info.ModTime(), f)
}

// HandleCancel cancels a queued build.
func (h *BuildHandlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	rec, err := h.registry.Cancel(who, r.PathValue("id"))
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	respond(h.errorAdapter, w, r, http.StatusOK, responses.BuildLogsResponse{
		ID:     rec.ID,
		Status: rec.Status,
		Logs:   rec.TailLogs(statusLogTail),
	})
}

// HandleList lists the caller's builds newest first.
func (h *BuildHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	recs := h.registry.List(who)
	out := responses.BuildListResponse{Builds: make([]responses.BuildSummary, 0, len(recs))}
	for _, rec := range recs {
		s := responses.BuildSummary{
			ID:          rec.ID,
			Status:      rec.Status,
			Progress:    rec.Progress,
			AppName:     rec.Config.AppName,
			BuildType:   rec.Config.Variant,
			CreatedAt:   rec.CreatedAt,
			CompletedAt: rec.CompletedAt,
		}
		if who.Admin {
			s.Owner = rec.Owner
		}
		out.Builds = append(out.Builds, s)
	}
	respond(h.errorAdapter, w, r, http.StatusOK, out)
}

func (h *BuildHandlers) lookup(w http.ResponseWriter, r *http.Request) (build.Record, bool) {
	who, err := caller(r)
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return build.Record{}, false
	}
	rec, err := h.registry.Get(who, r.PathValue("id"))
	if err != nil {
		h.errorAdapter.WriteErrorResponse(w, r, err)
		return build.Record{}, false
	}
	return rec, true
}
