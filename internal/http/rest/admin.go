package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/download_gatekeeper/internal/classify"
	"github.com/italolelis/download_gatekeeper/internal/delegate"
	"github.com/italolelis/download_gatekeeper/internal/download"
	"github.com/italolelis/download_gatekeeper/internal/logctx"
	"github.com/italolelis/download_gatekeeper/internal/storage"
	"github.com/italolelis/download_gatekeeper/internal/telemetry"
)

const defaultReportsLimit = 50

// AdminHandler is the host-facing ingest and audit API: download
// registration, completion/opened notifications, async verdict delivery and
// journal queries.
type AdminHandler struct {
	username  string
	password  string
	delegate  *delegate.Delegate
	registry  *download.Registry
	journal   storage.JournalReadRepository
	telemetry *telemetry.Telemetry
}

func NewAdminHandler(
	username, password string,
	d *delegate.Delegate,
	reg *download.Registry,
	journal storage.JournalReadRepository,
	t *telemetry.Telemetry,
) *AdminHandler {
	return &AdminHandler{
		username:  username,
		password:  password,
		delegate:  d,
		registry:  reg,
		journal:   journal,
		telemetry: t,
	}
}

func (h *AdminHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", h.HandleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(h.basicAuthMiddleware)

		r.Post("/downloads", h.HandleRegister)
		r.Get("/downloads", h.HandleListDownloads)
		r.Get("/downloads/{guid}", h.HandleGetDownload)
		r.Post("/downloads/{guid}/completion", h.HandleCompletion)
		r.Post("/downloads/{guid}/opened", h.HandleOpened)
		r.Post("/downloads/{guid}/validate", h.HandleValidate)
		r.Post("/downloads/{guid}/cancel", h.HandleCancel)
		r.Delete("/downloads/{guid}", h.HandleDestroy)

		r.Post("/scanner/verdicts", h.HandleVerdict)

		r.Get("/reports", h.HandleRecentReports)
	})

	return r
}

type registerRequest struct {
	ID                  uint32 `json:"id"`
	GUID                string `json:"guid"`
	SourceURL           string `json:"source_url"`
	TargetPath          string `json:"target_path"`
	TotalBytes          int64  `json:"total_bytes"`
	FileDangerLevel     string `json:"file_danger_level"`
	RequireSafetyChecks *bool  `json:"require_safety_checks"`
	IsSavePackage       bool   `json:"is_save_package"`
	FromTrustedSource   bool   `json:"from_trusted_source"`
	IsTransient         bool   `json:"is_transient"`
	Obfuscated          bool   `json:"obfuscated"`
}

// HandleRegister accepts a new download into the pipeline.
func (h *AdminHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.TargetPath == "" {
		http.Error(w, "target_path is required", http.StatusBadRequest)

		return
	}

	rec := download.NewRecord(req.ID)
	if req.GUID != "" {
		rec.GUID = req.GUID
	}

	rec.SourceURL = req.SourceURL
	rec.TargetPath = req.TargetPath
	rec.TotalBytes = req.TotalBytes
	rec.IsSavePackage = req.IsSavePackage
	rec.FromTrustedSource = req.FromTrustedSource
	rec.IsTransient = req.IsTransient
	rec.Obfuscated = req.Obfuscated

	rec.RequireSafetyChecks = true
	if req.RequireSafetyChecks != nil {
		rec.RequireSafetyChecks = *req.RequireSafetyChecks
	}

	switch download.FileDangerLevel(req.FileDangerLevel) {
	case download.FileTypeAllowOnUserGesture, download.FileTypeDangerous:
		rec.FileDangerLevel = download.FileDangerLevel(req.FileDangerLevel)
	default:
		rec.FileDangerLevel = download.FileTypeNotDangerous
	}

	out := h.delegate.Register(r.Context(), rec)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)

	if err := json.NewEncoder(w).Encode(out); err != nil {
		logger.Error("failed to encode response", "err", err)
	}
}

// HandleListDownloads returns every tracked download.
func (h *AdminHandler) HandleListDownloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"downloads": h.registry.All(),
	})
}

// HandleGetDownload returns one download plus its journaled events.
func (h *AdminHandler) HandleGetDownload(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	guid := chi.URLParam(r, "guid")

	rec, ok := h.registry.GetByGUID(guid)
	if !ok {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	reports, err := h.journal.ReportsByGUID(r.Context(), guid)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Error("failed to query journal", "err", err)
		http.Error(w, "failed to query journal", http.StatusInternalServerError)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"download": rec,
		"reports":  reports,
	})
}

// HandleCompletion asks whether the download's bytes may be released. A
// pending answer means a verdict is still outstanding; the host polls the
// download until its state settles.
func (h *AdminHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")

	rec, ok := h.registry.GetByGUID(guid)
	if !ok {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	// The pipeline holds at most one completion waiter per download; a
	// repeat request while one is parked is a conflict, not a second waiter.
	if h.delegate.CompletionPending(rec.ID) {
		http.Error(w, "completion already pending", http.StatusConflict)

		return
	}

	ctx := logctx.WithDownload(r.Context(), rec.ID, rec.GUID)
	logger := logctx.LoggerFromContext(ctx)

	ready := h.delegate.DetermineIfReadyForCompletion(ctx, rec.ID, func() {
		logger.Info("download released for completion")
	})

	if ready {
		rec, _ = h.registry.UpdateByGUID(guid, func(rec *download.Record) {
			if rec.State == download.StateInProgress {
				rec.State = download.StateComplete
			}
		})
	} else {
		rec, _ = h.registry.GetByGUID(guid)
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"ready":    ready,
		"download": rec,
	})
}

// HandleOpened records that the user opened the file.
func (h *AdminHandler) HandleOpened(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")

	rec, ok := h.registry.GetByGUID(guid)
	if !ok {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	h.delegate.OnDownloadOpened(r.Context(), rec.ID)

	rec, _ = h.registry.GetByGUID(guid)
	writeJSON(w, r, http.StatusOK, map[string]any{"download": rec})
}

// HandleValidate applies the user's keep-anyway decision.
func (h *AdminHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")

	rec, ok := h.registry.GetByGUID(guid)
	if !ok {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	out, _ := h.delegate.ValidateDangerousDownload(r.Context(), rec.ID)
	writeJSON(w, r, http.StatusOK, map[string]any{"download": out})
}

// HandleCancel cancels the download on the user's behalf.
func (h *AdminHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")

	rec, ok := h.registry.GetByGUID(guid)
	if !ok {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	h.delegate.Cancel(r.Context(), rec.ID)

	rec, _ = h.registry.GetByGUID(guid)
	writeJSON(w, r, http.StatusOK, map[string]any{"download": rec})
}

// HandleDestroy removes every trace of a download.
func (h *AdminHandler) HandleDestroy(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")

	rec, ok := h.registry.GetByGUID(guid)
	if !ok {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	h.delegate.OnDownloadDestroyed(r.Context(), rec.ID)
	w.WriteHeader(http.StatusNoContent)
}

type verdictRequest struct {
	GUID    string `json:"guid"`
	Verdict string `json:"verdict"`
}

// HandleVerdict ingests one async verdict from the scanner. A verdict for an
// unknown or already-settled download is dropped; the response says whether
// it was applied, but dropping is not an error.
func (h *AdminHandler) HandleVerdict(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req verdictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	verdict, err := download.ParseVerdict(req.Verdict)
	if err != nil {
		logger.Error("rejected malformed verdict", "err", err)
		http.Error(w, (&classify.InvalidVerdictError{Raw: req.Verdict, Err: err}).Error(), http.StatusBadRequest)

		return
	}

	rec, ok := h.registry.GetByGUID(req.GUID)
	if !ok {
		logger.Debug("verdict for unknown download dropped", "guid", req.GUID, "verdict", verdict)
		writeJSON(w, r, http.StatusAccepted, map[string]any{"applied": false})

		return
	}

	out, applied := h.delegate.OnVerdict(r.Context(), rec.ID, verdict)

	writeJSON(w, r, http.StatusAccepted, map[string]any{
		"applied":  applied,
		"download": out,
	})
}

// HandleRecentReports serves the newest journal entries.
func (h *AdminHandler) HandleRecentReports(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	limit := defaultReportsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)

			return
		}

		limit = parsed
	}

	reports, err := h.journal.RecentReports(r.Context(), limit)
	if err != nil {
		logger.Error("failed to query journal", "err", err)
		http.Error(w, "failed to query journal", http.StatusInternalServerError)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"reports": reports})
}

// HandleHealthz is the liveness probe.
func (h *AdminHandler) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *AdminHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
