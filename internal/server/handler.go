// Package server exposes the HTTP surface: multipart job submission, job
// lookup and listing, field updates, result download, and the per-job SSE
// stream.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/extractable/extractable/constants"
	"github.com/extractable/extractable/internal/entity"
	"github.com/extractable/extractable/internal/events"
	"github.com/extractable/extractable/internal/export"
	"github.com/extractable/extractable/internal/repository"
)

const defaultMaxUploadSize = 32 << 20

// Enqueuer schedules a created job. Satisfied by queue.Manager.
type Enqueuer interface {
	Enqueue(job *entity.Extraction, input []byte) error
}

type Handler struct {
	store         repository.Store
	queue         Enqueuer
	events        *events.Broadcaster
	metricsH      http.Handler
	log           *slog.Logger
	maxUploadSize int64
}

func NewHandler(store repository.Store, q Enqueuer, bc *events.Broadcaster, metricsHandler http.Handler, logger *slog.Logger, maxUploadSize int64) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxUploadSize <= 0 {
		maxUploadSize = defaultMaxUploadSize
	}
	return &Handler{
		store:         store,
		queue:         q,
		events:        bc,
		metricsH:      metricsHandler,
		log:           logger,
		maxUploadSize: maxUploadSize,
	}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/extractions", h.CreateExtraction)
	mux.HandleFunc("GET /api/v1/extractions", h.ListExtractions)
	mux.HandleFunc("GET /api/v1/extractions/{id}", h.GetExtraction)
	mux.HandleFunc("PATCH /api/v1/extractions/{id}", h.UpdateExtraction)
	mux.HandleFunc("GET /api/v1/extractions/{id}/events", h.StreamEvents)
	mux.HandleFunc("GET /api/v1/extractions/{id}/download", h.Download)
	mux.HandleFunc("GET /healthz", h.Health)
	if h.metricsH != nil {
		mux.Handle("GET /metrics", h.metricsH)
	}
}

// CreateExtraction handles the multipart submission and responds 202 with
// the pending job. The upload bytes go to the queue and are never written
// to disk here.
func (h *Handler) CreateExtraction(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	ext := constants.NormalizeExt(filepath.Ext(header.Filename))
	if _, allowed := constants.AllowedExtensions[ext]; !allowed {
		writeError(w, http.StatusUnsupportedMediaType,
			fmt.Sprintf("unsupported file extension %q", ext))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty file")
		return
	}

	job := &entity.Extraction{
		ID:               uuid.New(),
		UserID:           userID,
		Status:           constants.JobStatusPending,
		Priority:         constants.ParsePriority(r.FormValue("priority")),
		Complexity:       constants.ParseComplexity(r.FormValue("complexity")),
		InputKind:        constants.KindForFilename(header.Filename),
		InputFilename:    header.Filename,
		ColumnsRequested: parseColumns(r.FormValue("columns")),
		MultipleTables:   parseBool(r.FormValue("multiple_tables")),
		OutputFormat:     parseFormat(r.FormValue("output_format")),
		CreatedAt:        time.Now().UTC(),
	}

	if err := h.store.Create(r.Context(), job); err != nil {
		h.log.Error("server.create_failed", "error", err)
		writeAppError(w, err)
		return
	}
	if err := h.queue.Enqueue(job, data); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not accepting jobs")
		return
	}
	if h.events != nil {
		h.events.Broadcast(job.ID, events.Notification(job.ID, "Extraction Created",
			"Your extraction has been queued", "info"))
	}
	h.log.Info("server.extraction_created", "job_id", job.ID, "user_id", userID,
		"filename", header.Filename, "size", len(data), "priority", job.Priority)

	writeJSON(w, http.StatusAccepted, job)
}

// GetExtraction handles GET /api/v1/extractions/{id}.
func (h *Handler) GetExtraction(w http.ResponseWriter, r *http.Request) {
	job, ok := h.fetch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListExtractions handles GET /api/v1/extractions with page/page_size.
func (h *Handler) ListExtractions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	page := parseIntParam(r.URL.Query().Get("page"), 1)
	pageSize := parseIntParam(r.URL.Query().Get("page_size"), 20)

	items, total, err := h.store.ListByUser(r.Context(), userID, page, pageSize)
	if err != nil {
		h.log.Error("server.list_failed", "error", err)
		writeAppError(w, err)
		return
	}
	if items == nil {
		items = []*entity.Extraction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"extractions": items,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
	})
}

type updateRequest struct {
	InputFilename    *string  `json:"input_filename"`
	ColumnsRequested []string `json:"columns_requested"`
	MultipleTables   *bool    `json:"multiple_tables"`
}

// UpdateExtraction handles PATCH /api/v1/extractions/{id}. Only the display
// filename may change once the job has left pending.
func (h *Handler) UpdateExtraction(w http.ResponseWriter, r *http.Request) {
	job, ok := h.fetch(w, r)
	if !ok {
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := job.Apply(entity.Update{
		InputFilename:    req.InputFilename,
		ColumnsRequested: req.ColumnsRequested,
		MultipleTables:   req.MultipleTables,
	}); err != nil {
		writeAppError(w, err)
		return
	}
	if err := h.store.UpdateFields(r.Context(), job); err != nil {
		h.log.Error("server.update_failed", "job_id", job.ID, "error", err)
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Download handles GET /api/v1/extractions/{id}/download?format=. The stored
// table data is rendered on the fly; format defaults to the one chosen at
// submission.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	job, ok := h.fetch(w, r)
	if !ok {
		return
	}
	if job.Status != constants.JobStatusCompleted {
		writeError(w, http.StatusConflict, "extraction is not completed")
		return
	}

	format := job.OutputFormat
	if q := r.URL.Query().Get("format"); q != "" {
		format = parseFormat(q)
	}

	var td entity.TableData
	if len(job.TableData) > 0 {
		if err := json.Unmarshal(job.TableData, &td); err != nil {
			h.log.Error("server.bad_table_data", "job_id", job.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "stored result is unreadable")
			return
		}
	}

	base := strings.TrimSuffix(job.InputFilename, filepath.Ext(job.InputFilename))
	if base == "" {
		base = job.ID.String()
	}

	switch format {
	case constants.FormatCSV:
		out, err := export.CSV(td)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "csv render failed")
			return
		}
		serveFile(w, base+".csv", "text/csv", out)
	case constants.FormatExcel:
		out, err := export.XLSX(td)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "xlsx render failed")
			return
		}
		serveFile(w, base+".xlsx",
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", out)
	default:
		serveFile(w, base+".json", "application/json", job.TableData)
	}
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fetch resolves the path id to a job, writing the error response itself
// when it cannot.
func (h *Handler) fetch(w http.ResponseWriter, r *http.Request) (*entity.Extraction, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid extraction id")
		return nil, false
	}
	job, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return nil, false
	}
	return job, true
}

// userID reads the caller identity from the X-User-ID header.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing X-User-ID header")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid X-User-ID header")
		return 0, false
	}
	return id, true
}

func serveFile(w http.ResponseWriter, name, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}

func parseColumns(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}

func parseFormat(raw string) constants.OutputFormat {
	switch constants.OutputFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case constants.FormatCSV:
		return constants.FormatCSV
	case constants.FormatExcel:
		return constants.FormatExcel
	default:
		return constants.FormatJSON
	}
}

// parseIntParam parses a query integer, returning the fallback on empty or
// invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
