package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	middleware "github.com/markdave123-py/docpipe/internal/api/middlewares"
	objectclient "github.com/markdave123-py/docpipe/internal/core/object-client"
	"github.com/markdave123-py/docpipe/internal/core/processing_engine"
	"github.com/markdave123-py/docpipe/internal/logging"
	"github.com/markdave123-py/docpipe/internal/models"
	"github.com/markdave123-py/docpipe/internal/services"
)

const multipartMemory = 8 << 20

// Processor is what the handlers need from the orchestrator.
type Processor interface {
	Process(ctx context.Context, src models.Source, opts models.Options) *models.ProcessingResult
	ProcessAsync(ctx context.Context, src models.Source, opts models.Options, done ...processing_engine.Completion) (string, error)
	ProcessBatch(ctx context.Context, sources []models.Source, optsList []models.Options, done ...processing_engine.Completion) ([]string, error)
	WaitForBatch(ctx context.Context, ids []string, timeout time.Duration) map[string]models.TaskResult
	TaskResult(id string) models.TaskResult
	QueueStatus() models.QueueStatus
}

type DocumentHandler struct {
	proc      Processor
	archive   *services.DocumentService
	maxUpload int64
	logger    *zap.Logger
}

// NewDocumentHandler builds the processing endpoints. archive may be nil.
func NewDocumentHandler(proc Processor, archive *services.DocumentService, maxUpload int64, logger *zap.Logger) *DocumentHandler {
	return &DocumentHandler{
		proc:      proc,
		archive:   archive,
		maxUpload: maxUpload,
		logger:    logging.OrNop(logger).Named("http"),
	}
}

// processRequest is the JSON form of a processing request. Exactly one of
// Text, Records or URL is used.
type processRequest struct {
	Name    string           `json:"name"`
	Text    *string          `json:"text,omitempty"`
	Records []map[string]any `json:"records,omitempty"`
	URL     string           `json:"url,omitempty"`
	Options models.Options   `json:"options"`
}

// upload is a request body spooled to disk.
type upload struct {
	src     models.Source
	cleanup func()
}

// Process runs the pipeline synchronously and returns the envelope.
func (h *DocumentHandler) Process(w http.ResponseWriter, r *http.Request) {
	up, opts, err := h.readRequest(w, r)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	defer up.cleanup()

	if h.archive != nil && up.src.Kind == models.SourceFile {
		h.archiveCopy(r.Context(), opts.TenantID, up.src)
	}

	res := h.proc.Process(r.Context(), up.src, opts)
	status := http.StatusOK
	if res.Error != "" {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

// ProcessAsync queues the request and answers 202 with the task id.
// Uploads are archived and processed from object storage when archiving is
// on; otherwise the spooled file lives until the task completes.
func (h *DocumentHandler) ProcessAsync(w http.ResponseWriter, r *http.Request) {
	up, opts, err := h.readRequest(w, r)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	src, cleanup := h.detach(r.Context(), opts.TenantID, up)
	id, err := h.proc.ProcessAsync(r.Context(), src, opts, func(models.Source, *models.ProcessingResult) { cleanup() })
	if err != nil {
		cleanup()
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

// Batch queues one task per uploaded file in the files[] field. An optional
// options field holds JSON options shared by every file.
func (h *DocumentHandler) Batch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse multipart form: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	opts, err := formOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opts.TenantID = middleware.TenantFromContext(r.Context())

	files := r.MultipartForm.File["files[]"]
	if len(files) == 0 {
		files = r.MultipartForm.File["files"]
	}
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("no files in files[]"))
		return
	}

	sources := make([]models.Source, 0, len(files))
	cleanups := make(map[string]func(), len(files))
	for _, fh := range files {
		up, err := h.spoolPart(fh)
		if err != nil {
			for _, c := range cleanups {
				c()
			}
			writeError(w, http.StatusBadRequest, err)
			return
		}
		src, cleanup := h.detach(r.Context(), opts.TenantID, up)
		sources = append(sources, src)
		cleanups[sourceKey(src)] = cleanup
	}

	ids, err := h.proc.ProcessBatch(r.Context(), sources, []models.Options{opts}, func(src models.Source, _ *models.ProcessingResult) {
		if c, ok := cleanups[sourceKey(src)]; ok {
			c()
		}
	})
	if err != nil {
		// sources that never made it into the queue still hold their spool
		for _, src := range sources[len(ids):] {
			cleanups[sourceKey(src)]()
		}
		writeJSON(w, statusFor(err), map[string]any{"task_ids": ids, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_ids": ids})
}

type waitRequest struct {
	TaskIDs   []string `json:"task_ids"`
	TimeoutMS int64    `json:"timeout_ms"`
}

// WaitBatch blocks until the listed tasks finish or the timeout elapses.
func (h *DocumentHandler) WaitBatch(w http.ResponseWriter, r *http.Request) {
	var req waitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if len(req.TaskIDs) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("task_ids is required"))
		return
	}
	res := h.proc.WaitForBatch(r.Context(), req.TaskIDs, time.Duration(req.TimeoutMS)*time.Millisecond)
	writeJSON(w, http.StatusOK, res)
}

// readRequest accepts either a multipart upload in the file field or a JSON
// processRequest. The tenant always comes from the request context.
func (h *DocumentHandler) readRequest(w http.ResponseWriter, r *http.Request) (upload, models.Options, error) {
	none := upload{cleanup: func() {}}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	tenant := middleware.TenantFromContext(r.Context())

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return none, models.Options{}, badRequest(fmt.Errorf("parse multipart form: %w", err))
		}
		defer r.MultipartForm.RemoveAll()

		opts, err := formOptions(r)
		if err != nil {
			return none, models.Options{}, err
		}
		opts.TenantID = tenant

		files := r.MultipartForm.File["file"]
		if len(files) == 0 {
			return none, models.Options{}, badRequest(errors.New("invalid file"))
		}
		up, err := h.spoolPart(files[0])
		if err != nil {
			return none, models.Options{}, badRequest(err)
		}
		return up, opts, nil
	}

	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return none, models.Options{}, badRequest(fmt.Errorf("invalid body: %w", err))
	}
	req.Options.TenantID = tenant

	var src models.Source
	switch {
	case req.Text != nil:
		src = models.TextSource(req.Name, *req.Text)
	case req.Records != nil:
		src = models.RecordsSource(req.Name, req.Records)
	case req.URL != "":
		bucket, key, err := objectclient.ParseObjectURL(req.URL)
		if err != nil {
			return none, models.Options{}, badRequest(err)
		}
		src = models.ObjectSource(bucket, key)
		if req.Name != "" {
			src.Name = req.Name
		}
	default:
		return none, models.Options{}, badRequest(errors.New("one of text, records or url is required"))
	}
	if src.Name == "" {
		src.Name = "inline"
	}
	if err := src.Validate(); err != nil {
		return none, models.Options{}, badRequest(err)
	}
	return upload{src: src, cleanup: func() {}}, req.Options, nil
}

// spoolPart copies one multipart file to a temp file.
func (h *DocumentHandler) spoolPart(fh *multipart.FileHeader) (upload, error) {
	part, err := fh.Open()
	if err != nil {
		return upload{}, fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer part.Close()

	name := filepath.Base(fh.Filename)
	f, err := os.CreateTemp("", "upload-*"+filepath.Ext(name))
	if err != nil {
		return upload{}, fmt.Errorf("spool upload: %w", err)
	}
	if _, err := io.Copy(f, part); err != nil {
		f.Close()
		os.Remove(f.Name())
		return upload{}, fmt.Errorf("spool upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return upload{}, fmt.Errorf("spool upload: %w", err)
	}

	path := f.Name()
	src := models.FileSource(path)
	src.Name = name
	src.ContentType = fh.Header.Get("Content-Type")
	if src.ContentType == "application/octet-stream" {
		src.ContentType = ""
	}
	return upload{src: src, cleanup: func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.logger.Warn("could not remove spooled upload", zap.String("path", path), zap.Error(err))
		}
	}}, nil
}

// detach prepares a source for background processing. With archiving on,
// the spooled file is uploaded and removed at once and the task reads the
// archived object; otherwise the spool is kept until cleanup.
func (h *DocumentHandler) detach(ctx context.Context, tenant string, up upload) (models.Source, func()) {
	if h.archive == nil || up.src.Kind != models.SourceFile {
		return up.src, up.cleanup
	}
	a, ok := h.archiveCopy(ctx, tenant, up.src)
	if !ok {
		return up.src, up.cleanup
	}
	up.cleanup()
	return a.Source(up.src.Name, up.src.ContentType), func() {}
}

func (h *DocumentHandler) archiveCopy(ctx context.Context, tenant string, src models.Source) (services.Archived, bool) {
	f, err := os.Open(src.Path)
	if err != nil {
		h.logger.Warn("archive skipped", zap.String("source", src.Name), zap.Error(err))
		return services.Archived{}, false
	}
	defer f.Close()

	a, err := h.archive.Archive(ctx, tenant, src.Name, src.ContentType, f)
	if err != nil {
		h.logger.Warn("archive failed", zap.String("source", src.Name), zap.Error(err))
		return services.Archived{}, false
	}
	return a, true
}

func formOptions(r *http.Request) (models.Options, error) {
	var opts models.Options
	if raw := r.FormValue("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			return opts, badRequest(fmt.Errorf("invalid options: %w", err))
		}
	}
	return opts, nil
}

func sourceKey(src models.Source) string {
	if src.Kind == models.SourceObject {
		return src.Bucket + "/" + src.Key
	}
	return src.Path
}
