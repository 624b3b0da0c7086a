// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/flowshelf/internal/events"
	"github.com/fruitsalade/flowshelf/internal/logging"
	"github.com/fruitsalade/flowshelf/internal/metrics"
	"github.com/fruitsalade/flowshelf/internal/models"
	"github.com/fruitsalade/flowshelf/internal/prefs"
	"github.com/fruitsalade/flowshelf/internal/protocol"
	"github.com/fruitsalade/flowshelf/internal/tree"
)

const (
	maxJSONBody       = 1 << 20
	defaultActivity   = 50
	maxActivity       = 500
	multipartMemLimit = 8 << 20
	codeBadRequest    = "bad_request"
	codeTooLarge      = "too_large"
)

// ActivityLog is the read side of the activity journal.
type ActivityLog interface {
	Recent(ctx context.Context, limit int) ([]models.Activity, error)
}

// Server is the HTTP server.
type Server struct {
	mutator       *tree.Mutator
	lister        *tree.Lister
	prefs         *prefs.Store
	broadcaster   *events.Broadcaster
	activity      ActivityLog
	maxUploadSize int64
}

// NewServer creates a new server.
func NewServer(
	mutator *tree.Mutator,
	lister *tree.Lister,
	prefStore *prefs.Store,
	broadcaster *events.Broadcaster,
	maxUploadSize int64,
) *Server {
	return &Server{
		mutator:       mutator,
		lister:        lister,
		prefs:         prefStore,
		broadcaster:   broadcaster,
		maxUploadSize: maxUploadSize,
	}
}

// SetActivityLog enables the activity endpoint.
func (s *Server) SetActivityLog(a ActivityLog) {
	s.activity = a
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Read endpoints
	mux.HandleFunc("GET /workflow-manager/browse", s.handleBrowse)
	mux.HandleFunc("GET /workflow-manager/read-workflow", s.handleReadWorkflow)
	mux.HandleFunc("GET /workflow-manager/preview", s.handlePreview)
	mux.HandleFunc("GET /workflow-manager/activity", s.handleActivity)

	// Write endpoints
	mux.HandleFunc("POST /workflow-manager/create-folder", s.handleCreateFolder)
	mux.HandleFunc("POST /workflow-manager/rename", s.handleRename)
	mux.HandleFunc("POST /workflow-manager/move", s.handleMove)
	mux.HandleFunc("POST /workflow-manager/copy", s.handleCopy)
	mux.HandleFunc("POST /workflow-manager/delete", s.handleDelete)
	mux.HandleFunc("POST /workflow-manager/upload-preview", s.handleUploadPreview)
	mux.HandleFunc("POST /workflow-manager/upload-workflow", s.handleUploadWorkflow)
	mux.HandleFunc("POST /workflow-manager/save-view-mode", s.handleSaveViewMode)

	// SSE endpoint
	mux.HandleFunc("GET /workflow-manager/events", s.handleEvents)

	return metrics.Middleware(logging.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok"})
}

// ─── Browse & read ──────────────────────────────────────────────────────────

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSpace(r.URL.Query().Get("path"))

	nodes, err := s.lister.List(r.Context(), path)
	if err != nil {
		s.sendTreeError(w, r, err)
		return
	}

	s.sendJSON(w, http.StatusOK, protocol.BrowseResponse{
		Success:     true,
		CurrentPath: path,
		Items:       protocol.FromNodes(nodes),
		Config:      s.prefs.Get(),
	})
}

func (s *Server) handleReadWorkflow(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		s.sendError(w, http.StatusBadRequest, tree.KindInvalidPath, "workflow path is required")
		return
	}

	data, err := s.lister.ReadWorkflow(r.Context(), path)
	if err != nil {
		s.sendTreeError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.ReadWorkflowResponse{
		Success:  true,
		Workflow: json.RawMessage(data),
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSpace(r.URL.Query().Get("path"))
	if path == "" {
		s.sendError(w, http.StatusBadRequest, tree.KindInvalidPath, "workflow path is required")
		return
	}

	p, err := s.lister.Preview(r.Context(), path)
	if err != nil {
		s.sendTreeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", p.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(p.Content)))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	w.Write(p.Content)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if s.activity == nil {
		s.sendError(w, http.StatusNotFound, tree.KindNotFound, "activity journal is disabled")
		return
	}

	limit := defaultActivity
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.sendError(w, http.StatusBadRequest, codeBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxActivity)
	}

	entries, err := s.activity.Recent(r.Context(), limit)
	if err != nil {
		logging.WithContext(r.Context()).Error("read activity failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, tree.KindIOFailure, "failed to read activity")
		return
	}
	if entries == nil {
		entries = []models.Activity{}
	}
	s.sendJSON(w, http.StatusOK, protocol.ActivityResponse{Success: true, Entries: entries})
}

// ─── Mutations ──────────────────────────────────────────────────────────────

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateFolderRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	res, err := s.mutator.CreateDirectory(r.Context(),
		strings.TrimSpace(req.ParentPath), strings.TrimSpace(req.Name))
	if err != nil {
		s.sendTreeError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.PathResponse{Success: true, Path: res.Path})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req protocol.RenameRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	res, err := s.mutator.Rename(r.Context(),
		strings.TrimSpace(req.OldPath), strings.TrimSpace(req.NewName), syncPreview(req.SyncPreview))
	if err != nil {
		s.sendTreeError(w, r, err)
		return
	}
	s.sendMutation(w, res, true)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req protocol.TransferRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	res, err := s.mutator.Move(r.Context(),
		strings.TrimSpace(req.SourcePath), strings.TrimSpace(req.TargetDir), syncPreview(req.SyncPreview))
	if err != nil {
		s.sendTreeError(w, r, err)
		return
	}
	s.sendMutation(w, res, true)
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	var req protocol.TransferRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	res, err := s.mutator.Copy(r.Context(),
		strings.TrimSpace(req.SourcePath), strings.TrimSpace(req.TargetDir), syncPreview(req.SyncPreview))
	if err != nil {
		s.sendTreeError(w, r, err)
		return
	}
	s.sendMutation(w, res, true)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req protocol.DeleteRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	res, err := s.mutator.Delete(r.Context(), strings.TrimSpace(req.Path), syncPreview(req.SyncPreview))
	if err != nil {
		s.sendTreeError(w, r, err)
		return
	}
	s.sendMutation(w, res, false)
}

func (s *Server) sendMutation(w http.ResponseWriter, res tree.Result, withPath bool) {
	resp := protocol.MutationResponse{Success: true}
	if withPath {
		resp.NewPath = res.Path
	}
	if c := res.Companion; c != nil {
		resp.Companion = &protocol.Companion{Source: c.Source, Target: c.Target, Warning: c.Warning}
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// syncPreview defaults to true when the field is omitted.
func syncPreview(v *bool) bool {
	return v == nil || *v
}

// ─── Uploads ────────────────────────────────────────────────────────────────

func (s *Server) handleUploadPreview(w http.ResponseWriter, r *http.Request) {
	if !s.parseMultipart(w, r) {
		return
	}
	defer r.MultipartForm.RemoveAll()

	workflowPath := strings.TrimSpace(r.FormValue("workflow_path"))
	file, _, err := r.FormFile("preview_file")
	if workflowPath == "" || err != nil {
		s.sendError(w, http.StatusBadRequest, codeBadRequest, "workflow_path and preview_file are required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, codeBadRequest, "failed to read preview_file")
		return
	}

	target, err := s.mutator.SavePreview(r.Context(), workflowPath, content)
	if err != nil {
		s.sendTreeError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.UploadPreviewResponse{Success: true, Path: target})
}

func (s *Server) handleUploadWorkflow(w http.ResponseWriter, r *http.Request) {
	if !s.parseMultipart(w, r) {
		return
	}
	defer r.MultipartForm.RemoveAll()

	targetDir := strings.TrimSpace(r.FormValue("target_dir"))
	createDirs := strings.EqualFold(strings.TrimSpace(r.FormValue("create_dirs")), "true")

	var files []tree.UploadFile
	for _, fh := range r.MultipartForm.File["workflow_files"] {
		if fh.Filename == "" {
			continue
		}
		f, err := fh.Open()
		if err != nil {
			s.sendError(w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("failed to read %s", fh.Filename))
			return
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			s.sendError(w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("failed to read %s", fh.Filename))
			return
		}
		files = append(files, tree.UploadFile{Filename: fh.Filename, Content: content})
	}
	if len(files) == 0 {
		s.sendError(w, http.StatusBadRequest, codeBadRequest, "no workflow files")
		return
	}

	result, err := s.mutator.Upload(r.Context(), targetDir, files, createDirs)
	if err != nil {
		s.sendTreeError(w, r, err)
		return
	}

	errs := make([]string, 0, len(result.Failed))
	failed := make([]protocol.FailedFile, 0, len(result.Failed))
	for _, f := range result.Failed {
		errs = append(errs, f.Filename+": "+f.Err.Error())
		failed = append(failed, protocol.FailedFile{
			Filename: f.Filename,
			Error:    f.Err.Error(),
			Code:     tree.KindOf(f.Err),
		})
	}

	if len(result.Uploaded) == 0 {
		kind := tree.KindOf(result.Failed[0].Err)
		s.sendError(w, statusFor(kind), kind, "all uploads failed: "+strings.Join(errs, "; "))
		return
	}

	uploaded := make([]protocol.UploadedFile, 0, len(result.Uploaded))
	for _, u := range result.Uploaded {
		uploaded = append(uploaded, protocol.UploadedFile{Filename: u.Filename, Path: u.Path})
	}
	msg := fmt.Sprintf("uploaded %d workflow files", len(uploaded))
	if len(failed) > 0 {
		msg += fmt.Sprintf(", %d failed", len(failed))
	}
	s.sendJSON(w, http.StatusOK, protocol.UploadResponse{
		Success:       true,
		Message:       msg,
		UploadedFiles: uploaded,
		Uploaded:      len(uploaded),
		FailedFiles:   failed,
		Failed:        len(failed),
		Errors:        errs,
	})
}

// parseMultipart enforces the upload size limit and parses the form.
func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) bool {
	if r.ContentLength > s.maxUploadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge, codeTooLarge,
			fmt.Sprintf("upload too large: max %d bytes", s.maxUploadSize))
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	if err := r.ParseMultipartForm(multipartMemLimit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge, codeTooLarge,
				fmt.Sprintf("upload too large: max %d bytes", s.maxUploadSize))
			return false
		}
		s.sendError(w, http.StatusBadRequest, codeBadRequest, "invalid multipart form")
		return false
	}
	return true
}

// ─── Preferences ────────────────────────────────────────────────────────────

func (s *Server) handleSaveViewMode(w http.ResponseWriter, r *http.Request) {
	var req protocol.ViewModeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.prefs.SetViewMode(strings.TrimSpace(req.ViewMode)); err != nil {
		s.sendError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.OKResponse{Success: true})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, tree.KindIOFailure, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	metrics.SetSSEConnectionsActive(int64(s.broadcaster.Count()))
	defer func() {
		s.broadcaster.Unsubscribe(ch)
		metrics.SetSSEConnectionsActive(int64(s.broadcaster.Count()))
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, kind, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{
		Success: false,
		Error:   message,
		Code:    kind,
	})
}

// sendTreeError maps a tree error to its HTTP status.
func (s *Server) sendTreeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := tree.KindOf(err)
	code := statusFor(kind)
	if code == http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed", zap.Error(err))
	}
	s.sendError(w, code, kind, err.Error())
}

func statusFor(kind string) int {
	switch kind {
	case tree.KindInvalidPath, tree.KindIllegalName, tree.KindUnsupportedType, tree.KindInvalidDocument:
		return http.StatusBadRequest
	case tree.KindNotFound:
		return http.StatusNotFound
	case tree.KindAlreadyExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
