package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/fentz26/kosmos/internal/docstore"
	"github.com/fentz26/kosmos/internal/llm"
	"github.com/fentz26/kosmos/internal/logging"
	"github.com/fentz26/kosmos/internal/store"
	"github.com/fentz26/kosmos/internal/taskdoc"
	"github.com/fentz26/kosmos/internal/version"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 4 << 20

// Server provides the HTTP API for kosmos.
type Server struct {
	service *Service
	store   *store.Store
	addr    string
	logger  *log.Logger
	handler http.Handler
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, st *store.Store, addr string, logger *log.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		service: service,
		store:   st,
		addr:    addr,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/files", s.handleFiles)
	mux.HandleFunc("/api/files/", s.handleFileByName)
	mux.HandleFunc("/api/generate", s.handleGenerate)
	mux.HandleFunc("/api/generate/questions", s.handleQuestions)
	mux.HandleFunc("/api/generate/history", s.handleGenerations)
	mux.HandleFunc("/api/llm/health", s.handleLLMHealth)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeFail(w, http.StatusNotFound, "route not found")
	})
	s.handler = s.logRequests(mux)
	return s
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	s.logger.Info("starting kosmos daemon", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logf := s.logger.Info
		if rec.status >= 500 {
			logf = s.logger.Error
		}
		logf("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeFail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: version.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		resp.OK = false
		resp.DB = "error: " + err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleFiles handles GET and POST /api/files
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listFiles(w, r)
	case http.MethodPost:
		s.createFile(w, r)
	default:
		writeFail(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleFileByName handles /api/files/{name}/*
func (s *Server) handleFileByName(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/files/"), "/")
	parts := strings.Split(path, "/")

	if parts[0] == "" {
		writeFail(w, http.StatusBadRequest, "file name required")
		return
	}
	if parts[0] == "validate" && len(parts) == 1 {
		if r.Method != http.MethodPost {
			writeFail(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.validateFile(w, r)
		return
	}

	name := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getFile(w, r, name)
	case action == "" && r.Method == http.MethodPut:
		s.updateFile(w, r, name)
	case action == "" && r.Method == http.MethodDelete:
		s.deleteFile(w, r, name)
	case action == "parse" && r.Method == http.MethodGet:
		s.parseFile(w, r, name)
	case action == "progress" && r.Method == http.MethodGet:
		s.fileProgress(w, r, name)
	case action == "run" && r.Method == http.MethodPost:
		s.runFile(w, r, name)
	case action == "backups" && r.Method == http.MethodGet:
		s.fileBackups(w, r, name)
	case action == "history" && r.Method == http.MethodGet:
		s.fileHistory(w, r, name)
	case action == "steps" && len(parts) == 4:
		s.handleStep(w, r, name, parts[2], parts[3])
	default:
		writeFail(w, http.StatusNotFound, "route not found")
	}
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request, name, rawNum, action string) {
	num, err := strconv.Atoi(rawNum)
	if err != nil || num < 1 {
		writeFail(w, http.StatusBadRequest, "invalid step number: "+rawNum)
		return
	}

	switch {
	case action == "execute" && r.Method == http.MethodPost:
		s.executeStep(w, r, name, num)
	case action == "complete" && r.Method == http.MethodPatch:
		s.completeStep(w, r, name, num)
	case action == "skip" && r.Method == http.MethodPatch:
		s.skipStep(w, r, name, num)
	case action == "runs" && r.Method == http.MethodGet:
		s.stepRuns(w, r, name, num)
	default:
		writeFail(w, http.StatusNotFound, "route not found")
	}
}

// --- File Handlers ---

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.service.ListDocuments()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"count": len(files), "files": files})
}

type fileRequest struct {
	Name    string `json:"filename"`
	Content string `json:"content"`
}

func (s *Server) createFile(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" || req.Content == "" {
		writeFail(w, http.StatusBadRequest, "filename and content are required")
		return
	}

	if err := s.service.CreateDocument(req.Name, req.Content); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, envelope{"filename": req.Name})
}

func (s *Server) getFile(w http.ResponseWriter, r *http.Request, name string) {
	text, err := s.service.GetDocument(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"filename": name, "content": text})
}

func (s *Server) updateFile(w http.ResponseWriter, r *http.Request, name string) {
	var req fileRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Content == "" {
		writeFail(w, http.StatusBadRequest, "content is required")
		return
	}

	if err := s.service.UpdateDocument(name, req.Content); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"filename": name})
}

func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request, name string) {
	if err := s.service.DeleteDocument(name); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"filename": name})
}

func (s *Server) parseFile(w http.ResponseWriter, r *http.Request, name string) {
	doc, err := s.service.ParseDocument(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"filename": name, "document": doc})
}

func (s *Server) fileProgress(w http.ResponseWriter, r *http.Request, name string) {
	report, err := s.service.GetProgress(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"filename": name, "progress": report})
}

// validateFile checks posted content, or a stored file when only a
// filename is given.
func (s *Server) validateFile(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	if !decode(w, r, &req) {
		return
	}

	var res taskdoc.Result
	switch {
	case req.Content != "":
		res = s.service.Validate(req.Content)
	case req.Name != "":
		var err error
		if res, err = s.service.ValidateDocument(req.Name); err != nil {
			s.writeError(w, err)
			return
		}
	default:
		writeFail(w, http.StatusBadRequest, "content or filename is required")
		return
	}
	writeOK(w, http.StatusOK, envelope{"valid": res.Valid, "errors": res.Errors, "warnings": res.Warnings})
}

func (s *Server) fileBackups(w http.ResponseWriter, r *http.Request, name string) {
	backups, err := s.service.Backups(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"filename": name, "backups": backups})
}

func (s *Server) fileHistory(w http.ResponseWriter, r *http.Request, name string) {
	entries, err := s.service.History(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"filename": name, "history": entries})
}

type runRequest struct {
	DryRun     bool `json:"dry_run"`
	NoValidate bool `json:"no_validate"`
}

func (s *Server) runFile(w http.ResponseWriter, r *http.Request, name string) {
	var req runRequest
	if !decode(w, r, &req) {
		return
	}

	report, err := s.service.RunPending(r.Context(), name, RunOptions{DryRun: req.DryRun, SkipValidation: req.NoValidate})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"report": report})
}

// --- Step Handlers ---

func (s *Server) executeStep(w http.ResponseWriter, r *http.Request, name string, num int) {
	var (
		exec *StepExecution
		err  error
	)
	if r.URL.Query().Get("apply") == "true" {
		exec, err = s.service.RunStep(r.Context(), name, num)
	} else {
		exec, err = s.service.ExecuteStep(r.Context(), name, num)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{
		"step":      exec.Step,
		"execution": exec.Result,
		"run":       exec.Run,
		"applied":   exec.Applied,
		"progress":  exec.Progress,
	})
}

type stepNoteRequest struct {
	Note   string `json:"note"`
	Reason string `json:"reason"`
}

func (s *Server) completeStep(w http.ResponseWriter, r *http.Request, name string, num int) {
	var req stepNoteRequest
	if !decode(w, r, &req) {
		return
	}
	ch, err := s.service.CompleteStep(name, num, req.Note)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{
		"message":  "step " + strconv.Itoa(num) + " marked as completed",
		"step":     ch.Step,
		"progress": ch.Progress,
	})
}

func (s *Server) skipStep(w http.ResponseWriter, r *http.Request, name string, num int) {
	var req stepNoteRequest
	if !decode(w, r, &req) {
		return
	}
	ch, err := s.service.SkipStep(name, num, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{
		"message":  "step " + strconv.Itoa(num) + " skipped",
		"step":     ch.Step,
		"progress": ch.Progress,
	})
}

func (s *Server) stepRuns(w http.ResponseWriter, r *http.Request, name string, num int) {
	runs, err := s.service.StepRuns(name, num)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"runs": runs})
}

// --- Generation Handlers ---

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeFail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req GenerateRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := s.service.GenerateDocument(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrGeneratedInvalid) && res != nil {
			writeJSON(w, http.StatusUnprocessableEntity, envelope{
				"success":  false,
				"error":    ErrGeneratedInvalid.Error(),
				"errors":   res.Validation.Errors,
				"filename": res.Name,
				"content":  res.Content,
			})
			return
		}
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Saved {
		status = http.StatusCreated
	}
	writeOK(w, status, envelope{"filename": res.Name, "content": res.Content, "saved": res.Saved, "warnings": res.Validation.Warnings})
}

type questionsRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeFail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req questionsRequest
	if !decode(w, r, &req) {
		return
	}
	qs, err := s.service.Questions(r.Context(), req.Prompt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"questions": qs})
}

func (s *Server) handleGenerations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeFail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeFail(w, http.StatusBadRequest, "limit must be a positive number")
			return
		}
		limit = n
	}
	gens, err := s.service.Generations(limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"count": len(gens), "generations": gens})
}

func (s *Server) handleLLMHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeFail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.service.generator == nil {
		writeOK(w, http.StatusOK, envelope{"available": false, "error": ErrGeneratorDisabled.Error()})
		return
	}
	writeOK(w, http.StatusOK, envelope{"available": true, "model": s.service.generator.Model()})
}

// --- Responses ---

type envelope map[string]interface{}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, status int, body envelope) {
	if body == nil {
		body = envelope{}
	}
	body["success"] = true
	writeJSON(w, status, body)
}

func writeFail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{"success": false, "error": msg})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeFail(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// writeError maps service errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *taskdoc.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, envelope{"success": false, "error": "document failed validation", "errors": verr.Errors})
		return
	}

	var apiErr *llm.APIError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrDocumentNotFound), errors.Is(err, ErrStepNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrStepCompleted), errors.Is(err, ErrDocumentExists), errors.Is(err, ErrDocumentLocked):
		status = http.StatusConflict
	case errors.Is(err, ErrNoCode), errors.Is(err, ErrEmptyPrompt), errors.Is(err, docstore.ErrInvalidName):
		status = http.StatusBadRequest
	case errors.Is(err, ErrGeneratorDisabled):
		status = http.StatusNotImplemented
	case errors.As(err, &apiErr), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	writeFail(w, status, err.Error())
}
