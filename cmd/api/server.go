package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"expedientes/auth"
	"expedientes/db"
	"expedientes/duration"
	"expedientes/folder"
	"expedientes/stage"
	"expedientes/statushistory"
)

type contextKey string

const ctxKeyUserID contextKey = "userID"

type pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	folderService *folder.Service
	statusService *statushistory.Service
	stageService  *stage.Service
	authService   *auth.Service
	health        pinger
	logger        *slog.Logger
}

func NewServer(
	folderService *folder.Service,
	statusService *statushistory.Service,
	stageService *stage.Service,
	authService *auth.Service,
	health pinger,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		folderService: folderService,
		statusService: statusService,
		stageService:  stageService,
		authService:   authService,
		health:        health,
		logger:        logger,
	}
}

// Handler wires every route. Everything under /api requires a bearer token.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/stages", s.handleCatalog)
	api.HandleFunc("/api/stages/", s.handleStageDetail)
	api.HandleFunc("/api/folders", s.handleFolders)
	api.HandleFunc("/api/folders/", s.handleFolderDetail)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/api/", s.requireUser(api))
	return s.logRequests(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", slog.Any("error", err))
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- stages ---

type catalogResponse struct {
	Stages        []stage.Definition                  `json:"stages"`
	StagesByPhase map[folder.Phase][]stage.Definition `json:"stagesByPhase"`
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	catalog := s.stageService.Catalog()
	writeJSON(w, http.StatusOK, catalogResponse{
		Stages:        catalog.Definitions(),
		StagesByPhase: catalog.ByPhase(),
	})
}

// handleStageDetail serves /api/stages/{folderId}/{action}.
func (s *Server) handleStageDetail(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/stages/")
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	folderID, action := parts[0], parts[1]

	switch action {
	case "start-stage":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleStartStage(w, r, folderID)
	case "end-current-stage":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleEndCurrentStage(w, r, folderID)
	case "events":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleStageEvents(w, r, folderID)
	case "stats":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleProcessStats(w, r, folderID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

type startStageRequest struct {
	StageName string `json:"stageName"`
	Notes     string `json:"notes"`
}

func (s *Server) handleStartStage(w http.ResponseWriter, r *http.Request, folderID string) {
	var req startStageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if strings.TrimSpace(req.StageName) == "" {
		writeError(w, http.StatusBadRequest, "stageName is required")
		return
	}

	f, err := s.stageService.Start(r.Context(), folderID, req.StageName, userIDFrom(r.Context()), req.Notes)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFolderResponse(f))
}

type endStageRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleEndCurrentStage(w http.ResponseWriter, r *http.Request, folderID string) {
	var req endStageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	f, err := s.stageService.EndCurrent(r.Context(), folderID, userIDFrom(r.Context()), req.Notes)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFolderResponse(f))
}

type stageEventResponse struct {
	ID           string              `json:"id"`
	FolderID     string              `json:"folderId"`
	StageName    string              `json:"stageName"`
	Phase        folder.Phase        `json:"phase"`
	EventType    stage.EventType     `json:"eventType"`
	StageOrder   int                 `json:"stageOrder"`
	RegisteredBy string              `json:"registeredBy"`
	Notes        string              `json:"notes,omitempty"`
	DurationMs   *int64              `json:"durationMs,omitempty"`
	Duration     *duration.Breakdown `json:"duration,omitempty"`
	CreatedAt    string              `json:"createdAt"`
}

func toStageEventResponse(ev stage.Event) stageEventResponse {
	resp := stageEventResponse{
		ID:           ev.ID,
		FolderID:     ev.FolderID,
		StageName:    ev.StageName,
		Phase:        ev.Phase,
		EventType:    ev.Type,
		StageOrder:   ev.StageOrder,
		RegisteredBy: ev.RegisteredBy,
		Notes:        ev.Notes,
		DurationMs:   ev.DurationMs,
		CreatedAt:    formatTime(ev.CreatedAt),
	}
	if ev.DurationMs != nil {
		b := duration.FromMillis(*ev.DurationMs)
		resp.Duration = &b
	}
	return resp
}

func (s *Server) handleStageEvents(w http.ResponseWriter, r *http.Request, folderID string) {
	events, err := s.stageService.Events(r.Context(), folderID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]stageEventResponse, 0, len(events))
	for _, ev := range events {
		items = append(items, toStageEventResponse(ev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleProcessStats(w http.ResponseWriter, r *http.Request, folderID string) {
	stats, err := s.stageService.ProcessStats(r.Context(), folderID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- folders ---

type folderResponse struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Subject      string        `json:"subject,omitempty"`
	OwnerID      string        `json:"ownerId"`
	Status       folder.Status `json:"status"`
	CurrentPhase folder.Phase  `json:"currentPhase"`
	CurrentStage *string       `json:"currentStage"`
	CreatedAt    string        `json:"createdAt"`
	UpdatedAt    string        `json:"updatedAt"`
}

func toFolderResponse(f folder.Folder) folderResponse {
	return folderResponse{
		ID:           f.ID,
		Name:         f.Name,
		Subject:      f.Subject,
		OwnerID:      f.OwnerID,
		Status:       f.Status,
		CurrentPhase: f.CurrentPhase,
		CurrentStage: f.CurrentStage,
		CreatedAt:    formatTime(f.CreatedAt),
		UpdatedAt:    formatTime(f.UpdatedAt),
	}
}

type createFolderRequest struct {
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Status  string `json:"status"`
}

func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListFolders(w, r)
	case http.MethodPost:
		s.handleCreateFolder(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req createFolderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	f, err := s.folderService.Create(r.Context(), folder.CreateParams{
		Name:    req.Name,
		Subject: req.Subject,
		OwnerID: userIDFrom(r.Context()),
		Status:  folder.Status(strings.TrimSpace(req.Status)),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFolderResponse(f))
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))

	result, err := s.folderService.ListByOwner(r.Context(), folder.ListParams{
		OwnerID:  userIDFrom(r.Context()),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]folderResponse, 0, len(result.Items))
	for _, f := range result.Items {
		items = append(items, toFolderResponse(f))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": result.Total})
}

// handleFolderDetail serves the status routes and /api/folders/{id}.
func (s *Server) handleFolderDetail(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/api/folders/")
	switch {
	case len(parts) == 2 && parts[0] == "status":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, http.MethodPut)
			return
		}
		s.handleUpdateStatus(w, r, parts[1])
	case len(parts) == 2 && parts[0] == "status-history":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleStatusHistory(w, r, parts[1])
	case len(parts) == 2 && parts[0] == "status-stats":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleStatusStats(w, r, parts[1])
	case len(parts) == 1 && parts[0] == "status-stats":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleAverageDurations(w, r)
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			s.handleGetFolder(w, r, parts[0])
		case http.MethodDelete:
			s.handleDeleteFolder(w, r, parts[0])
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodDelete)
		}
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleGetFolder(w http.ResponseWriter, r *http.Request, id string) {
	f, err := s.folderService.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFolderResponse(f))
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.folderService.Delete(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateStatusRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request, id string) {
	var req updateStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	status, err := folder.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "status must be one of: Nueva, En Proceso, Cerrada, Pendiente")
		return
	}

	f, err := s.statusService.UpdateFolderStatus(r.Context(), id, status, userIDFrom(r.Context()), req.Notes)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFolderResponse(f))
}

type statusRecordResponse struct {
	ID             string              `json:"id"`
	FolderID       string              `json:"folderId"`
	PreviousStatus *folder.Status      `json:"previousStatus"`
	NewStatus      folder.Status       `json:"newStatus"`
	ChangedBy      string              `json:"changedBy"`
	Notes          string              `json:"notes,omitempty"`
	DurationMs     *int64              `json:"durationMs,omitempty"`
	Duration       *duration.Breakdown `json:"duration,omitempty"`
	CreatedAt      string              `json:"createdAt"`
}

func toStatusRecordResponse(rec statushistory.Record) statusRecordResponse {
	resp := statusRecordResponse{
		ID:             rec.ID,
		FolderID:       rec.FolderID,
		PreviousStatus: rec.PreviousStatus,
		NewStatus:      rec.NewStatus,
		ChangedBy:      rec.ChangedBy,
		Notes:          rec.Notes,
		DurationMs:     rec.DurationMs,
		CreatedAt:      formatTime(rec.CreatedAt),
	}
	if rec.DurationMs != nil {
		b := duration.FromMillis(*rec.DurationMs)
		resp.Duration = &b
	}
	return resp
}

func (s *Server) handleStatusHistory(w http.ResponseWriter, r *http.Request, id string) {
	records, err := s.statusService.History(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]statusRecordResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toStatusRecordResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleStatusStats(w http.ResponseWriter, r *http.Request, id string) {
	stats, err := s.statusService.Stats(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAverageDurations(w http.ResponseWriter, r *http.Request) {
	averages, err := s.statusService.AverageDurations(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"averages": averages})
}

// --- helpers ---

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, folder.ErrNotFound):
		writeError(w, http.StatusNotFound, "folder not found")
	case errors.Is(err, stage.ErrInvalidStage):
		// the wrapped error names the rejected stage
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "stage: "))
	case errors.Is(err, stage.ErrNoActiveStage):
		writeError(w, http.StatusBadRequest, "folder has no active stage")
	case errors.Is(err, folder.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "folder: "))
	case errors.Is(err, db.ErrTxAborted):
		s.logger.Error("transaction aborted", slog.String("path", r.URL.Path), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "transaction aborted", "retryable": true})
	default:
		s.logger.Error("request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathParts(path, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// decodeJSON tolerates an empty body so optional-only payloads can be omitted.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
