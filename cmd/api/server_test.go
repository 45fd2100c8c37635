package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"expedientes/auth"
	"expedientes/db"
	"expedientes/folder"
	"expedientes/stage"
	"expedientes/statushistory"
	"expedientes/store/sqlitestore"
)

const testSecret = "test-secret"

type testEnv struct {
	handler http.Handler
	server  *Server
	token   string
	now     time.Time
}

func (e *testEnv) clock() time.Time { return e.now }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := sqlitestore.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	authService := auth.NewService(testSecret)
	token, err := authService.IssueToken("lawyer-1", "")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	env.token = token

	env.server = NewServer(
		folder.NewService(st).WithClock(env.clock),
		statushistory.NewService(st).WithClock(env.clock),
		stage.NewService(st, nil).WithClock(env.clock),
		authService,
		st,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	env.handler = env.server.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+e.token)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (e *testEnv) createFolder(t *testing.T) folderResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/folders", `{"name":"Pérez c/ Gómez","subject":"cobro"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create folder: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var f folderResponse
	decode(t, rec, &f)
	return f
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/stages", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/stages", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rec.Code)
	}
}

func TestHandleCatalog(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/stages", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload catalogResponse
	decode(t, rec, &payload)
	if len(payload.Stages) != 16 {
		t.Fatalf("expected 16 stages, got %d", len(payload.Stages))
	}
	if len(payload.StagesByPhase[folder.PhasePrejudicial]) != 4 || len(payload.StagesByPhase[folder.PhaseJudicial]) != 12 {
		t.Fatalf("unexpected phase split: %+v", payload.StagesByPhase)
	}
}

func TestFolderCRUD(t *testing.T) {
	env := newTestEnv(t)
	f := env.createFolder(t)
	if f.Status != folder.StatusNew || f.OwnerID != "lawyer-1" {
		t.Fatalf("unexpected folder: %+v", f)
	}

	rec := env.do(t, http.MethodGet, "/api/folders", "")
	var list struct {
		Items []folderResponse `json:"items"`
		Total int              `json:"total"`
	}
	decode(t, rec, &list)
	if list.Total != 1 || len(list.Items) != 1 || list.Items[0].ID != f.ID {
		t.Fatalf("unexpected list payload: %+v", list)
	}

	rec = env.do(t, http.MethodDelete, "/api/folders/"+f.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/folders/"+f.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", rec.Code)
	}
}

func TestCreateFolder_Validation(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodPost, "/api/folders", `{"subject":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing name: expected 400, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/folders", `{"name":"x","status":"Archivada"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status: expected 400, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/folders", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json: expected 400, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPatch, "/api/folders", `{}`); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("patch: expected 405, got %d", rec.Code)
	}
}

func TestStatusFlow(t *testing.T) {
	env := newTestEnv(t)
	f := env.createFolder(t)

	env.now = env.now.Add(72 * time.Hour)
	rec := env.do(t, http.MethodPut, "/api/folders/status/"+f.ID, `{"status":"En Proceso","notes":"admitida"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated folderResponse
	decode(t, rec, &updated)
	if updated.Status != folder.StatusInProgress {
		t.Fatalf("expected En Proceso, got %q", updated.Status)
	}

	env.now = env.now.Add(24 * time.Hour)

	rec = env.do(t, http.MethodGet, "/api/folders/status-history/"+f.ID, "")
	var history struct {
		Items []statusRecordResponse `json:"items"`
	}
	decode(t, rec, &history)
	if len(history.Items) != 1 {
		t.Fatalf("expected 1 record, got %d", len(history.Items))
	}
	got := history.Items[0]
	if got.PreviousStatus == nil || *got.PreviousStatus != folder.StatusNew || got.ChangedBy != "lawyer-1" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.DurationMs == nil || *got.DurationMs != (72*time.Hour).Milliseconds() {
		t.Fatalf("expected 3 days duration, got %v", got.DurationMs)
	}

	rec = env.do(t, http.MethodGet, "/api/folders/status-stats/"+f.ID, "")
	var stats statushistory.Stats
	decode(t, rec, &stats)
	if stats.CurrentStatus != folder.StatusInProgress {
		t.Fatalf("expected current status En Proceso, got %q", stats.CurrentStatus)
	}
	if stats.StatesDuration[folder.StatusInProgress].Hours != 24 {
		t.Fatalf("expected 24h open interval, got %+v", stats.StatesDuration[folder.StatusInProgress])
	}
	if len(stats.Transitions) != 1 || stats.Transitions[0].From != string(folder.StatusNew) {
		t.Fatalf("unexpected transitions: %+v", stats.Transitions)
	}

	rec = env.do(t, http.MethodGet, "/api/folders/status-stats", "")
	var averages struct {
		Averages map[folder.Status]statushistory.Average `json:"averages"`
	}
	decode(t, rec, &averages)
	if averages.Averages[folder.StatusNew].AverageDays != 3 {
		t.Fatalf("expected 3 day average for Nueva, got %+v", averages.Averages)
	}
}

func TestUpdateStatus_Errors(t *testing.T) {
	env := newTestEnv(t)
	f := env.createFolder(t)

	if rec := env.do(t, http.MethodPut, "/api/folders/status/"+f.ID, `{"status":"Archivada"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid status: expected 400, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPut, "/api/folders/status/missing", `{"status":"Cerrada"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("missing folder: expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/folders/status/"+f.ID, `{"status":"Cerrada"}`); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method: expected 405, got %d", rec.Code)
	}
}

func TestStageFlow(t *testing.T) {
	env := newTestEnv(t)
	f := env.createFolder(t)

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/stages/%s/start-stage", f.ID), `{"stageName":"Intimación"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	env.now = env.now.Add(2 * time.Hour)
	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/stages/%s/start-stage", f.ID), `{"stageName":"Negociación","notes":"propuesta"}`)
	var updated folderResponse
	decode(t, rec, &updated)
	if updated.CurrentStage == nil || *updated.CurrentStage != "Negociación" || updated.CurrentPhase != folder.PhasePrejudicial {
		t.Fatalf("unexpected folder after second start: %+v", updated)
	}

	env.now = env.now.Add(3 * time.Hour)
	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/stages/%s/events", f.ID), "")
	var events struct {
		Items []stageEventResponse `json:"items"`
	}
	decode(t, rec, &events)
	if len(events.Items) != 3 {
		t.Fatalf("expected start, end, start; got %d events", len(events.Items))
	}
	if events.Items[1].EventType != stage.EventEnd || events.Items[1].DurationMs == nil || *events.Items[1].DurationMs != (2*time.Hour).Milliseconds() {
		t.Fatalf("unexpected auto-close event: %+v", events.Items[1])
	}

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/stages/%s/stats", f.ID), "")
	var stats stage.ProcessStats
	decode(t, rec, &stats)
	if got := stats.Totals.Prejudicial.Hours; got != 5 {
		t.Fatalf("expected 5 prejudicial hours, got %v", got)
	}
	negotiation, ok := stats.Stage("Negociación")
	if !ok || !negotiation.IsActive || negotiation.HasEnded {
		t.Fatalf("unexpected Negociación summary: %+v", negotiation)
	}

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/stages/%s/end-current-stage", f.ID), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("end: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &updated)
	if updated.CurrentStage != nil {
		t.Fatalf("expected no active stage, got %v", *updated.CurrentStage)
	}
}

func TestStage_Errors(t *testing.T) {
	env := newTestEnv(t)
	f := env.createFolder(t)

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/stages/%s/start-stage", f.ID), `{"stageName":"Casación"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown stage: expected 400, got %d", rec.Code)
	}
	var payload struct {
		Error string `json:"error"`
	}
	decode(t, rec, &payload)
	if !strings.Contains(payload.Error, "unknown stage") || !strings.Contains(payload.Error, "Casación") {
		t.Fatalf("expected error naming the rejected stage, got %q", payload.Error)
	}
	if rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/stages/%s/start-stage", f.ID), `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing stage name: expected 400, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/stages/%s/end-current-stage", f.ID), `{"notes":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("no active stage: expected 400, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/stages/missing/start-stage", `{"stageName":"Alegatos"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("missing folder: expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/stages/missing/stats", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("stats of missing folder: expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/stages/%s/start-stage", f.ID), ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method: expected 405, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/stages/%s/unknown", f.ID), ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown action: expected 404, got %d", rec.Code)
	}
}

func TestWriteServiceError_TxAborted(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPut, "/api/folders/status/f1", nil)
	rec := httptest.NewRecorder()

	env.server.writeServiceError(rec, req, fmt.Errorf("%w: connection reset", db.ErrTxAborted))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var payload struct {
		Retryable bool `json:"retryable"`
	}
	decode(t, rec, &payload)
	if !payload.Retryable {
		t.Fatalf("expected retryable flag, got %s", rec.Body.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := parseLevel(raw); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}
