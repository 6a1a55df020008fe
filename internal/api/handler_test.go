package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mentionrelay/mention-relay/internal/biz/domain"
	"github.com/mentionrelay/mention-relay/internal/biz/repo"
	"github.com/mentionrelay/mention-relay/internal/biz/usecase"
	"github.com/mentionrelay/mention-relay/internal/budget"
	"github.com/mentionrelay/mention-relay/internal/conf"
	"github.com/mentionrelay/mention-relay/internal/data"
	"github.com/mentionrelay/mention-relay/internal/service"
)

type stubSource struct{}

func (stubSource) Authenticated() bool { return true }
func (stubSource) ResolveAccountID(ctx context.Context) (string, error) {
	return "acct-1", nil
}
func (stubSource) GetNewMentions(ctx context.Context, maxCount int, sinceID string) ([]*domain.Mention, error) {
	return nil, nil
}
func (stubSource) PostReply(ctx context.Context, parentID, text string) (string, error) {
	return "status-1", nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	return "hi", nil
}

func newTestServer(t *testing.T) (*Server, repo.ArchiveRepo) {
	t.Helper()

	dir := t.TempDir()
	state, err := data.NewStateRepo(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("Failed to create state repo: %v", err)
	}
	archive, err := data.NewArchiveRepo(filepath.Join(dir, "archive.db"))
	if err != nil {
		t.Fatalf("Failed to create archive: %v", err)
	}
	t.Cleanup(func() { archive.Close() })

	src := stubSource{}
	provider := conf.NewStaticProvider(conf.BotConfig{Enabled: true, AccountHandle: "relaybot", PollInterval: time.Hour})
	scheduler := service.NewScheduler(provider, src, src, stubGenerator{}, state, archive,
		usecase.NewFilterUsecase(archive), budget.NewTracker(map[string]budget.Limit{}), "prompt")

	return NewServer(context.Background(), scheduler, archive, 0), archive
}

func TestHandleStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var status service.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Status must be valid JSON: %v", err)
	}
	if status.State != service.StateIdle || status.IsRunning {
		t.Fatalf("Expected idle, not running, got %+v", status)
	}

	rec = httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest(http.MethodPost, "/api/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("Expected 405 for POST, got %d", rec.Code)
	}
}

func TestHandleControl(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleControl(rec, httptest.NewRequest(http.MethodPost, "/api/control/clear-cache", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.handleControl(rec, httptest.NewRequest(http.MethodPost, "/api/control/selfdestruct", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 for unknown action, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.handleControl(rec, httptest.NewRequest(http.MethodGet, "/api/control/stop", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("Expected 405 for GET, got %d", rec.Code)
	}
}

func TestAllowListEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	body := strings.NewReader(`{"handle":"alice","note":"trusted","added_by":"ops"}`)
	rec := httptest.NewRecorder()
	srv.handleAllowList(rec, httptest.NewRequest(http.MethodPost, "/api/allowlist", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 on add, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.handleAllowList(rec, httptest.NewRequest(http.MethodGet, "/api/allowlist", nil))
	var list struct {
		Entries []*domain.AllowListEntry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("List must be valid JSON: %v", err)
	}
	if len(list.Entries) != 1 || list.Entries[0].Handle != "alice" {
		t.Fatalf("Expected alice in list, got %+v", list.Entries)
	}

	rec = httptest.NewRecorder()
	srv.handleAllowListItem(rec, httptest.NewRequest(http.MethodDelete, "/api/allowlist/alice", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 on delete, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.handleAllowList(rec, httptest.NewRequest(http.MethodGet, "/api/allowlist", nil))
	list.Entries = nil
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list.Entries) != 0 {
		t.Fatalf("Expected empty list after delete, got %+v", list.Entries)
	}
}

func TestAllowListValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleAllowList(rec, httptest.NewRequest(http.MethodPost, "/api/allowlist", strings.NewReader(`{"note":"no handle"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for missing handle, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.handleAllowList(rec, httptest.NewRequest(http.MethodPost, "/api/allowlist", strings.NewReader(`{broken`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for invalid body, got %d", rec.Code)
	}
}

func TestHandleOutcomes(t *testing.T) {
	srv, archive := newTestServer(t)

	outcome := &domain.ProcessingOutcome{MentionID: "42", Author: "alice", Status: domain.OutcomeReplied, ResponseText: "hi"}
	if err := archive.RecordOutcome(context.Background(), outcome); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.handleOutcomes(rec, httptest.NewRequest(http.MethodGet, "/api/outcomes?limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp struct {
		Outcomes []*domain.ProcessingOutcome `json:"outcomes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Outcomes must be valid JSON: %v", err)
	}
	if len(resp.Outcomes) != 1 || resp.Outcomes[0].MentionID != "42" {
		t.Fatalf("Expected outcome 42, got %+v", resp.Outcomes)
	}
}
