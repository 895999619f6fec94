package runapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/pdautomator/internal/authmw"
	"github.com/linnemanlabs/pdautomator/internal/automator"
)

// fakeService implements RunService for testing.
type fakeService struct {
	mu        sync.Mutex
	runs      map[string]*automator.Run
	submitErr error
	getErr    error
	listErr   error
	limit     int
}

func newFakeService() *fakeService {
	return &fakeService{runs: map[string]*automator.Run{
		"01A": {ID: "01A", Status: automator.StatusComplete, Trigger: automator.TriggerStartup, CreatedAt: time.Unix(0, 0).UTC()},
	}}
}

func (f *fakeService) Submit(_ context.Context, trigger automator.Trigger) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.runs["01NEW"] = &automator.Run{ID: "01NEW", Trigger: trigger, Status: automator.StatusPending}
	return "01NEW", nil
}

func (f *fakeService) Get(_ context.Context, id string) (*automator.Run, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	r, ok := f.runs[id]
	return r, ok, nil
}

func (f *fakeService) List(_ context.Context, limit int) ([]*automator.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = limit
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*automator.Run, 0, len(f.runs))
	for _, r := range f.runs {
		out = append(out, r)
	}
	return out, nil
}

func newTestRouter(t *testing.T, svc RunService) chi.Router {
	t.Helper()
	r := chi.NewRouter()
	New(log.Nop(), svc).RegisterRoutes(r)
	return r
}

func do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, http.NoBody)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, newFakeService())
	if api.logger == nil {
		t.Fatal("New(nil, svc) left logger nil; expected Nop logger")
	}
}

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(nil, nil) did not panic; expected panic for nil service")
		}
	}()
	New(nil, nil)
}

// Routing

func TestRoutes_Methods(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, newFakeService())

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"list", http.MethodGet, "/api/v1/runs", http.StatusOK},
		{"trigger", http.MethodPost, "/api/v1/runs", http.StatusAccepted},
		{"get", http.MethodGet, "/api/v1/runs/01A", http.StatusOK},
		{"get missing", http.MethodGet, "/api/v1/runs/nope", http.StatusNotFound},
		{"delete not allowed", http.MethodDelete, "/api/v1/runs", http.StatusMethodNotAllowed},
		{"put not allowed", http.MethodPut, "/api/v1/runs/01A", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := do(r, tt.method, tt.path); rec.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestTriggerRun_Accepted(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	rec := do(newTestRouter(t, svc), http.MethodPost, "/api/v1/runs")

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["id"] != "01NEW" {
		t.Errorf("id = %q, want 01NEW", body["id"])
	}
	if loc := rec.Header().Get("Location"); loc != "/api/v1/runs/01NEW" {
		t.Errorf("Location = %q", loc)
	}
	if svc.runs["01NEW"].Trigger != automator.TriggerAPI {
		t.Errorf("trigger = %q, want api", svc.runs["01NEW"].Trigger)
	}
}

func TestTriggerRun_Busy(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.submitErr = automator.ErrBusy

	rec := do(newTestRouter(t, svc), http.MethodPost, "/api/v1/runs")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestTriggerRun_Error(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.submitErr = errors.New("store down")

	rec := do(newTestRouter(t, svc), http.MethodPost, "/api/v1/runs")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestGetRun_Body(t *testing.T) {
	t.Parallel()

	rec := do(newTestRouter(t, newFakeService()), http.MethodGet, "/api/v1/runs/01A")

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}
	var run automator.Run
	if err := json.NewDecoder(rec.Body).Decode(&run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.ID != "01A" || run.Status != automator.StatusComplete {
		t.Errorf("run = %+v", run)
	}
}

func TestGetRun_StoreError(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.getErr = errors.New("boom")

	rec := do(newTestRouter(t, svc), http.MethodGet, "/api/v1/runs/01A")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestListRuns_Limit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantLimit  int
	}{
		{"default", "", http.StatusOK, defaultListLimit},
		{"explicit", "?limit=5", http.StatusOK, 5},
		{"capped", "?limit=1000", http.StatusOK, maxListLimit},
		{"zero", "?limit=0", http.StatusBadRequest, 0},
		{"garbage", "?limit=abc", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := newFakeService()
			rec := do(newTestRouter(t, svc), http.MethodGet, "/api/v1/runs"+tt.query)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if svc.limit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", svc.limit, tt.wantLimit)
			}
		})
	}
}

func TestListRuns_Body(t *testing.T) {
	t.Parallel()

	rec := do(newTestRouter(t, newFakeService()), http.MethodGet, "/api/v1/runs")

	var body struct {
		Runs []automator.Run `json:"runs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Runs) != 1 || body.Runs[0].ID != "01A" {
		t.Errorf("runs = %+v", body.Runs)
	}
}

func TestListRuns_Error(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.listErr = errors.New("boom")

	rec := do(newTestRouter(t, svc), http.MethodGet, "/api/v1/runs")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestRoutes_BehindAuth(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	r.Use(authmw.Token("s3cret"))
	New(log.Nop(), newFakeService()).RegisterRoutes(r)

	if rec := do(r, http.MethodGet, "/api/v1/runs"); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/01A", http.NoBody)
	req.Header.Set("Authorization", "Token token=s3cret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", rec.Code)
	}
}
