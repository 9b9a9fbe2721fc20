package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"proxydeck/internal/shared/settings"
	"proxydeck/internal/shared/types"
	"proxydeck/internal/subs"
)

type fakeController struct {
	profiles     []*types.ServerProfile
	activated    int
	activateArg  int
	activateErr  error
	pingIndexes  []int
	speedIndexes []int
	swapArgs     [2]int
	connected    bool
}

func (f *fakeController) Profiles() []*types.ServerProfile { return f.profiles }
func (f *fakeController) ActivatedIndex() int              { return f.activated }

func (f *fakeController) AddProfile(profile *types.ServerProfile) error {
	profile.ID = "generated-id"
	f.profiles = append(f.profiles, profile)
	return nil
}

func (f *fakeController) AddEmptyProfile() (*types.ServerProfile, error) {
	p := &types.ServerProfile{ID: "empty-id", Remarks: ""}
	f.profiles = append(f.profiles, p)
	return p, nil
}

func (f *fakeController) ImportShareLinks(text string) (int, error) {
	return len(strings.Fields(text)), nil
}

func (f *fakeController) UpdateProfile(id string, updated *types.ServerProfile) error { return nil }

func (f *fakeController) DuplicateProfile(id string) (*types.ServerProfile, error) {
	return &types.ServerProfile{ID: "dup-id"}, nil
}

func (f *fakeController) SetProfileRemarks(id, remarks string) error { return nil }
func (f *fakeController) DeleteProfiles(indexes []int) error         { return nil }
func (f *fakeController) MoveProfile(index int, up bool) error       { return nil }
func (f *fakeController) ClearResults(indexes []int) error           { return nil }

func (f *fakeController) SwapProfiles(i, j int) error {
	f.swapArgs = [2]int{i, j}
	return nil
}

func (f *fakeController) SortProfiles(column string) (bool, error) { return true, nil }

func (f *fakeController) ExportShareLinks(indexes []int) (string, error) {
	return "socks5://10.0.0.1:1080#Exported\n", nil
}

func (f *fakeController) Activate(index int) error {
	f.activateArg = index
	return f.activateErr
}

func (f *fakeController) Deactivate() error { return nil }
func (f *fakeController) Connect() error    { f.connected = true; return nil }
func (f *fakeController) Disconnect() error { f.connected = false; return nil }

func (f *fakeController) Status() *StatusInfo {
	return &StatusInfo{
		Connected:      f.connected,
		ActivatedIndex: f.activated,
		ProfileCount:   len(f.profiles),
	}
}

func (f *fakeController) PingProfiles(indexes []int) int {
	f.pingIndexes = indexes
	return len(indexes)
}

func (f *fakeController) SpeedTestProfiles(indexes []int) int {
	f.speedIndexes = indexes
	return len(indexes)
}

type noopReplacer struct{}

func (noopReplacer) ReplaceSubscription(subsID string, profiles []*types.ServerProfile) (int, int) {
	return 0, 0
}

func newTestHandler(t *testing.T, controller *fakeController) *Handler {
	t.Helper()
	sm, err := settings.NewSettingsManager("")
	if err != nil {
		t.Fatalf("Failed to create settings manager: %v", err)
	}
	fetcher := subs.FetchFunc(func(ctx context.Context, url string) ([]byte, error) {
		return nil, nil
	})
	subsManager := subs.NewManager(sm, noopReplacer{}, fetcher)
	return NewHandler(controller, subsManager, nil, sm)
}

func handlerProfile(id, remarks string, latency, speed string) *types.ServerProfile {
	p := &types.ServerProfile{
		ID:      id,
		Remarks: remarks,
		Type:    "socks5",
		Address: "10.0.0.1",
		Port:    1080,
	}
	extras := p.EnsureExtras()
	if latency != "" {
		extras.Set(string(types.FieldLatency), latency)
	}
	if speed != "" {
		extras.Set(string(types.FieldSpeed), speed)
	}
	return p
}

func TestHandleProfiles_ListIncludesResultsAndActivation(t *testing.T) {
	controller := &fakeController{
		profiles: []*types.ServerProfile{
			handlerProfile("a", "First", "34ms", ""),
			handlerProfile("b", "Second", "Timeout", "2.50 M/s"),
		},
		activated: 1,
	}
	handler := newTestHandler(t, controller)

	req := httptest.NewRequest(http.MethodGet, "/api/profiles", nil)
	rec := httptest.NewRecorder()
	handler.HandleProfiles(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var views []ProfileView
	if err := json.NewDecoder(rec.Body).Decode(&views); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(views))
	}
	if views[0].Latency != "34ms" {
		t.Errorf("Expected latency '34ms', got '%s'", views[0].Latency)
	}
	if views[0].Activated {
		t.Errorf("Expected row 0 to be inactive")
	}
	if views[1].Speed != "2.50 M/s" {
		t.Errorf("Expected speed '2.50 M/s', got '%s'", views[1].Speed)
	}
	if !views[1].Activated {
		t.Errorf("Expected row 1 to be activated")
	}
}

func TestHandleActivate_PassesIndex(t *testing.T) {
	controller := &fakeController{activateArg: -99}
	handler := newTestHandler(t, controller)

	req := httptest.NewRequest(http.MethodPost, "/api/activate", strings.NewReader(`{"index": 3}`))
	rec := httptest.NewRecorder()
	handler.HandleActivate(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if controller.activateArg != 3 {
		t.Errorf("Expected controller to receive index 3, got %d", controller.activateArg)
	}
}

func TestHandleActivate_RejectsBadJSON(t *testing.T) {
	handler := newTestHandler(t, &fakeController{})

	req := httptest.NewRequest(http.MethodPost, "/api/activate", strings.NewReader(`{"index": `))
	rec := httptest.NewRecorder()
	handler.HandleActivate(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
}

func TestHandleSpeedTest_ReturnsQueuedCount(t *testing.T) {
	controller := &fakeController{}
	handler := newTestHandler(t, controller)

	req := httptest.NewRequest(http.MethodPost, "/api/diagnostics/speed", strings.NewReader(`{"indexes": [0, 2]}`))
	rec := httptest.NewRecorder()
	handler.HandleSpeedTest(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", rec.Code)
	}
	var resp map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["queued"] != 2 {
		t.Errorf("Expected 2 queued, got %d", resp["queued"])
	}
	if len(controller.speedIndexes) != 2 || controller.speedIndexes[1] != 2 {
		t.Errorf("Expected controller to receive indexes [0 2], got %v", controller.speedIndexes)
	}
}

func TestHandleProfileActions_RoutesByPath(t *testing.T) {
	controller := &fakeController{}
	handler := newTestHandler(t, controller)

	req := httptest.NewRequest(http.MethodPost, "/api/profiles/abc/duplicate", nil)
	rec := httptest.NewRecorder()
	handler.HandleProfileActions(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", rec.Code)
	}
	var created types.ServerProfile
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if created.ID != "dup-id" {
		t.Errorf("Expected duplicated profile 'dup-id', got '%s'", created.ID)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/profiles/swap", strings.NewReader(`{"i": 1, "j": 4}`))
	rec = httptest.NewRecorder()
	handler.HandleProfileActions(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for swap, got %d", rec.Code)
	}
	if controller.swapArgs != [2]int{1, 4} {
		t.Errorf("Expected controller to receive swap (1, 4), got %v", controller.swapArgs)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/profiles/unknown_action", nil)
	rec = httptest.NewRecorder()
	handler.HandleProfileActions(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown action, got %d", rec.Code)
	}
}

func TestBasicAuthMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	protected := basicAuthMiddleware(inner, "admin", "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/profiles", nil)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without credentials, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/profiles", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong password, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/profiles", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with valid credentials, got %d", rec.Code)
	}

	open := basicAuthMiddleware(inner, "", "")
	req = httptest.NewRequest(http.MethodGet, "/api/profiles", nil)
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 when auth is not configured, got %d", rec.Code)
	}
}
