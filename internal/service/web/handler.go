package web

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"proxydeck/internal/core/history"
	"proxydeck/internal/shared/logger"
	"proxydeck/internal/shared/settings"
	"proxydeck/internal/shared/types"
	"proxydeck/internal/subs"
)

// Controller is the slice of the app the web handler drives. It decouples
// the web package from the app package.
type Controller interface {
	Profiles() []*types.ServerProfile
	ActivatedIndex() int
	AddProfile(profile *types.ServerProfile) error
	AddEmptyProfile() (*types.ServerProfile, error)
	ImportShareLinks(text string) (int, error)
	UpdateProfile(id string, updated *types.ServerProfile) error
	DuplicateProfile(id string) (*types.ServerProfile, error)
	SetProfileRemarks(id, remarks string) error
	DeleteProfiles(indexes []int) error
	MoveProfile(index int, up bool) error
	SwapProfiles(i, j int) error
	ClearResults(indexes []int) error
	SortProfiles(column string) (descending bool, err error)
	ExportShareLinks(indexes []int) (string, error)

	Activate(index int) error
	Deactivate() error
	Connect() error
	Disconnect() error
	Status() *StatusInfo

	PingProfiles(indexes []int) int
	SpeedTestProfiles(indexes []int) int
}

// StatusInfo is the public status payload.
type StatusInfo struct {
	Connected      bool                `json:"connected"`
	ActivatedIndex int                 `json:"activated_index"`
	ActivatedID    string              `json:"activated_id,omitempty"`
	Listener       *types.ListenerInfo `json:"listener,omitempty"`
	Traffic        types.TrafficStats  `json:"traffic"`
	ProfileCount   int                 `json:"profile_count"`
}

// ProfileView is one row of the profile table as the frontend renders it.
type ProfileView struct {
	Index     int    `json:"index"`
	ID        string `json:"id"`
	Remarks   string `json:"remarks"`
	Type      string `json:"type"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	SubsID    string `json:"subsId,omitempty"`
	Latency   string `json:"latency"`
	Speed     string `json:"speed"`
	Activated bool   `json:"activated"`
}

type Handler struct {
	controller Controller
	subs       *subs.Manager
	history    *history.Store
	settings   *settings.SettingsManager
	mu         sync.Mutex
}

func NewHandler(
	controller Controller,
	subsManager *subs.Manager,
	historyStore *history.Store,
	settingsManager *settings.SettingsManager,
) *Handler {
	return &Handler{
		controller: controller,
		subs:       subsManager,
		history:    historyStore,
		settings:   settingsManager,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return false
	}
	return true
}

// HandleProfiles serves the profile table CRUD on /api/profiles.
func (h *Handler) HandleProfiles(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		h.getProfiles(w, r)
	case http.MethodPost:
		h.addProfile(w, r)
	case http.MethodPut:
		h.updateProfile(w, r)
	case http.MethodDelete:
		h.deleteProfiles(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) getProfiles(w http.ResponseWriter, r *http.Request) {
	profiles := h.controller.Profiles()
	activated := h.controller.ActivatedIndex()

	views := make([]ProfileView, 0, len(profiles))
	for i, p := range profiles {
		extras := p.EnsureExtras()
		views = append(views, ProfileView{
			Index:     i,
			ID:        p.ID,
			Remarks:   p.Remarks,
			Type:      p.Type,
			Address:   p.Address,
			Port:      p.Port,
			SubsID:    p.SubsID,
			Latency:   extras.Get(string(types.FieldLatency)),
			Speed:     extras.Get(string(types.FieldSpeed)),
			Activated: i == activated,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) addProfile(w http.ResponseWriter, r *http.Request) {
	var profile types.ServerProfile
	if !decodeJSON(w, r, &profile) {
		return
	}
	profile.ID = ""
	if err := h.controller.AddProfile(&profile); err != nil {
		http.Error(w, "Failed to add profile: "+err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, &profile)
}

func (h *Handler) updateProfile(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing profile ID", http.StatusBadRequest)
		return
	}
	var updated types.ServerProfile
	if !decodeJSON(w, r, &updated) {
		return
	}
	updated.ID = id
	if err := h.controller.UpdateProfile(id, &updated); err != nil {
		http.Error(w, "Failed to update profile: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) deleteProfiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Indexes []int `json:"indexes"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.controller.DeleteProfiles(req.Indexes); err != nil {
		http.Error(w, "Failed to delete profiles: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandleProfileActions routes /api/profiles/{...} subpaths: the collection
// actions (new, import, move, swap, sort, clear_results, export) and the
// per-id actions ({id}/duplicate, {id}/remarks).
func (h *Handler) HandleProfileActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/api/profiles/")
	parts := strings.Split(path, "/")

	switch {
	case len(parts) == 1 && parts[0] == "new":
		h.newEmptyProfile(w, r)
	case len(parts) == 1 && parts[0] == "import":
		h.importProfiles(w, r)
	case len(parts) == 1 && parts[0] == "move":
		h.moveProfile(w, r)
	case len(parts) == 1 && parts[0] == "swap":
		h.swapProfiles(w, r)
	case len(parts) == 1 && parts[0] == "sort":
		h.sortProfiles(w, r)
	case len(parts) == 1 && parts[0] == "clear_results":
		h.clearResults(w, r)
	case len(parts) == 1 && parts[0] == "export":
		h.exportProfiles(w, r)
	case len(parts) == 2 && parts[1] == "duplicate":
		h.duplicateProfile(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "remarks":
		h.renameProfile(w, r, parts[0])
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) newEmptyProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.controller.AddEmptyProfile()
	if err != nil {
		http.Error(w, "Failed to add profile: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

func (h *Handler) importProfiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Links string `json:"links"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	added, err := h.controller.ImportShareLinks(req.Links)
	if err != nil {
		http.Error(w, "Failed to import: "+err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": added})
}

func (h *Handler) moveProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index     int    `json:"index"`
		Direction string `json:"direction"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	up := req.Direction == "up"
	if !up && req.Direction != "down" {
		http.Error(w, "Direction must be 'up' or 'down'", http.StatusBadRequest)
		return
	}
	if err := h.controller.MoveProfile(req.Index, up); err != nil {
		http.Error(w, "Failed to move profile: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) swapProfiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		I int `json:"i"`
		J int `json:"j"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.controller.SwapProfiles(req.I, req.J); err != nil {
		http.Error(w, "Failed to swap profiles: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) sortProfiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Column string `json:"column"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	descending, err := h.controller.SortProfiles(req.Column)
	if err != nil {
		http.Error(w, "Failed to sort: "+err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"descending": descending})
}

func (h *Handler) clearResults(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Indexes []int `json:"indexes"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.controller.ClearResults(req.Indexes); err != nil {
		http.Error(w, "Failed to clear results: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// exportProfiles renders the selected rows as share links (default) or as a
// JSON document. An empty index list exports the whole table.
func (h *Handler) exportProfiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Indexes []int  `json:"indexes"`
		Format  string `json:"format"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Format == "json" {
		profiles := h.controller.Profiles()
		selected := make([]*types.ServerProfile, 0, len(profiles))
		if len(req.Indexes) == 0 {
			selected = profiles
		} else {
			for _, idx := range req.Indexes {
				if idx >= 0 && idx < len(profiles) {
					selected = append(selected, profiles[idx])
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(selected)
		return
	}

	links, err := h.controller.ExportShareLinks(req.Indexes)
	if err != nil {
		http.Error(w, "Failed to export: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(links))
}

func (h *Handler) duplicateProfile(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" {
		http.Error(w, "Missing profile ID", http.StatusBadRequest)
		return
	}
	profile, err := h.controller.DuplicateProfile(id)
	if err != nil {
		http.Error(w, "Failed to duplicate profile: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

func (h *Handler) renameProfile(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Remarks string `json:"remarks"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.controller.SetProfileRemarks(id, req.Remarks); err != nil {
		http.Error(w, "Failed to rename profile: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandleActivate processes POST /api/activate with the target row index.
func (h *Handler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Index int `json:"index"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	logger.Info().Int("index", req.Index).Msg("[Handler] Received request to activate profile.")
	if err := h.controller.Activate(req.Index); err != nil {
		http.Error(w, "Failed to activate: "+err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandleDeactivate processes POST /api/deactivate.
func (h *Handler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.controller.Deactivate(); err != nil {
		http.Error(w, "Failed to deactivate: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandleConnect starts the local proxy for the activated profile.
func (h *Handler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.controller.Connect(); err != nil {
		http.Error(w, "Failed to connect: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandleDisconnect stops the local proxy.
func (h *Handler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.controller.Disconnect(); err != nil {
		http.Error(w, "Failed to disconnect: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandleStatus serves the public status endpoint.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.controller.Status())
}

// HandlePing queues latency probes. An empty index list probes every profile.
func (h *Handler) HandlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Indexes []int `json:"indexes"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	queued := h.controller.PingProfiles(req.Indexes)
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": queued})
}

// HandleSpeedTest queues speed tests. The queue is bounded; overflow is
// dropped without failing the request.
func (h *Handler) HandleSpeedTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Indexes []int `json:"indexes"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	queued := h.controller.SpeedTestProfiles(req.Indexes)
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": queued})
}

// HandleHistory serves GET /api/history with optional profile_id and limit.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.history == nil {
		writeJSON(w, http.StatusOK, []history.Record{})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	records, err := h.history.Recent(r.URL.Query().Get("profile_id"), limit)
	if err != nil {
		http.Error(w, "Failed to query history: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// HandleSubscriptions serves the subscription list CRUD.
func (h *Handler) HandleSubscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		entries := h.subs.List()
		if entries == nil {
			entries = []*settings.Subscription{}
		}
		writeJSON(w, http.StatusOK, entries)
	case http.MethodPost:
		var req struct {
			Remarks string `json:"remarks"`
			URL     string `json:"url"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		entry, err := h.subs.Add(req.Remarks, req.URL)
		if err != nil {
			http.Error(w, "Failed to add subscription: "+err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, entry)
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Missing subscription ID", http.StatusBadRequest)
			return
		}
		dropProfiles, _ := strconv.ParseBool(r.URL.Query().Get("drop_profiles"))
		if err := h.subs.Remove(id, dropProfiles); err != nil {
			http.Error(w, "Failed to remove subscription: "+err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleSubscriptionActions routes /api/subscriptions/{...}: refresh_all and
// the per-id refresh and rename actions.
func (h *Handler) HandleSubscriptionActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/subscriptions/")
	parts := strings.Split(path, "/")

	switch {
	case len(parts) == 1 && parts[0] == "refresh_all":
		if err := h.subs.RefreshAll(r.Context()); err != nil {
			http.Error(w, "Some subscriptions failed to refresh: "+err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	case len(parts) == 2 && parts[1] == "refresh":
		removed, added, err := h.subs.Refresh(r.Context(), parts[0])
		if err != nil {
			http.Error(w, "Failed to refresh subscription: "+err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"removed": removed, "added": added})
	case len(parts) == 2 && parts[1] == "rename":
		var req struct {
			Remarks string `json:"remarks"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := h.subs.Rename(parts[0], req.Remarks); err != nil {
			http.Error(w, "Failed to rename subscription: "+err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		http.NotFound(w, r)
	}
}

// HandleGetSettings serves GET /api/settings.
func (h *Handler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.settings.Get())
}

// HandleUpdateSettings serves POST /api/settings/{module}.
func (h *Handler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	moduleKey := strings.TrimPrefix(r.URL.Path, "/api/settings/")
	if moduleKey == "" {
		http.Error(w, "Module key is missing in URL path", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}
	if err := h.settings.Update(moduleKey, body); err != nil {
		switch {
		case strings.Contains(err.Error(), "unknown settings module"):
			http.Error(w, err.Error(), http.StatusNotFound)
		case strings.Contains(err.Error(), "failed to parse JSON"):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"message": "Settings updated successfully"}`))
}
