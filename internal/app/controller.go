package app

import (
	"fmt"
	"strings"

	"proxydeck/internal/core/registry"
	"proxydeck/internal/service/web"
	"proxydeck/internal/shared/types"
)

var _ web.Controller = (*AppServer)(nil)

func (a *AppServer) Profiles() []*types.ServerProfile { return a.registry.Snapshot() }

func (a *AppServer) ActivatedIndex() int { return a.registry.ActivatedIndex() }

func (a *AppServer) AddProfile(profile *types.ServerProfile) error {
	if _, err := a.registry.Append(profile, false); err != nil {
		return err
	}
	a.hub.BroadcastTableReload()
	return nil
}

// AddEmptyProfile appends a blank placeholder row the user fills in later.
func (a *AppServer) AddEmptyProfile() (*types.ServerProfile, error) {
	profile := &types.ServerProfile{}
	if _, err := a.registry.Append(profile, true); err != nil {
		return nil, err
	}
	a.hub.BroadcastTableReload()
	return profile, nil
}

// ImportShareLinks parses one share link per line and appends every profile
// that parses. Unparseable lines are skipped, not fatal.
func (a *AppServer) ImportShareLinks(text string) (int, error) {
	added := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		profile, err := types.ParseShareLink(line)
		if err != nil {
			a.log.Debug().Str("line", line).Msg("Skipping unparseable share link.")
			continue
		}
		if _, err := a.registry.Append(profile, false); err != nil {
			continue
		}
		added++
	}
	if added > 0 {
		a.hub.BroadcastTableReload()
	}
	return added, nil
}

// UpdateProfile replaces the stored profile. Editing the profile behind a
// live connection restarts the proxy with the new endpoint.
func (a *AppServer) UpdateProfile(id string, updated *types.ServerProfile) error {
	if err := a.registry.Update(id, updated); err != nil {
		return err
	}
	if p := a.registry.ActivatedProfile(); p != nil && p.ID == id && a.IsConnected() {
		a.dropConnection()
		if err := a.Connect(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to reconnect after profile edit.")
		}
	}
	a.hub.BroadcastTableReload()
	return nil
}

func (a *AppServer) DuplicateProfile(id string) (*types.ServerProfile, error) {
	idx := a.registry.IndexByID(id)
	if idx < 0 {
		return nil, registry.ErrProfileNotFound
	}
	a.registry.Duplicate([]int{idx})
	cp := a.registry.At(a.registry.Len() - 1)
	a.hub.BroadcastTableReload()
	return cp, nil
}

func (a *AppServer) SetProfileRemarks(id, remarks string) error {
	idx := a.registry.IndexByID(id)
	if idx < 0 {
		return registry.ErrProfileNotFound
	}
	if err := a.registry.SetRemarks(idx, remarks); err != nil {
		return err
	}
	a.hub.BroadcastTableReload()
	return nil
}

func (a *AppServer) DeleteProfiles(indexes []int) error {
	a.registry.RemoveAt(indexes)
	a.hub.BroadcastTableReload()
	return nil
}

func (a *AppServer) MoveProfile(index int, up bool) error {
	if up {
		a.registry.MoveUp([]int{index})
	} else {
		a.registry.MoveDown([]int{index})
	}
	a.hub.BroadcastTableReload()
	return nil
}

func (a *AppServer) SwapProfiles(i, j int) error {
	if err := a.registry.Swap(i, j); err != nil {
		return err
	}
	a.hub.BroadcastTableReload()
	return nil
}

func (a *AppServer) ClearResults(indexes []int) error {
	a.registry.ClearResults(indexes)
	a.hub.BroadcastTableReload()
	return nil
}

func (a *AppServer) SortProfiles(column string) (bool, error) {
	col, ok := registry.ParseColumn(column)
	if !ok {
		return false, fmt.Errorf("unknown sort column %q", column)
	}
	descending := a.registry.ToggleSort(col)
	a.hub.BroadcastTableReload()
	return descending, nil
}

// ExportShareLinks renders the chosen rows as share links, one per line. An
// empty index list exports the whole table.
func (a *AppServer) ExportShareLinks(indexes []int) (string, error) {
	snapshot := a.registry.Snapshot()
	if len(indexes) == 0 {
		indexes = allIndexes(len(snapshot))
	}
	var b strings.Builder
	for _, idx := range indexes {
		if idx < 0 || idx >= len(snapshot) {
			continue
		}
		if !snapshot[idx].IsValid() {
			continue
		}
		b.WriteString(snapshot[idx].ShareLink())
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func (a *AppServer) Activate(index int) error {
	return a.registry.Activate(index)
}

func (a *AppServer) Deactivate() error {
	a.registry.Deactivate()
	return nil
}

func (a *AppServer) Status() *web.StatusInfo {
	info := &web.StatusInfo{
		ActivatedIndex: a.registry.ActivatedIndex(),
		ProfileCount:   a.registry.Len(),
	}
	if p := a.registry.ActivatedProfile(); p != nil {
		info.ActivatedID = p.ID
	}

	a.connMu.Lock()
	inst := a.connInst
	a.connMu.Unlock()
	if inst != nil && inst.Running() {
		info.Connected = true
		info.Listener = inst.ListenerInfo()
		info.Traffic = inst.TrafficStats()
	}
	return info
}

// PingProfiles schedules latency probes for the chosen rows, or for every
// row when the list is empty. The caller gets back the number scheduled.
func (a *AppServer) PingProfiles(indexes []int) int {
	snapshot := a.registry.Snapshot()
	if len(indexes) == 0 {
		indexes = allIndexes(len(snapshot))
	}
	queued := 0
	for _, idx := range indexes {
		if idx < 0 || idx >= len(snapshot) {
			continue
		}
		a.prober.Submit(idx, snapshot[idx])
		queued++
	}
	return queued
}

// SpeedTestProfiles queues speed tests for the chosen rows, or for every row
// when the list is empty. Jobs beyond the queue capacity are dropped by the
// dispatcher without reporting back.
func (a *AppServer) SpeedTestProfiles(indexes []int) int {
	snapshot := a.registry.Snapshot()
	if len(indexes) == 0 {
		indexes = allIndexes(len(snapshot))
	}
	queued := 0
	for _, idx := range indexes {
		if idx < 0 || idx >= len(snapshot) {
			continue
		}
		a.queue.Enqueue(idx, snapshot[idx])
		queued++
	}
	return queued
}

func allIndexes(length int) []int {
	out := make([]int, length)
	for i := range out {
		out[i] = i
	}
	return out
}
