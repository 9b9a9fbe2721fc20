package registry

import (
	"sort"

	"github.com/google/uuid"

	"proxydeck/internal/shared/types"
)

// Append adds a profile at the end of the list. Invalid profiles are rejected
// unless acceptInvalid is set (the "new empty profile" path). The very first
// profile is auto-activated when no connection is up.
func (r *Registry) Append(profile *types.ServerProfile, acceptInvalid bool) (int, error) {
	if !acceptInvalid && !profile.IsValid() {
		return -1, ErrInvalidProfile
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendLocked(profile), nil
}

func (r *Registry) appendLocked(profile *types.ServerProfile) int {
	if profile.ID == "" {
		profile.ID = uuid.New().String()
	}
	profile.EnsureExtras()

	wasEmpty := len(r.items) == 0
	r.items = append(r.items, profile)
	index := len(r.items) - 1

	if wasEmpty && (r.gate == nil || !r.gate.IsConnected()) {
		r.setActivatedLocked(0)
	}

	r.persistLocked()
	return index
}

// RemoveAt deletes the rows at the given indexes. Removed IDs enter the trash
// before the row is cut, so a concurrent diagnostic observes the removal no
// matter when it checks. When the activated row itself is removed the
// activation resets to -1 and a live connection is torn down; otherwise the
// index shifts down past each removed predecessor.
func (r *Registry) RemoveAt(indexes []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sorted := sanitizeIndexes(indexes, len(r.items))
	if len(sorted) == 0 {
		return
	}

	deleteActivated := false
	for _, idx := range sorted {
		if idx == r.activated {
			deleteActivated = true
		}
	}

	for i, idx := range sorted {
		shifted := idx - i
		item := r.items[shifted]
		r.trash.Add(item.ID)
		r.items = append(r.items[:shifted], r.items[shifted+1:]...)

		if !deleteActivated && shifted < r.activated {
			r.setActivatedLocked(r.activated - 1)
		}
	}

	if deleteActivated {
		r.setActivatedLocked(-1)
		if r.gate != nil && r.gate.IsConnected() {
			r.log.Info().Msg("Activated profile removed, tearing down connection.")
			r.gate.Disconnect()
		}
	}

	r.persistLocked()
}

// Update replaces the profile identified by id in place. The row keeps its
// position, identity and diagnostic results; subscription membership is kept
// unless the replacement claims its own. Incomplete replacements are allowed
// so a placeholder row can be filled in over several edits.
func (r *Registry) Update(id string, updated *types.ServerProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexByIDLocked(id)
	if idx < 0 {
		return ErrProfileNotFound
	}
	current := r.items[idx]
	updated.ID = current.ID
	updated.Extras = current.EnsureExtras()
	if updated.SubsID == "" {
		updated.SubsID = current.SubsID
	}
	r.items[idx] = updated
	r.persistLocked()
	return nil
}

// Swap exchanges two rows. Activation follows the moved profile.
func (r *Registry) Swap(i, j int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.swapLocked(i, j)
}

func (r *Registry) swapLocked(i, j int) error {
	if i < 0 || i >= len(r.items) || j < 0 || j >= len(r.items) {
		return ErrIndexOutOfRange
	}
	if i == j {
		return nil
	}
	r.items[i], r.items[j] = r.items[j], r.items[i]

	switch r.activated {
	case i:
		r.setActivatedLocked(j)
	case j:
		r.setActivatedLocked(i)
	}

	r.persistLocked()
	return nil
}

// MoveUp shifts the given rows one position towards the top. Rows already at
// the top stay put.
func (r *Registry) MoveUp(indexes []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sorted := sanitizeIndexes(indexes, len(r.items))
	for _, idx := range sorted {
		if idx == 0 {
			continue
		}
		r.swapLocked(idx, idx-1)
	}
}

// MoveDown shifts the given rows one position towards the bottom, processed
// bottom-first so a contiguous block keeps its shape.
func (r *Registry) MoveDown(indexes []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sorted := sanitizeIndexes(indexes, len(r.items))
	for i := len(sorted) - 1; i >= 0; i-- {
		idx := sorted[i]
		if idx == len(r.items)-1 {
			continue
		}
		r.swapLocked(idx, idx+1)
	}
}

// Duplicate appends copies of the given rows, remarks suffixed with " - copy".
// Copies get a fresh ID and empty extras, and do not inherit subscription
// membership.
func (r *Registry) Duplicate(indexes []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sorted := sanitizeIndexes(indexes, len(r.items))
	for _, idx := range sorted {
		original := r.items[idx]
		cp := *original
		cp.ID = uuid.New().String()
		cp.Remarks = original.Remarks + " - copy"
		cp.SubsID = ""
		cp.Extras = types.NewExtras()
		r.appendLocked(&cp)
	}
}

// ClearResults blanks the latency and speed cells of the given rows.
func (r *Registry) ClearResults(indexes []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sorted := sanitizeIndexes(indexes, len(r.items))
	for _, idx := range sorted {
		extras := r.items[idx].EnsureExtras()
		extras.Set(string(types.FieldLatency), "")
		extras.Set(string(types.FieldSpeed), "")
	}
	if len(sorted) > 0 {
		r.persistLocked()
	}
}

// SetRemarks renames the row at index and persists the list.
func (r *Registry) SetRemarks(index int, remarks string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.items) {
		return ErrIndexOutOfRange
	}
	r.items[index].Remarks = remarks
	r.persistLocked()
	return nil
}

// ReplaceSubscription removes every row belonging to subsID and appends the
// given replacement profiles in order, all under one lock. The removal goes
// through the same path as a user delete, so activation and trash semantics
// hold. Returns the number of removed and appended rows.
func (r *Registry) ReplaceSubscription(subsID string, profiles []*types.ServerProfile) (removed, added int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []int
	for i, p := range r.items {
		if p.SubsID == subsID {
			stale = append(stale, i)
		}
	}

	deleteActivated := false
	for _, idx := range stale {
		if idx == r.activated {
			deleteActivated = true
		}
	}
	for i, idx := range stale {
		shifted := idx - i
		item := r.items[shifted]
		r.trash.Add(item.ID)
		r.items = append(r.items[:shifted], r.items[shifted+1:]...)
		if !deleteActivated && shifted < r.activated {
			r.setActivatedLocked(r.activated - 1)
		}
	}
	if deleteActivated {
		r.setActivatedLocked(-1)
		if r.gate != nil && r.gate.IsConnected() {
			r.gate.Disconnect()
		}
	}
	removed = len(stale)

	for _, p := range profiles {
		p.SubsID = subsID
		r.appendLocked(p)
		added++
	}
	// appendLocked persists; a pure removal has to persist on its own.
	if added == 0 && removed > 0 {
		r.persistLocked()
	}
	return removed, added
}

// sanitizeIndexes returns the usable indexes sorted ascending with duplicates
// and out-of-range values dropped.
func sanitizeIndexes(indexes []int, length int) []int {
	seen := make(map[int]struct{}, len(indexes))
	out := make([]int, 0, len(indexes))
	for _, idx := range indexes {
		if idx < 0 || idx >= length {
			continue
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}
