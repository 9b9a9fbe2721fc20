package registry

import (
	"errors"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"proxydeck/internal/shared/logger"
	"proxydeck/internal/shared/types"
)

var (
	ErrInvalidProfile  = errors.New("profile failed validation")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrProfileNotFound = errors.New("profile not found")
)

// ProfileStore persists the full profile list. Implementations receive a
// private snapshot and may write it from any goroutine.
type ProfileStore interface {
	SaveProfiles(profiles []*types.ServerProfile)
}

// ActivationStore persists the activated row index across restarts.
type ActivationStore interface {
	SetActivatedIndex(index int)
}

// ConnectionGate reports and controls the persistent local proxy connection
// that follows the activated profile. Implementations must not call back into
// the Registry from Disconnect.
type ConnectionGate interface {
	IsConnected() bool
	Disconnect()
}

// Options carries the optional collaborators of a Registry. Every field may
// be nil.
type Options struct {
	Store      ProfileStore
	Activation ActivationStore
	Gate       ConnectionGate
}

// Registry is the ordered, observable profile table. It owns the activation
// index and the trash set of removed profile IDs; diagnostics consult the
// trash to suppress results for rows deleted mid-flight.
type Registry struct {
	mu        sync.RWMutex
	items     []*types.ServerProfile
	activated int
	trash     mapset.Set[string]
	sortOrder map[SortColumn]bool

	store      ProfileStore
	activation ActivationStore
	gate       ConnectionGate

	onActivated func(index int, profile *types.ServerProfile)

	log zerolog.Logger
}

// NewRegistry builds a registry over an already-loaded profile list. An
// activatedIndex outside the list reads as -1.
func NewRegistry(profiles []*types.ServerProfile, activatedIndex int, opts Options) *Registry {
	items := make([]*types.ServerProfile, 0, len(profiles))
	for _, p := range profiles {
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		p.EnsureExtras()
		items = append(items, p)
	}
	if activatedIndex < 0 || activatedIndex >= len(items) {
		activatedIndex = -1
	}
	return &Registry{
		items:      items,
		activated:  activatedIndex,
		trash:      mapset.NewThreadUnsafeSet[string](),
		sortOrder:  make(map[SortColumn]bool),
		store:      opts.Store,
		activation: opts.Activation,
		gate:       opts.Gate,
		log:        logger.WithComponent("registry"),
	}
}

// OnActivationChange registers a hook called after Activate or Deactivate.
// The hook runs outside the registry lock.
func (r *Registry) OnActivationChange(fn func(index int, profile *types.ServerProfile)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onActivated = fn
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// At returns the profile at index, or nil when out of range.
func (r *Registry) At(index int) *types.ServerProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.items) {
		return nil
	}
	return r.items[index]
}

// Snapshot returns a copy of the current row order. The profiles themselves
// are shared, so extras written later remain visible through the snapshot.
func (r *Registry) Snapshot() []*types.ServerProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.ServerProfile, len(r.items))
	copy(out, r.items)
	return out
}

// IndexByID locates a profile by its surrogate key, -1 when absent.
func (r *Registry) IndexByID(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexByIDLocked(id)
}

func (r *Registry) indexByIDLocked(id string) int {
	for i, p := range r.items {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Contains reports whether the profile is still a live row: present in the
// list and not in the trash.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexByIDLocked(id) >= 0 && !r.trash.Contains(id)
}

// IsRemoved reports whether the profile ID was deleted at any point.
func (r *Registry) IsRemoved(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.trash.Contains(id)
}

func (r *Registry) ActivatedIndex() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activated
}

// ActivatedProfile returns the activated profile, nil when none.
func (r *Registry) ActivatedProfile() *types.ServerProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.activated < 0 || r.activated >= len(r.items) {
		return nil
	}
	return r.items[r.activated]
}

// Activate marks the row at index as the activated profile and persists the
// index.
func (r *Registry) Activate(index int) error {
	r.mu.Lock()
	if index < 0 || index >= len(r.items) {
		r.mu.Unlock()
		return ErrIndexOutOfRange
	}
	r.setActivatedLocked(index)
	profile := r.items[index]
	cb := r.onActivated
	r.mu.Unlock()

	if cb != nil {
		cb(index, profile)
	}
	return nil
}

// Deactivate clears the activation and persists -1.
func (r *Registry) Deactivate() {
	r.mu.Lock()
	r.setActivatedLocked(-1)
	cb := r.onActivated
	r.mu.Unlock()

	if cb != nil {
		cb(-1, nil)
	}
}

func (r *Registry) setActivatedLocked(index int) {
	r.activated = index
	if r.activation != nil {
		r.activation.SetActivatedIndex(index)
	}
}

// persistLocked schedules an asynchronous save of the current list. Callers
// must hold r.mu.
func (r *Registry) persistLocked() {
	if r.store == nil {
		return
	}
	snapshot := make([]*types.ServerProfile, len(r.items))
	copy(snapshot, r.items)
	go r.store.SaveProfiles(snapshot)
}
