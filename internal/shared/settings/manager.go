package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// SettingsManager is the runtime settings store. It is thread safe and uses an
// atomic pointer plus a publish/subscribe scheme for reads and hot updates.
type SettingsManager struct {
	filePath    string
	settings    atomic.Value // holds a *RuntimeSettings pointer for lock-free reads
	subscribers map[string][]ConfigurableModule
	mu          sync.RWMutex // guards subscribers and file writes
}

// NewSettingsManager creates a manager and loads settings from filePath right
// away. A missing file is created with defaults; an empty path keeps the
// manager purely in memory.
func NewSettingsManager(filePath string) (*SettingsManager, error) {
	sm := &SettingsManager{
		filePath:    filePath,
		subscribers: make(map[string][]ConfigurableModule),
	}

	if filePath == "" {
		sm.settings.Store(createDefaultSettings())
		return sm, nil
	}

	if err := sm.load(); err != nil {
		return nil, fmt.Errorf("failed to load initial settings: %w", err)
	}

	return sm, nil
}

func (sm *SettingsManager) load() error {
	data, err := os.ReadFile(sm.filePath)
	settings := &RuntimeSettings{}

	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", sm.filePath).Msg("settings.json not found, creating with default values.")
			settings = createDefaultSettings()
			if err := sm.persist(settings); err != nil {
				return fmt.Errorf("failed to write default settings file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to read settings file: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, settings); err != nil {
			return fmt.Errorf("failed to parse settings.json: %w", err)
		}
		ensureDefaultModules(settings)
	}

	sm.settings.Store(settings)
	return nil
}

// Register subscribes a module to updates of one settings module.
func (sm *SettingsManager) Register(moduleKey string, module ConfigurableModule) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.subscribers[moduleKey] = append(sm.subscribers[moduleKey], module)
}

// Get returns a snapshot of the current runtime settings. Lock-free.
func (sm *SettingsManager) Get() *RuntimeSettings {
	return sm.settings.Load().(*RuntimeSettings)
}

// Update replaces one settings module from raw JSON, persists the whole file,
// atomically swaps the in-memory pointer and notifies subscribers.
func (sm *SettingsManager) Update(moduleKey string, newSettingsData json.RawMessage) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	currentSettings := sm.Get()
	newSettings := deepCopy(currentSettings)

	targetModule := getModuleByKey(newSettings, moduleKey)
	if targetModule == nil {
		return fmt.Errorf("unknown settings module: %s", moduleKey)
	}
	if err := json.Unmarshal(newSettingsData, targetModule); err != nil {
		return fmt.Errorf("failed to parse JSON for module %s: %w", moduleKey, err)
	}

	if sm.filePath != "" {
		if err := sm.persist(newSettings); err != nil {
			return fmt.Errorf("failed to save updated settings to disk: %w", err)
		}
	}

	sm.settings.Store(newSettings)

	go sm.notify(moduleKey, targetModule)

	return nil
}

func (sm *SettingsManager) persist(settings *RuntimeSettings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sm.filePath, data, 0644)
}

func (sm *SettingsManager) notify(moduleKey string, newSettings interface{}) {
	sm.mu.RLock()
	subscribers, ok := sm.subscribers[moduleKey]
	sm.mu.RUnlock()

	if ok {
		log.Debug().Str("module", moduleKey).Int("subscribers", len(subscribers)).Msg("Notifying subscribers of settings update.")
		for _, sub := range subscribers {
			if err := sub.OnSettingsUpdate(moduleKey, newSettings); err != nil {
				log.Error().Err(err).Str("module", moduleKey).Msg("Error notifying subscriber.")
			}
		}
	}
}

// ActivatedIndex parses the persisted activation index. Malformed or missing
// values read as -1.
func (sm *SettingsManager) ActivatedIndex() int {
	view := sm.Get().View
	if view == nil {
		return -1
	}
	index, err := strconv.Atoi(view.ActivatedIndex)
	if err != nil {
		return -1
	}
	return index
}

// SetActivatedIndex persists the activation index as a string integer.
func (sm *SettingsManager) SetActivatedIndex(index int) {
	view := *sm.Get().View
	view.ActivatedIndex = strconv.Itoa(index)
	data, err := json.Marshal(&view)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal view settings.")
		return
	}
	if err := sm.Update("view", data); err != nil {
		log.Error().Err(err).Msg("Failed to persist activation index.")
	}
}

// Subscriptions returns a copy of the current subscription entries. Callers
// may mutate the copies freely before handing them to SaveSubscriptions.
func (sm *SettingsManager) Subscriptions() []*Subscription {
	sub := sm.Get().Subscription
	if sub == nil {
		return nil
	}
	out := make([]*Subscription, 0, len(sub.Entries))
	for _, e := range sub.Entries {
		entryCopy := *e
		out = append(out, &entryCopy)
	}
	return out
}

// SaveSubscriptions replaces the subscription entry list.
func (sm *SettingsManager) SaveSubscriptions(entries []*Subscription) error {
	data, err := json.Marshal(&SubscriptionSettings{Entries: entries})
	if err != nil {
		return err
	}
	return sm.Update("subscription", data)
}

func deepCopy(s *RuntimeSettings) *RuntimeSettings {
	newS := *s
	if s.View != nil {
		viewCopy := *s.View
		if s.View.ColumnSizes != nil {
			viewCopy.ColumnSizes = make(map[string]int, len(s.View.ColumnSizes))
			for k, v := range s.View.ColumnSizes {
				viewCopy.ColumnSizes[k] = v
			}
		}
		newS.View = &viewCopy
	}
	if s.Subscription != nil {
		subCopy := *s.Subscription
		subCopy.Entries = make([]*Subscription, 0, len(s.Subscription.Entries))
		for _, e := range s.Subscription.Entries {
			entryCopy := *e
			subCopy.Entries = append(subCopy.Entries, &entryCopy)
		}
		newS.Subscription = &subCopy
	}
	if s.Logging != nil {
		logCopy := *s.Logging
		newS.Logging = &logCopy
	}
	return &newS
}

func getModuleByKey(s *RuntimeSettings, key string) interface{} {
	switch key {
	case "view":
		return s.View
	case "subscription":
		return s.Subscription
	case "logging":
		return s.Logging
	default:
		return nil
	}
}
