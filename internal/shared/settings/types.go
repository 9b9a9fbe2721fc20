package settings

// ConfigurableModule is implemented by components that want to be told when
// their settings module changes at runtime. SettingsManager calls
// OnSettingsUpdate after every successful Update of a subscribed module.
type ConfigurableModule interface {
	// moduleKey names the changed module (e.g. "view", "logging");
	// newSettings is the already-parsed settings struct pointer for it.
	OnSettingsUpdate(moduleKey string, newSettings interface{}) error
}

// RuntimeSettings is the top-level structure of settings.json. Pointer fields
// stay nil when the JSON file lacks a module, which ensureDefaultModules then
// repairs.
type RuntimeSettings struct {
	View         *ViewSettings         `json:"view"`
	Subscription *SubscriptionSettings `json:"subscription"`
	Logging      *LoggingSettings      `json:"logging"`
}

// ViewSettings holds the table view state the UI expects back after a restart.
// ActivatedIndex is kept as a string integer, "-1" meaning no activation.
type ViewSettings struct {
	ActivatedIndex string         `json:"activated_index"`
	ColumnSizes    map[string]int `json:"column_sizes,omitempty"`
}

// Subscription is one remote profile source.
type Subscription struct {
	ID      string `json:"id"`
	Remarks string `json:"remarks"`
	URL     string `json:"url"`
}

// SubscriptionSettings corresponds to the "subscription" module.
type SubscriptionSettings struct {
	Entries []*Subscription `json:"entries"`
}

// LoggingSettings corresponds to the "logging" module.
type LoggingSettings struct {
	Level string `json:"level,omitempty"`
}

func createDefaultSettings() *RuntimeSettings {
	return &RuntimeSettings{
		View:         &ViewSettings{ActivatedIndex: "-1", ColumnSizes: map[string]int{}},
		Subscription: &SubscriptionSettings{Entries: []*Subscription{}},
		Logging:      &LoggingSettings{},
	}
}

func ensureDefaultModules(s *RuntimeSettings) {
	if s.View == nil {
		s.View = &ViewSettings{ActivatedIndex: "-1"}
	}
	if s.View.ActivatedIndex == "" {
		s.View.ActivatedIndex = "-1"
	}
	if s.Subscription == nil {
		s.Subscription = &SubscriptionSettings{Entries: []*Subscription{}}
	}
	if s.Logging == nil {
		s.Logging = &LoggingSettings{}
	}
}
