package types

// WebConf configures the embedded web panel.
type WebConf struct {
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// LocalConf configures the persistent local proxy for the activated profile.
type LocalConf struct {
	ProxyPort int `ini:"proxy_port"`
}

// DiagConf configures the latency prober and the speed tester. Zero values
// fall back to the package defaults of the respective component.
type DiagConf struct {
	ProbeWorkers   int    `ini:"probe_workers"`
	ProbeTimeoutMs int    `ini:"probe_timeout_ms"`
	SpeedPort      int    `ini:"speed_port"`
	SpeedURL       string `ini:"speed_url"`
	SpeedTimeoutMs int    `ini:"speed_timeout_ms"`
	QueueTickMs    int    `ini:"queue_tick_ms"`
}

// StorageConf configures persistence. Secret, when set, enables at-rest
// encryption of the profile store; HistoryPath locates the sqlite result
// history next to the other state files when empty.
type StorageConf struct {
	Secret      string `ini:"secret"`
	HistoryPath string `ini:"history_path"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// Config is the unified configuration of the deck process.
type Config struct {
	WebConf     `ini:"web"`
	LocalConf   `ini:"local"`
	DiagConf    `ini:"diagnostics"`
	StorageConf `ini:"storage"`
	LogConf     `ini:"log"`
}
