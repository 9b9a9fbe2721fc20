package launcher

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"proxydeck/internal/shared/logger"
	"proxydeck/internal/shared/types"
)

// StartOptions carries the per-launch callbacks and flags.
type StartOptions struct {
	// ExitCallback receives the instance's single exit code. It may be
	// invoked synchronously from Start on validation and bind failures.
	ExitCallback func(code ExitCode)
	// MsgCallback receives the instance's activity lines.
	MsgCallback func(line string)
	// ProxyOnly marks launches that must not touch any system-level proxy
	// integration. The local inbound behaves the same either way.
	ProxyOnly bool
	// SuppressLog silences the instance's own logger.
	SuppressLog bool
}

// Manager owns a set of proxy instances. Components that need an isolated
// proxy lifecycle (the connection controller, each speed test) hold their own
// Manager so StopAll never reaches across concerns.
type Manager struct {
	mu        sync.Mutex
	instances []*Instance
	log       zerolog.Logger
}

func NewManager() *Manager {
	return &Manager{log: logger.WithComponent("launcher")}
}

// Start validates, binds and serves one instance for the document.
// A validation failure reports ExitConfigurationError, a bind failure
// ExitServerStartFailure; both are delivered through the exit callback before
// Start returns its error.
func (m *Manager) Start(doc *Document, opts StartOptions) (*Instance, error) {
	inst := newInstance(doc, opts)

	if err := inst.prepare(); err != nil {
		m.log.Error().Err(err).Msg("Rejecting proxy configuration.")
		inst.exit(ExitConfigurationError)
		return nil, fmt.Errorf("configuration rejected: %w", err)
	}

	if err := inst.listen(); err != nil {
		m.log.Error().Err(err).Msg("Failed to start proxy instance.")
		inst.exit(ExitServerStartFailure)
		return nil, err
	}

	if !opts.ProxyOnly {
		m.log.Debug().Msg("System proxy integration not available, serving local inbound only.")
	}

	m.mu.Lock()
	m.instances = append(m.instances, inst)
	m.mu.Unlock()

	go inst.serve()
	return inst, nil
}

// StopAll tears down every instance. Each one reports ExitSystemShuttingDown
// exactly once.
func (m *Manager) StopAll() {
	m.mu.Lock()
	instances := m.instances
	m.instances = nil
	m.mu.Unlock()

	for _, inst := range instances {
		inst.stop()
	}
}

// AllRunning reports whether at least one instance exists and every instance
// is still serving.
func (m *Manager) AllRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.instances) == 0 {
		return false
	}
	for _, inst := range m.instances {
		if !inst.Running() {
			return false
		}
	}
	return true
}

// TrafficStats aggregates the relay counters over all instances.
func (m *Manager) TrafficStats() types.TrafficStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total types.TrafficStats
	for _, inst := range m.instances {
		stats := inst.TrafficStats()
		total.Uplink += stats.Uplink
		total.Downlink += stats.Downlink
	}
	return total
}
