package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"proxydeck/internal/core/history"
	"proxydeck/internal/core/launcher"
	"proxydeck/internal/core/probe"
	"proxydeck/internal/core/registry"
	"proxydeck/internal/core/speedtest"
	"proxydeck/internal/service/web"
	"proxydeck/internal/shared/config"
	"proxydeck/internal/shared/logger"
	"proxydeck/internal/shared/settings"
	"proxydeck/internal/shared/types"
	"proxydeck/internal/subs"
)

const (
	// DefaultProxyPort is where the persistent local proxy for the
	// activated profile listens.
	DefaultProxyPort = 20808

	statsInterval        = time.Second
	housekeepingInterval = 12 * time.Hour
	historyRetention     = 30 * 24 * time.Hour
	shutdownGrace        = 3 * time.Second
)

// AppServer is the composition root. It owns every long-lived component and
// implements web.Controller for the management API.
type AppServer struct {
	cfg         *types.Config
	store       *config.Store
	serversPath string
	proxyPort   int

	settings *settings.SettingsManager
	registry *registry.Registry
	history  *history.Store
	subsMgr  *subs.Manager

	hub    *web.Hub
	webSrv *web.Server

	prober *probe.Prober
	tester *speedtest.Tester
	queue  *speedtest.Dispatcher

	// connection is the persistent local proxy that follows the activated
	// profile. connInst is nil while disconnected.
	connection *launcher.Manager
	connMu     sync.Mutex
	connInst   *launcher.Instance

	saveCh    chan []*types.ServerProfile
	isExiting atomic.Bool
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	log zerolog.Logger
}

// connectionGate adapts AppServer to registry.ConnectionGate. The registry
// invokes it under its own lock, so neither method may call back into the
// registry.
type connectionGate struct{ app *AppServer }

func (g connectionGate) IsConnected() bool { return g.app.IsConnected() }
func (g connectionGate) Disconnect()       { g.app.dropConnection() }

// New loads persisted state from configDir and wires the full component
// graph. Nothing is running yet; call Run.
func New(cfg *types.Config, configDir string) (*AppServer, error) {
	store, err := config.NewStore(cfg.StorageConf.Secret)
	if err != nil {
		return nil, err
	}
	serversPath := filepath.Join(configDir, "servers.json")
	profiles, err := store.LoadServers(serversPath)
	if err != nil {
		return nil, err
	}

	sm, err := settings.NewSettingsManager(filepath.Join(configDir, "settings.json"))
	if err != nil {
		return nil, err
	}

	historyPath := cfg.StorageConf.HistoryPath
	if historyPath == "" {
		historyPath = filepath.Join(configDir, "history.db")
	}
	hist, err := history.Open(historyPath)
	if err != nil {
		return nil, err
	}

	proxyPort := cfg.LocalConf.ProxyPort
	if proxyPort <= 0 {
		proxyPort = DefaultProxyPort
	}

	a := &AppServer{
		cfg:         cfg,
		store:       store,
		serversPath: serversPath,
		proxyPort:   proxyPort,
		settings:    sm,
		history:     hist,
		connection:  launcher.NewManager(),
		saveCh:      make(chan []*types.ServerProfile, 1),
		stopChan:    make(chan struct{}),
		log:         logger.WithComponent("app"),
	}

	a.registry = registry.NewRegistry(profiles, sm.ActivatedIndex(), registry.Options{
		Store:      a,
		Activation: sm,
		Gate:       connectionGate{a},
	})
	a.registry.OnActivationChange(a.onActivationChanged)

	a.hub = web.NewHub()
	projection := web.NewProjection(a.registry, a.hub, a.exiting)

	a.prober = probe.NewProber(probe.NewICMPPinger(), a.registry, projection, hist, probe.Options{
		Workers: cfg.DiagConf.ProbeWorkers,
		Timeout: msDuration(cfg.DiagConf.ProbeTimeoutMs),
	})
	a.tester = speedtest.NewTester(a.registry, a.exiting, projection, hist, speedtest.Options{
		Port:    cfg.DiagConf.SpeedPort,
		URL:     cfg.DiagConf.SpeedURL,
		Timeout: msDuration(cfg.DiagConf.SpeedTimeoutMs),
	})
	a.queue = speedtest.NewDispatcher(a.tester, a.exiting, speedtest.DispatcherOptions{
		Tick: msDuration(cfg.DiagConf.QueueTickMs),
	})

	a.subsMgr = subs.NewManager(sm, a.registry, subs.NewHTTPFetcher())

	handler := web.NewHandler(a, a.subsMgr, hist, sm)
	a.webSrv = web.NewServer(web.ServerOptions{
		Port:     cfg.WebConf.Port,
		User:     cfg.WebConf.User,
		Password: cfg.WebConf.Password,
	}, handler, a.hub)

	return a, nil
}

// Run starts the hub, the speed queue, the web API and the background loops.
func (a *AppServer) Run() error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.hub.Run()
	}()

	a.queue.Start()

	if err := a.webSrv.Start(); err != nil {
		return err
	}

	a.wg.Add(3)
	go a.saverLoop()
	go a.statsLoop()
	go a.housekeepingLoop()

	a.log.Info().Int("profiles", a.registry.Len()).Msg("proxydeck is up.")
	return nil
}

// Stop shuts everything down in order: mark exiting so diagnostics stop
// emitting, drain the diagnostic machinery, tear down the proxy, then close
// the web surface and the background loops. The profile list is flushed to
// disk one last time before returning.
func (a *AppServer) Stop() {
	a.stopOnce.Do(func() {
		a.isExiting.Store(true)
		a.log.Info().Msg("Shutting down.")

		a.queue.Stop()
		a.prober.Wait()

		a.dropConnection()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.webSrv.Stop(ctx); err != nil {
			a.log.Warn().Err(err).Msg("Web server shutdown did not finish cleanly.")
		}
		a.hub.Stop()

		close(a.stopChan)
		a.wg.Wait()

		a.persist(a.registry.Snapshot())
		if a.history != nil {
			a.history.Close()
		}
		a.log.Info().Msg("Shutdown complete.")
	})
}

func (a *AppServer) exiting() bool { return a.isExiting.Load() }

// SaveProfiles implements registry.ProfileStore. Snapshots are handed to the
// saver loop through a one-slot channel; when a newer snapshot arrives before
// the previous one was written, the older one is discarded.
func (a *AppServer) SaveProfiles(profiles []*types.ServerProfile) {
	for {
		select {
		case a.saveCh <- profiles:
			return
		default:
			select {
			case <-a.saveCh:
			default:
			}
		}
	}
}

func (a *AppServer) saverLoop() {
	defer a.wg.Done()
	for {
		select {
		case profiles := <-a.saveCh:
			a.persist(profiles)
		case <-a.stopChan:
			select {
			case profiles := <-a.saveCh:
				a.persist(profiles)
			default:
			}
			return
		}
	}
}

func (a *AppServer) persist(profiles []*types.ServerProfile) {
	if err := a.store.SaveServers(a.serversPath, profiles); err != nil {
		a.log.Error().Err(err).Msg("Failed to persist profiles.")
	}
}

func (a *AppServer) statsLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	var last types.TrafficStats
	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			stats := a.connection.TrafficStats()
			// Counters restart from zero after a disconnect.
			if stats.Uplink < last.Uplink || stats.Downlink < last.Downlink {
				last = types.TrafficStats{}
			}

			activatedID := ""
			if p := a.registry.ActivatedProfile(); p != nil {
				activatedID = p.ID
			}
			a.hub.BroadcastDashboardUpdate(&web.DashboardStats{
				Timestamp:    time.Now(),
				Connected:    a.IsConnected(),
				ActivatedID:  activatedID,
				UplinkRate:   stats.Uplink - last.Uplink,
				DownlinkRate: stats.Downlink - last.Downlink,
			})
			last = stats
		}
	}
}

func (a *AppServer) housekeepingLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			if n, err := a.history.Purge(historyRetention); err == nil && n > 0 {
				a.log.Info().Int64("records", n).Msg("Purged old diagnostic history.")
			}
		}
	}
}

// IsConnected reports whether the persistent local proxy is up.
func (a *AppServer) IsConnected() bool {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	return a.connInst != nil && a.connInst.Running()
}

// Connect starts the persistent local proxy for the activated profile.
// Connecting while already connected is a no-op.
func (a *AppServer) Connect() error {
	if a.exiting() {
		return errors.New("shutting down")
	}
	profile := a.registry.ActivatedProfile()
	if profile == nil {
		return errors.New("no activated profile")
	}

	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.connInst != nil && a.connInst.Running() {
		return nil
	}

	doc := launcher.FromProfile(profile)
	doc.ReplaceInbounds(launcher.LocalInbound(a.proxyPort))

	inst, err := a.connection.Start(doc, launcher.StartOptions{
		ExitCallback: a.onConnectionExit,
		MsgCallback:  func(line string) { a.log.Debug().Msg(line) },
	})
	if err != nil {
		return fmt.Errorf("failed to start local proxy: %w", err)
	}
	a.connInst = inst
	a.log.Info().Str("remarks", profile.Remarks).Int("port", a.proxyPort).Msg("Local proxy connected.")
	a.hub.BroadcastStatusUpdate()
	return nil
}

// Disconnect implements web.Controller.
func (a *AppServer) Disconnect() error {
	a.dropConnection()
	return nil
}

// dropConnection tears the persistent proxy down if it is up. Safe to call
// from the registry's gate; it never calls back into the registry.
func (a *AppServer) dropConnection() {
	a.connMu.Lock()
	inst := a.connInst
	a.connInst = nil
	a.connMu.Unlock()
	if inst == nil {
		return
	}

	stats := inst.TrafficStats()
	a.connection.StopAll()
	a.log.Info().
		Str("uplink", humanize.Bytes(stats.Uplink)).
		Str("downlink", humanize.Bytes(stats.Downlink)).
		Msg("Local proxy disconnected.")
	a.hub.BroadcastStatusUpdate()
}

// onConnectionExit handles instance exits. Expected codes are already dealt
// with by Connect and dropConnection; everything else means the proxy died
// underneath us. The callback can fire from inside Manager.Start while
// Connect holds connMu, so the cleanup runs on its own goroutine.
func (a *AppServer) onConnectionExit(code launcher.ExitCode) {
	if code == launcher.ExitOK || code == launcher.ExitSystemShuttingDown {
		return
	}
	go func() {
		a.connMu.Lock()
		dead := a.connInst != nil && !a.connInst.Running()
		if dead {
			a.connInst = nil
		}
		a.connMu.Unlock()
		if dead {
			a.log.Warn().Int("code", int(code)).Msg("Local proxy exited unexpectedly.")
			a.hub.BroadcastStatusUpdate()
		}
	}()
}

// onActivationChanged runs after every Activate and Deactivate. A live
// connection follows the activation: it is restarted onto the new profile,
// or torn down when the activation was cleared.
func (a *AppServer) onActivationChanged(index int, profile *types.ServerProfile) {
	if a.exiting() {
		return
	}
	if a.IsConnected() {
		a.dropConnection()
		if profile != nil {
			if err := a.Connect(); err != nil {
				a.log.Warn().Err(err).Msg("Failed to reconnect after activation change.")
			}
		}
	}
	a.hub.BroadcastStatusUpdate()
}

func msDuration(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
