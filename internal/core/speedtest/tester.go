package speedtest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"proxydeck/internal/core/launcher"
	"proxydeck/internal/shared/logger"
	"proxydeck/internal/shared/types"
)

// State tracks where a speed job is in its lifecycle.
type State int32

const (
	StateValidating State = iota
	StateStarting
	StateAwaitingProxyReady
	StateDownloading
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StateStarting:
		return "starting"
	case StateAwaitingProxyReady:
		return "awaiting_proxy"
	case StateDownloading:
		return "downloading"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

const (
	// DefaultPort is the loopback port the rewritten inbound listens on.
	DefaultPort = 20809
	// DefaultURL streams 100 MiB, far more than a bounded test can drain.
	DefaultURL = "http://speed.cloudflare.com/__down?during=download&bytes=104857600"
	// DefaultTimeout bounds the whole download phase.
	DefaultTimeout = 5000 * time.Millisecond
	// DefaultStep is the progress sampling granularity.
	DefaultStep = 100 * time.Millisecond
)

// TrashView answers whether a profile id has been removed from the registry.
type TrashView interface {
	IsRemoved(id string) bool
}

// proxyManager is the slice of launcher.Manager the tester drives.
type proxyManager interface {
	Start(doc *launcher.Document, opts launcher.StartOptions) (*launcher.Instance, error)
	StopAll()
	AllRunning() bool
}

// Options tunes a Tester. Zero values fall back to the defaults above.
type Options struct {
	Port    int
	URL     string
	Timeout time.Duration
	Step    time.Duration
}

// Tester measures download throughput through a disposable local proxy
// built from the profile under test. Each job owns its own proxy manager
// so tearing it down cannot disturb the app's live connection.
type Tester struct {
	trash    TrashView
	exiting  func() bool
	sink     types.OutcomeSink
	recorder types.ResultRecorder

	port    int
	url     string
	timeout time.Duration
	step    time.Duration

	// Seams for tests.
	newManager func() proxyManager
	newClient  func(port int) *http.Client

	log zerolog.Logger
}

// NewTester builds a Tester. trash and exiting may be nil, in which case no
// profile is considered removed and the host is never considered exiting.
func NewTester(trash TrashView, exiting func() bool, sink types.OutcomeSink, recorder types.ResultRecorder, opts Options) *Tester {
	t := &Tester{
		trash:    trash,
		exiting:  exiting,
		sink:     sink,
		recorder: recorder,
		port:     opts.Port,
		url:      opts.URL,
		timeout:  opts.Timeout,
		step:     opts.Step,
		log:      logger.WithComponent("speedtest"),
	}
	if t.port == 0 {
		t.port = DefaultPort
	}
	if t.url == "" {
		t.url = DefaultURL
	}
	if t.timeout == 0 {
		t.timeout = DefaultTimeout
	}
	if t.step == 0 {
		t.step = DefaultStep
	}
	t.newManager = func() proxyManager { return launcher.NewManager() }
	t.newClient = func(port int) *http.Client {
		proxyURL := &url.URL{Scheme: "http", Host: "127.0.0.1:" + strconv.Itoa(port)}
		return &http.Client{
			Transport: &http.Transport{
				Proxy:             http.ProxyURL(proxyURL),
				DisableKeepAlives: true,
			},
		}
	}
	return t
}

// job carries the mutable per-run bookkeeping.
type job struct {
	index   int
	profile *types.ServerProfile
	state   atomic.Int32

	hasSample  bool
	lastBytes  uint64
	lastResult string
}

func (j *job) setState(s State) { j.state.Store(int32(s)) }

// transfer is the download in flight. Bytes are only counted while the
// local proxy is confirmed running at read time.
type transfer struct {
	total     atomic.Uint64
	finished  chan struct{}
	cancel    context.CancelFunc
	abortOnce sync.Once

	mu  sync.Mutex
	err error
}

// abort cancels the download. Safe to call any number of times, including
// after the transfer already finished.
func (tr *transfer) abort() {
	tr.abortOnce.Do(tr.cancel)
}

func (tr *transfer) setErr(err error) {
	tr.mu.Lock()
	tr.err = err
	tr.mu.Unlock()
}

func (tr *transfer) errValue() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.err
}

// Run executes one speed job to completion. It is synchronous: the
// dispatcher serializes calls so at most one speed test runs at a time.
func (t *Tester) Run(index int, profile *types.ServerProfile) {
	j := &job{index: index, profile: profile}
	j.setState(StateValidating)

	if t.trash != nil && t.trash.IsRemoved(profile.ID) {
		t.log.Debug().Str("profile_id", profile.ID).Msg("Profile removed before test started, skipping.")
		return
	}
	if !profile.IsValid() {
		j.setState(StateFinished)
		t.writeResult(j, "Invalid", true)
		return
	}

	j.setState(StateStarting)
	t.writeResult(j, "Starting", false)

	mgr := t.newManager()
	doc := launcher.FromProfile(profile).DeepCopy()
	doc.RenameOutboundTag("proxy", "proxy"+strconv.Itoa(t.port))
	doc.ReplaceInbounds(launcher.LocalInbound(t.port))

	_, err := mgr.Start(doc, launcher.StartOptions{
		ProxyOnly:   true,
		SuppressLog: true,
		ExitCallback: func(code launcher.ExitCode) {
			t.handleExit(j, code)
		},
		MsgCallback: func(msg string) {
			t.log.Debug().Str("remarks", profile.Remarks).Msg(msg)
		},
	})
	if err != nil {
		// The exit callback already recorded the verdict. The download
		// below still runs so every path funnels through one finish.
		t.log.Debug().Err(err).Str("remarks", profile.Remarks).Msg("Test proxy failed to start.")
	}

	j.setState(StateAwaitingProxyReady)
	tr, err := t.startTransfer(mgr)
	if err != nil {
		allRunning := mgr.AllRunning()
		mgr.StopAll()
		if !allRunning {
			return
		}
		j.setState(StateFinished)
		t.writeResult(j, displayError(err), true)
		return
	}
	j.setState(StateDownloading)

	t.drive(j, tr, mgr)
}

// startTransfer issues the download request and spawns the reader. The
// request itself only fails here on malformed URLs; transport errors
// surface through the transfer.
func (t *Tester) startTransfer(mgr proxyManager) (*transfer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		cancel()
		return nil, err
	}

	tr := &transfer{finished: make(chan struct{}), cancel: cancel}
	client := t.newClient(t.port)

	go func() {
		defer close(tr.finished)
		resp, err := client.Do(req)
		if err != nil {
			tr.setErr(err)
			return
		}
		defer resp.Body.Close()

		buf := make([]byte, 32*1024)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 && mgr.AllRunning() {
				tr.total.Add(uint64(n))
			}
			if err != nil {
				if err != io.EOF {
					tr.setErr(err)
				}
				return
			}
		}
	}()
	return tr, nil
}

// drive owns the job until it finishes: it samples progress on every step
// tick, aborts at the deadline, and keeps ticking until the transfer
// actually winds down.
func (t *Tester) drive(j *job, tr *transfer, mgr proxyManager) {
	started := time.Now()
	ticker := time.NewTicker(t.step)
	defer ticker.Stop()
	deadline := time.NewTimer(t.timeout)
	defer deadline.Stop()

	for {
		select {
		case <-tr.finished:
			t.finish(j, tr, mgr, started)
			return
		case <-deadline.C:
			tr.abort()
		case <-ticker.C:
			if t.exiting != nil && t.exiting() {
				tr.abort()
				continue
			}
			t.progress(j, tr, started)
		}
	}
}

// progress emits a fresh throughput sample when new bytes arrived since the
// last tick. A stalled or stopped transfer stays silent.
func (t *Tester) progress(j *job, tr *transfer, started time.Time) {
	bytes := tr.total.Load()
	if bytes == 0 || bytes == j.lastBytes {
		return
	}
	j.lastBytes = bytes
	j.hasSample = true
	j.lastResult = formatSpeed(bytes, time.Since(started))
	t.writeResult(j, j.lastResult, false)
}

// finish stops the job's proxy and writes the terminal result. The proxy
// is always torn down before the final emission.
func (t *Tester) finish(j *job, tr *transfer, mgr proxyManager, started time.Time) {
	allRunning := mgr.AllRunning()
	mgr.StopAll()
	j.setState(StateFinished)
	t.log.Debug().
		Str("remarks", j.profile.Remarks).
		Str("transferred", humanize.Bytes(tr.total.Load())).
		Msg("Download phase over.")

	err := tr.errValue()
	if err == nil {
		if allRunning {
			t.writeResult(j, formatSpeed(tr.total.Load(), time.Since(started)), true)
		} else {
			t.writeResult(j, "Start failed", true)
		}
		return
	}

	if j.hasSample {
		// The download was cut short after producing samples; the last
		// measured throughput is the result.
		t.writeResult(j, j.lastResult, true)
		return
	}
	if !allRunning {
		// The proxy died before any byte moved. The exit callback already
		// recorded the verdict, nothing to add here.
		t.log.Debug().Err(err).Str("remarks", j.profile.Remarks).Msg("Download failed after proxy exit.")
		return
	}
	if errorName(err) == "OperationCanceledError" {
		t.writeResult(j, "Canceled", true)
		return
	}
	t.writeResult(j, displayError(err), true)
}

// handleExit translates the test proxy's exit code into a verdict. It may
// fire synchronously from Start or later from the serve goroutine.
func (t *Tester) handleExit(j *job, code launcher.ExitCode) {
	switch code {
	case launcher.ExitOK, launcher.ExitSystemShuttingDown:
		// Normal teardown, not a verdict.
	case launcher.ExitConfigurationError:
		t.writeResult(j, "Invalid", true)
	case launcher.ExitServerStartFailure:
		t.writeResult(j, "Start failed", true)
	default:
		t.writeResult(j, fmt.Sprintf("Core exited %d", int(code)), true)
	}
}

// writeResult stores the result on the profile and notifies the sink.
// During host shutdown nothing is written or emitted, and a profile removed
// mid-job is treated as deleted even though this job still references it.
func (t *Tester) writeResult(j *job, result string, terminal bool) {
	if t.exiting != nil && t.exiting() {
		return
	}
	if t.trash != nil && t.trash.IsRemoved(j.profile.ID) {
		return
	}
	seq := j.profile.EnsureExtras().Set(string(types.FieldSpeed), result)
	t.log.Debug().
		Str("remarks", j.profile.Remarks).
		Str("result", result).
		Uint64("seq", seq).
		Msg("Speed result updated.")
	if t.sink != nil {
		t.sink.OnOutcome(types.DiagOutcome{
			Index:   j.index,
			Profile: j.profile,
			Field:   types.FieldSpeed,
			Seq:     seq,
		})
	}
	if terminal && t.recorder != nil {
		t.recorder.RecordResult(j.profile.ID, j.profile.Remarks, types.KindSpeed, result)
	}
}

// formatSpeed renders mean throughput since start as mebibytes per second.
func formatSpeed(bytes uint64, elapsed time.Duration) string {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		seconds = 1
	}
	return fmt.Sprintf("%.2f M/s", float64(bytes)/seconds/1024/1024)
}
