package speedtest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"proxydeck/internal/core/launcher"
	"proxydeck/internal/shared/types"
)

// --- Mocks ---

type mockManager struct {
	startRunning bool
	startErr     error
	fireExit     bool
	exitCode     launcher.ExitCode

	started   atomic.Bool
	stopCalls atomic.Int32
	running   atomic.Bool
}

func (m *mockManager) Start(doc *launcher.Document, opts launcher.StartOptions) (*launcher.Instance, error) {
	m.started.Store(true)
	if m.fireExit {
		opts.ExitCallback(m.exitCode)
		return nil, m.startErr
	}
	m.running.Store(m.startRunning)
	return nil, nil
}

func (m *mockManager) StopAll() {
	m.running.Store(false)
	m.stopCalls.Add(1)
}

func (m *mockManager) AllRunning() bool { return m.running.Load() }

type speedTrash struct {
	mu      sync.Mutex
	removed map[string]bool
}

func (s *speedTrash) IsRemoved(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed[id]
}

func (s *speedTrash) markRemoved(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed[id] = true
}

type speedSink struct {
	mu      sync.Mutex
	results []string
}

func (s *speedSink) OnOutcome(out types.DiagOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, out.Profile.EnsureExtras().Get(string(out.Field)))
}

func (s *speedSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.results...)
}

func (s *speedSink) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return ""
	}
	return s.results[len(s.results)-1]
}

type speedRecorder struct {
	mu      sync.Mutex
	results []string
}

func (r *speedRecorder) RecordResult(profileID, remarks string, kind types.DiagKind, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func (r *speedRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.results...)
}

// --- Helpers ---

var speedPattern = regexp.MustCompile(`^\d+\.\d{2} M/s$`)

func speedProfile() *types.ServerProfile {
	p := &types.ServerProfile{
		ID:      "speed-profile-1",
		Remarks: "Speed Target",
		Type:    types.ProtocolSOCKS5,
		Address: "10.0.0.9",
		Port:    1080,
	}
	p.EnsureExtras()
	return p
}

type testerFixture struct {
	tester   *Tester
	manager  *mockManager
	trash    *speedTrash
	sink     *speedSink
	recorder *speedRecorder
	exiting  atomic.Bool
}

func newTesterFixture(url string, timeout time.Duration, mgr *mockManager) *testerFixture {
	f := &testerFixture{
		manager:  mgr,
		trash:    &speedTrash{removed: make(map[string]bool)},
		sink:     &speedSink{},
		recorder: &speedRecorder{},
	}
	f.tester = NewTester(f.trash, f.exiting.Load, f.sink, f.recorder, Options{
		URL:     url,
		Timeout: timeout,
		Step:    20 * time.Millisecond,
	})
	f.tester.newManager = func() proxyManager { return mgr }
	f.tester.newClient = func(port int) *http.Client { return &http.Client{} }
	return f
}

// chunkServer streams count chunks of size bytes, pausing between writes,
// then closes the response normally.
func chunkServer(t *testing.T, count, size int, pause time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		chunk := make([]byte, size)
		for i := 0; i < count; i++ {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(pause):
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// stallServer sends headers and then nothing until the client gives up.
func stallServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

// --- Tests ---

func TestRun_SkipsProfileRemovedBeforeStart(t *testing.T) {
	mgr := &mockManager{startRunning: true}
	f := newTesterFixture("http://127.0.0.1:1/", time.Second, mgr)
	p := speedProfile()
	f.trash.removed[p.ID] = true

	f.tester.Run(0, p)

	if mgr.started.Load() {
		t.Errorf("Expected no proxy start for a removed profile")
	}
	if got := f.sink.all(); len(got) != 0 {
		t.Errorf("Expected no emissions, got %v", got)
	}
	if got := f.recorder.all(); len(got) != 0 {
		t.Errorf("Expected no history records, got %v", got)
	}
}

func TestRun_RemovalMidJobSuppressesResult(t *testing.T) {
	mgr := &mockManager{startRunning: true}
	var f *testerFixture
	p := speedProfile()

	// The profile is deleted while the download is in flight.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.trash.markRemoved(p.ID)
		w.Write(make([]byte, 64*1024))
	}))
	t.Cleanup(srv.Close)

	f = newTesterFixture(srv.URL, time.Second, mgr)
	f.tester.Run(0, p)

	if got := f.sink.all(); len(got) != 1 || got[0] != "Starting" {
		t.Errorf("Expected only the 'Starting' emission, got %v", got)
	}
	if got := f.recorder.all(); len(got) != 0 {
		t.Errorf("Expected no history records for a deleted profile, got %v", got)
	}
	if n := mgr.stopCalls.Load(); n != 1 {
		t.Errorf("Expected cleanup StopAll after mid-job deletion, got %d", n)
	}
}

func TestRun_InvalidProfile(t *testing.T) {
	mgr := &mockManager{startRunning: true}
	f := newTesterFixture("http://127.0.0.1:1/", time.Second, mgr)
	p := speedProfile()
	p.Address = ""

	f.tester.Run(0, p)

	if mgr.started.Load() {
		t.Errorf("Expected no proxy start for an invalid profile")
	}
	if got := f.sink.all(); len(got) != 1 || got[0] != "Invalid" {
		t.Errorf("Expected single 'Invalid' emission, got %v", got)
	}
	if got := f.recorder.all(); len(got) != 1 || got[0] != "Invalid" {
		t.Errorf("Expected 'Invalid' recorded, got %v", got)
	}
}

func TestRun_ReportsProgressiveAndFinalSpeed(t *testing.T) {
	srv := chunkServer(t, 4, 256*1024, 30*time.Millisecond)
	mgr := &mockManager{startRunning: true}
	f := newTesterFixture(srv.URL, 2*time.Second, mgr)
	p := speedProfile()

	f.tester.Run(0, p)

	got := f.sink.all()
	if len(got) < 3 {
		t.Fatalf("Expected 'Starting' plus at least one sample and a final result, got %v", got)
	}
	if got[0] != "Starting" {
		t.Errorf("Expected first emission 'Starting', got '%s'", got[0])
	}
	for _, r := range got[1:] {
		if !speedPattern.MatchString(r) {
			t.Errorf("Expected throughput format, got '%s'", r)
		}
	}
	if v := p.Extras.Get(string(types.FieldSpeed)); !speedPattern.MatchString(v) {
		t.Errorf("Expected final throughput on the profile, got '%s'", v)
	}
	if n := mgr.stopCalls.Load(); n != 1 {
		t.Errorf("Expected exactly one StopAll, got %d", n)
	}
	if rec := f.recorder.all(); len(rec) != 1 || !speedPattern.MatchString(rec[0]) {
		t.Errorf("Expected one recorded throughput, got %v", rec)
	}
}

func TestRun_DeadlineAbortKeepsLastSample(t *testing.T) {
	srv := chunkServer(t, 1000, 64*1024, 25*time.Millisecond)
	mgr := &mockManager{startRunning: true}
	f := newTesterFixture(srv.URL, 200*time.Millisecond, mgr)
	p := speedProfile()

	start := time.Now()
	f.tester.Run(0, p)

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Expected the deadline to cut the job short, took %v", elapsed)
	}
	final := f.sink.last()
	if !speedPattern.MatchString(final) {
		t.Errorf("Expected last measured throughput as final result, got '%s'", final)
	}
	if v := p.Extras.Get(string(types.FieldSpeed)); v == "Starting" {
		t.Errorf("Job must never end still marked 'Starting'")
	}
	if n := mgr.stopCalls.Load(); n != 1 {
		t.Errorf("Expected exactly one StopAll, got %d", n)
	}
}

func TestRun_CancelWithoutBytesIsCanceled(t *testing.T) {
	srv := stallServer(t)
	mgr := &mockManager{startRunning: true}
	f := newTesterFixture(srv.URL, 150*time.Millisecond, mgr)
	p := speedProfile()

	f.tester.Run(0, p)

	if final := f.sink.last(); final != "Canceled" {
		t.Errorf("Expected 'Canceled', got '%s'", final)
	}
	if n := mgr.stopCalls.Load(); n != 1 {
		t.Errorf("Expected exactly one StopAll, got %d", n)
	}
}

func TestRun_ConfigurationErrorVerdictStands(t *testing.T) {
	mgr := &mockManager{fireExit: true, exitCode: launcher.ExitConfigurationError, startErr: errors.New("invalid document")}
	f := newTesterFixture("http://127.0.0.1:1/", time.Second, mgr)
	p := speedProfile()

	f.tester.Run(0, p)

	got := f.sink.all()
	if len(got) != 2 || got[0] != "Starting" || got[1] != "Invalid" {
		t.Fatalf("Expected ['Starting' 'Invalid'], got %v", got)
	}
	if v := p.Extras.Get(string(types.FieldSpeed)); v != "Invalid" {
		t.Errorf("Expected verdict 'Invalid' to stand, got '%s'", v)
	}
	if n := mgr.stopCalls.Load(); n != 1 {
		t.Errorf("Expected exactly one StopAll, got %d", n)
	}
}

func TestRun_StartFailureVerdict(t *testing.T) {
	mgr := &mockManager{fireExit: true, exitCode: launcher.ExitServerStartFailure, startErr: errors.New("bind failed")}
	f := newTesterFixture("http://127.0.0.1:1/", time.Second, mgr)
	p := speedProfile()

	f.tester.Run(0, p)

	if v := p.Extras.Get(string(types.FieldSpeed)); v != "Start failed" {
		t.Errorf("Expected 'Start failed', got '%s'", v)
	}
}

func TestRun_CoreCrashVerdict(t *testing.T) {
	mgr := &mockManager{fireExit: true, exitCode: launcher.ExitCrash}
	f := newTesterFixture("http://127.0.0.1:1/", time.Second, mgr)
	p := speedProfile()

	f.tester.Run(0, p)

	if v := p.Extras.Get(string(types.FieldSpeed)); v != "Core exited 1" {
		t.Errorf("Expected 'Core exited 1', got '%s'", v)
	}
}

func TestRun_ProxyDeadAtCompletion(t *testing.T) {
	srv := chunkServer(t, 1, 64*1024, 5*time.Millisecond)
	mgr := &mockManager{startRunning: false}
	f := newTesterFixture(srv.URL, time.Second, mgr)
	p := speedProfile()

	f.tester.Run(0, p)

	if v := p.Extras.Get(string(types.FieldSpeed)); v != "Start failed" {
		t.Errorf("Expected 'Start failed' when the proxy is down at completion, got '%s'", v)
	}
}

func TestRun_ShutdownSuppressesEmissionButCleansUp(t *testing.T) {
	srv := stallServer(t)
	mgr := &mockManager{startRunning: true}
	f := newTesterFixture(srv.URL, time.Second, mgr)
	f.exiting.Store(true)
	p := speedProfile()

	f.tester.Run(0, p)

	if got := f.sink.all(); len(got) != 0 {
		t.Errorf("Expected no emissions during shutdown, got %v", got)
	}
	if got := f.recorder.all(); len(got) != 0 {
		t.Errorf("Expected no history records during shutdown, got %v", got)
	}
	if n := mgr.stopCalls.Load(); n != 1 {
		t.Errorf("Expected cleanup StopAll even during shutdown, got %d", n)
	}
}

func TestTransferAbortIsIdempotent(t *testing.T) {
	var cancels atomic.Int32
	tr := &transfer{finished: make(chan struct{}), cancel: func() { cancels.Add(1) }}

	tr.abort()
	tr.abort()
	close(tr.finished)
	tr.abort()

	if n := cancels.Load(); n != 1 {
		t.Errorf("Expected a single cancel across repeated aborts, got %d", n)
	}
}

func TestErrorNameMapping(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{context.DeadlineExceeded, "Timeout"},
		{syscall.ECONNREFUSED, "ConnectionRefused"},
		{syscall.ECONNRESET, "RemoteHostClosed"},
		{&net.DNSError{Err: "no such host", Name: "nowhere.invalid"}, "HostNotFound"},
		{errors.New("mystery failure"), "Unknown Error"},
	}
	for _, c := range cases {
		if got := displayError(c.err); got != c.want {
			t.Errorf("Expected '%s' for %v, got '%s'", c.want, c.err, got)
		}
	}
	if got := errorName(context.Canceled); got != "OperationCanceledError" {
		t.Errorf("Expected cancellation to keep its full name, got '%s'", got)
	}
}

func TestFormatSpeed(t *testing.T) {
	got := formatSpeed(5*1024*1024, 2*time.Second)
	if got != "2.50 M/s" {
		t.Errorf("Expected '2.50 M/s', got '%s'", got)
	}
}
