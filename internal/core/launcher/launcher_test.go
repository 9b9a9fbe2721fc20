package launcher

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"proxydeck/internal/shared/types"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve a port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func directDocument(port int) *Document {
	doc := &Document{
		Outbounds: []Outbound{{Tag: "proxy", Protocol: "freedom"}},
	}
	doc.ReplaceInbounds(LocalInbound(port))
	return doc
}

func startInstance(t *testing.T, m *Manager, doc *Document) chan ExitCode {
	t.Helper()
	exitCh := make(chan ExitCode, 1)
	_, err := m.Start(doc, StartOptions{
		ExitCallback: func(code ExitCode) { exitCh <- code },
		ProxyOnly:    true,
		SuppressLog:  true,
	})
	if err != nil {
		t.Fatalf("Start() returned an error: %v", err)
	}
	return exitCh
}

func waitExit(t *testing.T, exitCh chan ExitCode) ExitCode {
	t.Helper()
	select {
	case code := <-exitCh:
		return code
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the exit callback")
		return -1
	}
}

func TestStart_InvalidConfiguration(t *testing.T) {
	m := NewManager()
	exitCh := make(chan ExitCode, 1)

	doc := &Document{} // no inbounds, no outbounds
	_, err := m.Start(doc, StartOptions{
		ExitCallback: func(code ExitCode) { exitCh <- code },
		SuppressLog:  true,
	})

	if err == nil {
		t.Fatal("Expected an error for an empty document")
	}
	if code := waitExit(t, exitCh); code != ExitConfigurationError {
		t.Errorf("Expected ExitConfigurationError, got %v", code)
	}
	if m.AllRunning() {
		t.Error("Expected AllRunning to be false after a rejected start")
	}
}

func TestStart_BindFailure(t *testing.T) {
	port := freePort(t)
	blocker, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("Failed to occupy port: %v", err)
	}
	defer blocker.Close()

	m := NewManager()
	exitCh := make(chan ExitCode, 1)
	_, err = m.Start(directDocument(port), StartOptions{
		ExitCallback: func(code ExitCode) { exitCh <- code },
		SuppressLog:  true,
	})

	if err == nil {
		t.Fatal("Expected an error for an occupied port")
	}
	if code := waitExit(t, exitCh); code != ExitServerStartFailure {
		t.Errorf("Expected ExitServerStartFailure, got %v", code)
	}
}

func TestInstance_ForwardsAbsoluteFormRequests(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello from backend"))
	}))
	defer backend.Close()

	port := freePort(t)
	m := NewManager()
	exitCh := startInstance(t, m, directDocument(port))
	defer m.StopAll()

	if !m.AllRunning() {
		t.Fatal("Expected AllRunning to be true after start")
	}

	proxyURL, _ := url.Parse("http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL), DisableKeepAlives: true},
		Timeout:   5 * time.Second,
	}

	resp, err := client.Get(backend.URL)
	if err != nil {
		t.Fatalf("GET through the proxy failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if string(body) != "hello from backend" {
		t.Errorf("Expected the backend body, got %q", body)
	}

	stats := m.TrafficStats()
	if stats.Uplink == 0 || stats.Downlink == 0 {
		t.Errorf("Expected non-zero traffic counters, got %+v", stats)
	}

	m.StopAll()
	if code := waitExit(t, exitCh); code != ExitSystemShuttingDown {
		t.Errorf("Expected ExitSystemShuttingDown, got %v", code)
	}
	if m.AllRunning() {
		t.Error("Expected AllRunning to be false after StopAll")
	}
}

func TestInstance_TunnelsConnectRequests(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tunneled"))
	}))
	defer backend.Close()
	backendHost := backend.Listener.Addr().String()

	port := freePort(t)
	m := NewManager()
	startInstance(t, m, directDocument(port))
	defer m.StopAll()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to dial the proxy: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", backendHost, backendHost)
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.Fatalf("Failed to read the CONNECT response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for CONNECT, got %d", resp.StatusCode)
	}

	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", backendHost)
	tunneled, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("Failed to read the tunneled response: %v", err)
	}
	body, _ := io.ReadAll(tunneled.Body)
	tunneled.Body.Close()

	if string(body) != "tunneled" {
		t.Errorf("Expected the tunneled body, got %q", body)
	}
}

func TestInstance_ChainedThroughHTTPUpstream(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("chained"))
	}))
	defer backend.Close()

	// Upstream hop: a direct instance acting as the remote HTTP proxy.
	upstreamPort := freePort(t)
	upstream := NewManager()
	startInstance(t, upstream, directDocument(upstreamPort))
	defer upstream.StopAll()

	// Front hop: dials everything through the upstream via CONNECT.
	frontPort := freePort(t)
	frontDoc := &Document{
		Outbounds: []Outbound{{
			Tag:      "proxy",
			Protocol: "http",
			Settings: OutboundSettings{
				Servers: []OutboundServer{{Address: "127.0.0.1", Port: upstreamPort}},
			},
		}},
	}
	frontDoc.ReplaceInbounds(LocalInbound(frontPort))
	front := NewManager()
	startInstance(t, front, frontDoc)
	defer front.StopAll()

	proxyURL, _ := url.Parse("http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(frontPort)))
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL), DisableKeepAlives: true},
		Timeout:   5 * time.Second,
	}

	resp, err := client.Get(backend.URL)
	if err != nil {
		t.Fatalf("GET through the chained proxies failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if string(body) != "chained" {
		t.Errorf("Expected the chained body, got %q", body)
	}
}

func TestStopAll_ReportsShutdownExactlyOnce(t *testing.T) {
	port := freePort(t)
	m := NewManager()

	var codes []ExitCode
	done := make(chan struct{})
	_, err := m.Start(directDocument(port), StartOptions{
		ExitCallback: func(code ExitCode) {
			codes = append(codes, code)
			close(done)
		},
		SuppressLog: true,
	})
	if err != nil {
		t.Fatalf("Start() returned an error: %v", err)
	}

	m.StopAll()
	m.StopAll() // second call must be a no-op

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the exit callback")
	}
	time.Sleep(50 * time.Millisecond)

	if len(codes) != 1 || codes[0] != ExitSystemShuttingDown {
		t.Errorf("Expected exactly one ExitSystemShuttingDown, got %v", codes)
	}
}

func TestDocument_DeepCopyAndRewrite(t *testing.T) {
	profile := &types.ServerProfile{
		ID:       "p1",
		Remarks:  "remote",
		Type:     types.ProtocolHTTP,
		Address:  "198.51.100.7",
		Port:     8080,
		Username: "user",
		Password: "pass",
	}
	original := FromProfile(profile)

	cp := original.DeepCopy()
	cp.ReplaceInbounds(LocalInbound(20809))
	if !cp.RenameOutboundTag("proxy", "proxy20809") {
		t.Fatal("Expected the proxy outbound to be renamed")
	}

	if len(original.Inbounds) != 0 {
		t.Error("Expected the source document inbounds to stay untouched")
	}
	if original.Outbounds[0].Tag != "proxy" {
		t.Errorf("Expected the source outbound tag to stay 'proxy', got %q", original.Outbounds[0].Tag)
	}

	in := cp.Inbounds[0]
	if in.Port != 20809 || in.Listen != "127.0.0.1" || in.Protocol != "http" {
		t.Errorf("Unexpected test inbound: %+v", in)
	}
	if in.Sniffing == nil || !in.Sniffing.Enabled || len(in.Sniffing.DestOverride) != 2 {
		t.Errorf("Expected sniffing with http/tls overrides, got %+v", in.Sniffing)
	}
	if in.Settings.Auth != "noauth" || !in.Settings.UDP || in.Settings.AllowTransparent {
		t.Errorf("Unexpected inbound settings: %+v", in.Settings)
	}

	if cp.Outbounds[0].Tag != "proxy20809" {
		t.Errorf("Expected renamed outbound tag, got %q", cp.Outbounds[0].Tag)
	}
	srv := cp.Outbounds[0].Settings.Servers[0]
	if srv.Address != "198.51.100.7" || srv.Port != 8080 {
		t.Errorf("Unexpected outbound server: %+v", srv)
	}
	if len(srv.Users) != 1 || srv.Users[0].User != "user" {
		t.Errorf("Expected the profile credentials on the outbound, got %+v", srv.Users)
	}

	if err := cp.Validate(); err != nil {
		t.Errorf("Expected the rewritten document to validate, got %v", err)
	}
}
