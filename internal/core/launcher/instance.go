package launcher

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"proxydeck/internal/shared"
	"proxydeck/internal/shared/types"
)

// Instance is one running local HTTP proxy. It accepts plain requests and
// CONNECT tunnels on its inbound and forwards them through the document's
// default outbound. Every instance reports exactly one exit code over its
// lifetime.
type Instance struct {
	doc    *Document
	opts   StartOptions
	dialer outboundDialer
	logger zerolog.Logger

	ln       net.Listener
	running  atomic.Bool
	stopping atomic.Bool
	exitOnce sync.Once

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	uplinkBytes   atomic.Uint64
	downlinkBytes atomic.Uint64
}

func newInstance(doc *Document, opts StartOptions) *Instance {
	logger := log.With().Str("component", "launcher").Logger()
	if opts.SuppressLog {
		logger = logger.Level(zerolog.Disabled)
	}
	return &Instance{
		doc:    doc,
		opts:   opts,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}
}

// prepare validates the document and builds the outbound dialer. Failures
// here map onto ExitConfigurationError.
func (i *Instance) prepare() error {
	if err := i.doc.Validate(); err != nil {
		return err
	}
	dialer, err := buildDialer(i.doc.FirstOutbound())
	if err != nil {
		return err
	}
	i.dialer = dialer
	return nil
}

// listen binds the inbound. Failures here map onto ExitServerStartFailure.
func (i *Instance) listen() error {
	in := i.doc.Inbounds[0]
	addr := net.JoinHostPort(in.Listen, strconv.Itoa(in.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	i.ln = ln
	i.logger = i.logger.With().Str("inbound", in.Tag).Int("port", in.Port).Logger()
	i.running.Store(true)
	return nil
}

func (i *Instance) serve() {
	i.logger.Info().Msg("Local proxy instance serving.")
	i.message("started local inbound on " + i.ln.Addr().String())

	for {
		conn, err := i.ln.Accept()
		if err != nil {
			if i.stopping.Load() {
				i.exit(ExitSystemShuttingDown)
			} else {
				i.logger.Error().Err(err).Msg("Accept failed, instance going down.")
				i.exit(ExitCrash)
			}
			return
		}
		i.track(conn)
		go i.handleConn(conn)
	}
}

// exit reports the terminal code exactly once.
func (i *Instance) exit(code ExitCode) {
	i.exitOnce.Do(func() {
		i.running.Store(false)
		i.logger.Info().Str("reason", code.String()).Msg("Proxy instance exited.")
		if i.opts.ExitCallback != nil {
			i.opts.ExitCallback(code)
		}
	})
}

// stop closes the listener and every in-flight connection. The serve loop then
// emits ExitSystemShuttingDown.
func (i *Instance) stop() {
	i.stopping.Store(true)
	i.running.Store(false)
	if i.ln != nil {
		i.ln.Close()
	}

	i.mu.Lock()
	for conn := range i.conns {
		conn.Close()
	}
	i.mu.Unlock()
}

func (i *Instance) Running() bool {
	return i.running.Load()
}

// ListenerInfo returns where the instance listens, nil before a successful
// bind.
func (i *Instance) ListenerInfo() *types.ListenerInfo {
	if i.ln == nil {
		return nil
	}
	in := i.doc.Inbounds[0]
	return &types.ListenerInfo{Address: in.Listen, Port: in.Port}
}

// TrafficStats returns the cumulative relay counters.
func (i *Instance) TrafficStats() types.TrafficStats {
	return types.TrafficStats{
		Uplink:   i.uplinkBytes.Load(),
		Downlink: i.downlinkBytes.Load(),
	}
}

func (i *Instance) track(conn net.Conn) {
	i.mu.Lock()
	i.conns[conn] = struct{}{}
	i.mu.Unlock()
}

func (i *Instance) untrack(conn net.Conn) {
	i.mu.Lock()
	delete(i.conns, conn)
	i.mu.Unlock()
}

func (i *Instance) message(line string) {
	if i.opts.MsgCallback != nil {
		i.opts.MsgCallback(line)
	}
}

func (i *Instance) handleConn(conn net.Conn) {
	defer i.untrack(conn)
	defer conn.Close()

	// Reads from the client head upstream, writes carry the response back.
	counted := shared.NewCountedConn(conn, &i.uplinkBytes, &i.downlinkBytes)
	br := bufio.NewReader(counted)

	req, err := http.ReadRequest(br)
	if err != nil {
		if err != io.EOF {
			i.logger.Debug().Err(err).Msg("Failed to read proxy request.")
		}
		return
	}

	target, isConnect := proxyTarget(req)
	if target == "" {
		writeStatus(counted, http.StatusBadRequest)
		return
	}
	i.message(fmt.Sprintf("accepted %s %s", req.Method, target))

	upstream, err := i.dialer.Dial("tcp", target)
	if err != nil {
		i.logger.Warn().Err(err).Str("target", target).Msg("Outbound dial failed.")
		i.message("dial failed: " + err.Error())
		writeStatus(counted, http.StatusBadGateway)
		return
	}
	i.track(upstream)
	defer i.untrack(upstream)
	defer upstream.Close()

	if isConnect {
		if _, err := counted.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
			return
		}
		i.relay(counted, br, upstream)
		return
	}

	prepareForward(req)
	if err := req.Write(upstream); err != nil {
		i.logger.Debug().Err(err).Str("target", target).Msg("Failed to forward request.")
		writeStatus(counted, http.StatusBadGateway)
		return
	}
	io.Copy(counted, upstream)
}

// relay shuttles bytes both ways until both directions hit EOF. clientReader
// drains the buffered reader so no request bytes are lost.
func (i *Instance) relay(client *shared.CountedConn, clientReader io.Reader, upstream net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		io.Copy(upstream, clientReader)
		if cw, ok := upstream.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(client, upstream)
		client.CloseWrite()
	}()

	wg.Wait()
}

// proxyTarget resolves the dial target of a proxied request, defaulting the
// port by request kind.
func proxyTarget(req *http.Request) (target string, isConnect bool) {
	if req.Method == http.MethodConnect {
		host := req.Host
		if host == "" {
			host = req.URL.Host
		}
		if host == "" {
			return "", true
		}
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, "443")
		}
		return host, true
	}

	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	if host == "" {
		return "", false
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "80")
	}
	return host, false
}

// prepareForward strips the proxy-hop headers and pins the upstream exchange
// to one request per connection.
func prepareForward(req *http.Request) {
	req.Header.Del("Proxy-Connection")
	req.Header.Del("Proxy-Authorization")
	req.Close = true
}

func writeStatus(w io.Writer, code int) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\n\r\n", code, http.StatusText(code))
}
