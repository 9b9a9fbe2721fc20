package launcher

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

const dialTimeout = 10 * time.Second

// outboundDialer opens a connection to a target through one outbound.
// net.Dialer and golang.org/x/net/proxy dialers satisfy it directly.
type outboundDialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// buildDialer turns the default outbound into a dialer.
func buildDialer(ob *Outbound) (outboundDialer, error) {
	if ob == nil {
		return nil, fmt.Errorf("no outbound to dial through")
	}
	switch ob.Protocol {
	case "freedom", "direct":
		return &net.Dialer{Timeout: dialTimeout}, nil
	case "http":
		srv := ob.Settings.Servers[0]
		d := &httpConnectDialer{
			proxyAddr: net.JoinHostPort(srv.Address, strconv.Itoa(srv.Port)),
		}
		if len(srv.Users) > 0 {
			d.username = srv.Users[0].User
			d.password = srv.Users[0].Pass
		}
		return d, nil
	case "socks", "socks5":
		srv := ob.Settings.Servers[0]
		var auth *proxy.Auth
		if len(srv.Users) > 0 {
			auth = &proxy.Auth{User: srv.Users[0].User, Password: srv.Users[0].Pass}
		}
		proxyAddr := net.JoinHostPort(srv.Address, strconv.Itoa(srv.Port))
		return proxy.SOCKS5("tcp", proxyAddr, auth, &net.Dialer{Timeout: dialTimeout})
	default:
		return nil, fmt.Errorf("unsupported outbound protocol %q", ob.Protocol)
	}
}

// httpConnectDialer tunnels connections through an upstream HTTP proxy with a
// CONNECT handshake.
type httpConnectDialer struct {
	proxyAddr string
	username  string
	password  string
}

func (d *httpConnectDialer) Dial(network, addr string) (net.Conn, error) {
	proxyConn, err := net.DialTimeout(network, d.proxyAddr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial HTTP proxy %s: %w", d.proxyAddr, err)
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.username != "" {
		auth := d.username + ":" + d.password
		basicAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte(auth))
		connectReq.Header.Set("Proxy-Authorization", basicAuth)
	}
	connectReq.Header.Set("User-Agent", "proxydeck-client/1.0")

	if err := connectReq.Write(proxyConn); err != nil {
		proxyConn.Close()
		return nil, fmt.Errorf("failed to write CONNECT request: %w", err)
	}

	br := bufio.NewReader(proxyConn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		proxyConn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		proxyConn.Close()
		return nil, fmt.Errorf("HTTP proxy refused CONNECT with status %d", resp.StatusCode)
	}

	return proxyConn, nil
}
