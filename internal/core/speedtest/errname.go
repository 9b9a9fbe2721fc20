package speedtest

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// errorName maps a transfer error onto its canonical wire-error name. An
// empty string means the error has no recognized name.
func errorName(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.Canceled):
		return "OperationCanceledError"
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	case errors.Is(err, syscall.ECONNREFUSED):
		// The transport stamps failures to reach the proxy itself with a
		// "proxyconnect" op.
		if strings.Contains(err.Error(), "proxyconnect") {
			return "ProxyConnectionRefusedError"
		}
		return "ConnectionRefusedError"
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return "RemoteHostClosedError"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "HostNotFoundError"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "TimeoutError"
	}
	return ""
}

// displayError renders a non-cancellation transfer error the way the speed
// cell shows it: the error's name with a trailing "Error" stripped, or
// "Unknown Error" when the error has no name.
func displayError(err error) string {
	name := errorName(err)
	if name == "" {
		return "Unknown Error"
	}
	return strings.TrimSuffix(name, "Error")
}
