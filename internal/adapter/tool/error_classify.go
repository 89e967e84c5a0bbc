package tool

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"dbagent/internal/domain"
)

// rpcErrors are the sentinels mcp-go maps JSON-RPC error codes to. A reply
// carrying one of them reached us intact, so the provider is the one
// reporting the failure.
var rpcErrors = []error{
	mcp.ErrParseError,
	mcp.ErrInvalidRequest,
	mcp.ErrMethodNotFound,
	mcp.ErrInvalidParams,
	mcp.ErrInternalError,
	mcp.ErrRequestInterrupted,
	mcp.ErrResourceNotFound,
}

// transportSentinels are errors that mean the request or its response was
// lost between us and the provider.
var transportSentinels = []error{
	context.DeadlineExceeded,
	io.EOF,
	io.ErrUnexpectedEOF,
	net.ErrClosed,
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.EPIPE,
	domain.ErrTransport,
	domain.ErrProviderUnreachable,
	domain.ErrCircuitOpen,
}

// transportPatterns are phrases that only a network stack produces. Some
// mcp-go transports flatten their errors to strings, so this is checked
// case-insensitively as a last resort.
var transportPatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"tls handshake timeout",
	"failed to send request",
	"transport closed",
	"transport has been closed",
	"use of closed network connection",
	"service unavailable",
	"bad gateway",
	"temporarily unavailable",
}

// isRPCError reports whether err is a JSON-RPC error object the provider
// sent back.
func isRPCError(err error) bool {
	for _, sentinel := range rpcErrors {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	var elicit mcp.URLElicitationRequiredError
	return errors.As(err, &elicit)
}

// isTransportError reports whether err is a network-level failure rather
// than an application error returned by the provider. Cancellation by the
// caller is neither and returns false.
func isTransportError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var terr *transport.Error
	if errors.As(err, &terr) {
		return true
	}
	if isRPCError(err) {
		return false
	}

	for _, sentinel := range transportSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	lower := strings.ToLower(err.Error())
	for _, p := range transportPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
