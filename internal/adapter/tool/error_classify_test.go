package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"dbagent/internal/domain"
)

func TestIsTransportError_Nil(t *testing.T) {
	if isTransportError(nil) {
		t.Error("nil is not a transport error")
	}
}

func TestIsTransportError_Sentinels(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"deadline", context.DeadlineExceeded},
		{"eof", io.EOF},
		{"unexpected eof", fmt.Errorf("read frame: %w", io.ErrUnexpectedEOF)},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}},
		{"reset", fmt.Errorf("post: %w", syscall.ECONNRESET)},
		{"breaker", fmt.Errorf("%w: %w", domain.ErrTransport, domain.ErrCircuitOpen)},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if !isTransportError(tt.err) {
				t.Errorf("expected %v to be a transport error", tt.err)
			}
		})
	}
}

func TestIsTransportError_Patterns(t *testing.T) {
	msgs := []string{
		"failed to send request: Post \"http://localhost:8000/message\": dial tcp [::1]:8000: connect: connection refused",
		"transport closed",
		"request failed with status 503: Service Unavailable",
		"i/o timeout",
	}
	for _, m := range msgs {
		if !isTransportError(errors.New(m)) {
			t.Errorf("expected %q to be a transport error", m)
		}
	}
}

func TestIsTransportError_ApplicationErrors(t *testing.T) {
	msgs := []string{
		"tool 'drop_table' not found",
		"invalid params: missing required argument name",
		"request error: Internal error",
		"invalid params: timeout must be positive",
		"decode arguments: unexpected EOF",
		"profile thereof not found",
		"deadline exceeded for invoice 42",
	}
	for _, m := range msgs {
		if isTransportError(errors.New(m)) {
			t.Errorf("expected %q not to be a transport error", m)
		}
	}
}

func TestIsTransportError_Canceled(t *testing.T) {
	if isTransportError(fmt.Errorf("call: %w", context.Canceled)) {
		t.Error("cancellation is not a transport error")
	}
}

func TestIsTransportError_RPCErrors(t *testing.T) {
	cases := []error{
		fmt.Errorf("%w: timeout must be positive", mcp.ErrInvalidParams),
		fmt.Errorf("%w: read body: unexpected EOF", mcp.ErrInternalError),
		fmt.Errorf("%w: connection refused by policy", mcp.ErrRequestInterrupted),
		mcp.ErrMethodNotFound,
		mcp.ErrResourceNotFound,
		mcp.URLElicitationRequiredError{},
	}
	for _, err := range cases {
		if isTransportError(err) {
			t.Errorf("expected %v not to be a transport error", err)
		}
	}
}

func TestIsTransportError_TransportWrapper(t *testing.T) {
	err := transport.NewError(errors.New("server went away"))
	if !isTransportError(err) {
		t.Errorf("expected %v to be a transport error", err)
	}
	if !isTransportError(transport.NewError(io.ErrUnexpectedEOF)) {
		t.Error("expected wrapped EOF to be a transport error")
	}
}
