package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"syscall"

	"forward-proxy-go/internal/client"
	"forward-proxy-go/internal/model"
)

// Kind classifies a forwarding failure. The set is closed; StatusCode maps
// every kind to what the client sees.
type Kind int

const (
	KindUnclassified Kind = iota
	KindInvalidRequest
	KindOriginStatus
	KindTimeout
	KindUnreachable
	KindPeerDisconnect
	KindLocalIO
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindOriginStatus:
		return "origin_status"
	case KindTimeout:
		return "timeout"
	case KindUnreachable:
		return "unreachable"
	case KindPeerDisconnect:
		return "peer_disconnect"
	case KindLocalIO:
		return "local_io"
	case KindUnclassified:
		return "unclassified"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ForwardError is the only error type returned by ForwardingEngine.Forward.
type ForwardError struct {
	Kind Kind
	// Reason is a short human-readable cause, relayed to the client for
	// KindUnreachable and KindInvalidRequest.
	Reason string
	// Response is the origin's answer for KindOriginStatus.
	Response *model.ProxyResponse
	Err      error
}

func (e *ForwardError) Error() string {
	switch {
	case e.Kind == KindOriginStatus && e.Response != nil:
		return fmt.Sprintf("%s: origin answered %s", e.Kind, e.Response.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
}

func (e *ForwardError) Unwrap() error {
	return e.Err
}

// StatusCode returns the status the client receives. Zero means no response
// can be written (the client is gone).
func (e *ForwardError) StatusCode() int {
	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindOriginStatus:
		if e.Response != nil {
			return e.Response.StatusCode
		}
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUnreachable:
		return http.StatusBadGateway
	case KindPeerDisconnect:
		return 0
	case KindLocalIO, KindUnclassified:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// Classify converts any error into a *ForwardError. Errors that already are
// one are returned unchanged.
func Classify(err error) *ForwardError {
	var fe *ForwardError
	if errors.As(err, &fe) {
		return fe
	}

	switch {
	case errors.Is(err, client.ErrInvalidRequest):
		return &ForwardError{Kind: KindInvalidRequest, Reason: cause(err), Err: err}
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return &ForwardError{Kind: KindTimeout, Reason: "origin did not respond in time", Err: err}
	case errors.Is(err, context.Canceled):
		return &ForwardError{Kind: KindPeerDisconnect, Reason: "client closed the connection", Err: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &ForwardError{Kind: KindUnreachable, Reason: fmt.Sprintf("cannot resolve %s: %s", dnsErr.Name, dnsErr.Err), Err: err}
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return &ForwardError{Kind: KindUnreachable, Reason: cause(err), Err: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &ForwardError{Kind: KindUnreachable, Reason: cause(err), Err: err}
	}

	var errno syscall.Errno
	var sysErr *os.SyscallError
	var pathErr *fs.PathError
	if errors.As(err, &errno) || errors.As(err, &sysErr) || errors.As(err, &pathErr) {
		return &ForwardError{Kind: KindLocalIO, Reason: cause(err), Err: err}
	}

	return &ForwardError{Kind: KindUnclassified, Reason: cause(err), Err: err}
}

// IsClientGone reports whether err came from writing to or reading from a
// client that has closed its connection.
func IsClientGone(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, http.ErrHandlerTimeout)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// cause strips the url.Error wrapper so the reason does not repeat the method
// and URL, which are logged separately.
func cause(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err.Error()
	}
	return err.Error()
}
