package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// Kind classifies a transport failure. Business logic branches on kinds,
// never on error message text.
type Kind string

const (
	KindDNS      Kind = "dns"
	KindTimeout  Kind = "timeout"
	KindConnect  Kind = "connect"
	KindProtocol Kind = "protocol"
)

// Error is a classified transport failure. DNS-kind errors from mesh hosts
// carry the lookup diagnostic for logging.
type Error struct {
	Kind       Kind
	Host       string
	Diagnostic *DNSDiagnostic
	Err        error
}

func (e *Error) Error() string {
	if e.Diagnostic != nil {
		return fmt.Sprintf("transport %s error for %s: %v (%s)", e.Kind, e.Host, e.Err, e.Diagnostic)
	}
	return fmt.Sprintf("transport %s error for %s: %v", e.Kind, e.Host, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// DNSDiagnostic records what each lookup family answered for a host.
type DNSDiagnostic struct {
	Host       string   `json:"host"`
	IPv4       []string `json:"ipv4,omitempty"`
	IPv4Err    string   `json:"ipv4_err,omitempty"`
	IPv6       []string `json:"ipv6,omitempty"`
	IPv6Err    string   `json:"ipv6_err,omitempty"`
	Default    []string `json:"default,omitempty"`
	DefaultErr string   `json:"default_err,omitempty"`
}

func (d *DNSDiagnostic) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "dns diagnostic for %s:", d.Host)
	writeFamily(&b, "ipv4", d.IPv4, d.IPv4Err)
	writeFamily(&b, "ipv6", d.IPv6, d.IPv6Err)
	writeFamily(&b, "default", d.Default, d.DefaultErr)
	return b.String()
}

func writeFamily(b *strings.Builder, name string, ips []string, errMsg string) {
	if errMsg != "" {
		fmt.Fprintf(b, " %s=err(%s)", name, errMsg)
		return
	}
	fmt.Fprintf(b, " %s=%v", name, ips)
}

// IsKind reports whether err is a transport error of the given kind.
func IsKind(err error, kind Kind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == kind
}

// IsTransportError reports whether err is any classified transport failure.
func IsTransportError(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

// Classify wraps a raw network error into a kind-tagged Error. Already
// classified errors pass through unchanged.
func Classify(host string, err error) error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}

	kind := KindProtocol
	switch {
	case errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err):
		kind = KindTimeout
	case isDNSError(err):
		kind = KindDNS
	case isConnectError(err):
		kind = KindConnect
	}

	return &Error{Kind: kind, Host: host, Err: err}
}

func isDNSError(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func isConnectError(err error) bool {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// asErr is errors.As with a friendlier name for internal call sites.
func asErr(err error, target any) bool {
	return errors.As(err, target)
}
