package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"dns", &net.DNSError{Err: "no such host", Name: "x", IsNotFound: true}, KindDNS},
		{"refused", syscall.ECONNREFUSED, KindConnect},
		{"reset", syscall.ECONNRESET, KindConnect},
		{"dial op", &net.OpError{Op: "dial", Err: errors.New("boom")}, KindConnect},
		{"other", errors.New("weird"), KindProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("example.internal", tt.err)
			assert.True(t, IsKind(err, tt.want), "got %v", err)
		})
	}
}

func TestClassifyPassesThroughClassified(t *testing.T) {
	orig := &Error{Kind: KindDNS, Host: "a.mesh.internal", Err: errors.New("nope")}
	assert.Same(t, orig, Classify("other", orig).(*Error))
}

func TestIsTransportError(t *testing.T) {
	assert.True(t, IsTransportError(Classify("h", errors.New("x"))))
	assert.False(t, IsTransportError(errors.New("x")))
}

func TestNonMeshHostUsesDefaultPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewHTTPClient(".railway.internal")
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDialRefusedIsConnectKind(t *testing.T) {
	// Grab a port nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	d := NewMeshDialer(".railway.internal")
	_, err = d.DialContext(context.Background(), "tcp", addr)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConnect), "got %v", err)
}

func TestDNSDiagnosticString(t *testing.T) {
	diag := &DNSDiagnostic{
		Host:    "api.railway.internal",
		IPv6:    []string{"fd12::1"},
		IPv4Err: "no such host",
		Default: []string{"fd12::1"},
	}
	s := diag.String()
	assert.Contains(t, s, "api.railway.internal")
	assert.Contains(t, s, "ipv4=err(no such host)")
	assert.Contains(t, s, "fd12::1")
}

func TestErrorStringIncludesDiagnostic(t *testing.T) {
	err := &Error{
		Kind:       KindDNS,
		Host:       "api.railway.internal",
		Diagnostic: &DNSDiagnostic{Host: "api.railway.internal", IPv6Err: "timeout"},
		Err:        errors.New("not found"),
	}
	assert.Contains(t, err.Error(), "dns diagnostic")
	assert.Contains(t, err.Error(), "not found")
}
