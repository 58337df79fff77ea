// Package transport performs HTTP against providers living behind private
// service meshes whose DNS answers only one address family. The default Go
// stack dials "tcp" with Happy Eyeballs over whatever the resolver returns;
// some mesh resolvers (DNSv6-only, e.g. Railway's *.railway.internal) answer
// AAAA but time out on A, which strands the dialer. For hosts under the
// configured mesh suffix this package resolves and dials address families
// explicitly, in the order [IPv6, IPv4, unspecified], and turns a
// name-not-found into a single diagnostic-rich DNS error instead of a
// cascade of dial attempts. All other hosts use the platform default path.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// familyOrder is the resolution order for mesh hosts. IPv6 first: the mesh
// resolvers this exists for answer AAAA reliably and A erratically.
var familyOrder = []string{"ip6", "ip4", "ip"}

// MeshDialer dials mesh-suffix hosts family-by-family and delegates
// everything else to the embedded default dialer.
type MeshDialer struct {
	// Suffix is the hostname suffix (with leading dot) that activates the
	// family-fallback path. Empty disables it entirely.
	Suffix string

	dialer   net.Dialer
	resolver *net.Resolver
}

// NewMeshDialer creates a dialer that special-cases hosts under suffix.
func NewMeshDialer(suffix string) *MeshDialer {
	return &MeshDialer{
		Suffix:   suffix,
		dialer:   net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
		resolver: net.DefaultResolver,
	}
}

// DialContext implements the http.Transport dial hook.
func (d *MeshDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Host: addr, Err: err}
	}

	if d.Suffix == "" || !strings.HasSuffix(host, d.Suffix) {
		conn, err := d.dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, Classify(host, err)
		}
		return conn, nil
	}

	return d.dialMesh(ctx, host, port)
}

// dialMesh resolves and dials family-by-family. A host unknown to every
// family is reported once, with a full lookup diagnostic, rather than as
// the last of several opaque dial failures.
func (d *MeshDialer) dialMesh(ctx context.Context, host, port string) (net.Conn, error) {
	var lastDialErr error
	notFoundCount := 0

	for _, family := range familyOrder {
		ips, err := d.resolver.LookupIP(ctx, family, host)
		if err != nil {
			if isNotFound(err) {
				notFoundCount++
				continue
			}
			lastDialErr = err
			continue
		}

		for _, ip := range ips {
			conn, err := d.dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), port))
			if err == nil {
				return conn, nil
			}
			lastDialErr = err
		}
	}

	if notFoundCount == len(familyOrder) {
		diag := d.diagnose(ctx, host)
		return nil, &Error{
			Kind:       KindDNS,
			Host:       host,
			Diagnostic: diag,
			Err:        fmt.Errorf("host %s not found in any address family", host),
		}
	}

	if lastDialErr == nil {
		lastDialErr = fmt.Errorf("no dialable addresses for %s", host)
	}
	return nil, Classify(host, lastDialErr)
}

// diagnose runs forward IPv4, IPv6, and default lookups so the log line for
// a failed mesh call shows exactly what the resolver can and cannot answer.
func (d *MeshDialer) diagnose(ctx context.Context, host string) *DNSDiagnostic {
	diag := &DNSDiagnostic{Host: host}

	lookupCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if ips, err := d.resolver.LookupIP(lookupCtx, "ip4", host); err != nil {
		diag.IPv4Err = err.Error()
	} else {
		diag.IPv4 = ipStrings(ips)
	}
	if ips, err := d.resolver.LookupIP(lookupCtx, "ip6", host); err != nil {
		diag.IPv6Err = err.Error()
	} else {
		diag.IPv6 = ipStrings(ips)
	}
	if ips, err := d.resolver.LookupIP(lookupCtx, "ip", host); err != nil {
		diag.DefaultErr = err.Error()
	} else {
		diag.Default = ipStrings(ips)
	}

	return diag
}

func ipStrings(ips []net.IP) []string {
	out := make([]string, len(ips))
	for i, ip := range ips {
		out[i] = ip.String()
	}
	return out
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	if ok := asErr(err, &dnsErr); ok {
		return dnsErr.IsNotFound
	}
	return false
}

// NewHTTPClient returns an HTTP client whose transport routes mesh-suffix
// hosts through the family-fallback dialer. The zero timeout means callers
// control deadlines per request via context.
func NewHTTPClient(meshSuffix string) *http.Client {
	dialer := NewMeshDialer(meshSuffix)
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          32,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}
