// Package probe checks TLS certificates presented by remote hosts.
package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// DefaultTimeout bounds connect and handshake of a single probe
const DefaultTimeout = 5 * time.Second

// DefaultPort is used for targets without explicit port
const DefaultPort = 443

// Sentinel values reported when a probe can't complete
const (
	SentinelDays  = -1
	SentinelValid = false
)

// Prober opens a TLS connection to a host and reports its certificate lifetime
type Prober struct {
	TimeOut  time.Duration
	Port     int
	Insecure bool           // skip chain and hostname verification
	RootCAs  *x509.CertPool // nil means system pool

	// DialContext overrides the network dialer, used to point hostnames to test servers
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
	Now         func() time.Time
}

// Result is a single observation of a host certificate
type Result struct {
	Host          string
	DaysRemaining int
	Valid         bool
	NotAfter      time.Time
}

// Probe checks host certificate and never fails, any error turns into the sentinel result
func (p *Prober) Probe(ctx context.Context, host string) Result {
	res, err := p.Check(ctx, host)
	if err != nil {
		return Sentinel(host)
	}
	return res
}

// Sentinel returns the result reported for a failed probe
func Sentinel(host string) Result {
	return Result{Host: host, DaysRemaining: SentinelDays, Valid: SentinelValid}
}

// Check connects to host, makes tls handshake with SNI set to the host and computes days left
// till the leaf certificate expiration. Errors are returned as *Error tagged with the failed stage.
func (p *Prober) Check(ctx context.Context, host string) (Result, error) {
	timeout := p.TimeOut
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	serverName, addr := p.address(host)

	conn, err := p.dial(ctx, addr)
	if err != nil {
		return Sentinel(host), &Error{Stage: StageConnect, Host: host, Err: errors.Wrapf(err, "failed to connect to %s", addr)}
	}
	defer conn.Close() // nolint

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         serverName,
		RootCAs:            p.RootCAs,
		InsecureSkipVerify: p.Insecure, //nolint:gosec // explicitly requested by user
		MinVersion:         tls.VersionTLS12,
	})
	if err = tlsConn.HandshakeContext(ctx); err != nil {
		return Sentinel(host), &Error{Stage: StageHandshake, Host: host, Err: errors.Wrapf(err, "failed to handshake with %s", addr)}
	}

	notAfter, err := leafExpiry(tlsConn.ConnectionState().PeerCertificates)
	if err != nil {
		return Sentinel(host), &Error{Stage: StageParse, Host: host, Err: errors.Wrapf(err, "bad certificate from %s", addr)}
	}

	days := DaysLeft(notAfter, p.now())
	return Result{Host: host, DaysRemaining: days, Valid: days > 0, NotAfter: notAfter.UTC()}, nil
}

// leafExpiry returns NotAfter of the leaf certificate
func leafExpiry(certs []*x509.Certificate) (time.Time, error) {
	if len(certs) == 0 {
		return time.Time{}, errors.New("no peer certificate")
	}
	if certs[0].NotAfter.IsZero() {
		return time.Time{}, errors.New("empty expiration")
	}
	return certs[0].NotAfter, nil
}

// DaysLeft returns number of whole days from now till notAfter, rounded down.
// Already expired certificate gives zero or negative value.
func DaysLeft(notAfter, now time.Time) int {
	return int(math.Floor(notAfter.UTC().Sub(now.UTC()).Hours() / 24))
}

// address splits target into the name used for SNI and the address to dial.
// Target may carry its own port, i.e. example.com:8443, otherwise Port (or 443) is used.
func (p *Prober) address(host string) (serverName, addr string) {
	if h, port, err := net.SplitHostPort(host); err == nil {
		return h, net.JoinHostPort(h, port)
	}
	port := p.Port
	if port <= 0 {
		port = DefaultPort
	}
	return host, net.JoinHostPort(host, strconv.Itoa(port))
}

func (p *Prober) dial(ctx context.Context, addr string) (net.Conn, error) {
	if p.DialContext != nil {
		return p.DialContext(ctx, "tcp", addr)
	}
	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", addr)
}

func (p *Prober) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// Stage is a step of the probe where the failure happened
type Stage string

// enum of probe stages
const (
	StageConnect   Stage = "connect"
	StageHandshake Stage = "handshake"
	StageParse     Stage = "parse"
)

// Error is a probe failure tagged with its stage
type Error struct {
	Stage Stage
	Host  string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Host, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error { return e.Err }
