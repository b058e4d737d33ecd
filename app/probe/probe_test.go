package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/cert-watcher/app/probe/probetest"
)

func TestProber_Check(t *testing.T) {
	ca := probetest.NewCA(t)
	now := time.Now()
	resolver := &probetest.Resolver{}

	valid := probetest.Server(t, ca.Issue(t, now.Add(-time.Hour), now.Add(30*24*time.Hour+time.Hour), "example-valid.test"))
	resolver.Add("example-valid.test", valid.Listener.Addr().String())

	expired := probetest.Server(t, ca.Issue(t, now.Add(-60*24*time.Hour), now.Add(-2*24*time.Hour-time.Hour), "example-expired.test"))
	resolver.Add("example-expired.test", expired.Listener.Addr().String())

	today := probetest.Server(t, ca.Issue(t, now.Add(-time.Hour), now.Add(12*time.Hour), "example-today.test"))
	resolver.Add("example-today.test", today.Listener.Addr().String())

	// served under a name the certificate doesn't cover
	resolver.Add("example-mismatch.test", valid.Listener.Addr().String())

	ipSrv := probetest.Server(t, ca.Issue(t, now.Add(-time.Hour), now.Add(10*24*time.Hour+time.Hour), "127.0.0.1"))
	_, ipPort, err := net.SplitHostPort(ipSrv.Listener.Addr().String())
	require.NoError(t, err)

	p := Prober{TimeOut: time.Second, RootCAs: ca.Pool(), DialContext: resolver.DialContext}

	t.Run("valid certificate", func(t *testing.T) {
		res, err := p.Check(context.Background(), "example-valid.test")
		require.NoError(t, err)
		assert.Equal(t, "example-valid.test", res.Host)
		assert.Equal(t, 30, res.DaysRemaining)
		assert.True(t, res.Valid)
		assert.Equal(t, time.UTC, res.NotAfter.Location())
	})

	t.Run("explicit port is kept and not sent as server name", func(t *testing.T) {
		res, err := p.Check(context.Background(), "example-valid.test:8443")
		require.NoError(t, err)
		assert.Equal(t, "example-valid.test:8443", res.Host)
		assert.True(t, res.Valid)
	})

	t.Run("ip target verified against ip san", func(t *testing.T) {
		res, err := p.Check(context.Background(), "127.0.0.1:"+ipPort)
		require.NoError(t, err)
		assert.Equal(t, 10, res.DaysRemaining)
		assert.True(t, res.Valid)
	})

	t.Run("expiring today is not valid", func(t *testing.T) {
		res, err := p.Check(context.Background(), "example-today.test")
		require.NoError(t, err)
		assert.Equal(t, 0, res.DaysRemaining)
		assert.False(t, res.Valid)
	})

	t.Run("expired certificate fails handshake", func(t *testing.T) {
		res, err := p.Check(context.Background(), "example-expired.test")
		require.Error(t, err)
		var perr *Error
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, StageHandshake, perr.Stage)
		assert.Equal(t, Sentinel("example-expired.test"), res)
	})

	t.Run("expired certificate with insecure prober", func(t *testing.T) {
		ip := p
		ip.Insecure = true
		res, err := ip.Check(context.Background(), "example-expired.test")
		require.NoError(t, err)
		assert.Equal(t, -3, res.DaysRemaining)
		assert.False(t, res.Valid)
	})

	t.Run("hostname mismatch", func(t *testing.T) {
		_, err := p.Check(context.Background(), "example-mismatch.test")
		require.Error(t, err)
		var perr *Error
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, StageHandshake, perr.Stage)
		assert.Equal(t, "example-mismatch.test", perr.Host)
	})

	t.Run("untrusted issuer", func(t *testing.T) {
		other := p
		other.RootCAs = probetest.NewCA(t).Pool()
		_, err := other.Check(context.Background(), "example-valid.test")
		var perr *Error
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, StageHandshake, perr.Stage)
		var verr *tls.CertificateVerificationError
		assert.True(t, errors.As(err, &verr), "unexpected error %v", err)
	})

	t.Run("closed port", func(t *testing.T) {
		_, err := p.Check(context.Background(), "127.0.0.1:"+strconv.Itoa(closedPort(t)))
		var perr *Error
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, StageConnect, perr.Stage)
	})

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := p.Check(ctx, "example-valid.test")
		var perr *Error
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, StageConnect, perr.Stage)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestProber_Probe(t *testing.T) {
	ca := probetest.NewCA(t)
	now := time.Now()
	resolver := &probetest.Resolver{}
	valid := probetest.Server(t, ca.Issue(t, now.Add(-time.Hour), now.Add(90*24*time.Hour+time.Hour), "example-valid.test"))
	resolver.Add("example-valid.test", valid.Listener.Addr().String())
	expired := probetest.Server(t, ca.Issue(t, now.Add(-60*24*time.Hour), now.Add(-24*time.Hour), "example-expired.test"))
	resolver.Add("example-expired.test", expired.Listener.Addr().String())

	p := Prober{TimeOut: 500 * time.Millisecond, RootCAs: ca.Pool(), DialContext: resolver.DialContext}

	t.Run("valid", func(t *testing.T) {
		res := p.Probe(context.Background(), "example-valid.test")
		assert.Equal(t, 90, res.DaysRemaining)
		assert.True(t, res.Valid)
	})

	t.Run("expired never fails outward", func(t *testing.T) {
		res := p.Probe(context.Background(), "example-expired.test")
		assert.LessOrEqual(t, res.DaysRemaining, 0)
		assert.False(t, res.Valid)
	})

	t.Run("unroutable host bound by timeout", func(t *testing.T) {
		st := time.Now()
		res := p.Probe(context.Background(), "10.255.255.1")
		assert.Equal(t, Result{Host: "10.255.255.1", DaysRemaining: -1, Valid: false}, res)
		assert.Less(t, time.Since(st), 2*time.Second)
	})

	t.Run("unresolvable host", func(t *testing.T) {
		res := p.Probe(context.Background(), "no-such-host.invalid")
		assert.Equal(t, Sentinel("no-such-host.invalid"), res)
	})
}

func TestProber_address(t *testing.T) {
	tbl := []struct {
		port       int
		host       string
		serverName string
		addr       string
	}{
		{0, "example.com", "example.com", "example.com:443"},
		{8443, "example.com", "example.com", "example.com:8443"},
		{0, "example.com:9443", "example.com", "example.com:9443"},
		{0, "10.0.0.1", "10.0.0.1", "10.0.0.1:443"},
		{0, "::1", "::1", "[::1]:443"},
		{0, "[::1]:8443", "::1", "[::1]:8443"},
	}
	for i, tt := range tbl {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			p := Prober{Port: tt.port}
			serverName, addr := p.address(tt.host)
			assert.Equal(t, tt.serverName, serverName)
			assert.Equal(t, tt.addr, addr)
		})
	}
}

func TestDaysLeft(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	tbl := []struct {
		name     string
		notAfter time.Time
		days     int
	}{
		{"exactly one day", now.Add(24 * time.Hour), 1},
		{"almost one day", now.Add(24*time.Hour - time.Second), 0},
		{"ninety days and change", now.Add(90*24*time.Hour + 5*time.Hour), 90},
		{"now", now, 0},
		{"expired a minute ago", now.Add(-time.Minute), -1},
		{"expired a day ago", now.Add(-24 * time.Hour), -1},
		{"expired a day and a second ago", now.Add(-24*time.Hour - time.Second), -2},
		{"other timezone", time.Date(2024, 3, 12, 4, 0, 0, 0, time.FixedZone("PDT", -7*3600)), 1},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.days, DaysLeft(tt.notAfter, now))
		})
	}
}

func TestProber_CheckWithFixedClock(t *testing.T) {
	ca := probetest.NewCA(t)
	notAfter := time.Now().Add(48 * time.Hour)
	srv := probetest.Server(t, ca.Issue(t, time.Now().Add(-time.Hour), notAfter, "example-clock.test"))
	resolver := &probetest.Resolver{}
	resolver.Add("example-clock.test", srv.Listener.Addr().String())

	p := Prober{TimeOut: time.Second, RootCAs: ca.Pool(), DialContext: resolver.DialContext,
		Now: func() time.Time { return notAfter.Add(-10*24*time.Hour - time.Minute) }}
	res, err := p.Check(context.Background(), "example-clock.test")
	require.NoError(t, err)
	assert.Equal(t, 10, res.DaysRemaining)
	assert.True(t, res.Valid)
}

func TestError(t *testing.T) {
	inner := errors.New("boom")
	err := error(&Error{Stage: StageParse, Host: "example.com", Err: inner})
	assert.EqualError(t, err, "parse example.com: boom")
	assert.ErrorIs(t, err, inner)
}

func TestLeafExpiry(t *testing.T) {
	notAfter := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	tbl := []struct {
		name  string
		certs []*x509.Certificate
		exp   time.Time
		err   string
	}{
		{"no certificates", nil, time.Time{}, "no peer certificate"},
		{"zero expiration", []*x509.Certificate{{}}, time.Time{}, "empty expiration"},
		{"leaf is used", []*x509.Certificate{{NotAfter: notAfter}, {NotAfter: notAfter.Add(-time.Hour)}}, notAfter, ""},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			res, err := leafExpiry(tt.certs)
			if tt.err != "" {
				require.EqualError(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.exp, res)
		})
	}
}

func closedPort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}
