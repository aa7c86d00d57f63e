package scan

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magicscan/fingerprint"
	"magicscan/metrics"
)

var localhost = net.ParseIP("127.0.0.1").To4()

// listener serves respond on a loopback port and records every request.
type listener struct {
	port     int
	mu       sync.Mutex
	requests []string
}

func listen(t *testing.T, respond func(request string) string) *listener {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	l := &listener{port: ln.Addr().(*net.TCPAddr).Port}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
				request, _ := io.ReadAll(conn)
				l.mu.Lock()
				l.requests = append(l.requests, string(request))
				l.mu.Unlock()
				if respond != nil {
					_, _ = conn.Write([]byte(respond(string(request))))
				}
			}(conn)
		}
	}()
	return l
}

func (l *listener) received() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.requests...)
}

func closedPort(t *testing.T) int {
	t.Helper()
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	return port
}

func collect(results <-chan ScanResult) []ScanResult {
	var out []ScanResult
	for r := range results {
		out = append(out, r)
	}
	return out
}

var errRefused = errors.New("connection refused")

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"":            ModeFingerprint,
		"fingerprint": ModeFingerprint,
		"Probe":       ModeFingerprint,
		"liveness":    ModeLiveness,
		" connect ":   ModeLiveness,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseMode("stealth")
	assert.Error(t, err)
	assert.Equal(t, "liveness", ModeLiveness.String())
	assert.Equal(t, "fingerprint", ModeFingerprint.String())
}

func TestConnectScannerBoundsConcurrency(t *testing.T) {
	const batch = 4
	var inflight, peak, dialed atomic.Int32

	dial := func(ctx context.Context, addr *net.TCPAddr) (net.Conn, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		dialed.Add(1)
		time.Sleep(5 * time.Millisecond)
		return nil, errRefused
	}

	ports := make([]int, 50)
	for i := range ports {
		ports[i] = i + 1
	}
	s := NewConnectScanner(time.Second, batch, WithDialer(dial), WithMACLookup(nil))
	results := collect(s.Run(context.Background(), []net.IP{localhost}, ports))

	assert.Empty(t, results, "closed sockets are not reported")
	assert.Equal(t, int32(len(ports)), dialed.Load())
	assert.LessOrEqual(t, peak.Load(), int32(batch))
	assert.Greater(t, peak.Load(), int32(1))
}

func TestConnectScannerReportsOnlyOpenSockets(t *testing.T) {
	open := listen(t, nil)
	closed := closedPort(t)

	s := NewConnectScanner(time.Second, 10, WithMACLookup(nil))
	results := collect(s.Run(context.Background(), []net.IP{localhost}, []int{open.port, closed}))

	require.Len(t, results, 1)
	r := results[0]
	assert.True(t, r.Open)
	assert.Equal(t, open.port, r.Port)
	assert.True(t, r.IP.Equal(localhost))
	assert.Equal(t, UnknownService, r.Service)
	assert.Empty(t, r.Version)
	assert.GreaterOrEqual(t, r.Latency, time.Duration(0))
}

func TestConnectScannerIdentifiesService(t *testing.T) {
	open := listen(t, func(string) string { return "SSH-2.0-OpenSSH_8.9p1 Ubuntu\r\n" })
	matcher := fingerprint.NewMatcher(&fingerprint.Fingerprint{
		Protocol: fingerprint.ProtocolTCP,
		Probes: []fingerprint.Probe{{
			Name: "NULL",
			Matches: []fingerprint.Match{{
				Pattern: `^SSH-2\.0-OpenSSH_(?<version>[\w.]+)`,
				Name:    "ssh",
			}},
		}},
	})
	m := metrics.New()

	s := NewConnectScanner(time.Second, 10, WithMatcher(matcher), WithMetrics(m), WithMACLookup(nil))
	results := collect(s.Run(context.Background(), []net.IP{localhost}, []int{open.port}))

	require.Len(t, results, 1)
	assert.Equal(t, "ssh", results[0].Service)
	assert.Equal(t, "8.9p1", results[0].Version)
	assert.True(t, results[0].IsIdentified())

	expected := `
# HELP magicscan_fingerprint_identified_total Open sockets a fingerprint named, by service
# TYPE magicscan_fingerprint_identified_total counter
magicscan_fingerprint_identified_total{service="ssh"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "magicscan_fingerprint_identified_total"))
}

func TestConnectScannerCatchAllKeepsUnknown(t *testing.T) {
	open := listen(t, func(string) string { return "whatever\r\n" })
	matcher := fingerprint.NewMatcher(&fingerprint.Fingerprint{
		Protocol: fingerprint.ProtocolTCP,
		Probes: []fingerprint.Probe{{
			Name:    "NULL",
			Matches: []fingerprint.Match{{Pattern: "", Name: "ignored"}},
		}},
	})

	s := NewConnectScanner(time.Second, 10, WithMatcher(matcher), WithMACLookup(nil))
	results := collect(s.Run(context.Background(), []net.IP{localhost}, []int{open.port}))

	require.Len(t, results, 1)
	assert.True(t, results[0].Open)
	assert.Equal(t, UnknownService, results[0].Service)
	assert.False(t, results[0].IsIdentified())
}

func TestConnectScannerLivenessSendsNothing(t *testing.T) {
	open := listen(t, nil)
	matcher := fingerprint.NewMatcher(&fingerprint.Fingerprint{
		Protocol: fingerprint.ProtocolTCP,
		Probes:   []fingerprint.Probe{{Name: "GetRequest", ProbeString: "GET / HTTP/1.0\r\n\r\n"}},
	})

	s := NewConnectScanner(time.Second, 10, WithMode(ModeLiveness), WithMatcher(matcher), WithMACLookup(nil))
	results := collect(s.Run(context.Background(), []net.IP{localhost}, []int{open.port}))

	require.Len(t, results, 1)
	assert.True(t, results[0].Open)
	require.Eventually(t, func() bool { return len(open.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "", open.received()[0])
}

func TestConnectScannerReportClosed(t *testing.T) {
	closed := closedPort(t)
	m := metrics.New()

	s := NewConnectScanner(time.Second, 10, WithReportClosed(true), WithMetrics(m), WithMACLookup(nil))
	results := collect(s.Run(context.Background(), []net.IP{localhost}, []int{closed}))

	require.Len(t, results, 1)
	assert.False(t, results[0].Open)
	assert.Equal(t, closed, results[0].Port)
	assert.Equal(t, time.Duration(-1), results[0].Latency)
	assert.Contains(t, results[0].String(), "closed")

	expected := `
# HELP magicscan_tcp_attempts_total TCP connect attempts by outcome
# TYPE magicscan_tcp_attempts_total counter
magicscan_tcp_attempts_total{state="closed"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "magicscan_tcp_attempts_total"))
}

func TestConnectScannerMACLookup(t *testing.T) {
	open := listen(t, nil)
	lookup := func(ip net.IP) string {
		if ip.Equal(localhost) {
			return "aa:bb:cc:dd:ee:ff"
		}
		return ""
	}

	s := NewConnectScanner(time.Second, 10, WithMode(ModeLiveness), WithMACLookup(lookup))
	results := collect(s.Run(context.Background(), []net.IP{localhost}, []int{open.port}))

	require.Len(t, results, 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", results[0].MAC)
}

func TestConnectScannerRate(t *testing.T) {
	dial := func(ctx context.Context, addr *net.TCPAddr) (net.Conn, error) {
		return nil, errRefused
	}
	s := NewConnectScanner(time.Second, 10, WithDialer(dial), WithRate(20), WithMACLookup(nil))

	start := time.Now()
	collect(s.Run(context.Background(), []net.IP{localhost}, []int{1, 2, 3, 4, 5}))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestConnectScannerCancelled(t *testing.T) {
	var dialed atomic.Int32
	dial := func(ctx context.Context, addr *net.TCPAddr) (net.Conn, error) {
		dialed.Add(1)
		return nil, errRefused
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ports := make([]int, 1000)
	for i := range ports {
		ports[i] = i + 1
	}
	s := NewConnectScanner(time.Second, 1, WithDialer(dial), WithReportClosed(true), WithMACLookup(nil))

	done := make(chan []ScanResult)
	go func() { done <- collect(s.Run(ctx, []net.IP{localhost}, ports)) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("result stream not closed after cancel")
	}
	assert.Less(t, dialed.Load(), int32(len(ports)))
}

func TestArpLookupIgnoresZeroMAC(t *testing.T) {
	assert.Empty(t, arpLookup(net.ParseIP("192.0.2.123")))
}

// countedConn keeps track of the scan sockets open at the same time.
type countedConn struct {
	*net.TCPConn
	live *atomic.Int32
	once sync.Once
}

func (c *countedConn) Close() error {
	c.once.Do(func() { c.live.Add(-1) })
	return c.TCPConn.Close()
}

func TestConnectScannerBoundsSocketsWhileFingerprinting(t *testing.T) {
	const batch = 2
	var live, peak atomic.Int32

	dial := func(ctx context.Context, addr *net.TCPAddr) (net.Conn, error) {
		conn, err := Connect(ctx, addr, time.Second)
		if err != nil {
			return nil, err
		}
		n := live.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		return &countedConn{TCPConn: conn.(*net.TCPConn), live: &live}, nil
	}

	var listeners []*listener
	var ports []int
	for i := 0; i < 4; i++ {
		l := listen(t, func(string) string { return "nothing to see" })
		listeners = append(listeners, l)
		ports = append(ports, l.port)
	}
	matcher := fingerprint.NewMatcher(&fingerprint.Fingerprint{
		Protocol: fingerprint.ProtocolTCP,
		Probes: []fingerprint.Probe{
			{Name: "NULL", Matches: []fingerprint.Match{{Pattern: `^SSH-`, Name: "ssh"}}},
			{Name: "GetRequest", ProbeString: "GET / HTTP/1.0\r\n\r\n", Matches: []fingerprint.Match{{Pattern: `^HTTP`, Name: "http"}}},
			{Name: "Help", ProbeString: "HELP\r\n", Matches: []fingerprint.Match{{Pattern: `^214`, Name: "smtp"}}},
		},
	})

	s := NewConnectScanner(time.Second, batch, WithMatcher(matcher), WithDialer(dial), WithMACLookup(nil))
	results := collect(s.Run(context.Background(), []net.IP{localhost}, ports))

	require.Len(t, results, len(ports))
	for _, r := range results {
		assert.True(t, r.Open)
		assert.Equal(t, UnknownService, r.Service)
	}
	assert.LessOrEqual(t, peak.Load(), int32(batch))
	assert.Equal(t, int32(0), live.Load())
	for _, l := range listeners {
		l := l
		assert.Eventually(t, func() bool { return len(l.received()) == 3 }, 2*time.Second, 10*time.Millisecond)
	}
}

func TestConnectScannerLogsMatchingProbe(t *testing.T) {
	level := log.GetLevel()
	log.SetLevel(log.DebugLevel)
	hook := test.NewGlobal()
	t.Cleanup(func() {
		log.SetLevel(level)
		hook.Reset()
	})

	open := listen(t, func(string) string { return "220 ProFTPD ready\r\n" })
	matcher := fingerprint.NewMatcher(&fingerprint.Fingerprint{
		Protocol: fingerprint.ProtocolTCP,
		Probes: []fingerprint.Probe{{
			Name:    "NULL",
			Matches: []fingerprint.Match{{Pattern: `^220 `, Name: "ftp"}},
		}},
	})

	s := NewConnectScanner(time.Second, 10, WithMatcher(matcher), WithMACLookup(nil))
	results := collect(s.Run(context.Background(), []net.IP{localhost}, []int{open.port}))
	require.Len(t, results, 1)
	assert.Equal(t, "ftp", results[0].Service)

	found := false
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, `匹配探针 "NULL"`) {
			found = true
		}
	}
	assert.True(t, found, "matching probe name is logged")
}
