package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultReadTimeout  = 3 * time.Second
	DefaultMatchTimeout = 500 * time.Millisecond

	// versionGroup is the named capture that carries the service version.
	versionGroup = "version"
)

// Identification is what the probe sequence learned about a socket. Service
// is empty when the socket answered but nothing named it.
type Identification struct {
	Service string
	Version string
	Probe   string
	Matched bool
}

// Redial opens a fresh connection to the socket being identified.
type Redial func(ctx context.Context) (net.Conn, error)

type compiledMatch struct {
	Match
	re *regexp2.Regexp
}

type compiledProbe struct {
	name    string
	payload []byte
	matches []compiledMatch
}

// Matcher runs the probes of one fingerprint against live connections. It is
// read-only after construction and safe for concurrent use.
type Matcher struct {
	probes       []compiledProbe
	enabled      bool
	readTimeout  time.Duration
	matchTimeout time.Duration
}

type Option func(*Matcher)

// WithReadTimeout bounds how long a probe waits for the response to end.
func WithReadTimeout(d time.Duration) Option {
	return func(m *Matcher) {
		if d > 0 {
			m.readTimeout = d
		}
	}
}

// WithMatchTimeout bounds a single regex evaluation.
func WithMatchTimeout(d time.Duration) Option {
	return func(m *Matcher) {
		if d > 0 {
			m.matchTimeout = d
		}
	}
}

// NewMatcher compiles every pattern of fp once. A nil fp gives a disabled
// matcher that reports sockets open and unclassified. Patterns that do not
// compile are logged and never match.
func NewMatcher(fp *Fingerprint, opts ...Option) *Matcher {
	m := &Matcher{
		readTimeout:  DefaultReadTimeout,
		matchTimeout: DefaultMatchTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if fp == nil {
		return m
	}

	m.enabled = true
	for _, probe := range fp.Probes {
		cp := compiledProbe{
			name:    probe.Name,
			payload: []byte(probe.ProbeString),
		}
		for _, match := range probe.Matches {
			cm := compiledMatch{Match: match}
			if match.Pattern != "" {
				re, err := regexp2.Compile(namedGroups(match.Pattern), regexp2.None)
				if err != nil {
					log.Warnf("probe %q: skip pattern for %s: %v", probe.Name, match.Name, err)
					continue
				}
				re.MatchTimeout = m.matchTimeout
				cm.re = re
			}
			cp.matches = append(cp.matches, cm)
		}
		m.probes = append(m.probes, cp)
	}
	return m
}

// Enabled reports whether a TCP fingerprint is loaded.
func (m *Matcher) Enabled() bool {
	return m != nil && m.enabled
}

// Identify sends the probes in order over conn and returns the first rule that
// matches a response. Probes after the first need a new connection because
// each probe half-closes its own; they are opened with redial. Identify owns
// conn and closes it, and every previous connection is closed before the next
// is dialed, so one socket is open at a time. Any I/O error aborts the sequence.
func (m *Matcher) Identify(ctx context.Context, conn net.Conn, redial Redial) (Identification, error) {
	current := conn
	defer func() {
		if current != nil {
			current.Close()
		}
	}()
	if !m.Enabled() {
		return Identification{}, nil
	}

	for i, probe := range m.probes {
		if i > 0 && redial != nil {
			current.Close()
			current = nil
			next, err := redial(ctx)
			if err != nil {
				return Identification{}, fmt.Errorf("probe %q: redial: %w", probe.name, err)
			}
			current = next
		}

		banner, err := m.exchange(ctx, current, probe.payload)
		if err != nil {
			return Identification{}, fmt.Errorf("probe %q: %w", probe.name, err)
		}
		if id, ok := probe.match(banner); ok {
			return id, nil
		}
	}
	return Identification{}, nil
}

// exchange writes payload, half-closes the write side so servers waiting for
// EOF answer, and reads until the peer closes or the read deadline passes.
func (m *Matcher) exchange(ctx context.Context, conn net.Conn, payload []byte) (string, error) {
	deadline := time.Now().Add(m.readTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}

	if _, err := conn.Write(payload); err != nil {
		return "", fmt.Errorf("write: %w", err)
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return "", fmt.Errorf("shutdown: %w", err)
		}
	}

	buf, err := io.ReadAll(conn)
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		return "", fmt.Errorf("read: %w", err)
	}
	return strings.ToValidUTF8(string(buf), "\uFFFD"), nil
}

func (p compiledProbe) match(banner string) (Identification, bool) {
	for _, cm := range p.matches {
		if cm.re == nil {
			return Identification{Probe: p.name, Matched: true}, true
		}
		found, err := cm.re.FindStringMatch(banner)
		if err != nil {
			log.Debugf("probe %q: pattern for %s: %v", p.name, cm.Name, err)
			continue
		}
		if found == nil {
			continue
		}

		id := Identification{Service: cm.Name, Probe: p.name, Matched: true}
		if g := found.GroupByName(versionGroup); g != nil && len(g.Captures) > 0 {
			id.Version = g.String()
		} else if cm.VersionInfo != nil && cm.VersionInfo.Version != "" {
			id.Version = expandTemplate(cm.VersionInfo.Version, found)
		}
		return id, true
	}
	return Identification{}, false
}

// expandTemplate replaces $1..$9 in tmpl with the numbered captures of found.
func expandTemplate(tmpl string, found *regexp2.Match) string {
	var b strings.Builder
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c == '$' && i+1 < len(tmpl) && tmpl[i+1] >= '1' && tmpl[i+1] <= '9' {
			if g := found.GroupByNumber(int(tmpl[i+1] - '0')); g != nil && len(g.Captures) > 0 {
				b.WriteString(g.String())
			}
			i++
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// namedGroups rewrites (?P<name>...) groups to (?<name>...); regexp2 rejects
// the P form outside RE2 mode. Escaped parentheses are left alone.
func namedGroups(pattern string) string {
	if !strings.Contains(pattern, "(?P<") {
		return pattern
	}
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c == '\\' && i+1 < len(pattern) {
			b.WriteByte(c)
			b.WriteByte(pattern[i+1])
			i++
			continue
		}
		if c == '(' && strings.HasPrefix(pattern[i:], "(?P<") {
			b.WriteString("(?<")
			i += len("(?P<") - 1
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
