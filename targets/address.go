// Package targets expands address and port expressions into concrete IPv4
// addresses and ports.
package targets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// MaxExpansion caps how many addresses one range or CIDR token may expand to.
const MaxExpansion = 1 << 24

// Resolver looks up the IPv4 addresses of a host name.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

// Addresses partitions the tokens of an address expression. A token lands in
// exactly one of the two sets.
type Addresses struct {
	Valid   []net.IP
	Invalid []string
}

// Enumerator resolves address expressions.
type Enumerator struct {
	resolver Resolver
}

// NewEnumerator returns an Enumerator that resolves host names with r. A nil
// r treats every host name as invalid.
func NewEnumerator(r Resolver) *Enumerator {
	return &Enumerator{resolver: r}
}

// ResolveAddresses expands a comma separated list of IPv4 addresses,
// a.b.c.d-e.f.g.h ranges, a.b.c.d/n CIDRs and host names. Valid addresses are
// deduplicated and sorted.
func (e *Enumerator) ResolveAddresses(ctx context.Context, expr string) Addresses {
	var result Addresses
	valid := make(map[string]net.IP)
	invalid := make(map[string]bool)

	for _, token := range strings.Split(expr, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		ips, err := e.resolveToken(ctx, token)
		if err != nil {
			log.Debugf("invalid address %q: %v", token, err)
			if !invalid[token] {
				invalid[token] = true
				result.Invalid = append(result.Invalid, token)
			}
			continue
		}
		for _, ip := range ips {
			valid[ip.String()] = ip
		}
	}

	for _, ip := range valid {
		result.Valid = append(result.Valid, ip)
	}
	sort.Slice(result.Valid, func(i, j int) bool {
		return bytes.Compare(result.Valid[i], result.Valid[j]) < 0
	})
	return result
}

func (e *Enumerator) resolveToken(ctx context.Context, token string) ([]net.IP, error) {
	if Classify(token) == KindUnknown {
		return e.lookup(ctx, token)
	}

	ti, err := NewAddressIterator(token)
	if err != nil {
		return nil, err
	}
	if ti.Len() > MaxExpansion {
		return nil, fmt.Errorf("%s expands to %d addresses, more than %d", token, ti.Len(), MaxExpansion)
	}

	ips := make([]net.IP, 0, ti.Len())
	for {
		ip, err := ti.Next()
		if err == io.EOF {
			break
		}
		ips = append(ips, ip)
	}
	return ips, nil
}

func (e *Enumerator) lookup(ctx context.Context, host string) ([]net.IP, error) {
	if e.resolver == nil {
		return nil, fmt.Errorf("no resolver for %s", host)
	}
	found, err := e.resolver.LookupIP(ctx, host)
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, ip := range found {
		if ip4 := ip.To4(); ip4 != nil {
			ips = append(ips, ip4)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("lookup %s: no IPv4 address", host)
	}
	return ips, nil
}
