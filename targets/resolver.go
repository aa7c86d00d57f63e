package targets

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// DefaultResolvConf is where the nameservers for the fallback query come from.
const DefaultResolvConf = "/etc/resolv.conf"

type systemLookup interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// DNSResolver asks the system resolver first and, when that finds nothing,
// sends an A query to the configured nameservers directly.
type DNSResolver struct {
	system  systemLookup
	client  *dns.Client
	servers []string
}

// NewDNSResolver reads the nameservers from confPath. Failing to do so is a
// startup error.
func NewDNSResolver(confPath string) (*DNSResolver, error) {
	conf, err := dns.ClientConfigFromFile(confPath)
	if err != nil {
		return nil, fmt.Errorf("load resolver config %s: %w", confPath, err)
	}

	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return &DNSResolver{
		system:  net.DefaultResolver,
		client:  &dns.Client{Timeout: 2 * time.Second},
		servers: servers,
	}, nil
}

func (r *DNSResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if ips, err := r.system.LookupIP(ctx, "ip4", host); err == nil && len(ips) > 0 {
		return ips, nil
	}
	return r.query(ctx, host)
}

func (r *DNSResolver) query(ctx context.Context, host string) ([]net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)

	lastErr := errors.New("no nameserver configured")
	for _, server := range r.servers {
		in, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("lookup %s on %s: %s", host, server, dns.RcodeToString[in.Rcode])
			continue
		}

		var ips []net.IP
		for _, rr := range in.Answer {
			if a, ok := rr.(*dns.A); ok {
				ips = append(ips, a.A)
			}
		}
		if len(ips) > 0 {
			return ips, nil
		}
		lastErr = fmt.Errorf("lookup %s on %s: no A record", host, server)
	}
	return nil, lastErr
}
