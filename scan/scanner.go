package scan

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Scanner produces one ScanResult per finished socket attempt. The returned
// channel is closed once every attempt has retired.
type Scanner interface {
	Run(ctx context.Context, ips []net.IP, ports []int) <-chan ScanResult
}

// Transport is the layer-4 protocol a result was obtained over.
type Transport uint8

const (
	TransportUnknown Transport = iota
	TransportTCP
	TransportUDP
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "TCP"
	case TransportUDP:
		return "UDP"
	}
	return "*"
}

// UnknownService is the service name of a socket nothing identified.
const UnknownService = "unknown"

// wildcard is printed in place of an unknown service or version.
const wildcard = "*"

type ScanResult struct {
	Open      bool
	Service   string
	IP        net.IP
	Port      int
	Version   string
	Transport Transport
	MAC       string        //本地ARP缓存中的MAC地址,未知时为空
	Latency   time.Duration //连接延迟
}

// NewScanResult returns a closed, unclassified result for addr.
func NewScanResult(addr *net.TCPAddr) ScanResult {
	r := ScanResult{
		Service:   UnknownService,
		Transport: TransportTCP,
		Latency:   -1,
	}
	if addr != nil {
		r.IP = addr.IP
		r.Port = addr.Port
	}
	return r
}

// IsIdentified reports whether a fingerprint named the service.
func (r ScanResult) IsIdentified() bool {
	return r.Service != "" && r.Service != UnknownService
}

// Address is the host:port the result belongs to.
func (r ScanResult) Address() string {
	host := wildcard
	if r.IP != nil {
		host = r.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(r.Port))
}

// String renders "host:port [TCP|service|version]", unknown fields as "*".
func (r ScanResult) String() string {
	service := wildcard
	if r.IsIdentified() {
		service = r.Service
	}
	version := wildcard
	if r.Version != "" {
		version = r.Version
	}
	text := fmt.Sprintf("%s [%s|%s|%s]", pad(r.Address(), 21), r.Transport, service, version)
	if !r.Open {
		text += " closed"
	}
	if r.MAC != "" {
		text += " " + r.MAC
	}
	return text
}

//填充空格直到达到指定的长度
func pad(input string, length int) string {
	for len(input) < length {
		input += " "
	}
	return input
}
