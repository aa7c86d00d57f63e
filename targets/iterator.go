package targets

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
)

// AddressKind is the shape of one address token.
type AddressKind uint8

const (
	KindUnknown AddressKind = iota //不是IP,按域名解析
	KindIP
	KindRange
	KindMask
)

func (k AddressKind) String() string {
	switch k {
	case KindIP:
		return "ip"
	case KindRange:
		return "range"
	case KindMask:
		return "mask"
	}
	return "unknown"
}

// Classify tells a single IPv4 address, an a.b.c.d-e.f.g.h range and an
// a.b.c.d/n CIDR apart. Everything else is KindUnknown.
func Classify(token string) AddressKind {
	switch {
	case strings.Contains(token, "/"):
		if ip, _, err := net.ParseCIDR(token); err == nil && ip.To4() != nil {
			return KindMask
		}
	case strings.Contains(token, "-"):
		parts := strings.Split(token, "-")
		if len(parts) == 2 && parseIPv4(parts[0]) != nil && parseIPv4(parts[1]) != nil {
			return KindRange
		}
	default:
		if parseIPv4(token) != nil {
			return KindIP
		}
	}
	return KindUnknown
}

// AddressIterator 惰性遍历一个IP, 一段IP或者一个CIDR内的所有地址(包含网络地址和广播地址)
type AddressIterator struct {
	target string
	ip     net.IP //下一个要返回的地址
	end    net.IP //最后一个地址
	done   bool
}

// NewAddressIterator 127.0.0.1/24 -> 127.0.0.0 ... 127.0.0.255
func NewAddressIterator(target string) (*AddressIterator, error) {
	ti := &AddressIterator{target: target}

	switch Classify(target) {
	case KindIP:
		ti.ip = parseIPv4(target)
		ti.end = parseIPv4(target)
	case KindRange:
		parts := strings.Split(target, "-")
		ti.ip = parseIPv4(parts[0])
		ti.end = parseIPv4(parts[1])
		if bytes.Compare(ti.ip, ti.end) > 0 {
			return nil, fmt.Errorf("invalid range %s: start is after end", target)
		}
	case KindMask:
		ip, ipnet, _ := net.ParseCIDR(target)
		ti.ip = ip.Mask(ipnet.Mask).To4() //将ip按掩码还原成网络地址
		ti.end = broadcast(ti.ip, ipnet.Mask)
	default:
		return nil, fmt.Errorf("%s is not an IPv4 address, range or CIDR", target)
	}
	return ti, nil
}

// Len is the number of addresses the iterator yields in total.
func (ti *AddressIterator) Len() uint64 {
	return uint64(binary.BigEndian.Uint32(ti.end)) - uint64(binary.BigEndian.Uint32(ti.ip)) + 1
}

// Next returns the next address or io.EOF.
func (ti *AddressIterator) Next() (net.IP, error) {
	if ti.done {
		return nil, io.EOF
	}
	tIP := make(net.IP, len(ti.ip))
	copy(tIP, ti.ip)

	if ti.ip.Equal(ti.end) {
		ti.done = true
	} else {
		incrementIP(ti.ip)
	}
	return tIP, nil
}

func incrementIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}

func broadcast(network net.IP, mask net.IPMask) net.IP {
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = network[i] | ^mask[i]
	}
	return out
}

func parseIPv4(s string) net.IP {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return nil
	}
	return ip.To4()
}
