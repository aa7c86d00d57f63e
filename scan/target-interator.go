package scan

import (
	"io"
	"net"
)

// SocketIterator 按端口优先的顺序惰性生成 ports × ips 的笛卡尔积,
// 不会把全部目标一次性放进内存(/0 的扫描可能有上亿个组合)
type SocketIterator struct {
	ips   []net.IP
	ports []int
	index int //下一个要生成的组合
}

// NewSocketIterator 传入已解析的IP和端口,返回一个迭代器
func NewSocketIterator(ips []net.IP, ports []int) *SocketIterator {
	return &SocketIterator{
		ips:   ips,
		ports: ports,
	}
}

// Len is the total number of pairs the iterator yields.
func (si *SocketIterator) Len() int {
	return len(si.ips) * len(si.ports)
}

// Next returns the next target, or io.EOF once the product is exhausted.
func (si *SocketIterator) Next() (*net.TCPAddr, error) {
	if len(si.ips) == 0 || si.index >= si.Len() {
		return nil, io.EOF
	}
	port := si.ports[si.index/len(si.ips)]
	ip := si.ips[si.index%len(si.ips)]
	si.index++

	tIP := make(net.IP, len(ip))
	copy(tIP, ip) //防止浅拷贝将ip传入
	return &net.TCPAddr{IP: tIP, Port: port}, nil
}
