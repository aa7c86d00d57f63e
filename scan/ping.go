package scan

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/icmp"
	"golang.org/x/sync/semaphore"

	"magicscan/metrics"
)

const (
	// DefaultPingTimeout is how long a host has to answer an echo request.
	DefaultPingTimeout = 500 * time.Millisecond

	pingPayloadSize = 56
	icmpTTL         = 30
	maxPacketSize   = 2048
)

var (
	ErrPingPending = errors.New("a ping to this host is already pending")
	ErrPingTimeout = errors.New("ping timed out")
	errNotICMP     = errors.New("not an ICMPv4 packet")
)

// PacketConn is the socket the prober sends and receives ICMP on.
// *icmp.PacketConn satisfies it.
type PacketConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, dst net.Addr) (int, error)
	LocalAddr() net.Addr
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ListenICMP opens the one ICMP socket a Pinger shares between all probes.
// network is "ip4:icmp" for a raw socket (needs privileges) or "udp4" for an
// unprivileged datagram ICMP socket.
func ListenICMP(network string) (PacketConn, error) {
	conn, err := icmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", network, err)
	}
	if p := conn.IPv4PacketConn(); p != nil {
		if err := p.SetTTL(icmpTTL); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set ttl: %w", err)
		}
	}
	return conn, nil
}

// replyMap 是请求和回复的对应表: IP -> 等待回复的通道, 每个IP同时只能有一个
type replyMap struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
}

func newReplyMap() *replyMap {
	return &replyMap{waiters: make(map[string]chan struct{})}
}

func (m *replyMap) register(ip net.IP) (chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ip.String()
	if _, ok := m.waiters[key]; ok {
		return nil, fmt.Errorf("register %s: %w", key, ErrPingPending)
	}
	waiter := make(chan struct{}, 1)
	m.waiters[key] = waiter
	return waiter, nil
}

// resolve wakes the waiter of ip, if any, and removes it.
func (m *replyMap) resolve(ip net.IP) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ip.String()
	waiter, ok := m.waiters[key]
	if !ok {
		return false
	}
	delete(m.waiters, key)
	waiter <- struct{}{}
	return true
}

// evict removes the entry of ip only if it still belongs to waiter.
func (m *replyMap) evict(ip net.IP, waiter chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ip.String()
	if m.waiters[key] == waiter {
		delete(m.waiters, key)
	}
}

func (m *replyMap) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// Pinger 用一个共享的ICMP socket探测主机是否存活, 由一个后台协程负责接收所有回复
type Pinger struct {
	conn        PacketConn
	replies     *replyMap
	timeout     time.Duration
	parallelism int64
	metrics     *metrics.Metrics
	datagram    bool

	serializeOptions gopacket.SerializeOptions

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type PingerOption func(*Pinger)

func WithPingTimeout(d time.Duration) PingerOption {
	return func(p *Pinger) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithPingParallelism bounds how many pings ProbeAll keeps in flight.
func WithPingParallelism(n int) PingerOption {
	return func(p *Pinger) {
		if n > 0 {
			p.parallelism = int64(n)
		}
	}
}

func WithPingMetrics(m *metrics.Metrics) PingerOption {
	return func(p *Pinger) { p.metrics = m }
}

// NewPinger takes ownership of conn and starts the receive loop.
func NewPinger(conn PacketConn, opts ...PingerOption) *Pinger {
	p := &Pinger{
		conn:        conn,
		replies:     newReplyMap(),
		timeout:     DefaultPingTimeout,
		parallelism: DefaultBatchSize,
		serializeOptions: gopacket.SerializeOptions{
			FixLengths:       true,
			ComputeChecksums: true,
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	_, p.datagram = conn.LocalAddr().(*net.UDPAddr)
	for _, opt := range opts {
		opt(p)
	}
	go p.receive()
	return p
}

// receive 不断读取ICMP回复, 根据来源IP唤醒对应的等待者;没有人等待的回复直接丢弃
func (p *Pinger) receive() {
	defer close(p.done)

	buf := make([]byte, maxPacketSize)
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		_ = p.conn.SetReadDeadline(time.Now().Add(p.timeout))
		n, addr, err := p.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				log.Debugf("icmp read error: %v", err)
			}
			continue
		}

		ip := addrIP(addr)
		reply, err := decodeICMP(buf[:n])
		if err != nil {
			log.Debugf("drop packet from %s: %v", ip, err)
			continue
		}
		if reply.TypeCode.Type() != layers.ICMPv4TypeEchoReply {
			continue
		}
		if !p.replies.resolve(ip) {
			log.Debugf("no one is waiting for ICMP packet from %s", ip)
		}
	}
}

// Ping sends one echo request to ip and waits for the reply. Pings to
// different hosts are independent; a second ping to a host whose first is
// still pending fails with ErrPingPending.
func (p *Pinger) Ping(ctx context.Context, ip net.IP) error {
	ip4 := ip.To4()
	if ip4 == nil {
		return fmt.Errorf("ping %s: not an IPv4 address", ip)
	}

	waiter, err := p.replies.register(ip4)
	if err != nil {
		return err
	}

	packet, err := p.echoRequest(uint16(rand.Uint32()), 0, make([]byte, pingPayloadSize))
	if err != nil {
		p.replies.evict(ip4, waiter)
		return fmt.Errorf("ping %s: %w", ip4, err)
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.timeout))
	if _, err := p.conn.WriteTo(packet, p.destination(ip4)); err != nil {
		p.replies.evict(ip4, waiter)
		return fmt.Errorf("ping %s: %w", ip4, err)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-waiter:
		p.metrics.ObservePing(true)
		return nil
	case <-timer.C:
		p.replies.evict(ip4, waiter)
		p.metrics.ObservePing(false)
		return fmt.Errorf("ping %s: %w", ip4, ErrPingTimeout)
	case <-ctx.Done():
		p.replies.evict(ip4, waiter)
		return ctx.Err()
	}
}

// ProbeAll pings every ip concurrently and returns, in input order, those that
// answered. Failures are only logged.
func (p *Pinger) ProbeAll(ctx context.Context, ips []net.IP) []net.IP {
	alive := make([]bool, len(ips))
	sem := semaphore.NewWeighted(p.parallelism)
	wg := &sync.WaitGroup{}

	for i, ip := range ips {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, ip net.IP) {
			defer wg.Done()
			defer sem.Release(1)

			if err := p.Ping(ctx, ip); err != nil {
				log.Infof("ping %s don't connection: %v", ip, err)
				return
			}
			log.Infof("ping %s connection", ip)
			alive[i] = true
		}(i, ip)
	}
	wg.Wait()

	var up []net.IP
	for i, ip := range ips {
		if alive[i] {
			up = append(up, ip)
		}
	}
	return up
}

// Close stops the receive loop and closes the socket. Pending pings are not
// drained, they run into their timeout.
func (p *Pinger) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stop)
		err = p.conn.Close()
		<-p.done
	})
	return err
}

// FilterAlive opens an ICMP socket on network, keeps the hosts of ips that
// answer and closes the socket again. Only the socket creation can fail.
func FilterAlive(ctx context.Context, network string, ips []net.IP, opts ...PingerOption) ([]net.IP, error) {
	conn, err := ListenICMP(network)
	if err != nil {
		return nil, err
	}
	pinger := NewPinger(conn, opts...)
	defer pinger.Close()

	return pinger.ProbeAll(ctx, ips), nil
}

// echoRequest serializes an ICMP echo request; the checksum covers the whole
// packet including the payload.
func (p *Pinger) echoRequest(id, seq uint16, payload []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	echo := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       id,
		Seq:      seq,
	}
	if err := gopacket.SerializeLayers(buf, p.serializeOptions, echo, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Pinger) destination(ip net.IP) net.Addr {
	if p.datagram {
		return &net.UDPAddr{IP: ip}
	}
	return &net.IPAddr{IP: ip}
}

func decodeICMP(data []byte) (*layers.ICMPv4, error) {
	packet := gopacket.NewPacket(data, layers.LayerTypeICMPv4, gopacket.NoCopy)
	if l := packet.Layer(layers.LayerTypeICMPv4); l != nil {
		return l.(*layers.ICMPv4), nil
	}
	if e := packet.ErrorLayer(); e != nil {
		return nil, e.Error()
	}
	return nil, errNotICMP
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.IPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	}
	return nil
}
