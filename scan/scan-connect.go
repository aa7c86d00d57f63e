package scan

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/mostlygeek/arp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"magicscan/fingerprint"
	"magicscan/metrics"
)

const (
	// DefaultBatchSize 同时进行的连接数上限,也就是同时打开的文件描述符上限
	DefaultBatchSize = 1000
	// ResultBuffer is the capacity of the channel Run returns.
	ResultBuffer = 10
)

// Mode selects what happens to a socket once it is open.
type Mode uint8

const (
	// ModeFingerprint runs the probe sequence on every open socket.
	ModeFingerprint Mode = iota
	// ModeLiveness only reports that the socket is open.
	ModeLiveness
)

func (m Mode) String() string {
	if m == ModeLiveness {
		return "liveness"
	}
	return "fingerprint"
}

// ParseMode accepts "fingerprint" or "liveness".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fingerprint", "probe":
		return ModeFingerprint, nil
	case "liveness", "connect":
		return ModeLiveness, nil
	}
	return ModeFingerprint, fmt.Errorf("未知扫描模式:%v", s)
}

// ConnectScanner 是TCP连接扫描器
type ConnectScanner struct {
	timeout      time.Duration
	batchSize    int64
	mode         Mode
	matcher      *fingerprint.Matcher
	limiter      *rate.Limiter
	metrics      *metrics.Metrics
	reportClosed bool
	dial         DialFunc
	lookupMAC    func(ip net.IP) string
}

type ConnectOption func(*ConnectScanner)

func WithMode(mode Mode) ConnectOption {
	return func(c *ConnectScanner) { c.mode = mode }
}

// WithMatcher sets the matcher used in ModeFingerprint. Without one, open
// sockets are reported unclassified.
func WithMatcher(m *fingerprint.Matcher) ConnectOption {
	return func(c *ConnectScanner) { c.matcher = m }
}

// WithRate caps connect attempts per second. Zero or less means no cap.
func WithRate(perSecond int) ConnectOption {
	return func(c *ConnectScanner) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

func WithMetrics(m *metrics.Metrics) ConnectOption {
	return func(c *ConnectScanner) { c.metrics = m }
}

// WithReportClosed also emits a closed result for every failed attempt.
func WithReportClosed(report bool) ConnectOption {
	return func(c *ConnectScanner) { c.reportClosed = report }
}

// WithDialer replaces the socket factory.
func WithDialer(dial DialFunc) ConnectOption {
	return func(c *ConnectScanner) { c.dial = dial }
}

// WithMACLookup replaces the ARP cache lookup; nil disables it.
func WithMACLookup(lookup func(ip net.IP) string) ConnectOption {
	return func(c *ConnectScanner) { c.lookupMAC = lookup }
}

// NewConnectScanner 创建一个TCP扫描器,传入连接超时和同时进行的连接数上限
func NewConnectScanner(timeout time.Duration, batchSize int, opts ...ConnectOption) *ConnectScanner {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	c := &ConnectScanner{
		timeout:   timeout,
		batchSize: int64(batchSize),
		lookupMAC: arpLookup,
	}
	c.dial = func(ctx context.Context, addr *net.TCPAddr) (net.Conn, error) {
		return Connect(ctx, addr, c.timeout)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run scans every (port, ip) pair and streams the results in completion order.
func (c *ConnectScanner) Run(ctx context.Context, ips []net.IP, ports []int) <-chan ScanResult {
	results := make(chan ScanResult, ResultBuffer)
	if c.lookupMAC != nil {
		arp.CacheUpdate()
	}
	go func() {
		defer close(results)
		c.scan(ctx, NewSocketIterator(ips, ports), results)
	}()
	return results
}

// scan 生产者:用迭代器不断生成目标,用信号量限制同时进行的连接数,
// 所有任务结束之后才返回
func (c *ConnectScanner) scan(ctx context.Context, ti *SocketIterator, results chan<- ScanResult) {
	sem := semaphore.NewWeighted(c.batchSize)
	wg := &sync.WaitGroup{}

	log.Debugf("开始扫描 %d 个目标, 并发上限 %d", ti.Len(), c.batchSize)
	for {
		addr, err := ti.Next()
		if err == io.EOF {
			break
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				break
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil { //ctx被取消
			break
		}

		wg.Add(1)
		go func(addr *net.TCPAddr) {
			defer wg.Done()
			defer sem.Release(1)

			result, ok := c.scanSocket(ctx, addr)
			if !ok {
				return
			}
			select {
			case results <- result:
			case <-ctx.Done():
			}
		}(addr)
	}

	wg.Wait() //所有任务执行完毕之前阻塞在此
}

// scanSocket connects to addr and, when open, classifies it. The bool is false
// when nothing should be reported for addr.
func (c *ConnectScanner) scanSocket(ctx context.Context, addr *net.TCPAddr) (ScanResult, bool) {
	result := NewScanResult(addr)

	start := time.Now()
	conn, err := c.dial(ctx, addr)
	if err != nil {
		log.Debugf("%s :连接失败:%v", addr, err)
		c.metrics.ObserveAttempt(false)
		return result, c.reportClosed
	}
	result.Open = true
	result.Latency = time.Since(start)
	c.metrics.ObserveAttempt(true)
	if c.lookupMAC != nil {
		result.MAC = c.lookupMAC(addr.IP)
	}
	log.Debugf("%s is OPEN!", addr)

	if c.mode == ModeLiveness {
		conn.Close()
		return result, true
	}

	//Identify负责关闭conn,重连前会先关闭上一个连接
	id, err := c.matcher.Identify(ctx, conn, func(ctx context.Context) (net.Conn, error) {
		return c.dial(ctx, addr)
	})
	if err != nil {
		log.Debugf("%s 指纹识别失败: %v", addr, err)
		return result, true
	}
	if id.Matched {
		log.Debugf("%s 匹配探针 %q", addr, id.Probe)
	}
	if id.Service != "" {
		result.Service = id.Service
		c.metrics.ObserveIdentified(id.Service)
	}
	result.Version = id.Version
	return result, true
}

//先查看ARP缓存,没有或者是全零的MAC则返回空
func arpLookup(ip net.IP) string {
	mac := arp.Search(ip.String())
	if mac == "" || mac == "00:00:00:00:00:00" {
		return ""
	}
	return mac
}
