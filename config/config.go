// Package config merges command line flags, MAGICSCAN_* environment variables
// and an optional config file into one Config.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "MAGICSCAN"

	NetworkRaw      = "ip4:icmp" //需要root权限
	NetworkDatagram = "udp4"

	DefaultBatchSize      = 1000
	DefaultConnectTimeout = 1000 * time.Millisecond
	DefaultPingTimeout    = 500 * time.Millisecond
	DefaultReadTimeout    = 3 * time.Second
	DefaultResolvConf     = "/etc/resolv.conf"
	DefaultFingerprint    = "./fingerprint/fingerprint.json" //tools/update.go 默认的输出位置
)

var ErrNoAddress = errors.New("至少指定一个目标地址")

type Config struct {
	Address        string        `mapstructure:"address"`
	Ports          string        `mapstructure:"ports"`
	Ping           bool          `mapstructure:"ping"`
	PingNetwork    string        `mapstructure:"ping-network"`
	Fingerprint    string        `mapstructure:"fingerprint"`
	Mode           string        `mapstructure:"mode"`
	BatchSize      int           `mapstructure:"batch-size"`
	ConnectTimeout time.Duration `mapstructure:"connect-timeout"`
	PingTimeout    time.Duration `mapstructure:"ping-timeout"`
	ReadTimeout    time.Duration `mapstructure:"read-timeout"`
	Rate           int           `mapstructure:"rate"`
	ReportClosed   bool          `mapstructure:"report-closed"`
	ResolvConf     string        `mapstructure:"resolv-conf"`
	Verbose        bool          `mapstructure:"verbose"`
	LogFile        string        `mapstructure:"log-file"`
	MetricsAddr    string        `mapstructure:"metrics-addr"`
}

// RegisterFlags 注册所有配置项对应的flag,默认值也在这里
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("address", "a", "", "Targets. Comma separated IPs, ranges (10.0.0.1-10.0.0.9), CIDRs or host names")
	fs.StringP("ports", "p", "", "Ports to scan. Comma separated, can use hyphens e.g. 22,80,443,8080-8090 (default all)")
	fs.Bool("ping", false, "Only scan hosts that answer an ICMP echo request")
	fs.String("ping-network", NetworkRaw, "ICMP socket type: ip4:icmp (raw, needs root) or udp4")
	fs.StringP("fingerprint", "f", DefaultFingerprint, "Fingerprint database (JSON or YAML), a missing file disables fingerprinting")
	fs.StringP("mode", "m", "fingerprint", "Scan mode. Must be one of fingerprint, liveness")
	fs.IntP("batch-size", "b", DefaultBatchSize, "Maximum number of concurrent connect attempts")
	fs.Duration("connect-timeout", DefaultConnectTimeout, "TCP connect timeout")
	fs.Duration("ping-timeout", DefaultPingTimeout, "ICMP echo timeout")
	fs.Duration("read-timeout", DefaultReadTimeout, "How long a probe waits for the banner")
	fs.Int("rate", 0, "Connect attempts per second, 0 for no limit")
	fs.Bool("report-closed", false, "Also print sockets that are not open")
	fs.String("resolv-conf", DefaultResolvConf, "Nameservers for the fallback DNS query")
	fs.BoolP("verbose", "v", false, "Enable verbose logging")
	fs.String("log-file", "", "Also write the log to this file")
	fs.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9100")
}

// Load 优先级: flag > 环境变量 > 配置文件 > 默认值
func Load(fs *pflag.FlagSet, path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate checks the values the scanner cannot fall back from.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return ErrNoAddress
	}
	switch c.PingNetwork {
	case NetworkRaw, NetworkDatagram:
	default:
		return fmt.Errorf("invalid ping network %q, must be %s or %s", c.PingNetwork, NetworkRaw, NetworkDatagram)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid batch size: %d", c.BatchSize)
	}
	if c.ConnectTimeout <= 0 || c.PingTimeout <= 0 || c.ReadTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.Rate < 0 {
		return fmt.Errorf("invalid rate: %d", c.Rate)
	}
	return nil
}
