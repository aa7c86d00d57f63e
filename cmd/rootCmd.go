package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"magicscan/config"
	"magicscan/fingerprint"
	"magicscan/metrics"
	"magicscan/scan"
	"magicscan/targets"
)

var version = "development version"

var cfgFile string        //配置文件
var versionRequested bool //打印版本

func init() {
	//带P的表示同时可接收缩写选项,P代表可以设置短指令
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", cfgFile, "Config file (yaml, json or toml)")
	rootCmd.PersistentFlags().BoolVarP(&versionRequested, "version", "", versionRequested, "Output version information and exit")
	config.RegisterFlags(rootCmd.Flags())
}

var rootCmd = &cobra.Command{
	Use:          "magicscan [address...]",
	Short:        "high performance port scanner with service fingerprinting",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error { //主要的执行函数
		if versionRequested {
			fmt.Println(version)
			return nil
		}

		cfg, err := config.Load(cmd.Flags(), cfgFile)
		if err != nil {
			return err
		}
		//位置参数也作为目标地址
		if len(args) > 0 {
			cfg.Address = strings.Join(append([]string{cfg.Address}, args...), ",")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		closeLog, err := setupLogging(cfg)
		if err != nil {
			return err
		}
		defer closeLog()

		//设置一个主动取消的机制
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(c)
		go func() {
			select {
			case <-c: //阻塞直到有信号
				log.Warn("退出...")
				cancel()
			case <-ctx.Done():
			}
		}()

		//DNS客户端创建失败直接退出
		resolver, err := targets.NewDNSResolver(cfg.ResolvConf)
		if err != nil {
			return err
		}
		return run(ctx, cfg, resolver)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func setupLogging(cfg *config.Config) (func(), error) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if cfg.Verbose {
		log.SetLevel(log.DebugLevel) //设置日志级别
	}
	if cfg.LogFile == "" {
		return func() {}, nil
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	return func() {
		log.SetOutput(os.Stderr)
		f.Close()
	}, nil
}

// run 解析目标,可选地过滤掉不存活的主机,然后扫描并输出结果
func run(ctx context.Context, cfg *config.Config, resolver targets.Resolver) error {
	ips, ports := resolveTargets(ctx, cfg, resolver)
	if len(ips) == 0 || len(ports) == 0 {
		log.Warn("没有可扫描的目标")
		return nil
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		_, stop, err := serveMetrics(cfg.MetricsAddr, m)
		if err != nil {
			return err
		}
		defer stop()
	}

	if cfg.Ping {
		alive, err := scan.FilterAlive(ctx, cfg.PingNetwork, ips,
			scan.WithPingTimeout(cfg.PingTimeout),
			scan.WithPingParallelism(cfg.BatchSize),
			scan.WithPingMetrics(m))
		if err != nil { //ICMP socket创建失败直接退出
			return err
		}
		log.Infof("%d/%d 个主机存活", len(alive), len(ips))
		if len(alive) == 0 {
			return nil
		}
		ips = alive
	}

	matcher := fingerprint.NewMatcher(fingerprint.LoadTCP(cfg.Fingerprint), fingerprint.WithReadTimeout(cfg.ReadTimeout))
	scanner, err := createScanner(cfg, matcher, m)
	if err != nil {
		return err
	}

	start := time.Now()
	log.Infof("开始扫描 %d 个主机, %d 个端口", len(ips), len(ports))
	open := report(log.StandardLogger(), scanner.Run(ctx, ips, ports))
	log.Infof("扫描完毕 耗时:%v, %d 个端口开放", time.Since(start).String(), open)
	return nil
}

// resolveTargets 展开地址和端口表达式,无效的部分只打印警告
func resolveTargets(ctx context.Context, cfg *config.Config, resolver targets.Resolver) ([]net.IP, []int) {
	addrs := targets.NewEnumerator(resolver).ResolveAddresses(ctx, cfg.Address)
	for _, token := range addrs.Invalid {
		log.Warnf("无效的地址: %s", token)
	}
	ports, invalid := targets.ResolvePorts(cfg.Ports)
	for _, token := range invalid {
		log.Warnf("无效的端口: %s", token)
	}
	return addrs.Valid, ports
}

func createScanner(cfg *config.Config, matcher *fingerprint.Matcher, m *metrics.Metrics) (scan.Scanner, error) {
	mode, err := scan.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	opts := []scan.ConnectOption{
		scan.WithMode(mode),
		scan.WithRate(cfg.Rate),
		scan.WithMetrics(m),
		scan.WithReportClosed(cfg.ReportClosed),
	}
	//根据mode来选择扫描模式
	switch mode {
	case scan.ModeFingerprint:
		if !matcher.Enabled() {
			log.Info("未加载指纹库, 只报告开放的端口")
		}
		opts = append(opts, scan.WithMatcher(matcher))
	case scan.ModeLiveness:
	}
	return scan.NewConnectScanner(cfg.ConnectTimeout, cfg.BatchSize, opts...), nil
}

// serveMetrics 在后台提供/metrics,返回实际监听的地址和关闭函数
func serveMetrics(addr string, m *metrics.Metrics) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("listen metrics %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("metrics server: %v", err)
		}
	}()
	log.Infof("metrics on http://%s/metrics", ln.Addr())
	return ln.Addr().String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
