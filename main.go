package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/czerwonk/latency_monitor/config"
	"github.com/czerwonk/latency_monitor/probe"
	"github.com/czerwonk/latency_monitor/scheduler"
)

const version string = "0.1.0"

const envFileVar = "LATENCY_MONITOR_ENV_FILE"

var (
	showVersion    = kingpin.Flag("version", "Print version information").Default().Bool()
	listenAddress  = kingpin.Flag("web.listen-address", "Address on which to expose the API, display hub and metrics").Default(":9428").Envar("LATENCY_MONITOR_LISTEN_ADDRESS").String()
	metricsPath    = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics").Default("/metrics").String()
	configFile     = kingpin.Flag("config.path", "Path to config file").Default("").Envar("LATENCY_MONITOR_CONFIG").String()
	watchConfig    = kingpin.Flag("config.watch", "Apply probe.interval changes of the config file without restart").Default("true").Bool()
	targetHost     = kingpin.Flag("target.host", "Host to probe").Default("8.8.8.8").Envar("LATENCY_MONITOR_TARGET").String()
	targetPorts    = kingpin.Flag("target.port", "TCP port to probe, repeat for fallback ports (primary first)").Default("443", "80", "53").Ints()
	targetLabels   = kingpin.Flag("target.label", "Custom label added to all metrics (name=value)").StringMap()
	probeMode      = kingpin.Flag("probe.mode", "Probe method. Valid choices: [tcp, icmp]").Default("tcp").Envar("LATENCY_MONITOR_PROBE_MODE").Enum("tcp", "icmp")
	probeInterval  = kingpin.Flag("probe.interval", "Time between the start of two probes").Default("500ms").Envar("LATENCY_MONITOR_INTERVAL").Duration()
	probeTimeout   = kingpin.Flag("probe.timeout", "Timeout of a single connection attempt").Default("1s").Duration()
	probeScale     = kingpin.Flag("probe.scale", "Factor applied to TCP handshake durations").Default("0.7").Float64()
	historySize    = kingpin.Flag("probe.history-size", "Number of results used for jitter").Default("5").Int()
	jitterSkipLost = kingpin.Flag("probe.jitter-skip-lost", "Exclude lost probes from jitter").Bool()
	payloadSize    = kingpin.Flag("probe.payload-size", "Payload size for ICMP echo requests").Default("56").Uint16()
	quantum        = kingpin.Flag("scheduler.quantum", "Longest sleep of the probe loop before it re-checks its schedule").Default("100ms").Duration()
	warmup         = kingpin.Flag("scheduler.warmup", "Delay between display readiness and the first probe").Default("500ms").Duration()
	waitReady      = kingpin.Flag("display.wait-ready", "Do not probe before a display signalled readiness").Default("true").Envar("LATENCY_MONITOR_WAIT_READY").Bool()
	dnsRefresh     = kingpin.Flag("dns.refresh", "Interval for refreshing the addresses of the target (0 if disabled)").Default("1m").Duration()
	dnsNameServer  = kingpin.Flag("dns.nameserver", "DNS server used to resolve the target").Default("").Envar("LATENCY_MONITOR_NAMESERVER").String()
	logLevel       = kingpin.Flag("log.level", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error, fatal]").Default("info").Envar("LATENCY_MONITOR_LOG_LEVEL").String()
	rttMode        = kingpin.Flag("metrics.rttunit", "Export latencies as either millis (default), or seconds, or both. Valid choices: [ms, s, both]").Default("ms").String()
)

var rttMetricsScale = rttInMills

func main() {
	loadEnvFile(os.Getenv(envFileVar))
	kingpin.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	setLogLevel(*logLevel)
	gin.SetMode(gin.ReleaseMode)

	if rttMetricsScale = rttUnitFromString(*rttMode); rttMetricsScale == rttInvalid {
		kingpin.FatalUsage("metrics.rttunit must be `ms` for millis, or `s` for seconds, or `both`")
	}

	if mpath := *metricsPath; mpath == "" {
		log.Warnln("web.telemetry-path is empty, correcting to `/metrics`")
		mpath = "/metrics"
		metricsPath = &mpath
	} else if mpath[0] != '/' {
		mpath = "/" + mpath
		metricsPath = &mpath
	}
	if *metricsPath == "/" {
		kingpin.FatalUsage("web.telemetry-path must not be `/`")
	}

	cfg, err := loadConfig()
	if err != nil {
		kingpin.FatalUsage("could not load config.path: %v", err)
	}

	if err := validateConfig(cfg); err != nil {
		kingpin.FatalUsage("%v", err)
	}

	if err := run(cfg); err != nil {
		log.Errorln(err)
		os.Exit(2)
	}
}

func printVersion() {
	fmt.Println("latency-monitor")
	fmt.Printf("Version: %s\n", version)
	fmt.Println("Continuous latency, jitter and packet loss probe")
}

// loadEnvFile exports the variables of a dotenv file so they can serve as
// flag defaults. Variables already set in the environment win. A missing
// .env in the working directory is not an error.
func loadEnvFile(path string) {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}

	if err := godotenv.Load(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			log.Warnf("could not load env file %s: %v", path, err)
		}
		return
	}
	log.Debugf("Loaded environment from %s", path)
}

func run(cfg *config.Config) error {
	resolver := setupResolver(cfg.DNS.Nameserver)
	t := newTarget(cfg.Target, resolver)

	sampler, closeSampler, err := newSampler(cfg, resolver)
	if err != nil {
		return err
	}
	defer closeSampler()

	var h *hub
	s, err := scheduler.New(sampler, t.probeTarget(), scheduler.PublisherFunc(func(snap scheduler.Snapshot) error {
		return h.Publish(snap)
	}), schedulerConfig(cfg))
	if err != nil {
		return err
	}

	ready := *cfg.Display.WaitReady
	h = newHub(s, ready)

	reg := prometheus.NewRegistry()
	labels := newCustomLabelSet(cfg.Target, "target", "ip", "ip_version")
	if err := reg.Register(newMonitorCollector(s, t, labels, rttMetricsScale)); err != nil {
		return fmt.Errorf("could not register collector: %w", err)
	}

	l := log.New()
	l.Level = log.ErrorLevel

	metrics := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:      l,
		ErrorHandling: promhttp.ContinueOnError,
	})

	stopTimeout := stopTimeoutFor(cfg, len(t.ports))
	srv := &http.Server{
		Addr:              *listenAddress,
		Handler:           newRouter(&api{monitor: s, hub: h, stopTimeout: stopTimeout}, metrics, *metricsPath),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := t.resolve(ctx); err != nil {
		log.Warnln(err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.run(ctx)
	})
	g.Go(func() error {
		return startDNSAutoRefresh(ctx, cfg.DNS.Refresh.Duration(), t)
	})
	if *configFile != "" && *watchConfig {
		g.Go(func() error {
			return watchConfigFile(ctx, *configFile, func(c *config.Config) {
				applyInterval(c, s)
			})
		})
	}
	g.Go(func() error {
		log.Infof("Starting latency monitor (Version: %s)", version)
		log.Infof("Listening on %s (metrics on %s)", *listenAddress, *metricsPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return shutdown(s, srv, stopTimeout)
	})

	if err := s.Start(); err != nil {
		stop()
		g.Wait()
		return err
	}

	if ready {
		log.Infoln("Waiting for a display client before probing")
	} else {
		s.SignalReady()
	}

	return g.Wait()
}

func shutdown(s *scheduler.Scheduler, srv *http.Server, timeout time.Duration) error {
	log.Infoln("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.Stop(ctx); err != nil {
		log.Warnf("probe loop did not stop in time: %v", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("could not shut down http server: %w", err)
	}
	return nil
}

func newSampler(cfg *config.Config, resolver *net.Resolver) (probe.Sampler, func(), error) {
	timeout := cfg.Probe.Timeout.Duration()

	switch cfg.Probe.Mode {
	case "icmp":
		s, err := probe.NewICMPSampler(resolver, timeout, cfg.Probe.Size)
		if err != nil {
			return nil, nil, err
		}
		log.Infof("Created icmp sampler (timeout=%s, size=%d)", s.Timeout(), cfg.Probe.Size)
		return s, s.Close, nil

	default:
		s := probe.NewTCPSampler(newDialer(resolver), timeout, cfg.Probe.Scale)
		log.Infof("Created tcp sampler (timeout=%s, scale=%.2f)", s.Timeout(), cfg.Probe.Scale)
		return s, func() {}, nil
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Interval:    cfg.Probe.Interval.Duration(),
		Quantum:     cfg.Scheduler.Quantum.Duration(),
		Warmup:      cfg.Scheduler.Warmup.Duration(),
		HistorySize: cfg.Probe.History,
		SkipLost:    cfg.Probe.JitterSkipLost,
	}
}

// stopTimeoutFor bounds the wait for the probe loop: a probe in flight may
// try every port once.
func stopTimeoutFor(cfg *config.Config, ports int) time.Duration {
	timeout := cfg.Probe.Timeout.Duration()
	if timeout <= 0 {
		timeout = probe.DefaultTimeout
	}
	if ports < 1 {
		ports = 1
	}

	return time.Duration(ports)*timeout + cfg.Scheduler.Quantum.Duration() + time.Second
}

func validateConfig(cfg *config.Config) error {
	if cfg.Target.Host == "" {
		return errors.New("target.host must not be empty")
	}
	for _, p := range cfg.Target.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("target.port %d is out of range", p)
		}
	}

	switch cfg.Probe.Mode {
	case "tcp", "icmp":
	default:
		return fmt.Errorf("probe.mode must be `tcp` or `icmp`, got %q", cfg.Probe.Mode)
	}

	if d := cfg.Probe.Interval.Duration(); d < scheduler.MinInterval || d > scheduler.MaxInterval {
		return fmt.Errorf("probe.interval must be between %s and %s", scheduler.MinInterval, scheduler.MaxInterval)
	}
	if cfg.Probe.Timeout.Duration() <= 0 {
		return errors.New("probe.timeout must be greater than 0")
	}
	if cfg.Probe.History < 1 {
		return errors.New("probe.history-size must be greater than 0")
	}
	if cfg.Probe.Scale <= 0 {
		return errors.New("probe.scale must be greater than 0")
	}
	if cfg.Probe.Size > 65500 {
		return errors.New("probe.payload-size must be between 0 and 65500")
	}
	if cfg.Scheduler.Quantum.Duration() <= 0 {
		return errors.New("scheduler.quantum must be greater than 0")
	}
	if cfg.Scheduler.Warmup.Duration() < 0 {
		return errors.New("scheduler.warmup must not be negative")
	}

	return nil
}

func loadConfig() (*config.Config, error) {
	if *configFile == "" {
		cfg := config.Config{}
		addFlagToConfig(&cfg)

		return &cfg, nil
	}

	cfg, err := config.FromFile(*configFile)
	if err != nil {
		return nil, fmt.Errorf("cannot load config file: %w", err)
	}
	addFlagToConfig(cfg)

	return cfg, nil
}

// addFlagToConfig updates cfg with command line flag values, unless the
// config has non-zero values.
func addFlagToConfig(cfg *config.Config) {
	if cfg.Target.Host == "" {
		cfg.Target.Host = *targetHost
	}
	if len(cfg.Target.Ports) == 0 {
		cfg.Target.Ports = *targetPorts
	}
	if cfg.Target.Labels == nil {
		cfg.Target.Labels = *targetLabels
	}
	if cfg.Probe.Mode == "" {
		cfg.Probe.Mode = *probeMode
	}
	if cfg.Probe.Interval == 0 {
		cfg.Probe.Interval.Set(*probeInterval)
	}
	if cfg.Probe.Timeout == 0 {
		cfg.Probe.Timeout.Set(*probeTimeout)
	}
	if cfg.Probe.Scale == 0 {
		cfg.Probe.Scale = *probeScale
	}
	if cfg.Probe.History == 0 {
		cfg.Probe.History = *historySize
	}
	if !cfg.Probe.JitterSkipLost {
		cfg.Probe.JitterSkipLost = *jitterSkipLost
	}
	if cfg.Probe.Size == 0 {
		cfg.Probe.Size = *payloadSize
	}
	if cfg.Scheduler.Quantum == 0 {
		cfg.Scheduler.Quantum.Set(*quantum)
	}
	if cfg.Scheduler.Warmup == 0 {
		cfg.Scheduler.Warmup.Set(*warmup)
	}
	if cfg.Display.WaitReady == nil {
		v := *waitReady
		cfg.Display.WaitReady = &v
	}
	if cfg.DNS.Refresh == 0 {
		cfg.DNS.Refresh.Set(*dnsRefresh)
	}
	if cfg.DNS.Nameserver == "" {
		cfg.DNS.Nameserver = *dnsNameServer
	}
}
