package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	bindAddr        string
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	handshakeTO     time.Duration
	connectTO       time.Duration
	bindWait        time.Duration
	socketBufSize   int
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	bindAddr := flag.String("bind", "0.0.0.0", "IPv4 address the station service binds to (fixed port)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	handshakeTO := flag.Duration("handshake-timeout", 3*time.Second, "Control-plane handshake read timeout")
	connectTO := flag.Duration("connect-timeout", 5*time.Second, "Rendezvous dial timeout when pairing with a peer station")
	bindWait := flag.Duration("bind-wait", 30*time.Second, "Max time to retry binding the service port on EADDRINUSE")
	socketBufSize := flag.Int("socket-buffer-size", 0, "SO_SNDBUF/SO_RCVBUF size in bytes (0 = OS default)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default zapd-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.bindAddr = *bindAddr
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.handshakeTO = *handshakeTO
	cfg.connectTO = *connectTO
	cfg.bindWait = *bindWait
	cfg.socketBufSize = *socketBufSize
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// bindAddrBytes parses the configured bind address into the 4-byte form
// internal/zapsock expects, matching internal/server.WithBindAddr.
func (c *appConfig) bindAddrBytes() ([4]byte, error) {
	var b [4]byte
	ip := net.ParseIP(c.bindAddr)
	if ip == nil {
		return b, fmt.Errorf("invalid -bind address %q", c.bindAddr)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return b, fmt.Errorf("-bind address %q is not IPv4", c.bindAddr)
	}
	copy(b[:], ip4)
	return b, nil
}

// validate performs basic semantic validation of the parsed configuration.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if _, err := c.bindAddrBytes(); err != nil {
		return err
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.connectTO <= 0 {
		return fmt.Errorf("connect-timeout must be > 0")
	}
	if c.bindWait <= 0 {
		return fmt.Errorf("bind-wait must be > 0")
	}
	if c.socketBufSize < 0 {
		return fmt.Errorf("socket-buffer-size must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps ZAPD_* environment variables to config fields
// unless a corresponding flag was explicitly set (flag wins).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["bind"]; !ok {
		if v, ok := get("ZAPD_BIND"); ok && v != "" {
			c.bindAddr = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("ZAPD_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("ZAPD_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("ZAPD_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("ZAPD_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ZAPD_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["handshake-timeout"]; !ok {
		if v, ok := get("ZAPD_HANDSHAKE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.handshakeTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ZAPD_HANDSHAKE_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["connect-timeout"]; !ok {
		if v, ok := get("ZAPD_CONNECT_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.connectTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ZAPD_CONNECT_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["bind-wait"]; !ok {
		if v, ok := get("ZAPD_BIND_WAIT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.bindWait = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ZAPD_BIND_WAIT: %w", err)
			}
		}
	}
	if _, ok := set["socket-buffer-size"]; !ok {
		if v, ok := get("ZAPD_SOCKET_BUFFER_SIZE"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.socketBufSize = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid ZAPD_SOCKET_BUFFER_SIZE: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("ZAPD_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("ZAPD_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
