package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-can-session/internal/can"
	"github.com/kstaniek/go-can-session/internal/filter"
)

type appConfig struct {
	driver          string
	iface           string
	fd              bool
	recvOwn         bool
	baud            int
	timeout         time.Duration
	mode            string
	count           int
	id              string
	kind            string
	filters         listFlag
	sends           listFlag
	batch           string
	batchSize       int
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func parseFlags() (*appConfig, bool) {
	cfg, showVersion, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, showVersion
	}
	return cfg, showVersion
}

// parseArgs builds the configuration from args then environment. An
// explicitly set flag always beats its CANMON_* variable.
func parseArgs(args []string, out io.Writer) (*appConfig, bool, error) {
	fs := flag.NewFlagSet("canmon", flag.ContinueOnError)
	fs.SetOutput(out)
	cfg := &appConfig{}
	fs.StringVar(&cfg.driver, "driver", "socketcan", "Driver: socketcan|serial|loopback|cannelloni")
	fs.StringVar(&cfg.iface, "if", "can0", "Interface name, serial device path or cannelloni host:port")
	fs.BoolVar(&cfg.fd, "fd", false, "Open the session in CAN FD mode")
	fs.BoolVar(&cfg.recvOwn, "recv-own", false, "Receive own frames (socketcan)")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	fs.DurationVar(&cfg.timeout, "timeout", time.Second, "Per-read timeout")
	fs.StringVar(&cfg.mode, "mode", "listen", "Consumption mode: listen|stream")
	fs.IntVar(&cfg.count, "count", 0, "Stop after this many frames (0 = until signal)")
	fs.StringVar(&cfg.id, "id", "", "Stream only frames with this hex identifier")
	fs.StringVar(&cfg.kind, "kind", "", "Stream only frames of this kind: data|fd|remote|error")
	fs.Var(&cfg.filters, "filter", "Acceptance filter id:mask[:x][:inv] (repeatable)")
	fs.Var(&cfg.sends, "send", "Frame to send after open, e.g. 123#DEADBEEF (repeatable)")
	fs.StringVar(&cfg.batch, "batch", "immediate", "Send batching: immediate|buffered|async")
	fs.IntVar(&cfg.batchSize, "batch-size", 16, "Buffered batch size or async queue length")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the metrics endpoint via mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default canmon-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, *showVersion, fmt.Errorf("environment override: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, *showVersion, err
	}
	return cfg, *showVersion, nil
}

// validate checks values and the textual frame and filter arguments. It
// does not touch devices or sockets.
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
	switch c.driver {
	case "socketcan", "serial", "loopback", "cannelloni":
	default:
		return fmt.Errorf("invalid driver: %s", c.driver)
	}
	switch c.mode {
	case "listen", "stream":
	default:
		return fmt.Errorf("invalid mode: %s", c.mode)
	}
	switch c.batch {
	case "immediate", "buffered", "async":
	default:
		return fmt.Errorf("invalid batch: %s", c.batch)
	}
	if c.iface == "" {
		return errors.New("if must not be empty")
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	if c.count < 0 {
		return fmt.Errorf("count must be >= 0")
	}
	if c.batchSize <= 0 {
		return fmt.Errorf("batch-size must be > 0 (got %d)", c.batchSize)
	}
	if c.fd && c.driver == "serial" {
		return errors.New("serial driver does not support fd")
	}
	if (c.id != "" || c.kind != "") && c.mode != "stream" {
		return errors.New("id and kind require -mode=stream")
	}
	if _, err := c.streamID(); err != nil {
		return err
	}
	if c.kind != "" {
		if _, ok := can.ParseKind(c.kind); !ok {
			return fmt.Errorf("invalid kind: %s", c.kind)
		}
	}
	if _, err := c.filterList(); err != nil {
		return err
	}
	if _, err := c.sendFrames(); err != nil {
		return err
	}
	return nil
}

// streamID parses -id; an unset id yields zero.
func (c *appConfig) streamID() (uint32, error) {
	if c.id == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(c.id), "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", c.id, err)
	}
	if n > can.CAN_EFF_MASK {
		return 0, fmt.Errorf("invalid id %q: %w", c.id, can.ErrInvalidIdentifier)
	}
	return uint32(n), nil
}

func (c *appConfig) filterList() ([]filter.Filter, error) {
	out := make([]filter.Filter, 0, len(c.filters))
	for _, s := range c.filters {
		f, err := filter.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("filter: %w", err)
		}
		out = append(out, f)
	}
	return out, nil
}

func (c *appConfig) sendFrames() ([]can.Frame, error) {
	out := make([]can.Frame, 0, len(c.sends))
	for _, s := range c.sends {
		fr, err := can.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("send: %w", err)
		}
		out = append(out, fr)
	}
	return out, nil
}

// applyEnvOverrides maps CANMON_* environment variables to config fields
// unless the corresponding flag was explicitly set. Empty values are ignored.
// List variables are comma separated.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	fail := func(k string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", k, err)
		}
	}
	str := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(flagName, env string, dst *bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				fail(env, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}
	integer := func(flagName, env string, dst *int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(env, err)
				return
			}
			*dst = n
		}
	}
	duration := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(env, err)
				return
			}
			*dst = d
		}
	}
	list := func(flagName, env string, dst *listFlag) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			var out listFlag
			for _, p := range strings.Split(v, ",") {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			*dst = out
		}
	}

	str("driver", "CANMON_DRIVER", &c.driver)
	str("if", "CANMON_IF", &c.iface)
	boolean("fd", "CANMON_FD", &c.fd)
	boolean("recv-own", "CANMON_RECV_OWN", &c.recvOwn)
	integer("baud", "CANMON_BAUD", &c.baud)
	duration("timeout", "CANMON_TIMEOUT", &c.timeout)
	str("mode", "CANMON_MODE", &c.mode)
	integer("count", "CANMON_COUNT", &c.count)
	str("id", "CANMON_ID", &c.id)
	str("kind", "CANMON_KIND", &c.kind)
	list("filter", "CANMON_FILTERS", &c.filters)
	str("batch", "CANMON_BATCH", &c.batch)
	integer("batch-size", "CANMON_BATCH_SIZE", &c.batchSize)
	str("log-format", "CANMON_LOG_FORMAT", &c.logFormat)
	str("log-level", "CANMON_LOG_LEVEL", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		// An empty value is meaningful here: it disables the endpoint.
		if v, ok := get("CANMON_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	duration("log-metrics-interval", "CANMON_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	boolean("mdns-enable", "CANMON_MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "CANMON_MDNS_NAME", &c.mdnsName)
	return firstErr
}
