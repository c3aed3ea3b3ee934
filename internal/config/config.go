// Package config loads the settings for a simulated ncpmesh cluster from the
// environment and the command line.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Discovery modes.
const (
	// ModeUDP binds node i's discovery socket on DiscoveryPort+i and announces
	// to every node's port on DiscoveryHost.
	ModeUDP = "udp"
	// ModeShared binds every node on DiscoveryPort with SO_REUSEPORT.
	ModeShared = "shared"
	// ModeInproc replaces UDP with an in-process hub.
	ModeInproc = "inproc"
)

var (
	ErrInvalidNodes = errors.New("config: node count must be positive")
	ErrInvalidPorts = errors.New("config: port range overflows")
	ErrInvalidMode  = errors.New("config: unknown discovery mode")
	ErrInvalidHost  = errors.New("config: host must be an IP literal")
)

type Config struct {
	Nodes         int
	Host          string
	BasePort      int
	DiscoveryPort int
	DiscoveryHost string
	DiscoveryMode string

	AnnounceInterval time.Duration
	DiscoveryPoll    time.Duration
	ConnectInterval  time.Duration
	DialTimeout      time.Duration
	ReadTimeout      time.Duration

	// HTTPAddr serves diagnostics and metrics. Empty disables it.
	HTTPAddr string

	EtcdEndpoints []string
	EtcdTTL       int64

	LogLevel string
}

func Default() Config {
	return Config{
		Nodes:            1,
		Host:             "127.0.0.1",
		BasePort:         5003,
		DiscoveryPort:    5002,
		DiscoveryHost:    "255.255.255.255",
		DiscoveryMode:    ModeUDP,
		AnnounceInterval: 2 * time.Second,
		DiscoveryPoll:    time.Second,
		ConnectInterval:  5 * time.Second,
		DialTimeout:      3 * time.Second,
		HTTPAddr:         ":8080",
		EtcdTTL:          10,
		LogLevel:         "info",
	}
}

// Load starts from Default, applies NCP_* variables from getenv and then the
// flags in args. A single positional argument sets the node count.
func Load(args []string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("ncpmesh", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&cfg.Nodes, "nodes", cfg.Nodes, "number of nodes to simulate")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "IP the nodes listen on")
	fs.IntVar(&cfg.BasePort, "base-port", cfg.BasePort, "TCP port of node 0")
	fs.IntVar(&cfg.DiscoveryPort, "discovery-port", cfg.DiscoveryPort, "UDP discovery port")
	fs.StringVar(&cfg.DiscoveryHost, "discovery-host", cfg.DiscoveryHost, "announce destination")
	fs.StringVar(&cfg.DiscoveryMode, "discovery", cfg.DiscoveryMode, "udp, shared or inproc")
	fs.DurationVar(&cfg.AnnounceInterval, "announce-interval", cfg.AnnounceInterval, "announcement period")
	fs.DurationVar(&cfg.DiscoveryPoll, "discovery-poll", cfg.DiscoveryPoll, "discovery receive window")
	fs.DurationVar(&cfg.ConnectInterval, "connect-interval", cfg.ConnectInterval, "outbound connect period")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "TCP connect timeout")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "per-frame read timeout, 0 disables")
	fs.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "diagnostics listen address")
	etcd := fs.String("etcd", strings.Join(cfg.EtcdEndpoints, ","), "comma separated etcd endpoints")
	fs.Int64Var(&cfg.EtcdTTL, "etcd-ttl", cfg.EtcdTTL, "etcd lease TTL in seconds")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.EtcdEndpoints = splitList(*etcd)

	switch fs.NArg() {
	case 0:
	case 1:
		n, err := strconv.Atoi(fs.Arg(0))
		if err != nil {
			return Config{}, fmt.Errorf("node count %q: %w", fs.Arg(0), err)
		}
		cfg.Nodes = n
	default:
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args()[1:])
	}

	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	ints := map[string]*int{
		"NCP_NODES":          &c.Nodes,
		"NCP_BASE_PORT":      &c.BasePort,
		"NCP_DISCOVERY_PORT": &c.DiscoveryPort,
	}
	for key, dst := range ints {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}
	durations := map[string]*time.Duration{
		"NCP_ANNOUNCE_INTERVAL": &c.AnnounceInterval,
		"NCP_DISCOVERY_POLL":    &c.DiscoveryPoll,
		"NCP_CONNECT_INTERVAL":  &c.ConnectInterval,
		"NCP_DIAL_TIMEOUT":      &c.DialTimeout,
		"NCP_READ_TIMEOUT":      &c.ReadTimeout,
	}
	for key, dst := range durations {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	strs := map[string]*string{
		"NCP_HOST":           &c.Host,
		"NCP_DISCOVERY_HOST": &c.DiscoveryHost,
		"NCP_DISCOVERY_MODE": &c.DiscoveryMode,
		"NCP_HTTP_ADDR":      &c.HTTPAddr,
		"NCP_LOG_LEVEL":      &c.LogLevel,
	}
	for key, dst := range strs {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	if v := getenv("NCP_ETCD_ENDPOINTS"); v != "" {
		c.EtcdEndpoints = splitList(v)
	}
	if v := getenv("NCP_ETCD_TTL"); v != "" {
		ttl, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("NCP_ETCD_TTL: %w", err)
		}
		c.EtcdTTL = ttl
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c Config) Validate() error {
	if c.Nodes <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidNodes, c.Nodes)
	}
	if c.Nodes > 1<<16 {
		return fmt.Errorf("%w: %d nodes exceed the sender id space", ErrInvalidNodes, c.Nodes)
	}
	if c.BasePort <= 0 || c.BasePort+c.Nodes-1 > 65535 {
		return fmt.Errorf("%w: tcp %d+%d", ErrInvalidPorts, c.BasePort, c.Nodes)
	}
	span := 1
	if c.DiscoveryMode == ModeUDP {
		span = c.Nodes
	}
	if c.DiscoveryPort <= 0 || c.DiscoveryPort+span-1 > 65535 {
		return fmt.Errorf("%w: udp %d+%d", ErrInvalidPorts, c.DiscoveryPort, span)
	}
	switch c.DiscoveryMode {
	case ModeUDP, ModeShared, ModeInproc:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.DiscoveryMode)
	}
	if _, err := netip.ParseAddr(c.Host); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidHost, c.Host)
	}
	if c.DiscoveryMode != ModeInproc {
		if _, err := netip.ParseAddr(c.DiscoveryHost); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidHost, c.DiscoveryHost)
		}
	}
	return nil
}

// NodeAddr is the TCP listen address of node i.
func (c Config) NodeAddr(i int) string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.BasePort+i))
}

// DiscoveryBindAddr is where node i receives announcements.
func (c Config) DiscoveryBindAddr(i int) string {
	port := c.DiscoveryPort
	if c.DiscoveryMode == ModeUDP {
		port += i
	}
	return net.JoinHostPort("", strconv.Itoa(port))
}

// AnnounceTargets lists the destinations of every announcement. Per-node ports
// only affect where datagrams go, never what they carry.
func (c Config) AnnounceTargets() []netip.AddrPort {
	host := netip.MustParseAddr(c.DiscoveryHost)
	if c.DiscoveryMode != ModeUDP {
		return []netip.AddrPort{netip.AddrPortFrom(host, uint16(c.DiscoveryPort))}
	}
	out := make([]netip.AddrPort, 0, c.Nodes)
	for i := range c.Nodes {
		out = append(out, netip.AddrPortFrom(host, uint16(c.DiscoveryPort+i)))
	}
	return out
}
