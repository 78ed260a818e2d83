// Package config holds the proxy's process configuration. Values come from
// Default, optionally overlaid by a YAML file, and finally by command-line
// flags in main.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/die-net/ztproxy/internal/workload"
)

type Config struct {
	// Listener addresses. Port 0 picks an ephemeral port.
	InboundAddr          string `yaml:"inbound_addr"`
	InboundPlaintextAddr string `yaml:"inbound_plaintext_addr"`
	OutboundAddr         string `yaml:"outbound_addr"`
	Socks5Addr           string `yaml:"socks5_addr"`

	// EnableOriginalSource controls source-address spoofing: nil is best
	// effort, true requires it, false disables it.
	EnableOriginalSource *bool `yaml:"enable_original_source"`

	// LocalNode is the node name of this proxy. Workloads on the same node
	// are tunneled through the local inbound listener.
	LocalNode string `yaml:"local_node"`

	DialTimeout        time.Duration `yaml:"dial_timeout"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	TCPKeepAlive       string        `yaml:"tcp_keepalive"`

	// Egress is the upstream used for destinations outside the mesh:
	// direct:// | http://host:port | https://host:port | socks5://host:port
	Egress string `yaml:"egress"`

	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	Workloads []workload.Spec `yaml:"workloads"`

	// KeepAlive is derived from TCPKeepAlive by Validate.
	KeepAlive net.KeepAliveConfig `yaml:"-"`
}

// Default returns the stock listener layout.
func Default() Config {
	return Config{
		InboundAddr:          "[::]:15008",
		InboundPlaintextAddr: "[::]:15006",
		OutboundAddr:         "127.0.0.1:15001",
		Socks5Addr:           "127.0.0.1:15080",
		DialTimeout:          10 * time.Second,
		NegotiationTimeout:   10 * time.Second,
		TCPKeepAlive:         "45:45:3",
		Egress:               "direct://",
	}
}

// Load overlays the YAML file at path onto Default. Unknown keys are
// rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks addresses and fills in derived fields.
func (c *Config) Validate() error {
	for name, addr := range map[string]string{
		"inbound_addr":           c.InboundAddr,
		"inbound_plaintext_addr": c.InboundPlaintextAddr,
		"outbound_addr":          c.OutboundAddr,
		"socks5_addr":            c.Socks5Addr,
	} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, addr, err)
		}
	}

	ka, err := ParseTCPKeepAlive(c.TCPKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid tcp_keepalive: %w", err)
	}
	c.KeepAlive = ka

	if (c.CertFile != "" || c.KeyFile != "" || c.CAFile != "") && (c.CertFile == "" || c.KeyFile == "" || c.CAFile == "") {
		return errors.New("cert_file, key_file and ca_file must be set together")
	}
	return nil
}

// TLSEnabled reports whether HBONE tunnels use mutual TLS.
func (c *Config) TLSEnabled() bool {
	return c.CertFile != ""
}

// ParseTCPKeepAlive parses on|off|keepidle:keepintvl:keepcnt (seconds,
// seconds, count).
func ParseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

// ParseTriState parses auto|true|false into nil, &true or &false.
func ParseTriState(s string) (*bool, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "auto" {
		return nil, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil, errors.New("expected auto|true|false")
	}
	return &b, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
