package smtp

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/busybox42/smtp2graph/internal/config"
	"github.com/busybox42/smtp2graph/internal/version"
)

// Default session timeouts
const (
	DefaultCommandTimeout = 5 * time.Minute
	DefaultDataTimeout    = 10 * time.Minute
)

// Config holds the settings of the SMTP listener and its sessions
type Config struct {
	ListenAddr string
	Hostname   string
	Banner     string
	MaxSize    int64

	// Secure makes the listener speak TLS from the first byte
	Secure bool
	// TLS enables STARTTLS (or implicit TLS when Secure is set); nil disables both
	TLS *tls.Config
	// AllowInsecureAuth permits AUTH on a plaintext channel when TLS is available
	AllowInsecureAuth bool
	// RequireAuth rejects MAIL until the session authenticated
	RequireAuth bool

	CommandTimeout time.Duration
	DataTimeout    time.Duration
}

// NewConfig derives the listener settings from the relay configuration and
// the key material read at startup
func NewConfig(cfg config.Config, km config.KeyMaterial) (*Config, error) {
	c := &Config{
		ListenAddr:        cfg.ListenAddr(),
		Hostname:          cfg.Receive.Hostname,
		Banner:            cfg.Receive.Banner,
		MaxSize:           cfg.MaxSize(),
		Secure:            cfg.Receive.Secure,
		AllowInsecureAuth: cfg.Receive.AllowInsecureAuth,
		RequireAuth:       cfg.Receive.RequireAuth,
	}

	if cfg.TLSConfigured() {
		tlsConfig, err := NewTLSConfig(km.TLSCert, km.TLSKey)
		if err != nil {
			return nil, err
		}
		c.TLS = tlsConfig
	}
	if c.Secure && c.TLS == nil {
		return nil, fmt.Errorf("secure listener requires a TLS key and certificate")
	}

	c.setDefaults()
	return c, nil
}

func (c *Config) setDefaults() {
	if c.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "localhost.localdomain"
		}
		c.Hostname = hostname
	}
	if c.Banner == "" {
		c.Banner = version.Banner()
	}
	if c.MaxSize <= 0 {
		c.MaxSize = config.DefaultMaxSize
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.DataTimeout <= 0 {
		c.DataTimeout = DefaultDataTimeout
	}
}

// insecureAuthAllowed reports whether AUTH may run without TLS. Without any
// TLS material there is no way to encrypt, so AUTH is always allowed.
func (c *Config) insecureAuthAllowed() bool {
	return c.TLS == nil || c.AllowInsecureAuth
}
