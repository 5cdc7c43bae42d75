package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Mode selects which halves of the relay run in this process
type Mode string

const (
	// ModeFull receives over SMTP and delivers through the Graph API
	ModeFull Mode = "full"
	// ModeReceive only accepts mail and leaves it in the queue
	ModeReceive Mode = "receive"
	// ModeSend only drains the queue
	ModeSend Mode = "send"
)

// Receives reports whether the SMTP gateway runs in this mode
func (m Mode) Receives() bool {
	return m == ModeFull || m == ModeReceive
}

// Sends reports whether the queue processor and dispatcher run in this mode
func (m Mode) Sends() bool {
	return m == ModeFull || m == ModeSend
}

const (
	// DefaultMaxSize is used when receive.max_size is not configured (100 MiB)
	DefaultMaxSize int64 = 100 * 1024 * 1024
	// DefaultPort is the SMTP port used when receive.port is not configured
	DefaultPort = 25
	// GraphScope is the OAuth2 scope requested for the Graph API
	GraphScope = "https://graph.microsoft.com/.default"

	loginHost = "https://login.microsoftonline.com"
)

// Config is the complete relay configuration. It is built once at startup
// and handed by value to the components that need a part of it.
type Config struct {
	Mode      Mode            `toml:"mode" yaml:"mode"`
	Send      SendConfig      `toml:"send" yaml:"send"`
	Receive   ReceiveConfig   `toml:"receive" yaml:"receive"`
	HTTPProxy *ProxyConfig    `toml:"http_proxy" yaml:"httpProxy"`
	Queue     QueueConfig     `toml:"queue" yaml:"queue"`
	Log       LogConfig       `toml:"log" yaml:"log"`
	Metrics   MetricsConfig   `toml:"metrics" yaml:"metrics"`
	RateStore RateStoreConfig `toml:"rate_limit_store" yaml:"rateLimitStore"`
}

// SendConfig holds the outbound (Graph API) settings
type SendConfig struct {
	AppReg AppRegConfig `toml:"app_reg" yaml:"appReg"`
	// RetryLimit is the number of times a transiently failed message is retried; 0 disables retrying
	RetryLimit int `toml:"retry_limit" yaml:"retryLimit"`
	// RetryInterval is the number of minutes between tries
	RetryInterval int `toml:"retry_interval" yaml:"retryInterval"`
	// ForceMailbox, when set, is used as the sending mailbox for every message
	ForceMailbox string `toml:"force_mailbox" yaml:"forceMailbox"`
}

// AppRegConfig identifies the Entra ID application registration
type AppRegConfig struct {
	// Tenant is either the tenant name (the part before .onmicrosoft.com) or the tenant GUID
	Tenant      string             `toml:"tenant" yaml:"tenant"`
	ID          string             `toml:"id" yaml:"id"`
	Secret      string             `toml:"secret" yaml:"secret"`
	Certificate *CertificateConfig `toml:"certificate" yaml:"certificate"`
}

// CertificateConfig is a client certificate credential
type CertificateConfig struct {
	Thumbprint     string `toml:"thumbprint" yaml:"thumbprint"`
	PrivateKeyPath string `toml:"private_key_path" yaml:"privateKeyPath"`
}

// ReceiveConfig holds the SMTP gateway settings
type ReceiveConfig struct {
	Port              int          `toml:"port" yaml:"port"`
	ListenAddress     string       `toml:"listen_address" yaml:"listenAddress"`
	Hostname          string       `toml:"hostname" yaml:"hostname"`
	Secure            bool         `toml:"secure" yaml:"secure"`
	TLSKeyPath        string       `toml:"tls_key_path" yaml:"tlsKeyPath"`
	TLSCertPath       string       `toml:"tls_cert_path" yaml:"tlsCertPath"`
	MaxSize           string       `toml:"max_size" yaml:"maxSize"`
	Banner            string       `toml:"banner" yaml:"banner"`
	IPWhitelist       []string     `toml:"ip_whitelist" yaml:"ipWhitelist"`
	AllowedFrom       []string     `toml:"allowed_from" yaml:"allowedFrom"`
	AllowInsecureAuth bool         `toml:"allow_insecure_auth" yaml:"allowInsecureAuth"`
	RequireAuth       bool         `toml:"require_auth" yaml:"requireAuth"`
	Users             []User       `toml:"users" yaml:"users"`
	RateLimit         WindowConfig `toml:"rate_limit" yaml:"rateLimit"`
	AuthLimit         WindowConfig `toml:"auth_limit" yaml:"authLimit"`
}

// User is an SMTP login. Password may be plaintext or a bcrypt hash.
type User struct {
	Username    string   `toml:"username" yaml:"username"`
	Password    string   `toml:"password" yaml:"password"`
	AllowedFrom []string `toml:"allowed_from" yaml:"allowedFrom"`
}

// WindowConfig is a fixed rate window: Limit points per Duration seconds
type WindowConfig struct {
	Duration int `toml:"duration" yaml:"duration"`
	Limit    int `toml:"limit" yaml:"limit"`
}

// Window returns the window length as a time.Duration
func (w WindowConfig) Window() time.Duration {
	return time.Duration(w.Duration) * time.Second
}

// ProxyConfig is a forward HTTP proxy used for all outbound HTTP
type ProxyConfig struct {
	Host     string `toml:"host" yaml:"host"`
	Port     int    `toml:"port" yaml:"port"`
	Protocol string `toml:"protocol" yaml:"protocol"`
	Username string `toml:"username" yaml:"username"`
	Password string `toml:"password" yaml:"password"`
}

// QueueConfig locates the queue root holding temp/, queue/ and failed/
type QueueConfig struct {
	Root string `toml:"root" yaml:"root"`
}

// LogConfig controls the slog handler
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
	Dir    string `toml:"dir" yaml:"dir"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled       bool   `toml:"enabled" yaml:"enabled"`
	ListenAddress string `toml:"listen_address" yaml:"listenAddress"`
}

// RateStoreConfig selects where rate windows are counted
type RateStoreConfig struct {
	Backend   string `toml:"backend" yaml:"backend"`
	RedisURL  string `toml:"redis_url" yaml:"redisUrl"`
	KeyPrefix string `toml:"key_prefix" yaml:"keyPrefix"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Mode: ModeFull,
		Send: SendConfig{
			RetryLimit:    3,
			RetryInterval: 5,
		},
		Receive: ReceiveConfig{
			Port:      DefaultPort,
			RateLimit: WindowConfig{Duration: 600, Limit: 10000},
			AuthLimit: WindowConfig{Duration: 60, Limit: 10},
		},
		Queue: QueueConfig{Root: "mailroot"},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{ListenAddress: "127.0.0.1:9464"},
		RateStore: RateStoreConfig{
			Backend:   "memory",
			KeyPrefix: "smtp2graph:ratelimit:",
		},
	}
}

var (
	sizePattern = regexp.MustCompile(`(?i)^(\d+)([km])$`)
	guidPattern = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

// ParseSize parses a size such as "512k" or "25m" into bytes
func ParseSize(s string) (int64, error) {
	m := sizePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid size %q: expected a number followed by k or m", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if strings.EqualFold(m[2], "k") {
		return n * 1024, nil
	}
	return n * 1024 * 1024, nil
}

// MaxSize returns the maximum accepted message size in bytes
func (c Config) MaxSize() int64 {
	if c.Receive.MaxSize == "" {
		return DefaultMaxSize
	}
	n, err := ParseSize(c.Receive.MaxSize)
	if err != nil {
		return DefaultMaxSize
	}
	return n
}

// ListenAddr returns the host:port the SMTP gateway binds to
func (c Config) ListenAddr() string {
	port := c.Receive.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Receive.ListenAddress, strconv.Itoa(port))
}

// TLSConfigured reports whether both a TLS key and certificate were supplied
func (c Config) TLSConfigured() bool {
	return c.Receive.TLSKeyPath != "" && c.Receive.TLSCertPath != ""
}

// Authority returns the Entra ID authority URL for the configured tenant
func (c Config) Authority() string {
	tenant := c.Send.AppReg.Tenant
	if guidPattern.MatchString(tenant) {
		return loginHost + "/" + tenant
	}
	return loginHost + "/" + tenant + ".onmicrosoft.com"
}

// TokenURL returns the OAuth2 v2 token endpoint of the authority
func (c Config) TokenURL() string {
	return c.Authority() + "/oauth2/v2.0/token"
}

// HasCredential reports whether an application credential is configured
func (c Config) HasCredential() bool {
	a := c.Send.AppReg
	if a.ID == "" {
		return false
	}
	return a.Secret != "" || (a.Certificate != nil && a.Certificate.Thumbprint != "" && a.Certificate.PrivateKeyPath != "")
}

// ProxyURL returns the forward proxy URL, or nil when no proxy is configured
func (c Config) ProxyURL() *url.URL {
	p := c.HTTPProxy
	if p == nil || p.Host == "" || p.Port == 0 {
		return nil
	}
	scheme := p.Protocol
	if scheme == "" {
		scheme = "http"
	}
	u := &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
	}
	if p.Username != "" && p.Password != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// RetryInterval returns send.retry_interval as a duration
func (c Config) RetryInterval() time.Duration {
	return time.Duration(c.Send.RetryInterval) * time.Minute
}
