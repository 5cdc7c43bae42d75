package config

import (
	"fmt"
	"net"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors []ValidationError
	Valid  bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// Err returns nil for a valid result and an error listing every problem otherwise
func (vr *ValidationResult) Err() error {
	if vr.Valid {
		return nil
	}
	msgs := make([]string, 0, len(vr.Errors))
	for _, e := range vr.Errors {
		msgs = append(msgs, e.Error())
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Validate checks cfg without touching the filesystem or network
func Validate(cfg Config) *ValidationResult {
	result := &ValidationResult{Valid: true}

	switch cfg.Mode {
	case ModeFull, ModeReceive, ModeSend:
	default:
		result.AddError("mode", cfg.Mode, "must be one of full, receive, send")
	}

	if cfg.Mode.Sends() {
		validateSend(cfg.Send, result)
	}
	if cfg.Send.RetryLimit < 0 {
		result.AddError("send.retry_limit", cfg.Send.RetryLimit, "may not be negative")
	}
	if cfg.Send.RetryInterval < 1 {
		result.AddError("send.retry_interval", cfg.Send.RetryInterval, "may not be smaller than 1")
	}

	validateReceive(cfg.Receive, result)

	if cfg.HTTPProxy != nil {
		validateProxy(*cfg.HTTPProxy, result)
	}

	if cfg.Queue.Root == "" {
		result.AddError("queue.root", nil, "is required")
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		result.AddError("log.level", cfg.Log.Level, "must be debug, info, warn or error")
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		result.AddError("log.format", cfg.Log.Format, "must be text or json")
	}

	if cfg.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Metrics.ListenAddress); err != nil {
			result.AddError("metrics.listen_address", cfg.Metrics.ListenAddress, "must be host:port")
		}
	}

	switch cfg.RateStore.Backend {
	case "", "memory":
	case "redis":
		if cfg.RateStore.RedisURL == "" {
			result.AddError("rate_limit_store.redis_url", nil, "is required for the redis backend")
		}
	default:
		result.AddError("rate_limit_store.backend", cfg.RateStore.Backend, "must be memory or redis")
	}

	return result
}

func validateSend(s SendConfig, result *ValidationResult) {
	a := s.AppReg
	cert := a.Certificate
	hasCert := cert != nil && (cert.Thumbprint != "" || cert.PrivateKeyPath != "")

	if a.ID == "" {
		result.AddError("send.app_reg.id", nil, "is required")
	}
	if a.Secret == "" && !hasCert {
		result.AddError("send.app_reg.secret", nil, "a secret or a certificate is required")
	}
	if hasCert && (cert.Thumbprint == "" || cert.PrivateKeyPath == "") {
		result.AddError("send.app_reg.certificate", nil, "thumbprint and private_key_path must both be set")
	}
	if a.Tenant == "" {
		result.AddError("send.app_reg.tenant", nil, "is required")
	}
}

func validateReceive(r ReceiveConfig, result *ValidationResult) {
	if r.Port < 0 || r.Port > 65535 {
		result.AddError("receive.port", r.Port, "must be between 0 and 65535")
	}
	if r.ListenAddress != "" && net.ParseIP(r.ListenAddress) == nil {
		result.AddError("receive.listen_address", r.ListenAddress, "must be an IP address")
	}
	if r.MaxSize != "" {
		if _, err := ParseSize(r.MaxSize); err != nil {
			result.AddError("receive.max_size", r.MaxSize, "must be a number followed by k or m")
		}
	}
	if r.RequireAuth && len(r.Users) == 0 {
		result.AddError("receive.require_auth", true, "enabled without users defined")
	}
	if r.TLSKeyPath != "" && r.TLSCertPath == "" {
		result.AddError("receive.tls_key_path", r.TLSKeyPath, "is defined without tls_cert_path")
	}
	if r.TLSKeyPath == "" && r.TLSCertPath != "" {
		result.AddError("receive.tls_cert_path", r.TLSCertPath, "is defined without tls_key_path")
	}
	if r.Secure && (r.TLSKeyPath == "" || r.TLSCertPath == "") {
		result.AddError("receive.secure", true, "requires tls_key_path and tls_cert_path")
	}
	for i, entry := range r.IPWhitelist {
		if net.ParseIP(entry) == nil {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				result.AddError(fmt.Sprintf("receive.ip_whitelist[%d]", i), entry, "must be an IP address or CIDR block")
			}
		}
	}
	seen := make(map[string]bool, len(r.Users))
	for i, u := range r.Users {
		field := fmt.Sprintf("receive.users[%d]", i)
		if u.Username == "" || u.Password == "" {
			result.AddError(field, nil, "username and password are required")
		}
		if seen[u.Username] {
			result.AddError(field, u.Username, "duplicate username")
		}
		seen[u.Username] = true
	}
	validateWindow("receive.rate_limit", r.RateLimit, result)
	validateWindow("receive.auth_limit", r.AuthLimit, result)
}

func validateWindow(field string, w WindowConfig, result *ValidationResult) {
	if w.Duration <= 0 {
		result.AddError(field+".duration", w.Duration, "must be a positive number of seconds")
	}
	if w.Limit <= 0 {
		result.AddError(field+".limit", w.Limit, "must be a positive number")
	}
}

func validateProxy(p ProxyConfig, result *ValidationResult) {
	if p.Host == "" {
		result.AddError("http_proxy.host", nil, "is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		result.AddError("http_proxy.port", p.Port, "must be between 1 and 65535")
	}
	if p.Protocol != "" && p.Protocol != "http" && p.Protocol != "https" {
		result.AddError("http_proxy.protocol", p.Protocol, "should be http or https")
	}
	if p.Username != "" && p.Password == "" {
		result.AddError("http_proxy.username", p.Username, "is defined without http_proxy.password")
	}
	if p.Password != "" && p.Username == "" {
		result.AddError("http_proxy.password", nil, "is defined without http_proxy.username")
	}
}

// CheckFiles verifies that the key and certificate files named in cfg exist
func CheckFiles(cfg Config) error {
	var missing []string
	check := func(field, path string) {
		if path == "" {
			return
		}
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, fmt.Sprintf("%s %q could not be found", field, path))
		}
	}

	check("receive.tls_key_path", cfg.Receive.TLSKeyPath)
	check("receive.tls_cert_path", cfg.Receive.TLSCertPath)
	if c := cfg.Send.AppReg.Certificate; c != nil && cfg.Mode.Sends() {
		check("send.app_reg.certificate.private_key_path", c.PrivateKeyPath)
	}

	if len(missing) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(missing, "; "))
	}
	return nil
}
