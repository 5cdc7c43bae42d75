package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the config file
const (
	EnvAppSecret     = "SMTP2GRAPH_APP_SECRET"
	EnvProxyPassword = "SMTP2GRAPH_PROXY_PASSWORD"
	EnvRedisURL      = "SMTP2GRAPH_REDIS_URL"
)

// maxConfigFileSize bounds the config file read into memory
const maxConfigFileSize = 1 << 20

// searchPaths are checked in order when no config path is given
var searchPaths = []string{
	"config.yml",
	"config.yaml",
	"config.toml",
	"/etc/smtp2graph/config.toml",
	"/etc/smtp2graph/config.yml",
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return "", fmt.Errorf("config file not found at specified path: %s", configPath)
		}
		return configPath, nil
	}

	for _, loc := range searchPaths {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", fmt.Errorf("no config file found (looked for %s)", strings.Join(searchPaths, ", "))
}

// LoadEnvFile loads KEY=value pairs from a dotenv file into the process
// environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load reads the config file at path (or the first file found in the
// default locations), applies it over DefaultConfig and then applies the
// environment overrides. The result is not validated.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	file, err := FindConfigFile(path)
	if err != nil {
		return cfg, err
	}

	info, err := os.Stat(file)
	if err != nil {
		return cfg, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return cfg, fmt.Errorf("config file too large: %d bytes (max: %d)", info.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return cfg, fmt.Errorf("unable to read config file %q: %w", file, err)
	}

	if err := Decode(data, filepath.Ext(file), &cfg); err != nil {
		return cfg, fmt.Errorf("unable to parse config file %q: %w", file, err)
	}

	applyEnv(&cfg)
	cfg.Mode = Mode(strings.ToLower(string(cfg.Mode)))

	return cfg, nil
}

// Decode unmarshals data into cfg. ext selects the format: ".toml" is TOML,
// anything else is YAML. Unknown keys are rejected.
func Decode(data []byte, ext string, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return fmt.Errorf("unknown keys: %s", strict.String())
			}
			return err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvAppSecret); v != "" {
		cfg.Send.AppReg.Secret = v
	}
	if v := os.Getenv(EnvProxyPassword); v != "" && cfg.HTTPProxy != nil {
		cfg.HTTPProxy.Password = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		cfg.RateStore.RedisURL = v
	}
}

// KeyMaterial holds the key files referenced by the config, read once at startup
type KeyMaterial struct {
	TLSKey    []byte
	TLSCert   []byte
	ClientKey []byte
}

// LoadKeyMaterial reads the TLS and client certificate key files
func LoadKeyMaterial(cfg Config) (KeyMaterial, error) {
	var km KeyMaterial
	var err error

	if cfg.TLSConfigured() {
		if km.TLSKey, err = os.ReadFile(cfg.Receive.TLSKeyPath); err != nil {
			return km, fmt.Errorf("failed to read TLS key: %w", err)
		}
		if km.TLSCert, err = os.ReadFile(cfg.Receive.TLSCertPath); err != nil {
			return km, fmt.Errorf("failed to read TLS certificate: %w", err)
		}
	}

	if c := cfg.Send.AppReg.Certificate; c != nil && c.PrivateKeyPath != "" {
		if km.ClientKey, err = os.ReadFile(c.PrivateKeyPath); err != nil {
			return km, fmt.Errorf("failed to read client certificate key: %w", err)
		}
	}

	return km, nil
}
