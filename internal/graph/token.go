package graph

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/busybox42/smtp2graph/internal/config"
	"github.com/busybox42/smtp2graph/internal/logging"
	"github.com/busybox42/smtp2graph/internal/metrics"
)

const (
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	assertionLifetime   = 10 * time.Minute
	tokenTimeout        = 10 * time.Second
)

// TokenSource hands out bearer tokens for the Graph API
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(token string)
}

// Credentials identify the application registration. Either Secret or
// Thumbprint plus PrivateKey (PEM) must be set.
type Credentials struct {
	TokenURL   string
	ClientID   string
	Secret     string
	Thumbprint string
	PrivateKey []byte
}

// CredentialsFromConfig collects the credential fields from cfg and the key material
func CredentialsFromConfig(cfg config.Config, km config.KeyMaterial) Credentials {
	c := Credentials{
		TokenURL: cfg.TokenURL(),
		ClientID: cfg.Send.AppReg.ID,
		Secret:   cfg.Send.AppReg.Secret,
	}
	if cert := cfg.Send.AppReg.Certificate; cert != nil {
		c.Thumbprint = cert.Thumbprint
		c.PrivateKey = km.ClientKey
	}
	return c
}

// TokenCache acquires client-credential tokens and reuses them until they
// expire or are invalidated. Concurrent callers share one in-flight request.
type TokenCache struct {
	creds      Credentials
	client     *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	signingKey *rsa.PrivateKey
	x5t        string

	group singleflight.Group

	mu    sync.Mutex
	token *oauth2.Token
}

// NewTokenCache prepares a cache for creds. A cache without usable
// credentials is valid; its Token method fails with ErrNoCredentials.
func NewTokenCache(creds Credentials, client *http.Client, logger *slog.Logger) (*TokenCache, error) {
	if client == nil {
		client = http.DefaultClient
	}

	c := &TokenCache{
		creds:   creds,
		client:  client,
		logger:  logging.OrDiscard(logger).With("component", "token-cache"),
		metrics: metrics.GetMetrics(),
	}

	if creds.Secret == "" && creds.Thumbprint != "" && len(creds.PrivateKey) > 0 {
		key, err := jwt.ParseRSAPrivateKeyFromPEM(creds.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse client certificate key: %w", err)
		}
		thumb, err := hex.DecodeString(strings.ReplaceAll(creds.Thumbprint, ":", ""))
		if err != nil {
			return nil, fmt.Errorf("invalid certificate thumbprint: %w", err)
		}
		c.signingKey = key
		c.x5t = base64.RawURLEncoding.EncodeToString(thumb)
	}

	return c, nil
}

func (c *TokenCache) configured() bool {
	return c.creds.ClientID != "" && (c.creds.Secret != "" || c.signingKey != nil)
}

func (c *TokenCache) cached() *oauth2.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token.Valid() {
		return c.token
	}
	return nil
}

// Token returns a valid access token, fetching one if needed
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if !c.configured() {
		return "", &UnrecoverableError{Err: ErrNoCredentials}
	}

	if tok := c.cached(); tok != nil {
		return tok.AccessToken, nil
	}

	v, err, _ := c.group.Do("token", func() (interface{}, error) {
		if tok := c.cached(); tok != nil {
			return tok, nil
		}

		tok, err := c.fetch(ctx)
		if err != nil {
			c.metrics.TokenFetches.WithLabelValues("error").Inc()
			return nil, err
		}
		c.metrics.TokenFetches.WithLabelValues("success").Inc()

		c.mu.Lock()
		c.token = tok
		c.mu.Unlock()

		c.logger.DebugContext(ctx, "Acquired access token", "expiry", tok.Expiry)
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(*oauth2.Token).AccessToken, nil
}

// Invalidate drops token from the cache if it is still the cached one
func (c *TokenCache) Invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil && c.token.AccessToken == token {
		c.token = nil
	}
}

func (c *TokenCache) fetch(ctx context.Context) (*oauth2.Token, error) {
	cc := &clientcredentials.Config{
		ClientID:  c.creds.ClientID,
		TokenURL:  c.creds.TokenURL,
		Scopes:    []string{config.GraphScope},
		AuthStyle: oauth2.AuthStyleInParams,
	}

	if c.creds.Secret != "" {
		cc.ClientSecret = c.creds.Secret
	} else {
		assertion, err := c.assertion()
		if err != nil {
			return nil, &UnrecoverableError{Err: err}
		}
		cc.EndpointParams = url.Values{
			"client_assertion_type": {clientAssertionType},
			"client_assertion":      {assertion},
		}
	}

	ctx, cancel := context.WithTimeout(context.WithValue(ctx, oauth2.HTTPClient, c.client), tokenTimeout)
	defer cancel()

	tok, err := cc.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("client credentials token failed: %w", err)
	}
	return tok, nil
}

// assertion builds the signed JWT used instead of a client secret
func (c *TokenCache) assertion() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{c.creds.TokenURL},
		Issuer:    c.creds.ClientID,
		Subject:   c.creds.ClientID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["x5t"] = c.x5t

	signed, err := tok.SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("unable to sign client assertion: %w", err)
	}
	return signed, nil
}
