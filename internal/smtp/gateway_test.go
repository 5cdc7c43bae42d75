package smtp

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/smtp2graph/internal/config"
	"github.com/busybox42/smtp2graph/internal/ratelimit"
)

type failingStore struct{}

func (failingStore) Incr(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("store unavailable")
}

func (failingStore) Close() error { return nil }

func tcpAddr(ip string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 40000}
}

func testReceiveConfig() config.ReceiveConfig {
	return config.DefaultConfig().Receive
}

func newTestGateway(t *testing.T, cfg config.ReceiveConfig) *Gateway {
	t.Helper()
	g, err := NewGateway(cfg, ratelimit.NewMemoryStore(), nil)
	require.NoError(t, err)
	return g
}

func TestGatewayAdmitIPAllowList(t *testing.T) {
	cfg := testReceiveConfig()
	cfg.IPWhitelist = []string{"10.0.0.0/8", "192.168.1.5"}
	g := newTestGateway(t, cfg)
	ctx := context.Background()

	assert.NoError(t, g.Admit(ctx, tcpAddr("10.1.2.3")))
	assert.NoError(t, g.Admit(ctx, tcpAddr("192.168.1.5")))

	err := g.Admit(ctx, tcpAddr("203.0.113.9"))
	require.Error(t, err)
	assert.Equal(t, "554 5.7.1 IP 203.0.113.9 is not allowed to connect", err.Error())
}

func TestGatewayAdmitEmptyAllowListAdmitsAll(t *testing.T) {
	g := newTestGateway(t, testReceiveConfig())
	assert.NoError(t, g.Admit(context.Background(), tcpAddr("203.0.113.9")))
}

func TestGatewayAdmitRateLimit(t *testing.T) {
	cfg := testReceiveConfig()
	cfg.RateLimit = config.WindowConfig{Duration: 60, Limit: 10}
	g := newTestGateway(t, cfg)
	ctx := context.Background()

	var admitted, rejected int
	var last error
	for i := 0; i < 15; i++ {
		if err := g.Admit(ctx, tcpAddr("10.0.0.1")); err != nil {
			rejected++
			last = err
			continue
		}
		admitted++
	}

	assert.Equal(t, 10, admitted)
	assert.Equal(t, 5, rejected)
	require.Error(t, last)
	assert.Regexp(t, `^421 4\.7\.0 Rate limit exceeded\. Try again in \d+ seconds$`, last.Error())
}

func TestGatewayAdmitFailsOpenOnStoreError(t *testing.T) {
	g, err := NewGateway(testReceiveConfig(), failingStore{}, nil)
	require.NoError(t, err)
	assert.NoError(t, g.Admit(context.Background(), tcpAddr("10.0.0.1")))
}

func TestGatewayAuthenticate(t *testing.T) {
	cfg := testReceiveConfig()
	cfg.Users = []config.User{{Username: "app", Password: "s3cret"}}
	g := newTestGateway(t, cfg)
	ctx := context.Background()
	addr := tcpAddr("10.0.0.1")

	assert.True(t, g.AuthEnabled())
	assert.NoError(t, g.Authenticate(ctx, "app", "s3cret", addr))

	err := g.Authenticate(ctx, "app", "wrong", addr)
	require.Error(t, err)
	assert.Equal(t, "535 5.7.8 Invalid login", err.Error())

	err = g.Authenticate(ctx, "nobody", "s3cret", addr)
	require.Error(t, err)
	assert.Equal(t, "535 5.7.8 Invalid login", err.Error())
}

func TestGatewayAuthenticateThrottled(t *testing.T) {
	cfg := testReceiveConfig()
	cfg.Users = []config.User{{Username: "app", Password: "s3cret"}}
	cfg.AuthLimit = config.WindowConfig{Duration: 60, Limit: 3}
	g := newTestGateway(t, cfg)
	ctx := context.Background()
	addr := tcpAddr("10.0.0.1")

	for i := 0; i < 3; i++ {
		err := g.Authenticate(ctx, "app", "wrong", addr)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "535")
	}

	// Over budget even with the right password
	err := g.Authenticate(ctx, "app", "s3cret", addr)
	require.Error(t, err)
	assert.Regexp(t, `^454 4\.7\.0 Too many failed logins\. Try again in \d+ seconds$`, err.Error())

	// Other clients have their own window
	assert.NoError(t, g.Authenticate(ctx, "app", "s3cret", tcpAddr("10.0.0.2")))
}

func TestGatewayAuthDisabledWithoutUsers(t *testing.T) {
	g := newTestGateway(t, testReceiveConfig())
	assert.False(t, g.AuthEnabled())
}

func TestGatewayCheckSender(t *testing.T) {
	cfg := testReceiveConfig()
	cfg.AllowedFrom = []string{"noreply@example.com"}
	cfg.Users = []config.User{
		{Username: "billing", Password: "pw", AllowedFrom: []string{"billing@example.com"}},
		{Username: "plain", Password: "pw"},
	}
	g := newTestGateway(t, cfg)
	ctx := context.Background()

	tests := []struct {
		name    string
		from    string
		user    string
		allowed bool
	}{
		{"global list for anonymous", "noreply@example.com", "", true},
		{"global list is case insensitive", "NoReply@Example.com", "", true},
		{"anonymous outside global list", "other@example.com", "", false},
		{"user list wins", "billing@example.com", "billing", true},
		{"user list excludes global", "noreply@example.com", "billing", false},
		{"user without list falls back", "noreply@example.com", "plain", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.CheckSender(ctx, tt.from, tt.user)
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, `550 5.7.1 FROM "`+tt.from+`" not allowed`, err.Error())
		})
	}
}

func TestGatewayCheckSenderOpenPolicy(t *testing.T) {
	g := newTestGateway(t, testReceiveConfig())
	assert.NoError(t, g.CheckSender(context.Background(), "anyone@anywhere.test", ""))
}

func TestNewGatewayRejectsBadAllowList(t *testing.T) {
	cfg := testReceiveConfig()
	cfg.IPWhitelist = []string{"not-an-ip"}
	_, err := NewGateway(cfg, ratelimit.NewMemoryStore(), nil)
	assert.Error(t, err)
}
