// Package smtp implements the SMTP side of the relay: connection admission,
// the session state machine and the composition of queued message files.
package smtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/busybox42/smtp2graph/internal/access"
	"github.com/busybox42/smtp2graph/internal/config"
	"github.com/busybox42/smtp2graph/internal/logging"
	"github.com/busybox42/smtp2graph/internal/metrics"
	"github.com/busybox42/smtp2graph/internal/ratelimit"
)

// Gateway holds the admission policy shared by every session
type Gateway struct {
	ips       *access.IPList
	senders   *access.SenderPolicy
	users     *access.Users
	connLimit *ratelimit.Limiter
	authLimit *ratelimit.Limiter
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewGateway builds the admission policy from the receive settings. store
// backs both the connection and the authentication windows.
func NewGateway(cfg config.ReceiveConfig, store ratelimit.Store, logger *slog.Logger) (*Gateway, error) {
	ips, err := access.NewIPList(cfg.IPWhitelist)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		ips:       ips,
		senders:   access.NewSenderPolicy(cfg.AllowedFrom, cfg.Users),
		users:     access.NewUsers(cfg.Users),
		connLimit: ratelimit.New("connection", store, cfg.RateLimit.Limit, cfg.RateLimit.Window()),
		authLimit: ratelimit.New("auth", store, cfg.AuthLimit.Limit, cfg.AuthLimit.Window()),
		logger:    logging.OrDiscard(logger).With("component", "smtp-gateway"),
		metrics:   metrics.GetMetrics(),
	}, nil
}

// AuthEnabled reports whether any SMTP users are configured
func (g *Gateway) AuthEnabled() bool {
	return g.users.Len() > 0
}

// Admit decides whether a new connection from addr may proceed. The
// returned error is the SMTP reply to send before closing.
func (g *Gateway) Admit(ctx context.Context, addr net.Addr) error {
	if !g.ips.AllowedAddr(addr) {
		g.metrics.ConnectionsRejected.WithLabelValues("ip").Inc()
		g.logger.WarnContext(ctx, "Connection rejected by IP allow-list", "remote_addr", addr.String())
		return fmt.Errorf("554 5.7.1 IP %s is not allowed to connect", hostOf(addr))
	}

	if err := g.connLimit.Consume(ctx, ratelimit.GlobalKey); err != nil {
		var limited *ratelimit.LimitedError
		if errors.As(err, &limited) {
			g.metrics.ConnectionsRejected.WithLabelValues("rate").Inc()
			g.logger.WarnContext(ctx, "Connection rate limit exceeded",
				"remote_addr", addr.String(),
				"retry_after", limited.RetryAfter,
			)
			return fmt.Errorf("421 4.7.0 Rate limit exceeded. Try again in %d seconds", limited.Seconds())
		}
		// The window store is unreachable; admit rather than refuse all mail
		g.logger.ErrorContext(ctx, "Rate limit store failed, admitting connection", "error", err)
	}

	return nil
}

// Authenticate checks a login from addr. A point is taken from the
// address's auth window before the credentials are looked at, so a client
// over its budget is refused even with the right password.
func (g *Gateway) Authenticate(ctx context.Context, username, password string, addr net.Addr) error {
	if err := g.authLimit.Consume(ctx, hostOf(addr)); err != nil {
		var limited *ratelimit.LimitedError
		if errors.As(err, &limited) {
			g.metrics.AuthAttempts.WithLabelValues("limited").Inc()
			g.logger.WarnContext(ctx, "Authentication rate limit exceeded",
				"remote_addr", addr.String(),
				"retry_after", limited.RetryAfter,
			)
			return fmt.Errorf("454 4.7.0 Too many failed logins. Try again in %d seconds", limited.Seconds())
		}
		g.logger.ErrorContext(ctx, "Rate limit store failed, checking credentials anyway", "error", err)
	}

	if username == "" || password == "" || !g.users.Verify(username, password) {
		g.metrics.AuthAttempts.WithLabelValues("failure").Inc()
		g.logger.WarnContext(ctx, "Authentication failed",
			"remote_addr", addr.String(),
			"username", username,
		)
		return fmt.Errorf("535 5.7.8 Invalid login")
	}

	g.metrics.AuthAttempts.WithLabelValues("success").Inc()
	return nil
}

// CheckSender decides whether user (empty when not authenticated) may send
// as from
func (g *Gateway) CheckSender(ctx context.Context, from, user string) error {
	if g.senders.Allowed(from, user) {
		return nil
	}
	g.metrics.MessagesRejected.WithLabelValues("sender").Inc()
	g.logger.WarnContext(ctx, "Sender not allowed", "mail_from", from, "username", user)
	return fmt.Errorf("550 5.7.1 FROM %q not allowed", from)
}

func hostOf(addr net.Addr) string {
	if ip := access.AddrIP(addr); ip != nil {
		return ip.String()
	}
	if addr == nil {
		return ""
	}
	return addr.String()
}
