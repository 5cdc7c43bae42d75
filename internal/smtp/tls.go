package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"time"
)

// handshakeTimeout bounds the TLS handshake of STARTTLS and implicit TLS
const handshakeTimeout = 10 * time.Second

// NewTLSConfig builds the server TLS configuration from PEM encoded
// certificate and key material
func NewTLSConfig(certPEM, keyPEM []byte) (*tls.Config, error) {
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		return nil, fmt.Errorf("TLS requires both a certificate and a key")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.NoClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// serverHandshake completes the server side of a TLS handshake on conn
func serverHandshake(conn *tls.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return fmt.Errorf("failed to set deadline for TLS handshake: %w", err)
	}
	if err := conn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("failed to reset deadline after TLS handshake: %w", err)
	}
	return nil
}

// handshake finishes implicit TLS for a connection accepted on a secure listener
func (s *Session) handshake(ctx context.Context, conn *tls.Conn) error {
	if err := serverHandshake(conn); err != nil {
		s.metrics.TLSHandshakeFailures.Inc()
		s.logger.WarnContext(ctx, "TLS handshake failed", "error", err)
		return err
	}
	s.metrics.TLSConnections.Inc()
	s.state.SetTLSActive()
	return nil
}

// handleSTARTTLS upgrades the connection in place. Anything the client
// pipelined after STARTTLS is discarded with the old reader.
func (s *Session) handleSTARTTLS(ctx context.Context, args string) error {
	if s.config.TLS == nil {
		return fmt.Errorf("454 4.7.0 TLS not available")
	}
	if s.state.IsTLSActive() {
		return fmt.Errorf("503 5.5.1 TLS already active")
	}
	if args != "" {
		return fmt.Errorf("501 5.5.4 Syntax: STARTTLS")
	}

	if err := s.write("220 2.0.0 Ready to start TLS"); err != nil {
		return fmt.Errorf("%w: %v", errDisconnect, err)
	}

	s.mu.Lock()
	tlsConn := tls.Server(s.conn, s.config.TLS)
	s.mu.Unlock()

	if err := serverHandshake(tlsConn); err != nil {
		s.metrics.TLSHandshakeFailures.Inc()
		s.logger.WarnContext(ctx, "Failed to upgrade connection to TLS", "error", err)
		return fmt.Errorf("%w: %v", errDisconnect, err)
	}

	s.mu.Lock()
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.mu.Unlock()

	s.state.ResetForTLS(ctx)
	s.metrics.TLSConnections.Inc()
	s.logger.InfoContext(ctx, "TLS connection established",
		"version", tls.VersionName(tlsConn.ConnectionState().Version),
	)
	return nil
}
