package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/busybox42/smtp2graph/internal/logging"
	"github.com/busybox42/smtp2graph/internal/metrics"
	"github.com/busybox42/smtp2graph/internal/queue"
)

// Server accepts SMTP connections and runs a session for each
type Server struct {
	config  *Config
	gateway *Gateway
	storage *queue.FileStorage
	logger  *slog.Logger
	metrics *metrics.Metrics

	listener net.Listener
	errGroup *errgroup.Group
	ctx      context.Context

	mu           sync.Mutex
	running      bool
	sessions     map[*Session]struct{}
	shutdownOnce sync.Once
}

// NewServer creates a new SMTP server
func NewServer(cfg *Config, gateway *Gateway, storage *queue.FileStorage, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if gateway == nil || storage == nil {
		return nil, fmt.Errorf("gateway and storage are required")
	}
	cfg.setDefaults()

	return &Server{
		config:   cfg,
		gateway:  gateway,
		storage:  storage,
		logger:   logging.OrDiscard(logger).With("component", "smtp-server"),
		metrics:  metrics.GetMetrics(),
		errGroup: new(errgroup.Group),
		ctx:      context.Background(),
		sessions: make(map[*Session]struct{}),
	}, nil
}

// Start opens the listener and begins accepting connections
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	if s.config.Secure {
		listener = tls.NewListener(listener, s.config.TLS)
	}

	s.listener = listener
	s.running = true

	s.logger.Info("SMTP server started",
		"listen_addr", listener.Addr().String(),
		"secure", s.config.Secure,
		"starttls", s.config.TLS != nil && !s.config.Secure,
		"max_size", s.config.MaxSize,
	)

	s.errGroup.Go(s.acceptConnections)
	return nil
}

// Addr returns the address the server listens on
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// acceptConnections runs until the listener is closed
func (s *Server) acceptConnections() error {
	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.isRunning() || errors.Is(err, net.ErrClosed) {
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			// Temporary failures such as EMFILE: back off and retry
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Error("Failed to accept connection", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		session := NewSession(conn, s.config, s.gateway, s.storage, s.logger)
		if !s.track(session) {
			conn.Close()
			return nil
		}

		s.errGroup.Go(func() error {
			defer s.untrack(session)
			defer conn.Close()

			err := s.metrics.TrackConnectionDuration(func() error {
				return session.Handle(s.ctx)
			})
			if err != nil {
				s.logger.Warn("Session error", "remote_addr", conn.RemoteAddr().String(), "error", err)
			}
			return nil
		})
	}
}

func (s *Server) track(session *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.sessions[session] = struct{}{}
	return true
}

func (s *Server) untrack(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, session)
}

// Close stops accepting connections and asks open sessions to end. Sessions
// in the middle of a message finish it first; use Wait to block until all
// sessions are gone.
func (s *Server) Close() error {
	var closeErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.running = false
		listener := s.listener
		sessions := make([]*Session, 0, len(s.sessions))
		for session := range s.sessions {
			sessions = append(sessions, session)
		}
		s.mu.Unlock()

		s.logger.Info("Initiating graceful server shutdown", "open_sessions", len(sessions))

		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				closeErr = err
			}
		}
		for _, session := range sessions {
			session.Shutdown()
		}
	})

	return closeErr
}

// Wait waits for the accept loop and every session to finish
func (s *Server) Wait() error {
	return s.errGroup.Wait()
}
