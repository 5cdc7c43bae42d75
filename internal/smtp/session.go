package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/busybox42/smtp2graph/internal/logging"
	"github.com/busybox42/smtp2graph/internal/metrics"
	"github.com/busybox42/smtp2graph/internal/queue"
)

// maxCommandLine bounds a command or AUTH response line
const maxCommandLine = 4096

var (
	errLineTooLong = errors.New("line too long")
	// errDisconnect ends the session without a further reply
	errDisconnect = errors.New("connection closed")
)

// Session is one SMTP connection
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	state   *SessionState
	config  *Config
	gateway *Gateway
	storage *queue.FileStorage
	logger  *slog.Logger
	metrics *metrics.Metrics

	sessionID  string
	remoteAddr net.Addr

	// mu guards conn swaps and the shutdown flags
	mu      sync.Mutex
	closing bool
	inData  bool
}

// NewSession creates a session for an accepted connection
func NewSession(conn net.Conn, cfg *Config, gateway *Gateway, storage *queue.FileStorage, logger *slog.Logger) *Session {
	sessionID := uuid.NewString()
	logger = logging.OrDiscard(logger).With(
		"component", "smtp-session",
		"remote_addr", conn.RemoteAddr().String(),
		"session_id", sessionID,
	)

	return &Session{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		writer:     bufio.NewWriter(conn),
		state:      NewSessionState(logger),
		config:     cfg,
		gateway:    gateway,
		storage:    storage,
		logger:     logger,
		metrics:    metrics.GetMetrics(),
		sessionID:  sessionID,
		remoteAddr: conn.RemoteAddr(),
	}
}

// Handle runs the session until the client quits, the connection drops or
// the server shuts down
func (s *Session) Handle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "Session panic recovered",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("session panic: %v", r)
		}
		s.logger.InfoContext(ctx, "Session completed",
			"duration", s.state.GetDuration(),
			"messages", s.state.GetMessageCount(),
			"authenticated", s.state.IsAuthenticated(),
			"username", s.state.GetUsername(),
			"final_phase", s.state.GetPhase().String(),
		)
	}()

	if tlsConn, ok := s.conn.(*tls.Conn); ok {
		if err := s.handshake(ctx, tlsConn); err != nil {
			return err
		}
	}

	if err := s.gateway.Admit(ctx, s.remoteAddr); err != nil {
		s.writeError(ctx, err)
		return nil
	}

	if err := s.write(fmt.Sprintf("220 %s ESMTP %s", s.config.Hostname, s.config.Banner)); err != nil {
		return fmt.Errorf("failed to send greeting: %w", err)
	}

	return s.processCommands(ctx)
}

// processCommands reads and executes commands until the session ends
func (s *Session) processCommands(ctx context.Context) error {
	for {
		line, err := s.readCommand()
		if err != nil {
			return s.readFailed(ctx, err)
		}

		if err := s.processCommand(ctx, line); err != nil {
			if errors.Is(err, errDisconnect) {
				s.logger.InfoContext(ctx, "Session ended", "reason", err)
				return nil
			}
			s.writeError(ctx, err)
			if strings.HasPrefix(err.Error(), "421") {
				return nil
			}
		}

		if s.state.GetPhase() == PhaseQuit {
			return nil
		}
	}
}

// readCommand reads one command line. It fails right away once the
// server is shutting down.
func (s *Session) readCommand() (string, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return "", net.ErrClosed
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.config.CommandTimeout))
	s.mu.Unlock()

	return s.readLine()
}

// readLine reads a CRLF or LF terminated line of at most maxCommandLine bytes
func (s *Session) readLine() (string, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			if len(line) > maxCommandLine {
				tooLong = true
				line = nil
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return "", err
		}
		break
	}
	if tooLong {
		return "", errLineTooLong
	}
	return string(bytes.TrimRight(line, "\r\n")), nil
}

// readFailed turns a failed command read into the session's last reply
func (s *Session) readFailed(ctx context.Context, err error) error {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()

	var netErr net.Error
	switch {
	case closing:
		s.writeWithLog(ctx, "421 4.3.2 Service shutting down")
		return nil
	case errors.Is(err, errLineTooLong):
		s.writeWithLog(ctx, "500 5.5.2 Line too long")
		return nil
	case errors.As(err, &netErr) && netErr.Timeout():
		s.logger.InfoContext(ctx, "Session timeout")
		s.writeWithLog(ctx, "421 4.4.2 Timeout exceeded")
		return nil
	default:
		s.logger.DebugContext(ctx, "Client disconnected", "error", err)
		return nil
	}
}

// Shutdown asks the session to end. An idle session is interrupted at once;
// a session receiving a message finishes it first.
func (s *Session) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closing = true
	if !s.inData {
		_ = s.conn.SetReadDeadline(time.Now())
	}
}

func (s *Session) setInData(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inData = v
}

// write sends one reply line
func (s *Session) write(msg string) error {
	if _, err := s.writer.WriteString(msg + "\r\n"); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	return nil
}

// writeLines sends a multi-line reply
func (s *Session) writeLines(code string, lines []string) error {
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		if _, err := s.writer.WriteString(code + sep + line + "\r\n"); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	return nil
}

func (s *Session) writeWithLog(ctx context.Context, msg string) {
	if err := s.write(msg); err != nil {
		s.logger.DebugContext(ctx, "Failed to write response", "message", msg, "error", err)
	}
}

// writeError sends err as the reply when it carries an SMTP code, and a
// generic temporary failure otherwise
func (s *Session) writeError(ctx context.Context, err error) {
	msg := err.Error()
	if len(msg) >= 3 && (msg[0] == '4' || msg[0] == '5') {
		s.writeWithLog(ctx, msg)
	} else {
		s.logger.ErrorContext(ctx, "Internal error", "error", err)
		s.writeWithLog(ctx, "451 4.3.0 Internal server error")
	}

	s.logger.DebugContext(ctx, "SMTP error response sent", "response", msg)
}
