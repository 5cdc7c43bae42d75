package smtp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/busybox42/smtp2graph/internal/queue"
)

// maxHeaderSize bounds the header section held in memory while it is rewritten
const maxHeaderSize = 1 << 20

var (
	errMessageTooLarge = errors.New("552 5.3.4 Message exceeds fixed maximum message size")
	errHeaderTooLarge  = errors.New("552 5.3.4 Message header section too large")
	errStoreFailed     = errors.New("451 4.3.0 Failed to store message")
)

// messageWriter receives the unstuffed lines of a message. It holds the
// header section back until it is complete, adds the trace, From and Bcc
// headers and streams the body straight to out. Once the size limit is
// exceeded it discards everything.
type messageWriter struct {
	out     *bufio.Writer
	maxSize int64

	received string
	from     string
	rcpts    []string

	size           int64
	exceeded       bool
	headerTooLarge bool
	inHeaders      bool
	header         bytes.Buffer
	err            error
}

func newMessageWriter(out *bufio.Writer, maxSize int64, received, from string, rcpts []string) *messageWriter {
	return &messageWriter{
		out:       out,
		maxSize:   maxSize,
		received:  received,
		from:      from,
		rcpts:     rcpts,
		inHeaders: true,
	}
}

// writeLine takes one line or, for overlong lines, a fragment of one.
// lineStart is set when chunk begins a line.
func (m *messageWriter) writeLine(chunk []byte, lineStart bool) {
	m.size += int64(len(chunk))
	if m.size > m.maxSize {
		m.exceeded = true
	}
	if m.exceeded || m.headerTooLarge || m.err != nil {
		return
	}

	if m.inHeaders {
		if lineStart {
			if isBlankLine(chunk) {
				m.endHeaders()
				return
			}
			if !isHeaderLine(chunk) {
				m.endHeaders()
			}
		}
		if m.inHeaders {
			if m.header.Len()+len(chunk) > maxHeaderSize {
				m.headerTooLarge = true
				return
			}
			m.header.Write(chunk)
			return
		}
	}

	m.write(chunk)
}

// endHeaders writes the rewritten header section and the blank line
// separating it from the body
func (m *messageWriter) endHeaders() {
	m.inHeaders = false

	raw := m.header.Bytes()
	if len(raw) > 0 && !bytes.HasSuffix(raw, []byte("\n")) {
		raw = append(raw, '\r', '\n')
	}

	m.write([]byte(m.received + "\r\n"))
	m.write(raw)
	for _, h := range missingHeaders(parseHeaderFields(raw), m.from, m.rcpts) {
		m.write([]byte(h + "\r\n"))
	}
	m.write([]byte("\r\n"))
}

// finish completes a message whose data ended inside the header section
func (m *messageWriter) finish() error {
	if m.exceeded {
		return errMessageTooLarge
	}
	if m.headerTooLarge {
		return errHeaderTooLarge
	}
	if m.inHeaders {
		m.endHeaders()
	}
	if m.err != nil {
		return m.err
	}
	return m.out.Flush()
}

func (m *messageWriter) write(p []byte) {
	if m.err != nil {
		return
	}
	_, m.err = m.out.Write(p)
}

func isBlankLine(line []byte) bool {
	return len(bytes.TrimRight(line, "\r\n")) == 0
}

// handleDATA processes the DATA command and the message that follows it
func (s *Session) handleDATA(ctx context.Context) error {
	from := s.state.GetMailFrom()
	rcpts := s.state.GetRecipients()

	if from == "" {
		s.metrics.MessagesRejected.WithLabelValues("no_sender").Inc()
		return fmt.Errorf("550 5.1.7 Missing FROM")
	}
	if len(rcpts) == 0 {
		return fmt.Errorf("554 5.5.1 No valid recipients")
	}

	if err := s.state.SetPhase(ctx, PhaseData); err != nil {
		return fmt.Errorf("503 5.5.1 Bad sequence of commands")
	}
	if err := s.write("354 End data with <CR><LF>.<CR><LF>"); err != nil {
		return fmt.Errorf("%w: %v", errDisconnect, err)
	}

	s.setInData(true)
	id, size, err := s.receiveMessage(ctx, from, rcpts)
	s.setInData(false)
	s.state.Reset(ctx)

	if err != nil {
		return err
	}

	s.state.IncrementMessageCount()
	s.metrics.MessagesReceived.Inc()
	s.metrics.MessageSize.Observe(float64(size))
	s.logger.InfoContext(ctx, "Message queued",
		"message_id", id,
		"mail_from", from,
		"recipients", len(rcpts),
		"size", size,
		"username", s.state.GetUsername(),
	)

	return s.write("250 2.0.0 Ok: queued as " + id)
}

// receiveMessage streams the message into a temp file and hands it to the
// queue. The temp file never survives a failed transfer.
func (s *Session) receiveMessage(ctx context.Context, from string, rcpts []string) (string, int64, error) {
	f, err := s.storage.CreateTemp()
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to create message file", "error", err)
		if derr := s.discardData(); derr != nil {
			return "", 0, fmt.Errorf("%w: %v", errDisconnect, derr)
		}
		return "", 0, errStoreFailed
	}

	tmpPath := f.Name()
	id := strings.TrimSuffix(filepath.Base(tmpPath), queue.MessageExt)
	keep := false
	defer func() {
		if !keep {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	received := receivedHeader(
		s.heloName(),
		hostOf(s.remoteAddr),
		s.config.Hostname,
		s.protocol(),
		id,
		rcpts,
		time.Now(),
	)
	mw := newMessageWriter(bufio.NewWriter(f), s.config.MaxSize, received, from, rcpts)

	if err := s.readData(mw); err != nil {
		s.logger.WarnContext(ctx, "Failed to read message data", "error", err)
		return "", 0, fmt.Errorf("%w: %v", errDisconnect, err)
	}

	if err := mw.finish(); err != nil {
		if errors.Is(err, errMessageTooLarge) || errors.Is(err, errHeaderTooLarge) {
			s.metrics.MessagesRejected.WithLabelValues("size").Inc()
			s.logger.WarnContext(ctx, "Message size limit exceeded",
				"size", mw.size,
				"max_size", s.config.MaxSize,
			)
			return "", 0, err
		}
		s.logger.ErrorContext(ctx, "Failed to write message file", "error", err)
		return "", 0, errStoreFailed
	}

	if err := f.Sync(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to sync message file", "error", err)
		return "", 0, errStoreFailed
	}
	if err := f.Close(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to close message file", "error", err)
		return "", 0, errStoreFailed
	}

	if _, err := s.storage.Intake(tmpPath); err != nil {
		s.logger.ErrorContext(ctx, "Failed to queue message", "error", err)
		return "", 0, errStoreFailed
	}
	keep = true

	return id, mw.size, nil
}

// readData reads message lines up to the terminating "." line, removes dot
// stuffing and normalizes line endings to CRLF
func (s *Session) readData(mw *messageWriter) error {
	lineStart := true
	pendingCR := false
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.config.DataTimeout))

		chunk, err := s.reader.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			if lineStart && len(chunk) > 0 && chunk[0] == '.' {
				chunk = chunk[1:]
			}
			pendingCR = bytes.HasSuffix(chunk, []byte("\r"))
			mw.writeLine(chunk, lineStart)
			lineStart = false
			continue
		}
		if err != nil {
			return err
		}

		if lineStart {
			if bytes.Equal(chunk, []byte(".\r\n")) || bytes.Equal(chunk, []byte(".\n")) {
				return nil
			}
			if chunk[0] == '.' {
				chunk = chunk[1:]
			}
		}

		// A CR that ended the previous fragment pairs with this LF
		crlf := bytes.HasSuffix(chunk, []byte("\r\n")) || (pendingCR && len(chunk) == 1)
		pendingCR = false
		if !crlf {
			line := make([]byte, 0, len(chunk)+1)
			line = append(line, chunk[:len(chunk)-1]...)
			chunk = append(line, '\r', '\n')
		}
		mw.writeLine(chunk, lineStart)
		lineStart = true
	}
}

// discardData consumes message data that cannot be stored
func (s *Session) discardData() error {
	return s.readData(newMessageWriter(bufio.NewWriter(io.Discard), 0, "", "", nil))
}

// heloName returns the greeting name for the trace header
func (s *Session) heloName() string {
	if helo := s.state.GetHelo(); helo != "" {
		return helo
	}
	return "unknown"
}

// protocol returns the RFC 3848 transmission type of the session
func (s *Session) protocol() string {
	p := "ESMTP"
	if s.state.IsTLSActive() {
		p += "S"
	}
	if s.state.IsAuthenticated() {
		p += "A"
	}
	return p
}
