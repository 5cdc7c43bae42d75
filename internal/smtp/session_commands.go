package smtp

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// maxRecipients bounds the envelope of one message
const maxRecipients = 1000

var knownCommands = map[string]bool{
	"HELO": true, "EHLO": true, "MAIL": true, "RCPT": true, "DATA": true,
	"RSET": true, "NOOP": true, "QUIT": true, "AUTH": true, "STARTTLS": true,
	"HELP": true, "VRFY": true, "EXPN": true,
}

// processCommand routes one command line to its handler
func (s *Session) processCommand(ctx context.Context, line string) error {
	cmd, args := parseCommand(line)

	if cmd == "AUTH" {
		s.logger.DebugContext(ctx, "SMTP command received", "command", cmd)
	} else {
		s.logger.DebugContext(ctx, "SMTP command received", "command", cmd, "args", args)
	}

	if !knownCommands[cmd] {
		return fmt.Errorf("502 5.5.2 Command not recognized")
	}
	if !s.state.CanAcceptCommand(cmd) {
		return fmt.Errorf("503 5.5.1 Bad sequence of commands")
	}

	switch cmd {
	case "HELO":
		return s.handleHELO(ctx, args)
	case "EHLO":
		return s.handleEHLO(ctx, args)
	case "MAIL":
		return s.handleMAIL(ctx, args)
	case "RCPT":
		return s.handleRCPT(ctx, args)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.state.Reset(ctx)
		return s.write("250 2.0.0 Ok")
	case "NOOP":
		return s.write("250 2.0.0 Ok")
	case "QUIT":
		return s.handleQUIT(ctx)
	case "AUTH":
		return s.handleAUTH(ctx, args)
	case "STARTTLS":
		return s.handleSTARTTLS(ctx, args)
	case "HELP":
		return s.write("214 2.0.0 See RFC 5321")
	case "VRFY":
		return s.write("252 2.5.2 Cannot VRFY user, but will accept message")
	default:
		return fmt.Errorf("502 5.5.1 %s not supported", cmd)
	}
}

// handleHELO processes the HELO command
func (s *Session) handleHELO(ctx context.Context, args string) error {
	if args == "" {
		return fmt.Errorf("501 5.5.4 Syntax: HELO hostname")
	}
	if err := s.state.Greet(ctx, args); err != nil {
		return fmt.Errorf("503 5.5.1 Bad sequence of commands")
	}
	return s.write(fmt.Sprintf("250 %s Hello %s", s.config.Hostname, args))
}

// handleEHLO processes the EHLO command and advertises the extensions this
// session may use
func (s *Session) handleEHLO(ctx context.Context, args string) error {
	if args == "" {
		return fmt.Errorf("501 5.5.4 Syntax: EHLO hostname")
	}
	if err := s.state.Greet(ctx, args); err != nil {
		return fmt.Errorf("503 5.5.1 Bad sequence of commands")
	}

	lines := []string{
		fmt.Sprintf("%s Hello %s", s.config.Hostname, args),
		"PIPELINING",
		"8BITMIME",
		"SIZE " + strconv.FormatInt(s.config.MaxSize, 10),
	}
	if s.config.TLS != nil && !s.state.IsTLSActive() {
		lines = append(lines, "STARTTLS")
	}
	if s.authAvailable() {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines, "ENHANCEDSTATUSCODES")

	return s.writeLines("250", lines)
}

// handleMAIL processes the MAIL FROM command
func (s *Session) handleMAIL(ctx context.Context, args string) error {
	if s.config.RequireAuth && !s.state.IsAuthenticated() {
		return fmt.Errorf("530 5.7.0 Authentication required")
	}

	from, params, ok := parsePath(args, "FROM:")
	if !ok {
		return fmt.Errorf("501 5.5.4 Syntax: MAIL FROM:<address>")
	}

	for _, p := range params {
		key, value, _ := strings.Cut(p, "=")
		if !strings.EqualFold(key, "SIZE") {
			continue
		}
		size, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("501 5.5.4 Invalid SIZE parameter")
		}
		if size > s.config.MaxSize {
			s.metrics.MessagesRejected.WithLabelValues("size").Inc()
			return fmt.Errorf("552 5.3.4 Message exceeds fixed maximum message size")
		}
	}

	if err := s.gateway.CheckSender(ctx, from, s.state.GetUsername()); err != nil {
		return err
	}

	if err := s.state.OpenEnvelope(ctx, from); err != nil {
		return fmt.Errorf("503 5.5.1 Bad sequence of commands")
	}

	s.logger.InfoContext(ctx, "mail_from_accepted",
		"mail_from", from,
		"authenticated", s.state.IsAuthenticated(),
		"username", s.state.GetUsername(),
		"tls_active", s.state.IsTLSActive(),
	)
	return s.write("250 2.1.0 Ok")
}

// handleRCPT processes the RCPT TO command
func (s *Session) handleRCPT(ctx context.Context, args string) error {
	rcpt, _, ok := parsePath(args, "TO:")
	if !ok {
		return fmt.Errorf("501 5.5.4 Syntax: RCPT TO:<address>")
	}
	if rcpt == "" || !strings.Contains(rcpt, "@") {
		return fmt.Errorf("501 5.1.3 Bad recipient address syntax")
	}
	if s.state.GetRecipientCount() >= maxRecipients {
		return fmt.Errorf("452 4.5.3 Too many recipients")
	}

	s.state.AddRecipient(rcpt)
	if err := s.state.SetPhase(ctx, PhaseEnvelope); err != nil {
		return fmt.Errorf("503 5.5.1 Bad sequence of commands")
	}

	s.logger.DebugContext(ctx, "rcpt_to_accepted",
		"rcpt_to", rcpt,
		"total_recipients", s.state.GetRecipientCount(),
	)
	return s.write("250 2.1.5 Ok")
}

// handleQUIT processes the QUIT command
func (s *Session) handleQUIT(ctx context.Context) error {
	if err := s.state.SetPhase(ctx, PhaseQuit); err != nil {
		s.logger.WarnContext(ctx, "Failed to set QUIT phase", "error", err)
	}
	return s.write(fmt.Sprintf("221 2.0.0 %s closing connection", s.config.Hostname))
}

// parseCommand splits a command line into the upper-cased verb and its arguments
func parseCommand(line string) (string, string) {
	line = strings.TrimSpace(line)
	cmd, args, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(args)
}

// parsePath parses "FROM:<addr> params" or "TO:<addr> params". The
// address may be empty (the null sender) and may lack angle brackets.
func parsePath(args, prefix string) (string, []string, bool) {
	if len(args) < len(prefix) || !strings.EqualFold(args[:len(prefix)], prefix) {
		return "", nil, false
	}
	rest := strings.TrimSpace(args[len(prefix):])

	var addr string
	if strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return "", nil, false
		}
		addr, rest = rest[1:end], rest[end+1:]
	} else {
		addr, rest, _ = strings.Cut(rest, " ")
		if addr == "" {
			return "", nil, false
		}
	}

	// Drop a source route such as "@relay1,@relay2:user@example.com"
	if strings.HasPrefix(addr, "@") {
		if i := strings.IndexByte(addr, ':'); i >= 0 {
			addr = addr[i+1:]
		}
	}

	return strings.TrimSpace(addr), strings.Fields(rest), true
}
