package smtp

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// SMTPPhase is where a session stands in the SMTP dialogue. Login is not a
// phase: SessionState tracks it alongside, so an authenticated session moves
// through the same Greeted, Envelope and Data phases.
type SMTPPhase int

const (
	// PhaseConnected is before HELO/EHLO, and again after STARTTLS
	PhaseConnected SMTPPhase = iota
	// PhaseGreeted accepts MAIL, AUTH and STARTTLS
	PhaseGreeted
	// PhaseEnvelope has a sender and collects recipients
	PhaseEnvelope
	// PhaseData is reading message content
	PhaseData
	// PhaseQuit is terminal
	PhaseQuit
)

// String returns the string representation of SMTPPhase
func (p SMTPPhase) String() string {
	switch p {
	case PhaseConnected:
		return "CONNECTED"
	case PhaseGreeted:
		return "GREETED"
	case PhaseEnvelope:
		return "ENVELOPE"
	case PhaseData:
		return "DATA"
	case PhaseQuit:
		return "QUIT"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[SMTPPhase][]SMTPPhase{
	PhaseConnected: {PhaseConnected, PhaseGreeted, PhaseQuit},
	PhaseGreeted:   {PhaseConnected, PhaseGreeted, PhaseEnvelope, PhaseQuit},
	PhaseEnvelope:  {PhaseGreeted, PhaseEnvelope, PhaseData, PhaseQuit},
	PhaseData:      {PhaseGreeted, PhaseQuit},
	PhaseQuit:      {},
}

var allowedCommands = map[SMTPPhase][]string{
	PhaseConnected: {"HELO", "EHLO", "NOOP", "RSET", "QUIT", "HELP", "VRFY"},
	PhaseGreeted:   {"HELO", "EHLO", "MAIL", "AUTH", "STARTTLS", "NOOP", "RSET", "QUIT", "HELP", "VRFY"},
	PhaseEnvelope:  {"HELO", "EHLO", "RCPT", "DATA", "NOOP", "RSET", "QUIT", "HELP", "VRFY"},
}

// SessionState tracks the dialogue and the envelope of one session
type SessionState struct {
	mu            sync.RWMutex
	phase         SMTPPhase
	helo          string
	authenticated bool
	username      string
	mailFrom      string
	rcptTo        []string
	tlsActive     bool
	messageCount  int
	startTime     time.Time
	logger        *slog.Logger
}

// NewSessionState creates the state of a freshly connected session
func NewSessionState(logger *slog.Logger) *SessionState {
	return &SessionState{
		phase:     PhaseConnected,
		startTime: time.Now(),
		logger:    logger,
	}
}

// GetPhase returns the current phase
func (ss *SessionState) GetPhase() SMTPPhase {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.phase
}

// SetPhase moves the session to phase if the dialogue allows it
func (ss *SessionState) SetPhase(ctx context.Context, phase SMTPPhase) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	old := ss.phase
	if !slices.Contains(validTransitions[old], phase) {
		return fmt.Errorf("invalid phase transition from %s to %s", old, phase)
	}
	ss.phase = phase

	ss.logger.DebugContext(ctx, "SMTP phase transition",
		"old_phase", old.String(),
		"new_phase", phase.String(),
	)
	return nil
}

// CanAcceptCommand reports whether cmd is valid in the current phase
func (ss *SessionState) CanAcceptCommand(cmd string) bool {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return slices.Contains(allowedCommands[ss.phase], cmd)
}

// Greet records the HELO/EHLO name and opens a new transaction
func (ss *SessionState) Greet(ctx context.Context, helo string) error {
	if err := ss.SetPhase(ctx, PhaseGreeted); err != nil {
		return err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.helo = helo
	ss.mailFrom = ""
	ss.rcptTo = nil
	return nil
}

// GetHelo returns the name the client greeted with
func (ss *SessionState) GetHelo() string {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.helo
}

// SetAuthenticated records a successful login
func (ss *SessionState) SetAuthenticated(ctx context.Context, username string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.authenticated = true
	ss.username = username
	ss.logger.InfoContext(ctx, "Authentication status changed",
		"authenticated", true,
		"username", username,
	)
}

// IsAuthenticated returns whether the session logged in
func (ss *SessionState) IsAuthenticated() bool {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.authenticated
}

// GetUsername returns the authenticated user, or ""
func (ss *SessionState) GetUsername() string {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.username
}

// OpenEnvelope records the envelope sender; "" is the null sender
func (ss *SessionState) OpenEnvelope(ctx context.Context, from string) error {
	if err := ss.SetPhase(ctx, PhaseEnvelope); err != nil {
		return err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.mailFrom = from
	ss.rcptTo = nil
	return nil
}

// GetMailFrom returns the envelope sender
func (ss *SessionState) GetMailFrom() string {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.mailFrom
}

// AddRecipient appends an envelope recipient
func (ss *SessionState) AddRecipient(rcpt string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.rcptTo = append(ss.rcptTo, rcpt)
}

// GetRecipients returns a copy of the envelope recipients
func (ss *SessionState) GetRecipients() []string {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return slices.Clone(ss.rcptTo)
}

// GetRecipientCount returns the number of envelope recipients
func (ss *SessionState) GetRecipientCount() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.rcptTo)
}

// SetTLSActive marks the channel as encrypted
func (ss *SessionState) SetTLSActive() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.tlsActive = true
}

// IsTLSActive returns whether the channel is encrypted
func (ss *SessionState) IsTLSActive() bool {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.tlsActive
}

// IncrementMessageCount counts an accepted message
func (ss *SessionState) IncrementMessageCount() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.messageCount++
}

// GetMessageCount returns the number of accepted messages
func (ss *SessionState) GetMessageCount() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.messageCount
}

// Reset clears the transaction and keeps the greeting, login and TLS state
func (ss *SessionState) Reset(ctx context.Context) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.phase != PhaseConnected && ss.phase != PhaseQuit {
		ss.phase = PhaseGreeted
	}
	ss.mailFrom = ""
	ss.rcptTo = nil

	ss.logger.DebugContext(ctx, "Session state reset for new transaction")
}

// ResetForTLS returns the session to its initial state after STARTTLS;
// the client has to greet and log in again
func (ss *SessionState) ResetForTLS(ctx context.Context) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	ss.phase = PhaseConnected
	ss.helo = ""
	ss.authenticated = false
	ss.username = ""
	ss.mailFrom = ""
	ss.rcptTo = nil
	ss.tlsActive = true
}

// GetDuration returns the time since the session started
func (ss *SessionState) GetDuration() time.Duration {
	return time.Since(ss.startTime)
}
