package smtp

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
)

// AuthMethod is an SASL mechanism offered by AUTH
type AuthMethod string

const (
	// AuthMethodPlain represents PLAIN authentication
	AuthMethodPlain AuthMethod = "PLAIN"
	// AuthMethodLogin represents LOGIN authentication
	AuthMethodLogin AuthMethod = "LOGIN"
)

var (
	errAuthCancelled = fmt.Errorf("501 5.0.0 Authentication cancelled")
	errAuthSyntax    = fmt.Errorf("501 5.5.2 Cannot decode response")
)

// authAvailable reports whether AUTH is offered on the current channel
func (s *Session) authAvailable() bool {
	if !s.gateway.AuthEnabled() {
		return false
	}
	return s.state.IsTLSActive() || s.config.insecureAuthAllowed()
}

// handleAUTH processes the AUTH command
func (s *Session) handleAUTH(ctx context.Context, args string) error {
	if !s.gateway.AuthEnabled() {
		return fmt.Errorf("502 5.5.1 Authentication not enabled")
	}
	if s.state.IsAuthenticated() {
		return fmt.Errorf("503 5.5.1 Already authenticated")
	}
	if !s.state.IsTLSActive() && !s.config.insecureAuthAllowed() {
		s.logger.WarnContext(ctx, "AUTH refused on plaintext channel")
		return fmt.Errorf("538 5.7.11 Encryption required for requested authentication mechanism")
	}

	fields := strings.Fields(args)
	if len(fields) == 0 {
		return fmt.Errorf("501 5.5.4 Syntax: AUTH mechanism")
	}

	var (
		username, password string
		err                error
	)
	method := AuthMethod(strings.ToUpper(fields[0]))
	switch method {
	case AuthMethodPlain:
		username, password, err = s.authPlain(fields[1:])
	case AuthMethodLogin:
		username, password, err = s.authLogin(fields[1:])
	default:
		return fmt.Errorf("504 5.5.4 Unrecognized authentication type")
	}
	if err != nil {
		return err
	}

	if err := s.gateway.Authenticate(ctx, username, password, s.remoteAddr); err != nil {
		return err
	}

	s.state.SetAuthenticated(ctx, username)
	s.logger.InfoContext(ctx, "Authentication successful",
		"username", username,
		"method", string(method),
	)
	return s.write("235 2.7.0 Authentication successful")
}

// authPlain reads the RFC 4616 response, from the command line or after a
// 334 prompt
func (s *Session) authPlain(initial []string) (string, string, error) {
	var response string
	if len(initial) > 0 && initial[0] != "=" {
		response = initial[0]
	} else {
		line, err := s.challenge("")
		if err != nil {
			return "", "", err
		}
		response = line
	}

	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return "", "", errAuthSyntax
	}
	parts := strings.Split(string(decoded), "\x00")
	if len(parts) != 3 {
		return "", "", errAuthSyntax
	}
	return parts[1], parts[2], nil
}

// authLogin runs the LOGIN exchange. An initial response carries the username.
func (s *Session) authLogin(initial []string) (string, string, error) {
	var encodedUser string
	if len(initial) > 0 {
		encodedUser = initial[0]
	} else {
		line, err := s.challenge("Username:")
		if err != nil {
			return "", "", err
		}
		encodedUser = line
	}
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return "", "", errAuthSyntax
	}

	encodedPass, err := s.challenge("Password:")
	if err != nil {
		return "", "", err
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return "", "", errAuthSyntax
	}

	return string(user), string(pass), nil
}

// challenge sends a 334 prompt and reads the client's reply
func (s *Session) challenge(prompt string) (string, error) {
	if err := s.write("334 " + base64.StdEncoding.EncodeToString([]byte(prompt))); err != nil {
		return "", fmt.Errorf("%w: %v", errDisconnect, err)
	}
	line, err := s.readCommand()
	if err != nil {
		return "", fmt.Errorf("%w: %v", errDisconnect, err)
	}
	line = strings.TrimSpace(line)
	if line == "*" {
		return "", errAuthCancelled
	}
	return line, nil
}
