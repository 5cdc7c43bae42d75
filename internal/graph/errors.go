package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCredentials is returned when a token is needed but no application
	// registration credential was configured
	ErrNoCredentials = errors.New("trying to login without an application registration")
	// ErrNoSender is returned when no mailbox could be derived for a message
	ErrNoSender = errors.New("no sender/from address defined")
)

// UnrecoverableError marks a delivery failure that must never be retried
type UnrecoverableError struct {
	Err error
}

func (e *UnrecoverableError) Error() string {
	return e.Err.Error()
}

func (e *UnrecoverableError) Unwrap() error {
	return e.Err
}

// MailboxAccessDeniedError is returned when the application may not send as the mailbox
type MailboxAccessDeniedError struct {
	Mailbox string
}

func (e *MailboxAccessDeniedError) Error() string {
	return fmt.Sprintf("access to mailbox %q denied", e.Mailbox)
}

// InvalidContentError is returned when the Graph API refuses the message content
type InvalidContentError struct {
	File string
}

func (e *InvalidContentError) Error() string {
	return fmt.Sprintf("invalid content for mail %q", e.File)
}

// APIError is any other non-success response from the Graph API
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("graph api returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("graph api returned HTTP %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsUnrecoverable reports whether err must not be retried by the queue
func IsUnrecoverable(err error) bool {
	if err == nil {
		return false
	}

	var (
		unrecoverable *UnrecoverableError
		denied        *MailboxAccessDeniedError
		invalid       *InvalidContentError
	)
	return errors.As(err, &unrecoverable) ||
		errors.As(err, &denied) ||
		errors.As(err, &invalid) ||
		errors.Is(err, ErrNoCredentials) ||
		errors.Is(err, ErrNoSender)
}
