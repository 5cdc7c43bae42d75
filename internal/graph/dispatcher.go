// Package graph submits queued messages through the Microsoft Graph
// sendMail API.
package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/busybox42/smtp2graph/internal/logging"
	"github.com/busybox42/smtp2graph/internal/metrics"
	"github.com/busybox42/smtp2graph/internal/version"
)

const (
	// DefaultBaseURL is the Graph API root
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"
	// MaxConcurrent is the number of submissions allowed in flight at once
	MaxConcurrent = 4

	requestTimeout  = 10 * time.Second
	throttleRetries = 3
	initialBackoff  = 200 * time.Millisecond
	maxErrorBody    = 64 * 1024
)

// Options configures a Dispatcher
type Options struct {
	// BaseURL overrides DefaultBaseURL
	BaseURL string
	// ForceMailbox, when set, sends every message as this mailbox
	ForceMailbox string
	// Client is used for the sendMail calls; use NewHTTPClient for proxy support
	Client *http.Client
	Logger *slog.Logger
	// BreakerThreshold is the number of consecutive transient failures that
	// pause submissions for BreakerTimeout (defaults 5 and 30s)
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

// Dispatcher delivers message files with bounded parallelism
type Dispatcher struct {
	tokens       TokenSource
	client       *http.Client
	baseURL      string
	forceMailbox string
	sem          *semaphore.Weighted
	breaker      *gobreaker.CircuitBreaker
	logger       *slog.Logger
	metrics      *metrics.Metrics
	backoff      time.Duration
}

// NewDispatcher creates a dispatcher that authenticates through tokens
func NewDispatcher(tokens TokenSource, opts Options) *Dispatcher {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerTimeout == 0 {
		opts.BreakerTimeout = 30 * time.Second
	}

	logger := logging.OrDiscard(opts.Logger).With("component", "dispatcher")
	threshold := opts.BreakerThreshold

	return &Dispatcher{
		tokens:       tokens,
		client:       opts.Client,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		forceMailbox: opts.ForceMailbox,
		sem:          semaphore.NewWeighted(MaxConcurrent),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "graph-sendmail",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     opts.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("Graph circuit breaker state changed",
					"name", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		}),
		logger:  logger,
		metrics: metrics.GetMetrics(),
		backoff: initialBackoff,
	}
}

// Deliver submits the message file at path. Errors for which
// IsUnrecoverable is true must not be retried; all others may be.
func (d *Dispatcher) Deliver(ctx context.Context, path string) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.sem.Release(1)

	return d.metrics.TrackDelivery(func() error {
		return d.deliver(ctx, path)
	})
}

func (d *Dispatcher) deliver(ctx context.Context, path string) error {
	mailbox := d.forceMailbox
	if mailbox == "" {
		sender, err := ResolveSenderFile(path)
		if err != nil {
			if errors.Is(err, ErrNoSender) {
				return &UnrecoverableError{Err: err}
			}
			return fmt.Errorf("failed to read message headers: %w", err)
		}
		mailbox = sender
	}

	var unrecoverable error
	_, err := d.breaker.Execute(func() (interface{}, error) {
		err := d.submit(ctx, path, mailbox)
		if IsUnrecoverable(err) {
			// Unrecoverable errors do not count against the breaker
			unrecoverable = err
			return nil, nil
		}
		return nil, err
	})
	if unrecoverable != nil {
		return unrecoverable
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("graph submissions paused: %w", err)
	}
	if err != nil {
		return err
	}

	d.logger.InfoContext(ctx, "Message sent", "file", filepath.Base(path), "mailbox", mailbox)
	return nil
}

// submit sends the message, renewing the token once if it was rejected
func (d *Dispatcher) submit(ctx context.Context, path, mailbox string) error {
	renewed := false
	for {
		token, err := d.tokens.Token(ctx)
		if err != nil {
			return err
		}

		err = d.sendWithRetry(ctx, path, mailbox, token)

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized && !renewed {
			d.logger.WarnContext(ctx, "Access token rejected, renewing", "file", filepath.Base(path))
			d.tokens.Invalidate(token)
			renewed = true
			continue
		}
		return err
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// sendWithRetry retries throttling responses with exponential backoff,
// preferring the server's Retry-After when given
func (d *Dispatcher) sendWithRetry(ctx context.Context, path, mailbox, token string) error {
	wait := d.backoff

	for attempt := 0; ; attempt++ {
		resp, err := d.post(ctx, path, mailbox, token)
		if err != nil {
			return err
		}
		d.metrics.GraphResponses.WithLabelValues(strconv.Itoa(resp.status)).Inc()

		if resp.status >= 200 && resp.status < 300 {
			return nil
		}

		if retryableStatus(resp.status) && attempt < throttleRetries {
			delay := wait
			if ra, ok := parseRetryAfter(resp.header.Get("Retry-After"), time.Now()); ok {
				delay = ra
			}
			wait *= 2

			d.metrics.ThrottleRetries.Inc()
			d.logger.DebugContext(ctx, "Graph API throttled, retrying",
				"status", resp.status,
				"attempt", attempt+1,
				"delay", delay,
			)

			if err := sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}

		return classify(resp, mailbox, path)
	}
}

func (d *Dispatcher) post(ctx context.Context, path, mailbox, token string) (*response, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open message: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat message: %w", err)
	}

	pr, pw := io.Pipe()
	defer pr.Close()
	go func() {
		enc := base64.NewEncoder(base64.StdEncoding, pw)
		_, err := io.Copy(enc, f)
		if err == nil {
			err = enc.Close()
		}
		pw.CloseWithError(err)
	}()

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	endpoint := d.baseURL + "/users/" + url.PathEscape(mailbox) + "/sendMail"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, pr)
	if err != nil {
		return nil, err
	}
	req.ContentLength = int64(base64.StdEncoding.EncodedLen(int(info.Size())))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sendMail request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

// parseRetryAfter accepts delay-seconds or an HTTP date
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func classify(resp *response, mailbox, path string) error {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(resp.body, &body)

	switch body.Error.Code {
	case "ErrorAccessDenied":
		return &MailboxAccessDeniedError{Mailbox: mailbox}
	case "ErrorMimeContentInvalidBase64String":
		return &InvalidContentError{File: filepath.Base(path)}
	}

	return &APIError{
		StatusCode: resp.status,
		Code:       body.Error.Code,
		Message:    body.Error.Message,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
