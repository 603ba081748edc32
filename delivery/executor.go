package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/marcelsud/webhook-dispatcher/delivery/signature"
	"github.com/marcelsud/webhook-dispatcher/subscriber"
	"github.com/rs/zerolog"
)

const (
	DefaultProduct = "Platform"

	// maxDrainBytes bounds how much of a response body is read before closing
	maxDrainBytes = 64 << 10
)

/* Executor performs a single HTTP attempt against a subscriber endpoint.
 * Retries live in the Scheduler; persistence lives in the dispatcher.
 */
type Executor struct {
	Client    *http.Client
	UserAgent string
	// FailOnErrorStatus classifies non-2xx responses as failed attempts.
	// Off by default: any received response counts as delivered.
	FailOnErrorStatus bool
	Observer          Observer
	Logger            zerolog.Logger

	now func() time.Time
}

// NewExecutor creates an executor with the product-specific user agent
func NewExecutor(product string, logger zerolog.Logger) *Executor {
	if product == "" {
		product = DefaultProduct
	}
	return &Executor{
		Client:    &http.Client{},
		UserAgent: UserAgent(product),
		Observer:  nopObserver{},
		Logger:    logger,
		now:       time.Now,
	}
}

// UserAgent returns the User-Agent sent on every delivery
func UserAgent(product string) string {
	return product + "-Webhook/1.0"
}

// Attempt sends msg to s.URL once, bounded by s.Timeout
func (e *Executor) Attempt(ctx context.Context, s subscriber.Subscriber, msg Message) Outcome {
	start := e.clock()
	outcome := e.attempt(ctx, s, msg, start)
	outcome.AttemptsUsed = 1
	outcome.Duration = e.clock().Sub(start)
	if e.Observer != nil {
		e.Observer.ObserveAttempt(outcome)
	}
	return outcome
}

func (e *Executor) attempt(ctx context.Context, s subscriber.Subscriber, msg Message, start time.Time) Outcome {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = subscriber.DefaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, s.URL, bytes.NewReader(msg.Body))
	if err != nil {
		return Outcome{Error: fmt.Sprintf("creating request: %v", err)}
	}
	if err := e.setHeaders(req, s, msg, start); err != nil {
		return Outcome{Error: err.Error()}
	}

	resp, err := e.client().Do(req)
	if err != nil {
		return Outcome{
			Error:    transportError(ctx, attemptCtx, timeout, err),
			Canceled: ctx.Err() != nil,
		}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	status := resp.StatusCode
	if e.FailOnErrorStatus && (status < 200 || status > 299) {
		return Outcome{HTTPStatus: &status, Error: fmt.Sprintf("HTTP %d", status)}
	}
	return Outcome{Success: true, HTTPStatus: &status}
}

/* setHeaders applies, in order: base headers, signature headers, then auth
 * and custom headers. Later writers win, so custom headers override everything.
 */
func (e *Executor) setHeaders(req *http.Request, s subscriber.Subscriber, msg Message, ts time.Time) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", e.userAgent())

	if s.SigningSecret != "" {
		secret, err := signature.ParseSecret(s.SigningSecret)
		if err != nil {
			return fmt.Errorf("parsing signing secret: %w", err)
		}
		headers, err := signature.Headers(secret, msg.ID, ts, msg.Body)
		if err != nil {
			return fmt.Errorf("signing payload: %w", err)
		}
		for name, value := range headers {
			req.Header.Set(name, value)
		}
	}

	for name, value := range subscriber.BuildAuthHeaders(s) {
		req.Header.Set(name, value)
	}
	return nil
}

func transportError(parent, attemptCtx context.Context, timeout time.Duration, err error) string {
	switch {
	case parent.Err() != nil:
		return fmt.Sprintf("request canceled: %v", parent.Err())
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return fmt.Sprintf("request timed out after %s", timeout)
	default:
		return err.Error()
	}
}

func (e *Executor) client() *http.Client {
	if e.Client == nil {
		return http.DefaultClient
	}
	return e.Client
}

func (e *Executor) userAgent() string {
	if e.UserAgent == "" {
		return UserAgent(DefaultProduct)
	}
	return e.UserAgent
}

func (e *Executor) clock() time.Time {
	if e.now == nil {
		return time.Now()
	}
	return e.now()
}
