package otp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"
)

// DefaultMaxSendAttempts bounds HTTP delivery retries.
const DefaultMaxSendAttempts = 8

var (
	// ErrDeliveryFailed is returned when a code could not be delivered
	// within the attempt budget.
	ErrDeliveryFailed = errors.New("one-time code delivery failed")

	ErrNoEndpoint = errors.New("delivery endpoint not configured")
)

// Sender delivers a code to a user's out-of-band channel.
type Sender interface {
	Send(ctx context.Context, userID, code string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, userID, code string) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, userID, code string) error {
	return f(ctx, userID, code)
}

// HTTPSender delivers codes with a GET to an email gateway:
//
//	<Endpoint>?e=<user>&c=<code>&a=<api key>
type HTTPSender struct {
	Endpoint    string
	APIKey      string
	Client      *http.Client
	MaxAttempts int
	Backoff     BackoffConfig
	Logger      *slog.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewHTTPSender creates a sender for endpoint with sensible defaults.
func NewHTTPSender(endpoint, apiKey string, logger *slog.Logger) (*HTTPSender, error) {
	if endpoint == "" {
		return nil, ErrNoEndpoint
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("delivery endpoint: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSender{
		Endpoint:    endpoint,
		APIKey:      apiKey,
		Client:      &http.Client{Timeout: 10 * time.Second},
		MaxAttempts: DefaultMaxSendAttempts,
		Backoff:     BackoffConfig{Jitter: JitterFactor},
		Logger:      logger,
	}, nil
}

func (s *HTTPSender) requestURL(userID, code string) (string, error) {
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("e", userID)
	q.Set("c", code)
	q.Set("a", s.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Send delivers code, retrying until the gateway returns 200.
func (s *HTTPSender) Send(ctx context.Context, userID, code string) error {
	target, err := s.requestURL(userID, code)
	if err != nil {
		return err
	}
	sleep := s.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxSendAttempts
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		lastErr = s.try(ctx, target)
		if lastErr == nil {
			return nil
		}
		s.Logger.Warn("one-time code delivery attempt failed",
			"user", userID,
			"attempt", i,
			"error", lastErr)
		if i == attempts {
			break
		}
		if err := sleep(ctx, s.Backoff.Delay(i, rand.Float64)); err != nil {
			return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrDeliveryFailed, attempts, lastErr)
}

func (s *HTTPSender) try(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway status %d", resp.StatusCode)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// LogSender writes codes to the server log. For development setups with
// no delivery gateway.
type LogSender struct {
	Logger *slog.Logger
}

// Send implements Sender.
func (s LogSender) Send(_ context.Context, userID, code string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("one-time code (no delivery gateway configured)", "user", userID, "code", code)
	return nil
}

var (
	_ Sender = (*HTTPSender)(nil)
	_ Sender = LogSender{}
	_ Sender = SenderFunc(nil)
)
