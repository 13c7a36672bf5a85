package otp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCode(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		require.Len(t, code, CodeLength)
		for _, c := range code {
			require.True(t, c >= '0' && c <= '9', "code %q", code)
		}
	}
}

func TestMatch(t *testing.T) {
	assert.True(t, Match("01234", "01234"))
	assert.False(t, Match("01234", "1234"))
	assert.False(t, Match("01234", "01235"))
	assert.False(t, Match("", ""))
}

func TestBackoffDelayGrowsToMax(t *testing.T) {
	c := BackoffConfig{Initial: time.Second, Max: 4 * time.Second}
	var got []time.Duration
	for n := 1; n <= 5; n++ {
		got = append(got, c.Delay(n, nil))
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}, got)
}

func TestBackoffDelayDefaults(t *testing.T) {
	assert.Equal(t, InitialBackoff, BackoffConfig{}.Delay(1, nil))
	assert.Equal(t, MaxBackoff, BackoffConfig{}.Delay(50, nil))
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	c := BackoffConfig{Initial: time.Second, Jitter: JitterFactor}
	assert.Equal(t, time.Second, c.Delay(1, func() float64 { return 0 }))
	assert.Equal(t, time.Second+time.Second/4, c.Delay(1, func() float64 { return 1 }))

	c.Jitter = -1
	assert.Equal(t, time.Second, c.Delay(1, func() float64 { return 1 }))
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestHTTPSenderRetriesUntilOK(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2FA", r.URL.Path)
		assert.Equal(t, "alice@example.com", r.URL.Query().Get("e"))
		assert.Equal(t, "00042", r.URL.Query().Get("c"))
		assert.Equal(t, "k3y", r.URL.Query().Get("a"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := NewHTTPSender(srv.URL+"/2FA", "k3y", nil)
	require.NoError(t, err)
	s.sleep = noSleep

	require.NoError(t, s.Send(context.Background(), "alice@example.com", "00042"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPSenderGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, err := NewHTTPSender(srv.URL, "k", nil)
	require.NoError(t, err)
	s.sleep = noSleep
	s.MaxAttempts = 4

	err = s.Send(context.Background(), "bob", "11111")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, int32(4), calls.Load())
}

func TestHTTPSenderHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s, err := NewHTTPSender(srv.URL, "k", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	s.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepContext(ctx, d)
	}

	err = s.Send(ctx, "bob", "11111")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestNewHTTPSenderRequiresEndpoint(t *testing.T) {
	_, err := NewHTTPSender("", "k", nil)
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestSenderFunc(t *testing.T) {
	boom := errors.New("boom")
	var s Sender = SenderFunc(func(context.Context, string, string) error { return boom })
	assert.ErrorIs(t, s.Send(context.Background(), "u", "c"), boom)
	assert.NoError(t, LogSender{}.Send(context.Background(), "u", "c"))
}
