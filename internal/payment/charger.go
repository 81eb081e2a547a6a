// Package payment is the anti-corruption layer in front of the external
// payment provider. Transient provider failures are retried with backoff
// behind a circuit breaker; only retry exhaustion surfaces ErrPaymentFailed
// to the core, which grants no partial credit in that case.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrPaymentFailed is returned once the provider's retries are exhausted or
// the charge is declined.
var ErrPaymentFailed = errors.New("payment failed")

// Charger is the collaborator contract consumed by the purchase flow.
type Charger interface {
	Charge(ctx context.Context, userID string, amountCents int64, reference string) error
}

// RetryPolicy configures retry behavior for provider calls.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns sensible defaults for payment-provider calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinWait:    500 * time.Millisecond,
		MaxWait:    10 * time.Second,
	}
}

// HTTPCharger charges through the provider's HTTP endpoint with a circuit
// breaker and bounded retries on 429/5xx responses.
type HTTPCharger struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	baseURL     string
	retryPolicy RetryPolicy
	sleepFn     func(time.Duration)
}

// HTTPChargerOption is a functional option for configuring an HTTPCharger.
type HTTPChargerOption func(*HTTPCharger)

// WithSleepFunc overrides the sleep function used between retries. Intended
// for tests.
func WithSleepFunc(fn func(time.Duration)) HTTPChargerOption {
	return func(charger *HTTPCharger) {
		charger.sleepFn = fn
	}
}

// NewHTTPCharger wires an HTTPCharger against the provider base URL.
func NewHTTPCharger(httpClient *http.Client, baseURL string, retryPolicy RetryPolicy, options ...HTTPChargerOption) *HTTPCharger {
	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "payment-provider",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	charger := &HTTPCharger{
		client:      httpClient,
		breaker:     breaker,
		baseURL:     baseURL,
		retryPolicy: retryPolicy,
		sleepFn:     time.Sleep,
	}
	for _, option := range options {
		option(charger)
	}
	return charger
}

type chargeRequest struct {
	UserID      string `json:"user_id"`
	AmountCents int64  `json:"amount_cents"`
	Reference   string `json:"reference"`
}

// Charge posts the charge and maps declines and retry exhaustion to
// ErrPaymentFailed.
func (charger *HTTPCharger) Charge(ctx context.Context, userID string, amountCents int64, reference string) error {
	payload, err := json.Marshal(chargeRequest{UserID: userID, AmountCents: amountCents, Reference: reference})
	if err != nil {
		return fmt.Errorf("encode charge request: %w", err)
	}

	var lastStatus int
	for attempt := 0; attempt <= charger.retryPolicy.MaxRetries; attempt++ {
		if attempt > 0 {
			charger.sleepFn(charger.backoff(attempt))
		}
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, charger.baseURL+"/charges", bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build charge request: %w", err)
		}
		request.Header.Set("Content-Type", "application/json")

		response, err := charger.breaker.Execute(func() (*http.Response, error) {
			return charger.client.Do(request)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return fmt.Errorf("%w: provider circuit open", ErrPaymentFailed)
			}
			lastStatus = 0
			continue
		}
		_ = response.Body.Close()
		lastStatus = response.StatusCode
		switch {
		case response.StatusCode < 300:
			return nil
		case response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= 500:
			continue
		default:
			// 4xx other than 429: the provider declined, retrying will not help.
			return fmt.Errorf("%w: provider declined with status %d", ErrPaymentFailed, response.StatusCode)
		}
	}
	return fmt.Errorf("%w: retries exhausted (last status %d)", ErrPaymentFailed, lastStatus)
}

func (charger *HTTPCharger) backoff(attempt int) time.Duration {
	wait := charger.retryPolicy.MinWait << (attempt - 1)
	if wait > charger.retryPolicy.MaxWait {
		return charger.retryPolicy.MaxWait
	}
	return wait
}

// NopCharger approves every charge. Used for development wiring and tests.
type NopCharger struct{}

// Charge always succeeds.
func (NopCharger) Charge(context.Context, string, int64, string) error {
	return nil
}
