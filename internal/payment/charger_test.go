package payment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, MinWait: time.Millisecond, MaxWait: 4 * time.Millisecond}
}

func noSleep() HTTPChargerOption {
	return WithSleepFunc(func(time.Duration) {})
}

func TestChargeSucceeds(test *testing.T) {
	test.Parallel()
	var requests atomic.Int64
	provider := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requests.Add(1)
		if request.URL.Path != "/charges" {
			test.Errorf("unexpected path %s", request.URL.Path)
		}
		writer.WriteHeader(http.StatusCreated)
	}))
	defer provider.Close()

	charger := NewHTTPCharger(provider.Client(), provider.URL, testRetryPolicy(), noSleep())
	if err := charger.Charge(context.Background(), "user-1", 2999, "purchase:abc"); err != nil {
		test.Fatalf("charge: %v", err)
	}
	if requests.Load() != 1 {
		test.Fatalf("expected single request, got %d", requests.Load())
	}
}

func TestChargeRetriesTransientFailures(test *testing.T) {
	test.Parallel()
	var requests atomic.Int64
	provider := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		switch requests.Add(1) {
		case 1:
			writer.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			writer.WriteHeader(http.StatusTooManyRequests)
		default:
			writer.WriteHeader(http.StatusOK)
		}
	}))
	defer provider.Close()

	charger := NewHTTPCharger(provider.Client(), provider.URL, testRetryPolicy(), noSleep())
	if err := charger.Charge(context.Background(), "user-2", 999, "purchase:retry"); err != nil {
		test.Fatalf("charge: %v", err)
	}
	if requests.Load() != 3 {
		test.Fatalf("expected 3 attempts, got %d", requests.Load())
	}
}

func TestChargeDeclineDoesNotRetry(test *testing.T) {
	test.Parallel()
	var requests atomic.Int64
	provider := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requests.Add(1)
		writer.WriteHeader(http.StatusPaymentRequired)
	}))
	defer provider.Close()

	charger := NewHTTPCharger(provider.Client(), provider.URL, testRetryPolicy(), noSleep())
	err := charger.Charge(context.Background(), "user-3", 999, "purchase:decline")
	if !errors.Is(err, ErrPaymentFailed) {
		test.Fatalf("expected ErrPaymentFailed, got %v", err)
	}
	if requests.Load() != 1 {
		test.Fatalf("declines must not be retried, got %d attempts", requests.Load())
	}
}

func TestChargeExhaustsRetries(test *testing.T) {
	test.Parallel()
	var requests atomic.Int64
	provider := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requests.Add(1)
		writer.WriteHeader(http.StatusInternalServerError)
	}))
	defer provider.Close()

	charger := NewHTTPCharger(provider.Client(), provider.URL, testRetryPolicy(), noSleep())
	err := charger.Charge(context.Background(), "user-4", 999, "purchase:exhaust")
	if !errors.Is(err, ErrPaymentFailed) {
		test.Fatalf("expected ErrPaymentFailed, got %v", err)
	}
	if requests.Load() != 4 {
		test.Fatalf("expected initial attempt plus 3 retries, got %d", requests.Load())
	}
}

func TestBackoffIsBoundedByMaxWait(test *testing.T) {
	test.Parallel()
	charger := NewHTTPCharger(http.DefaultClient, "http://unused", RetryPolicy{MaxRetries: 10, MinWait: time.Millisecond, MaxWait: 4 * time.Millisecond})
	if wait := charger.backoff(1); wait != time.Millisecond {
		test.Fatalf("expected 1ms, got %v", wait)
	}
	if wait := charger.backoff(2); wait != 2*time.Millisecond {
		test.Fatalf("expected 2ms, got %v", wait)
	}
	if wait := charger.backoff(8); wait != 4*time.Millisecond {
		test.Fatalf("expected cap at 4ms, got %v", wait)
	}
}

func TestNopChargerApproves(test *testing.T) {
	test.Parallel()
	if err := (NopCharger{}).Charge(context.Background(), "anyone", 1, "ref"); err != nil {
		test.Fatalf("nop charge: %v", err)
	}
}
