package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestFeedFetchError(t *testing.T) {
	baseErr := context.DeadlineExceeded
	err := &FeedFetchError{Category: CategoryPrices, Err: baseErr}

	if !err.IsRetriable() {
		t.Error("Expected fetch error to be retriable")
	}
	if err.Error() != "fetch prices: context deadline exceeded" {
		t.Errorf("Error message = %q", err.Error())
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("Expected error to wrap DeadlineExceeded")
	}
}

func TestFeedParseError(t *testing.T) {
	t.Run("without cause", func(t *testing.T) {
		err := &FeedParseError{Category: CategoryProtocols, Reason: "records path not found"}
		if err.Error() != "parse protocols: records path not found" {
			t.Errorf("Error message = %q", err.Error())
		}
	})

	t.Run("with cause", func(t *testing.T) {
		err := &FeedParseError{Category: CategoryProtocols, Reason: "invalid json", Err: ErrEmptyPayload}
		if !errors.Is(err, ErrEmptyPayload) {
			t.Error("Expected error to wrap cause")
		}
	})
}

func TestIsRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"fetch", &FeedFetchError{Category: CategoryPrices, Err: errors.New("eof")}, true},
		{"parse", &FeedParseError{Category: CategoryPrices, Reason: "bad"}, true},
		{"store", &StoreConnectionError{Backend: "redis", Op: "ping", Err: errors.New("refused")}, true},
		{"delivery", &SubscriberDeliveryError{Topic: "pricesUpdated", Subscriber: "s1", Err: errors.New("boom")}, false},
		{"config", &ConfigError{Field: "feeds.prices.url", Err: ErrMissingURL}, false},
		{"wrapped fetch", fmt.Errorf("tick: %w", &FeedFetchError{Category: CategoryGames, Err: errors.New("x")}), true},
		{"plain", errors.New("plain error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetriable(tt.err); got != tt.want {
				t.Errorf("IsRetriable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfigError(t *testing.T) {
	err := &ConfigError{Field: "feeds.prices.url", Err: ErrMissingURL}

	expected := "config error [feeds.prices.url]: feed url is required"
	if err.Error() != expected {
		t.Errorf("Error message = %q, want %q", err.Error(), expected)
	}
	if !errors.Is(err, ErrMissingURL) {
		t.Error("Expected ConfigError to wrap ErrMissingURL")
	}
}
