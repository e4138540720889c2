package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// FeedFetchError is a network or timeout failure talking to a feed.
// It is retried on the next scheduled tick only.
type FeedFetchError struct {
	Category Category
	Err      error
}

func (e *FeedFetchError) Error() string {
	return "fetch " + string(e.Category) + ": " + e.Err.Error()
}

func (e *FeedFetchError) IsRetriable() bool { return true }

func (e *FeedFetchError) Unwrap() error { return e.Err }

// FeedParseError is a payload that does not match the expected document shape.
type FeedParseError struct {
	Category Category
	Reason   string
	Err      error
}

func (e *FeedParseError) Error() string {
	msg := "parse " + string(e.Category) + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// IsRetriable is true: the next tick may bring a well formed document.
func (e *FeedParseError) IsRetriable() bool { return true }

func (e *FeedParseError) Unwrap() error { return e.Err }

// StoreConnectionError reports that a durable or volatile backend is unreachable.
type StoreConnectionError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StoreConnectionError) Error() string {
	return e.Backend + " " + e.Op + ": " + e.Err.Error()
}

func (e *StoreConnectionError) IsRetriable() bool { return true }

func (e *StoreConnectionError) Unwrap() error { return e.Err }

// SubscriberDeliveryError wraps a listener or session callback failure.
type SubscriberDeliveryError struct {
	Topic      string
	Subscriber string
	Err        error
}

func (e *SubscriberDeliveryError) Error() string {
	return "deliver " + e.Topic + " to " + e.Subscriber + ": " + e.Err.Error()
}

func (e *SubscriberDeliveryError) IsRetriable() bool { return false }

func (e *SubscriberDeliveryError) Unwrap() error { return e.Err }

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrStoreUnavailable is returned by durable operations while the backend is down.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrCacheMiss is returned when a cache key does not exist or has expired.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCategoryDisabled is returned for categories disabled at startup.
	ErrCategoryDisabled = errors.New("category disabled")

	// ErrMissingURL marks a feed configured without an endpoint.
	ErrMissingURL = errors.New("feed url is required")

	// ErrEmptyPayload is returned when a feed document carries no records.
	ErrEmptyPayload = errors.New("no records in payload")
)
