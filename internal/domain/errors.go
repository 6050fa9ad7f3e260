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

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "dial", "post", "subscribe")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// FeedError is an error payload returned by the feed for a request.
type FeedError struct {
	Request string // Request type (e.g., "l2Book")
	Message string // Error text from the feed
}

func (e *FeedError) Error() string {
	return "feed error [" + e.Request + "]: " + e.Message
}

func (e *FeedError) IsRetriable() bool {
	return false
}

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
	// ErrConnectionFailed is returned when the feed transport cannot be opened. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrTransportClosed is returned for requests issued on, or pending at, a closed transport.
	ErrTransportClosed = errors.New("transport closed")

	// ErrInvalidSymbol is returned when a symbol is not supported or malformed. Not retriable.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrInvalidAggregation is returned for a sig-figs value outside {null, 2, 3, 4, 5}.
	ErrInvalidAggregation = errors.New("invalid aggregation level")

	// ErrMalformedBook is returned when a feed book payload fails validation
	ErrMalformedBook = errors.New("malformed book")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
