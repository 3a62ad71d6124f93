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
	Op        string // Operation that failed (e.g., "connect", "read", "write")
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
	// ErrConnectionFailed is returned when a feed connection fails. Usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrPriceUnavailable means no fresh cached price exists for a symbol.
	// Monitors treat it as "skip this item this cycle", never as a failure.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrInstrumentNotFound is returned when an instrument id or symbol is unknown.
	ErrInstrumentNotFound = errors.New("instrument not found")

	// ErrInvalidOrder is returned for malformed orders. Not retriable.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrAccountNotFound is returned when an account uid is unknown.
	ErrAccountNotFound = errors.New("account not found")

	// ErrPositionNotFound is returned when a position id is unknown.
	ErrPositionNotFound = errors.New("position not found")

	// ErrConfigNotFound is returned when the configuration file is missing.
	ErrConfigNotFound = errors.New("configuration not found")
)
