package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Broker
	ErrBrokerUnavailable = errors.New("broker API is unavailable")
	ErrOrderRejected     = errors.New("order rejected by broker")
	ErrPartialFill       = errors.New("order only partially filled")
	ErrInsufficientFunds = errors.New("insufficient funds for operation")
	ErrQuoteUnavailable  = errors.New("no quote available for symbol")

	// Signal data
	ErrNoSignals   = errors.New("no candidate signals available")
	ErrMissingData = errors.New("required technical factor structurally missing")

	// Database
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
)
