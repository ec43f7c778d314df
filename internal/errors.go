package internal

import (
	"fmt"

	"golang.org/x/xerrors"
)

// ErrGloballyThrottled is returned while the global rate limit cooldown is running.
// No request is sent to the server in this case.
var ErrGloballyThrottled = xerrors.New("Requests are globally throttled")

// ErrBucketThrottled is returned when a request was shed locally because its
// bucket is close to exhaustion.
var ErrBucketThrottled = xerrors.New("Bucket is close to its limit")

// ErrBucketMismatch is returned when the server reports a bucket that is unrelated
// to the one the request was made for. This is fatal.
var ErrBucketMismatch = xerrors.New("Server bucket does not match requested bucket")

var (
	ErrSessionAlreadyStarted = xerrors.New("Session has already been started")
	ErrSessionClosed         = xerrors.New("Session is closed")
	ErrNoConnection          = xerrors.New("No gateway connection")
	ErrUnknownMessageKind    = xerrors.New("Unknown gateway message kind")
)

var (
	ErrReadConfigurationFailure      = xerrors.New("Failed to read configuration")
	ErrLoadConfigurationFailure      = xerrors.New("Failed to load configuration")
	ErrConfigurationMissingToken     = xerrors.New("Configuration missing bot token")
	ErrConfigurationInvalidBaseURL   = xerrors.New("Configuration missing valid base URL")
	ErrConfigurationInvalidDuration  = xerrors.New("Configuration has a non-positive duration")
	ErrConfigurationInvalidRetry     = xerrors.New("Configuration infinite retry maximum is below initial delay")
	ErrConfigurationUnknownExtension = xerrors.New("Configuration file extension is not supported")
)

var ErrProducerMissing = xerrors.New("No producer client found")

// APIError is returned when the server answers with a non-success status or code.
type APIError struct {
	Status  int    `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d, code %d): %s", e.Status, e.Code, e.Message)
}

// FatalError marks an error that retrying cannot fix.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if err, or anything it wraps, is a FatalError.
func IsFatal(err error) bool {
	var fatal *FatalError

	return xerrors.As(err, &fatal)
}
