package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrUserNotFound is returned when the owning user of a job does not exist
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidTransition is returned when a status write is not allowed from the job's current status
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrNoRequestMode is returned when none of the request variants is populated on a job
	ErrNoRequestMode = errors.New("job has no resolvable request mode")

	// ErrAmbiguousRequestMode is returned at submission when more than one request variant is populated
	ErrAmbiguousRequestMode = errors.New("exactly one request mode must be provided")

	// ErrCreditRaceLost is returned when the conditional debit finds the balance exhausted
	ErrCreditRaceLost = errors.New("credit balance exhausted before debit")

	// ErrAdmissionTimeout is returned when a job waited too long for its user's admission slot
	ErrAdmissionTimeout = errors.New("admission timeout")

	// ErrLeaseLost is returned when a job's admission lease was taken over before it ran
	ErrLeaseLost = errors.New("admission lease lost")

	// ErrInvalidMessage is returned when a dispatch message is malformed
	ErrInvalidMessage = errors.New("invalid job message")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err carries a RetryableError anywhere in its chain
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
