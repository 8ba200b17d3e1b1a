package errs

import "errors"

var (
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrInvalidStatus     = errors.New("invalid status: must be 'open', 'pending' or 'resolved'")
	ErrInvalidTransition = errors.New("status transition not allowed")
	ErrEmptyMessage      = errors.New("message or at least one attachment is required")
	ErrForbidden         = errors.New("forbidden")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrInvalidRole       = errors.New("role must be 'user' or 'admin'")
	// ErrSessionExpired is returned by the client when the API rejects the credential (401/403).
	// It is fatal to the session and must not be retried.
	ErrSessionExpired = errors.New("session expired")
)
