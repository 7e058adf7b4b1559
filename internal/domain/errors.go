package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")

	// Dispatcher error taxonomy.
	ErrAuthentication          = errors.New("invalid message signature")
	ErrMalformedPayload        = errors.New("malformed payload")
	ErrJobNotFound             = errors.New("job not found")
	ErrJobTerminal             = errors.New("job already terminal")
	ErrProviderTaskCreation    = errors.New("provider task creation failed")
	ErrTransientInfrastructure = errors.New("transient infrastructure failure")
)
