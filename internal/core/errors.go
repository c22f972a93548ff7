package core

import "errors"

var (
	// ErrInvalidCredentials is returned for an unknown email, a wrong
	// password and a disabled account alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInsufficientData means a trend needs at least two samples.
	ErrInsufficientData = errors.New("insufficient data")
)
