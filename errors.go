package guardian

import (
	"errors"

	"github.com/guardianhq/guardian/backend"
)

// Programmer-error classes, surfaced to the caller unchanged.
var (
	ErrInvalidKey  = errors.New("guardian: invalid key")
	ErrInvalidCost = errors.New("guardian: invalid cost")
)

// Fault classes, absorbed by the Limiter Facade and converted into an
// admission decision per fail mode. Re-exported from package backend so
// callers never need to import it directly.
var (
	ErrBackendUnavailable = backend.ErrBackendUnavailable
	ErrBackendProtocol    = backend.ErrBackendProtocol
)
