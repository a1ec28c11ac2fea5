package backend

import "errors"

// Error kinds a Backend may return. BackendUnavailable and BackendProtocol
// are the only two the backends in this package return; the Limiter facade
// absorbs any backend error and converts it into an admission decision per
// its fail mode. Programmer errors (invalid key or cost) are raised by the
// facade itself before a backend is called.
var (
	// ErrBackendUnavailable means the coordinator was unreachable or timed out.
	ErrBackendUnavailable = errors.New("guardian/backend: backend unavailable")
	// ErrBackendProtocol means the coordinator responded but not as expected.
	ErrBackendProtocol = errors.New("guardian/backend: unexpected backend response")
)
