package pool

import "errors"

var (
	// ErrPoolExhausted is returned in fail-fast mode when both the per-route
	// and global admission checks leave no room for another lease.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrAcquireTimeout is returned when the bounded wait for a free slot
	// elapses before one is granted.
	ErrAcquireTimeout = errors.New("connection acquisition timed out")

	// ErrInvalidRelease signals a contract violation: the connection handed
	// back is not currently tracked as leased by this manager.
	ErrInvalidRelease = errors.New("release of a connection not leased from this pool")

	// ErrShutdown is returned for any operation attempted after Shutdown.
	ErrShutdown = errors.New("connection pool is shut down")
)
