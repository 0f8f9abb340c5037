package handler

import "errors"

// Error taxonomy shared across the executor, lanes, event bus, and scheduler.
// Callers classify failures with errors.Is.
var (
	// ErrHandlerNotFound means no in-process registration and no resolvable
	// handler file. Terminal for the dispatch.
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrExecutionFailed covers lane I/O, interpreter exceptions, and
	// serialization failures. It becomes a failed Result wherever a result
	// type exists.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrTimeout is a specialization of ErrExecutionFailed for deadline
	// expiry.
	ErrTimeout = errors.New("execution timed out")

	// ErrAdapter marks publish/subscribe failures on the pub/sub transport.
	ErrAdapter = errors.New("adapter error")

	// ErrInvalidExpression marks an unparseable cron expression at job-add
	// time.
	ErrInvalidExpression = errors.New("invalid cron expression")

	// ErrJobNotFound marks a lookup for an unknown job id.
	ErrJobNotFound = errors.New("job not found")
)
