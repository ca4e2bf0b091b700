package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"
)

const (
	// StackTraceBufferSize is the buffer size for stack trace collection
	StackTraceBufferSize = 4096
)

// Recover recovers from panics in long-running goroutines and logs them.
// If logger is nil it falls back to stderr so the panic is still recorded.
func Recover(name string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		stack := captureStack()
		if logger != nil {
			logger.Errorw("Goroutine panic recovered",
				"goroutine", name,
				"panic", r,
				"stack", stack)
			return
		}
		fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n", name, r, stack)
	}
}

// RecoverError converts a panic in the calling function into an error wrapping sentinel and
// stores it in errp. It must be deferred directly:
//
//	func run() (err error) {
//	    defer goroutine.RecoverError("brute_force", core.ErrRuleEvaluation, &err, logger)
//	    ...
//	}
func RecoverError(name string, sentinel error, errp *error, logger *zap.SugaredLogger) {
	r := recover()
	if r == nil {
		return
	}
	stack := captureStack()
	if logger != nil {
		logger.Errorw("Panic recovered",
			"component", name,
			"panic", r,
			"stack", stack)
	}
	if errp != nil {
		*errp = fmt.Errorf("%w: %s panicked: %v", sentinel, name, r)
	}
}

func captureStack() string {
	buf := make([]byte, StackTraceBufferSize)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
