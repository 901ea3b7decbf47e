package vm

import (
	"github.com/pkg/errors"
)

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

// Sentinel errors. Call sites wrap these with context; callers test the kind
// with errors.Is.
var (
	// ErrInvalidArgument reports malformed input such as a null operand or a
	// negative index.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState reports a protocol violation: pop on an empty stack,
	// unlock by a non-owner, collection while threads are running.
	ErrInvalidState = errors.New("invalid state")

	// ErrIndexOutOfBounds reports local, operand or element addressing past
	// the allocated range.
	ErrIndexOutOfBounds = errors.New("index out of bounds")

	// ErrStackOverflow reports exhaustion of a bounded stack.
	ErrStackOverflow = errors.New("stack overflow")

	// ErrStackUnderrun reports a pop past the bottom of a bounded stack.
	ErrStackUnderrun = errors.New("stack underrun")

	// ErrOutOfMemory reports that a request or the live set does not fit in
	// a semispace.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrUnsupported reports a type or operation combination that is not
	// modelled.
	ErrUnsupported = errors.New("unsupported")

	// ErrNotImplemented reports an operation the core does not provide.
	ErrNotImplemented = errors.New("not implemented")

	// ErrSafepointTimeout reports that not every thread reached a safepoint
	// before the pause timeout. The caller may retry.
	ErrSafepointTimeout = errors.New("safepoint timeout")

	// ErrInterrupted reports that a monitor wait ended because the thread
	// was interrupted.
	ErrInterrupted = errors.New("interrupted")
)

func invalidArgument(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}

func invalidState(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidState, format, args...)
}

func outOfBounds(format string, args ...interface{}) error {
	return errors.Wrapf(ErrIndexOutOfBounds, format, args...)
}

func interrupted(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInterrupted, format, args...)
}

func unsupported(format string, args ...interface{}) error {
	return errors.Wrapf(ErrUnsupported, format, args...)
}
