package engine

import "errors"

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
	ErrStale       = errors.New("task dropped: queued too long")
)

// NoRetry marks err as permanent. The engine reports the wrapped error
// without running the task again.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err}
}

type permanent struct{ error }

func (p permanent) Unwrap() error { return p.error }

// unwrapPermanent reports whether err was marked with NoRetry and returns
// the original error.
func unwrapPermanent(err error) (error, bool) {
	var p permanent
	if errors.As(err, &p) {
		return p.error, true
	}
	return err, false
}
