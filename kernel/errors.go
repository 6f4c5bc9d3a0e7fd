package kernel

import "errors"

var (
	ErrCapacityExceeded = errors.New("kernel: capacity exceeded")
	ErrDuplicateID      = errors.New("kernel: duplicate task id")
	ErrTableSealed      = errors.New("kernel: task table sealed")
	ErrNotInitialized   = errors.New("kernel: not initialized")
	ErrNilEntry         = errors.New("kernel: nil task entry")
	ErrNoRunnableTask   = errors.New("kernel: no runnable task")
	ErrInvalidID        = errors.New("kernel: invalid id")
	ErrBadConfig        = errors.New("kernel: bad config")
)
