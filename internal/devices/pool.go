package devices

import (
	"context"
	"errors"
	"fmt"
)

// ErrPoolSaturated is returned when all worker slots are busy and the caller
// declines to wait.
var ErrPoolSaturated = errors.New("device worker pool saturated")

// Pool bounds the number of concurrent calls into vendor SDKs so a pile-up of
// slow or blocking device I/O cannot exhaust the process. Slots are a
// semaphore; there are no persistent worker goroutines.
type Pool struct {
	slots chan struct{}
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// Do runs fn in a slot, waiting for one to free up if all are busy. It
// returns the error from fn, or the context error if the wait is cancelled.
// A panic inside fn is converted to an error so device adapters cannot take
// down the scheduler loop.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.slots }()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("device call panicked: %v", r)
			}
		}()
		return fn(ctx)
	}()
	return err
}

// TryDo runs fn only if a slot is free, otherwise fails fast with
// ErrPoolSaturated.
func (p *Pool) TryDo(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case p.slots <- struct{}{}:
	default:
		return ErrPoolSaturated
	}
	defer func() { <-p.slots }()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("device call panicked: %v", r)
			}
		}()
		return fn(ctx)
	}()
	return err
}
