package captcha

import (
	"context"
)

// Pool bounds concurrent in-flight recognitions. OCR is CPU-bound, so
// the REST side handing many user-initiated lookups to one engine must
// cap parallelism; the scheduler's sequential loop never needs more
// than one slot. The pool is an explicitly constructed, injectable
// instance — no package-level state.
type Pool struct {
	inner Recognizer
	slots chan struct{}
}

// NewPool wraps inner with a semaphore of the given size.
func NewPool(inner Recognizer, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		inner: inner,
		slots: make(chan struct{}, size),
	}
}

// Recognize acquires a slot, runs the wrapped recognizer, and releases
// the slot. Waiting respects ctx cancellation.
func (p *Pool) Recognize(ctx context.Context, image []byte, contentType string) (Recognition, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return Recognition{}, ctx.Err()
	}
	defer func() { <-p.slots }()

	return p.inner.Recognize(ctx, image, contentType)
}
