package sink

import (
	"context"
	"sync"
)

// Delivery is the pending outcome of a Publish call.
type Delivery struct {
	done chan struct{}

	mu        sync.Mutex
	resolved  bool
	result    Result
	err       error
	callbacks []func(Result, error)
}

// NewDelivery returns a pending Delivery and the function that completes it.
// Only the first call to complete has an effect.
func NewDelivery() (*Delivery, func(Result, error)) {
	d := &Delivery{done: make(chan struct{})}
	return d, d.complete
}

// Resolved returns a Delivery that is already complete.
func Resolved(res Result, err error) *Delivery {
	d, complete := NewDelivery()
	complete(res, err)
	return d
}

func (d *Delivery) complete(res Result, err error) {
	d.mu.Lock()
	if d.resolved {
		d.mu.Unlock()
		return
	}
	d.resolved = true
	d.result = res
	d.err = err
	callbacks := d.callbacks
	d.callbacks = nil
	close(d.done)
	d.mu.Unlock()

	for _, fn := range callbacks {
		fn(res, err)
	}
}

// Done is closed once the outcome is known.
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Wait blocks until the delivery completes or ctx is done.
func (d *Delivery) Wait(ctx context.Context) (Result, error) {
	select {
	case <-d.done:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.result, d.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// OnComplete registers fn to run with the outcome. When the delivery is
// already complete fn runs immediately on the calling goroutine, otherwise
// on the goroutine that completes it.
func (d *Delivery) OnComplete(fn func(Result, error)) {
	d.mu.Lock()
	if !d.resolved {
		d.callbacks = append(d.callbacks, fn)
		d.mu.Unlock()
		return
	}
	res, err := d.result, d.err
	d.mu.Unlock()
	fn(res, err)
}
