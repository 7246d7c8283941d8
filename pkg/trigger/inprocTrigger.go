package trigger

import (
	"context"
	"errors"
	"sync"
	"time"
)

// InprocBus is an in-process trigger bus used by tests and single-node runs
// (trigger type "inproc"). Delivery is asynchronous and at-least-once within
// the process lifetime; delayed triggers are lost on crash, which the
// reconciliation jobs compensate for.
type InprocBus struct {
	mu      sync.Mutex
	handler Handler
	queue   chan Trigger
	stop    chan struct{}
	done    chan struct{}
	closed  bool
}

func NewInprocBus() *InprocBus {
	return &InprocBus{
		queue: make(chan Trigger, 256),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (b *InprocBus) Publish(ctx context.Context, t Trigger) error {
	select {
	case b.queue <- t:
		return nil
	case <-b.stop:
		return errors.New("trigger bus closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *InprocBus) PublishAfter(ctx context.Context, t Trigger, delay time.Duration) error {
	if delay <= 0 {
		return b.Publish(ctx, t)
	}
	time.AfterFunc(delay, func() {
		_ = b.Publish(context.Background(), t)
	})
	return nil
}

func (b *InprocBus) Subscribe(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handler != nil {
		return errors.New("trigger bus already subscribed")
	}
	b.handler = handler

	go func() {
		defer close(b.done)
		for {
			select {
			case <-b.stop:
				return
			case t := <-b.queue:
				// Handler errors are already reflected in store state; the
				// inproc bus does not redeliver.
				_ = handler(ctx, t)
			}
		}
	}()
	return nil
}

func (b *InprocBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.stop)
	if b.handler != nil {
		<-b.done
	}
	return nil
}
