package engine

import (
	"context"
	stderrors "errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrBridgeSaturated is the host error raised when MaxPendingHostOps async
// operations are already in flight.
var ErrBridgeSaturated = stderrors.New("async bridge saturated")

// PendingOp is the deferred half of an async host function. It runs on its
// own goroutine while the calling guest is suspended and must return
// promptly once ctx is cancelled. Its results are written back to the guest
// as the host function's results.
type PendingOp func(ctx context.Context) ([]uint64, error)

// Bridge runs pending operations off the guest goroutine. One bridge is
// shared by all instances of an engine.
type Bridge struct {
	sem      *semaphore.Weighted
	next     atomic.Uint64
	inflight atomic.Int64
}

func newBridge(maxPending int64) *Bridge {
	b := &Bridge{}
	if maxPending > 0 {
		b.sem = semaphore.NewWeighted(maxPending)
	}
	return b
}

// Token is the continuation of a suspended call: the guest goroutine parks
// on Done and collects the operation's outcome with Result.
type Token struct {
	done    chan struct{}
	cancel  context.CancelFunc
	err     error
	results []uint64
	id      uint64
}

// Start launches op with a context carrying ctx's values. Only Cancel stops
// the operation: cancellation of ctx reaches it through the governor, so the
// suspended call reports the interrupt rather than the operation's error.
// It fails without blocking when the bridge is saturated.
func (b *Bridge) Start(ctx context.Context, op PendingOp) (*Token, error) {
	if b.sem != nil && !b.sem.TryAcquire(1) {
		return nil, ErrBridgeSaturated
	}

	opCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &Token{
		id:     b.next.Add(1),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	b.inflight.Add(1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.results, t.err = nil, panicError(r)
			}
			b.inflight.Add(-1)
			if b.sem != nil {
				b.sem.Release(1)
			}
			close(t.done)
		}()
		t.results, t.err = op(opCtx)
	}()
	return t, nil
}

// Pending returns the number of operations in flight.
func (b *Bridge) Pending() int64 {
	return b.inflight.Load()
}

// ID identifies the token within its bridge.
func (t *Token) ID() uint64 {
	return t.id
}

// Done is closed once the operation has returned.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Cancel signals the operation to stop. Its eventual result is discarded by
// the caller; Cancel does not wait for it.
func (t *Token) Cancel() {
	t.cancel()
}

// Result returns the operation's outcome. Only valid after Done is closed.
func (t *Token) Result() ([]uint64, error) {
	<-t.done
	return t.results, t.err
}
