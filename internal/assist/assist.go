// Package assist implements the optional reading assistant of spec.md §5:
// a single background goroutine that prefetches and decodes tiles along
// the observed access pattern, handing finished tiles to the main thread
// over a bounded channel.
//
// Lifecycle follows an errgroup-plus-cancellation shape: Start launches
// exactly one goroutine under an errgroup.Group tied to a cancellable
// context; Stop cancels the context and waits for the goroutine to
// return, unconditionally, including when the decoder has been failing.
package assist

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/gvrs-go/gvrs/internal/tiledata"
)

// Decoder loads and decodes one tile, off the main thread. It must not
// touch the tile cache; the assistant only ever returns decoded buffers
// over Results, never installs them itself (spec.md §5: "It never mutates
// cache entries").
type Decoder func(tileIndex int) (map[int]*tiledata.Buffer, error)

// Result is one decoded tile handed back to the main thread. A non-nil Err
// means the decode failed; per spec.md §5 this surfaces to the caller as
// gvrserr.IntegrityFailure on the next main-thread read of TileIndex, via
// whatever error Decoder itself returned (the assistant does not rewrap
// it).
type Result struct {
	TileIndex int
	Buffers   map[int]*tiledata.Buffer
	Err       error
}

// Assist runs the background goroutine. The zero value is not usable;
// construct with Start.
type Assist struct {
	cancel   context.CancelFunc
	eg       *errgroup.Group
	requests chan int
	results  chan Result
}

// Start launches the assistant's single goroutine. bufferSize bounds both
// the pending-request queue and the pending-result queue (the
// single-producer/single-consumer handoff spec.md §5 requires).
func Start(parent context.Context, decode Decoder, bufferSize int) *Assist {
	ctx, cancel := context.WithCancel(parent)
	eg, ctx := errgroup.WithContext(ctx)

	a := &Assist{
		cancel:   cancel,
		eg:       eg,
		requests: make(chan int, bufferSize),
		results:  make(chan Result, bufferSize),
	}

	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case tileIndex, ok := <-a.requests:
				if !ok {
					return nil
				}
				buffers, err := decode(tileIndex)
				select {
				case a.results <- Result{TileIndex: tileIndex, Buffers: buffers, Err: err}:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})

	return a
}

// Prefetch enqueues tileIndex for background decode. It reports false
// without blocking if the request queue is currently full; the caller
// falls back to a synchronous main-thread read in that case.
func (a *Assist) Prefetch(tileIndex int) bool {
	select {
	case a.requests <- tileIndex:
		return true
	default:
		return false
	}
}

// Results returns the channel of decoded tiles. The main thread should
// drain it opportunistically (e.g. at the top of each read) and install
// anything it finds into the cache before issuing its own synchronous
// read.
func (a *Assist) Results() <-chan Result {
	return a.results
}

// Stop cancels the assistant's context and waits for its goroutine to
// exit. It is safe to call exactly once and must be called on every close
// path, including error paths — spec.md §5: "Failure to stop it is a
// bug."
func (a *Assist) Stop() error {
	a.cancel()
	close(a.requests)
	return a.eg.Wait()
}
