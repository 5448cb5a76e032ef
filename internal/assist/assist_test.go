package assist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gvrs-go/gvrs/internal/tiledata"
)

func TestPrefetchAndDrainResult(t *testing.T) {
	decode := func(tileIndex int) (map[int]*tiledata.Buffer, error) {
		return map[int]*tiledata.Buffer{0: tiledata.New(tiledata.TypeI32, 2, 2, 0, 0, 1, 0)}, nil
	}
	a := Start(context.Background(), decode, 4)
	defer a.Stop()

	if !a.Prefetch(7) {
		t.Fatal("expected Prefetch to accept a request into an empty queue")
	}

	select {
	case res := <-a.Results():
		if res.TileIndex != 7 {
			t.Fatalf("got tile %d, want 7", res.TileIndex)
		}
		if res.Err != nil {
			t.Fatalf("unexpected decode error: %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for prefetch result")
	}
}

func TestDecodeErrorSurfacesOnResult(t *testing.T) {
	wantErr := errors.New("corrupt tile")
	decode := func(tileIndex int) (map[int]*tiledata.Buffer, error) {
		return nil, wantErr
	}
	a := Start(context.Background(), decode, 4)
	defer a.Stop()

	a.Prefetch(3)
	select {
	case res := <-a.Results():
		if res.Err != wantErr {
			t.Fatalf("got err %v, want %v", res.Err, wantErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for prefetch result")
	}
}

func TestStopIsUnconditional(t *testing.T) {
	decode := func(tileIndex int) (map[int]*tiledata.Buffer, error) {
		return nil, errors.New("always fails")
	}
	a := Start(context.Background(), decode, 1)
	a.Prefetch(1)
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop should not propagate decode errors: %v", err)
	}
}

func TestPrefetchNonBlockingWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	decode := func(tileIndex int) (map[int]*tiledata.Buffer, error) {
		<-block
		return nil, nil
	}
	a := Start(context.Background(), decode, 1)
	defer func() {
		close(block)
		a.Stop()
	}()

	if !a.Prefetch(1) {
		t.Fatal("first prefetch should be accepted")
	}
	// Give the goroutine a moment to pick up tile 1 and block in decode.
	time.Sleep(50 * time.Millisecond)
	if !a.Prefetch(2) {
		t.Fatal("second prefetch should still fit the buffered channel")
	}
	if a.Prefetch(3) {
		t.Fatal("third prefetch should be rejected once the request queue is full")
	}
}
