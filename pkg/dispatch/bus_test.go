package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBus_DispatchesToRegisteredHandler(t *testing.T) {
	bus := NewBus(2)
	var calls int32
	bus.SetHandler(KindAbortShard, func(ctx context.Context, e Effect) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	bus.Start()
	defer bus.Stop()

	bus.Submit(Effect{Kind: KindAbortShard, Repository: "r"})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestBus_UnregisteredKindIsIgnored(t *testing.T) {
	bus := NewBus(1)
	bus.Start()
	defer bus.Stop()

	bus.Submit(Effect{Kind: KindFinalizeSnapshot, Repository: "r"})
	// No handler registered; Stop should return promptly without hanging.
}

func TestBus_StopDrainsQueuedEffects(t *testing.T) {
	bus := NewBus(4)
	var calls int32
	bus.SetHandler(KindDeleteBlobs, func(ctx context.Context, e Effect) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	bus.Start()

	for i := 0; i < 5; i++ {
		bus.Submit(Effect{Kind: KindDeleteBlobs, Repository: "r"})
	}
	bus.Stop()

	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}
