package dispatch

import (
	"context"
	"sync"

	"github.com/cuemby/snapguard/pkg/log"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Handler executes one Effect. Handlers must be idempotent (§9): the bus
// redelivers nothing itself, but the coordinator resubmits effects after
// master failover, and a handler may also be invoked twice for the same
// logical effect if a retry races a redrive.
type Handler func(ctx context.Context, effect Effect) error

// Bus is the generic executor of §5: cluster-state updates submit effects
// here and return immediately; a bounded pool drains them concurrently so
// the submitting goroutine (the Raft apply path) never blocks on shard RPCs
// or blob-store I/O. Each effect goes to the one handler registered for its
// Kind; nothing fans out to observers.
type Bus struct {
	effectCh chan Effect
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu       sync.RWMutex
	handlers map[Kind]Handler

	group *errgroup.Group
	ctx   context.Context
}

// NewBus returns a Bus with the given bounded worker concurrency.
func NewBus(concurrency int) *Bus {
	group, ctx := errgroup.WithContext(context.Background())
	group.SetLimit(concurrency)
	return &Bus{
		effectCh: make(chan Effect, 256),
		stopCh:   make(chan struct{}),
		handlers: make(map[Kind]Handler),
		group:    group,
		ctx:      ctx,
	}
}

// SetHandler registers the function invoked for effects of kind. Call
// before Start; handlers are not safe to change concurrently with Submit.
func (b *Bus) SetHandler(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = h
}

// Start begins draining submitted effects onto the bounded pool.
func (b *Bus) Start() {
	b.wg.Add(1)
	go b.run()
}

// Stop stops accepting new effects and waits for in-flight ones to finish.
func (b *Bus) Stop() {
	close(b.stopCh)
	b.wg.Wait()
	b.group.Wait()
}

// Submit enqueues effect for dispatch. Never blocks the caller on I/O;
// Submit itself may briefly block if the queue is full, which back-pressures
// the cluster-state loop rather than dropping an effect silently.
func (b *Bus) Submit(effect Effect) {
	select {
	case b.effectCh <- effect:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	defer b.wg.Done()
	logger := log.WithComponent("dispatch")

	for {
		select {
		case effect := <-b.effectCh:
			b.dispatch(logger, effect)
		case <-b.stopCh:
			// Drain whatever is already queued before returning.
			for {
				select {
				case effect := <-b.effectCh:
					b.dispatch(logger, effect)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(logger zerolog.Logger, effect Effect) {
	b.mu.RLock()
	handler, ok := b.handlers[effect.Kind]
	b.mu.RUnlock()

	if !ok {
		logger.Warn().Str("kind", string(effect.Kind)).Msg("no handler registered for effect kind")
		return
	}

	b.group.Go(func() error {
		if err := handler(b.ctx, effect); err != nil {
			logger.Error().Err(err).
				Str("kind", string(effect.Kind)).
				Str("repository", effect.Repository).
				Msg("effect handler failed")
		}
		return nil
	})
}
