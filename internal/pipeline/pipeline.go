// Package pipeline provides a partitioned, in-order work dispatcher. Units
// with the same partition key are processed strictly in arrival order; units
// on different keys run concurrently up to a global cap.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/agentbridge/agentbridge/internal/common/logger"
)

// DefaultPartition is the key used when no partition can be derived from a
// unit. All keyless units serialize behind each other.
const DefaultPartition = "default"

// Handler processes one unit. A panic in the handler is recovered and logged;
// it poisons neither the partition nor the pipeline.
type Handler func(ctx context.Context, unit any)

// Pipeline fans units out across per-key FIFO queues. Enqueue blocks when a
// partition's queue is full, so a fast producer is throttled instead of
// events being dropped or reordered.
type Pipeline struct {
	handler    Handler
	queueDepth int

	// sem caps how many partitions may run their handler at once.
	sem chan struct{}

	mu         sync.Mutex
	partitions map[string]chan any
	closed     bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger *logger.Logger
}

// New creates a pipeline. maxConcurrency caps cross-partition parallelism
// and queueDepth bounds each partition's backlog.
func New(handler Handler, maxConcurrency, queueDepth int, log *logger.Logger) *Pipeline {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		handler:    handler,
		queueDepth: queueDepth,
		sem:        make(chan struct{}, maxConcurrency),
		partitions: make(map[string]chan any),
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.WithFields(zap.String("component", "pipeline")),
	}
}

// Enqueue appends a unit to its partition's queue, creating the partition
// worker on first use. Blocks while the queue is full; returns an error only
// after Close or context cancellation.
func (p *Pipeline) Enqueue(ctx context.Context, key string, unit any) error {
	if key == "" {
		key = DefaultPartition
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("pipeline closed")
	}
	ch, ok := p.partitions[key]
	if !ok {
		ch = make(chan any, p.queueDepth)
		p.partitions[key] = ch
		p.wg.Add(1)
		go p.run(key, ch)
	}
	p.mu.Unlock()

	select {
	case ch <- unit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return fmt.Errorf("pipeline closed")
	}
}

// run drains one partition's queue in FIFO order. One goroutine per key is
// what guarantees in-order processing; the semaphore only bounds how many
// keys make progress simultaneously.
func (p *Pipeline) run(key string, ch chan any) {
	defer p.wg.Done()
	for {
		select {
		case unit := <-ch:
			p.process(key, unit)
		case <-p.ctx.Done():
			// Drain whatever was accepted before shutdown. The channel is
			// never closed, so blocked producers fail on ctx instead of
			// panicking on a closed channel.
			for {
				select {
				case unit := <-ch:
					p.process(key, unit)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) process(key string, unit any) {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panic",
				zap.String("partition", key),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	p.handler(p.ctx, unit)
}

// Partitions reports how many partition workers exist.
func (p *Pipeline) Partitions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.partitions)
}

// Close stops accepting units, lets workers drain their accepted backlog,
// and waits for them to exit.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
