package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultOffloadBuffer is the queue size of a client's side-work queue.
const DefaultOffloadBuffer = 256

// Offloader runs side work of a client (event mirroring, transcript writes) on
// one goroutine so that it never holds up event delivery or cancellation.
// Submit never blocks; work is dropped and logged when the queue is full or the
// offloader is closed.
type Offloader struct {
	log     zerolog.Logger
	jobs    chan offloadJob
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

type offloadJob struct {
	name string
	fn   func()
}

func NewOffloader(size int, l zerolog.Logger) *Offloader {
	if size <= 0 {
		size = DefaultOffloadBuffer
	}
	o := &Offloader{
		log:  l,
		jobs: make(chan offloadJob, size),
		done: make(chan struct{}),
	}
	go o.loop()
	return o
}

func (o *Offloader) loop() {
	defer close(o.done)
	for j := range o.jobs {
		o.run(j)
	}
}

func (o *Offloader) run(j offloadJob) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Interface("panic", r).Str("job", j.name).Msg("offloaded job panicked")
		}
	}()
	j.fn()
}

// Submit queues fn and reports whether it was accepted.
func (o *Offloader) Submit(name string, fn func()) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		o.drop(name, "closed")
		return false
	}
	select {
	case o.jobs <- offloadJob{name: name, fn: fn}:
		return true
	default:
		o.drop(name, "queue full")
		return false
	}
}

func (o *Offloader) drop(name, reason string) {
	n := o.dropped.Add(1)
	o.log.Warn().Str("job", name).Str("reason", reason).Int64("dropped", n).Msg("dropping offloaded job")
}

// Dropped counts the jobs refused so far.
func (o *Offloader) Dropped() int64 {
	return o.dropped.Load()
}

// Close stops accepting work and waits up to timeout for queued jobs. A
// non-positive timeout waits until the queue is drained. It reports whether the
// queue drained in time.
func (o *Offloader) Close(timeout time.Duration) bool {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		close(o.jobs)
	}
	o.mu.Unlock()

	if timeout <= 0 {
		<-o.done
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-o.done:
		return true
	case <-t.C:
		return false
	}
}
