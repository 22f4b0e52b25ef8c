// Package events implements the buffered storage-event distribution
// pipeline described in §2, §5 and §9: a bounded channel from a local
// store to each subscriber, coalescing events into batches on a size or
// time threshold, whichever fires first, and dropping the oldest
// buffered batch (with a warning, never silently) on subscriber
// back-pressure.
//
// This replaces the teacher's reactive-streams-with-schedulers source
// design (see design note in §9) with an explicit channel-and-goroutine
// pipeline, matching how the rest of this module avoids introducing an
// Rx-style dependency the pack never uses.
package events

import (
	"sync"
	"time"

	fglog "github.com/forestgiant/log"
)

// defaultBacklog bounds how many pending batches a slow subscriber may
// accumulate before the pipeline starts dropping the oldest one.
const defaultBacklog = 16

// Pipeline batches events of type E for delivery to subscribers, each on
// its own goroutine, using a size-or-time window: a batch flushes as soon
// as it reaches maxCollected events, or maxCollectedTime elapses since its
// first event, whichever comes first.
type Pipeline[E any] struct {
	maxCollected int
	window       time.Duration
	logger       *fglog.Logger

	in chan E

	mu          sync.Mutex
	subscribers map[int]chan []E
	nextID      int
	closed      bool

	done chan struct{}
}

// New returns a running Pipeline. maxCollected <= 0 defaults to 256;
// window <= 0 defaults to 250ms. logger may be nil.
func New[E any](maxCollected int, window time.Duration, logger *fglog.Logger) *Pipeline[E] {
	if maxCollected <= 0 {
		maxCollected = 256
	}
	if window <= 0 {
		window = 250 * time.Millisecond
	}
	if logger == nil {
		discard := fglog.Logger{}
		logger = &discard
	}
	p := &Pipeline[E]{
		maxCollected: maxCollected,
		window:       window,
		logger:       logger,
		in:           make(chan E, maxCollected),
		subscribers:  make(map[int]chan []E),
		done:         make(chan struct{}),
	}
	go p.run()
	return p
}

// Emit enqueues an event for batching. Safe for concurrent use; never
// blocks the caller's local-store mutation for longer than a channel
// send, since in is sized to maxCollected.
func (p *Pipeline[E]) Emit(e E) {
	select {
	case p.in <- e:
	case <-p.done:
	}
}

// Subscribe registers a receiver of event batches. Returns a channel of
// batches and an unsubscribe function. If the subscriber falls behind,
// the pipeline drops its oldest pending batch and logs a warning rather
// than blocking the pipeline or silently losing the drop itself.
func (p *Pipeline[E]) Subscribe() (<-chan []E, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan []E, defaultBacklog)
	id := p.nextID
	p.nextID++
	p.subscribers[id] = ch

	unsubscribe := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.subscribers[id]; ok {
			delete(p.subscribers, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

func (p *Pipeline[E]) run() {
	batch := make([]E, 0, p.maxCollected)
	timer := time.NewTimer(p.window)
	if !timer.Stop() {
		<-timer.C
	}
	timerRunning := false

	flush := func() {
		if len(batch) == 0 {
			return
		}
		out := batch
		batch = make([]E, 0, p.maxCollected)
		p.broadcast(out)
	}

	for {
		select {
		case e, ok := <-p.in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if !timerRunning {
				timer.Reset(p.window)
				timerRunning = true
			}
			if len(batch) >= p.maxCollected {
				if timerRunning && !timer.Stop() {
					<-timer.C
				}
				timerRunning = false
				flush()
			}
		case <-timer.C:
			timerRunning = false
			flush()
		case <-p.done:
			return
		}
	}
}

func (p *Pipeline[E]) broadcast(batch []E) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subscribers {
		select {
		case ch <- batch:
		default:
			// Subscriber is behind: drop its oldest pending batch to make
			// room, warning rather than dropping silently.
			select {
			case old := <-ch:
				p.logger.Error("events: dropped oldest batch for slow subscriber", "subscriber", id, "dropped", len(old))
			default:
			}
			select {
			case ch <- batch:
			default:
			}
		}
	}
}

// Close stops the pipeline and closes every subscriber channel.
func (p *Pipeline[E]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subscribers {
		close(ch)
		delete(p.subscribers, id)
	}
}
