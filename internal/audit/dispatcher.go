package audit

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"security-gateway/internal/metrics"
	"security-gateway/internal/models"
	"security-gateway/internal/util"
)

// Dispatcher moves audit writes off the request path. Events are stamped on
// enqueue, so timestamps reflect when they happened. Events arriving while the
// buffer is full or after Close are dropped and counted.
type Dispatcher struct {
	sink      *Sink
	ch        chan models.SecurityEvent
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	mu        sync.RWMutex // guards closed against in-flight sends
	closed    bool
	closeOnce sync.Once
}

func NewDispatcher(sink *Sink, bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	d := &Dispatcher{
		sink: sink,
		ch:   make(chan models.SecurityEvent, bufferSize),
		done: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.sink.Write(context.Background(), event)
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.sink.Write(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) Record(_ context.Context, e Entry) {
	event := d.sink.Event(e)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(event, "Audit dispatcher closed, dropping security event")
		return
	}
	select {
	case d.ch <- event:
	default:
		d.drop(event, "Audit buffer full, dropping security event")
	}
}

func (d *Dispatcher) drop(event models.SecurityEvent, msg string) {
	d.dropped.Add(1)
	metrics.AuditDropped.Inc()
	util.Warn(msg,
		zap.String("event_type", string(event.EventType)),
		zap.String("ip", event.SourceAddress))
}

// Close stops accepting events and drains what is buffered. Once it holds
// the write lock no Record can still be sending, so the drain sees every
// accepted event.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.done)
		d.wg.Wait()
	})
}

func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}
