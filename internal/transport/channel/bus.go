package channel

import (
	"context"
	"errors"
	"time"

	"github.com/nogataka/autocoder/internal/domain"
)

// DefaultEmitTimeout bounds how long Emit blocks on a full buffer before
// giving up. The reconciler re-emits anything dropped here.
const DefaultEmitTimeout = 5 * time.Second

// ErrBufferFull is returned when an event cannot be buffered within the
// emit timeout.
var ErrBufferFull = errors.New("event bus buffer full")

// MetricsSink receives buffer observations from the bus.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()
}

// EventBus carries control events from the engine to the dispatcher over
// a buffered channel.
type EventBus struct {
	ch          chan domain.ControlEvent
	emitTimeout time.Duration
	metrics     MetricsSink
}

type Option func(*EventBus)

func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) {
		b.emitTimeout = d
	}
}

func WithMetrics(m MetricsSink) Option {
	return func(b *EventBus) {
		b.metrics = m
	}
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		ch:          make(chan domain.ControlEvent, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.BufferCapacitySet(buffer)
	}
	return b
}

// Emit buffers an event for the dispatcher. It blocks up to the emit
// timeout when the buffer is full, then returns ErrBufferFull so the
// caller can move on; the transition row stays 'emitted' and the
// reconciler picks it up later.
func (b *EventBus) Emit(ctx context.Context, event domain.ControlEvent) error {
	select {
	case b.ch <- event:
		b.observeBuffer()
		return nil
	default:
	}

	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- event:
		b.observeBuffer()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		if b.metrics != nil {
			b.metrics.EmitError()
		}
		return ErrBufferFull
	}
}

func (b *EventBus) Channel() <-chan domain.ControlEvent {
	return b.ch
}

func (b *EventBus) observeBuffer() {
	if b.metrics == nil {
		return
	}
	size := len(b.ch)
	b.metrics.BufferSizeUpdate(size)
	if c := cap(b.ch); c > 0 {
		b.metrics.BufferSaturationUpdate(float64(size) / float64(c))
	}
}
