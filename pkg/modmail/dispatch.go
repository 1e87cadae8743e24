// Copyright 2024-2026 Aiku AI

package modmail

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventHandler consumes dispatched events. *Engine implements it.
type EventHandler interface {
	HandleMessage(ctx context.Context, msg *Message) Outcome
	OnEdit(ctx context.Context, evt *EditEvent)
	OnDelete(ctx context.Context, evt *DeleteEvent)
}

var _ EventHandler = (*Engine)(nil)

// EventSink accepts platform events. Platform bindings push into it from
// their receive loops.
type EventSink interface {
	Dispatch(evt Event)
}

var _ EventSink = (*Dispatcher)(nil)

type lane struct {
	queue []Event
}

// Dispatcher runs events through one FIFO lane per ordering key. Lanes run
// concurrently; a lane's goroutine exits as soon as its queue is empty.
type Dispatcher struct {
	handler EventHandler
	log     zerolog.Logger
	base    zerolog.Logger
	ctx     context.Context

	lock    sync.Mutex
	lanes   map[string]*lane
	closed  bool
	pending sync.WaitGroup
}

// NewDispatcher creates a dispatcher whose handlers run with ctx.
func NewDispatcher(ctx context.Context, handler EventHandler, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handler: handler,
		log:     log.With().Str("component", "dispatcher").Logger(),
		base:    log,
		ctx:     ctx,
		lanes:   make(map[string]*lane),
	}
}

// Dispatch queues evt behind earlier events with the same ordering key.
// It never blocks on event handling.
func (d *Dispatcher) Dispatch(evt Event) {
	key := evt.OrderingKey()
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed {
		d.log.Warn().Str("event", evt.Kind()).Msg("Dropping event dispatched after close")
		return
	}
	d.pending.Add(1)
	if l, ok := d.lanes[key]; ok {
		l.queue = append(l.queue, evt)
		return
	}
	d.lanes[key] = &lane{queue: []Event{evt}}
	go d.drain(key)
}

func (d *Dispatcher) drain(key string) {
	for {
		d.lock.Lock()
		l := d.lanes[key]
		if len(l.queue) == 0 {
			delete(d.lanes, key)
			d.lock.Unlock()
			return
		}
		evt := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		d.lock.Unlock()

		d.handle(evt)
		d.pending.Done()
	}
}

func (d *Dispatcher) handle(evt Event) {
	relayID := uuid.NewString()
	log := d.log.With().Str("relay_id", relayID).Str("event", evt.Kind()).Logger()
	// Handlers tag the context logger with their own component.
	handlerLog := d.base.With().Str("relay_id", relayID).Str("event", evt.Kind()).Logger()
	ctx := handlerLog.WithContext(d.ctx)
	defer func() {
		if err := recover(); err != nil {
			log.Error().
				Bytes("stack", debug.Stack()).
				Str("panic", fmt.Sprint(err)).
				Msg("Panic while handling event")
		}
	}()
	switch typed := evt.(type) {
	case *InboundMessage:
		outcome := d.handler.HandleMessage(ctx, &typed.Message)
		log.Trace().Stringer("outcome", outcome).Msg("Handled message")
	case *EditEvent:
		d.handler.OnEdit(ctx, typed)
	case *DeleteEvent:
		d.handler.OnDelete(ctx, typed)
	}
}

// Wait blocks until every dispatched event has been handled.
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

// Close stops accepting events and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.lock.Lock()
	d.closed = true
	d.lock.Unlock()
	d.pending.Wait()
}
