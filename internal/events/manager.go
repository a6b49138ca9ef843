package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/paygate/internal/async"
	"github.com/rcourtman/paygate/internal/metrics"
)

// FilterResult is returned by a Filterer.
type FilterResult int

const (
	ProcessEvent FilterResult = iota
	CancelEvent
)

// Filterer may cancel an event before listeners see it.
type Filterer func(Event) FilterResult

// Listener receives delivered events.
type Listener func(Event)

type queued struct {
	ev      Event
	barrier chan struct{}
}

// Manager delivers logged events in order once the runtime configuration is
// ready. If configuration fails, buffered and later events are dropped.
type Manager struct {
	ready *async.Promise[struct{}]
	now   func() time.Time

	mu        sync.Mutex
	filterers []Filterer
	listeners []Listener
	pending   []queued
	failed    bool
	closed    bool

	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
}

// NewManager starts a manager gated on ready.
func NewManager(ready *async.Promise[struct{}]) *Manager {
	m := &Manager{
		ready:   ready,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go m.run()
	return m
}

// Ready returns the configuration future the manager waits on.
func (m *Manager) Ready() *async.Promise[struct{}] {
	return m.ready
}

// RegisterFilterer adds a filterer. Filterers run in registration order.
func (m *Manager) RegisterFilterer(f Filterer) {
	if f == nil {
		return
	}
	m.mu.Lock()
	m.filterers = append(m.filterers, f)
	m.mu.Unlock()
}

// RegisterListener adds a listener. Listeners run in registration order.
func (m *Manager) RegisterListener(l Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// LogEvent queues ev for delivery. Events with unknown codes are rejected.
func (m *Manager) LogEvent(ev Event) error {
	if errs := ev.Validate(); !errs.OK() {
		return errs.Err("log_event")
	}
	if ev.ID == "" {
		ev.ID = newEventID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}

	m.mu.Lock()
	switch {
	case m.failed:
		m.mu.Unlock()
		metrics.GetAccessMetrics().RecordDropped("config_failed", 1)
		return nil
	case m.closed:
		m.mu.Unlock()
		metrics.GetAccessMetrics().RecordDropped("closed", 1)
		return nil
	}
	m.pending = append(m.pending, queued{ev: ev})
	m.mu.Unlock()

	m.signal()
	return nil
}

// LogSwgEvent logs an event originating from the runtime itself.
func (m *Manager) LogSwgEvent(t Type, fromUserAction bool, params *Params) {
	m.logAs(OriginSwG, t, fromUserAction, params)
}

func (m *Manager) logAs(origin Originator, t Type, fromUserAction bool, params *Params) {
	err := m.LogEvent(Event{
		Type:             t,
		Originator:       origin,
		IsFromUserAction: fromUserAction,
		Params:           params,
	})
	if err != nil {
		log.Warn().Err(err).Str("event", t.String()).Msg("Dropping invalid analytics event")
	}
}

// Flush blocks until every event logged before the call has been delivered
// or dropped.
func (m *Manager) Flush(ctx context.Context) error {
	done := make(chan struct{})

	m.mu.Lock()
	if m.failed || m.closed {
		m.mu.Unlock()
		return nil
	}
	m.pending = append(m.pending, queued{barrier: done})
	m.mu.Unlock()
	m.signal()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close delivers what is already queued (if configuration succeeded) and
// stops the delivery goroutine.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.stopped
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.stop)
	<-m.stopped
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer close(m.stopped)

	select {
	case <-m.ready.Done():
	case <-m.stop:
		m.dropPending("closed")
		return
	}

	if _, err := m.ready.Wait(context.Background()); err != nil {
		log.Debug().Err(err).Msg("Configuration failed; dropping analytics events")
		m.mu.Lock()
		m.failed = true
		m.mu.Unlock()
		m.dropPending("config_failed")
		return
	}

	for {
		batch := m.take()
		for _, q := range batch {
			if q.barrier != nil {
				close(q.barrier)
				continue
			}
			m.deliver(q.ev)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-m.wake:
		case <-m.stop:
			for _, q := range m.take() {
				if q.barrier != nil {
					close(q.barrier)
					continue
				}
				m.deliver(q.ev)
			}
			return
		}
	}
}

func (m *Manager) take() []queued {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.pending
	m.pending = nil
	return batch
}

func (m *Manager) dropPending(reason string) {
	dropped := 0
	for _, q := range m.take() {
		if q.barrier != nil {
			close(q.barrier)
			continue
		}
		dropped++
	}
	metrics.GetAccessMetrics().RecordDropped(reason, dropped)
}

func (m *Manager) deliver(ev Event) {
	m.mu.Lock()
	filterers := append([]Filterer(nil), m.filterers...)
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, f := range filterers {
		if callFilterer(f, ev) == CancelEvent {
			return
		}
	}
	for _, l := range listeners {
		callListener(l, ev)
	}
	metrics.GetAccessMetrics().RecordEvent(ev.Type.String(), ev.Originator.String())
}

func callFilterer(f Filterer, ev Event) (res FilterResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event", ev.Type.String()).Msg("Event filterer panicked")
			res = ProcessEvent
		}
	}()
	return f(ev)
}

func callListener(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event", ev.Type.String()).Msg("Event listener panicked")
		}
	}()
	l(ev)
}
