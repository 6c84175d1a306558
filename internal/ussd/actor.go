package ussd

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Handle addresses an actor. Tell never blocks.
type Handle interface {
	ID() string
	Tell(msg any)
}

// Mailbox is an unbounded FIFO queue drained by a single goroutine, which
// hands each message to the receive function in arrival order.
type Mailbox struct {
	id      string
	receive func(msg any)
	logger  *slog.Logger

	mu      sync.Mutex
	queue   []any
	stopped bool

	notify   chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewMailbox starts a mailbox goroutine for receive.
func NewMailbox(id string, receive func(msg any), logger *slog.Logger) *Mailbox {
	m := &Mailbox{
		id:      id,
		receive: receive,
		logger:  logger,
		notify:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// ID returns the mailbox identifier.
func (m *Mailbox) ID() string {
	return m.id
}

// Tell enqueues msg. Messages sent after Stop are dropped.
func (m *Mailbox) Tell(msg any) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.logger.Debug("message dropped, mailbox stopped", "actor", m.id, "message", messageName(msg))
		return
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Stop discards queued messages and ends the goroutine after the message in
// progress. Safe to call from inside receive.
func (m *Mailbox) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		m.queue = nil
		m.mu.Unlock()
		close(m.quit)
	})
}

// Done is closed once the mailbox goroutine has exited.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

// Stopped reports whether Stop has been called.
func (m *Mailbox) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Mailbox) run() {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			return
		case <-m.notify:
		}
		for {
			msg, ok := m.pop()
			if !ok {
				break
			}
			m.deliver(msg)
		}
	}
}

func (m *Mailbox) pop() (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || len(m.queue) == 0 {
		return nil, false
	}
	msg := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return msg, true
}

// deliver runs receive and keeps the loop alive across panics.
func (m *Mailbox) deliver(msg any) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("actor panic recovered",
				"actor", m.id,
				"message", messageName(msg),
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}
	}()
	m.receive(msg)
}

func messageName(msg any) string {
	if r, ok := msg.(Request); ok {
		return r.Method()
	}
	return fmt.Sprintf("%T", msg)
}
