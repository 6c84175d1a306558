package sip

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/flowpbx/ussdgw/internal/ussd"
)

// ErrShuttingDown is the supervisor's answer to CreateCall after Shutdown.
var ErrShuttingDown = errors.New("supervisor shutting down")

// Supervisor creates call actors on request and tracks the live ones.
type Supervisor struct {
	env     *callEnv
	mailbox *ussd.Mailbox
	logger  *slog.Logger

	mu     sync.Mutex
	calls  map[string]*callActor
	closed bool
}

func newSupervisor(env *callEnv, logger *slog.Logger) *Supervisor {
	s := &Supervisor{
		env:    env,
		logger: logger.With("subsystem", "supervisor"),
		calls:  make(map[string]*callActor),
	}
	env.ended = s.released
	s.mailbox = ussd.NewMailbox("supervisor", s.receive, s.logger)
	return s
}

// ID returns the supervisor's handle id.
func (s *Supervisor) ID() string {
	return "supervisor"
}

// Tell queues msg. CreateCall is rejected immediately once shutting down.
func (s *Supervisor) Tell(msg any) {
	if create, ok := msg.(ussd.CreateCall); ok && s.isClosed() {
		answer(create.Reply, ussd.CreationResult{Err: ErrShuttingDown})
		return
	}
	s.mailbox.Tell(msg)
}

func (s *Supervisor) receive(msg any) {
	create, ok := msg.(ussd.CreateCall)
	if !ok {
		s.logger.Warn("unexpected supervisor message", "message", msg)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		answer(create.Reply, ussd.CreationResult{Err: ErrShuttingDown})
		return
	}
	c := newCallActor(s.env)
	s.calls[c.id] = c
	active := len(s.calls)
	s.mu.Unlock()

	s.logger.Debug("call actor created", "call", c.id, "active_calls", active)
	answer(create.Reply, ussd.CreationResult{Call: c})
}

func (s *Supervisor) released(id string) {
	s.mu.Lock()
	delete(s.calls, id)
	s.mu.Unlock()
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ActiveCalls returns the number of live call actors.
func (s *Supervisor) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Shutdown refuses new calls and hangs up the live ones.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	calls := make([]*callActor, 0, len(s.calls))
	for _, c := range s.calls {
		calls = append(calls, c)
	}
	s.mu.Unlock()

	for _, c := range calls {
		c.Tell(ussd.Hangup{Reason: "shutdown"})
	}
	s.logger.Info("supervisor shut down", "hung_up", len(calls))
}

// Stop ends the supervisor's mailbox.
func (s *Supervisor) Stop() {
	s.mailbox.Stop()
}

func answer(ch chan<- ussd.CreationResult, res ussd.CreationResult) {
	select {
	case ch <- res:
	default:
	}
}
