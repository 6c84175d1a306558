package interpreter

import (
	"log/slog"
	"sync/atomic"

	"github.com/flowpbx/ussdgw/internal/ussd"
)

// Spawner starts interpreters. It implements ussd.InterpreterSpawner.
type Spawner struct {
	fetcher  *Fetcher
	notifier FailureNotifier
	logger   *slog.Logger
	active   atomic.Int64
}

// NewSpawner creates a spawner. notifier may be nil.
func NewSpawner(fetcher *Fetcher, notifier FailureNotifier, logger *slog.Logger) *Spawner {
	return &Spawner{
		fetcher:  fetcher,
		notifier: notifier,
		logger:   logger.With("subsystem", "interpreter"),
	}
}

// SpawnInterpreter starts an interpreter with settings.
func (s *Spawner) SpawnInterpreter(settings ussd.InterpreterSettings) ussd.Handle {
	s.active.Add(1)
	return newInterpreter(settings, s.fetcher, s.notifier, func() { s.active.Add(-1) }, s.logger)
}

// Active returns the number of running interpreters.
func (s *Spawner) Active() int {
	return int(s.active.Load())
}
