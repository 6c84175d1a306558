package ussd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Creation failures.
var (
	ErrCreationTimeout    = errors.New("call actor creation timed out")
	ErrSupervisorRejected = errors.New("supervisor rejected call actor creation")
)

// DefaultCreateTimeout bounds the ask to the supervisor.
const DefaultCreateTimeout = 500 * time.Millisecond

// lateReplyWindow is how long a timed-out ask keeps listening so that a
// late-created call actor can be stopped instead of leaking.
const lateReplyWindow = 30 * time.Second

// SessionActorFactory asks the supervisor for per-dialog call actors.
type SessionActorFactory struct {
	supervisor Handle
	timeout    time.Duration
	logger     *slog.Logger
}

// NewSessionActorFactory creates a factory bounded by timeout.
func NewSessionActorFactory(supervisor Handle, timeout time.Duration, logger *slog.Logger) *SessionActorFactory {
	if timeout <= 0 {
		timeout = DefaultCreateTimeout
	}
	return &SessionActorFactory{
		supervisor: supervisor,
		timeout:    timeout,
		logger:     logger.With("subsystem", "factory"),
	}
}

// Create returns a new call actor or an error wrapping ErrCreationTimeout
// or ErrSupervisorRejected. Failures are logged here.
func (f *SessionActorFactory) Create(ctx context.Context) (Handle, error) {
	reply := make(chan CreationResult, 1)
	f.supervisor.Tell(CreateCall{Reply: reply})

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()

	select {
	case res := <-reply:
		if res.Err != nil || res.Call == nil {
			err := fmt.Errorf("%w: %v", ErrSupervisorRejected, res.Err)
			f.logger.Error("call actor creation failed", "error", err)
			return nil, err
		}
		return res.Call, nil
	case <-timer.C:
		f.logger.Error("call actor creation failed",
			"error", ErrCreationTimeout,
			"timeout_ms", f.timeout.Milliseconds(),
		)
		go reapLateReply(reply)
		return nil, ErrCreationTimeout
	case <-ctx.Done():
		go reapLateReply(reply)
		return nil, ctx.Err()
	}
}

func reapLateReply(reply <-chan CreationResult) {
	select {
	case res := <-reply:
		if res.Call != nil {
			res.Call.Tell(Stop{})
		}
	case <-time.After(lateReplyWindow):
	}
}
