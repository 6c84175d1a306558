package interpreter

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/flowpbx/ussdgw/internal/database/models"
	"github.com/flowpbx/ussdgw/internal/email"
	"github.com/flowpbx/ussdgw/internal/ussd"
	"github.com/google/uuid"
)

// callbackTimeout bounds status callbacks and failure emails, which
// outlive the interpreter.
const callbackTimeout = 15 * time.Second

// FailureNotifier tells an account owner that its application failed.
// *email.Sender implements it.
type FailureNotifier interface {
	NotifyFailure(ctx context.Context, notif email.FailureNotification) error
}

// Interpreter drives one USSD session on behalf of an application. It
// fetches the application document, relays it to the call and posts each
// subscriber answer back to the application until the session ends.
type Interpreter struct {
	id       string
	settings ussd.InterpreterSettings
	fetcher  *Fetcher
	notifier FailureNotifier
	released func()
	mailbox  *ussd.Mailbox
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	call     ussd.Handle
	info     ussd.CallInfo
	started  bool
	awaiting bool
	stopped  bool
}

func newInterpreter(settings ussd.InterpreterSettings, fetcher *Fetcher, notifier FailureNotifier,
	released func(), logger *slog.Logger) *Interpreter {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	it := &Interpreter{
		id:       id,
		settings: settings,
		fetcher:  fetcher,
		notifier: notifier,
		released: released,
		logger:   logger.With("interpreter", id, "account_sid", settings.Account),
		ctx:      ctx,
		cancel:   cancel,
	}
	it.mailbox = ussd.NewMailbox(id, it.receive, it.logger)
	return it
}

func (it *Interpreter) ID() string {
	return it.id
}

func (it *Interpreter) Tell(msg any) {
	it.mailbox.Tell(msg)
}

func (it *Interpreter) receive(msg any) {
	switch m := msg.(type) {
	case ussd.StartInterpreter:
		it.start(m.Call)
	case ussd.CallInfo:
		it.callInfo(m)
	case ussd.CallStateChanged:
		it.stateChanged(m)
	case ussd.Request:
		it.request(m)
	case ussd.Stop:
		it.stop()
	default:
		it.logger.Warn("unexpected interpreter message", "message", fmt.Sprintf("%T", msg))
	}
}

func (it *Interpreter) start(call ussd.Handle) {
	if it.call != nil {
		it.logger.Warn("interpreter already started", "call", it.call.ID())
		return
	}
	if call == nil {
		it.logger.Error("start without call handle")
		it.stop()
		return
	}
	it.call = call
	call.Tell(ussd.Observe{
		Observer:   it,
		AccountSid: it.settings.Account,
		APIVersion: it.settings.APIVersion,
	})
}

// callInfo requests the first document once the call has described itself.
func (it *Interpreter) callInfo(info ussd.CallInfo) {
	it.info = info
	if it.started {
		return
	}
	it.started = true

	params := it.params()
	if info.Payload != nil {
		params.Set("Digits", info.Payload.Text)
	}
	it.logger.Debug("ussd session starting", "call_sid", info.Sid, "direction", info.Direction)
	it.fetchAndRelay(params)
}

func (it *Interpreter) request(req ussd.Request) {
	if it.call == nil {
		it.logger.Warn("request before interpreter started", "method", req.Method(), "call_id", req.CallID())
		if err := req.Respond(ussd.StatusServerInternalError, "Server Internal Error"); err != nil {
			it.logger.Debug("failed to send response", "error", err)
		}
		return
	}

	// The call answers every in-dialog request.
	it.call.Tell(req)

	if req.Method() != ussd.MethodInfo {
		return
	}
	payload, err := ussd.ParsePayload(req.Body())
	if err != nil {
		it.logger.Warn("unreadable ussd answer", "call_id", req.CallID(), "error", err)
		return
	}
	if !it.awaiting {
		it.logger.Debug("ignoring unsolicited ussd message", "call_id", req.CallID())
		return
	}
	params := it.params()
	params.Set("Digits", payload.Text)
	it.fetchAndRelay(params)
}

func (it *Interpreter) stateChanged(m ussd.CallStateChanged) {
	it.info.Status = m.Status
	if !terminal(m.Status) {
		return
	}
	it.statusCallback()
	it.stop()
}

func (it *Interpreter) fetchAndRelay(params url.Values) {
	doc, err := it.fetcher.Fetch(it.ctx, it.settings.Method, it.settings.URL, params)
	requested, method := it.settings.URL, it.settings.Method
	if err != nil && it.settings.FallbackURL != "" {
		it.logger.Warn("application request failed, trying fallback",
			"url", it.settings.URL,
			"error", err,
		)
		requested, method = it.settings.FallbackURL, it.settings.FallbackMethod
		doc, err = it.fetcher.Fetch(it.ctx, method, requested, params)
	}
	if err != nil {
		it.fail(method, requested, err)
		return
	}

	reply, err := doc.Reply()
	if err != nil {
		it.fail(method, requested, err)
		return
	}
	it.awaiting = !reply.Final
	it.call.Tell(reply)
}

// fail hangs up the call and notifies the account owner.
func (it *Interpreter) fail(method, requested string, err error) {
	it.logger.Error("application unavailable",
		"call_sid", it.info.Sid,
		"url", requested,
		"error", err,
	)
	it.awaiting = false
	it.call.Tell(ussd.Hangup{Reason: "application unavailable"})

	if it.notifier == nil || it.settings.EmailAddress == "" {
		return
	}
	notif := email.FailureNotification{
		To:         it.settings.EmailAddress,
		AccountSid: it.settings.Account,
		CallSid:    it.info.Sid,
		From:       it.info.From,
		Dest:       it.info.To,
		URL:        requested,
		Method:     method,
		Error:      err.Error(),
		Timestamp:  time.Now(),
	}
	notifier, logger := it.notifier, it.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()
		if err := notifier.NotifyFailure(ctx, notif); err != nil {
			logger.Warn("failed to send failure notification", "error", err)
		}
	}()
}

func (it *Interpreter) statusCallback() {
	if it.settings.StatusCallback == "" {
		return
	}
	params := it.params()
	fetcher, logger := it.fetcher, it.logger
	method, target := it.settings.StatusCallbackMethod, it.settings.StatusCallback
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()
		if _, err := fetcher.Fetch(ctx, method, target, params); err != nil {
			logger.Warn("status callback failed", "url", target, "error", err)
		}
	}()
}

func (it *Interpreter) params() url.Values {
	v := url.Values{}
	v.Set("CallSid", it.info.Sid)
	v.Set("AccountSid", it.settings.Account)
	v.Set("From", it.info.From)
	v.Set("To", it.info.To)
	v.Set("CallStatus", it.info.Status)
	v.Set("ApiVersion", it.settings.APIVersion)
	v.Set("Direction", it.info.Direction)
	return v
}

func (it *Interpreter) stop() {
	if it.stopped {
		return
	}
	it.stopped = true
	it.cancel()
	it.mailbox.Stop()
	if it.released != nil {
		it.released()
	}
	it.logger.Debug("interpreter stopped", "call_sid", it.info.Sid, "status", it.info.Status)
}

func terminal(status string) bool {
	c := models.UssdCall{Status: status}
	return c.Terminal()
}
