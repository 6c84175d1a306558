package ussd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"
)

// Config is the router's immutable configuration.
type Config struct {
	// UseTo selects the destination from the To header instead of the
	// Request-URI.
	UseTo         bool
	APIVersion    string
	CreateTimeout time.Duration
	PublicURL     *url.URL
	Gateway       GatewayConfig
}

// ErrRouterStopped is returned by Originate after Stop.
var ErrRouterStopped = errors.New("session router stopped")

// SessionRouter is the single dispatch point for USSD signaling. Messages
// told to it are processed one at a time in arrival order. Per-dialog state
// lives in each request's Session, so one router serves every dialog.
type SessionRouter struct {
	cfg        Config
	resolver   *ApplicationResolver
	launcher   *InterpreterLauncher
	factory    *SessionActorFactory
	originator *OutboundOriginator
	metrics    Metrics
	logger     *slog.Logger

	mailbox *Mailbox
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewSessionRouter creates a router and starts its mailbox.
func NewSessionRouter(cfg Config, resolver *ApplicationResolver, launcher *InterpreterLauncher,
	factory *SessionActorFactory, originator *OutboundOriginator, metrics Metrics, logger *slog.Logger) *SessionRouter {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	logger = logger.With("subsystem", "router")
	ctx, cancel := context.WithCancel(context.Background())
	r := &SessionRouter{
		cfg:        cfg,
		resolver:   resolver,
		launcher:   launcher,
		factory:    factory,
		originator: originator,
		metrics:    metrics,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	r.mailbox = NewMailbox("router", func(msg any) {
		m, ok := msg.(Message)
		if !ok {
			r.logger.Warn("unexpected message type", "message", messageName(msg))
			return
		}
		r.Dispatch(r.ctx, m)
	}, logger)
	return r
}

// Tell queues msg for dispatch.
func (r *SessionRouter) Tell(msg Message) {
	r.mailbox.Tell(msg)
}

// Stop ends the router's mailbox. Queued messages are discarded.
func (r *SessionRouter) Stop() {
	r.cancel()
	r.mailbox.Stop()
}

// Originate sends an OutboundCallOrder through the mailbox and waits for
// its reply.
func (r *SessionRouter) Originate(ctx context.Context, order OutboundCallOrder) (Handle, error) {
	reply := make(chan CallOrderResult, 1)
	abandoned := make(chan struct{})
	order.Reply = reply
	order.Abandoned = abandoned
	r.Tell(order)

	select {
	case res := <-reply:
		return res.Call, res.Err
	case <-r.mailbox.Done():
		close(abandoned)
		return nil, ErrRouterStopped
	case <-ctx.Done():
		close(abandoned)
		go reapOrderReply(reply)
		return nil, ctx.Err()
	}
}

// reapOrderReply stops a call that was originated for a requester who
// has already gone.
func reapOrderReply(reply <-chan CallOrderResult) {
	select {
	case res := <-reply:
		if res.Call != nil {
			res.Call.Tell(Stop{})
		}
	case <-time.After(lateReplyWindow):
	}
}

// Dispatch handles one message synchronously.
func (r *SessionRouter) Dispatch(ctx context.Context, msg Message) {
	switch m := msg.(type) {
	case InboundRequest:
		r.metrics.MessageDispatched("request", m.Request.Method())
		r.handleRequest(ctx, m.Request)
	case InboundResponse:
		r.metrics.MessageDispatched("response", "")
		r.handleResponse(m.Response)
	case OutboundCallOrder:
		r.metrics.MessageDispatched("outbound_order", "")
		r.handleOutbound(ctx, m)
	case ExecuteScriptOrder:
		r.metrics.MessageDispatched("execute_order", "")
		r.handleExecute(m)
	default:
		r.logger.Error("unhandled router message", "message", fmt.Sprintf("%T", msg))
	}
}

func (r *SessionRouter) handleRequest(ctx context.Context, req Request) {
	switch req.Method() {
	case MethodInvite:
		r.invite(ctx, req)
	case MethodInfo, MethodAck, MethodBye, MethodCancel:
		r.inDialog(req)
	default:
		r.logger.Debug("unsupported method", "method", req.Method(), "call_id", req.CallID())
		r.respond(req, StatusNotFound, "Not Found")
	}
}

func (r *SessionRouter) invite(ctx context.Context, req Request) {
	if !req.IsInitial() {
		r.respond(req, StatusOK, "OK")
		return
	}

	ct := req.ContentType()
	if req.ContentLength() == 0 && !IsUSSDContent(ct) {
		r.logger.Info("rejecting empty invite without ussd content",
			"call_id", req.CallID(),
			"content_type", ct,
		)
		r.respond(req, StatusBadRequest, "Bad Request")
		return
	}
	if !IsUSSDContent(ct) {
		r.logger.Info("no ussd application for content type",
			"call_id", req.CallID(),
			"content_type", ct,
		)
		r.respond(req, StatusNotFound, "Not Found")
		return
	}

	destination := r.destination(req)
	res, err := r.resolver.Resolve(ctx, destination)
	if err != nil {
		if IsResolutionMiss(err) {
			r.logger.Info("ussd destination not found",
				"call_id", req.CallID(),
				"destination", destination,
				"reason", err,
			)
			r.respond(req, StatusNotFound, "Not Found")
			return
		}
		r.logger.Error("resolving ussd destination",
			"call_id", req.CallID(),
			"destination", destination,
			"error", err,
		)
		r.respond(req, StatusServerInternalError, "Server Internal Error")
		return
	}

	session := req.Session()
	if session == nil {
		r.logger.Error("initial invite without session record", "call_id", req.CallID())
		r.respond(req, StatusServerInternalError, "Server Internal Error")
		return
	}

	call, err := r.factory.Create(ctx)
	if err != nil {
		r.metrics.CreationFailed(creationReason(err))
		r.respond(req, StatusNotFound, "Not Found")
		return
	}

	interpreter := r.launcher.Launch(res.Settings())

	if err := session.Bind(SessionUSSD, interpreter, call); err != nil {
		r.logger.Error("binding ussd session",
			"call_id", req.CallID(),
			"error", err,
		)
		interpreter.Tell(Stop{})
		call.Tell(Stop{})
		r.respond(req, StatusServerInternalError, "Server Internal Error")
		return
	}

	call.Tell(req)
	interpreter.Tell(StartInterpreter{Call: call})

	r.logger.Info("ussd session started",
		"call_id", req.CallID(),
		"destination", destination,
		"account_sid", res.AccountSid,
		"call", call.ID(),
		"interpreter", interpreter.ID(),
	)
}

// inDialog forwards a request to the dialog's interpreter without
// resolving the destination again.
func (r *SessionRouter) inDialog(req Request) {
	var interpreter Handle
	if session := req.Session(); session != nil {
		interpreter = session.Interpreter()
	}
	if interpreter == nil {
		r.logger.Info("in-dialog request without interpreter",
			"method", req.Method(),
			"call_id", req.CallID(),
		)
		r.respond(req, StatusNotFound, "Not Found")
		return
	}
	r.logger.Debug("dispatching request to interpreter",
		"method", req.Method(),
		"call_id", req.CallID(),
		"interpreter", interpreter.ID(),
	)
	interpreter.Tell(req)
}

func (r *SessionRouter) handleResponse(res Response) {
	session := res.Session()
	if session == nil || !session.Valid() {
		r.logger.Debug("dropping stray response", "status", res.StatusCode(), "call_id", res.CallID())
		return
	}
	call := session.Call()
	if call == nil {
		r.logger.Debug("dropping response without call actor", "status", res.StatusCode(), "call_id", res.CallID())
		return
	}
	call.Tell(res)
}

func (r *SessionRouter) handleOutbound(ctx context.Context, order OutboundCallOrder) {
	if abandoned(order) {
		r.logger.Debug("dropping abandoned outbound order", "from", order.From, "to", order.To)
		return
	}
	call, err := r.originator.Originate(ctx, order)
	if err != nil {
		r.logger.Warn("outbound ussd call failed",
			"from", order.From,
			"to", order.To,
			"error", err,
		)
		if errors.Is(err, ErrCreationTimeout) || errors.Is(err, ErrSupervisorRejected) {
			r.metrics.CreationFailed(creationReason(err))
		}
		reply(order.Reply, CallOrderResult{Err: err}, r.logger)
		return
	}
	if abandoned(order) {
		r.logger.Info("outbound order abandoned, stopping call", "call", call.ID(), "to", order.To)
		call.Tell(Stop{})
		return
	}
	reply(order.Reply, CallOrderResult{Call: call}, r.logger)
}

func abandoned(order OutboundCallOrder) bool {
	select {
	case <-order.Abandoned:
		return true
	default:
		return false
	}
}

func (r *SessionRouter) handleExecute(order ExecuteScriptOrder) {
	if order.Call == nil {
		r.logger.Warn("execute order without call handle", "account_sid", order.Account)
		return
	}
	interpreter := r.launcher.Launch(InterpreterSettings{
		Account:              order.Account,
		APIVersion:           order.Version,
		URL:                  order.URL,
		Method:               order.Method,
		FallbackURL:          order.FallbackURL,
		FallbackMethod:       order.FallbackMethod,
		StatusCallback:       order.StatusCallback,
		StatusCallbackMethod: order.StatusCallbackMethod,
		EmailAddress:         order.EmailAddress,
	})
	interpreter.Tell(StartInterpreter{Call: order.Call})
}

func (r *SessionRouter) destination(req Request) string {
	if r.cfg.UseTo {
		return req.ToUser()
	}
	return req.RequestURIUser()
}

func (r *SessionRouter) respond(req Request, code int, reason string) {
	r.metrics.ResponseSent(code)
	if err := req.Respond(code, reason); err != nil {
		r.logger.Error("failed to send response",
			"method", req.Method(),
			"call_id", req.CallID(),
			"status", code,
			"error", err,
		)
	}
}

func reply(ch chan<- CallOrderResult, res CallOrderResult, logger *slog.Logger) {
	if ch == nil {
		return
	}
	select {
	case ch <- res:
	default:
		logger.Warn("outbound order reply dropped, requester not listening")
	}
}

func creationReason(err error) string {
	switch {
	case errors.Is(err, ErrCreationTimeout):
		return "timeout"
	case errors.Is(err, ErrSupervisorRejected):
		return "rejected"
	default:
		return "canceled"
	}
}
