package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/ussdgw/internal/database"
	"github.com/flowpbx/ussdgw/internal/database/models"
	"github.com/flowpbx/ussdgw/internal/ussd"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

const (
	// transactionTimeout bounds the wait for a final response (64*T1).
	transactionTimeout = 32 * time.Second
	storeTimeout       = 5 * time.Second
)

var errNoFinalResponse = errors.New("transaction ended without final response")

// callEnv is shared by every call actor of a server.
type callEnv struct {
	client   transactor
	sessions *SessionStore
	store    ussd.CallStore
	contact  func(transport string) sip.Uri
	dispatch func(msg ussd.Message)
	ended    func(id string)
	logger   *slog.Logger
}

// Internal call actor messages.
type (
	txFailed struct {
		req *sip.Request
		err error
	}
	callTimeout struct{}
)

type queuedReply struct {
	body  []byte
	final bool
}

// callActor owns one USSD dialog. Inbound it holds the INVITE transaction
// until the interpreter's first reply; outbound it sends the INVITE toward
// the gateway when the interpreter produces the first message.
type callActor struct {
	id      string
	env     *callEnv
	store   ussd.CallStore
	mailbox *ussd.Mailbox
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	record    *models.UssdCall
	recorded  bool
	observers []ussd.Handle
	session   *ussd.Session
	dialog    *dialogState
	finished  bool

	// inbound
	invite *inboundRequest

	// outbound
	init          *ussd.InitializeOutbound
	transport     string
	inviteReq     *sip.Request
	authSent      bool
	finalOnAnswer bool
	queued        []queuedReply
	timer         *time.Timer
}

func newCallActor(env *callEnv) *callActor {
	sid := database.NewSid(database.SidPrefixCall)
	ctx, cancel := context.WithCancel(context.Background())
	c := &callActor{
		id:     sid,
		env:    env,
		store:  env.store,
		logger: env.logger.With("call", sid),
		ctx:    ctx,
		cancel: cancel,
		record: &models.UssdCall{
			Sid:       sid,
			Status:    models.CallStatusQueued,
			StartTime: time.Now().UTC(),
		},
	}
	c.mailbox = ussd.NewMailbox(sid, c.receive, c.logger)
	return c
}

func (c *callActor) ID() string {
	return c.id
}

func (c *callActor) Tell(msg any) {
	c.mailbox.Tell(msg)
}

func (c *callActor) receive(msg any) {
	switch m := msg.(type) {
	case ussd.Request:
		c.handleRequest(m)
	case ussd.Response:
		c.handleResponse(m)
	case ussd.InitializeOutbound:
		c.initialize(m)
	case ussd.Observe:
		c.observe(m)
	case ussd.Reply:
		c.reply(m)
	case ussd.Hangup:
		c.hangup(m.Reason)
	case ussd.Stop:
		c.finish(models.CallStatusCanceled)
	case txFailed:
		if m.req == c.inviteReq && c.dialog == nil {
			c.logger.Warn("invite transaction failed", "call_id", c.record.CallID, "error", m.err)
			c.finish(models.CallStatusFailed)
		}
	case callTimeout:
		if c.dialog == nil && c.inviteReq != nil {
			c.logger.Info("outbound ussd call not answered", "call_id", c.record.CallID)
			c.send(buildCancel(c.inviteReq))
			c.finish(models.CallStatusNoAnswer)
		}
	default:
		c.logger.Warn("unexpected call message", "message", fmt.Sprintf("%T", msg))
	}
}

func (c *callActor) handleRequest(req ussd.Request) {
	switch req.Method() {
	case ussd.MethodInvite:
		inv, ok := req.(*inboundRequest)
		if !ok || c.invite != nil || c.init != nil {
			c.logger.Error("unexpected invite for call", "call_id", req.CallID())
			c.respond(req, ussd.StatusServerInternalError, "Server Internal Error")
			return
		}
		c.invite = inv
		c.session = inv.Session()
		c.record.CallID = inv.CallID()
		c.record.Direction = models.DirectionInbound
		c.record.From = inv.FromUser()
		c.record.To = inv.RequestURIUser()
		c.record.Status = models.CallStatusRinging
		c.createRecord()
	case ussd.MethodInfo:
		c.respond(req, ussd.StatusOK, "OK")
	case ussd.MethodAck:
		c.logger.Debug("ack received", "call_id", req.CallID())
	case ussd.MethodBye:
		c.respond(req, ussd.StatusOK, "OK")
		c.finish(models.CallStatusCompleted)
	case ussd.MethodCancel:
		c.respond(req, ussd.StatusOK, "OK")
		if c.invite != nil && c.dialog == nil && !c.invite.Canceled() {
			c.respond(c.invite, 487, "Request Terminated")
		}
		c.finish(models.CallStatusCanceled)
	default:
		c.respond(req, 405, "Method Not Allowed")
	}
}

func (c *callActor) initialize(m ussd.InitializeOutbound) {
	if c.invite != nil || c.init != nil {
		c.logger.Warn("call already initialized")
		return
	}
	c.init = &m
	if m.Store != nil {
		c.store = m.Store
	}
	c.transport = m.To.Transport()
	if c.transport == "" {
		c.transport = "udp"
	}

	c.record.AccountSid = m.AccountID
	c.record.APIVersion = m.APIVersion
	c.record.Direction = models.DirectionOutbound
	if m.IsFromAPI {
		c.record.Direction = models.DirectionOutboundAPI
	}
	c.record.From = m.From.User()
	c.record.To = m.To.User()
	c.createRecord()

	c.logger.Info("outbound ussd call initialized",
		"from", m.From.String(),
		"to", m.To.String(),
		"type", m.Type,
	)
}

func (c *callActor) observe(m ussd.Observe) {
	if m.Observer == nil {
		return
	}
	c.observers = append(c.observers, m.Observer)
	if c.record.AccountSid == "" {
		c.record.AccountSid = m.AccountSid
	}
	if c.record.APIVersion == "" {
		c.record.APIVersion = m.APIVersion
	}
	c.updateRecord()

	info := ussd.CallInfo{
		Sid:       c.record.Sid,
		CallID:    c.record.CallID,
		From:      c.record.From,
		To:        c.record.To,
		Direction: c.record.Direction,
		Status:    c.record.Status,
	}
	if c.invite != nil {
		if p, err := ussd.ParsePayload(c.invite.Body()); err == nil {
			info.Payload = p
		}
	}
	m.Observer.Tell(info)
}

func (c *callActor) reply(m ussd.Reply) {
	payload := m.Payload
	if payload == nil {
		payload = &ussd.Payload{}
	}
	body, err := payload.Marshal()
	if err != nil {
		c.logger.Error("encoding ussd reply", "error", err)
		c.hangup("unencodable reply")
		return
	}

	switch {
	case c.dialog != nil:
		c.replyInDialog(body, m.Final)
	case c.invite != nil:
		c.answer(body, m.Final)
	case c.init != nil && c.inviteReq == nil:
		c.finalOnAnswer = m.Final
		c.sendInvite(body)
	case c.init != nil:
		c.queued = append(c.queued, queuedReply{body: body, final: m.Final})
	default:
		c.logger.Warn("reply before call was initialized")
	}
}

// answer accepts the held INVITE with the first USSD message.
func (c *callActor) answer(body []byte, final bool) {
	if c.invite.Canceled() {
		c.logger.Info("ussd invite canceled before answer", "call_id", c.record.CallID)
		c.finish(models.CallStatusCanceled)
		return
	}
	if err := c.invite.RespondWithBody(ussd.StatusOK, "OK", body, ussd.ContentType); err != nil {
		c.logger.Error("failed to answer ussd invite", "call_id", c.record.CallID, "error", err)
		c.finish(models.CallStatusFailed)
		return
	}
	c.dialog = newUASDialog(c.invite, c.env.contact(c.invite.req.Transport()))
	c.setStatus(models.CallStatusInProgress)

	if final {
		c.send(c.dialog.newRequest(sip.BYE, nil))
		c.finish(models.CallStatusCompleted)
	}
}

func (c *callActor) replyInDialog(body []byte, final bool) {
	if final {
		c.send(c.dialog.newRequest(sip.BYE, body))
		c.finish(models.CallStatusCompleted)
		return
	}
	c.send(c.dialog.newRequest(sip.INFO, body))
}

func (c *callActor) sendInvite(body []byte) {
	from, err := toURI(c.init.From)
	if err != nil {
		c.logger.Error("invalid from address", "error", err)
		c.finish(models.CallStatusFailed)
		return
	}
	to, err := toURI(c.init.To)
	if err != nil {
		c.logger.Error("invalid to address", "error", err)
		c.finish(models.CallStatusFailed)
		return
	}

	callID := uuid.NewString()
	req := buildUSSDInvite(from, to, c.env.contact(c.transport), callID, body)

	var interpreter ussd.Handle
	if len(c.observers) > 0 {
		interpreter = c.observers[0]
	}
	c.session = c.env.sessions.Open(callID)
	if err := c.session.Bind(ussd.SessionUSSDOutbound, interpreter, c); err != nil {
		c.logger.Error("binding outbound session", "call_id", callID, "error", err)
		c.finish(models.CallStatusFailed)
		return
	}
	c.record.CallID = callID
	c.updateRecord()

	tx, err := c.env.client.Send(c.ctx, req)
	if err != nil {
		c.logger.Error("sending ussd invite", "call_id", callID, "error", err)
		c.finish(models.CallStatusFailed)
		return
	}
	c.inviteReq = req
	go c.watch(tx, req, c.session)

	if c.init.Timeout > 0 {
		c.timer = time.AfterFunc(c.init.Timeout, func() { c.Tell(callTimeout{}) })
	}

	c.logger.Info("ussd invite sent", "call_id", callID, "recipient", to.String())
}

// watch relays the responses of an INVITE transaction to the router until
// a final response arrives.
func (c *callActor) watch(tx clientTx, req *sip.Request, session *ussd.Session) {
	for {
		select {
		case <-c.ctx.Done():
			tx.Terminate()
			return
		case <-tx.Done():
			err := tx.Err()
			if err == nil {
				err = errNoFinalResponse
			}
			c.Tell(txFailed{req: req, err: err})
			return
		case res := <-tx.Responses():
			if res == nil {
				c.Tell(txFailed{req: req, err: errNoFinalResponse})
				return
			}
			c.env.dispatch(ussd.InboundResponse{Response: &outboundResponse{res: res, req: req, session: session}})
			if res.StatusCode >= 200 {
				return
			}
		}
	}
}

func (c *callActor) handleResponse(r ussd.Response) {
	or, ok := r.(*outboundResponse)
	if !ok || or.req != c.inviteReq || c.dialog != nil || c.finished {
		c.logger.Debug("ignoring response", "status", r.StatusCode(), "call_id", r.CallID())
		return
	}

	code := r.StatusCode()
	switch {
	case code < 200:
		if code == 180 || code == 183 {
			c.setStatus(models.CallStatusRinging)
		}
	case code == 401 || code == 407:
		if c.authSent {
			c.logger.Warn("gateway rejected credentials", "call_id", c.record.CallID, "status", code)
			c.finish(models.CallStatusFailed)
			return
		}
		c.authenticate(or.req, or.res)
	case code < 300:
		c.answered(or.req, or.res)
	default:
		c.logger.Info("outbound ussd call rejected",
			"call_id", c.record.CallID,
			"status", code,
			"reason", r.Reason(),
		)
		c.finish(failureStatus(code))
	}
}

// authenticate answers a 401/407 challenge by re-sending the INVITE once
// with digest credentials.
func (c *callActor) authenticate(req *sip.Request, res *sip.Response) {
	c.authSent = true

	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	challenge := res.GetHeader(authHeader)
	if challenge == nil {
		c.logger.Warn("challenge without header", "call_id", c.record.CallID, "header", authHeader)
		c.finish(models.CallStatusFailed)
		return
	}
	chal, err := digest.ParseChallenge(challenge.Value())
	if err != nil {
		c.logger.Warn("parsing auth challenge", "call_id", c.record.CallID, "error", err)
		c.finish(models.CallStatusFailed)
		return
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: c.init.Username,
		Password: c.init.Password,
	})
	if err != nil {
		c.logger.Warn("computing digest", "call_id", c.record.CallID, "error", err)
		c.finish(models.CallStatusFailed)
		return
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := c.env.client.Resend(c.ctx, authReq)
	if err != nil {
		c.logger.Error("sending authenticated invite", "call_id", c.record.CallID, "error", err)
		c.finish(models.CallStatusFailed)
		return
	}
	c.inviteReq = authReq
	go c.watch(tx, authReq, c.session)

	c.logger.Debug("re-sent ussd invite with credentials", "call_id", c.record.CallID)
}

func (c *callActor) answered(req *sip.Request, res *sip.Response) {
	if c.timer != nil {
		c.timer.Stop()
	}
	if err := c.env.client.Write(buildACKFor2xx(req, res)); err != nil {
		c.logger.Error("failed to send ack", "call_id", c.record.CallID, "error", err)
	}
	c.dialog = newUACDialog(req, res, c.env.contact(c.transport))
	c.setStatus(models.CallStatusInProgress)

	if c.finalOnAnswer {
		c.send(c.dialog.newRequest(sip.BYE, nil))
		c.finish(models.CallStatusCompleted)
		return
	}
	queued := c.queued
	c.queued = nil
	for _, q := range queued {
		c.replyInDialog(q.body, q.final)
		if c.finished {
			return
		}
	}
}

func (c *callActor) hangup(reason string) {
	c.logger.Info("hanging up ussd call", "call_id", c.record.CallID, "reason", reason)
	switch {
	case c.dialog != nil:
		c.send(c.dialog.newRequest(sip.BYE, nil))
		c.finish(models.CallStatusCompleted)
	case c.invite != nil && c.invite.Canceled():
		c.finish(models.CallStatusCanceled)
	case c.invite != nil:
		c.respond(c.invite, ussd.StatusServerInternalError, "Server Internal Error")
		c.finish(models.CallStatusFailed)
	case c.inviteReq != nil:
		c.send(buildCancel(c.inviteReq))
		c.finish(models.CallStatusCanceled)
	default:
		c.finish(models.CallStatusFailed)
	}
}

// send starts a transaction and waits for its final response in the
// background. Only the outcome is logged.
func (c *callActor) send(req *sip.Request) {
	method := req.Method.String()
	tx, err := c.env.client.Send(context.Background(), req)
	if err != nil {
		c.logger.Error("failed to send request", "method", method, "call_id", c.record.CallID, "error", err)
		return
	}

	logger := c.logger
	callID := c.record.CallID
	go func() {
		defer tx.Terminate()
		timer := time.NewTimer(transactionTimeout)
		defer timer.Stop()
		for {
			select {
			case res := <-tx.Responses():
				if res == nil {
					return
				}
				if res.StatusCode >= 200 {
					logger.Debug("in-dialog request answered", "method", method, "call_id", callID, "status", res.StatusCode)
					return
				}
			case <-tx.Done():
				if err := tx.Err(); err != nil {
					logger.Warn("in-dialog request failed", "method", method, "call_id", callID, "error", err)
				}
				return
			case <-timer.C:
				logger.Warn("in-dialog request timed out", "method", method, "call_id", callID)
				return
			}
		}
	}()
}

func (c *callActor) respond(req ussd.Request, code int, reason string) {
	if err := req.Respond(code, reason); err != nil {
		c.logger.Debug("failed to send response",
			"method", req.Method(),
			"call_id", req.CallID(),
			"status", code,
			"error", err,
		)
	}
}

func (c *callActor) setStatus(status string) {
	if c.record.Status == status {
		return
	}
	c.record.Status = status
	c.updateRecord()
	c.notify()
}

func (c *callActor) notify() {
	for _, o := range c.observers {
		o.Tell(ussd.CallStateChanged{Sid: c.record.Sid, Status: c.record.Status})
	}
}

// finish records the final status, ends the dialog's session and stops the
// actor.
func (c *callActor) finish(status string) {
	if c.finished {
		return
	}
	c.finished = true
	if c.timer != nil {
		c.timer.Stop()
	}

	now := time.Now().UTC()
	c.record.Status = status
	c.record.EndTime = &now
	c.updateRecord()
	c.notify()

	if c.session != nil {
		if !c.env.sessions.End(c.session.ID()) {
			c.session.Invalidate()
		}
	}
	c.cancel()
	if c.env.ended != nil {
		c.env.ended(c.id)
	}
	c.mailbox.Stop()

	c.logger.Info("ussd call ended",
		"call_id", c.record.CallID,
		"status", status,
		"direction", c.record.Direction,
		"duration_ms", now.Sub(c.record.StartTime).Milliseconds(),
	)
}

func (c *callActor) createRecord() {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.Create(ctx, c.record); err != nil {
		c.logger.Warn("failed to record ussd call", "error", err)
		return
	}
	c.recorded = true
}

func (c *callActor) updateRecord() {
	if c.store == nil || !c.recorded {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.Update(ctx, c.record); err != nil {
		c.logger.Warn("failed to update ussd call", "error", err)
	}
}

// failureStatus maps a final failure response to a call status.
func failureStatus(code int) string {
	switch code {
	case 486, 600, 603:
		return models.CallStatusBusy
	case 408, 480, 487:
		return models.CallStatusNoAnswer
	default:
		return models.CallStatusFailed
	}
}
