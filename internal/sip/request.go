package sip

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/ussdgw/internal/ussd"
)

// errNoTransaction is returned when a response is attempted for a request
// that has no server transaction (ACK).
var errNoTransaction = errors.New("request has no server transaction")

// txResponder answers a server transaction. sip.ServerTransaction
// satisfies it.
type txResponder interface {
	Respond(res *sip.Response) error
}

// answeredTx stands in for a transaction the stack has already answered.
// sipgo replies 200 to a CANCEL that matches a pending INVITE on its own.
type answeredTx struct{}

func (answeredTx) Respond(*sip.Response) error { return nil }

// inboundRequest adapts a sipgo request and its server transaction to
// ussd.Request.
type inboundRequest struct {
	req     *sip.Request
	tx      txResponder
	session *ussd.Session
	// toTag is added to responses of dialog-creating requests.
	toTag string
	// canceled is set when a CANCEL terminated the INVITE transaction.
	canceled atomic.Bool

	once sync.Once
	done chan struct{}
}

func newInboundRequest(req *sip.Request, tx txResponder, session *ussd.Session) *inboundRequest {
	return &inboundRequest{
		req:     req,
		tx:      tx,
		session: session,
		toTag:   sip.GenerateTagN(16),
		done:    make(chan struct{}),
	}
}

func (r *inboundRequest) Method() string {
	return r.req.Method.String()
}

func (r *inboundRequest) CallID() string {
	if cid := r.req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

func (r *inboundRequest) ToUser() string {
	if to := r.req.To(); to != nil {
		return to.Address.User
	}
	return ""
}

func (r *inboundRequest) RequestURIUser() string {
	return r.req.Recipient.User
}

func (r *inboundRequest) FromUser() string {
	if from := r.req.From(); from != nil {
		return from.Address.User
	}
	return ""
}

func (r *inboundRequest) ContentType() string {
	if ct := r.req.ContentType(); ct != nil {
		return ct.Value()
	}
	return ""
}

func (r *inboundRequest) ContentLength() int {
	if cl := r.req.ContentLength(); cl != nil {
		if n, err := strconv.Atoi(cl.Value()); err == nil {
			return n
		}
	}
	return len(r.req.Body())
}

func (r *inboundRequest) Body() []byte {
	return r.req.Body()
}

// IsInitial reports whether the request is outside any dialog, that is its
// To header carries no tag.
func (r *inboundRequest) IsInitial() bool {
	to := r.req.To()
	if to == nil {
		return true
	}
	_, ok := to.Params.Get("tag")
	return !ok
}

func (r *inboundRequest) Session() *ussd.Session {
	return r.session
}

// Respond sends a response without a body.
func (r *inboundRequest) Respond(code int, reason string) error {
	return r.RespondWithBody(code, reason, nil, "")
}

// RespondWithBody sends a response carrying body with the given content
// type. ACK requests are never answered.
func (r *inboundRequest) RespondWithBody(code int, reason string, body []byte, contentType string) error {
	if r.req.IsAck() {
		r.markDone()
		return nil
	}
	if r.tx == nil {
		return errNoTransaction
	}

	res := sip.NewResponseFromRequest(r.req, code, reason, body)
	if len(body) > 0 && contentType != "" {
		res.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	if code > 100 && code < 300 && r.req.IsInvite() {
		if to := res.To(); to != nil {
			if _, ok := to.Params.Get("tag"); !ok {
				to.Params.Add("tag", r.toTag)
			}
		}
	}

	err := r.tx.Respond(res)
	if code >= 200 {
		r.markDone()
	}
	return err
}

// dialogTo returns the To header of our answer, tag included. It is the
// local identity for requests we send inside a UAS dialog.
func (r *inboundRequest) dialogTo() *sip.ToHeader {
	to := r.req.To()
	if to == nil {
		return nil
	}
	h := &sip.ToHeader{
		DisplayName: to.DisplayName,
		Address:     to.Address,
		Params:      to.Params.Clone(),
	}
	if _, ok := h.Params.Get("tag"); !ok {
		h.Params.Add("tag", r.toTag)
	}
	return h
}

func (r *inboundRequest) markCanceled() {
	r.canceled.Store(true)
	r.markDone()
}

// Canceled reports whether the stack answered this INVITE with 487.
func (r *inboundRequest) Canceled() bool {
	return r.canceled.Load()
}

func (r *inboundRequest) markDone() {
	r.once.Do(func() { close(r.done) })
}

// Done is closed once a final response has been sent.
func (r *inboundRequest) Done() <-chan struct{} {
	return r.done
}

// outboundResponse adapts a response to a request a call actor sent.
type outboundResponse struct {
	res     *sip.Response
	req     *sip.Request
	session *ussd.Session
}

func (r *outboundResponse) StatusCode() int {
	return int(r.res.StatusCode)
}

func (r *outboundResponse) Reason() string {
	return r.res.Reason
}

func (r *outboundResponse) CallID() string {
	if cid := r.res.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

func (r *outboundResponse) Session() *ussd.Session {
	return r.session
}
