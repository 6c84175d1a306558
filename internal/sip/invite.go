package sip

import (
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/ussdgw/internal/ussd"
)

// infoPackage is the INFO package carrying USSD bodies inside a dialog.
const infoPackage = "g.3gpp.ussd"

// buildUSSDInvite builds an initial INVITE toward the gateway carrying the
// first USSD payload.
func buildUSSDInvite(from, to, contact sip.Uri, callID string, body []byte) *sip.Request {
	req := sip.NewRequest(sip.INVITE, to)
	if t, ok := to.UriParams.Get("transport"); ok && t != "" {
		req.SetTransport(strings.ToUpper(t))
	}

	fromHdr := &sip.FromHeader{
		Address: from,
		Params:  sip.NewParams(),
	}
	fromHdr.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(fromHdr)
	req.AppendHeader(&sip.ToHeader{
		Address: to,
		Params:  sip.NewParams(),
	})
	req.AppendHeader(sip.NewHeader("Call-ID", callID))
	req.AppendHeader(&sip.ContactHeader{Address: contact})
	req.AppendHeader(sip.NewHeader("Recv-Info", infoPackage))
	if len(body) > 0 {
		req.AppendHeader(sip.NewHeader("Content-Type", ussd.ContentType))
		req.SetBody(body)
	}
	return req
}

// buildACKFor2xx builds the ACK for a 2xx response to an INVITE. Unlike
// non-2xx ACKs it is a new transaction sent to the remote target.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}

	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	// To: from the response (includes the remote tag).
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	// CSeq: same sequence number, method changed to ACK.
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}

// buildCancel builds a CANCEL for a pending INVITE. It shares the INVITE's
// Via branch, From, To, Call-ID and CSeq number.
func buildCancel(inviteReq *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, *inviteReq.Recipient.Clone())
	cancel.SipVersion = inviteReq.SipVersion
	cancel.SetTransport(inviteReq.Transport())

	if h := inviteReq.Via(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, cancel)
	}
	if h := inviteReq.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := cancel.CSeq(); cseq != nil {
		cseq.MethodName = sip.CANCEL
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)
	return cancel
}

// dialogState is what a call actor needs to send requests inside an
// established dialog.
type dialogState struct {
	callID      string
	local       *sip.FromHeader // our identity, with our tag
	remote      *sip.ToHeader   // their identity, with their tag
	target      sip.Uri
	routes      []string
	transport   string
	destination string
	contact     sip.Uri
	cseq        uint32
}

// newUASDialog derives dialog state from an INVITE we answered.
func newUASDialog(inv *inboundRequest, contact sip.Uri) *dialogState {
	req := inv.req
	d := &dialogState{
		callID:    inv.CallID(),
		transport: req.Transport(),
		contact:   contact,
	}

	if to := inv.dialogTo(); to != nil {
		d.local = &sip.FromHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		}
	}
	if from := req.From(); from != nil {
		d.remote = &sip.ToHeader{
			DisplayName: from.DisplayName,
			Address:     from.Address,
			Params:      from.Params.Clone(),
		}
		d.target = from.Address
	}
	if c := req.Contact(); c != nil {
		d.target = c.Address
	}

	// Route set is the Record-Route list in received order.
	for _, h := range req.GetHeaders("Record-Route") {
		d.routes = append(d.routes, h.Value())
	}
	if len(d.routes) == 0 {
		d.destination = req.Source()
	}
	return d
}

// newUACDialog derives dialog state from an INVITE we sent and its 2xx.
func newUACDialog(inviteReq *sip.Request, res *sip.Response, contact sip.Uri) *dialogState {
	d := &dialogState{
		target:    inviteReq.Recipient,
		transport: inviteReq.Transport(),
		contact:   contact,
	}
	if cid := inviteReq.CallID(); cid != nil {
		d.callID = cid.Value()
	}
	if from := inviteReq.From(); from != nil {
		d.local = &sip.FromHeader{
			DisplayName: from.DisplayName,
			Address:     from.Address,
			Params:      from.Params.Clone(),
		}
	}
	if to := res.To(); to != nil {
		d.remote = &sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params.Clone(),
		}
	}
	if c := res.Contact(); c != nil {
		d.target = c.Address
	}
	if cseq := inviteReq.CSeq(); cseq != nil {
		d.cseq = cseq.SeqNo
	}

	// Route set is the Record-Route list in reverse order.
	rr := res.GetHeaders("Record-Route")
	for i := len(rr) - 1; i >= 0; i-- {
		d.routes = append(d.routes, rr[i].Value())
	}
	return d
}

// newRequest builds the next in-dialog request. A USSD body is sent under
// the USSD INFO package.
func (d *dialogState) newRequest(method sip.RequestMethod, body []byte) *sip.Request {
	req := sip.NewRequest(method, *d.target.Clone())
	if d.transport != "" {
		req.SetTransport(d.transport)
	}
	if d.destination != "" {
		req.SetDestination(d.destination)
	}
	for _, r := range d.routes {
		req.AppendHeader(sip.NewHeader("Route", r))
	}
	if d.local != nil {
		req.AppendHeader(&sip.FromHeader{
			DisplayName: d.local.DisplayName,
			Address:     d.local.Address,
			Params:      d.local.Params.Clone(),
		})
	}
	if d.remote != nil {
		req.AppendHeader(&sip.ToHeader{
			DisplayName: d.remote.DisplayName,
			Address:     d.remote.Address,
			Params:      d.remote.Params.Clone(),
		})
	}
	req.AppendHeader(sip.NewHeader("Call-ID", d.callID))

	d.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.cseq, MethodName: method})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: d.contact})

	if len(body) > 0 {
		if method == sip.INFO {
			req.AppendHeader(sip.NewHeader("Info-Package", infoPackage))
		}
		req.AppendHeader(sip.NewHeader("Content-Type", ussd.ContentType))
		req.SetBody(body)
	}
	return req
}
