package ussd

import (
	"context"
	"strings"

	"github.com/flowpbx/ussdgw/internal/database/models"
)

// ContentType is the media type of a USSD body carried over SIP.
const ContentType = "application/vnd.3gpp.ussd+xml"

// SIP methods the router dispatches on.
const (
	MethodInvite = "INVITE"
	MethodAck    = "ACK"
	MethodBye    = "BYE"
	MethodCancel = "CANCEL"
	MethodInfo   = "INFO"
)

// Status codes the router answers with.
const (
	StatusOK                  = 200
	StatusBadRequest          = 400
	StatusNotFound            = 404
	StatusServerInternalError = 500
)

// Request is an inbound SIP request as seen by the router.
type Request interface {
	Method() string
	CallID() string
	// ToUser is the user part of the To header.
	ToUser() string
	// RequestURIUser is the user part of the Request-URI.
	RequestURIUser() string
	FromUser() string
	ContentType() string
	ContentLength() int
	Body() []byte
	// IsInitial is false for requests inside an established dialog.
	IsInitial() bool
	// Session returns the dialog's session record, or nil if the
	// transport holds none.
	Session() *Session
	Respond(code int, reason string) error
}

// Response is a SIP response to a request sent by a call actor.
type Response interface {
	StatusCode() int
	Reason() string
	CallID() string
	Session() *Session
}

// Address is a SIP URI as produced by an AddressFactory.
type Address interface {
	User() string
	// Transport is the URI transport parameter, empty when absent.
	Transport() string
	String() string
}

// AddressFactory builds addresses for a user at a host.
type AddressFactory interface {
	CreateAddress(user, host string) (Address, error)
}

// InterfaceProvider lists the local interfaces the node advertises.
type InterfaceProvider interface {
	OutboundInterfaces() []Address
}

// CallStore persists USSD call records.
type CallStore interface {
	Create(ctx context.Context, call *models.UssdCall) error
	Update(ctx context.Context, call *models.UssdCall) error
}

// IsUSSDContent reports whether a Content-Type header value names the USSD
// media type. Parameters and case are ignored.
func IsUSSDContent(contentType string) bool {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.EqualFold(strings.TrimSpace(mt), ContentType)
}
