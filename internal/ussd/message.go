package ussd

import "time"

// Message is the closed set of inputs the SessionRouter dispatches on.
type Message interface {
	routerMessage()
}

// InboundRequest carries a SIP request delivered by the transport.
type InboundRequest struct {
	Request Request
}

// InboundResponse carries a SIP response to a request an actor sent.
type InboundResponse struct {
	Response Response
}

// CallType distinguishes how an outbound session was requested.
type CallType string

const (
	CallTypeUSSD CallType = "ussd"
)

// OutboundCallOrder asks the router to originate a USSD session. The result
// is delivered on Reply, which should be buffered.
type OutboundCallOrder struct {
	From      string
	To        string
	Username  string // empty means the gateway default
	Password  string // empty means the gateway default
	Timeout   time.Duration
	IsFromAPI bool
	AccountID string
	Type      CallType
	Reply     chan<- CallOrderResult
	// Abandoned is closed when the requester stops waiting for Reply.
	Abandoned <-chan struct{}
}

// CallOrderResult answers an OutboundCallOrder with either a call handle or
// an error, never both.
type CallOrderResult struct {
	Call Handle
	Err  error
}

// ExecuteScriptOrder starts an interpreter for an existing call handle.
type ExecuteScriptOrder struct {
	Account              string
	Version              string
	URL                  string
	Method               string
	FallbackURL          string
	FallbackMethod       string
	StatusCallback       string
	StatusCallbackMethod string // POST when empty
	EmailAddress         string // failure notifications; empty disables them
	Call                 Handle
}

func (InboundRequest) routerMessage()     {}
func (InboundResponse) routerMessage()    {}
func (OutboundCallOrder) routerMessage()  {}
func (ExecuteScriptOrder) routerMessage() {}
