package ussd

import "time"

// Messages exchanged between the router, call actors, interpreters and the
// supervisor. Requests and responses are forwarded as Request and Response
// values.

// StartInterpreter tells an interpreter which call it drives.
type StartInterpreter struct {
	Call Handle
}

// InitializeOutbound configures a freshly created call actor for an
// outbound session. The INVITE is sent on the first interpreter Reply.
type InitializeOutbound struct {
	From            Address
	To              Address
	Username        string
	Password        string
	Timeout         time.Duration
	IsFromAPI       bool
	APIVersion      string
	AccountID       string
	Type            CallType
	Store           CallStore
	OutboundGateway bool
}

// Observe registers an interpreter with its call. The call answers with
// CallInfo and later sends CallStateChanged on every status transition.
type Observe struct {
	Observer   Handle
	AccountSid string
	APIVersion string
}

// CallInfo describes a call to its observer.
type CallInfo struct {
	Sid       string
	CallID    string
	From      string
	To        string
	Direction string
	Status    string
	// Payload is the USSD request carried by an inbound INVITE.
	Payload *Payload
}

// CallStateChanged reports a call status transition.
type CallStateChanged struct {
	Sid    string
	Status string
}

// Reply is a USSD message the interpreter wants delivered to the subscriber.
// Final ends the session after delivery.
type Reply struct {
	Payload *Payload
	Final   bool
}

// Hangup ends a call because the interpreter cannot continue.
type Hangup struct {
	Reason string
}

// Stop asks an actor to release its resources and exit.
type Stop struct{}

// CreateCall asks the supervisor for a new call actor.
type CreateCall struct {
	Reply chan<- CreationResult
}

// CreationResult is the supervisor's answer to CreateCall.
type CreationResult struct {
	Call Handle
	Err  error
}
