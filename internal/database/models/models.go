package models

import "time"

// Account status values.
const (
	AccountStatusActive    = "active"
	AccountStatusSuspended = "suspended"
	AccountStatusClosed    = "closed"
)

// Account owns applications, incoming numbers and USSD calls.
type Account struct {
	Sid          string
	FriendlyName string
	EmailAddress string
	Status       string
	AuthToken    string // argon2id hash
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Active reports whether the account may receive traffic.
func (a *Account) Active() bool {
	return a.Status == AccountStatusActive
}

// Application is a hosted USSD application reachable at RcmlURL.
type Application struct {
	Sid          string
	AccountSid   string
	FriendlyName string
	APIVersion   string
	RcmlURL      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IncomingNumber binds a USSD short code or number to an account and
// either an application or a direct document URL.
type IncomingNumber struct {
	Sid                  string
	AccountSid           string
	PhoneNumber          string
	FriendlyName         string
	APIVersion           string
	UssdURL              string
	UssdMethod           string
	UssdFallbackURL      string
	UssdFallbackMethod   string
	UssdApplicationSid   *string
	StatusCallback       string
	StatusCallbackMethod string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// USSD call directions.
const (
	DirectionInbound     = "inbound"
	DirectionOutboundAPI = "outbound-api"
	DirectionOutbound    = "outbound-dial"
)

// USSD call statuses.
const (
	CallStatusQueued     = "queued"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusFailed     = "failed"
	CallStatusBusy       = "busy"
	CallStatusNoAnswer   = "no-answer"
	CallStatusCanceled   = "canceled"
)

// UssdCall is the persisted record of one USSD session.
type UssdCall struct {
	Sid        string
	AccountSid string
	CallID     string // SIP Call-ID
	Direction  string
	From       string
	To         string
	Status     string
	APIVersion string
	StartTime  time.Time
	EndTime    *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Terminal reports whether the status is final.
func (c *UssdCall) Terminal() bool {
	switch c.Status {
	case CallStatusCompleted, CallStatusFailed, CallStatusBusy, CallStatusNoAnswer, CallStatusCanceled:
		return true
	}
	return false
}
