package api

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"time"

	"github.com/flowpbx/ussdgw/internal/api/middleware"
	"github.com/flowpbx/ussdgw/internal/database/models"
	"github.com/flowpbx/ussdgw/internal/ussd"
	"github.com/go-chi/chi/v5"
)

// originateTimeout bounds how long a push waits for the router to create
// the call actor.
const originateTimeout = 5 * time.Second

// pushRequest is the UssdPush body. It is accepted as JSON or as a form.
type pushRequest struct {
	From                 string      `json:"From"`
	To                   string      `json:"To"`
	URL                  string      `json:"Url"`
	Method               string      `json:"Method"`
	FallbackURL          string      `json:"FallbackUrl"`
	FallbackMethod       string      `json:"FallbackMethod"`
	StatusCallback       string      `json:"StatusCallback"`
	StatusCallbackMethod string      `json:"StatusCallbackMethod"`
	Timeout              json.Number `json:"Timeout"`
}

// ussdCallResponse is the JSON response for a single USSD call.
type ussdCallResponse struct {
	Sid         string  `json:"sid"`
	AccountSid  string  `json:"account_sid"`
	CallID      string  `json:"call_id,omitempty"`
	Direction   string  `json:"direction"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	Status      string  `json:"status"`
	APIVersion  string  `json:"api_version"`
	StartTime   string  `json:"start_time,omitempty"`
	EndTime     *string `json:"end_time"`
	DateCreated string  `json:"date_created,omitempty"`
	DateUpdated string  `json:"date_updated,omitempty"`
	URI         string  `json:"uri"`
}

// toUssdCallResponse converts a models.UssdCall to the API response.
func toUssdCallResponse(c *models.UssdCall) ussdCallResponse {
	resp := ussdCallResponse{
		Sid:         c.Sid,
		AccountSid:  c.AccountSid,
		CallID:      c.CallID,
		Direction:   c.Direction,
		From:        c.From,
		To:          c.To,
		Status:      c.Status,
		APIVersion:  c.APIVersion,
		StartTime:   formatTime(c.StartTime),
		DateCreated: formatTime(c.CreatedAt),
		DateUpdated: formatTime(c.UpdatedAt),
		URI:         callURI(c.AccountSid, c.Sid),
	}
	if c.EndTime != nil {
		end := formatTime(*c.EndTime)
		resp.EndTime = &end
	}
	return resp
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func callURI(accountSid, callSid string) string {
	return "/api/v1/Accounts/" + accountSid + "/UssdCalls/" + callSid
}

// readPushRequest decodes a JSON or form encoded push body.
func readPushRequest(w http.ResponseWriter, r *http.Request) (pushRequest, string) {
	var req pushRequest
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/json" {
		return req, readJSON(r, &req)
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return req, "malformed form body"
	}
	f := r.PostForm
	req = pushRequest{
		From:                 f.Get("From"),
		To:                   f.Get("To"),
		URL:                  f.Get("Url"),
		Method:               f.Get("Method"),
		FallbackURL:          f.Get("FallbackUrl"),
		FallbackMethod:       f.Get("FallbackMethod"),
		StatusCallback:       f.Get("StatusCallback"),
		StatusCallbackMethod: f.Get("StatusCallbackMethod"),
		Timeout:              json.Number(f.Get("Timeout")),
	}
	return req, ""
}

// validatePushRequest checks a push and normalizes its methods in place.
// It returns the session timeout in seconds, 0 meaning the default.
func validatePushRequest(req *pushRequest) (int, string) {
	if msg := validateAddress("From", req.From); msg != "" {
		return 0, msg
	}
	if msg := validateAddress("To", req.To); msg != "" {
		return 0, msg
	}
	if req.URL == "" {
		return 0, "Url is required"
	}
	for _, u := range []struct{ field, value string }{
		{"Url", req.URL},
		{"FallbackUrl", req.FallbackURL},
		{"StatusCallback", req.StatusCallback},
	} {
		if msg := validateURL(u.field, u.value); msg != "" {
			return 0, msg
		}
	}

	var msg string
	if req.Method, msg = validateMethod("Method", req.Method); msg != "" {
		return 0, msg
	}
	if req.FallbackMethod, msg = validateMethod("FallbackMethod", req.FallbackMethod); msg != "" {
		return 0, msg
	}
	if req.StatusCallbackMethod, msg = validateMethod("StatusCallbackMethod", req.StatusCallbackMethod); msg != "" {
		return 0, msg
	}
	return validateTimeout("Timeout", req.Timeout.String())
}

// handleUssdPush originates a network-initiated USSD session toward a
// subscriber and attaches an interpreter for the given application.
func (s *Server) handleUssdPush(w http.ResponseWriter, r *http.Request) {
	acct := middleware.AccountFromContext(r.Context())

	req, errMsg := readPushRequest(w, r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	seconds, errMsg := validatePushRequest(&req)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	timeout := s.cfg.OutboundCallTimeout
	if seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}

	ctx, cancel := context.WithTimeout(r.Context(), originateTimeout)
	defer cancel()
	call, err := s.sessions.Originate(ctx, ussd.OutboundCallOrder{
		From:      req.From,
		To:        req.To,
		Timeout:   timeout,
		IsFromAPI: true,
		AccountID: acct.Sid,
		Type:      ussd.CallTypeUSSD,
	})
	if err != nil {
		status, msg := originateStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("ussd push: originate failed", "account_sid", acct.Sid, "to", req.To, "error", err)
		} else {
			s.logger.Warn("ussd push rejected", "account_sid", acct.Sid, "to", req.To, "error", err)
		}
		writeError(w, status, msg)
		return
	}

	s.sessions.Tell(ussd.ExecuteScriptOrder{
		Account:              acct.Sid,
		Version:              s.cfg.APIVersion,
		URL:                  req.URL,
		Method:               req.Method,
		FallbackURL:          req.FallbackURL,
		FallbackMethod:       req.FallbackMethod,
		StatusCallback:       req.StatusCallback,
		StatusCallbackMethod: req.StatusCallbackMethod,
		EmailAddress:         acct.EmailAddress,
		Call:                 call,
	})

	s.logger.Info("ussd push queued", "account_sid", acct.Sid, "call_sid", call.ID(), "to", req.To)

	writeJSON(w, http.StatusCreated, ussdCallResponse{
		Sid:        call.ID(),
		AccountSid: acct.Sid,
		Direction:  models.DirectionOutboundAPI,
		From:       req.From,
		To:         req.To,
		Status:     models.CallStatusQueued,
		APIVersion: s.cfg.APIVersion,
		URI:        callURI(acct.Sid, call.ID()),
	})
}

// originateStatus maps an origination error to a status and client message.
func originateStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ussd.ErrMalformedAddress):
		return http.StatusBadRequest, "invalid From or To address"
	case errors.Is(err, ussd.ErrCreationTimeout),
		errors.Is(err, ussd.ErrSupervisorRejected),
		errors.Is(err, ussd.ErrRouterStopped),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "ussd gateway unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// handleListUssdCalls returns a page of the account's USSD calls.
func (s *Server) handleListUssdCalls(w http.ResponseWriter, r *http.Request) {
	acct := middleware.AccountFromContext(r.Context())

	page, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	calls, err := s.calls.ListByAccount(r.Context(), acct.Sid, page.Limit, page.Offset)
	if err != nil {
		s.logger.Error("list ussd calls: failed to query", "account_sid", acct.Sid, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	total, err := s.calls.CountByAccount(r.Context(), acct.Sid)
	if err != nil {
		s.logger.Error("list ussd calls: failed to count", "account_sid", acct.Sid, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]ussdCallResponse, len(calls))
	for i := range calls {
		items[i] = toUssdCallResponse(&calls[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

// handleGetUssdCall returns a single USSD call owned by the account.
func (s *Server) handleGetUssdCall(w http.ResponseWriter, r *http.Request) {
	acct := middleware.AccountFromContext(r.Context())
	callSid := chi.URLParam(r, "callSid")

	call, err := s.calls.GetBySid(r.Context(), callSid)
	if err != nil {
		s.logger.Error("get ussd call: failed to query", "call_sid", callSid, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	// Calls of other accounts are reported as missing.
	if call == nil || call.AccountSid != acct.Sid {
		writeError(w, http.StatusNotFound, "ussd call not found")
		return
	}

	writeJSON(w, http.StatusOK, toUssdCallResponse(call))
}
