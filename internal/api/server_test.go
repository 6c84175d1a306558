package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/ussdgw/internal/config"
	"github.com/flowpbx/ussdgw/internal/database"
	"github.com/flowpbx/ussdgw/internal/database/models"
	"github.com/flowpbx/ussdgw/internal/ussd"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	testToken  = "0f1e2d3c4b5a69788796a5b4c3d2e1f0"
	testSecret = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
)

type fakeHandle string

func (h fakeHandle) ID() string { return string(h) }
func (h fakeHandle) Tell(any)   {}

type fakeSessions struct {
	mu     sync.Mutex
	orders []ussd.OutboundCallOrder
	told   []ussd.Message
	err    error
}

func (f *fakeSessions) Originate(_ context.Context, order ussd.OutboundCallOrder) (ussd.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, order)
	if f.err != nil {
		return nil, f.err
	}
	return fakeHandle(fmt.Sprintf("CA%d", len(f.orders))), nil
}

func (f *fakeSessions) Tell(msg ussd.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.told = append(f.told, msg)
}

type fakeAccounts map[string]*models.Account

func (f fakeAccounts) GetBySid(_ context.Context, sid string) (*models.Account, error) {
	return f[sid], nil
}

type fakeCalls struct {
	calls []models.UssdCall
	err   error
}

func (f *fakeCalls) GetBySid(_ context.Context, sid string) (*models.UssdCall, error) {
	for i := range f.calls {
		if f.calls[i].Sid == sid {
			return &f.calls[i], f.err
		}
	}
	return nil, f.err
}

func (f *fakeCalls) ListByAccount(_ context.Context, accountSid string, limit, offset int) ([]models.UssdCall, error) {
	var out []models.UssdCall
	for _, c := range f.calls {
		if c.AccountSid == accountSid {
			out = append(out, c)
		}
	}
	if offset >= len(out) {
		return nil, f.err
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, f.err
}

func (f *fakeCalls) CountByAccount(_ context.Context, accountSid string) (int, error) {
	n := 0
	for _, c := range f.calls {
		if c.AccountSid == accountSid {
			n++
		}
	}
	return n, f.err
}

type fixture struct {
	server   *Server
	sessions *fakeSessions
	calls    *fakeCalls
	registry *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hash, err := database.HashAuthToken(testToken)
	if err != nil {
		t.Fatalf("HashAuthToken() error: %v", err)
	}
	accounts := fakeAccounts{
		"AC1": {Sid: "AC1", Status: models.AccountStatusActive, EmailAddress: "ops@example.com", AuthToken: hash},
		"AC2": {Sid: "AC2", Status: models.AccountStatusActive, AuthToken: hash},
	}
	cfg := &config.Config{
		APIVersion:          "2012-04-24",
		OutboundCallTimeout: 60 * time.Second,
		JWTSecret:           testSecret,
	}

	f := &fixture{
		sessions: &fakeSessions{},
		calls:    &fakeCalls{},
		registry: prometheus.NewRegistry(),
	}
	srv, err := NewServer(cfg, f.sessions, accounts, f.calls, f.registry, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	t.Cleanup(srv.Close)
	f.server = srv
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.server.ServeHTTP(rr, req)
	return rr
}

func authed(method, target, contentType string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.SetBasicAuth("AC1", testToken)
	return req
}

func decodeData(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	env := struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}{}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding %s: %v", rr.Body.String(), err)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decoding data %s: %v", env.Data, err)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rr := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
	var body map[string]string
	decodeData(t, rr, &body)
	if body["status"] != "ok" {
		t.Errorf("health = %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "ussdgw_test_total", Help: "test"})
	f.registry.MustRegister(c)
	c.Inc()

	rr := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "ussdgw_test_total 1") {
		t.Errorf("metrics body missing counter:\n%s", rr.Body.String())
	}
}

func TestUssdPush(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		wantTimeout time.Duration
	}{
		{
			name:        "json",
			contentType: "application/json",
			body: `{"From":"*100#","To":"+15551230000","Url":"https://app.example.com/ussd",
				"Method":"get","FallbackUrl":"https://backup.example.com/ussd",
				"StatusCallback":"https://app.example.com/status","Timeout":30}`,
			wantTimeout: 30 * time.Second,
		},
		{
			name:        "form",
			contentType: "application/x-www-form-urlencoded",
			body: url.Values{
				"From":           {"*100#"},
				"To":             {"+15551230000"},
				"Url":            {"https://app.example.com/ussd"},
				"Method":         {"GET"},
				"FallbackUrl":    {"https://backup.example.com/ussd"},
				"StatusCallback": {"https://app.example.com/status"},
			}.Encode(),
			wantTimeout: 60 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rr := f.do(authed(http.MethodPost, "/api/v1/Accounts/AC1/UssdPush", tt.contentType, strings.NewReader(tt.body)))
			if rr.Code != http.StatusCreated {
				t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body.String())
			}

			var resp ussdCallResponse
			decodeData(t, rr, &resp)
			if resp.Sid != "CA1" || resp.Status != models.CallStatusQueued || resp.Direction != models.DirectionOutboundAPI {
				t.Errorf("response = %+v", resp)
			}
			if resp.URI != "/api/v1/Accounts/AC1/UssdCalls/CA1" {
				t.Errorf("uri = %q", resp.URI)
			}

			if len(f.sessions.orders) != 1 {
				t.Fatalf("originate calls = %d, want 1", len(f.sessions.orders))
			}
			order := f.sessions.orders[0]
			if order.From != "*100#" || order.To != "+15551230000" || order.AccountID != "AC1" ||
				!order.IsFromAPI || order.Type != ussd.CallTypeUSSD || order.Timeout != tt.wantTimeout {
				t.Errorf("order = %+v", order)
			}

			if len(f.sessions.told) != 1 {
				t.Fatalf("router messages = %d, want one execute order", len(f.sessions.told))
			}
			exec, ok := f.sessions.told[0].(ussd.ExecuteScriptOrder)
			if !ok {
				t.Fatalf("router got %T, want ExecuteScriptOrder", f.sessions.told[0])
			}
			if exec.Call == nil || exec.Call.ID() != "CA1" {
				t.Errorf("execute order call = %v, want CA1", exec.Call)
			}
			if exec.URL != "https://app.example.com/ussd" || exec.Method != http.MethodGet ||
				exec.FallbackURL != "https://backup.example.com/ussd" || exec.FallbackMethod != "" ||
				exec.StatusCallback != "https://app.example.com/status" {
				t.Errorf("execute order = %+v", exec)
			}
			if exec.Account != "AC1" || exec.Version != "2012-04-24" || exec.EmailAddress != "ops@example.com" {
				t.Errorf("execute order account fields = %+v", exec)
			}
		})
	}
}

func TestUssdPushValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"missing to", `{"From":"*100#","Url":"https://a.example/u"}`, "To is required"},
		{"bad to", `{"From":"*100#","To":"555 1212","Url":"https://a.example/u"}`, "To contains invalid characters"},
		{"missing url", `{"From":"*100#","To":"5551212"}`, "Url is required"},
		{"relative url", `{"From":"*100#","To":"5551212","Url":"/u"}`, "Url must be an absolute http or https url"},
		{"bad fallback", `{"From":"*100#","To":"5551212","Url":"https://a.example/u","FallbackUrl":"ftp://x/y"}`,
			"FallbackUrl must be an absolute http or https url"},
		{"bad method", `{"From":"*100#","To":"5551212","Url":"https://a.example/u","Method":"PUT"}`, "Method must be GET or POST"},
		{"bad timeout", `{"From":"*100#","To":"5551212","Url":"https://a.example/u","Timeout":0}`, "Timeout must be between 1 and 600"},
		{"unknown field", `{"From":"*100#","To":"5551212","Url":"https://a.example/u","Body":"x"}`, `unknown field "Body"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rr := f.do(authed(http.MethodPost, "/api/v1/Accounts/AC1/UssdPush", "application/json", strings.NewReader(tt.body)))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rr.Code, rr.Body.String())
			}
			var env envelope
			if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
				t.Fatalf("decoding: %v", err)
			}
			if env.Error != tt.wantMsg {
				t.Errorf("error = %q, want %q", env.Error, tt.wantMsg)
			}
			if len(f.sessions.orders) != 0 {
				t.Error("invalid push must not originate")
			}
		})
	}
}

func TestUssdPushOriginateErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"malformed address", fmt.Errorf("building to address: %w", ussd.ErrMalformedAddress), http.StatusBadRequest},
		{"creation timeout", ussd.ErrCreationTimeout, http.StatusServiceUnavailable},
		{"supervisor rejected", ussd.ErrSupervisorRejected, http.StatusServiceUnavailable},
		{"router stopped", ussd.ErrRouterStopped, http.StatusServiceUnavailable},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	body := `{"From":"*100#","To":"5551212","Url":"https://a.example/u"}`
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.sessions.err = tt.err
			rr := f.do(authed(http.MethodPost, "/api/v1/Accounts/AC1/UssdPush", "application/json", strings.NewReader(body)))
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if len(f.sessions.told) != 0 {
				t.Error("failed origination must not start an interpreter")
			}
		})
	}
}

func TestUssdPushRequiresAuth(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/Accounts/AC1/UssdPush",
		strings.NewReader(`{"From":"*100#","To":"5551212","Url":"https://a.example/u"}`))
	req.Header.Set("Content-Type", "application/json")

	if rr := f.do(req); rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if len(f.sessions.orders) != 0 {
		t.Error("unauthenticated push must not originate")
	}
}

func TestTokenAuthorizesAccountRoutes(t *testing.T) {
	f := newFixture(t)
	f.calls.calls = []models.UssdCall{{Sid: "CA9", AccountSid: "AC1", Status: models.CallStatusCompleted}}

	rr := f.do(authed(http.MethodPost, "/api/v1/Accounts/AC1/Tokens", "", nil))
	if rr.Code != http.StatusCreated {
		t.Fatalf("token status = %d, want 201: %s", rr.Code, rr.Body.String())
	}
	var tok tokenResponse
	decodeData(t, rr, &tok)
	if tok.Token == "" || tok.ExpiresAt == "" {
		t.Fatalf("token response = %+v", tok)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/Accounts/AC1/UssdCalls/CA9", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	if rr := f.do(req); rr.Code != http.StatusOK {
		t.Fatalf("bearer request status = %d, want 200", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/Accounts/AC2/UssdCalls", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	if rr := f.do(req); rr.Code != http.StatusForbidden {
		t.Fatalf("token for AC1 on AC2 got %d, want 403", rr.Code)
	}
}

func TestGetUssdCall(t *testing.T) {
	end := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)
	f := newFixture(t)
	f.calls.calls = []models.UssdCall{
		{
			Sid: "CA1", AccountSid: "AC1", CallID: "abc@host", Direction: models.DirectionInbound,
			From: "5551212", To: "*100#", Status: models.CallStatusCompleted, APIVersion: "2012-04-24",
			StartTime: end.Add(-5 * time.Second), EndTime: &end,
		},
		{Sid: "CA2", AccountSid: "AC2", Status: models.CallStatusInProgress},
	}

	tests := []struct {
		name       string
		sid        string
		wantStatus int
	}{
		{"own call", "CA1", http.StatusOK},
		{"other account", "CA2", http.StatusNotFound},
		{"missing", "CA404", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(authed(http.MethodGet, "/api/v1/Accounts/AC1/UssdCalls/"+tt.sid, "", nil))
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp ussdCallResponse
			decodeData(t, rr, &resp)
			if resp.CallID != "abc@host" || resp.Status != models.CallStatusCompleted || resp.From != "5551212" {
				t.Errorf("response = %+v", resp)
			}
			if resp.EndTime == nil || *resp.EndTime != "2026-03-01T10:00:05Z" {
				t.Errorf("end_time = %v", resp.EndTime)
			}
		})
	}
}

func TestGetUssdCallStorageError(t *testing.T) {
	f := newFixture(t)
	f.calls.err = errors.New("disk I/O error")

	rr := f.do(authed(http.MethodGet, "/api/v1/Accounts/AC1/UssdCalls/CA1", "", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "disk") {
		t.Errorf("storage error leaked: %s", rr.Body.String())
	}
}

func TestListUssdCalls(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 5; i++ {
		f.calls.calls = append(f.calls.calls, models.UssdCall{Sid: fmt.Sprintf("CA%d", i), AccountSid: "AC1"})
	}
	f.calls.calls = append(f.calls.calls, models.UssdCall{Sid: "CA99", AccountSid: "AC2"})

	rr := f.do(authed(http.MethodGet, "/api/v1/Accounts/AC1/UssdCalls?limit=2&offset=2", "", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	var page struct {
		Items  []ussdCallResponse `json:"items"`
		Total  int                `json:"total"`
		Limit  int                `json:"limit"`
		Offset int                `json:"offset"`
	}
	decodeData(t, rr, &page)
	if page.Total != 5 || page.Limit != 2 || page.Offset != 2 {
		t.Errorf("page = %+v", page)
	}
	if len(page.Items) != 2 || page.Items[0].Sid != "CA3" || page.Items[1].Sid != "CA4" {
		t.Errorf("items = %+v", page.Items)
	}

	if rr := f.do(authed(http.MethodGet, "/api/v1/Accounts/AC1/UssdCalls?limit=zero", "", nil)); rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rr.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	rr := f.do(httptest.NewRequest(http.MethodGet, "/api/v2/Accounts", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil || env.Error != "not found" {
		t.Errorf("body = %s", rr.Body.String())
	}
}
