package ussd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flowpbx/ussdgw/internal/database/models"
)

// recorder is a Handle that records every message told to it.
type recorder struct {
	id     string
	onTell func(msg any)

	mu   sync.Mutex
	msgs []any
}

func newRecorder(id string) *recorder {
	return &recorder{id: id}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Tell(msg any) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	hook := r.onTell
	r.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
}

func (r *recorder) messages() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.msgs...)
}

// fakeRequest implements Request.
type fakeRequest struct {
	method    string
	callID    string
	toUser    string
	ruriUser  string
	fromUser  string
	ct        string
	body      []byte
	length    int
	initial   bool
	session   *Session
	responses []int
}

func newInvite(dest string) *fakeRequest {
	body := []byte(`<ussd-data><ussd-string value="*123#"/></ussd-data>`)
	return &fakeRequest{
		method:   MethodInvite,
		callID:   "call-" + dest,
		toUser:   dest,
		ruriUser: dest,
		fromUser: "alice",
		ct:       ContentType,
		body:     body,
		length:   len(body),
		initial:  true,
		session:  NewSession("call-" + dest),
	}
}

func (r *fakeRequest) Method() string         { return r.method }
func (r *fakeRequest) CallID() string         { return r.callID }
func (r *fakeRequest) ToUser() string         { return r.toUser }
func (r *fakeRequest) RequestURIUser() string { return r.ruriUser }
func (r *fakeRequest) FromUser() string       { return r.fromUser }
func (r *fakeRequest) ContentType() string    { return r.ct }
func (r *fakeRequest) ContentLength() int     { return r.length }
func (r *fakeRequest) Body() []byte           { return r.body }
func (r *fakeRequest) IsInitial() bool        { return r.initial }
func (r *fakeRequest) Session() *Session      { return r.session }

func (r *fakeRequest) Respond(code int, reason string) error {
	r.responses = append(r.responses, code)
	return nil
}

// fakeResponse implements Response.
type fakeResponse struct {
	code    int
	session *Session
}

func (r *fakeResponse) StatusCode() int   { return r.code }
func (r *fakeResponse) Reason() string    { return "" }
func (r *fakeResponse) CallID() string    { return "resp" }
func (r *fakeResponse) Session() *Session { return r.session }

// fakeStores implements NumberStore, AccountStore and ApplicationStore.
type fakeStores struct {
	numbers  map[string]*models.IncomingNumber
	accounts map[string]*models.Account
	apps     map[string]*models.Application
	err      error
	lookups  int
}

func newFakeStores() *fakeStores {
	return &fakeStores{
		numbers:  make(map[string]*models.IncomingNumber),
		accounts: make(map[string]*models.Account),
		apps:     make(map[string]*models.Application),
	}
}

type numberLookup struct{ *fakeStores }
type accountLookup struct{ *fakeStores }
type appLookup struct{ *fakeStores }

func (s numberLookup) GetByNumber(_ context.Context, number string) (*models.IncomingNumber, error) {
	s.lookups++
	if s.err != nil {
		return nil, s.err
	}
	return s.numbers[number], nil
}

func (s accountLookup) GetBySid(_ context.Context, sid string) (*models.Account, error) {
	return s.accounts[sid], nil
}

func (s appLookup) GetBySid(_ context.Context, sid string) (*models.Application, error) {
	return s.apps[sid], nil
}

// fakeSpawner implements InterpreterSpawner.
type fakeSpawner struct {
	mu       sync.Mutex
	settings []InterpreterSettings
	spawned  []*recorder
	onSpawn  func(r *recorder)
}

func (s *fakeSpawner) SpawnInterpreter(settings InterpreterSettings) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := newRecorder(fmt.Sprintf("interp-%d", len(s.spawned)+1))
	if s.onSpawn != nil {
		s.onSpawn(r)
	}
	s.settings = append(s.settings, settings)
	s.spawned = append(s.spawned, r)
	return r
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawned)
}

// fakeSupervisor answers CreateCall according to mode.
type fakeSupervisor struct {
	mode  string // "ok", "reject", "silent"
	delay time.Duration

	mu    sync.Mutex
	calls []*recorder
}

func (s *fakeSupervisor) ID() string { return "supervisor" }

func (s *fakeSupervisor) Tell(msg any) {
	create, ok := msg.(CreateCall)
	if !ok {
		return
	}
	switch s.mode {
	case "reject":
		create.Reply <- CreationResult{Err: errors.New("shutting down")}
	case "silent":
	default:
		s.mu.Lock()
		c := newRecorder(fmt.Sprintf("call-%d", len(s.calls)+1))
		s.calls = append(s.calls, c)
		s.mu.Unlock()
		if s.delay > 0 {
			go func() {
				time.Sleep(s.delay)
				create.Reply <- CreationResult{Call: c}
			}()
			return
		}
		create.Reply <- CreationResult{Call: c}
	}
}

func (s *fakeSupervisor) created() []*recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*recorder(nil), s.calls...)
}

// fakeAddress implements Address for "user@host[;transport=x]".
type fakeAddress struct {
	user, host, transport string
}

func (a fakeAddress) User() string      { return a.user }
func (a fakeAddress) Transport() string { return a.transport }
func (a fakeAddress) String() string {
	s := "sip:"
	if a.user != "" {
		s += a.user + "@"
	}
	s += a.host
	if a.transport != "" {
		s += ";transport=" + a.transport
	}
	return s
}

type fakeAddressFactory struct{}

func (fakeAddressFactory) CreateAddress(user, host string) (Address, error) {
	if user == "" || strings.ContainsAny(user, "@:;<> ") {
		return nil, fmt.Errorf("%w: user %q", ErrMalformedAddress, user)
	}
	h, params, _ := strings.Cut(host, ";")
	addr := fakeAddress{user: user, host: h}
	if v, ok := strings.CutPrefix(params, "transport="); ok {
		addr.transport = v
	}
	return addr, nil
}

type fakeInterfaces []Address

func (f fakeInterfaces) OutboundInterfaces() []Address { return f }
