package sip

import (
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/ussdgw/internal/ussd"
)

// fakeServerTx is an INVITE server transaction driven by the test.
type fakeServerTx struct {
	*fakeResponder
	done chan struct{}

	mu       sync.Mutex
	onCancel sip.FnTxCancel
}

func newFakeServerTx() *fakeServerTx {
	return &fakeServerTx{fakeResponder: newFakeResponder(), done: make(chan struct{})}
}

func (f *fakeServerTx) Terminate()                         {}
func (f *fakeServerTx) OnTerminate(sip.FnTxTerminate) bool { return true }
func (f *fakeServerTx) Done() <-chan struct{}              { return f.done }
func (f *fakeServerTx) Err() error                         { return nil }
func (f *fakeServerTx) Acks() <-chan *sip.Request          { return nil }

func (f *fakeServerTx) OnCancel(fn sip.FnTxCancel) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCancel = fn
	return true
}

// cancel behaves like the transaction layer receiving a matching CANCEL.
func (f *fakeServerTx) cancel(t *testing.T, req *sip.Request) {
	t.Helper()
	f.mu.Lock()
	fn := f.onCancel
	f.mu.Unlock()
	if fn == nil {
		t.Fatal("no cancel callback registered")
	}
	fn(req)
}

// dispatcherFunc adapts a function to Dispatcher.
type dispatcherFunc func(msg ussd.Message)

func (f dispatcherFunc) Tell(msg ussd.Message) { f(msg) }

func newTestServer(t *testing.T, trusted []string, d Dispatcher) *Server {
	t.Helper()
	acl, err := NewSourceACL(trusted, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return &Server{
		sessions:      NewSessionStore(discardLogger()),
		acl:           acl,
		dispatcher:    d,
		logger:        discardLogger(),
		answerTimeout: waitTimeout,
	}
}

func inboundCancel(t *testing.T) *sip.Request {
	return parseRequest(t, "CANCEL sip:5551212@10.0.0.2:5060 SIP/2.0", []string{
		"Via: SIP/2.0/UDP 10.0.0.9:5060;branch=z9hG4bK-inv1",
		"From: <sip:alice@10.0.0.9>;tag=alice1",
		"To: <sip:5551212@10.0.0.2>",
		"Call-ID: inbound-1",
		"CSeq: 1 CANCEL",
		"Max-Forwards: 70",
	}, "")
}

func TestHandleRequestSourceACL(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		wantCode int
		wantTold bool
	}{
		{"trusted gateway", "203.0.113.10:5060", 404, true},
		{"untrusted source", "198.51.100.1:5060", 403, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			told := false
			s := newTestServer(t, []string{"203.0.113.10"}, dispatcherFunc(func(msg ussd.Message) {
				told = true
				m := msg.(ussd.InboundRequest)
				m.Request.Respond(ussd.StatusNotFound, "Not Found")
			}))

			req := inboundInvite(t)
			req.SetSource(tt.source)
			tx := newFakeServerTx()
			s.handleRequest(req, tx)

			if res := tx.next(t); int(res.StatusCode) != tt.wantCode {
				t.Errorf("answered %d, want %d", res.StatusCode, tt.wantCode)
			}
			if told != tt.wantTold {
				t.Errorf("dispatched = %v, want %v", told, tt.wantTold)
			}
			if s.sessions.Lookup("inbound-1") != nil {
				t.Error("session left behind for rejected invite")
			}
		})
	}
}

func TestHandleRequestKeepsBoundSession(t *testing.T) {
	s := newTestServer(t, nil, dispatcherFunc(func(msg ussd.Message) {
		req := msg.(ussd.InboundRequest).Request
		if err := req.Session().Bind(ussd.SessionUSSD, newRecorder("interp"), newRecorder("call")); err != nil {
			t.Errorf("Bind() error: %v", err)
		}
		req.Respond(ussd.StatusOK, "OK")
	}))

	tx := newFakeServerTx()
	s.handleRequest(inboundInvite(t), tx)

	if res := tx.next(t); res.StatusCode != 200 {
		t.Errorf("answered %d, want 200", res.StatusCode)
	}
	sess := s.sessions.Lookup("inbound-1")
	if sess == nil || sess.Kind() != ussd.SessionUSSD {
		t.Fatalf("bound session = %v, want kept", sess)
	}
}

func TestHandleRequestUnansweredTimesOut(t *testing.T) {
	s := newTestServer(t, nil, dispatcherFunc(func(ussd.Message) {}))
	s.answerTimeout = 20 * time.Millisecond

	tx := newFakeServerTx()
	s.handleRequest(inboundInvite(t), tx)

	if res := tx.next(t); res.StatusCode != 500 {
		t.Errorf("answered %d, want 500", res.StatusCode)
	}
	if s.sessions.Lookup("inbound-1") != nil {
		t.Error("session left behind for unanswered invite")
	}
}

func TestHandleRequestWithoutDispatcher(t *testing.T) {
	s := newTestServer(t, nil, nil)

	tx := newFakeServerTx()
	s.handleRequest(inboundInvite(t), tx)

	if res := tx.next(t); res.StatusCode != 503 {
		t.Errorf("answered %d, want 503", res.StatusCode)
	}
}

func TestHandleRequestRoutesCancel(t *testing.T) {
	msgs := make(chan ussd.InboundRequest, 4)
	s := newTestServer(t, nil, dispatcherFunc(func(msg ussd.Message) {
		msgs <- msg.(ussd.InboundRequest)
	}))

	tx := newFakeServerTx()
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		s.handleRequest(inboundInvite(t), tx)
	}()

	var invite ussd.InboundRequest
	select {
	case invite = <-msgs:
	case <-time.After(waitTimeout):
		t.Fatal("invite not dispatched")
	}

	tx.cancel(t, inboundCancel(t))

	select {
	case m := <-msgs:
		if m.Request.Method() != ussd.MethodCancel {
			t.Fatalf("dispatched %s, want CANCEL", m.Request.Method())
		}
		if m.Request.Session() == nil || m.Request.Session() != invite.Request.Session() {
			t.Error("CANCEL does not carry the invite's session")
		}
		if err := m.Request.Respond(ussd.StatusOK, "OK"); err != nil {
			t.Errorf("answering CANCEL: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("CANCEL not dispatched")
	}

	select {
	case <-returned:
	case <-time.After(waitTimeout):
		t.Fatal("handler still waiting after CANCEL")
	}
	if !invite.Request.(*inboundRequest).Canceled() {
		t.Error("invite not marked canceled")
	}
	select {
	case res := <-tx.ch:
		t.Errorf("unexpected response %d on canceled invite", res.StatusCode)
	default:
	}
}
