package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/ussdgw/internal/config"
	"github.com/flowpbx/ussdgw/internal/ussd"
)

// contactUser is the user part of the Contact URI the node advertises.
const contactUser = "ussdgw"

// Dispatcher receives the transport's inbound traffic. *ussd.SessionRouter
// implements it.
type Dispatcher interface {
	Tell(msg ussd.Message)
}

// Server wraps the sipgo SIP stack and feeds USSD traffic to the router.
type Server struct {
	cfg        *config.Config
	ua         *sipgo.UserAgent
	srv        *sipgo.Server
	client     *sipgo.Client
	sessions   *SessionStore
	supervisor *Supervisor
	interfaces *ListenerInterfaces
	tracer     *MessageTracer
	acl        *SourceACL
	gateway    *GatewayMonitor
	// answerTimeout bounds how long a request may wait for the router.
	answerTimeout time.Duration

	mu         sync.RWMutex
	dispatcher Dispatcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewServer creates the SIP stack. calls may be nil, in which case USSD
// call records are not persisted.
func NewServer(cfg *config.Config, calls ussd.CallStore, logger *slog.Logger) (*Server, error) {
	logger = logger.With("component", "sip")

	acl, err := NewSourceACL(cfg.TrustedHosts(), logger)
	if err != nil {
		return nil, err
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("ussdgw"),
		sipgo.WithUserAgentHostname(cfg.Hostname()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger.With("subsystem", "client")),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	interfaces, err := NewListenerInterfaces(cfg.Hostname(), cfg.SIPPort, cfg.Transports())
	if err != nil {
		client.Close()
		srv.Close()
		ua.Close()
		return nil, err
	}

	var gateway *GatewayMonitor
	if cfg.GatewayURI != "" {
		gateway, err = NewGatewayMonitor(sipgoTransactor{client: client}, cfg.GatewayURI, logger)
		if err != nil {
			client.Close()
			srv.Close()
			ua.Close()
			return nil, err
		}
	}

	s := &Server{
		cfg:        cfg,
		ua:         ua,
		srv:        srv,
		client:     client,
		sessions:   NewSessionStore(logger),
		interfaces: interfaces,
		tracer:     NewMessageTracer(logger, ParseTraceLevel(cfg.SIPTrace)),
		acl:        acl,
		gateway:    gateway,
		logger:     logger,

		answerTimeout: transactionTimeout,
	}

	env := &callEnv{
		client:   sipgoTransactor{client: client},
		sessions: s.sessions,
		store:    calls,
		contact:  s.contactURI,
		dispatch: s.dispatch,
		logger:   logger.With("subsystem", "call"),
	}
	s.supervisor = newSupervisor(env, logger)

	s.registerHandlers()
	return s, nil
}

// SetDispatcher attaches the router. It must be called before Start.
func (s *Server) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	s.dispatcher = d
	s.mu.Unlock()
}

// Supervisor returns the call actor supervisor handle.
func (s *Server) Supervisor() *Supervisor {
	return s.supervisor
}

// Interfaces returns the advertised listener URIs.
func (s *Server) Interfaces() *ListenerInterfaces {
	return s.interfaces
}

// Gateway returns the USSD gateway monitor, or nil when no gateway is
// configured.
func (s *Server) Gateway() *GatewayMonitor {
	return s.gateway
}

// Sessions returns the dialog session store.
func (s *Server) Sessions() *SessionStore {
	return s.sessions
}

func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.handleRequest)
	s.srv.OnAck(s.handleRequest)
	s.srv.OnBye(s.handleRequest)
	s.srv.OnCancel(s.handleRequest)
	s.srv.OnInfo(s.handleRequest)
	s.srv.OnOptions(s.handleOptions)
	s.srv.OnNoRoute(s.handleNoRoute)
}

// Start begins listening on the configured transports.
func (s *Server) Start(ctx context.Context) error {
	if s.currentDispatcher() == nil {
		return fmt.Errorf("sip server started without dispatcher")
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.tracer.Install()

	if s.gateway != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.gateway.Run(ctx)
		}()
	}

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)
	for _, transport := range s.cfg.Transports() {
		s.wg.Add(1)
		go func(network string) {
			defer s.wg.Done()
			s.logger.Info("sip listener starting", "transport", network, "addr", addr)
			if err := s.srv.ListenAndServe(ctx, network, addr); err != nil {
				s.logger.Error("sip listener stopped", "transport", network, "error", err)
			}
		}(transport)
	}
	return nil
}

// Stop hangs up live calls and shuts down all SIP listeners.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	s.supervisor.Shutdown()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.client.Close()
	s.srv.Close()
	s.ua.Close()
	s.supervisor.Stop()
	s.logger.Info("sip server stopped")
}

// handleRequest hands a request to the router and keeps the sipgo handler
// alive until the request has been answered.
func (s *Server) handleRequest(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	r := newInboundRequest(req, tx, nil)
	initialInvite := req.IsInvite() && r.IsInitial()
	if initialInvite && !s.acl.Allowed(req.Source()) {
		s.logger.Warn("rejected invite from untrusted source",
			"call_id", callID,
			"source", req.Source(),
		)
		s.respondError(r, 403, "Forbidden")
		return
	}
	if initialInvite {
		r.session = s.sessions.Open(callID)
		s.watchCancel(r, tx)
	} else {
		r.session = s.sessions.Lookup(callID)
	}

	d := s.currentDispatcher()
	if d == nil {
		if !req.IsAck() {
			s.respondError(r, 503, "Service Unavailable")
		}
		if initialInvite {
			s.sessions.RemoveUnbound(callID)
		}
		return
	}

	s.logger.Debug("sip request received",
		"method", req.Method.String(),
		"call_id", callID,
		"source", req.Source(),
		"session", r.session != nil,
	)
	d.Tell(ussd.InboundRequest{Request: r})

	if req.IsAck() {
		return
	}
	s.awaitResponse(r, tx, callID)
	if initialInvite {
		s.sessions.RemoveUnbound(callID)
	}
}

// watchCancel routes a CANCEL of the pending INVITE through the router.
// sipgo answers a matching CANCEL (200) and the INVITE (487) by itself and
// never calls the OnCancel route for it.
func (s *Server) watchCancel(invite *inboundRequest, tx sip.ServerTransaction) {
	tx.OnCancel(func(req *sip.Request) {
		invite.markCanceled()
		s.logger.Debug("invite canceled", "call_id", invite.CallID())
		s.dispatch(ussd.InboundRequest{Request: newInboundRequest(req, answeredTx{}, invite.session)})
	})
}

func (s *Server) awaitResponse(r *inboundRequest, tx sip.ServerTransaction, callID string) {
	timer := time.NewTimer(s.answerTimeout)
	defer timer.Stop()

	select {
	case <-r.Done():
	case <-tx.Done():
	case <-timer.C:
		s.logger.Warn("request not answered in time",
			"method", r.Method(),
			"call_id", callID,
		)
		s.respondError(r, ussd.StatusServerInternalError, "Server Internal Error")
	}
}

// handleOptions answers keepalive pings.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", ussd.ContentType))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))
	res.AppendHeader(sip.NewHeader("Recv-Info", infoPackage))

	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

func (s *Server) handleNoRoute(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("unsupported sip method",
		"method", req.Method.String(),
		"source", req.Source(),
	)
	res := sip.NewResponseFromRequest(req, 405, "Method Not Allowed", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to unsupported method", "error", err)
	}
}

func (s *Server) respondError(r *inboundRequest, code int, reason string) {
	if err := r.Respond(code, reason); err != nil {
		s.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}

func (s *Server) dispatch(msg ussd.Message) {
	if d := s.currentDispatcher(); d != nil {
		d.Tell(msg)
	}
}

func (s *Server) currentDispatcher() Dispatcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dispatcher
}

// contactURI is the Contact the node advertises on the given transport.
func (s *Server) contactURI(transport string) sip.Uri {
	params := sip.NewParams()
	params.Add("transport", strings.ToLower(transport))
	return sip.Uri{
		Scheme:    "sip",
		User:      contactUser,
		Host:      s.cfg.Hostname(),
		Port:      s.cfg.SIPPort,
		UriParams: params,
	}
}
