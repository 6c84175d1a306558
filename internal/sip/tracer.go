package sip

import (
	"bytes"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/ussdgw/internal/ussd"
)

// TraceLevel controls how much of each SIP message is logged.
type TraceLevel int32

const (
	TraceOff TraceLevel = iota
	// TraceHeaders logs the start line and headers.
	TraceHeaders
	// TraceFull also logs the body, decoded when it is a USSD document.
	TraceFull
)

// ParseTraceLevel converts the sip-trace setting.
func ParseTraceLevel(s string) TraceLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "headers":
		return TraceHeaders
	case "full":
		return TraceFull
	default:
		return TraceOff
	}
}

func (v TraceLevel) String() string {
	switch v {
	case TraceHeaders:
		return "headers"
	case TraceFull:
		return "full"
	default:
		return "off"
	}
}

// MessageTracer logs SIP traffic of USSD dialogs through slog. It
// implements the sipgo sip.SIPTracer hooks.
type MessageTracer struct {
	logger *slog.Logger
	level  atomic.Int32
}

// NewMessageTracer creates a tracer at the given level.
func NewMessageTracer(logger *slog.Logger, level TraceLevel) *MessageTracer {
	t := &MessageTracer{
		logger: logger.With("subsystem", "tracer"),
	}
	t.level.Store(int32(level))
	return t
}

// Install registers the tracer with the sipgo transport layer. It is a
// no-op when tracing is off.
func (t *MessageTracer) Install() {
	if t.Level() == TraceOff {
		return
	}
	sip.SIPDebugTracer(t)
	t.logger.Info("sip message tracing enabled", "level", t.Level().String())
}

func (t *MessageTracer) Level() TraceLevel {
	return TraceLevel(t.level.Load())
}

// SetLevel changes the trace level at runtime.
func (t *MessageTracer) SetLevel(v TraceLevel) {
	t.level.Store(int32(v))
}

func (t *MessageTracer) SIPTraceRead(transport string, laddr string, raddr string, sipmsg []byte) {
	t.trace("recv", transport, laddr, raddr, sipmsg)
}

func (t *MessageTracer) SIPTraceWrite(transport string, laddr string, raddr string, sipmsg []byte) {
	t.trace("send", transport, laddr, raddr, sipmsg)
}

func (t *MessageTracer) trace(direction, transport, laddr, raddr string, sipmsg []byte) {
	v := t.Level()
	if v == TraceOff {
		return
	}

	msg := splitRaw(sipmsg)
	attrs := []any{
		"direction", direction,
		"transport", transport,
		"local_addr", laddr,
		"remote_addr", raddr,
		"start_line", msg.startLine,
		"call_id", msg.header("Call-ID", "i"),
		"headers", string(msg.head),
	}
	if v == TraceFull && len(msg.body) > 0 {
		attrs = append(attrs, msg.bodyAttrs()...)
	}
	t.logger.Debug("sip "+direction, attrs...)
}

// rawMessage is a SIP message split at the first blank line.
type rawMessage struct {
	startLine string
	head      []byte
	body      []byte
}

func splitRaw(msg []byte) rawMessage {
	var m rawMessage
	m.head = msg
	if idx := bytes.Index(msg, []byte("\r\n\r\n")); idx >= 0 {
		m.head, m.body = msg[:idx], msg[idx+4:]
	}
	first, _, _ := bytes.Cut(m.head, []byte("\r\n"))
	m.startLine = string(first)
	return m
}

// header returns the first value of the named header, accepting its
// compact form.
func (m rawMessage) header(name, compact string) string {
	lines := bytes.Split(m.head, []byte("\r\n"))
	for _, line := range lines[1:] {
		k, v, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		k = bytes.TrimSpace(k)
		if bytes.EqualFold(k, []byte(name)) || (compact != "" && bytes.EqualFold(k, []byte(compact))) {
			return string(bytes.TrimSpace(v))
		}
	}
	return ""
}

// bodyAttrs decodes USSD documents into fields. Other bodies, and USSD
// bodies that do not parse, are logged raw.
func (m rawMessage) bodyAttrs() []any {
	mediaType, _, _ := strings.Cut(m.header("Content-Type", "c"), ";")
	if !strings.EqualFold(strings.TrimSpace(mediaType), ussd.ContentType) {
		return []any{"body", string(m.body)}
	}
	p, err := ussd.ParsePayload(m.body)
	if err != nil {
		return []any{"body", string(m.body), "ussd_error", err.Error()}
	}
	attrs := []any{"ussd_string", p.Text, "ussd_language", p.Language}
	if p.MessageType != "" {
		attrs = append(attrs, "ussd_message_type", p.MessageType)
	}
	if p.ErrorCode != "" {
		attrs = append(attrs, "ussd_error_code", p.ErrorCode)
	}
	return attrs
}
