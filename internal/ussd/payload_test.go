package ussd

import (
	"errors"
	"strings"
	"testing"
)

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    Payload
		wantErr bool
	}{
		{
			name: "network initiated request",
			body: `<?xml version="1.0" encoding="UTF-8"?>
<ussd-data>
	<language value="fr"/>
	<ussd-string value="*123#"/>
	<anyExt><message-type>processUnstructuredSSRequest_Request</message-type></anyExt>
</ussd-data>`,
			want: Payload{Language: "fr", Text: "*123#", MessageType: MessageTypeProcessRequest},
		},
		{
			name: "subscriber answer without language",
			body: `<ussd-data><ussd-string value="1"/><anyExt><message-type>unstructuredSSRequest_Response</message-type></anyExt></ussd-data>`,
			want: Payload{Language: "en", Text: "1", MessageType: MessageTypeResponse},
		},
		{
			name: "error code",
			body: `<ussd-data><ussd-string value=""/><error-code value="27"/></ussd-data>`,
			want: Payload{Language: "en", ErrorCode: "27"},
		},
		{name: "empty", body: "  ", wantErr: true},
		{name: "not xml", body: "hello", wantErr: true},
		{name: "wrong root", body: "<foo/>", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePayload([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePayload() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if *got != tt.want {
				t.Errorf("ParsePayload() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestParsePayloadEmpty(t *testing.T) {
	_, err := ParsePayload(nil)
	if !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("ParsePayload(nil) error = %v, want ErrEmptyPayload", err)
	}
}

func TestPayloadMarshal(t *testing.T) {
	p := &Payload{Text: "1. Balance\n2. Top up", MessageType: MessageTypeRequest}
	body, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	s := string(body)
	for _, want := range []string{
		`<?xml version="1.0" encoding="UTF-8"?>`,
		`<ussd-data>`,
		`<language value="en"></language>`,
		`<message-type>unstructuredSSRequest_Request</message-type>`,
	} {
		if !strings.Contains(s, want) {
			t.Errorf("Marshal() output missing %q:\n%s", want, s)
		}
	}
	if strings.Contains(s, "error-code") {
		t.Errorf("Marshal() should omit empty error-code:\n%s", s)
	}

	back, err := ParsePayload(body)
	if err != nil {
		t.Fatalf("ParsePayload(Marshal()) error: %v", err)
	}
	if back.Text != p.Text || !back.ExpectsAnswer() {
		t.Errorf("decoded = %+v, want text %q expecting answer", back, p.Text)
	}
}

func TestIsUSSDContent(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"application/vnd.3gpp.ussd+xml", true},
		{"Application/VND.3gpp.USSD+xml", true},
		{"application/vnd.3gpp.ussd+xml; charset=utf-8", true},
		{"application/sdp", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := IsUSSDContent(tt.in); got != tt.want {
				t.Errorf("IsUSSDContent(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
