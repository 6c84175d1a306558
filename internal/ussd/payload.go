package ussd

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
)

// MAP USSD operations carried in the anyExt message-type element.
const (
	MessageTypeProcessRequest  = "processUnstructuredSSRequest_Request"
	MessageTypeProcessResponse = "processUnstructuredSSRequest_Response"
	MessageTypeRequest         = "unstructuredSSRequest_Request"
	MessageTypeResponse        = "unstructuredSSRequest_Response"
	MessageTypeNotify          = "unstructuredSSNotify_Request"
)

// DefaultLanguage is used when a payload names none.
const DefaultLanguage = "en"

// ErrEmptyPayload is returned when a body holds no ussd-data document.
var ErrEmptyPayload = errors.New("empty ussd payload")

// Payload is the decoded form of an application/vnd.3gpp.ussd+xml body.
type Payload struct {
	Language    string
	Text        string
	MessageType string
	ErrorCode   string
}

// ExpectsAnswer reports whether the subscriber is prompted for input.
func (p *Payload) ExpectsAnswer() bool {
	return p.MessageType == MessageTypeRequest
}

type valueAttr struct {
	Value string `xml:"value,attr"`
}

type anyExt struct {
	MessageType string `xml:"message-type,omitempty"`
}

type ussdData struct {
	XMLName    xml.Name   `xml:"ussd-data"`
	Language   *valueAttr `xml:"language"`
	UssdString *valueAttr `xml:"ussd-string"`
	ErrorCode  *valueAttr `xml:"error-code"`
	AnyExt     *anyExt    `xml:"anyExt"`
}

// ParsePayload decodes a ussd-data document.
func ParsePayload(body []byte) (*Payload, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyPayload
	}
	var doc ussdData
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding ussd payload: %w", err)
	}
	p := &Payload{Language: DefaultLanguage}
	if doc.Language != nil && doc.Language.Value != "" {
		p.Language = doc.Language.Value
	}
	if doc.UssdString != nil {
		p.Text = doc.UssdString.Value
	}
	if doc.ErrorCode != nil {
		p.ErrorCode = doc.ErrorCode.Value
	}
	if doc.AnyExt != nil {
		p.MessageType = doc.AnyExt.MessageType
	}
	return p, nil
}

// Marshal encodes the payload as a ussd-data document with XML header.
func (p *Payload) Marshal() ([]byte, error) {
	lang := p.Language
	if lang == "" {
		lang = DefaultLanguage
	}
	doc := ussdData{
		Language:   &valueAttr{Value: lang},
		UssdString: &valueAttr{Value: p.Text},
	}
	if p.ErrorCode != "" {
		doc.ErrorCode = &valueAttr{Value: p.ErrorCode}
	}
	if p.MessageType != "" {
		doc.AnyExt = &anyExt{MessageType: p.MessageType}
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "\t")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encoding ussd payload: %w", err)
	}
	return buf.Bytes(), nil
}
