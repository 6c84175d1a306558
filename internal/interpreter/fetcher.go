package interpreter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/flowpbx/ussdgw/internal/ussd"
)

// maxDocumentSize caps how much of an application response is read.
const maxDocumentSize = 64 << 10

// maxUSSDLength is the longest USSD string a handset displays.
const maxUSSDLength = 182

var (
	// ErrUnexpectedStatus is returned when an application answers with a
	// non-2xx status.
	ErrUnexpectedStatus = errors.New("unexpected application status")
	// ErrEmptyDocument is returned when an application answers with no
	// content to relay.
	ErrEmptyDocument = errors.New("empty application document")
)

// Document is an application response.
type Document struct {
	ContentType string
	Body        []byte
}

// Reply converts the document into the message for the call. A USSD XML
// document is relayed as is and prompts the subscriber only when its
// message type asks for an answer. Any other content is sent as a final
// notification.
func (d *Document) Reply() (ussd.Reply, error) {
	if ussd.IsUSSDContent(d.ContentType) || isUSSDDocument(d.Body) {
		p, err := ussd.ParsePayload(d.Body)
		if err != nil {
			return ussd.Reply{}, err
		}
		if p.MessageType == "" {
			p.MessageType = ussd.MessageTypeNotify
		}
		p.Text = truncate(p.Text)
		return ussd.Reply{Payload: p, Final: !p.ExpectsAnswer()}, nil
	}

	text := strings.TrimSpace(string(d.Body))
	if text == "" {
		return ussd.Reply{}, ErrEmptyDocument
	}
	return ussd.Reply{
		Payload: &ussd.Payload{
			Language:    ussd.DefaultLanguage,
			Text:        truncate(text),
			MessageType: ussd.MessageTypeNotify,
		},
		Final: true,
	}, nil
}

func isUSSDDocument(body []byte) bool {
	s := strings.TrimSpace(string(body))
	if strings.HasPrefix(s, "<?xml") {
		if i := strings.Index(s, "?>"); i >= 0 {
			s = strings.TrimSpace(s[i+2:])
		}
	}
	return strings.HasPrefix(s, "<ussd-data")
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxUSSDLength {
		return s
	}
	r := []rune(s)
	return string(r[:maxUSSDLength])
}

// Fetcher requests application documents over HTTP.
type Fetcher struct {
	httpClient *http.Client
}

// NewFetcher creates a fetcher whose requests time out after timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Fetch requests rawURL with params. GET sends them in the query string,
// any other method is sent as a form-encoded POST.
func (f *Fetcher) Fetch(ctx context.Context, method, rawURL string, params url.Values) (*Document, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing application url: %w", err)
	}

	var body io.Reader
	if strings.EqualFold(method, http.MethodGet) {
		method = http.MethodGet
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	} else {
		method = http.MethodPost
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", ussd.ContentType+", text/plain;q=0.5")
	req.Header.Set("User-Agent", "ussdgw")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	return &Document{
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}
