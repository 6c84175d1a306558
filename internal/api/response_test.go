package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusCreated, map[string]string{"sid": "CA1"})

	if w.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected content-type application/json, got %q", ct)
	}
	if strings.Contains(w.Body.String(), `"error"`) {
		t.Errorf("error field should be omitted: %s", w.Body.String())
	}

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	data, ok := env.Data.(map[string]any)
	if !ok || data["sid"] != "CA1" {
		t.Errorf("data = %#v, want sid CA1", env.Data)
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusBadRequest, "To is required")

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if env.Error != "To is required" || env.Data != nil {
		t.Errorf("envelope = %+v", env)
	}
}

func TestReadJSON(t *testing.T) {
	type target struct {
		Name  string `json:"name"`
		Value int    `json:"value"`
	}
	tests := []struct {
		name    string
		body    string
		wantMsg string
		prefix  bool
	}{
		{"success", `{"name":"test","value":42}`, "", false},
		{"empty body", ``, "request body must not be empty", false},
		{"malformed", `{bad`, "malformed json", false},
		{"truncated", `{"name":`, "malformed json", false},
		{"unknown field", `{"name":"x","extra":1}`, "unknown field", true},
		{"wrong type", `{"value":"nope"}`, "invalid value for field value", false},
		{"multiple objects", `{"value":1}{"value":2}`, "request body must contain a single json object", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst target
			msg := readJSON(r, &dst)

			if tt.prefix {
				if !strings.HasPrefix(msg, tt.wantMsg) {
					t.Errorf("readJSON() = %q, want prefix %q", msg, tt.wantMsg)
				}
				return
			}
			if msg != tt.wantMsg {
				t.Errorf("readJSON() = %q, want %q", msg, tt.wantMsg)
			}
			if tt.wantMsg == "" && (dst.Name != "test" || dst.Value != 42) {
				t.Errorf("decoded %+v", dst)
			}
		})
	}
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
		wantMsg    string
	}{
		{"defaults", "", defaultLimit, 0, ""},
		{"custom", "?limit=50&offset=10", 50, 10, ""},
		{"clamped", "?limit=5000", maxLimit, 0, ""},
		{"zero offset", "?offset=0", defaultLimit, 0, ""},
		{"non-numeric limit", "?limit=abc", 0, 0, "limit must be a positive integer"},
		{"zero limit", "?limit=0", 0, 0, "limit must be a positive integer"},
		{"negative limit", "?limit=-5", 0, 0, "limit must be a positive integer"},
		{"non-numeric offset", "?offset=abc", 0, 0, "offset must be a non-negative integer"},
		{"negative offset", "?offset=-1", 0, 0, "offset must be a non-negative integer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/UssdCalls"+tt.query, nil)
			p, msg := parsePagination(r)
			if msg != tt.wantMsg {
				t.Fatalf("parsePagination() msg = %q, want %q", msg, tt.wantMsg)
			}
			if msg != "" {
				return
			}
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("pagination = %+v, want limit %d offset %d", p, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

func TestPaginatedResponseJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, PaginatedResponse{Items: []string{"a", "b"}, Total: 10, Limit: 2, Offset: 4})

	var env struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if env.Data["total"] != float64(10) || env.Data["limit"] != float64(2) || env.Data["offset"] != float64(4) {
		t.Errorf("data = %v", env.Data)
	}
	if items, ok := env.Data["items"].([]any); !ok || len(items) != 2 {
		t.Errorf("items = %#v", env.Data["items"])
	}
}
