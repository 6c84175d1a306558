package api

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// maxURLLen is the maximum length for application and callback URLs.
const maxURLLen = 2048

// maxAddressLen is the maximum length of a USSD From/To value.
const maxAddressLen = 64

// maxPushTimeout caps the Timeout of a UssdPush, in seconds.
const maxPushTimeout = 600

// addressRe accepts MSISDNs and service codes such as "*123#".
var addressRe = regexp.MustCompile(`^\+?[0-9A-Za-z*#._-]+$`)

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateAddress checks a USSD subscriber number or service code.
func validateAddress(field, value string) string {
	if msg := validateRequiredStringLen(field, value, maxAddressLen); msg != "" {
		return msg
	}
	if !addressRe.MatchString(value) {
		return field + " contains invalid characters"
	}
	return ""
}

// validateURL checks an optional absolute http(s) URL.
func validateURL(field, value string) string {
	if value == "" {
		return ""
	}
	if len(value) > maxURLLen {
		return field + " exceeds maximum length"
	}
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	u, err := url.Parse(value)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return field + " must be an absolute http or https url"
	}
	return ""
}

// validateMethod checks an optional application request method and
// returns it upper-cased.
func validateMethod(field, value string) (string, string) {
	m := strings.ToUpper(strings.TrimSpace(value))
	switch m {
	case "", http.MethodGet, http.MethodPost:
		return m, ""
	}
	return "", field + " must be GET or POST"
}

// validateTimeout parses an optional timeout in whole seconds.
func validateTimeout(field, value string) (int, string) {
	if value == "" {
		return 0, ""
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 || n > maxPushTimeout {
		return 0, field + " must be between 1 and " + strconv.Itoa(maxPushTimeout)
	}
	return n, ""
}

// containsControlChars checks whether a string has control characters.
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 || r == 127 {
			return true
		}
	}
	return false
}
