package database

import (
	"strings"

	"github.com/google/uuid"
)

// Sid prefixes per resource.
const (
	SidPrefixAccount     = "AC"
	SidPrefixApplication = "AP"
	SidPrefixNumber      = "PN"
	SidPrefixCall        = "CA"
)

// NewSid returns a prefixed 34 character resource identifier.
func NewSid(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
