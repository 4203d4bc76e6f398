// Package account defines the forum identities processed by a check-in run.
package account

import "strings"

// DefaultBrowseCap is the number of topics browsed when no cap is configured.
const DefaultBrowseCap = 10

// Account is one forum login processed by the batch. It is built once from
// configuration and never mutated afterwards.
type Account struct {
	Username  string
	Password  string
	UserAgent string
	BrowseCap int
}

// DisplayName returns the masked username safe for logs and notifications.
func (a Account) DisplayName() string {
	return Mask(a.Username)
}

// HasCustomUserAgent reports whether the account overrides the default UA.
func (a Account) HasCustomUserAgent() bool {
	return strings.TrimSpace(a.UserAgent) != ""
}

// String keeps credentials out of formatted output.
func (a Account) String() string {
	return a.DisplayName()
}

// Mask hides all but the first and last character of a login identifier.
// For e-mail addresses only the local part is masked.
//
//	ab@example.com -> a*@example.com
//	abcdef         -> a***f
//	ab             -> a*
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if name, domain, ok := strings.Cut(value, "@"); ok {
		return maskName(name) + "@" + domain
	}
	return maskName(value)
}

func maskName(name string) string {
	runes := []rune(name)
	switch {
	case len(runes) == 0:
		return "*"
	case len(runes) <= 2:
		return string(runes[0]) + "*"
	default:
		return string(runes[0]) + "***" + string(runes[len(runes)-1])
	}
}
