package message

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxBodyBytes = 4096 // 4KB max frame size
	MaxBodyChars = 2000 // max character count
)

// ErrEmptyBody is returned for blank message bodies. Clients reject these
// locally before any network call; the server enforces the same rule.
var ErrEmptyBody = errors.New("message: body is empty")

// ValidateBody checks that a message body meets content requirements.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyBody
	}
	if len(body) > MaxBodyBytes {
		return fmt.Errorf("message: body exceeds %d byte limit", MaxBodyBytes)
	}
	if utf8.RuneCountInString(body) > MaxBodyChars {
		return fmt.Errorf("message: body exceeds %d character limit", MaxBodyChars)
	}
	if !utf8.ValidString(body) {
		return fmt.Errorf("message: body contains invalid UTF-8")
	}
	return nil
}
