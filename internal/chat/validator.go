package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxBodyBytes = 4096 // 4KB max body size
	MaxBodyChars = 2000 // max character count
)

// ValidateBody checks an operator-supplied notice body. Chat frames are
// bounded by the transport's frame size instead.
func ValidateBody(body string) error {
	if len(body) > MaxBodyBytes {
		return fmt.Errorf("%w: body exceeds %d byte limit", ErrInvalidMessage, MaxBodyBytes)
	}
	if !utf8.ValidString(body) {
		return fmt.Errorf("%w: body contains invalid UTF-8", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(body) > MaxBodyChars {
		return fmt.Errorf("%w: body exceeds %d character limit", ErrInvalidMessage, MaxBodyChars)
	}
	return nil
}
