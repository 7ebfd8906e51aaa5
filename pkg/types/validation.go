package types

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// MaxContentLength is the upper bound on chat message content, in runes.
const MaxContentLength = 5000

var (
	validate  = validator.New()
	slugRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// Validate checks the identify payload. Any failure maps to ErrIdentifyFailed.
func (i *Identity) Validate() error {
	if err := validate.Struct(i); err != nil {
		return fmt.Errorf("%w: %v", ErrIdentifyFailed, err)
	}
	return nil
}

// Validate checks the send payload shape. Identity checks belong to the pipeline.
func (r *SendRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("%w: content is empty", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(r.Content) > MaxContentLength {
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalidMessage, MaxContentLength)
	}
	return nil
}

// IsValidRoom checks a community slug. 1-100 characters, alphanumeric plus
// underscore and hyphen.
func IsValidRoom(room string) bool {
	if len(room) < 1 || len(room) > 100 {
		return false
	}
	return slugRegex.MatchString(room)
}
