package protocol

import (
	"fmt"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the struct tags of a request or response payload.
func Validate(payload interface{}) error {
	if err := validate.Struct(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Check enforces 0 <= start < end <= length of content, counted in characters.
func (r Range) Check(content string) error {
	length := utf8.RuneCountInString(content)
	if r.Start < 0 || r.Start >= r.End || r.End > length {
		return fmt.Errorf("%w: [%d,%d) outside chunk of length %d", ErrInvalidRange, r.Start, r.End, length)
	}
	return nil
}

// Slice returns the highlighted text of content.
func (r Range) Slice(content string) string {
	runes := []rune(content)
	if r.Start < 0 || r.End > len(runes) || r.Start >= r.End {
		return ""
	}
	return string(runes[r.Start:r.End])
}
