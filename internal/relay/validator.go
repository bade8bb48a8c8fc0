package relay

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxTextChars is the longest chat line the relay accepts, in characters.
const MaxTextChars = 1000

// ErrTooLong is returned for lines over MaxTextChars.
var ErrTooLong = errors.New("message too long")

// NormalizeText trims text and checks its length. A blank result is returned
// as "" with no error; the caller ignores it.
func NormalizeText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) > MaxTextChars {
		return "", ErrTooLong
	}
	return text, nil
}

// NormalizeName trims a display name. Blank names are rejected by the caller.
func NormalizeName(name string) string {
	return strings.TrimSpace(name)
}
