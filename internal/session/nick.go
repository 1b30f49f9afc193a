package session

import (
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	// MinNicknameLength is the minimum nickname length in characters.
	MinNicknameLength = 1

	// MaxNicknameLength is the maximum nickname length in characters.
	MaxNicknameLength = 64
)

// NormalizeNickname returns the NFC form of name, or a ValidationError when
// it is empty or longer than MaxNicknameLength characters.
func NormalizeNickname(name string) (string, error) {
	n := norm.NFC.String(name)
	count := utf8.RuneCountInString(n)

	switch {
	case !utf8.ValidString(n):
		return "", &ValidationError{Field: "nickname", Value: name, Violation: ViolationEncoding, Reason: "not valid UTF-8"}
	case count < MinNicknameLength:
		return "", &ValidationError{Field: "nickname", Value: name, Violation: ViolationEmpty, Reason: "nickname cannot be empty"}
	case count > MaxNicknameLength:
		return "", &ValidationError{
			Field:     "nickname",
			Value:     name,
			Violation: ViolationTooLong,
			Reason:    fmt.Sprintf("nickname must be at most %d characters, got %d", MaxNicknameLength, count),
		}
	}
	return n, nil
}
