package relay

import (
	"errors"
	"strings"
	"testing"

	"github.com/postalsys/relaychat/internal/session"
)

func TestNickNotice(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", NoticeProvideNick},
		{"too long", strings.Repeat("x", 65), NoticeNickTooLong},
		{"invalid utf-8", "bad\xffname", "Invalid nick: not valid UTF-8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := session.NormalizeNickname(tt.input)
			var verr *session.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("NormalizeNickname(%q) error = %v, want ValidationError", tt.input, err)
			}
			if got := nickNotice(verr); got != tt.want {
				t.Errorf("nickNotice() = %q, want %q", got, tt.want)
			}
		})
	}
}
