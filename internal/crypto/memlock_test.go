package crypto

import (
	"os"
	"testing"
)

func TestKeyOpSlots(t *testing.T) {
	page := uint64(os.Getpagesize())

	tests := []struct {
		name  string
		limit uint64
		want  int
	}{
		{"unlimited", 0, MaxKeyOps},
		{"tiny", page, 1},
		{"just reserved", (reservedLockedPages + keyOpPages - 1) * page, 1},
		{"room for two", (reservedLockedPages + 2*keyOpPages) * page, 2},
		{"large", 1 << 30, MaxKeyOps},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KeyOpSlots(tt.limit); got != tt.want {
				t.Errorf("KeyOpSlots(%d) = %d, want %d", tt.limit, got, tt.want)
			}
		})
	}
}
