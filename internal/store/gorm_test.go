package store

import "testing"

func TestLikePattern(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   any
		want string
	}{
		{"alice", `%alice%`},
		{"john_d", `%john\_d%`},
		{"50%", `%50\%%`},
		{`back\slash`, `%back\\slash%`},
		{"", `%%`},
		{42, `%%`},
	}
	for _, tt := range tests {
		if got := likePattern(tt.in); got != tt.want {
			t.Errorf("likePattern(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
