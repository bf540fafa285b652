package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"record not found", gorm.ErrRecordNotFound, CodeNotFound},
		{"deadline", context.DeadlineExceeded, CodeUnavailable},
		{"unique violation", &pgconn.PgError{Code: "23505"}, CodeConflict},
		{"foreign key", &pgconn.PgError{Code: "23503"}, CodeNotFound},
		{"insufficient privilege", &pgconn.PgError{Code: "42501"}, CodeDenied},
		{"connection failure", &pgconn.PgError{Code: "08006"}, CodeUnavailable},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, CodeUnavailable},
		{"other pg error", &pgconn.PgError{Code: "22001"}, CodeUnknown},
		{"wrapped pg error", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), CodeConflict},
		{"plain error", errors.New("boom"), CodeUnknown},
		{"already classified", newError(CodeDenied, "read", "users", nil), CodeDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := CodeOf(classify("op", "table", tt.err)); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorIs(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("create conversation: %w", newError(CodeConflict, "insert", TableConversations, errors.New("duplicate key")))
	if !errors.Is(err, ErrConflict) {
		t.Error("wrapped conflict should match ErrConflict")
	}
	if errors.Is(err, ErrDenied) {
		t.Error("conflict should not match ErrDenied")
	}
	if got, want := CodeOf(err), CodeConflict; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := CodeOf(errors.New("x")), CodeUnknown; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	err := newError(CodeDenied, "insert", TableMessages, errors.New("not a participant"))
	if got, want := err.Error(), "store.denied: insert messages: not a participant"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
