package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/internal/store"
)

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	reconcile := errors.Join(fmt.Errorf("seed visibility: %w", store.ErrUnavailable), model.ErrRequiresReconcile)
	tests := []struct {
		name     string
		err      error
		kind     Kind
		severity Severity
		code     string
	}{
		{"empty message", model.ErrMessageEmpty, KindValidation, SeverityInline, "message.empty"},
		{"last admin", fmt.Errorf("remove: %w", model.ErrLastAdmin), KindValidation, SeverityInline, "role.lastAdmin"},
		{"permission", fmt.Errorf("%w: %w", model.ErrPermissionDenied, store.ErrDenied), KindDenied, SeverityInline, "permission.denied"},
		{"store denied", store.ErrDenied, KindDenied, SeverityInline, "store.denied"},
		{"not found", fmt.Errorf("view: %w", store.ErrNotFound), KindNotFound, SeverityInline, "store.notFound"},
		{"conflict", store.ErrConflict, KindConflict, SeverityInline, "store.conflict"},
		{"send over a dead link", fmt.Errorf("%w: %w", model.ErrSendFailed, store.ErrUnavailable), KindUnavailable, SeverityBanner, "message.sendFailed"},
		{"reconcile", reconcile, KindInconsistent, SeverityBanner, "inconsistent.requiresReconcile"},
		{"timeout", context.DeadlineExceeded, KindUnavailable, SeverityBanner, "internal"},
		{"closed", model.ErrSessionClosed, KindUnavailable, SeverityBanner, "session.closed"},
		{"unknown", errors.New("boom"), KindInternal, SeverityBanner, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.kind {
				t.Errorf("KindOf: got %v, want %v", got, tt.kind)
			}
			if got := Classify(tt.err); got != tt.severity {
				t.Errorf("Classify: got %v, want %v", got, tt.severity)
			}
			if got := Code(tt.err); got != tt.code {
				t.Errorf("Code: got %q, want %q", got, tt.code)
			}
		})
	}
}
