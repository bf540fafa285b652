package chat

import (
	"context"
	"errors"

	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/internal/store"
)

// Kind groups errors by how a client should react to them
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindDenied
	KindNotFound
	KindConflict
	KindUnavailable
	KindInconsistent
)

// Severity tells the host where to show an error
type Severity int

const (
	// SeverityInline errors belong next to the control that caused them
	SeverityInline Severity = iota
	// SeverityBanner errors are about the connection, not the action
	SeverityBanner
)

var validation = []error{
	model.ErrMessageEmpty,
	model.ErrEmptyRoster,
	model.ErrNoSelection,
	model.ErrInvalidRole,
	model.ErrLastAdmin,
}

// coded lists the sentinels whose text is a client-facing code
var coded = append([]error{
	model.ErrRequiresReconcile,
	model.ErrPermissionDenied,
	model.ErrSendFailed,
	model.ErrSessionClosed,
}, validation...)

// KindOf classifies err. Domain sentinels win over the store code they wrap.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, model.ErrRequiresReconcile):
		return KindInconsistent
	case errors.Is(err, model.ErrPermissionDenied):
		return KindDenied
	case errors.Is(err, model.ErrSessionClosed):
		return KindUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return KindUnavailable
	}
	for _, v := range validation {
		if errors.Is(err, v) {
			return KindValidation
		}
	}
	switch store.CodeOf(err) {
	case store.CodeDenied:
		return KindDenied
	case store.CodeNotFound:
		return KindNotFound
	case store.CodeConflict:
		return KindConflict
	case store.CodeUnavailable:
		return KindUnavailable
	}
	return KindInternal
}

// Classify decides whether err is shown inline or as a banner
func Classify(err error) Severity {
	switch KindOf(err) {
	case KindValidation, KindDenied, KindNotFound, KindConflict:
		return SeverityInline
	}
	return SeverityBanner
}

// Code returns the stable code reported to clients for err
func Code(err error) string {
	for _, sentinel := range coded {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	if code := store.CodeOf(err); code != store.CodeUnknown {
		return string(code)
	}
	return "internal"
}
