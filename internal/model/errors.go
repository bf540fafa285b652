package model

import "errors"

// Domain errors. The message is the stable code reported to clients.
var (
	ErrMessageEmpty      = errors.New("message.empty")
	ErrSendFailed        = errors.New("message.sendFailed")
	ErrEmptyRoster       = errors.New("conversation.emptyRoster")
	ErrDuplicateRoster   = errors.New("conversation.duplicateRoster")
	ErrNoSelection       = errors.New("conversation.notSelected")
	ErrRequiresReconcile = errors.New("inconsistent.requiresReconcile")
	ErrPermissionDenied  = errors.New("permission.denied")
	ErrInvalidRole       = errors.New("role.invalid")
	ErrLastAdmin         = errors.New("role.lastAdmin")
	ErrSessionClosed     = errors.New("session.closed")
)
