package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Code classifies a store failure
type Code string

const (
	CodeUnavailable Code = "store.unavailable"
	CodeDenied      Code = "store.denied"
	CodeNotFound    Code = "store.notFound"
	CodeConflict    Code = "store.conflict"
	CodeUnknown     Code = "store.unknown"
)

// Error is the typed failure returned by every Store implementation
type Error struct {
	Code  Code
	Op    string
	Table string
	Err   error
}

// Sentinels for errors.Is matching. Only the code is compared.
var (
	ErrUnavailable = &Error{Code: CodeUnavailable}
	ErrDenied      = &Error{Code: CodeDenied}
	ErrNotFound    = &Error{Code: CodeNotFound}
	ErrConflict    = &Error{Code: CodeConflict}
	ErrUnknown     = &Error{Code: CodeUnknown}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Op != "" {
		b.WriteString(": " + e.Op)
	}
	if e.Table != "" {
		b.WriteString(" " + e.Table)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newError(code Code, op, table string, err error) *Error {
	return &Error{Code: code, Op: op, Table: table, Err: err}
}

func deniedf(op, table, format string, args ...any) *Error {
	return newError(CodeDenied, op, table, fmt.Errorf(format, args...))
}

// CodeOf returns the code of a store error, or CodeUnknown for anything else
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeUnknown
}

// classify maps driver and gorm errors onto the store taxonomy
func classify(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return newError(CodeNotFound, op, table, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newError(CodeUnavailable, op, table, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return newError(CodeConflict, op, table, err)
		case pgErr.Code == "23503":
			// foreign key: the referenced conversation or user is gone
			return newError(CodeNotFound, op, table, err)
		case pgErr.Code == "42501":
			return newError(CodeDenied, op, table, err)
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01", pgErr.Code == "57P03":
			return newError(CodeUnavailable, op, table, err)
		}
		return newError(CodeUnknown, op, table, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return newError(CodeUnavailable, op, table, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return newError(CodeUnavailable, op, table, err)
	}
	return newError(CodeUnknown, op, table, err)
}
