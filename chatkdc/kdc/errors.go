/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 *
 * Error taxonomy for chatkdc
 */

package kdc

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the stable, client-visible classification of a failure
type ErrorKind string

const (
	KindNotFound  ErrorKind = "not_found"
	KindForbidden ErrorKind = "forbidden"
	KindConflict  ErrorKind = "conflict"
	KindCorrupt   ErrorKind = "corrupt"
	KindInvalid   ErrorKind = "invalid"
	KindInternal  ErrorKind = "internal"
)

// Error carries a kind plus a human-readable message
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind, so errors.Is(err, ErrForbidden) holds for any forbidden error
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrNotFound  = &Error{Kind: KindNotFound}
	ErrForbidden = &Error{Kind: KindForbidden}
	ErrConflict  = &Error{Kind: KindConflict}
	ErrCorrupt   = &Error{Kind: KindCorrupt}
	ErrInvalid   = &Error{Kind: KindInvalid}
)

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...interface{}) error {
	return newError(KindNotFound, format, args...)
}

func forbiddenf(format string, args ...interface{}) error {
	return newError(KindForbidden, format, args...)
}

func conflictf(format string, args ...interface{}) error {
	return newError(KindConflict, format, args...)
}

func corruptf(format string, args ...interface{}) error {
	return newError(KindCorrupt, format, args...)
}

func invalidf(format string, args ...interface{}) error {
	return newError(KindInvalid, format, args...)
}

// KindOf returns the kind of err, or KindInternal for anything unclassified
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code the API responds with
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindCorrupt:
		return http.StatusUnprocessableEntity
	case KindInvalid:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
