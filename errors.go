package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
)

var (
	ErrUnauthenticated = errors.New("chatsync: no session")
	ErrRefreshFailed   = errors.New("chatsync: session refresh rejected")
	ErrTimeout         = errors.New("chatsync: operation timed out")
	ErrOffline         = errors.New("chatsync: offline")
	ErrNetwork         = errors.New("chatsync: network error")
	ErrConflict        = errors.New("chatsync: conflict")
	ErrValidation      = errors.New("chatsync: validation failed")
	ErrChannelClosed   = errors.New("chatsync: channel closed")
	ErrNotConnected    = errors.New("chatsync: realtime not connected")
)

// APIError is a structured error returned by the backend.
type APIError struct {
	Status  int    `json:"status,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// ErrorKind is the retry-relevant class of an error.
type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindAuth       ErrorKind = "auth"
	KindNetwork    ErrorKind = "network"
	KindConflict   ErrorKind = "conflict"
	KindValidation ErrorKind = "validation"
	KindOther      ErrorKind = "other"
)

var authPattern = regexp.MustCompile(`(?i)jwt|token|expired`)

// ClassifyError maps an error to the class retrying callers act on. A 401 or
// an error message mentioning jwt/token/expired is an auth failure. When a
// joined error carries a connectivity failure, that wins.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, ErrNetwork) || errors.Is(err, ErrOffline) || errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusUnauthorized:
			return KindAuth
		case apiErr.Status == http.StatusConflict:
			return KindConflict
		case authPattern.MatchString(apiErr.Message) || authPattern.MatchString(apiErr.Code):
			return KindAuth
		case apiErr.Status == http.StatusBadRequest || apiErr.Status == http.StatusUnprocessableEntity:
			return KindValidation
		}
		return KindOther
	}

	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrRefreshFailed):
		return KindAuth
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	if authPattern.MatchString(err.Error()) {
		return KindAuth
	}
	return KindOther
}
