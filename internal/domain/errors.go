package domain

import "errors"

var (
	ErrNotAuthorized      = errors.New("not authorized")
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrInvalidCallState   = errors.New("invalid call state")
	ErrCalleeOffline      = errors.New("callee offline")
	ErrCallInProgress     = errors.New("call in progress")
	ErrRecipientUnknown   = errors.New("recipient unknown")
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrUnauthenticated is returned for frames sent before authenticate.
	ErrUnauthenticated = errors.New("unauthenticated")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrNotAuthorized, "NOT_AUTHORIZED"},
	{ErrInvalidPayload, "INVALID_PAYLOAD"},
	{ErrInvalidCallState, "INVALID_CALL_STATE"},
	{ErrCalleeOffline, "CALLEE_OFFLINE"},
	{ErrCallInProgress, "CALL_IN_PROGRESS"},
	{ErrRecipientUnknown, "RECIPIENT_UNKNOWN"},
	{ErrPersistenceFailure, "PERSISTENCE_FAILURE"},
	{ErrUnauthenticated, "UNAUTHENTICATED"},
}

// Code maps an error to the wire code sent in error frames.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}
