package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNoSession means the backend has no refresh cookie for us. During
	// session restoration this is the normal signed-out case, not a failure.
	ErrNoSession = errors.New("no backend session")
	// ErrSessionExpired is the terminal failure surfaced when a session that
	// was in use can no longer be renewed.
	ErrSessionExpired = errors.New("session expired, please sign in again")
	// ErrExchangeFailed wraps failures of an explicit sign-in exchange.
	ErrExchangeFailed = errors.New("identity exchange failed")
	// ErrSessionCleared is returned when a token arrived after the session
	// it was requested for had already been cleared.
	ErrSessionCleared = errors.New("session cleared while token request was in flight")
	ErrGateTimeout    = errors.New("token operation timed out")
)

// ErrorResponse covers both OAuth-style and detail-style error bodies.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Detail           string `json:"detail"`
}

// responseError turns a non-2xx backend reply into an error.
func responseError(op string, status int, body []byte) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil {
		switch {
		case errResp.Error != "":
			return fmt.Errorf("%s failed with status %d: %s: %s",
				op, status, errResp.Error, errResp.ErrorDescription)
		case errResp.Detail != "":
			return fmt.Errorf("%s failed with status %d: %s", op, status, errResp.Detail)
		}
	}
	return fmt.Errorf("%s failed with status %d: %s", op, status, string(body))
}
