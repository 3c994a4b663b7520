// Package identity talks to the external identity provider: it signs users
// in (device authorization or password grant), hands out fresh identity
// assertions, and broadcasts sign-in/sign-out changes to subscribers.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotSignedIn is returned when an assertion is requested with no user.
	ErrNotSignedIn = errors.New("no user is signed in to the identity provider")
	// ErrRefreshTokenExpired indicates that the provider refresh token has expired or is invalid
	ErrRefreshTokenExpired = errors.New("refresh token expired or invalid")
	// ErrInvalidCredentials is returned by password sign-in on a rejected grant.
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccessDenied       = errors.New("user denied authorization")
	ErrDeviceCodeExpired  = errors.New("device code expired, please restart the flow")
)

// User is the provider's view of the signed-in person. Consumers treat it as
// read-only.
type User struct {
	UID   string `json:"uid"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Event is one identity state change. A nil User means signed out.
type Event struct {
	User *User
}

// Provider is the identity provider as seen by the session layer.
type Provider interface {
	// Watch subscribes to state changes. The current state is delivered first.
	Watch() *Subscription
	CurrentUser() *User
	// IDToken returns an identity assertion for the current user, renewing
	// it with the provider when forceRefresh is set or it is about to expire.
	IDToken(ctx context.Context, forceRefresh bool) (string, error)
	SignInWithPassword(ctx context.Context, email, password string) (*User, error)
	// SignInInteractive runs the provider's interactive flow.
	SignInInteractive(ctx context.Context) (*User, error)
	SignOut(ctx context.Context) error
}

// DevicePrompt receives progress of the device authorization flow so it can
// be shown to the user.
type DevicePrompt interface {
	DeviceCodeReady(userCode, verifyURI, verifyURIComplete string, expiry time.Time)
	WaitingForAuth()
	PollSlowDown(newInterval time.Duration)
}

type noopPrompt struct{}

func (noopPrompt) DeviceCodeReady(_, _, _ string, _ time.Time) {}
func (noopPrompt) WaitingForAuth()                             {}
func (noopPrompt) PollSlowDown(_ time.Duration)                {}
