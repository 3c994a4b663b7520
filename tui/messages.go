package tui

import (
	"time"

	"github.com/go-authgate/vakya-cli/session"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgRestoring signals that a previous session is being restored.
type MsgRestoring struct{}

// MsgStatus carries a published session status.
type MsgStatus struct{ Status session.Status }

// MsgSigningIn signals that an explicit sign-in started.
type MsgSigningIn struct{ Method string }

// MsgDeviceCodeReady signals that the device code is ready for user action.
type MsgDeviceCodeReady struct {
	UserCode          string
	VerifyURI         string
	VerifyURIComplete string
	Expiry            time.Time
}

// MsgWaitingForAuth signals that polling for authorization has started.
type MsgWaitingForAuth struct{}

// MsgPollSlowDown signals that the server requested slower polling.
type MsgPollSlowDown struct{ NewInterval time.Duration }

// MsgTokenInstalled signals a new backend access token.
type MsgTokenInstalled struct{ Info session.TokenInfo }

// MsgSessionExpired signals that the session could not be renewed.
type MsgSessionExpired struct{ Err error }

type MsgLoggedOut struct{}

// MsgWorking signals that a product request is in progress.
type MsgWorking struct{ What string }

// MsgDone signals that the command finished.
type MsgDone struct{ Summary string }

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }
