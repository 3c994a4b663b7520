package session

import (
	"fmt"
	"strings"

	"github.com/go-authgate/vakya-cli/identity"
)

// State is the reconciler's view of the session.
type State int

const (
	StateUnknown State = iota
	StateRestoring
	StateActive
	StateAnonymous
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateRestoring:
		return "restoring"
	case StateActive:
		return "active"
	case StateAnonymous:
		return "anonymous"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Kind tags a Status.
type Kind int

const (
	KindAnonymous Kind = iota
	KindActive
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindActive:
		return "active"
	case KindAnonymous:
		return "anonymous"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Status is the outcome of establishing or reconciling a session. Profile
// and User are set for KindActive, Err for KindError.
type Status struct {
	Kind    Kind
	User    *identity.User
	Profile *Profile
	Err     error
}

func Active(user *identity.User, profile *Profile) Status {
	return Status{Kind: KindActive, User: user, Profile: profile}
}

func Anonymous() Status {
	return Status{Kind: KindAnonymous}
}

func Failed(err error) Status {
	return Status{Kind: KindError, Err: err}
}

// RestorePolicy decides what happens when a user known to the identity
// provider has no backend session at startup.
type RestorePolicy string

const (
	// RestoreAnonymous leaves the provider signed in and treats the
	// session as anonymous until the user signs in explicitly.
	RestoreAnonymous RestorePolicy = "anonymous"
	// RestoreSignOut also signs the provider out.
	RestoreSignOut RestorePolicy = "signout"
)

func ParseRestorePolicy(s string) (RestorePolicy, error) {
	switch p := RestorePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return RestoreAnonymous, nil
	case RestoreAnonymous, RestoreSignOut:
		return p, nil
	default:
		return "", fmt.Errorf("unknown restore policy %q (want %q or %q)",
			s, RestoreAnonymous, RestoreSignOut)
	}
}
