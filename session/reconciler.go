package session

import (
	"context"
	"errors"

	"github.com/go-authgate/vakya-cli/identity"
)

type reconciler struct {
	m   *Manager
	sub *identity.Subscription
}

func newReconciler(m *Manager, sub *identity.Subscription) *reconciler {
	return &reconciler{m: m, sub: sub}
}

func (r *reconciler) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	defer r.sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.sub.C:
			if !ok {
				return
			}
			r.m.Reconcile(ctx, ev.User)
			r.m.markSettled()
		}
	}
}

// Reconcile brings the session in line with an identity state change.
//
// A nil user clears the session, even during an explicit sign-in. For a
// signed-in user the session is restored from the refresh cookie only; when
// that fails the session becomes anonymous and, under RestoreSignOut, the
// provider is signed out too. No provider exchange happens here, that needs
// an explicit sign-in.
func (m *Manager) Reconcile(ctx context.Context, user *identity.User) Status {
	m.mu.Lock()
	signingIn := m.signingIn > 0
	if user != nil && signingIn {
		st := m.status
		m.mu.Unlock()
		m.logger.Debug("identity change during sign-in, skipping reconcile")
		return st
	}
	if user != nil && m.state == StateActive && m.user != nil && m.user.UID == user.UID {
		st := m.status
		m.mu.Unlock()
		return st
	}
	m.mu.Unlock()

	if user == nil {
		// a sign-out queued before the sign-in in progress is already stale
		if signingIn && m.provider.CurrentUser() != nil {
			return m.Status()
		}
		m.clear("signed out")
		return Anonymous()
	}

	m.setState(StateRestoring)
	epoch := m.currentEpoch()

	if _, err := m.Refresh(ctx); err != nil {
		if errors.Is(err, ErrSessionCleared) || ctx.Err() != nil {
			return m.Status()
		}
		m.logger.Info("no backend session to restore", "uid", user.UID, "error", err)
		m.clear("restore failed")
		if m.policy == RestoreSignOut {
			if err := m.backend.Logout(ctx); err != nil {
				m.logger.Warn("backend logout failed", "error", err)
			}
			if err := m.provider.SignOut(ctx); err != nil {
				m.logger.Warn("identity sign-out failed", "error", err)
			}
		}
		return Anonymous()
	}

	return m.establish(ctx, user, epoch)
}
