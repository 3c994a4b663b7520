package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/vakya-cli/session"
)

// Displayer abstracts all progress output of the CLI. It also receives
// device flow progress from the identity provider.
type Displayer interface {
	Banner()
	Restoring()
	SessionStatus(st session.Status)
	SigningIn(method string)
	DeviceCodeReady(userCode, verifyURI, verifyURIComplete string, expiry time.Time)
	WaitingForAuth()
	PollSlowDown(newInterval time.Duration)
	TokenInstalled(info session.TokenInfo)
	SessionExpired(err error)
	LoggedOut()
	Working(what string)
	Done(summary string)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== Vakya Shuddhi CLI ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) Restoring() {
	fmt.Fprintln(p.w, "Restoring previous session...")
}

func (p *PlainDisplayer) SessionStatus(st session.Status) {
	fmt.Fprintln(p.w, describeStatus(st))
}

func (p *PlainDisplayer) SigningIn(method string) {
	fmt.Fprintf(p.w, "Signing in (%s)...\n", method)
}

func (p *PlainDisplayer) DeviceCodeReady(
	userCode, verifyURI, verifyURIComplete string,
	expiry time.Time,
) {
	fmt.Fprintln(p.w, "----------------------------------------")
	fmt.Fprintf(p.w, "Please open this link to authorize:\n%s\n", verifyURIComplete)
	fmt.Fprintf(p.w, "\nOr manually visit: %s\n", verifyURI)
	fmt.Fprintf(p.w, "And enter code: %s\n", userCode)
	fmt.Fprintf(p.w, "The code expires in %s\n", formatDuration(time.Until(expiry)))
	fmt.Fprintln(p.w, "----------------------------------------")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) WaitingForAuth() {
	fmt.Fprintln(p.w, "Waiting for authorization...")
}

func (p *PlainDisplayer) PollSlowDown(newInterval time.Duration) {
	fmt.Fprintf(p.w, "Server requested slower polling, new interval: %s\n", newInterval)
}

func (p *PlainDisplayer) TokenInstalled(info session.TokenInfo) {
	fmt.Fprintf(p.w, "Session token obtained via %s, next refresh at %s\n",
		info.Source, info.RefreshAt.Local().Format(time.Kitchen))
}

func (p *PlainDisplayer) SessionExpired(err error) {
	fmt.Fprintf(p.w, "Session expired: %v\n", err)
	fmt.Fprintln(p.w, "Run `vakya login` to sign in again.")
}

func (p *PlainDisplayer) LoggedOut() {
	fmt.Fprintln(p.w, "Signed out.")
}

func (p *PlainDisplayer) Working(what string) {
	fmt.Fprintf(p.w, "%s...\n", what)
}

func (p *PlainDisplayer) Done(summary string) {
	if summary != "" {
		fmt.Fprintln(p.w, summary)
	}
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                                     {}
func (NoopDisplayer) Restoring()                                  {}
func (NoopDisplayer) SessionStatus(_ session.Status)              {}
func (NoopDisplayer) SigningIn(_ string)                          {}
func (NoopDisplayer) DeviceCodeReady(_, _, _ string, _ time.Time) {}
func (NoopDisplayer) WaitingForAuth()                             {}
func (NoopDisplayer) PollSlowDown(_ time.Duration)                {}
func (NoopDisplayer) TokenInstalled(_ session.TokenInfo)          {}
func (NoopDisplayer) SessionExpired(_ error)                      {}
func (NoopDisplayer) LoggedOut()                                  {}
func (NoopDisplayer) Working(_ string)                            {}
func (NoopDisplayer) Done(_ string)                               {}
func (NoopDisplayer) Fatal(_ error)                               {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) Restoring() {
	t.p.Send(MsgRestoring{})
}

func (t *ProgramDisplayer) SessionStatus(st session.Status) {
	t.p.Send(MsgStatus{Status: st})
}

func (t *ProgramDisplayer) SigningIn(method string) {
	t.p.Send(MsgSigningIn{Method: method})
}

func (t *ProgramDisplayer) DeviceCodeReady(
	userCode, verifyURI, verifyURIComplete string,
	expiry time.Time,
) {
	t.p.Send(MsgDeviceCodeReady{
		UserCode:          userCode,
		VerifyURI:         verifyURI,
		VerifyURIComplete: verifyURIComplete,
		Expiry:            expiry,
	})
}

func (t *ProgramDisplayer) WaitingForAuth() {
	t.p.Send(MsgWaitingForAuth{})
}

func (t *ProgramDisplayer) PollSlowDown(newInterval time.Duration) {
	t.p.Send(MsgPollSlowDown{NewInterval: newInterval})
}

func (t *ProgramDisplayer) TokenInstalled(info session.TokenInfo) {
	t.p.Send(MsgTokenInstalled{Info: info})
}

func (t *ProgramDisplayer) SessionExpired(err error) {
	t.p.Send(MsgSessionExpired{Err: err})
}

func (t *ProgramDisplayer) LoggedOut() {
	t.p.Send(MsgLoggedOut{})
}

func (t *ProgramDisplayer) Working(what string) {
	t.p.Send(MsgWorking{What: what})
}

func (t *ProgramDisplayer) Done(summary string) {
	t.p.Send(MsgDone{Summary: summary})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}

// describeStatus renders a session status as one line.
func describeStatus(st session.Status) string {
	switch st.Kind {
	case session.KindActive:
		if st.Profile == nil {
			return "Signed in"
		}
		name := st.Profile.Email
		if st.Profile.Name != "" {
			name = fmt.Sprintf("%s <%s>", st.Profile.Name, st.Profile.Email)
		}
		return fmt.Sprintf("Signed in as %s (plan: %s)", name, st.Profile.Plan)
	case session.KindError:
		return fmt.Sprintf("Session error: %v", st.Err)
	default:
		return "Not signed in"
	}
}
