package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/go-authgate/vakya-cli/api"
	"github.com/go-authgate/vakya-cli/session"
)

const usage = `Usage: vakya [flags] <command> [args]

Commands:
  status                    Show the signed-in user (default)
  login                     Sign in (EMAIL/PASSWORD env for password sign-in,
                            device authorization otherwise)
  logout                    Sign out
  paraphrase TEXT           Paraphrase TEXT (or stdin)
  grammar TEXT              Check the grammar of TEXT (or stdin)
  stats                     Show usage and remaining quota
  history [paraphrases|grammar]
                            List recent items
  delete KIND ID            Delete a history item`

var errNotSignedIn = errors.New("not signed in, run `vakya login` first")

// run restores the session and executes one command.
func (a *app) run(ctx context.Context, args []string) error {
	cmd := "status"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	if cmd == "help" || cmd == "-h" {
		fmt.Fprintln(a.out, usage)
		return nil
	}

	a.manager.Start(ctx)
	st, err := a.manager.WaitSettled(ctx)
	if err != nil {
		return err
	}
	a.display.SessionStatus(st)

	switch cmd {
	case "status":
		return a.status(st)
	case "login":
		return a.login(ctx, st)
	case "logout":
		return a.logout(ctx)
	case "paraphrase":
		return a.paraphrase(ctx, st, args)
	case "grammar":
		return a.grammar(ctx, st, args)
	case "stats":
		return a.stats(ctx, st)
	case "history":
		return a.history(ctx, st, args)
	case "delete":
		return a.deleteHistory(ctx, st, args)
	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
}

func (a *app) status(st session.Status) error {
	switch st.Kind {
	case session.KindActive:
		p := st.Profile
		fmt.Fprintf(a.out, "Signed in as %s\n", p.Email)
		if p.Name != "" {
			fmt.Fprintf(a.out, "Name:         %s\n", p.Name)
		}
		fmt.Fprintf(a.out, "Plan:         %s\n", p.Plan)
		fmt.Fprintf(a.out, "Paraphrases:  %d\n", p.Usage.ParaphraseCount)
		fmt.Fprintf(a.out, "Grammar:      %d\n", p.Usage.GrammarCheckCount)
		return nil
	case session.KindError:
		return st.Err
	default:
		fmt.Fprintln(a.out, "Not signed in")
		return nil
	}
}

func (a *app) login(ctx context.Context, st session.Status) error {
	if st.Kind == session.KindActive {
		fmt.Fprintf(a.out, "Already signed in as %s\n", st.Profile.Email)
		return nil
	}

	switch {
	case a.cfg.Email != "" && a.cfg.Password != "":
		a.display.SigningIn("password")
		st = a.manager.SignInWithPassword(ctx, a.cfg.Email, a.cfg.Password)
	case a.provider.CurrentUser() != nil:
		a.display.SigningIn("existing identity")
		st = a.manager.SignInCurrent(ctx)
	default:
		a.display.SigningIn("device code")
		st = a.manager.SignInInteractive(ctx)
	}
	if st.Kind != session.KindActive {
		return st.Err
	}
	a.display.SessionStatus(st)
	fmt.Fprintf(a.out, "Signed in as %s\n", st.Profile.Email)
	return nil
}

func (a *app) logout(ctx context.Context) error {
	if err := a.manager.Logout(ctx); err != nil {
		return err
	}
	a.display.LoggedOut()
	fmt.Fprintln(a.out, "Signed out")
	return nil
}

func (a *app) paraphrase(ctx context.Context, st session.Status, args []string) error {
	if st.Kind != session.KindActive {
		return errNotSignedIn
	}
	text, err := a.text(args)
	if err != nil {
		return err
	}

	a.display.Working("Paraphrasing")
	out, err := a.api.Paraphrase(ctx, text, a.cfg.Language)
	if err != nil {
		return quotaHint(err)
	}
	fmt.Fprintln(a.out, out)
	return nil
}

func (a *app) grammar(ctx context.Context, st session.Status, args []string) error {
	if st.Kind != session.KindActive {
		return errNotSignedIn
	}
	text, err := a.text(args)
	if err != nil {
		return err
	}

	a.display.Working("Checking grammar")
	res, err := a.api.CheckGrammar(ctx, text, a.cfg.Language)
	if err != nil {
		return quotaHint(err)
	}

	s := res.Stats
	fmt.Fprintf(a.out, "Grammar %.0f  Fluency %.0f  Clarity %.0f  Engagement %.0f  (%d words)\n",
		s.Grammar, s.Fluency, s.Clarity, s.Engagement, s.TotalWords)
	if len(res.Errors) == 0 {
		fmt.Fprintln(a.out, "No issues found")
		return nil
	}
	for _, e := range res.Errors {
		fmt.Fprintf(a.out, "- [%s] %s -> %s: %s\n", e.Type, e.Original, e.Suggestion, e.Message)
	}
	return nil
}

func (a *app) stats(ctx context.Context, st session.Status) error {
	if st.Kind != session.KindActive {
		return errNotSignedIn
	}
	a.display.Working("Loading stats")
	s, err := a.api.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Total paraphrases:       %d\n", s.TotalParaphrases)
	fmt.Fprintf(a.out, "Total grammar checks:    %d\n", s.TotalGrammarChecks)
	fmt.Fprintf(a.out, "Paraphrases left:        %s\n", s.Remaining.Paraphrase)
	fmt.Fprintf(a.out, "Grammar checks left:     %s\n", s.Remaining.Grammar)
	return nil
}

func (a *app) history(ctx context.Context, st session.Status, args []string) error {
	if st.Kind != session.KindActive {
		return errNotSignedIn
	}
	kinds := []api.HistoryKind{api.Paraphrases, api.Grammar}
	if len(args) > 0 {
		kind, err := api.ParseHistoryKind(args[0])
		if err != nil {
			return err
		}
		kinds = []api.HistoryKind{kind}
	}

	a.display.Working("Loading history")
	for _, kind := range kinds {
		items, err := a.api.History(ctx, kind, a.cfg.HistoryLimit)
		if err != nil {
			return err
		}
		for _, it := range items {
			result := it.Paraphrased
			if it.Type == "grammar" {
				result = fmt.Sprintf("%d issues", len(it.Errors))
			}
			fmt.Fprintf(a.out, "%s\t%s\t%s\t%s\t%s\n",
				it.Type, it.ID, it.CreatedAt, truncate(it.Original, 40), truncate(result, 40))
		}
	}
	return nil
}

func (a *app) deleteHistory(ctx context.Context, st session.Status, args []string) error {
	if st.Kind != session.KindActive {
		return errNotSignedIn
	}
	if len(args) != 2 {
		return errors.New("usage: vakya delete KIND ID")
	}
	kind, err := api.ParseHistoryKind(args[0])
	if err != nil {
		return err
	}
	if err := a.api.DeleteHistory(ctx, kind, args[1]); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Deleted %s %s\n", kind, args[1])
	return nil
}

// text joins args, or reads the input when there are none.
func (a *app) text(args []string) (string, error) {
	text := strings.Join(args, " ")
	if text == "" && a.in != nil {
		b, err := io.ReadAll(a.in)
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		text = string(b)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("no text given")
	}
	return text, nil
}

func quotaHint(err error) error {
	if api.IsQuotaExceeded(err) {
		return fmt.Errorf("%w (upgrade your plan for more)", err)
	}
	return err
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
