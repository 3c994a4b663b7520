package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/vakya-cli/tui"
)

// isTerminal reports whether f is a character device (interactive terminal).
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	cfg, args, err := initConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	tty := isTerminal(os.Stderr)
	logOut, closeLog, err := logOutput(cfg.LogFile, tty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot open log file: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	logger := newLogger(logOut, cfg.LogLevel)

	for _, w := range cfg.warnings() {
		fmt.Fprintf(os.Stderr, "⚠️  WARNING: %s\n", w)
	}

	var in io.Reader
	if !isTerminal(os.Stdin) {
		in = os.Stdin
	}

	if tty {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner()

		// with a terminal on stdout too, results are shown in the TUI
		var out io.Writer = os.Stdout
		var buf bytes.Buffer
		if isTerminal(os.Stdout) {
			out = &buf
		}
		runErr := run(cfg, args, d, logger, out, in)
		if runErr == nil {
			d.Done(buf.String())
		}
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
		if runErr != nil {
			closeLog()
			os.Exit(1)
		}
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner()
		if err := run(cfg, args, d, logger, os.Stdout, in); err != nil {
			closeLog()
			os.Exit(1)
		}
	}
}

func run(
	cfg config,
	args []string,
	d tui.Displayer,
	logger *slog.Logger,
	out io.Writer,
	in io.Reader,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, d, logger, out, in)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer a.close()

	if err := a.run(ctx, args); err != nil {
		logger.Debug("command failed", "error", err)
		d.Fatal(err)
		return err
	}
	return nil
}
