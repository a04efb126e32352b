package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/google/shlex"
)

const shellPrompt = "offlinesales> "

// runShell reads commands from the input until EOF or "exit",
// running each against the already open queue. Errors are
// printed and the shell keeps going.
func runShell(ctx context.Context, a *App, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("shell takes no arguments, got %q", args)
	}
	fmt.Fprintln(a.out, `Type "help" for commands, "exit" to quit.`)
	for {
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprint(a.out, shellPrompt)
		line, err := readLine(a.in)
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(a.out)
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}

		words, err := shlex.Split(line)
		if err != nil {
			fmt.Fprintln(a.out, "error:", err)
			continue
		}
		if len(words) == 0 {
			continue
		}
		if done := a.dispatch(ctx, words); done {
			return nil
		}
	}
}

// dispatch runs one shell command line and reports whether the
// shell should exit.
func (a *App) dispatch(ctx context.Context, words []string) bool {
	name := words[0]
	switch name {
	case "exit", "quit":
		return true
	case "help":
		printUsage(a.out)
		return false
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(a.out, "unknown command %q\n", name)
		return false
	}
	if cmd.interactive {
		fmt.Fprintf(a.out, "%q is not available inside the shell\n", name)
		return false
	}
	if err := cmd.run(ctx, a, words[1:]); err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintln(a.out, "error:", err)
	}
	return false
}
