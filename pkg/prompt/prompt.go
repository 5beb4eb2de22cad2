// Package prompt implements the interactive confirmations used before
// destructive or production-facing mutations.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrAborted is returned when the operator declines a confirmation. It is
// not a failure: callers translate it to a clean exit.
var ErrAborted = errors.New("aborted by the user")

// ErrNotATTY is returned when a confirmation is required but stdin or
// stdout is not a terminal.
var ErrNotATTY = errors.New("confirmation-requiring operations need a terminal")

// ErrUnconfirmed is returned when the operator fails to type the full
// destructive-selection confirmation. Unlike ErrAborted it is a refusal,
// not a clean cancellation.
var ErrUnconfirmed = errors.New("destructive selection not confirmed")

// The confirmation string typed to approve a destructive selection touching
// more than half of a tag's objects.
const DangerousConfirmation = "Yes, I am sure of what I am doing."

// Stdin and Stdout are swappable for tests.
var (
	Stdin  io.Reader = os.Stdin
	Stdout io.Writer = os.Stdout
	// IsTTY reports whether both ends of the conversation are terminals.
	IsTTY = func() bool {
		return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
	}
)

// AskConfirmation prints the message and accepts y/yes. Any other answer
// aborts. Outside a terminal it refuses without asking.
func AskConfirmation(message string) error {
	if !IsTTY() {
		return ErrNotATTY
	}
	answer, err := ask(message + " [y/N] ")
	if err != nil {
		return err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return nil
	default:
		return ErrAborted
	}
}

// AskDangerous requires the full typed confirmation string, refusing
// outright outside a terminal.
func AskDangerous(message string) error {
	if !IsTTY() {
		return ErrNotATTY
	}
	fmt.Fprintln(Stdout, message)
	fmt.Fprintf(Stdout, "If so, please type: '%s'\n", DangerousConfirmation)
	answer, err := ask("confctl> ")
	if err != nil {
		return err
	}
	if answer != DangerousConfirmation {
		return ErrUnconfirmed
	}
	return nil
}

// AskInput reads a free-form line, e.g. a commit message.
func AskInput(message string) (string, error) {
	if !IsTTY() {
		return "", ErrNotATTY
	}
	return ask(message + " ")
}

func ask(message string) (string, error) {
	fmt.Fprint(Stdout, message)
	reader := bufio.NewReader(Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", ErrAborted
	}
	return strings.TrimSpace(line), nil
}
