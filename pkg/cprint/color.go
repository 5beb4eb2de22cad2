// Package cprint centralizes colored terminal output: diff lines and object
// change reports go through here so color can be disabled in one place.
package cprint

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/acarl005/stripansi"
	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	// mu is used to synchronize writes from multiple goroutines.
	mu sync.Mutex
	// DisableOutput disables all output.
	DisableOutput bool
)

var (
	addSprintf    = color.New(color.FgGreen).SprintfFunc()
	removeSprintf = color.New(color.FgRed).SprintfFunc()
	changeSprintf = color.New(color.FgYellow).SprintfFunc()
	headerSprintf = color.New(color.Bold).SprintfFunc()
)

func emit(w io.Writer, s string) {
	if DisableOutput {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if f, ok := w.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		s = stripansi.Strip(s)
	}
	fmt.Fprint(w, s)
}

// AddPrintln prints an addition (green).
func AddPrintln(a ...interface{}) {
	emit(os.Stdout, addSprintf("%s\n", fmt.Sprint(a...)))
}

// RemovePrintln prints a removal (red).
func RemovePrintln(a ...interface{}) {
	emit(os.Stdout, removeSprintf("%s\n", fmt.Sprint(a...)))
}

// ChangePrintln prints a modification (yellow).
func ChangePrintln(a ...interface{}) {
	emit(os.Stdout, changeSprintf("%s\n", fmt.Sprint(a...)))
}

// HeaderPrintln prints a bold section header.
func HeaderPrintln(a ...interface{}) {
	emit(os.Stdout, headerSprintf("%s\n", fmt.Sprint(a...)))
}

// Println prints without decoration, honoring DisableOutput.
func Println(a ...interface{}) {
	emit(os.Stdout, fmt.Sprintln(a...))
}

// DiffPrint colors one line of a unified diff according to its first
// character and prints it.
func DiffPrint(line string) {
	switch {
	case strings.HasPrefix(line, "+"):
		emit(os.Stdout, addSprintf("%s", line))
	case strings.HasPrefix(line, "-"):
		emit(os.Stdout, removeSprintf("%s", line))
	case strings.HasPrefix(line, "@@"):
		emit(os.Stdout, changeSprintf("%s", line))
	default:
		emit(os.Stdout, line)
	}
	if !strings.HasSuffix(line, "\n") {
		emit(os.Stdout, "\n")
	}
}
