// Package console handles operator input: the arming confirmation and the
// in-flight key commands.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/mattn/go-tty"
)

type Action int

const (
	None Action = iota
	Land
	Emergency
	Abort
)

func (a Action) String() string {
	switch a {
	case Land:
		return "land"
	case Emergency:
		return "emergency"
	case Abort:
		return "abort"
	}
	return "none"
}

const KEY_HELP = "Keypresses: 'L'/'l': land, 'E'/'e': emergency landing, 'Q'/'q': abort"

func KeyAction(r rune) Action {
	switch r {
	case 'L', 'l':
		return Land
	case 'E', 'e', ' ':
		return Emergency
	case 'Q', 'q', 3:
		return Abort
	}
	return None
}

// Interactive reports whether stdin is a terminal.
func Interactive() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// ConfirmFrom prompts on w and reads one line from r; only the exact word
// (case-sensitive, surrounding blanks ignored) confirms.
func ConfirmFrom(r io.Reader, w io.Writer, word string) (bool, error) {
	fmt.Fprintf(w, "Type %s to continue: ", word)
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	return strings.TrimSpace(line) == word, nil
}

// Confirm prompts on the controlling terminal.
func Confirm(word string) (bool, error) {
	t, err := tty.Open()
	if err != nil {
		return false, err
	}
	defer t.Close()
	fmt.Fprintf(t.Output(), "Type %s to continue: ", word)
	line, err := t.ReadString()
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(line) == word, nil
}

// Keys delivers operator actions read from the terminal until ctx is done.
func Keys(ctx context.Context) (<-chan Action, error) {
	t, err := tty.Open()
	if err != nil {
		return nil, err
	}
	runes := make(chan rune)
	go func() {
		defer close(runes)
		for {
			r, err := t.ReadRune()
			if err != nil {
				return
			}
			select {
			case runes <- r:
			case <-ctx.Done():
				return
			}
		}
	}()
	ac := make(chan Action, 1)
	go func() {
		defer close(ac)
		defer t.Close()
		pump(ctx, runes, ac)
	}()
	return ac, nil
}

func pump(ctx context.Context, runes <-chan rune, ac chan<- Action) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-runes:
			if !ok {
				return
			}
			if a := KeyAction(r); a != None {
				select {
				case ac <- a:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
