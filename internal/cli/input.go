package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// maxInput bounds secrets read from a pipe.
const maxInput = 16 << 20

// Test seams for the terminal.
var (
	readPassword = term.ReadPassword
	terminalFd   = func(r io.Reader) (int, bool) {
		f, ok := r.(*os.File)
		if !ok {
			return 0, false
		}
		fd := int(f.Fd())
		return fd, term.IsTerminal(fd)
	}
)

var errEmptyInput = errors.New("empty input")

// readSecret reads one secret from in. On a terminal it prompts on w and
// reads without echo; otherwise it consumes the whole stream.
func readSecret(in io.Reader, w io.Writer, prompt string) (string, error) {
	if fd, ok := terminalFd(in); ok {
		if _, err := fmt.Fprint(w, prompt); err != nil {
			return "", err
		}
		b, err := readPassword(fd)
		fmt.Fprintln(w)
		if err != nil {
			return "", err
		}
		return nonEmpty(string(b))
	}

	b, err := io.ReadAll(io.LimitReader(in, maxInput))
	if err != nil {
		return "", err
	}
	return nonEmpty(string(b))
}

func nonEmpty(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errEmptyInput
	}
	return s, nil
}
