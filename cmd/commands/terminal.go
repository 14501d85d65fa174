package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/dohr-michael/shellkernel/internal/kernel"
	"github.com/dohr-michael/shellkernel/internal/protocol"
)

// terminal reads lines and answers input requests from the process stdin.
type terminal struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
	tty bool
}

func newTerminal() *terminal {
	fd := int(os.Stdin.Fd())
	return &terminal{
		in:  bufio.NewReader(os.Stdin),
		out: os.Stdout,
		fd:  fd,
		tty: term.IsTerminal(fd),
	}
}

// readLine shows prompt when stdin is a terminal and reads one line without
// its newline. It returns io.EOF at end of input.
func (t *terminal) readLine(prompt string) (string, error) {
	if t.tty {
		fmt.Fprint(t.out, prompt)
	}
	line, err := t.in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ask answers an input request. Passwords are read without echo.
func (t *terminal) ask(req protocol.InputRequest) (string, error) {
	if req.Password && t.tty {
		fmt.Fprint(t.out, req.Prompt)
		b, err := term.ReadPassword(t.fd)
		fmt.Fprintln(t.out)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	fmt.Fprint(t.out, req.Prompt)
	line, err := t.in.ReadString('\n')
	if err != nil && line == "" {
		return "", kernel.ErrNoInput
	}
	if !t.tty {
		fmt.Fprintln(t.out)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
