package cmd

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/jmcleod/ironca/key"
)

// stdin is shared so successive reads from a pipe see consecutive lines.
var stdin = bufio.NewReader(os.Stdin)

// readPassphrase prompts on the terminal without echo. When stdin is not a
// terminal one line is read from it instead, so scripts can pipe it in.
func readPassphrase(prompt string, confirm bool) (*key.Passphrase, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := stdin.ReadBytes('\n')
		if err != nil && len(line) == 0 {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
		return key.NewPassphrase(bytes.TrimRight(line, "\r\n"))
	}

	fmt.Fprint(os.Stderr, prompt)
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Repeat: ")
		second, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, err
		}
		match := bytes.Equal(first, second)
		clear(second)
		if !match {
			clear(first)
			return nil, errors.New("passphrases do not match")
		}
	}
	return key.NewPassphrase(first)
}

// passphraseFrom reads a passphrase from a file when path is set and
// prompts otherwise.
func passphraseFrom(path, prompt string, confirm bool) (*key.Passphrase, error) {
	if path != "" {
		return key.PassphraseFromFile(path)
	}
	return readPassphrase(prompt, confirm)
}
