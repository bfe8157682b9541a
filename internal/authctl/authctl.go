// Package authctl implements an offline tool for producing and checking
// stored password hashes.
//
//	authctl [-i iterations] hash
//	authctl [-i iterations] verify <hash>
package authctl

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/dmitrijs2005/shopkeeper/internal/common"
	"github.com/dmitrijs2005/shopkeeper/internal/server/passwords"
	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// isTerminal is a test seam for term.IsTerminal.
var isTerminal = term.IsTerminal

// ErrMismatch is returned by verify when the password does not match the hash.
var ErrMismatch = errors.New("password does not match")

const usage = "usage: authctl [-i iterations] hash | verify <hash>"

// Run parses args and executes a single command, prompting for the password
// on out and reading it from in.
func Run(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("authctl", flag.ContinueOnError)
	fs.SetOutput(out)
	iterations := fs.Int("i", passwords.DefaultIterations, "PBKDF2 iterations for new hashes")
	if err := fs.Parse(args); err != nil {
		return err
	}

	h := passwords.NewHasher(*iterations)
	rest := fs.Args()
	if len(rest) == 0 {
		return errors.New(usage)
	}

	switch rest[0] {
	case "hash":
		if len(rest) != 1 {
			return errors.New(usage)
		}
		return hash(h, in, out)
	case "verify":
		if len(rest) != 2 {
			return errors.New(usage)
		}
		return verify(h, rest[1], in, out)
	default:
		return fmt.Errorf("unknown command %q\n%s", rest[0], usage)
	}
}

func hash(h *passwords.Hasher, in io.Reader, out io.Writer) error {
	pw, err := getPassword(in, out)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(pw)

	s, err := h.Hash(string(pw))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, s)
	return err
}

func verify(h *passwords.Hasher, stored string, in io.Reader, out io.Writer) error {
	pw, err := getPassword(in, out)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(pw)

	ok, needsUpgrade, err := h.Verify(stored, string(pw))
	if err != nil {
		return fmt.Errorf("malformed hash: %w", err)
	}
	if !ok {
		return ErrMismatch
	}
	if needsUpgrade {
		fmt.Fprintf(out, "ok (rehash at %d iterations)\n", h.Iterations())
		return nil
	}
	fmt.Fprintln(out, "ok")
	return nil
}

type fder interface {
	Fd() uintptr
}

// getPassword reads without echo when in is a terminal, otherwise it takes
// the first line of in.
func getPassword(in io.Reader, w io.Writer) ([]byte, error) {
	if _, err := fmt.Fprint(w, "Enter password: "); err != nil {
		return nil, err
	}
	if f, ok := in.(fder); ok && isTerminal(int(f.Fd())) {
		pw, err := readPassword(int(f.Fd()))
		fmt.Fprintln(w)
		if err != nil {
			return nil, err
		}
		return pw, nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	fmt.Fprintln(w)
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}
