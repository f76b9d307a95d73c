package crypto

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// PassphraseSource lazily resolves a keystore passphrase from an environment variable or
// by prompting the operator. The value is cached after the first successful retrieval.
type PassphraseSource struct {
	envVar string

	once  sync.Once
	value string
	err   error
}

// NewPassphraseSource constructs a source that checks envVar before interactively prompting
// on the terminal.
func NewPassphraseSource(envVar string) *PassphraseSource {
	return &PassphraseSource{envVar: strings.TrimSpace(envVar)}
}

// Get returns the cached passphrase or resolves it if this is the first call.
// Whitespace-only passphrases are rejected.
func (s *PassphraseSource) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("crypto: %s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		if !term.IsTerminal(int(os.Stdin.Fd())) {
			if s.envVar != "" {
				s.err = fmt.Errorf("crypto: signer keystore passphrase required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("crypto: signer keystore passphrase required and no terminal available")
			}
			return
		}

		fmt.Fprint(os.Stderr, "Enter signer keystore passphrase: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			s.err = fmt.Errorf("crypto: read passphrase: %w", err)
			return
		}

		passphrase := string(bytes)
		if strings.TrimSpace(passphrase) == "" {
			s.err = errors.New("crypto: signer keystore passphrase cannot be empty")
			return
		}

		s.value = passphrase
	})

	return s.value, s.err
}
