package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

var stdinIsTerminal = term.IsTerminal

// tokenSource resolves the bearer token from a flag, an environment variable
// or an interactive prompt, in that order. The first result is cached.
type tokenSource struct {
	explicit string
	envVar   string
	prompt   io.Writer

	once  sync.Once
	value string
	err   error
}

func newTokenSource(explicit, envVar string, prompt io.Writer) *tokenSource {
	return &tokenSource{
		explicit: strings.TrimSpace(explicit),
		envVar:   strings.TrimSpace(envVar),
		prompt:   prompt,
	}
}

func (s *tokenSource) Get() (string, error) {
	s.once.Do(func() {
		if s.explicit != "" {
			s.value = s.explicit
			return
		}
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = strings.TrimSpace(value)
				return
			}
		}

		fd := int(os.Stdin.Fd())
		if !stdinIsTerminal(fd) {
			s.err = fmt.Errorf("api token required; pass --token or set %s", s.envVar)
			return
		}
		fmt.Fprint(s.prompt, "API token: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(s.prompt)
		if err != nil {
			s.err = fmt.Errorf("read token: %w", err)
			return
		}
		token := strings.TrimSpace(string(raw))
		if token == "" {
			s.err = errors.New("api token cannot be empty")
			return
		}
		s.value = token
	})
	return s.value, s.err
}
