package cmd

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// readSecret prompts on stderr and reads a secret without echo. The
// caller owns the returned bytes and should wipe them when done; vault
// operations that consume them wipe them themselves.
func readSecret(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("input must not be empty")
	}
	return secret, nil
}

// readSecretConfirmed prompts twice and requires both entries to match.
func readSecretConfirmed(prompt, confirmPrompt string) ([]byte, error) {
	first, err := readSecret(prompt)
	if err != nil {
		return nil, err
	}
	second, err := readSecret(confirmPrompt)
	if err != nil {
		wipe(first)
		return nil, err
	}
	if string(first) != string(second) {
		wipe(first)
		wipe(second)
		return nil, fmt.Errorf("entries do not match")
	}
	wipe(second)
	return first, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
