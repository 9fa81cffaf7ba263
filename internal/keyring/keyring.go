// Package keyring keeps the tool backend token in the OS keychain so it does
// not have to sit in config.yaml or the environment.
package keyring

import (
	"errors"
	"fmt"
	"os"

	zkr "github.com/zalando/go-keyring"
)

const (
	serviceName = "chatbridge"
	accountName = "backend-token"
)

// ErrNotFound is returned by BackendToken when no token is stored.
var ErrNotFound = errors.New("no backend token in keychain")

// BackendToken returns the stored backend token.
func BackendToken() (string, error) {
	tok, err := zkr.Get(serviceName, accountName)
	if errors.Is(err, zkr.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keychain get: %w", err)
	}
	return tok, nil
}

// SetBackendToken stores tok, replacing any previous value.
func SetBackendToken(tok string) error {
	if tok == "" {
		return errors.New("empty token")
	}
	if err := zkr.Set(serviceName, accountName, tok); err != nil {
		return fmt.Errorf("keychain set: %w", err)
	}
	return nil
}

// DeleteBackendToken removes the stored token. Deleting a missing token is not
// an error.
func DeleteBackendToken() error {
	err := zkr.Delete(serviceName, accountName)
	if err != nil && !errors.Is(err, zkr.ErrNotFound) {
		return fmt.Errorf("keychain delete: %w", err)
	}
	return nil
}

// Available reports whether the OS keychain works. CHATBRIDGE_KEYRING_DISABLED=1
// turns it off for headless machines and CI.
func Available() bool {
	if os.Getenv("CHATBRIDGE_KEYRING_DISABLED") == "1" {
		return false
	}
	if err := zkr.Set(serviceName+"-probe", "probe", "ok"); err != nil {
		return false
	}
	_ = zkr.Delete(serviceName+"-probe", "probe")
	return true
}

// ResolveBackendToken returns configured when set, otherwise the keychain
// token if there is one.
func ResolveBackendToken(configured string) string {
	if configured != "" || !Available() {
		return configured
	}
	tok, err := BackendToken()
	if err != nil {
		return ""
	}
	return tok
}
