// Package keyring stores LM provider API keys in the OS keychain so they
// never sit in the config file.
package keyring

import (
	"fmt"
	"os"

	zkr "github.com/zalando/go-keyring"
)

const serviceName = "parley"

// Well-known secret names.
const (
	AnthropicAPIKey = "anthropic_api_key"
	OpenAIAPIKey    = "openai_api_key"
)

// Get retrieves a named secret from the OS keychain.
func Get(name string) (string, error) {
	secret, err := zkr.Get(serviceName, name)
	if err != nil {
		return "", fmt.Errorf("keychain get %s: %w", name, err)
	}
	return secret, nil
}

// Set stores a named secret in the OS keychain.
func Set(name, value string) error {
	return zkr.Set(serviceName, name, value)
}

// Delete removes a named secret from the OS keychain.
func Delete(name string) error {
	return zkr.Delete(serviceName, name)
}

// Available returns true if the OS keychain is functional.
// Returns false if PARLEY_KEYRING_DISABLED=1 is set (opt-in for headless/CI/Docker).
// Otherwise probes the keychain with a test write/read/delete cycle.
func Available() bool {
	if os.Getenv("PARLEY_KEYRING_DISABLED") == "1" {
		return false
	}
	testService := "parley-keyring-probe"
	testAccount := "probe"
	if err := zkr.Set(testService, testAccount, "ok"); err != nil {
		return false
	}
	_ = zkr.Delete(testService, testAccount)
	return true
}
