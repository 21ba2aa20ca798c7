package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// EnvPrefix is prepended to every credential environment variable.
const EnvPrefix = "CARDICE"

var ErrMissingCredentials = errors.New("missing credentials")

var _ error = &CredentialError{}

// CredentialError reports a credential environment variable that must be set.
type CredentialError struct {
	Provider string
	Variable string
	// Secret is the optional companion variable, mentioned to help the user
	Secret string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("missing credentials for provider %q: please set %s (and %s if the provider needs a secret)",
		e.Provider, e.Variable, e.Secret)
}

func (e *CredentialError) Unwrap() error {
	return ErrMissingCredentials
}

// Credentials are the provider API credentials read from the environment.
// They are never written to disk.
type Credentials struct {
	Provider     string
	KeyEnvVar    string
	SecretEnvVar string
	Key          string
	Secret       string
}

// HasSecret reports whether the optional secret variable was set.
func (c Credentials) HasSecret() bool {
	return c.Secret != ""
}

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// EnvVarNames derives the key and secret variable names for a provider,
// e.g. CARDICE_OXIDE_KEY and CARDICE_OXIDE_SECRET.
func EnvVarNames(provider string) (key, secret string) {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, provider)
	base := fmt.Sprintf("%s_%s", EnvPrefix, id)
	return base + "_KEY", base + "_SECRET"
}

// Resolve reads the credentials of provider from the environment. A nil lookup
// uses the process environment. It fails if the key variable is absent; the
// secret is optional.
func Resolve(provider string, lookup LookupFunc) (Credentials, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	keyVar, secretVar := EnvVarNames(provider)
	key, ok := lookup(keyVar)
	if !ok {
		return Credentials{}, pkgerrors.WithStack(&CredentialError{Provider: provider, Variable: keyVar, Secret: secretVar})
	}
	secret, _ := lookup(secretVar)
	return Credentials{
		Provider:     provider,
		KeyEnvVar:    keyVar,
		SecretEnvVar: secretVar,
		Key:          key,
		Secret:       secret,
	}, nil
}
