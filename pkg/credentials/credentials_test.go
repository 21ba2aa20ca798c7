package credentials_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aifoundry-org/cardice/pkg/credentials"
)

func env(vars map[string]string) credentials.LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestEnvVarNames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		provider, key, secret string
	}{
		{"oxide", "CARDICE_OXIDE_KEY", "CARDICE_OXIDE_SECRET"},
		{"AWS", "CARDICE_AWS_KEY", "CARDICE_AWS_SECRET"},
		{"stub-basic", "CARDICE_STUB_BASIC_KEY", "CARDICE_STUB_BASIC_SECRET"},
		{"ec2.v2", "CARDICE_EC2_V2_KEY", "CARDICE_EC2_V2_SECRET"},
	}
	for _, tt := range tests {
		key, secret := credentials.EnvVarNames(tt.provider)
		assert.Equal(t, tt.key, key)
		assert.Equal(t, tt.secret, secret)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	creds, err := credentials.Resolve("oxide", env(map[string]string{
		"CARDICE_OXIDE_KEY":    "token",
		"CARDICE_OXIDE_SECRET": "https://oxide.example.com",
	}))
	require.NoError(t, err)
	assert.Equal(t, credentials.Credentials{
		Provider:     "oxide",
		KeyEnvVar:    "CARDICE_OXIDE_KEY",
		SecretEnvVar: "CARDICE_OXIDE_SECRET",
		Key:          "token",
		Secret:       "https://oxide.example.com",
	}, creds)
	assert.True(t, creds.HasSecret())

	creds, err = credentials.Resolve("dummy", env(map[string]string{"CARDICE_DUMMY_KEY": ""}))
	require.NoError(t, err)
	assert.False(t, creds.HasSecret())
}

func TestResolveMissingKey(t *testing.T) {
	t.Parallel()

	_, err := credentials.Resolve("aws", env(map[string]string{"CARDICE_AWS_SECRET": "s"}))
	require.ErrorIs(t, err, credentials.ErrMissingCredentials)
	var cerr *credentials.CredentialError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "aws", cerr.Provider)
	assert.Equal(t, "CARDICE_AWS_KEY", cerr.Variable)
	assert.Contains(t, err.Error(), "CARDICE_AWS_KEY")
}

func TestResolveProcessEnvironment(t *testing.T) {
	t.Setenv("CARDICE_ENVTEST_KEY", "from-env")

	creds, err := credentials.Resolve("envtest", nil)
	require.NoError(t, err)
	assert.Equal(t, "from-env", creds.Key)
}
