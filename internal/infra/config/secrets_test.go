package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	encrypted, err := EncryptValue("sk-very-secret", "passphrase")
	require.NoError(t, err)
	assert.NotContains(t, encrypted, "sk-very-secret")

	plain, err := DecryptValue(encrypted, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "sk-very-secret", plain)
}

func TestDecryptRejectsWrongPassphrase(t *testing.T) {
	encrypted, err := EncryptValue("sk-very-secret", "passphrase")
	require.NoError(t, err)

	_, err = DecryptValue(encrypted, "wrong")
	require.Error(t, err)
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	for _, input := range []string{"", "nocolon", "zz:zz", "00ff"} {
		_, err := DecryptValue(input, "passphrase")
		assert.Error(t, err, "input %q", input)
	}
}

func TestEncryptIsSalted(t *testing.T) {
	a, err := EncryptValue("same", "passphrase")
	require.NoError(t, err)
	b, err := EncryptValue("same", "passphrase")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestLoadDecryptsSecretValues(t *testing.T) {
	encrypted, err := EncryptValue("sk-live-key", "hunter2")
	require.NoError(t, err)

	path := writeConfig(t, `
worker:
  executor_api_key: "enc:`+encrypted+`"
`)
	t.Setenv(configKeyEnv, "hunter2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-key", cfg.Worker.ExecutorAPIKey)
}

func TestLoadLeavesPlainSecretsAlone(t *testing.T) {
	path := writeConfig(t, `
worker:
  executor_api_key: "plain-key"
`)
	t.Setenv(configKeyEnv, "hunter2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "plain-key", cfg.Worker.ExecutorAPIKey)
}

func TestLoadFailsOnUndecryptableSecret(t *testing.T) {
	encrypted, err := EncryptValue("sk-live-key", "hunter2")
	require.NoError(t, err)

	path := writeConfig(t, `
worker:
  executor_api_key: "enc:`+encrypted+`"
`)
	t.Setenv(configKeyEnv, "not-the-key")

	_, err = Load(path)
	require.Error(t, err)
}

func TestLoadKeepsCiphertextWithoutKey(t *testing.T) {
	// Without NEOBRIDGE_CONFIG_KEY the value passes through untouched.
	path := filepath.Join(t.TempDir(), "missing.yaml")
	t.Setenv(configKeyEnv, "")
	t.Setenv("NEOBRIDGE_WORKER_EXECUTORAPIKEY", "enc:aa:bb")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "enc:aa:bb", cfg.Worker.ExecutorAPIKey)
}
