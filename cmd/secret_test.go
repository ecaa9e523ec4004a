package cmd

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenbot/warden/warden"
)

func TestSecretCommand(t *testing.T) {
	secrets := []string{"testsecret", "testsecret"}
	secretIndex := 0

	mockPasswordReader := func() ([]byte, error) {
		if secretIndex >= len(secrets) {
			return nil, fmt.Errorf("no more secrets")
		}
		secret := secrets[secretIndex]
		secretIndex++
		return []byte(secret), nil
	}

	t.Cleanup(
		func() {
			customPasswordReader = nil
		},
	)
	customPasswordReader = mockPasswordReader

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"secret"})
	err := rootCmd.Execute()
	require.NoError(t, err)

	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Enter API secret:")
	assert.Contains(t, output, "Confirm API secret:")

	lines := strings.Split(strings.TrimSpace(output), "\n")
	hash := strings.TrimSpace(lines[len(lines)-1])
	require.True(t, strings.HasPrefix(hash, "$argon2id$"), "hash: %q", hash)

	valid, err := warden.VerifyPassword(hash, "testsecret")
	assert.NoError(t, err)
	assert.True(t, valid)
}
