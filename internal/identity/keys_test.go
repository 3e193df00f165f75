package identity

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndLoadKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "client.key")

	principal, err := GenerateKeyFile(path)
	require.NoError(t, err)
	assert.Len(t, principal, 64)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	priv, err := LoadPrivateKey(path)
	require.NoError(t, err)
	assert.Equal(t, principal, PrincipalOf(priv))

	header, err := SignAssertion(priv, http.MethodPost, "https://forge.example/api/auth/exchange", time.Now())
	require.NoError(t, err)
	a, err := ParseAssertion(strings.TrimPrefix(header, SignedScheme+" "))
	require.NoError(t, err)
	assert.Equal(t, principal, a.Principal())
}

func TestGenerateKeyFileNeverOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.key")
	_, err := GenerateKeyFile(path)
	require.NoError(t, err)
	_, err = GenerateKeyFile(path)
	require.Error(t, err)
}

func TestLoadPrivateKeyRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.key")
	require.NoError(t, os.WriteFile(path, []byte("not-hex"), 0o600))
	_, err := LoadPrivateKey(path)
	require.Error(t, err)
}
