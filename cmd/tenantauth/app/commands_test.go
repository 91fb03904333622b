// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The commands share the global viper instance through the --config flag,
// so these tests do not run in parallel.

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	masterKey := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	content := `
issuer:
  base_url: https://auth.example.com
keys:
  master_key: ` + masterKey + `
storage:
  type: sqlite
  dsn: ` + filepath.Join(dir, "state.db") + `
quota:
  per_minute: 30
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

//nolint:paralleltest // shares global viper state
func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version", "--json")
	require.NoError(t, err)

	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.NotEmpty(t, info["version"])
	assert.NotEmpty(t, info["go_version"])

	out, err = execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "tenantauth "))
}

//nolint:paralleltest // shares global viper state
func TestValidateCommand(t *testing.T) {
	path := writeTestConfig(t)

	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid")

	_, err = execute(t, "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

//nolint:paralleltest // shares global viper state
func TestKeysAndClientsCommands(t *testing.T) {
	path := writeTestConfig(t)

	kid, err := execute(t, "keys", "rotate", "--config", path, "--tenant", "acme")
	require.NoError(t, err)
	kid = strings.TrimSpace(kid)
	require.NotEmpty(t, kid)

	out, err := execute(t, "keys", "jwks", "--config", path, "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, kid)

	out, err = execute(t, "keys", "jwks", "--config", path, "--tenant", "acme", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "kid: "+kid)

	out, err = execute(t, "clients", "register", "--config", path,
		"--tenant", "acme", "--name", "web", "--redirect-uri", "https://app.example.com/callback")
	require.NoError(t, err)
	var client struct {
		ClientID string `json:"client_id"`
		TenantID string `json:"tenant_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &client))
	assert.Equal(t, "acme", client.TenantID)

	out, err = execute(t, "clients", "get", client.ClientID, "--config", path, "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "https://app.example.com/callback")

	_, err = execute(t, "clients", "get", client.ClientID, "--config", path, "--tenant", "globex")
	assert.Error(t, err, "clients are not visible across tenants")
}

//nolint:paralleltest // shares global viper state
func TestAPIKeysCommands(t *testing.T) {
	path := writeTestConfig(t)

	out, err := execute(t, "apikeys", "create", "--config", path, "--owner", "svc", "--tenant", "acme", "--per-day", "100")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	keyID := strings.TrimPrefix(lines[1], "key_id: ")
	assert.True(t, strings.HasPrefix(lines[0], keyID+"."))

	_, err = execute(t, "apikeys", "revoke", keyID, "--config", path, "--tenant", "globex")
	assert.Error(t, err, "revocation is scoped to the key's tenant")

	_, err = execute(t, "apikeys", "revoke", keyID, "--config", path, "--tenant", "acme")
	assert.NoError(t, err)
}

func TestWriteOutputRejectsUnknownFormat(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	err := writeOutput(&buf, "toml", map[string]string{"a": "b"})
	assert.ErrorContains(t, err, "unsupported output format")
}
