package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `schemas:
  - name: crm
    classes:
      - name: Account
      - name: Contact
    relationships:
      - name: AccountContacts
        source: Account
        target: Contact
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	catalog := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalog, []byte(testCatalog), 0o600))

	cfg := fmt.Sprintf(`store:
  path: %s
schema:
  path: %s
responses:
  sweep_interval: 0s
blobs:
  backend: file
  dir: %s
log:
  level: error
`, filepath.Join(dir, "cache.db"), catalog, filepath.Join(dir, "blobs"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{"--config", "x.yaml", "--log-level", "debug", "evict", "--name", "crm/Account"})
	require.NoError(t, err)
	assert.Equal(t, "x.yaml", cfg.ConfigPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "evict", cfg.Command)
	assert.Equal(t, []string{"--name", "crm/Account"}, cfg.Args)
}

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"stats", []string{"stats"}, false},
		{"no command", []string{}, true},
		{"validate without command", []string{"--validate"}, false},
		{"unknown command", []string{"compact"}, true},
		{"bad level", []string{"--log-level", "loud", "stats"}, true},
		{"bad format", []string{"--log-format", "xml", "stats"}, true},
		{"missing config", []string{"--config", "/nonexistent/config.yaml", "stats"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parseFlags(tt.args)
			require.NoError(t, err)
			err = validateFlags(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRun_Commands(t *testing.T) {
	path := writeConfig(t)
	ctx := context.Background()
	exec := func(args ...string) (string, error) {
		var stdout, stderr bytes.Buffer
		err := run(ctx, append([]string{"--config", path}, args...), &stdout, &stderr)
		return stdout.String(), err
	}

	out, err := exec("stats")
	require.NoError(t, err)
	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Contains(t, stats, "nodes")

	out, err = exec("roots")
	require.NoError(t, err)
	assert.Contains(t, out, "PERSISTENCE")

	out, err = exec("evict", "--name", "crm/Account", "--older-than", "7d")
	require.NoError(t, err)
	assert.Equal(t, "evicted 0 responses\n", out)

	out, err = exec("sweep-blobs")
	require.NoError(t, err)
	assert.Equal(t, "swept 0 blobs\n", out)

	out, err = exec("health")
	require.NoError(t, err)
	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, "healthy", status["status"])

	out, err = exec("metrics")
	require.NoError(t, err)
	assert.Contains(t, out, "# TYPE entitycache_responses_pages_saved_total counter")
	assert.NotContains(t, out, "go_goroutines")

	_, err = exec("remove-root")
	assert.Error(t, err)

	_, err = exec("sync")
	assert.Error(t, err, "no remote configured")
}

func TestRun_Version(t *testing.T) {
	var stdout bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"--version"}, &stdout, &bytes.Buffer{}))
	assert.Contains(t, stdout.String(), Version)
}
