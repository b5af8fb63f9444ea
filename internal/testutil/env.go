package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// ConfigDir is the project directory holding comsync configuration.
const ConfigDir = ".comsync"

// SetupTestDir creates a temporary directory with a .comsync/config.yaml
// holding SampleConfigYAML, plus a scripts directory with the sample
// scripts. Returns the temp directory path. The directory is automatically
// cleaned up when the test completes.
func SetupTestDir(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()
	WriteTestFile(t, tmpDir, filepath.Join(ConfigDir, "config.yaml"), []byte(SampleConfigYAML))
	for name, src := range SampleScripts() {
		WriteTestFile(t, tmpDir, filepath.Join("scripts", name), []byte(src))
	}
	return tmpDir
}

// MustMarshalJSON marshals a value to JSON, failing the test on error.
func MustMarshalJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// MustUnmarshalJSON unmarshals JSON data into v, failing the test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(data, v))
}

// WriteTestFile writes content to a file in the test directory.
// Creates parent directories as needed.
func WriteTestFile(t *testing.T, basePath, relativePath string, content []byte) {
	t.Helper()
	fullPath := filepath.Join(basePath, relativePath)
	require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0755))
	require.NoError(t, os.WriteFile(fullPath, content, 0644))
}
