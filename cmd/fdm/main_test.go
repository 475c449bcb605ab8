package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testManifest = `
namespace: fdm
registries:
  demographics: registry.demographics
  master_person: registry.master_person
tables:
  - alias: visits
    source: src.visits
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeManifest(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fdm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestValidate(t *testing.T) {
	out, err := execute(t, "validate", "--manifest", writeManifest(t, testManifest))
	require.NoError(t, err)
	assert.Contains(t, out, "manifest ok: 1 tables into namespace fdm")

	_, err = execute(t, "validate", "--manifest", writeManifest(t, "namespace: fdm\n"))
	assert.Error(t, err)
}

func TestNamespaceCreateOnMemory(t *testing.T) {
	out, err := execute(t, "namespace", "create", "--driver", "memory", "--manifest", writeManifest(t, testManifest))
	require.NoError(t, err)
	assert.Contains(t, out, "namespace fdm created")
}

func TestStatusOnMemory(t *testing.T) {
	out, err := execute(t, "status", "--driver", "memory", "--manifest", writeManifest(t, testManifest))
	require.NoError(t, err)
	assert.Contains(t, out, "fdm.visits")
	assert.Contains(t, out, "uncopied")
}
