package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recovery-directory/internal/config"
	"github.com/sells-group/recovery-directory/internal/model"
	"github.com/sells-group/recovery-directory/internal/snapshot"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"ingest", "history", "state-at", "sources", "snapshot", "migrate", "serve", "runs"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "recovery-directory", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	st, err := openStore(ctx, config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = openStore(ctx, config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "r.db")})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = openStore(ctx, config.StoreConfig{Driver: "mongo"})
	assert.Error(t, err)
}

// execute runs the CLI with args and returns what it wrote to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestCLI_IngestAndInspect(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("RECOVERY_STORE_DRIVER", "sqlite")
	t.Setenv("RECOVERY_STORE_DATABASE_URL", filepath.Join(dir, "recovery.db"))
	t.Setenv("RECOVERY_LOG_LEVEL", "error")

	writeFile(t, dir, "narr.json", `[{"name":"Hope House","city":"Tucson","state":"AZ"}]`)
	writeFile(t, dir, "oxford.json", `[{"name":"Hope House Inc","city":"Tucson","state":"AZ"}]`)
	manifest := writeFile(t, dir, "manifest.yaml", `
sources:
  - source_id: narr_az
    category: recovery-residence
    extracted_at: 2025-01-15T00:00:00Z
    path: narr.json
  - source_id: oxford
    category: recovery-residence
    extracted_at: 2025-01-15T00:00:00Z
    path: oxford.json
`)

	out, err := execute(t, "ingest", manifest)
	require.NoError(t, err)
	var report model.RunReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.Ingested)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Merged)

	out, err = execute(t, "sources", "RR_000001")
	require.NoError(t, err)
	assert.Contains(t, out, "narr_az")
	assert.Contains(t, out, "oxford")

	out, err = execute(t, "history", "RR_000001", "--json")
	require.NoError(t, err)
	var exp snapshot.LineageExport
	require.NoError(t, json.Unmarshal([]byte(out), &exp))
	assert.Len(t, exp.Entries, 2)

	out, err = execute(t, "state-at", "RR_000001", "2025-02-01T00:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "Hope House")

	_, err = execute(t, "state-at", "RR_000001", "last week")
	assert.Error(t, err)

	path := filepath.Join(dir, "out", "directory.json")
	_, err = execute(t, "snapshot", "--out", path)
	require.NoError(t, err)
	assert.FileExists(t, path)

	out, err = execute(t, "runs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "complete")

	_, err = execute(t, "sources", "RR_000404")
	assert.Error(t, err)
}
