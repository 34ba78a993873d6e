package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dotsetgreg/stefan/pkg/config"
	"github.com/dotsetgreg/stefan/pkg/memory"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand(false)
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	configPathOverride = ""
	return buf.String(), err
}

// writeTestConfig writes a config whose memory file lives in a temp dir and
// returns the config path and the memory path.
func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Memory.Path = filepath.Join(dir, "memory.json")
	cfg.Persona.BackstoryPath = filepath.Join(dir, "backstory.txt")
	cfg.Log.Level = "error"
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, cfg.Memory.Path
}

func seedMemory(t *testing.T, path string, records []memory.Record) {
	t.Helper()
	store, err := memory.NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), records))
}

func TestRootHelpListsCommands(t *testing.T) {
	out, err := runRootCommandForTest("--help")
	require.NoError(t, err)
	for _, name := range []string{"gateway", "chat", "memory", "status", "version", "--config"} {
		assert.Contains(t, out, name)
	}
}

func TestMemoryHelpListsSubcommands(t *testing.T) {
	out, err := runRootCommandForTest("memory", "--help")
	require.NoError(t, err)
	for _, name := range []string{"list", "prune", "clear"} {
		assert.Contains(t, out, name)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runRootCommandForTest("version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "stefan dev"), out)
}

func TestRootWithoutSubcommandFails(t *testing.T) {
	_, err := runRootCommandForTest()
	assert.Error(t, err)
}

func TestMemoryListHidesExpired(t *testing.T) {
	cfgPath, memPath := writeTestConfig(t)
	past, err := memory.ParseDate("2020-01-01")
	require.NoError(t, err)
	seedMemory(t, memPath, []memory.Record{
		{Title: "Pet", Memory: "Alice has a cat", LastUpdated: memory.NewDate(time.Now())},
		{Title: "Party", Memory: "Party on Friday", ExpiresOn: &past},
	})

	out, err := runRootCommandForTest("--config", cfgPath, "memory", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Alice has a cat")
	assert.NotContains(t, out, "Party on Friday")

	out, err = runRootCommandForTest("--config", cfgPath, "memory", "list", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "Party on Friday")
	assert.Contains(t, out, "(expired)")
}

func TestMemoryPruneAndClear(t *testing.T) {
	cfgPath, memPath := writeTestConfig(t)
	past, err := memory.ParseDate("2020-01-01")
	require.NoError(t, err)
	seedMemory(t, memPath, []memory.Record{
		{Title: "Pet", Memory: "Alice has a cat"},
		{Title: "Party", Memory: "Party on Friday", ExpiresOn: &past},
	})

	out, err := runRootCommandForTest("--config", cfgPath, "memory", "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 expired memories.")

	_, err = runRootCommandForTest("--config", cfgPath, "memory", "clear")
	require.Error(t, err, "clear must require --yes")

	out, err = runRootCommandForTest("--config", cfgPath, "memory", "clear", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Memory cleared.")

	out, err = runRootCommandForTest("--config", cfgPath, "memory", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No memories stored.")
}

func TestStatusReportsMissingCredentials(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("DISCORD_BOT_TOKEN", "")
	t.Setenv("STEFAN_PROVIDERS_OPENAI_API_KEY", "")
	t.Setenv("STEFAN_CHANNELS_DISCORD_TOKEN", "")
	cfgPath, _ := writeTestConfig(t)

	out, err := runRootCommandForTest("--config", cfgPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Provider: openai (gpt-4o)")
	assert.Contains(t, out, "API key: not set")
	assert.Contains(t, out, "Discord token: not set")
	assert.Contains(t, out, "Memory store: 0 records (0 live)")
	assert.Contains(t, out, "Gateway ready: no")
}

func TestConfigReferenceIncludesEnvNames(t *testing.T) {
	ref, err := buildConfigReferenceMarkdown()
	require.NoError(t, err)
	assert.Contains(t, ref, "`providers.openai.api_key` | `string` | `STEFAN_PROVIDERS_OPENAI_API_KEY`")
	assert.Contains(t, ref, "`memory.max_records` | `int` | `STEFAN_MEMORY_MAX_RECORDS` | `10`")
	assert.Contains(t, ref, "`gate.random_chance`")
}

func TestGenerateDocumentationCheck(t *testing.T) {
	out := t.TempDir()
	factory := func() *cobra.Command { return buildRootCommand(false) }
	require.NoError(t, generateDocumentation(factory, out, false))
	require.NoError(t, generateDocumentation(factory, out, true))

	require.NoError(t, os.WriteFile(filepath.Join(out, "reference", "config.md"), []byte("stale"), 0o644))
	assert.Error(t, generateDocumentation(factory, out, true))
}
