package registry_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitfleet/orchestra/internal/model"
	"github.com/orbitfleet/orchestra/internal/registry"
)

type fakeSecrets map[string]string

func (f fakeSecrets) Lookup(name string) (string, bool) {
	v, ok := f[name]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeDescriptor(t *testing.T, dir, filename, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(body), 0o644))
}

const validAutonomous = `
name: triage-bot
mode: autonomous
system_prompt: "You triage incoming bug reports."
llm:
  provider: anthropic
  model: claude-3-5-sonnet
`

const validContinuous = `
name: watcher
mode: continuous
system_prompt: "You watch a conversation and answer questions."
llm:
  provider: openai
  model: gpt-4o
continuous_config:
  idle_timeout_seconds: 120
`

func TestLoad_ParsesValidatesAndDefaults(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "triage.yaml", validAutonomous)

	secrets := fakeSecrets{"ANTHROPIC_API_KEY": "sk-test"}
	r := registry.New(dir, secrets, false, testLogger())
	require.NoError(t, r.Load())

	desc, ok := r.Get("triage-bot")
	require.True(t, ok)
	assert.Equal(t, model.ModeAutonomous, desc.Mode)
	assert.Equal(t, "sk-test", desc.LLM.APIKey)
	require.NotNil(t, desc.RetryConfig)
	assert.Equal(t, 2, desc.RetryConfig.MaxRetries)
	assert.Empty(t, r.Errors())
}

func TestLoad_InvalidDescriptorRecordedButOthersSucceed(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "good.yaml", validAutonomous)
	writeDescriptor(t, dir, "bad.yaml", "name: 123-Bad!\nmode: autonomous\n")

	secrets := fakeSecrets{"ANTHROPIC_API_KEY": "sk-test"}
	r := registry.New(dir, secrets, false, testLogger())
	require.NoError(t, r.Load())

	_, ok := r.Get("triage-bot")
	assert.True(t, ok)

	errs := r.Errors()
	require.Contains(t, errs, "bad.yaml")
}

func TestLoad_MissingCredentialFailsThatDescriptorOnly(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "triage.yaml", validAutonomous)

	r := registry.New(dir, fakeSecrets{}, false, testLogger())
	require.NoError(t, r.Load())

	_, ok := r.Get("triage-bot")
	assert.False(t, ok)
	assert.Contains(t, r.Errors(), "triage.yaml")
}

func TestListByMode(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "triage.yaml", validAutonomous)
	writeDescriptor(t, dir, "watcher.yaml", validContinuous)

	secrets := fakeSecrets{"ANTHROPIC_API_KEY": "sk-test", "OPENAI_API_KEY": "sk-openai"}
	r := registry.New(dir, secrets, false, testLogger())
	require.NoError(t, r.Load())

	autonomous := r.ListByMode(model.ModeAutonomous)
	require.Len(t, autonomous, 1)
	assert.Equal(t, "triage-bot", autonomous[0].Name)

	continuous := r.ListByMode(model.ModeContinuous)
	require.Len(t, continuous, 1)
	assert.Equal(t, 120, continuous[0].ContinuousConfig.IdleTimeoutSeconds)
}

func TestWatch_HotReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "triage.yaml", validAutonomous)

	secrets := fakeSecrets{"ANTHROPIC_API_KEY": "sk-test"}
	r := registry.New(dir, secrets, true, testLogger())
	require.NoError(t, r.Load())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop, err := r.Watch(ctx)
	require.NoError(t, err)
	defer stop()

	writeDescriptor(t, dir, "second.yaml", validContinuous)
	secrets["OPENAI_API_KEY"] = "sk-openai"

	require.Eventually(t, func() bool {
		_, ok := r.Get("watcher")
		return ok
	}, 3*time.Second, 50*time.Millisecond, "hot reload should pick up the new descriptor")
}

func TestReload_ReplacesDescriptorAtomically(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "triage.yaml", validAutonomous)

	secrets := fakeSecrets{"ANTHROPIC_API_KEY": "sk-test"}
	r := registry.New(dir, secrets, false, testLogger())
	require.NoError(t, r.Load())

	updated := validAutonomous + "\ntags: [\"updated\"]\n"
	writeDescriptor(t, dir, "triage.yaml", updated)
	require.NoError(t, r.Load())

	desc, ok := r.Get("triage-bot")
	require.True(t, ok)
	assert.Equal(t, []string{"updated"}, desc.Tags)
}
