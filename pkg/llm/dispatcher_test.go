package llm

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrt/aca/pkg/config"
)

func newTestDispatcher(t *testing.T, run func(ctx context.Context, name string, args []string, stdin string) ([]byte, []byte, int, error)) *Dispatcher {
	t.Helper()
	d := NewDispatcher(CLISpec{
		Provider:       "claude",
		Program:        "claude-cli",
		BaseArgs:       []string{"--output-format", "stream-json"},
		ModelFlag:      "--model",
		Model:          "sonnet",
		PromptViaStdin: true,
	},
		New(config.DefaultRateLimitConfig()),
		NewCircuitBreaker(config.DefaultErrorRecoveryConfig()),
		DispatcherLogConfig{Enabled: true, TrackToolUses: true, TrackCommands: true, MaxPreviewChars: 100},
		slog.Default())
	d.runCmd = run
	return d
}

func TestExecuteParsesEventStream(t *testing.T) {
	stdout := strings.Join([]string{
		`{"type":"item.completed","message":{"role":"assistant","content":"first"}}`,
		`{"type":"item.completed","message":{"role":"assistant","content":"final answer"}}`,
		`{"type":"turn.completed","usage":{"input_tokens":120,"output_tokens":40}}`,
		`{"type":"run.completed","reason":"done"}`,
	}, "\n")

	d := newTestDispatcher(t, func(_ context.Context, name string, args []string, stdin string) ([]byte, []byte, int, error) {
		assert.Equal(t, "claude-cli", name)
		assert.Contains(t, args, "--model")
		assert.Equal(t, "do the task", stdin)
		return []byte(stdout), nil, 0, nil
	})

	resp, err := d.Execute(context.Background(), Request{SessionID: "s", Prompt: "do the task"}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "final answer", resp.Text, "last agent message wins")
	assert.Equal(t, uint64(120), resp.Usage.InputTokens)
	assert.Equal(t, uint64(40), resp.Usage.OutputTokens)
	assert.Equal(t, uint64(160), resp.Usage.TotalTokens)
	assert.NotEmpty(t, resp.RequestID)
}

func TestExecuteWritesLogArtifacts(t *testing.T) {
	dir := t.TempDir()
	stdout := `{"type":"item.completed","message":{"role":"assistant","content":"ok"}}`

	d := newTestDispatcher(t, func(_ context.Context, _ string, _ []string, _ string) ([]byte, []byte, int, error) {
		return []byte(stdout), nil, 0, nil
	})

	_, err := d.Execute(context.Background(), Request{SessionID: "s", Prompt: "p"}, dir)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	joined := strings.Join(names, " ")
	assert.Contains(t, joined, ".log")
	assert.Contains(t, joined, ".stdout.json")
	assert.Contains(t, joined, ".command.sh")

	// The stdout file carries the full untruncated bytes.
	for _, name := range names {
		if strings.HasSuffix(name, ".stdout.json") {
			data, err := os.ReadFile(filepath.Join(dir, name))
			require.NoError(t, err)
			assert.Equal(t, stdout, string(data))
		}
		if strings.HasSuffix(name, ".command.sh") {
			data, err := os.ReadFile(filepath.Join(dir, name))
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(string(data), "#!/bin/sh\n"))
			assert.Contains(t, string(data), "ACA_PROMPT_EOF")
		}
	}
}

func TestExecuteRedactsCommandScript(t *testing.T) {
	dir := t.TempDir()
	d := newTestDispatcher(t, func(_ context.Context, _ string, _ []string, _ string) ([]byte, []byte, int, error) {
		return []byte(`{"type":"item.completed","message":{"role":"assistant","content":"ok"}}`), nil, 0, nil
	})
	d.SetRedactor(func(s string) string {
		return strings.ReplaceAll(s, "hunter22", "***MASKED***")
	})

	_, err := d.Execute(context.Background(), Request{SessionID: "s", Prompt: "password is hunter22"}, dir)
	require.NoError(t, err)

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".command.sh") {
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			require.NoError(t, err)
			assert.NotContains(t, string(data), "hunter22")
			assert.Contains(t, string(data), "***MASKED***")
		}
	}
}

func TestExecuteMapsAuthFailure(t *testing.T) {
	d := newTestDispatcher(t, func(_ context.Context, _ string, _ []string, _ string) ([]byte, []byte, int, error) {
		return nil, []byte("error: invalid API key provided"), 1, nil
	})

	_, err := d.Execute(context.Background(), Request{Prompt: "p"}, t.TempDir())
	require.Error(t, err)
	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ErrKindAuthentication, e.Kind)
}

func TestExecuteRetriesWithoutModelFlag(t *testing.T) {
	var calls [][]string
	d := newTestDispatcher(t, func(_ context.Context, _ string, args []string, _ string) ([]byte, []byte, int, error) {
		calls = append(calls, args)
		if len(calls) == 1 {
			return nil, []byte("unsupported model: sonnet"), 1, nil
		}
		return []byte(`{"type":"item.completed","message":{"role":"assistant","content":"ok"}}`), nil, 0, nil
	})

	resp, err := d.Execute(context.Background(), Request{Prompt: "p"}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)

	require.Len(t, calls, 2)
	assert.Contains(t, calls[0], "--model")
	assert.NotContains(t, calls[1], "--model")
}

func TestExecuteFailsWhenCircuitOpen(t *testing.T) {
	d := newTestDispatcher(t, func(_ context.Context, _ string, _ []string, _ string) ([]byte, []byte, int, error) {
		t.Fatal("CLI must not be invoked while the circuit is open")
		return nil, nil, 0, nil
	})
	d.breaker.ForceOpen()

	_, err := d.Execute(context.Background(), Request{Prompt: "p"}, t.TempDir())
	require.Error(t, err)
	e, _ := AsError(err)
	assert.Equal(t, ErrKindCircuitOpen, e.Kind)
}

func TestParseEventStreamErrorWithoutMessageIsFatal(t *testing.T) {
	stdout := []byte(`{"type":"error","error":{"message":"model exploded"}}`)
	_, _, _, err := parseEventStream(stdout)
	require.Error(t, err)
	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ErrKindCliFailed, e.Kind)
	assert.Contains(t, e.Message, "model exploded")
}

func TestParseEventStreamMessageAfterErrorWins(t *testing.T) {
	stdout := []byte(strings.Join([]string{
		`{"type":"error","error":{"message":"transient stream hiccup"}}`,
		`{"type":"item.completed","message":{"role":"assistant","content":"recovered"}}`,
		`{"type":"turn.completed","usage":{"input_tokens":10,"output_tokens":2}}`,
	}, "\n"))
	text, _, usage, err := parseEventStream(stdout)
	require.NoError(t, err, "a later agent message outranks an earlier error event")
	assert.Equal(t, "recovered", text)
	assert.Equal(t, uint64(12), usage.TotalTokens)
}

func TestParseEventStreamErrorAfterMessageIsIgnored(t *testing.T) {
	stdout := []byte(strings.Join([]string{
		`{"type":"item.completed","message":{"role":"assistant","content":"partial work"}}`,
		`{"type":"turn.failed","error":{"message":"turn ended early"}}`,
	}, "\n"))
	text, _, _, err := parseEventStream(stdout)
	require.NoError(t, err)
	assert.Equal(t, "partial work", text)
}

func TestParseEventStreamSkipsMalformedLines(t *testing.T) {
	stdout := []byte(strings.Join([]string{
		`not json at all`,
		`{"type":"item.completed","message":{"role":"assistant","content":"fine"}}`,
	}, "\n"))
	text, _, _, err := parseEventStream(stdout)
	require.NoError(t, err)
	assert.Equal(t, "fine", text)
}

func TestParseEventStreamNoMessageFallback(t *testing.T) {
	text, _, usage, err := parseEventStream([]byte(`{"type":"turn.completed","usage":{"input_tokens":5,"output_tokens":5}}`))
	require.NoError(t, err)
	assert.Equal(t, "Task completed successfully", text)
	assert.Equal(t, uint64(10), usage.TotalTokens)
}

func TestCLISpecArgs(t *testing.T) {
	spec := CLISpec{Program: "codex", BaseArgs: []string{"exec"}, ModelFlag: "--model", Model: "o3", PromptViaStdin: true}
	assert.Equal(t, []string{"exec", "--model", "o3"}, spec.Args("p", false))
	assert.Equal(t, []string{"exec"}, spec.Args("p", true))

	argSpec := CLISpec{Program: "x", PromptViaStdin: false}
	assert.Equal(t, []string{"--", "hello"}, argSpec.Args("hello", false))
}

func TestExecuteRejectsOversizedPrompt(t *testing.T) {
	d := newTestDispatcher(t, func(_ context.Context, _ string, _ []string, _ string) ([]byte, []byte, int, error) {
		t.Fatal("CLI must not be invoked for an oversized prompt")
		return nil, nil, 0, nil
	})
	d.spec.MaxContextTokens = 10

	_, err := d.Execute(context.Background(), Request{Prompt: strings.Repeat("x", 4096)}, t.TempDir())
	require.Error(t, err)
	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ErrKindContextTooLarge, e.Kind)
	assert.Equal(t, 10, e.Max)
	assert.Greater(t, e.Current, e.Max)
}
