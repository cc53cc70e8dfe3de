package llm

import "time"

// TokenUsage is the response's accounting of consumed tokens.
type TokenUsage struct {
	InputTokens    uint64
	OutputTokens   uint64
	TotalTokens    uint64
	EstimatedCost  float64
}

// ToolUse records one tool invocation the provider reported making.
type ToolUse struct {
	Name  string
	Input map[string]any
}

// Request is what the dispatcher sends to a provider for one turn.
type Request struct {
	SessionID       string
	Prompt          string
	Model           string
	EstimatedTokens uint64
}

// Response is the dispatcher's normalized result of one provider call.
type Response struct {
	RequestID     string
	Text          string
	ToolUses      []ToolUse
	Usage         TokenUsage
	ExecutionTime time.Duration
	ModelUsed     string
}

// CLISpec describes how to invoke a provider's CLI as a child process: the
// binary, the fixed flags that put it into non-interactive JSON-lines mode,
// and how the model flag is composed (omitted entirely on retry after an
// "unsupported model" failure).
type CLISpec struct {
	Provider       string
	Program        string
	BaseArgs       []string
	ModelFlag      string // e.g. "--model"; empty means the provider has none
	Model          string
	PromptViaStdin bool
	// MaxContextTokens rejects oversized prompts before the CLI is even
	// invoked; zero disables the check.
	MaxContextTokens int
}

// estimateTokens approximates the token count of text at the usual
// four-characters-per-token heuristic, used only for pre-flight context
// sizing (real counts come back in the usage payload).
func estimateTokens(text string) int {
	return len(text) / 4
}

// Args composes the full argument list for one invocation. If
// omitModelFlag is true (the unsupported-model retry path) the model flag
// pair is left out entirely.
func (s CLISpec) Args(prompt string, omitModelFlag bool) []string {
	args := append([]string{}, s.BaseArgs...)
	if !omitModelFlag && s.ModelFlag != "" {
		args = append(args, s.ModelFlag, s.Model)
	}
	if !s.PromptViaStdin {
		args = append(args, "--", prompt)
	}
	return args
}
