package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// eventKind is the abstract set of JSON-lines event kinds a provider CLI may
// emit.
type eventKind string

const (
	eventItemCompleted eventKind = "item.completed"
	eventTurnCompleted eventKind = "turn.completed"
	eventRunCompleted  eventKind = "run.completed"
	eventError         eventKind = "error"
	eventTurnFailed    eventKind = "turn.failed"
	eventRunFailed     eventKind = "run.failed"
)

type streamEvent struct {
	Kind    eventKind       `json:"type"`
	Message json.RawMessage `json:"message"`
	Usage   *struct {
		InputTokens  uint64 `json:"input_tokens"`
		OutputTokens uint64 `json:"output_tokens"`
	} `json:"usage"`
	Reason string `json:"reason"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// agentMessage is the payload carried by item.completed events.
type agentMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Dispatcher is the C7 provider dispatcher: it gates calls through a
// circuit breaker and rate limiter, shells out to the provider's CLI, and
// writes the standardized five-file logging scheme for every request.
type Dispatcher struct {
	spec    CLISpec
	limiter *RateLimiter
	breaker *CircuitBreaker
	cfg     DispatcherLogConfig
	redact  func(string) string
	log     *slog.Logger
	now     func() time.Time
	runCmd  func(ctx context.Context, name string, args []string, stdin string) (stdout, stderr []byte, exitCode int, err error)
}

// DispatcherLogConfig controls provider-interaction logging.
type DispatcherLogConfig struct {
	Enabled         bool
	TrackToolUses   bool
	TrackCommands   bool
	MaxPreviewChars int
}

func NewDispatcher(spec CLISpec, limiter *RateLimiter, breaker *CircuitBreaker, cfg DispatcherLogConfig, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		spec:    spec,
		limiter: limiter,
		breaker: breaker,
		cfg:     cfg,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		runCmd:  runChildProcess,
	}
}

// SetRedactor installs a masking function applied to every log artifact the
// dispatcher writes (the .log preview, the replayable .command.sh, captured
// stderr). The raw .stdout.json stays untouched so the full provider output
// remains replay-exact.
func (d *Dispatcher) SetRedactor(redact func(string) string) {
	d.redact = redact
}

// Execute runs one provider call end to end: circuit breaker check, rate
// limiter permit, child-process invocation, and logging.
func (d *Dispatcher) Execute(ctx context.Context, req Request, sessionLogDir string) (Response, error) {
	if !d.breaker.CanProceed() {
		return Response{}, CircuitOpenError()
	}

	if d.spec.MaxContextTokens > 0 {
		if est := estimateTokens(req.Prompt); est > d.spec.MaxContextTokens {
			return Response{}, ContextTooLargeError(est, d.spec.MaxContextTokens)
		}
	}

	permit, err := d.limiter.Acquire(req.EstimatedTokens)
	if err != nil {
		return Response{}, err
	}
	d.log.Debug("rate limiter permit granted", "permit_id", permit.ID,
		"tokens", permit.TokensConsumed, "provider", d.spec.Provider)

	reqID := uuid.NewString()
	ts := d.now().Format("20060102T150405Z")
	basePath := filepath.Join(sessionLogDir, fmt.Sprintf("%s-%s-%s", d.spec.Provider, ts, reqID))

	if d.cfg.Enabled {
		if mkErr := os.MkdirAll(sessionLogDir, 0o755); mkErr != nil {
			d.log.Warn("provider log directory unavailable", "dir", sessionLogDir, "error", mkErr)
		}
	}
	lf, err := newLogFiles(basePath, d.cfg.Enabled, d.redact)
	if err != nil {
		d.log.Warn("provider log files unavailable", "error", err, "provider", d.spec.Provider)
	}
	defer lf.Close()

	lf.WriteHeader(d.spec.Provider, reqID, ts, req.SessionID)

	resp, err := d.executeOnce(ctx, req, lf, false)
	if err != nil {
		if e, ok := AsError(err); ok && e.Kind == ErrKindCliFailed && isUnsupportedModel(e.Message) {
			resp, err = d.executeOnce(ctx, req, lf, true)
		}
	}

	if err != nil {
		d.limiter.RecordFailure()
		d.breaker.RecordFailure()
		lf.WriteStderr(err.Error())
		return Response{}, err
	}

	d.limiter.RecordSuccess()
	d.breaker.RecordSuccess()
	resp.RequestID = reqID
	return resp, nil
}

func (d *Dispatcher) executeOnce(ctx context.Context, req Request, lf *logFiles, omitModelFlag bool) (Response, error) {
	start := d.now()

	args := d.spec.Args(req.Prompt, omitModelFlag)
	if d.cfg.TrackCommands {
		lf.WriteCommand(d.spec.Program, args, req.Prompt)
	}

	stdout, stderr, exitCode, execErr := d.runCmd(ctx, d.spec.Program, args, req.Prompt)
	duration := d.now().Sub(start)

	if execErr != nil {
		return Response{}, CliUnavailableError(execErr)
	}

	if exitCode != 0 {
		stderrStr := string(stderr)
		if isAuthFailure(stderrStr) {
			return Response{}, AuthenticationError(stderrStr)
		}
		return Response{}, CliFailedError(stderrStr)
	}

	lf.WriteStdout(stdout)

	text, toolUses, usage, err := parseEventStream(stdout)
	if err != nil {
		return Response{}, err
	}
	if d.cfg.TrackToolUses {
		lf.WriteToolUses(toolUses)
	}

	preview := text
	if d.cfg.MaxPreviewChars > 0 && len(preview) > d.cfg.MaxPreviewChars {
		preview = preview[:d.cfg.MaxPreviewChars]
	}
	lf.WriteLogLine(fmt.Sprintf("response preview: %s", preview))

	return Response{
		Text:          text,
		ToolUses:      toolUses,
		Usage:         usage,
		ExecutionTime: duration,
		ModelUsed:     d.spec.Model,
	}, nil
}

// parseEventStream walks the JSON-lines stream to completion: the last
// agent message wins, usage fields populate token counts, and error-class
// events only accumulate a failure reason. Success or failure is resolved
// after the whole stream has been scanned, so an early error event followed
// by a genuine agent message still counts as success.
func parseEventStream(stdout []byte) (string, []ToolUse, TokenUsage, error) {
	var (
		lastMessage   string
		haveMessage   bool
		failureReason string
		usage         TokenUsage
		toolUses      []ToolUse
	)

	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		switch ev.Kind {
		case eventItemCompleted:
			var msg agentMessage
			if err := json.Unmarshal(ev.Message, &msg); err == nil && msg.Content != "" {
				lastMessage = msg.Content
				haveMessage = true
			}
		case eventTurnCompleted:
			if ev.Usage != nil {
				usage.InputTokens += ev.Usage.InputTokens
				usage.OutputTokens += ev.Usage.OutputTokens
			}
		case eventRunCompleted:
			// reason carries completion metadata only; no response text here.
		case eventError, eventTurnFailed, eventRunFailed:
			failureReason = "provider reported an error with no agent message"
			if ev.Error != nil && ev.Error.Message != "" {
				failureReason = ev.Error.Message
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", nil, TokenUsage{}, OtherError(err)
	}

	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	if haveMessage {
		return lastMessage, toolUses, usage, nil
	}
	if failureReason != "" {
		return "", nil, TokenUsage{}, CliFailedError(failureReason)
	}
	return "Task completed successfully", toolUses, usage, nil
}

func isAuthFailure(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "authentication") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key")
}

func isUnsupportedModel(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "unsupported model")
}

// runChildProcess is the default CLISpec invocation: prompt on stdin,
// stdin closed before the process is waited on, stdout/stderr captured
// separately.
func runChildProcess(ctx context.Context, name string, args []string, stdin string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	cmd.Stdin = strings.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), nil
		}
		return nil, nil, -1, err
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, nil
}
