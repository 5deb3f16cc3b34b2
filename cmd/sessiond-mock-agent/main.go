// Package main is the entry point for sessiond-mock-agent, a stand-in for a
// real agent CLI. It reads a prompt artifact, emits a deterministic
// stream-json transcript on stdout, and exits. Directives embedded in the
// prompt select failure modes, so tests and local development can exercise
// every path of the streaming controller without a real agent.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Command-line flags matching the agent profile template. resume carries the
// session id captured from an earlier run; the announcement reuses it so the
// conversation appears continuous.
var (
	promptFileFlag = flag.String("prompt-file", "", "Path to the prompt artifact (required)")
	sessionIDFlag  = flag.String("session-id", "", "Orchestration session this run belongs to")
	resumeFlag     = flag.String("resume", "", "Agent session id to resume")
	modelFlag      = flag.String("model", "mock-default", "Model name (mock-fast, mock-default, mock-slow)")
)

func main() {
	flag.Parse()

	if *promptFileFlag == "" {
		fmt.Fprintln(os.Stderr, "sessiond-mock-agent: --prompt-file is required")
		os.Exit(2)
	}
	prompt, err := os.ReadFile(*promptFileFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sessiond-mock-agent: failed to read prompt: %v\n", err)
		os.Exit(2)
	}

	agentSession := *resumeFlag
	if agentSession == "" {
		agentSession = uuid.NewString()
	}
	fmt.Fprintf(os.Stderr, "mock-agent: session=%s agent_session=%s model=%s\n",
		*sessionIDFlag, agentSession, *modelFlag)

	e := &emitter{
		enc:       json.NewEncoder(os.Stdout),
		sessionID: agentSession,
		model:     *modelFlag,
	}
	os.Exit(run(e, strings.TrimSpace(string(prompt))))
}

// run routes the prompt to a transcript generator and returns the process
// exit code. Directives take the whole first word of the prompt.
func run(e *emitter, prompt string) int {
	started := time.Now()

	directive, arg := splitDirective(prompt)
	if directive == "/silent" {
		// No output at all. Exercises the consumer's empty-stream handling.
		return 0
	}

	e.emitInit(workingDir())

	switch directive {
	case "/error":
		randomDelay(e.model)
		e.emitText("Simulating an agent failure...")
		randomDelay(e.model)
		e.emitResult(true, "mock error: task failed during processing", time.Since(started))
		return 1

	case "/fatal":
		randomDelay(e.model)
		e.emitThinking("Something is about to go very wrong.")
		randomDelay(e.model)
		e.emitFault("mock fatal: agent crashed before producing a result")
		return 1

	case "/exit":
		code := 1
		if n, err := strconv.Atoi(arg); err == nil {
			code = n
		}
		randomDelay(e.model)
		e.emitText(fmt.Sprintf("Exiting with code %d without a result.", code))
		return code

	case "/hang":
		d := time.Hour
		if parsed, err := time.ParseDuration(arg); err == nil && parsed > 0 {
			d = parsed
		}
		e.emitText(fmt.Sprintf("Hanging for %s. Interrupt me.", d))
		time.Sleep(d)
		e.emitResult(false, "", time.Since(started))
		return 0

	case "/slow":
		d := 5 * time.Second
		if parsed, err := time.ParseDuration(arg); err == nil && parsed > 0 {
			d = parsed
		}
		slowTranscript(e, d)
		e.emitResult(false, "", time.Since(started))
		return 0

	case "/env":
		e.emitText(fmt.Sprintf("%s=%s", arg, os.Getenv(arg)))
		e.emitResult(false, "", time.Since(started))
		return 0

	default:
		defaultTranscript(e, prompt)
		e.emitResult(false, "", time.Since(started))
		return 0
	}
}

// splitDirective separates a leading /directive from its argument. Prompts
// that do not start with a slash are plain requests.
func splitDirective(prompt string) (string, string) {
	if !strings.HasPrefix(prompt, "/") {
		return "", prompt
	}
	parts := strings.SplitN(prompt, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.TrimSpace(parts[1])
}

// defaultTranscript emits a plausible work session: thinking, a couple of
// tool calls, and a summary.
func defaultTranscript(e *emitter, prompt string) {
	e.emitThinking("Analyzing the request...")
	randomDelay(e.model)
	e.emitToolUse(ToolRead, map[string]any{"file_path": "README.md"})
	randomDelay(e.model)
	e.emitToolUse(ToolBash, map[string]any{"command": "ls -la"})
	randomDelay(e.model)
	e.emitText("I've completed the analysis of your request: \"" + truncate(prompt, 120) + "\". Everything looks good!")
	randomDelay(e.model)
}

// slowTranscript spreads a five-step response over the given duration.
func slowTranscript(e *emitter, total time.Duration) {
	step := total / 5
	e.emitThinking("This will take a while...")
	time.Sleep(step)
	e.emitText(fmt.Sprintf("Running slow response (%s total)...", total))
	time.Sleep(step)
	e.emitToolUse(ToolGrep, map[string]any{"pattern": "TODO", "path": "."})
	time.Sleep(step)
	e.emitToolUse(ToolBash, map[string]any{"command": "sleep 1"})
	time.Sleep(step)
	e.emitText(fmt.Sprintf("Slow response complete after %s.", total))
	time.Sleep(step)
}

func workingDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
