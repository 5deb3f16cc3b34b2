package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// delayRange returns min/max delay in milliseconds based on model name.
func delayRange(model string) (int, int) {
	switch model {
	case "mock-fast":
		return 5, 20
	case "mock-slow":
		return 500, 3000
	default:
		return 50, 200
	}
}

// randomDelay sleeps for a random duration within the model's delay range.
func randomDelay(model string) {
	lo, hi := delayRange(model)
	ms := lo + rand.Intn(hi-lo+1)
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// emitter writes stream-json lines to stdout, stamping every line with the
// agent session id.
type emitter struct {
	enc       *json.Encoder
	sessionID string
	model     string
	toolSeq   int
}

// emitInit writes the session announcement. Always the first line of a run.
func (e *emitter) emitInit(cwd string) {
	_ = e.enc.Encode(InitMsg{
		Type:      TypeSystem,
		Subtype:   "init",
		SessionID: e.sessionID,
		Cwd:       cwd,
		Model:     e.model,
		Tools:     []string{ToolBash, ToolRead, ToolGrep},
	})
}

func (e *emitter) emitText(text string) {
	e.emitBlocks("end_turn", ContentBlock{Type: BlockText, Text: text})
}

func (e *emitter) emitThinking(thought string) {
	e.emitBlocks("", ContentBlock{Type: BlockThinking, Thinking: thought})
}

func (e *emitter) emitToolUse(name string, input map[string]any) {
	e.toolSeq++
	e.emitBlocks("tool_use", ContentBlock{
		Type:  BlockToolUse,
		ID:    fmt.Sprintf("toolu_mock_%04d", e.toolSeq),
		Name:  name,
		Input: input,
	})
}

func (e *emitter) emitBlocks(stopReason string, blocks ...ContentBlock) {
	_ = e.enc.Encode(AssistantMsg{
		Type:      TypeAssistant,
		SessionID: e.sessionID,
		Message: AssistantBody{
			Role:       "assistant",
			Content:    blocks,
			Model:      e.model,
			StopReason: stopReason,
			Usage:      &Usage{InputTokens: 1200, OutputTokens: 340},
		},
	})
}

// emitResult writes the final result line. errText is the result payload
// when isError is set; otherwise a ResultData object is emitted.
func (e *emitter) emitResult(isError bool, errText string, elapsed time.Duration) {
	var resultJSON json.RawMessage
	subtype := "success"
	if isError {
		subtype = "error_during_execution"
		resultJSON, _ = json.Marshal(errText)
	} else {
		resultJSON, _ = json.Marshal(ResultData{
			Text:      "Mock agent completed successfully.",
			SessionID: e.sessionID,
		})
	}

	_ = e.enc.Encode(ResultMsg{
		Type:          TypeResult,
		Subtype:       subtype,
		SessionID:     e.sessionID,
		Result:        resultJSON,
		IsError:       isError,
		NumTurns:      1,
		DurationMS:    elapsed.Milliseconds(),
		DurationAPIMS: elapsed.Milliseconds() * 8 / 10,
		CostUSD:       0.0042,
	})
}

// emitFault writes a bare error line, the shape of an agent-side crash that
// never reaches a result.
func (e *emitter) emitFault(message string) {
	_ = e.enc.Encode(ErrorMsg{
		Type:      TypeError,
		SessionID: e.sessionID,
		Message:   message,
	})
}
