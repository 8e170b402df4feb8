// mockagent simulates the external coding agent for development and testing.
// It speaks the same newline-delimited JSON stream the orchestrator expects
// from the real agent binary: a system init line, assistant messages, and a
// final result line. With -ask it emits an AskUserQuestion tool use and waits
// for the substituted tool result on stdin, which exercises the full
// question round trip without a real agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/benclarkson/foreman/internal/ndjson"
)

func main() {
	text := flag.String("text", "Work complete.", "Assistant text to emit")
	ask := flag.Bool("ask", false, "Ask a question via the AskUserQuestion tool and wait for the answer")
	fail := flag.Bool("fail", false, "Report an error result")
	crash := flag.Bool("crash", false, "Write to stderr and exit non-zero without a result line")
	malformed := flag.Bool("malformed", false, "Emit one non-JSON line mid-stream")
	sleep := flag.Duration("sleep", 0, "Pause before emitting the result")
	flag.Parse()

	// stderr for diagnostics, stdout for protocol
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal", "signal", sig)
		cancel()
	}()

	agent := &mockAgent{
		sessionID: fmt.Sprintf("mock-%s", uuid.New().String()[:8]),
		logger:    logger,
		encoder:   ndjson.NewEncoder(os.Stdout),
		text:      *text,
		ask:       *ask,
		fail:      *fail,
		crash:     *crash,
		malformed: *malformed,
		sleep:     *sleep,
	}
	if err := agent.run(ctx); err != nil {
		logger.Error("mock agent failed", "error", err)
		os.Exit(1)
	}
}

type mockAgent struct {
	sessionID string
	logger    *slog.Logger
	encoder   *ndjson.Encoder

	text      string
	ask       bool
	fail      bool
	crash     bool
	malformed bool
	sleep     time.Duration
}

func (a *mockAgent) run(ctx context.Context) error {
	if err := a.encoder.Encode(map[string]any{
		"type":       "system",
		"subtype":    "init",
		"session_id": a.sessionID,
		"model":      "mock-model",
	}); err != nil {
		return err
	}

	if a.malformed {
		// Raw write on purpose: the consumer must skip this line.
		fmt.Println("this is not json {")
	}

	if a.ask {
		answer, err := a.askQuestion(ctx)
		if err != nil {
			return err
		}
		a.logger.Info("received answer", "answer", answer)
		if err := a.assistantText(fmt.Sprintf("Proceeding with: %s", answer)); err != nil {
			return err
		}
	}

	if err := a.assistantText(a.text); err != nil {
		return err
	}

	if a.sleep > 0 {
		select {
		case <-time.After(a.sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if a.crash {
		fmt.Fprintln(os.Stderr, "mock agent crashing as requested")
		os.Exit(3)
	}

	result := map[string]any{
		"type":           "result",
		"subtype":        "success",
		"session_id":     a.sessionID,
		"is_error":       a.fail,
		"result":         a.text,
		"num_turns":      1,
		"duration_ms":    int64(a.sleep / time.Millisecond),
		"total_cost_usd": 0.001,
		"usage": map[string]any{
			"input_tokens":  100,
			"output_tokens": 25,
		},
	}
	if a.fail {
		result["subtype"] = "error"
		result["result"] = "mock failure: " + a.text
	}
	return a.encoder.Encode(result)
}

// askQuestion emits one AskUserQuestion tool use and blocks on stdin for the
// orchestrator's substituted tool result.
func (a *mockAgent) askQuestion(ctx context.Context) (string, error) {
	toolUseID := fmt.Sprintf("tu-%s", uuid.New().String()[:8])
	msg := map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"content": []any{
				map[string]any{
					"type": "tool_use",
					"id":   toolUseID,
					"name": "AskUserQuestion",
					"input": map[string]any{
						"questions": []any{
							map[string]any{
								"question":    "Which storage backend should I use?",
								"header":      "Storage",
								"options":     []string{"postgres", "sqlite"},
								"multiSelect": false,
							},
						},
					},
				},
			},
		},
	}
	if err := a.encoder.Encode(msg); err != nil {
		return "", err
	}

	type resultLine struct {
		Type    string `json:"type"`
		Content []struct {
			Type      string `json:"type"`
			ToolUseID string `json:"tool_use_id"`
			Content   string `json:"content"`
			IsError   bool   `json:"is_error"`
		} `json:"content"`
	}

	decoder := ndjson.NewDecoder(os.Stdin, a.logger)
	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var line resultLine
		if err := decoder.Decode(&line); err != nil {
			if err == io.EOF {
				return "", fmt.Errorf("stdin closed before an answer arrived")
			}
			return "", err
		}
		for _, block := range line.Content {
			if block.Type == "tool_result" && block.ToolUseID == toolUseID {
				if block.IsError {
					return "", fmt.Errorf("question denied: %s", block.Content)
				}
				return block.Content, nil
			}
		}
	}
}

func (a *mockAgent) assistantText(text string) error {
	return a.encoder.Encode(map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"model": "mock-model",
			"content": []any{
				map[string]any{"type": "text", "text": text},
			},
		},
	})
}
