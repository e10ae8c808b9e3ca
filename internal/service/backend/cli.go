package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"strings"
)

// maxScanTokenSize bounds a single stream-json line; backends can emit
// whole paragraphs in one assistant event.
const maxScanTokenSize = 4 * 1024 * 1024

// CLIRunner invokes an external completion command and translates its
// stream-json output into backend events.
type CLIRunner struct {
	command string
	args    []string
}

// NewCLIRunner wraps the given command. Extra args are prepended before the
// generated flags on every invocation.
func NewCLIRunner(command string, args ...string) *CLIRunner {
	return &CLIRunner{command: command, args: args}
}

func (r *CLIRunner) buildArgs(model, prompt string, stream bool) []string {
	args := append([]string{}, r.args...)
	args = append(args, "--model", model, "--print")
	if stream {
		args = append(args, "--output-format", "stream-json", "--verbose")
	} else {
		args = append(args, "--output-format", "json")
	}
	return append(args, prompt)
}

// streamLine is the shape of one stream-json stdout line.
type streamLine struct {
	Type    string `json:"type"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// parseStreamLine maps one stdout line to zero or more events. Lines that
// are not valid JSON or carry no relevant payload are skipped.
func parseStreamLine(line []byte) []Event {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	var chunk streamLine
	if err := json.Unmarshal(line, &chunk); err != nil {
		return nil
	}

	switch chunk.Type {
	case "assistant":
		var events []Event
		for _, block := range chunk.Message.Content {
			if block.Type == "text" && block.Text != "" {
				events = append(events, Event{Kind: EventDelta, Text: block.Text})
			}
		}
		return events
	case "result":
		if chunk.IsError {
			cause := chunk.Result
			if cause == "" {
				cause = "unknown backend error"
			}
			return []Event{{Kind: EventFailed, Err: fmt.Errorf("backend reported error: %s", cause)}}
		}
		return []Event{{
			Kind: EventDone,
			Usage: Usage{
				InputTokens:  chunk.Usage.InputTokens,
				OutputTokens: chunk.Usage.OutputTokens,
			},
		}}
	}
	return nil
}

// Complete runs the command to completion and parses its single JSON result.
func (r *CLIRunner) Complete(ctx context.Context, prompt, model string) (Result, error) {
	cmd := exec.CommandContext(ctx, r.command, r.buildArgs(model, prompt, false)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{}, fmt.Errorf("backend command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var payload streamLine
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &payload); err != nil {
		return Result{}, fmt.Errorf("parse backend output: %w", err)
	}
	if payload.IsError {
		return Result{}, fmt.Errorf("backend reported error: %s", payload.Result)
	}

	return Result{
		Text: payload.Result,
		Usage: Usage{
			InputTokens:  payload.Usage.InputTokens,
			OutputTokens: payload.Usage.OutputTokens,
		},
	}, nil
}

// Stream starts the command and emits events as stdout lines arrive. The
// returned channel closes after the terminal event. Cancelling ctx kills the
// child process.
func (r *CLIRunner) Stream(ctx context.Context, prompt, model string) (<-chan Event, error) {
	cmd := exec.CommandContext(ctx, r.command, r.buildArgs(model, prompt, true)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open backend stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start backend command: %w", err)
	}

	events := make(chan Event)
	go func() {
		defer close(events)

		terminal := false
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)

	scan:
		for scanner.Scan() {
			for _, ev := range parseStreamLine(scanner.Bytes()) {
				select {
				case events <- ev:
				case <-ctx.Done():
					break scan
				}
				if ev.Kind != EventDelta {
					terminal = true
					break scan
				}
			}
		}

		// Drain and reap the child even when we stopped reading early.
		waitErr := cmd.Wait()

		if terminal {
			return
		}
		if ctx.Err() != nil {
			log.Printf("[backend] stream cancelled: %v", ctx.Err())
			return
		}

		failure := fmt.Errorf("backend stream ended without a result")
		if waitErr != nil {
			failure = fmt.Errorf("backend command failed: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
		} else if err := scanner.Err(); err != nil {
			failure = fmt.Errorf("read backend output: %w", err)
		}
		select {
		case events <- Event{Kind: EventFailed, Err: failure}:
		case <-ctx.Done():
		}
	}()

	return events, nil
}
