// Package vision shells out to a multimodal model CLI for two jobs: judging
// whether a screenshot shows that an action took effect, and locating an
// element described in plain language. The CLI is configured as an argv
// template, so any tool that accepts an image path and a prompt and prints
// JSON can serve. Follows the http.Client configuration pattern: construct
// once, reuse across calls.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Placeholders recognized in the command template.
const (
	// PlaceholderScreenshot is replaced with the path of a temporary PNG.
	PlaceholderScreenshot = "{screenshot}"
	// PlaceholderPrompt is replaced with the prompt text. When the template
	// omits it, the prompt is appended as the final argument.
	PlaceholderPrompt = "{prompt}"
)

// DefaultTimeout bounds a single CLI invocation.
const DefaultTimeout = 60 * time.Second

const analyzePrompt = `You are verifying the outcome of a browser automation step from a screenshot.

Question: %s

Respond with JSON only, no prose:
{"answer": true|false, "confidence": 0.0-1.0, "reason": "one short sentence"}`

const locatePrompt = `You are locating a UI element in a screenshot for browser automation.

Element: %s

Respond with JSON only, no prose. Coordinates are viewport pixels of the element's center:
{"found": true|false, "x": 0, "y": 0, "confidence": 0.0-1.0}`

// Analysis is the model's verdict on a verification question.
type Analysis struct {
	Answer     bool    `json:"answer"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Location is the model's answer to an element-targeting request.
type Location struct {
	Found      bool    `json:"found"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Confidence float64 `json:"confidence"`
}

// Client invokes the configured vision CLI.
type Client struct {
	// Command is the argv template, e.g.
	// ["claude", "-p", "{prompt}", "--image", "{screenshot}"].
	Command []string
	// Timeout bounds one invocation. Zero means DefaultTimeout.
	Timeout time.Duration
}

// NewClient creates a client for the given argv template.
func NewClient(command []string) *Client {
	return &Client{Command: command, Timeout: DefaultTimeout}
}

// Analyze asks the model a yes/no verification question about a screenshot.
// Confidence is clamped to [0,1] regardless of what the model returns.
func (c *Client) Analyze(ctx context.Context, screenshot []byte, question string) (*Analysis, error) {
	out, err := c.invoke(ctx, screenshot, fmt.Sprintf(analyzePrompt, question))
	if err != nil {
		return nil, err
	}
	var analysis Analysis
	if err := json.Unmarshal(extractJSON(out), &analysis); err != nil {
		return nil, fmt.Errorf("failed to parse vision verdict: %w", err)
	}
	analysis.Confidence = clamp01(analysis.Confidence)
	return &analysis, nil
}

// Locate asks the model for the viewport coordinates of a described element.
func (c *Client) Locate(ctx context.Context, screenshot []byte, target string) (int, int, error) {
	out, err := c.invoke(ctx, screenshot, fmt.Sprintf(locatePrompt, target))
	if err != nil {
		return 0, 0, err
	}
	var loc Location
	if err := json.Unmarshal(extractJSON(out), &loc); err != nil {
		return 0, 0, fmt.Errorf("failed to parse location: %w", err)
	}
	if !loc.Found {
		return 0, 0, fmt.Errorf("element %q not found in screenshot", target)
	}
	if loc.X < 0 || loc.Y < 0 {
		return 0, 0, fmt.Errorf("model returned invalid coordinates (%d,%d)", loc.X, loc.Y)
	}
	return loc.X, loc.Y, nil
}

// invoke writes the screenshot to a temp file, expands the argv template and
// runs the CLI. Stdout is the payload; stderr is kept for error reporting.
func (c *Client) invoke(ctx context.Context, screenshot []byte, prompt string) ([]byte, error) {
	if len(c.Command) == 0 {
		return nil, fmt.Errorf("vision command not configured")
	}

	shotPath, cleanup, err := writeScreenshot(screenshot)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	argv, sawPrompt := expandTemplate(c.Command, shotPath, prompt)
	if !sawPrompt {
		argv = append(argv, prompt)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("vision command timed out after %v: %w", timeout, ctx.Err())
		}
		return nil, fmt.Errorf("vision command failed: %w (stderr: %s)", err, tail(stderr.String(), 300))
	}
	return stdout.Bytes(), nil
}

func writeScreenshot(screenshot []byte) (string, func(), error) {
	f, err := os.CreateTemp("", "actuator-shot-*.png")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create screenshot file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(screenshot); err != nil {
		f.Close()
		os.Remove(path)
		return "", nil, fmt.Errorf("failed to write screenshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", nil, fmt.Errorf("failed to close screenshot file: %w", err)
	}
	return path, func() { os.Remove(path) }, nil
}

func expandTemplate(command []string, shotPath, prompt string) ([]string, bool) {
	argv := make([]string, len(command))
	sawPrompt := false
	for i, arg := range command {
		if strings.Contains(arg, PlaceholderPrompt) {
			sawPrompt = true
		}
		arg = strings.ReplaceAll(arg, PlaceholderScreenshot, shotPath)
		arg = strings.ReplaceAll(arg, PlaceholderPrompt, prompt)
		argv[i] = arg
	}
	return argv, sawPrompt
}

// extractJSON pulls the JSON object out of a CLI response. Handles three
// shapes: a wrapper envelope with structured_output or result fields, a
// fenced code block, and a bare object possibly surrounded by prose.
func extractJSON(raw []byte) []byte {
	var envelope struct {
		StructuredOutput json.RawMessage `json:"structured_output"`
		Result           string          `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if len(envelope.StructuredOutput) > 0 && !bytes.Equal(envelope.StructuredOutput, []byte("null")) {
			return envelope.StructuredOutput
		}
		if envelope.Result != "" {
			return extractObject(envelope.Result)
		}
	}
	return extractObject(string(raw))
}

func extractObject(s string) []byte {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return []byte(s[start : end+1])
	}
	return []byte(s)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// Unavailable reports whether err looks like the CLI binary itself is
// missing, as opposed to a bad response.
func Unavailable(err error) bool {
	var execErr *exec.Error
	return errors.As(err, &execErr)
}
