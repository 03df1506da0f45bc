// Package logger provides logging implementations for actuator runs.
//
// The logger package offers structured logging of action execution at the
// per-action and summary levels. Implementations are thread-safe and support
// various output destinations (console, file, etc.).
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/harrison/actuator/internal/action"
	"github.com/harrison/actuator/internal/executor"
)

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// ConsoleLogger logs execution progress to a writer with timestamps and thread
// safety. All output is prefixed with [HH:MM:SS] timestamps. It supports log
// level filtering to control message verbosity. Color output is automatically
// enabled for terminal output (os.Stdout/os.Stderr).
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided io.Writer.
// If writer is nil, messages are silently discarded.
// logLevel determines the minimum log level for messages to be output.
// Valid levels: trace, debug, info, warn, error (case-insensitive).
// If logLevel is empty or invalid, defaults to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// isTerminal checks if the writer is a terminal that supports colors.
// Returns true for os.Stdout and os.Stderr when they are TTYs.
func isTerminal(w io.Writer) bool {
	if w == nil {
		return false
	}
	if w == os.Stdout || w == os.Stderr {
		// The color library's own detection honors NO_COLOR and pipes.
		return !color.NoColor
	}
	return false
}

// normalizeLogLevel converts a log level string to lowercase and validates it.
// Returns "info" as default for empty or invalid levels.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))

	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if validLevels[normalized] {
		return normalized
	}
	return "info"
}

// shouldLog checks if a message at the given level should be logged.
func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

// logLevelToInt converts a log level string to its numeric value.
func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// LogTrace logs a trace-level message (most verbose).
// Format: "[HH:MM:SS] [TRACE] <message>"
func (cl *ConsoleLogger) LogTrace(message string) {
	cl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (cl *ConsoleLogger) LogDebug(message string) {
	cl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
func (cl *ConsoleLogger) LogInfo(message string) {
	cl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (cl *ConsoleLogger) LogWarn(message string) {
	cl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (cl *ConsoleLogger) LogError(message string) {
	cl.logWithLevel("ERROR", message)
}

// logWithLevel is a helper that logs a message at the specified level if
// filtering allows it.
func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil {
		return
	}
	if !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	if cl.colorOutput {
		cl.writer.Write([]byte(cl.formatWithColor(ts, level, message)))
		return
	}
	cl.writer.Write([]byte(fmt.Sprintf("[%s] [%s] %s\n", ts, level, message)))
}

// formatWithColor formats a log message with ANSI color codes.
func (cl *ConsoleLogger) formatWithColor(ts, level, message string) string {
	var coloredLevel string
	switch strings.ToUpper(level) {
	case "TRACE":
		coloredLevel = color.New(color.FgHiBlack).Sprint(level)
	case "DEBUG":
		coloredLevel = color.New(color.FgCyan).Sprint(level)
	case "INFO":
		coloredLevel = color.New(color.FgBlue).Sprint(level)
	case "WARN":
		coloredLevel = color.New(color.FgYellow).Sprint(level)
	case "ERROR":
		coloredLevel = color.New(color.FgRed).Sprint(level)
	default:
		coloredLevel = level
	}
	return fmt.Sprintf("[%s] [%s] %s\n", ts, coloredLevel, message)
}

// LogActionResult logs the outcome of one action at INFO level.
// Format: "[HH:MM:SS] <kind> "<target>" on <platform>: ok (structural 0.95, 1.2s)"
// or:     "[HH:MM:SS] <kind> "<target>" on <platform>: failed [timeout] <detail>"
func (cl *ConsoleLogger) LogActionResult(req *action.Request, res *action.Result) {
	if cl.writer == nil || req == nil || res == nil {
		return
	}
	if !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	var status string
	if res.Success {
		status = fmt.Sprintf("ok (%s %.2f, %s)", res.Method, res.Confidence, formatDuration(res.Duration))
		if cl.colorOutput {
			status = color.New(color.FgGreen).Sprint(status)
		}
	} else {
		status = fmt.Sprintf("failed [%s]", res.ErrorKind)
		if cl.colorOutput {
			status = color.New(color.FgRed).Sprint(status)
		}
		if res.Detail != "" {
			status += " " + res.Detail
		}
	}

	cl.writer.Write([]byte(fmt.Sprintf("[%s] %s: %s\n", ts, req.Describe(), status)))
}

// LogStageStart logs the start of a plan stage at INFO level.
// Format: "[HH:MM:SS] Starting stage <n> (<name>): <count> actions"
func (cl *ConsoleLogger) LogStageStart(number int, name string, actionCount int) {
	if cl.writer == nil {
		return
	}
	if !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	label := "actions"
	if actionCount == 1 {
		label = "action"
	}

	stage := fmt.Sprintf("stage %d (%s)", number, name)
	if cl.colorOutput {
		stage = color.New(color.Bold).Sprint(stage)
	}
	cl.writer.Write([]byte(fmt.Sprintf("[%s] Starting %s: %d %s\n", ts, stage, actionCount, label)))
}

// LogProgress logs batch progress as a bar at INFO level.
// Format: "[HH:MM:SS] Progress: [=====>    ] 5/10 (50%)"
func (cl *ConsoleLogger) LogProgress(completed, total int) {
	if cl.writer == nil || total <= 0 {
		return
	}
	if !cl.shouldLog("info") {
		return
	}

	pb := NewProgressBar(total, 10, cl.colorOutput)
	pb.Update(completed)
	rendered := pb.Render()

	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	cl.writer.Write([]byte(fmt.Sprintf("[%s] Progress: %s\n", timestamp(), rendered)))
}

// LogSummary logs the batch execution summary at INFO level.
func (cl *ConsoleLogger) LogSummary(summary *executor.BatchSummary) {
	if cl.writer == nil || summary == nil {
		return
	}
	if !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	var output string

	if cl.colorOutput {
		header := color.New(color.Bold).Sprint("=== Run Summary ===")
		output = fmt.Sprintf("[%s] %s\n", ts, header)
		output += fmt.Sprintf("[%s] Total actions: %d\n", ts, summary.Total)
		output += fmt.Sprintf("[%s] %s\n", ts, color.New(color.FgGreen).Sprintf("Succeeded: %d", summary.Succeeded))
		if summary.Failed > 0 {
			output += fmt.Sprintf("[%s] %s\n", ts, color.New(color.FgRed).Sprintf("Failed: %d", summary.Failed))
		} else {
			output += fmt.Sprintf("[%s] Failed: %d\n", ts, summary.Failed)
		}
		output += fmt.Sprintf("[%s] Duration: %s\n", ts, formatDuration(summary.Duration))

		if summary.Failed > 0 {
			output += fmt.Sprintf("[%s] %s\n", ts, color.New(color.FgRed).Sprint("Failed actions:"))
			for _, r := range summary.Results {
				if r.Result != nil && r.Result.Success {
					continue
				}
				desc := r.Request.Describe()
				kind := action.ErrorKind("unknown")
				if r.Result != nil {
					kind = r.Result.ErrorKind
				}
				output += fmt.Sprintf("[%s]   - %s: %s\n", ts, color.New(color.FgRed).Sprint(desc), kind)
			}
		}
	} else {
		output = fmt.Sprintf("[%s] === Run Summary ===\n", ts)
		output += fmt.Sprintf("[%s] Total actions: %d\n", ts, summary.Total)
		output += fmt.Sprintf("[%s] Succeeded: %d\n", ts, summary.Succeeded)
		output += fmt.Sprintf("[%s] Failed: %d\n", ts, summary.Failed)
		output += fmt.Sprintf("[%s] Duration: %s\n", ts, formatDuration(summary.Duration))

		if summary.Failed > 0 {
			output += fmt.Sprintf("[%s] Failed actions:\n", ts)
			for _, r := range summary.Results {
				if r.Result != nil && r.Result.Success {
					continue
				}
				kind := action.ErrorKind("unknown")
				if r.Result != nil {
					kind = r.Result.ErrorKind
				}
				output += fmt.Sprintf("[%s]   - %s: %s\n", ts, r.Request.Describe(), kind)
			}
		}
	}

	cl.writer.Write([]byte(output))
}

// timestamp returns the current time formatted as "15:04:05" (HH:MM:SS).
func timestamp() string {
	return time.Now().Format("15:04:05")
}

// formatDuration converts a time.Duration to a human-readable string.
// Sub-second durations keep millisecond precision because single actions
// regularly finish in well under a second.
// Examples: "420ms", "2.5s", "1m30s", "2h15m"
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		hours := d / time.Hour
		remainder := d % time.Hour
		if remainder == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		minutes := remainder / time.Minute
		remainder = remainder % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dh%dm", hours, minutes)
		}
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, remainder/time.Second)
	case d >= time.Minute:
		minutes := d / time.Minute
		remainder := d % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		return fmt.Sprintf("%dm%ds", minutes, remainder/time.Second)
	case d >= time.Second:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
}

// NoOpLogger discards all log messages. Useful for testing or when logging
// is disabled.
type NoOpLogger struct{}

// NewNoOpLogger creates a NoOpLogger instance.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// LogTrace is a no-op implementation.
func (n *NoOpLogger) LogTrace(message string) {}

// LogDebug is a no-op implementation.
func (n *NoOpLogger) LogDebug(message string) {}

// LogInfo is a no-op implementation.
func (n *NoOpLogger) LogInfo(message string) {}

// LogWarn is a no-op implementation.
func (n *NoOpLogger) LogWarn(message string) {}

// LogError is a no-op implementation.
func (n *NoOpLogger) LogError(message string) {}

// LogActionResult is a no-op implementation.
func (n *NoOpLogger) LogActionResult(req *action.Request, res *action.Result) {}

// LogStageStart is a no-op implementation.
func (n *NoOpLogger) LogStageStart(number int, name string, actionCount int) {}

// LogSummary is a no-op implementation.
func (n *NoOpLogger) LogSummary(summary *executor.BatchSummary) {}
