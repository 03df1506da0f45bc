package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harrison/actuator/internal/action"
	"github.com/harrison/actuator/internal/executor"
)

// FileLogger logs engine events to files in a log directory. It creates a
// timestamped per-run log file, keeps a latest.log symlink pointing at it,
// and saves failure screenshots alongside. It is thread-safe and supports
// log level filtering.
type FileLogger struct {
	logDir         string
	runLog         *os.File
	runFile        string
	screenshotsDir string
	logLevel       string
	mu             sync.Mutex
}

// NewFileLogger creates a FileLogger writing to .actuator/logs/ in the
// current working directory with the default "info" level.
func NewFileLogger() (*FileLogger, error) {
	return NewFileLoggerWithDirAndLevel(filepath.Join(".actuator", "logs"), "info")
}

// NewFileLoggerWithDir creates a FileLogger with a custom log directory.
// Uses default log level "info".
func NewFileLoggerWithDir(logDir string) (*FileLogger, error) {
	return NewFileLoggerWithDirAndLevel(logDir, "info")
}

// NewFileLoggerWithDirAndLevel creates a FileLogger with a custom log
// directory and log level.
func NewFileLoggerWithDirAndLevel(logDir string, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	screenshotsDir := filepath.Join(logDir, "screenshots")
	if err := os.MkdirAll(screenshotsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create screenshots directory: %w", err)
	}

	// Timestamped filename: run-YYYYMMDD-HHMMSS.log
	ts := time.Now().Format("20060102-150405")
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", ts))

	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	// latest.log always points at the most recent run.
	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	fl := &FileLogger{
		logDir:         logDir,
		runLog:         file,
		runFile:        runFile,
		screenshotsDir: screenshotsDir,
		logLevel:       normalizeLogLevel(logLevel),
	}

	fl.writeRunLog("=== Actuator Run Log ===\n")
	fl.writeRunLog(fmt.Sprintf("Started at: %s\n\n", time.Now().Format(time.RFC3339)))

	return fl, nil
}

// RunFile returns the path of the current run log file.
func (fl *FileLogger) RunFile() string {
	return fl.runFile
}

// shouldLog checks if a message at the given level should be logged.
func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(fl.logLevel)
}

// LogTrace logs a trace-level message (most verbose).
func (fl *FileLogger) LogTrace(message string) {
	fl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (fl *FileLogger) LogDebug(message string) {
	fl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
func (fl *FileLogger) LogInfo(message string) {
	fl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (fl *FileLogger) LogWarn(message string) {
	fl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (fl *FileLogger) LogError(message string) {
	fl.logWithLevel("ERROR", message)
}

func (fl *FileLogger) logWithLevel(level string, message string) {
	if !fl.shouldLog(strings.ToLower(level)) {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [%s] %s\n", time.Now().Format("15:04:05"), level, message))
}

// LogActionResult logs the outcome of one action at INFO level, with the
// failure detail on a continuation line so run logs stay grep-friendly.
func (fl *FileLogger) LogActionResult(req *action.Request, res *action.Result) {
	if req == nil || res == nil {
		return
	}
	if !fl.shouldLog("info") {
		return
	}

	ts := time.Now().Format("15:04:05")
	if res.Success {
		fl.writeRunLog(fmt.Sprintf("[%s] %s: ok (%s %.2f, %s)\n",
			ts, req.Describe(), res.Method, res.Confidence, formatDuration(res.Duration)))
		return
	}

	fl.writeRunLog(fmt.Sprintf("[%s] %s: failed [%s]\n", ts, req.Describe(), res.ErrorKind))
	if res.Detail != "" {
		fl.writeRunLog(fmt.Sprintf("[%s]   detail: %s\n", ts, res.Detail))
	}
}

// LogStageStart logs the start of a plan stage at INFO level.
func (fl *FileLogger) LogStageStart(number int, name string, actionCount int) {
	if !fl.shouldLog("info") {
		return
	}
	label := "actions"
	if actionCount == 1 {
		label = "action"
	}
	fl.writeRunLog(fmt.Sprintf("[%s] Starting stage %d (%s): %d %s\n",
		time.Now().Format("15:04:05"), number, name, actionCount, label))
}

// LogSummary logs the batch execution summary at INFO level.
func (fl *FileLogger) LogSummary(summary *executor.BatchSummary) {
	if summary == nil {
		return
	}
	if !fl.shouldLog("info") {
		return
	}

	ts := time.Now().Format("15:04:05")
	out := fmt.Sprintf("[%s] === Run Summary ===\n", ts)
	out += fmt.Sprintf("[%s] Total actions: %d\n", ts, summary.Total)
	out += fmt.Sprintf("[%s] Succeeded: %d\n", ts, summary.Succeeded)
	out += fmt.Sprintf("[%s] Failed: %d\n", ts, summary.Failed)
	out += fmt.Sprintf("[%s] Duration: %s\n", ts, formatDuration(summary.Duration))

	if summary.Failed > 0 {
		out += fmt.Sprintf("[%s] Failed actions:\n", ts)
		for _, r := range summary.Results {
			if r.Result != nil && r.Result.Success {
				continue
			}
			kind := action.ErrorKind("unknown")
			if r.Result != nil {
				kind = r.Result.ErrorKind
			}
			out += fmt.Sprintf("[%s]   - %s: %s\n", ts, r.Request.Describe(), kind)
		}
	}

	fl.writeRunLog(out)
}

// SaveScreenshot persists a captured screenshot for a request under the
// run's screenshots directory and returns the written path. Callers use it
// to keep visual evidence of failed actions next to the run log.
func (fl *FileLogger) SaveScreenshot(requestID string, png []byte) (string, error) {
	if len(png) == 0 {
		return "", fmt.Errorf("no screenshot data for request %s", requestID)
	}

	name := fmt.Sprintf("%s.png", sanitizeFilename(requestID))
	path := filepath.Join(fl.screenshotsDir, name)
	if err := os.WriteFile(path, png, 0644); err != nil {
		return "", fmt.Errorf("failed to save screenshot: %w", err)
	}

	fl.LogDebug(fmt.Sprintf("saved screenshot for %s to %s", requestID, path))
	return path, nil
}

// Close flushes and closes the run log file.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog == nil {
		return nil
	}
	if err := fl.runLog.Sync(); err != nil {
		fl.runLog.Close()
		fl.runLog = nil
		return fmt.Errorf("failed to sync run log: %w", err)
	}
	err := fl.runLog.Close()
	fl.runLog = nil
	if err != nil {
		return fmt.Errorf("failed to close run log: %w", err)
	}
	return nil
}

func (fl *FileLogger) writeRunLog(s string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog == nil {
		return
	}
	fl.runLog.WriteString(s)
}

// sanitizeFilename strips path separators and other hostile characters from
// a request ID before it becomes a file name.
func sanitizeFilename(s string) string {
	if s == "" {
		return "unknown"
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_", ":", "_")
	return replacer.Replace(s)
}
