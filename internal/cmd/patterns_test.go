package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harrison/actuator/internal/action"
	"github.com/harrison/actuator/internal/learning"
)

// seedPatternDB creates a store with one click pattern: three successes at
// 2s/3s/4s and one timeout failure.
func seedPatternDB(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "patterns.db")

	store, err := learning.NewStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	key := learning.PatternKey{Kind: action.KindClick, Platform: "claude-web", Driver: "thread"}
	outcomes := []learning.Outcome{
		{Success: true, Duration: 2 * time.Second, Timestamp: time.Now().UTC().Add(-4 * time.Hour)},
		{Success: true, Duration: 3 * time.Second, Timestamp: time.Now().UTC().Add(-3 * time.Hour)},
		{Success: false, ErrorKind: action.ErrTimeout, Duration: 30 * time.Second, Timestamp: time.Now().UTC().Add(-2 * time.Hour)},
		{Success: true, Duration: 4 * time.Second, Timestamp: time.Now().UTC().Add(-1 * time.Hour)},
	}
	for _, out := range outcomes {
		if err := store.Record(context.Background(), key, out); err != nil {
			t.Fatalf("Failed to record outcome: %v", err)
		}
	}
	return dbPath
}

func TestPatternsShow(t *testing.T) {
	dbPath := seedPatternDB(t)

	cmd := NewPatternsCommand()
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetErr(&output)
	cmd.SetArgs([]string{"show", "--db-path", dbPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Command failed: %v", err)
	}

	outputStr := output.String()
	if !strings.Contains(outputStr, "Learned Action Patterns") {
		t.Errorf("Expected header, got: %s", outputStr)
	}
	if !strings.Contains(outputStr, "click/claude-web/thread") {
		t.Errorf("Expected pattern key, got: %s", outputStr)
	}
	if !strings.Contains(outputStr, "Attempts: 4 (3 ok, 1 failed)") {
		t.Errorf("Expected attempt counts, got: %s", outputStr)
	}
	if !strings.Contains(outputStr, "75.0%") {
		t.Errorf("Expected lifetime success rate, got: %s", outputStr)
	}
	if !strings.Contains(outputStr, "Weighted rate:") {
		t.Errorf("Expected weighted rate line, got: %s", outputStr)
	}
}

func TestPatternsShow_PlatformFilter(t *testing.T) {
	dbPath := seedPatternDB(t)

	var output bytes.Buffer
	if err := runPatternsShow(&output, "other-platform", dbPath); err != nil {
		t.Fatalf("runPatternsShow() failed: %v", err)
	}
	if !strings.Contains(output.String(), `No patterns recorded for platform "other-platform"`) {
		t.Errorf("Expected empty filter message, got: %s", output.String())
	}

	output.Reset()
	if err := runPatternsShow(&output, "claude-web", dbPath); err != nil {
		t.Fatalf("runPatternsShow() failed: %v", err)
	}
	if !strings.Contains(output.String(), "click/claude-web/thread") {
		t.Errorf("Expected matching pattern, got: %s", output.String())
	}
}

func TestPatternsShow_MissingDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "patterns.db")

	var output bytes.Buffer
	if err := runPatternsShow(&output, "", dbPath); err != nil {
		t.Fatalf("runPatternsShow() failed: %v", err)
	}
	if !strings.Contains(output.String(), "No pattern data recorded yet") {
		t.Errorf("Expected empty database message, got: %s", output.String())
	}
}

func TestPatternsStats(t *testing.T) {
	dbPath := seedPatternDB(t)

	cmd := NewPatternsCommand()
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetErr(&output)
	cmd.SetArgs([]string{"stats", "--db-path", dbPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Command failed: %v", err)
	}

	outputStr := output.String()
	if !strings.Contains(outputStr, "Pattern Statistics") {
		t.Errorf("Expected header, got: %s", outputStr)
	}
	if !strings.Contains(outputStr, "Attempts: 4") {
		t.Errorf("Expected attempt total, got: %s", outputStr)
	}
	if !strings.Contains(outputStr, "75.0%") {
		t.Errorf("Expected overall success rate, got: %s", outputStr)
	}
	// Nearest-rank percentiles over 2s/3s/4s, suggestion at 2*p90+1s.
	if !strings.Contains(outputStr, "p50 3s, p90 4s, suggested timeout 9s (3 sample(s))") {
		t.Errorf("Expected duration estimate line, got: %s", outputStr)
	}
}

func TestPatternsExport_JSON(t *testing.T) {
	dbPath := seedPatternDB(t)

	cmd := NewPatternsCommand()
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetErr(&output)
	cmd.SetArgs([]string{"export", "--db-path", dbPath})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Command failed: %v", err)
	}

	var records []map[string]any
	if err := json.Unmarshal(output.Bytes(), &records); err != nil {
		t.Fatalf("Export output is not valid JSON: %v\n%s", err, output.String())
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 exported record, got %d", len(records))
	}
	if records[0]["kind"] != "click" {
		t.Errorf("Expected kind click, got: %v", records[0]["kind"])
	}
	if records[0]["attempts"] != float64(4) {
		t.Errorf("Expected 4 attempts, got: %v", records[0]["attempts"])
	}
	if records[0]["success_rate"] != 0.75 {
		t.Errorf("Expected success rate 0.75, got: %v", records[0]["success_rate"])
	}
}

func TestPatternsExport_CSV(t *testing.T) {
	dbPath := seedPatternDB(t)

	var output bytes.Buffer
	if err := runPatternsExport(&output, "csv", "", dbPath); err != nil {
		t.Fatalf("runPatternsExport() failed: %v", err)
	}

	outputStr := output.String()
	if !strings.Contains(outputStr, "kind,platform,driver") {
		t.Errorf("Expected csv header, got: %s", outputStr)
	}
	if !strings.Contains(outputStr, "click,claude-web,thread,4,3,1,0.7500") {
		t.Errorf("Expected csv row, got: %s", outputStr)
	}
}

func TestPatternsExport_ToFile(t *testing.T) {
	dbPath := seedPatternDB(t)
	outPath := filepath.Join(t.TempDir(), "patterns.json")

	var output bytes.Buffer
	if err := runPatternsExport(&output, "json", outPath, dbPath); err != nil {
		t.Fatalf("runPatternsExport() failed: %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("Failed to read exported file: %v", err)
	}
	if !strings.Contains(string(data), `"platform": "claude-web"`) {
		t.Errorf("Expected platform in exported file, got: %s", data)
	}
	if output.Len() != 0 {
		t.Errorf("Expected nothing on stdout when exporting to a file, got: %s", output.String())
	}
}

func TestPatternsExport_UnknownFormat(t *testing.T) {
	var output bytes.Buffer
	err := runPatternsExport(&output, "xml", "", ":memory:")
	if err == nil {
		t.Fatal("export with an unknown format should fail")
	}
	if !strings.Contains(err.Error(), "unknown export format") {
		t.Errorf("Expected format error, got: %v", err)
	}
}
