package cmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/harrison/actuator/internal/action"
	"github.com/harrison/actuator/internal/executor"
)

func TestRunCommand_RequiresPlanOrKind(t *testing.T) {
	cmd := NewRunCommand()
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetErr(&output)
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("run with no plan and no --kind should fail")
	}
	if !strings.Contains(err.Error(), "nothing to run") {
		t.Errorf("Expected 'nothing to run' error, got: %v", err)
	}
}

func TestRunCommand_RejectsPlanAndKind(t *testing.T) {
	cmd := NewRunCommand()
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetErr(&output)
	cmd.SetArgs([]string{"plan.md", "--kind", "click"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("run with both a plan and --kind should fail")
	}
	if !strings.Contains(err.Error(), "not both") {
		t.Errorf("Expected 'not both' error, got: %v", err)
	}
}

func TestRunCommand_DryRunPlan(t *testing.T) {
	t.Setenv("ACTUATOR_HOME", t.TempDir())
	planPath := writePlanFile(t, t.TempDir(), "checkout.md", validPlanDoc)

	cmd := NewRunCommand()
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetErr(&output)
	cmd.SetArgs([]string{planPath, "--dry-run"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Dry run failed: %v", err)
	}

	outputStr := output.String()
	if !strings.Contains(outputStr, "Dry run: nothing will be executed") {
		t.Errorf("Expected dry run banner, got: %s", outputStr)
	}
	// The plan's defaults.mode must win over the config default.
	if !strings.Contains(outputStr, "Mode:   thread") {
		t.Errorf("Expected plan mode to apply, got: %s", outputStr)
	}
	if !strings.Contains(outputStr, "Driver: stub") {
		t.Errorf("Expected default stub driver, got: %s", outputStr)
	}
	if !strings.Contains(outputStr, "Checkout flow (3 action(s) in 2 stage(s))") {
		t.Errorf("Expected plan summary line, got: %s", outputStr)
	}
	if !strings.Contains(outputStr, "Stage 1: Compose") {
		t.Errorf("Expected stage heading, got: %s", outputStr)
	}
	if !strings.Contains(outputStr, `click "the send button" on claude-web`) {
		t.Errorf("Expected action description, got: %s", outputStr)
	}
}

func TestRunCommand_DryRunAdHoc(t *testing.T) {
	t.Setenv("ACTUATOR_HOME", t.TempDir())

	cmd := NewRunCommand()
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetErr(&output)
	cmd.SetArgs([]string{
		"--kind", "click",
		"--target", "the send button",
		"--platform", "claude-web",
		"--dry-run",
	})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Dry run failed: %v", err)
	}

	outputStr := output.String()
	if !strings.Contains(outputStr, "Mode:   subprocess") {
		t.Errorf("Expected config default mode, got: %s", outputStr)
	}
	if !strings.Contains(outputStr, `Action: click "the send button" on claude-web (timeout 30s)`) {
		t.Errorf("Expected ad-hoc action line, got: %s", outputStr)
	}
}

func TestRunCommand_UnknownKind(t *testing.T) {
	t.Setenv("ACTUATOR_HOME", t.TempDir())

	cmd := NewRunCommand()
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetErr(&output)
	cmd.SetArgs([]string{"--kind", "hover", "--target", "x", "--platform", "claude-web"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("run with an unknown kind should fail")
	}
	if !strings.Contains(err.Error(), "unknown action kind") {
		t.Errorf("Expected unknown kind error, got: %v", err)
	}
}

func TestRunCommand_InvalidAdHocAction(t *testing.T) {
	t.Setenv("ACTUATOR_HOME", t.TempDir())

	cmd := NewRunCommand()
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetErr(&output)
	// A type action without --text is rejected before anything executes.
	cmd.SetArgs([]string{"--kind", "type", "--target", "the box", "--platform", "claude-web"})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("type action without text should fail")
	}
	if !strings.Contains(err.Error(), "invalid action") {
		t.Errorf("Expected invalid action error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "input text") {
		t.Errorf("Expected input text detail, got: %v", err)
	}
}

func TestRunCommand_PlanValidationFailure(t *testing.T) {
	t.Setenv("ACTUATOR_HOME", t.TempDir())
	planPath := writePlanFile(t, t.TempDir(), "broken.md", invalidPlanDoc)

	cmd := NewRunCommand()
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetErr(&output)
	cmd.SetArgs([]string{planPath})

	err := cmd.Execute()
	if err == nil {
		t.Fatal("run on an invalid plan should fail")
	}
	if !strings.Contains(err.Error(), "plan failed validation") {
		t.Errorf("Expected validation error, got: %v", err)
	}
	if !strings.Contains(output.String(), "plan does not set a platform") {
		t.Errorf("Expected platform error in output, got: %s", output.String())
	}
}

// TestRunnerCommand_RoundTrip drives the hidden runner command the way the
// subprocess strategy does: one request on stdin, one report on stdout.
func TestRunnerCommand_RoundTrip(t *testing.T) {
	t.Setenv("ACTUATOR_HOME", t.TempDir())

	payload, err := json.Marshal(executor.RunnerRequest{
		Request: &action.Request{
			ID:       "runner-test-1",
			Kind:     action.KindVerify,
			Target:   "the page",
			Platform: "claude-web",
			Timeout:  5 * time.Second,
		},
		Driver: "stub",
	})
	if err != nil {
		t.Fatalf("Failed to marshal runner request: %v", err)
	}

	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetIn(bytes.NewReader(payload))
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{"runner"})

	if err := root.Execute(); err != nil {
		t.Fatalf("Runner command failed: %v (stderr: %s)", err, errOut.String())
	}

	var report executor.RunnerReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("Failed to decode runner report from %q: %v", out.String(), err)
	}
	if !report.Completed {
		t.Errorf("Expected completed report, got: %+v", report)
	}
	if report.ErrorKind != "" {
		t.Errorf("Expected no error kind, got: %s", report.ErrorKind)
	}
	if report.State == nil {
		t.Fatal("Expected captured state in report")
	}
	if report.State.URL != "stub://blank" {
		t.Errorf("Expected stub URL in state, got: %s", report.State.URL)
	}
}

func TestRunnerCommand_RejectsEmptyRequest(t *testing.T) {
	t.Setenv("ACTUATOR_HOME", t.TempDir())

	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetIn(strings.NewReader(`{"driver":"stub"}`))
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{"runner"})

	err := root.Execute()
	if err == nil {
		t.Fatal("runner without an action should fail")
	}
	if !strings.Contains(err.Error(), "no action") {
		t.Errorf("Expected missing action error, got: %v", err)
	}
}
