package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/harrison/actuator/internal/action"
	"github.com/harrison/actuator/internal/config"
	"github.com/harrison/actuator/internal/driver"
	"github.com/harrison/actuator/internal/executor"
	"github.com/harrison/actuator/internal/lease"
	"github.com/harrison/actuator/internal/learning"
	"github.com/harrison/actuator/internal/logger"
	"github.com/harrison/actuator/internal/script"
	"github.com/harrison/actuator/internal/verify"
	"github.com/harrison/actuator/internal/vision"
)

// evidenceCaptureTimeout bounds the post-failure screenshot grab so a wedged
// driver cannot stall the run a second time.
const evidenceCaptureTimeout = 5 * time.Second

// runLogger is the logging surface the run command drives. ConsoleLogger and
// FileLogger both satisfy it.
type runLogger interface {
	executor.Logger
	LogError(message string)
	LogStageStart(number int, name string, actionCount int)
	LogSummary(summary *executor.BatchSummary)
}

// multiLogger fans each call out to every underlying logger.
type multiLogger struct {
	loggers []runLogger
}

func (m *multiLogger) LogDebug(message string) {
	for _, l := range m.loggers {
		l.LogDebug(message)
	}
}

func (m *multiLogger) LogInfo(message string) {
	for _, l := range m.loggers {
		l.LogInfo(message)
	}
}

func (m *multiLogger) LogWarn(message string) {
	for _, l := range m.loggers {
		l.LogWarn(message)
	}
}

func (m *multiLogger) LogError(message string) {
	for _, l := range m.loggers {
		l.LogError(message)
	}
}

func (m *multiLogger) LogActionResult(req *action.Request, res *action.Result) {
	for _, l := range m.loggers {
		l.LogActionResult(req, res)
	}
}

func (m *multiLogger) LogStageStart(number int, name string, actionCount int) {
	for _, l := range m.loggers {
		l.LogStageStart(number, name, actionCount)
	}
}

func (m *multiLogger) LogSummary(summary *executor.BatchSummary) {
	for _, l := range m.loggers {
		l.LogSummary(summary)
	}
}

// runOptions carries the run command's flag values. Pointer fields are nil
// unless the flag was set on the command line, so config merging can tell
// "not given" from "given as the default".
type runOptions struct {
	configPath string
	mode       *string
	driverName *string
	logLevel   *string
	logDir     *string

	kind     string
	target   string
	hint     string
	text     string
	platform string
	resource string
	url      string
	timeout  time.Duration

	maxConcurrency int
	jsonOutput     bool
	dryRun         bool
}

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run [plan-file]",
		Short: "Execute a plan file or a single ad-hoc action",
		Long: `Run executes UI actions and verifies each one took effect.

With a plan file, stages run in order and the actions inside a stage run
one at a time: a UI flow depends on the effects of its earlier steps.
--max-concurrency raises the in-stage parallelism for plans whose actions
target independent resources; two concurrent actions on the same resource
conflict on its lease and the loser fails as resource_unavailable.

Without a plan file, --kind/--target/--platform describe one ad-hoc action.

Examples:
  # Run a plan
  actuator run checkout.md

  # Run a plan under the thread strategy with a visible browser
  actuator run checkout.md --mode thread --driver chrome

  # One ad-hoc click
  actuator run --kind click --target "the Send button" --platform claude-web \
    --url https://claude.ai --hint 'button[aria-label="Send message"]'

  # Machine-readable summary
  actuator run checkout.md --json > summary.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planPath := ""
			if len(args) == 1 {
				planPath = args[0]
			}
			if planPath == "" && opts.kind == "" {
				return fmt.Errorf("nothing to run: pass a plan file or --kind for an ad-hoc action")
			}
			if planPath != "" && opts.kind != "" {
				return fmt.Errorf("pass a plan file or --kind, not both")
			}

			// Only flags actually set on the command line override config.
			if cmd.Flags().Changed("mode") {
				v, _ := cmd.Flags().GetString("mode")
				opts.mode = &v
			}
			if cmd.Flags().Changed("driver") {
				v, _ := cmd.Flags().GetString("driver")
				opts.driverName = &v
			}
			if cmd.Flags().Changed("log-level") {
				v, _ := cmd.Flags().GetString("log-level")
				opts.logLevel = &v
			}
			if cmd.Flags().Changed("log-dir") {
				v, _ := cmd.Flags().GetString("log-dir")
				opts.logDir = &v
			}
			if opts.maxConcurrency < 1 {
				opts.maxConcurrency = 1
			}

			return runCommand(cmd, planPath, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "config file (default $ACTUATOR_HOME/config.yaml)")
	cmd.Flags().String("mode", "", "execution mode: inproc, thread, subprocess (overrides config and plan)")
	cmd.Flags().String("driver", "", "driver to use: chrome, stub (overrides config)")
	cmd.Flags().String("log-level", "", "logging level: trace, debug, info, warn, error (overrides config)")
	cmd.Flags().String("log-dir", "", "directory for run logs (overrides config)")

	cmd.Flags().StringVar(&opts.kind, "kind", "", "ad-hoc action kind: click, type, verify, scroll")
	cmd.Flags().StringVar(&opts.target, "target", "", "ad-hoc action target description (\"the Send button\")")
	cmd.Flags().StringVar(&opts.hint, "hint", "", "ad-hoc action CSS selector hint")
	cmd.Flags().StringVar(&opts.text, "text", "", "text to enter for ad-hoc type actions")
	cmd.Flags().StringVar(&opts.platform, "platform", "", "platform the ad-hoc action runs against")
	cmd.Flags().StringVar(&opts.resource, "resource", "", "lease key for the ad-hoc action (default: platform)")
	cmd.Flags().StringVar(&opts.url, "url", "", "URL to navigate to before the ad-hoc action")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "whole-request budget for the ad-hoc action (default 30s)")

	cmd.Flags().IntVar(&opts.maxConcurrency, "max-concurrency", 1, "actions in flight at once within a stage or batch")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "write a machine-readable summary to stdout, logs to stderr")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "resolve config and plan, print what would run, execute nothing")

	return cmd
}

func runCommand(cmd *cobra.Command, planPath string, opts runOptions) error {
	cfg, err := loadRunConfig(opts.configPath)
	if err != nil {
		return err
	}
	cfg.MergeWithFlags(opts.mode, opts.driverName, opts.logLevel, opts.logDir)

	var plan *script.Plan
	var reqs []*action.Request

	if planPath != "" {
		plan, err = script.NewParser().ParseFile(planPath)
		if err != nil {
			return fmt.Errorf("failed to parse plan: %w", err)
		}
		if errs := plan.Validate(); len(errs) > 0 {
			out := cmd.OutOrStdout()
			for _, verr := range errs {
				fmt.Fprintf(out, "  ✗ %s\n", verr)
			}
			return fmt.Errorf("plan failed validation with %d error(s)", len(errs))
		}
		// Mode precedence: flag > plan frontmatter > config file.
		if plan.Defaults.Mode != "" && opts.mode == nil {
			cfg.Execution.Mode = plan.Defaults.Mode
		}
		reqs = plan.Requests()
	} else {
		req, err := buildAdHocRequest(opts)
		if err != nil {
			return err
		}
		reqs = []*action.Request{req}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if opts.dryRun {
		return printDryRun(cmd.OutOrStdout(), cfg, plan, reqs)
	}

	logDir := cfg.Logging.Dir
	if logDir == "" {
		logDir, err = config.GetLogDir()
		if err != nil {
			return fmt.Errorf("failed to resolve log directory: %w", err)
		}
	}
	fileLog, err := logger.NewFileLoggerWithDirAndLevel(logDir, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	defer fileLog.Close()

	// Under --json stdout belongs to the summary document; human-readable
	// logs move to stderr.
	consoleWriter := cmd.OutOrStdout()
	if opts.jsonOutput {
		consoleWriter = cmd.ErrOrStderr()
	}
	consoleLog := logger.NewConsoleLogger(consoleWriter, cfg.Logging.Level)
	log := &multiLogger{loggers: []runLogger{consoleLog, fileLog}}

	eng, err := buildEngine(cfg, log)
	if err != nil {
		return err
	}
	defer eng.Close(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	total := len(reqs)
	var completed atomic.Int64
	showProgress := !opts.jsonOutput && total > 1 && isatty.IsTerminal(os.Stdout.Fd())
	eng.exec.PostExecuteHook = func(req *action.Request, res *action.Result) {
		done := int(completed.Add(1))
		if showProgress {
			consoleLog.LogProgress(done, total)
		}
		if !res.Success && eng.captureEvidence {
			saveFailureEvidence(eng.driver, fileLog, log, req)
		}
	}

	log.LogInfo(fmt.Sprintf("run log: %s", fileLog.RunFile()))

	runStart := time.Now()
	overall := &executor.BatchSummary{}

	if plan != nil {
		log.LogInfo(fmt.Sprintf("running plan %q: %d action(s) in %d stage(s)", plan.Name, plan.ActionCount(), len(plan.Stages)))
		for _, stage := range plan.Stages {
			log.LogStageStart(stage.Number, stage.Name, len(stage.Actions))
			summary := eng.exec.ExecuteAll(ctx, stage.Actions, opts.maxConcurrency)
			mergeSummary(overall, summary)
			if summary.Failed > 0 {
				log.LogWarn(fmt.Sprintf("stage %d had %d failure(s); later stages depend on its effects, stopping", stage.Number, summary.Failed))
				break
			}
			if ctx.Err() != nil {
				break
			}
		}
	} else {
		overall = eng.exec.ExecuteAll(ctx, reqs, opts.maxConcurrency)
	}
	overall.Duration = time.Since(runStart)

	log.LogSummary(overall)

	if opts.jsonOutput {
		if err := writeSummaryJSON(cmd.OutOrStdout(), overall); err != nil {
			return fmt.Errorf("failed to write summary: %w", err)
		}
	}

	if overall.Failed > 0 {
		return fmt.Errorf("%d of %d action(s) failed", overall.Failed, overall.Total)
	}
	return nil
}

// loadRunConfig resolves the config file: an explicit path wins, otherwise
// $ACTUATOR_HOME/config.yaml. A missing file means defaults.
func loadRunConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadConfig(path)
	}
	home, err := config.GetActuatorHome()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve actuator home: %w", err)
	}
	return config.LoadConfig(filepath.Join(home, "config.yaml"))
}

// buildAdHocRequest assembles a single request from flags and rejects it
// early so a malformed invocation never spins up the engine.
func buildAdHocRequest(opts runOptions) (*action.Request, error) {
	kind, err := action.ParseKind(opts.kind)
	if err != nil {
		return nil, err
	}
	timeout := opts.timeout
	if timeout <= 0 {
		timeout = script.DefaultActionTimeout
	}
	req := &action.Request{
		Kind:      kind,
		Target:    opts.target,
		Hint:      opts.hint,
		InputText: opts.text,
		Platform:  opts.platform,
		Timeout:   timeout,
	}
	reqCtx := map[string]string{}
	if opts.resource != "" {
		reqCtx[action.ContextResource] = opts.resource
	}
	if opts.url != "" {
		reqCtx[action.ContextURL] = opts.url
	}
	if len(reqCtx) > 0 {
		req.Context = reqCtx
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid action: %w", err)
	}
	return req, nil
}

// engine bundles the executor with the resources that outlive a single
// action and need teardown when the run ends.
type engine struct {
	exec   *executor.ActionExecutor
	driver driver.Driver
	store  *learning.Store

	// captureEvidence is false when the default mode is subprocess: the
	// parent driver never navigated, so its screenshot shows nothing.
	captureEvidence bool
}

func (e *engine) Close(log runLogger) {
	if e.driver != nil {
		if err := e.driver.Close(); err != nil {
			log.LogWarn(fmt.Sprintf("driver close: %v", err))
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			log.LogWarn(fmt.Sprintf("pattern store close: %v", err))
		}
	}
}

// buildEngine assembles the executor and its dependencies from config.
func buildEngine(cfg *config.Config, log *multiLogger) (*engine, error) {
	storePath := cfg.Learning.StorePath
	var err error
	if storePath == "" {
		storePath, err = config.GetPatternDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve pattern database path: %w", err)
		}
	}
	store, err := learning.NewStoreWithWindow(storePath, cfg.Learning.RecentWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to open pattern store: %w", err)
	}

	tracker := learning.NewTracker(store)
	tracker.Decay = cfg.Learning.Decay
	tracker.MinSamples = cfg.Learning.MinSamples
	tracker.HardCap = cfg.Execution.MaxRetriesHardCap

	// One vision client serves both roles: verification tier and visual
	// target locator.
	var visionModel verify.VisionModel
	var locator driver.Locator
	if len(cfg.Verification.VisionCommand) > 0 {
		client := vision.NewClient(cfg.Verification.VisionCommand)
		visionModel = client
		locator = client
	}

	chain := verify.NewChain(visionModel, nil, cfg.Verification.MinConfidence, cfg.Verification.OracleRate)
	chain.Logger = log

	leaseDir := cfg.Lease.Dir
	if leaseDir == "" {
		leaseDir, err = config.GetLeaseDir()
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to resolve lease directory: %w", err)
		}
	}
	leases, err := lease.NewManager(leaseDir, "", cfg.Lease.TTL)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create lease manager: %w", err)
	}

	// The thread strategy is always registered, so a driver is always
	// needed even when the default mode is subprocess.
	drv, err := buildDriver(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	defaultMode, err := executor.ParseMode(cfg.Execution.Mode)
	if err != nil {
		drv.Close()
		store.Close()
		return nil, err
	}

	runnerPath := cfg.Execution.RunnerPath
	if runnerPath == "" {
		runnerPath, err = os.Executable()
		if err != nil {
			drv.Close()
			store.Close()
			return nil, fmt.Errorf("cannot locate runner binary: %w", err)
		}
	}

	strategies := []executor.Strategy{
		executor.NewThreadIsolatedStrategy(),
		executor.NewProcessIsolatedStrategy(runnerPath, []string{"runner"}, cfg.Driver.Name, cfg.Execution.GracePeriod),
	}
	if cfg.Execution.AllowInProcess {
		strategies = append(strategies, executor.NewInProcessStrategy())
	}

	exec, err := executor.New(executor.Deps{
		Verifier:    chain,
		Tracker:     tracker,
		Recorder:    store,
		Leases:      leases,
		Driver:      drv,
		Locator:     locator,
		Strategies:  strategies,
		DefaultMode: defaultMode,
		Logger:      log,
	})
	if err != nil {
		drv.Close()
		store.Close()
		return nil, fmt.Errorf("failed to build executor: %w", err)
	}

	return &engine{
		exec:            exec,
		driver:          drv,
		store:           store,
		captureEvidence: defaultMode != executor.ModeSubprocess,
	}, nil
}

// buildDriver constructs the configured driver. Shared with the runner
// child, which builds its own instance inside the sandboxed process.
func buildDriver(cfg *config.Config) (driver.Driver, error) {
	switch cfg.Driver.Name {
	case "chrome":
		return driver.NewChrome(driver.ChromeOptions{
			Headless:       cfg.Driver.Headless,
			ViewportWidth:  cfg.Driver.ViewportWidth,
			ViewportHeight: cfg.Driver.ViewportHeight,
			UserAgent:      cfg.Driver.UserAgent,
			ProxyURL:       cfg.Driver.ProxyURL,
		})
	case "stub":
		return driver.NewStub(), nil
	default:
		return nil, fmt.Errorf("unknown driver %q (want chrome or stub)", cfg.Driver.Name)
	}
}

// saveFailureEvidence grabs a screenshot after a failed action so the run
// directory shows what the page looked like. Best effort: a driver that
// cannot capture loses the evidence, not the run.
func saveFailureEvidence(drv driver.Driver, fileLog *logger.FileLogger, log runLogger, req *action.Request) {
	if drv == nil || fileLog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), evidenceCaptureTimeout)
	defer cancel()

	st, err := drv.CaptureState(ctx)
	if err != nil || st == nil || len(st.Screenshot) == 0 {
		return
	}
	path, err := fileLog.SaveScreenshot(req.ID, st.Screenshot)
	if err != nil {
		log.LogWarn(fmt.Sprintf("could not save failure screenshot for %s: %v", req.ID, err))
		return
	}
	log.LogDebug(fmt.Sprintf("failure screenshot for %s: %s", req.ID, path))
}

// mergeSummary folds one stage's summary into the whole-run summary,
// re-indexing results so they stay unique across stages.
func mergeSummary(dst, src *executor.BatchSummary) {
	base := dst.Total
	dst.Total += src.Total
	dst.Succeeded += src.Succeeded
	dst.Failed += src.Failed
	for i := range src.Results {
		r := src.Results[i]
		r.Index += base
		dst.Results = append(dst.Results, r)
	}
}

// printDryRun shows what a run would execute after config and plan
// resolution, without touching a driver or the pattern store.
func printDryRun(out io.Writer, cfg *config.Config, plan *script.Plan, reqs []*action.Request) error {
	fmt.Fprintf(out, "Dry run: nothing will be executed\n\n")
	fmt.Fprintf(out, "Mode:   %s\n", cfg.Execution.Mode)
	fmt.Fprintf(out, "Driver: %s\n", cfg.Driver.Name)

	if plan != nil {
		fmt.Fprintf(out, "Plan:   %s (%d action(s) in %d stage(s))\n", plan.Name, plan.ActionCount(), len(plan.Stages))
		for _, stage := range plan.Stages {
			fmt.Fprintf(out, "\nStage %d: %s\n", stage.Number, stage.Name)
			for _, req := range stage.Actions {
				fmt.Fprintf(out, "  - %s\n", req.Describe())
			}
		}
		return nil
	}
	for _, req := range reqs {
		fmt.Fprintf(out, "Action: %s (timeout %v)\n", req.Describe(), req.Timeout)
	}
	return nil
}

// runResultJSON is one action's outcome in the --json summary.
type runResultJSON struct {
	RequestID  string  `json:"request_id"`
	Action     string  `json:"action"`
	Success    bool    `json:"success"`
	Confidence float64 `json:"confidence"`
	Method     string  `json:"method"`
	ErrorKind  string  `json:"error_kind,omitempty"`
	Detail     string  `json:"detail,omitempty"`
	DurationMS int64   `json:"duration_ms"`
}

// runSummaryJSON is the whole-run --json document.
type runSummaryJSON struct {
	Total      int             `json:"total"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	DurationMS int64           `json:"duration_ms"`
	Results    []runResultJSON `json:"results"`
}

func writeSummaryJSON(out io.Writer, summary *executor.BatchSummary) error {
	doc := runSummaryJSON{
		Total:      summary.Total,
		Succeeded:  summary.Succeeded,
		Failed:     summary.Failed,
		DurationMS: summary.Duration.Milliseconds(),
		Results:    make([]runResultJSON, 0, len(summary.Results)),
	}
	for _, r := range summary.Results {
		entry := runResultJSON{
			Action: r.Request.Describe(),
		}
		if r.Result != nil {
			entry.RequestID = r.Result.RequestID
			entry.Success = r.Result.Success
			entry.Confidence = r.Result.Confidence
			entry.Method = r.Result.Method
			entry.ErrorKind = string(r.Result.ErrorKind)
			entry.Detail = r.Result.Detail
			entry.DurationMS = r.Result.Duration.Milliseconds()
		}
		doc.Results = append(doc.Results, entry)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
