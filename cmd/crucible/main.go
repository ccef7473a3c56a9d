// Command crucible drives workflows from the terminal. Exit codes: 0 on
// success, 1 when the result carries an advisory warning, 2 on a blocking
// failure.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/crucible/internal/bridge"
	"github.com/kingrea/crucible/internal/capability"
	"github.com/kingrea/crucible/internal/config"
	"github.com/kingrea/crucible/internal/orchestrator"
	"github.com/kingrea/crucible/internal/profiler"
	"github.com/kingrea/crucible/internal/securegate"
	"github.com/kingrea/crucible/internal/stage"
	"github.com/kingrea/crucible/internal/store"
	"github.com/kingrea/crucible/internal/tracker"
	"github.com/kingrea/crucible/internal/tui"
	"github.com/kingrea/crucible/internal/workflow"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.message != "" {
				fmt.Fprintln(os.Stderr, exit.message)
			}
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}
}

// exitError carries a specific process exit code through cobra.
type exitError struct {
	code    int
	message string
}

func (e *exitError) Error() string {
	return e.message
}

func advisory(format string, args ...any) error {
	return &exitError{code: 1, message: fmt.Sprintf(format, args...)}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "crucible",
		Short:         "Stage-pipeline workflow orchestrator",
		Long:          "Crucible coordinates a fixed sequence of specialist stages that turn one request into persisted, verified artifacts.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newInitCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newCreateCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newMissingCommand())
	root.AddCommand(newVerifyParallelCommand())
	root.AddCommand(newResumeCommand())
	root.AddCommand(newWatchCommand())
	root.AddCommand(newServeCommand())
	return root
}

// runtime bundles the wired core components for one invocation.
type runtime struct {
	cfg      *config.Config
	store    *store.Store
	tracker  *tracker.Tracker
	profiler *profiler.Profiler
	registry *stage.Registry
}

func newRuntime() (*runtime, error) {
	projectDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	if err := config.InitCrucibleDir(projectDir); err != nil {
		return nil, fmt.Errorf("initialize project: %w", err)
	}
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		return nil, err
	}
	warnLog := log.New(os.Stderr, "", log.LstdFlags)
	auditor, err := securegate.NewAuditor(cfg.AuditLogPath(), securegate.AuditorWithLogger(warnLog))
	if err != nil {
		return nil, err
	}
	gate, err := securegate.New(cfg.AllowedRoots(),
		securegate.WithAuditor(auditor),
		securegate.WithTestMode(cfg.TestMode()))
	if err != nil {
		return nil, err
	}
	s, err := store.New(gate, cfg.ArtifactsRoot())
	if err != nil {
		return nil, err
	}
	tr, err := tracker.New(s)
	if err != nil {
		return nil, err
	}
	p, err := profiler.New(s, profiler.WithBottleneckMultiplier(cfg.Project.BottleneckMultiplier))
	if err != nil {
		return nil, err
	}
	return &runtime{
		cfg:      cfg,
		store:    s,
		tracker:  tr,
		profiler: p,
		registry: stage.Default(),
	}, nil
}

func (rt *runtime) orchestrator(capabilityCmd string) (*orchestrator.Orchestrator, error) {
	if strings.TrimSpace(capabilityCmd) == "" {
		capabilityCmd = strings.TrimSpace(os.Getenv("CRUCIBLE_CAPABILITY"))
	}
	if capabilityCmd == "" {
		return nil, fmt.Errorf("no stage capability configured: pass --capability or set CRUCIBLE_CAPABILITY")
	}
	parts := strings.Fields(capabilityCmd)
	runner := capability.NewExecRunner(parts[0], parts[1:]...)
	return orchestrator.New(rt.store, rt.tracker, rt.profiler, rt.registry, runner,
		orchestrator.WithTier(rt.cfg.Tier()),
		orchestrator.WithStageTimeout(rt.cfg.StageTimeout()),
		orchestrator.WithParallelWindow(rt.cfg.ParallelWindow()),
		orchestrator.WithWriteRetryPolicy(rt.cfg.Project.WriteRetries, rt.cfg.WriteRetryBackoff()),
	)
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the .crucible directory in the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return err
			}
			if err := config.InitCrucibleDir(dir); err != nil {
				return err
			}
			fmt.Printf("Initialized %s\n", config.CrucibleDir)
			return nil
		},
	}
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <request>",
		Short: "Run a request through the full stage pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			capabilityCmd, _ := cmd.Flags().GetString("capability")
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			orch, err := rt.orchestrator(capabilityCmd)
			if err != nil {
				return err
			}
			manifest, err := orch.Execute(cmd.Context(), args[0])
			return reportRun(rt, manifest, err)
		},
	}
	cmd.Flags().String("capability", "", "Command invoked for each stage (stage name appended)")
	return cmd
}

func newCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <request>",
		Short: "Create a workflow without running any stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			manifest, err := rt.store.CreateWorkflow(args[0], rt.registry.Names())
			if err != nil {
				return err
			}
			fmt.Printf("Created workflow %s\n", manifest.WorkflowID)
			fmt.Printf("Status: %s\n", manifest.Status)
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show workflow progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			summary, err := rt.store.GetSummary(args[0])
			if err != nil {
				return err
			}
			m := summary.Manifest
			fmt.Printf("Workflow %s\n", m.WorkflowID)
			fmt.Printf("Status: %s\n", m.Status)
			fmt.Printf("Progress: %.0f%% (%d/%d stages)\n", summary.ProgressPercent, len(m.CompletedStages), len(m.StageSequence))
			if m.FailureNote != "" {
				fmt.Printf("Failure: %s\n", m.FailureNote)
			}
			for _, name := range m.StageSequence {
				marker := " "
				if m.StageCompleted(name) {
					marker = "x"
				}
				fmt.Printf("  [%s] %s\n", marker, name)
			}
			return nil
		},
	}
}

func newMissingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "missing <workflow-id>",
		Short: "List stages without a recorded completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			manifest, err := rt.store.LoadManifest(args[0])
			if err != nil {
				return err
			}
			report, err := rt.tracker.MissingStages(args[0], manifest.StageSequence)
			if err != nil {
				return err
			}
			if len(report.Missing) == 0 {
				fmt.Println("All declared stages have completion records.")
				return nil
			}
			for _, name := range report.Missing {
				note := ""
				for _, started := range report.StartedOnly {
					if started == name {
						note = " (started, never finished)"
					}
				}
				for _, failed := range report.Failed {
					if failed == name {
						note = " (failed)"
					}
				}
				fmt.Printf("  %s%s\n", name, note)
			}
			return advisory("%d stage(s) missing", len(report.Missing))
		},
	}
}

func newVerifyParallelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-parallel <workflow-id>",
		Short: "Check that validation stages actually ran in parallel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			var names []string
			for _, s := range rt.registry.Sequence() {
				if s.Class == stage.ClassValidation && s.MandatoryFor(rt.cfg.Tier()) {
					names = append(names, s.Name)
				}
			}
			record, err := rt.tracker.VerifyParallel(args[0], names, rt.cfg.ParallelWindow())
			if err != nil {
				return err
			}
			if !record.Applicable {
				return advisory("parallel verification not applicable: %d eligible stage(s) at tier %s", len(record.Stages), rt.cfg.Tier())
			}
			fmt.Printf("Stages: %s\n", strings.Join(record.Stages, ", "))
			fmt.Printf("Sequential: %s  Parallel: %s  Saved: %s\n", record.SequentialTime, record.ParallelTime, record.TimeSaved)
			fmt.Printf("Efficiency: %.1f%%\n", record.EfficiencyPercent)
			if record.Regression {
				return advisory("regression: stages did not start within the %s window", record.Window)
			}
			fmt.Println("Parallel execution verified.")
			return nil
		},
	}
}

func newResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <workflow-id>",
		Short: "Resume a paused or interrupted workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			capabilityCmd, _ := cmd.Flags().GetString("capability")
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			orch, err := rt.orchestrator(capabilityCmd)
			if err != nil {
				return err
			}
			manifest, err := orch.Resume(cmd.Context(), args[0])
			return reportRun(rt, manifest, err)
		},
	}
	cmd.Flags().String("capability", "", "Command invoked for each stage (stage name appended)")
	return cmd
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <workflow-id>",
		Short: "Live progress view for a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			return tui.Run(rt.store, rt.tracker, args[0])
		},
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			capabilityCmd := strings.TrimSpace(os.Getenv("CRUCIBLE_CAPABILITY"))
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			orch, err := rt.orchestrator(capabilityCmd)
			if err != nil {
				return err
			}
			settings := bridge.SettingsFromConfig(rt.cfg)
			settings.Enabled = true
			srv, err := bridge.NewServer(settings, orch, rt.store, rt.tracker,
				bridge.WithLogger(log.New(os.Stderr, "", log.LstdFlags)))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := srv.Start(ctx); err != nil {
				return err
			}
			fmt.Printf("Serving on %s\n", srv.BaseURL())
			<-ctx.Done()
			return srv.Shutdown(context.Background())
		},
	}
}

// reportRun prints the settled state and maps it to an exit code.
func reportRun(rt *runtime, manifest workflow.Manifest, err error) error {
	if err != nil {
		return err
	}
	summary, sumErr := rt.store.GetSummary(manifest.WorkflowID)
	if sumErr == nil {
		fmt.Printf("Workflow %s: %s (%.0f%%)\n", manifest.WorkflowID, manifest.Status, summary.ProgressPercent)
	} else {
		fmt.Printf("Workflow %s: %s\n", manifest.WorkflowID, manifest.Status)
	}
	switch manifest.Status {
	case workflow.StatusCompleted:
		return nil
	case workflow.StatusPaused:
		return advisory("workflow paused; resume with: crucible resume %s", manifest.WorkflowID)
	case workflow.StatusCancelled:
		return advisory("workflow cancelled at a stage boundary")
	default:
		return &exitError{code: 2, message: fmt.Sprintf("workflow %s settled in %s", manifest.WorkflowID, manifest.Status)}
	}
}
