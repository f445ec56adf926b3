package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/johndauphine/crm-migrate/internal/backup"
	"github.com/johndauphine/crm-migrate/internal/checkpoint"
	"github.com/johndauphine/crm-migrate/internal/config"
	"github.com/johndauphine/crm-migrate/internal/exitcodes"
	"github.com/johndauphine/crm-migrate/internal/logging"
	"github.com/johndauphine/crm-migrate/internal/migerr"
	"github.com/johndauphine/crm-migrate/internal/orchestrator"
	"github.com/johndauphine/crm-migrate/internal/progress"
	"github.com/johndauphine/crm-migrate/internal/tui"
)

var version = "dev"

// confirmPhrase must be typed to start an interactive rollback.
const confirmPhrase = "EMERGENCY_ROLLBACK"

func main() {
	app := &cli.App{
		Name:    "crm-migrate",
		Usage:   "Checkpointed deals to opportunities migration with resume and rollback",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "checkpoint",
				Usage: "Checkpoint file (default: migration.checkpoint_file)",
			},
			&cli.StringFlag{
				Name:  "run-id",
				Usage: "Explicit run ID for a new run (default: generated)",
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Override migration.batch_size",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Rehearse against the backend without writing to it or to the checkpoint",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Resume despite config drift, or discard a corrupt checkpoint",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout on completion (logs go to stderr)",
			},
			&cli.StringFlag{
				Name:  "output-file",
				Usage: "Write JSON result to file on completion",
			},
			&cli.BoolFlag{
				Name:  "progress-json",
				Usage: "Emit JSON progress lines on stderr instead of a progress bar",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address (e.g. :9090)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Append JSON log lines to this file",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return migerr.Validationf("verbosity", "%v", err)
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}

			if c.Bool("output-json") || c.String("output-file") != "" {
				logging.SetOutput(os.Stderr)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "execute",
				Usage:  "Start a new migration",
				Action: executeMigration,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "phase",
						Usage: "Run only this phase (must be the first phase)",
					},
				},
			},
			{
				Name:   "resume",
				Usage:  "Resume an interrupted migration from its checkpoint",
				Action: resumeMigration,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "phase",
						Usage: "Run only this phase (its predecessors must be complete)",
					},
				},
			},
			{
				Name:   "rollback",
				Usage:  "Restore the backed up tables (emergency)",
				Action: rollbackMigration,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "resume",
						Usage: "Continue an interrupted rollback",
					},
					&cli.BoolFlag{
						Name:    "yes",
						Aliases: []string{"y"},
						Usage:   "Skip the confirmation prompt",
					},
				},
			},
			{
				Name:   "backup",
				Usage:  "Take a standalone backup of the rollback tables",
				Action: takeBackup,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "expire",
						Usage: "Drop backups older than the rollback window instead",
					},
				},
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List backups",
						Action: listBackups,
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show status of the current or last run",
				Action: showStatus,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Output status as JSON",
					},
					&cli.BoolFlag{
						Name:    "watch",
						Aliases: []string{"w"},
						Usage:   "Follow the checkpoint in a live view",
					},
					&cli.DurationFlag{
						Name:  "interval",
						Value: time.Second,
						Usage: "Refresh interval for --watch",
					},
				},
			},
			{
				Name:   "validate",
				Usage:  "Check the checkpoint against the backend",
				Action: validateMigration,
			},
			{
				Name:   "plan",
				Usage:  "Show the work a run would do without changing anything",
				Action: planMigration,
			},
			{
				Name:  "history",
				Usage: "List all runs, or view details of a specific run",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "run",
						Usage: "Show details for a specific run ID",
					},
				},
				Action: showHistory,
			},
			{
				Name:   "health-check",
				Usage:  "Test backend connectivity and count the source tables",
				Action: healthCheck,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitcodes.FromError(err))
	}
}

// session is an opened orchestrator and the resources set up for it.
type session struct {
	cfg    *config.Config
	orch   *orchestrator.Orchestrator
	closer []func()
}

func (s *session) Close() {
	for i := len(s.closer) - 1; i >= 0; i-- {
		s.closer[i]()
	}
}

// open loads the config, applies flag overrides and creates the orchestrator.
func open(ctx context.Context, c *cli.Context, opts orchestrator.Options) (*session, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg}

	if !c.IsSet("verbosity") && cfg.Logging.Level != "" {
		if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
			logging.SetLevel(level)
		}
	}
	if !c.IsSet("log-format") && cfg.Logging.Format != "" {
		logging.SetFormat(cfg.Logging.Format)
	}
	logFile := c.String("log-file")
	if logFile == "" {
		logFile = cfg.Logging.File
	}
	if logFile != "" {
		lf, err := logging.OpenFile(logFile)
		if err != nil {
			return nil, err
		}
		s.closer = append(s.closer, func() { lf.Close() })
	}

	if c.IsSet("batch-size") {
		if err := cfg.OverrideBatchSize(c.Int("batch-size")); err != nil {
			s.Close()
			return nil, err
		}
	}

	opts.CheckpointFile = c.String("checkpoint")
	opts.RunID = c.String("run-id")
	opts.Force = c.Bool("force")
	opts.DryRun = c.Bool("dry-run")

	orch, err := orchestrator.New(ctx, cfg, opts)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	s.orch = orch
	s.closer = append(s.closer, orch.Close)

	if c.Bool("progress-json") {
		orch.SetReporter(progress.NewJSONReporter(os.Stderr, 2*time.Second))
	}

	addr := c.String("metrics-addr")
	if addr == "" && cfg.Metrics.Enabled {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		mctx, stop := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := orch.Metrics().Serve(mctx, addr); err != nil {
				logging.Warn("Metrics endpoint stopped: %v", err)
			}
		}()
		s.closer = append(s.closer, func() {
			stop()
			<-done
		})
	}
	return s, nil
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	configPath := c.String("config")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, migerr.Validationf("config", "configuration file not found: %s", configPath)
	}
	cfg, err := config.LoadWithOptions(configPath, config.LoadOptions{
		SuppressWarnings: c.Bool("output-json"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM so the running batch can
// finish and the checkpoint is saved before exit.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted. Saving checkpoint...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func executeMigration(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := open(ctx, c, orchestrator.Options{Phase: c.String("phase")})
	if err != nil {
		return err
	}
	defer s.Close()

	result, runErr := s.orch.Run(ctx)
	return finishRun(c, result, runErr)
}

func resumeMigration(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := open(ctx, c, orchestrator.Options{Phase: c.String("phase")})
	if err != nil {
		return err
	}
	defer s.Close()

	result, runErr := s.orch.Resume(ctx)
	return finishRun(c, result, runErr)
}

func rollbackMigration(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := open(ctx, c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer s.Close()

	ro := orchestrator.RollbackOptions{Resume: c.Bool("resume")}
	if !c.Bool("yes") {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return migerr.Validationf("yes", "rollback needs confirmation; pass --yes when stdin is not a terminal")
		}
		ro.Confirm = func(m *backup.Manifest) bool {
			return confirmRollback(os.Stdin, os.Stderr, m, s.cfg.Migration.RollbackWindow)
		}
	}

	result, runErr := s.orch.Rollback(ctx, ro)
	return finishRun(c, result, runErr)
}

// confirmRollback describes the backup about to be restored and reads the
// confirmation phrase.
func confirmRollback(in io.Reader, out io.Writer, m *backup.Manifest, window time.Duration) bool {
	fmt.Fprintf(out, "\nEMERGENCY ROLLBACK from backup %s (taken %s, %s ago, window %s)\n",
		m.ID, m.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		m.Age(time.Now()).Round(time.Minute), window)
	for _, t := range m.Tables {
		fmt.Fprintf(out, "  %-30s <- %-40s %d rows\n", t.OriginalTable, t.BackupTable, t.RecordCount)
	}
	fmt.Fprintf(out, "Current data in these tables will be replaced. Type %s to continue: ", confirmPhrase)

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false
	}
	return strings.TrimSpace(line) == confirmPhrase
}

// finishRun prints the run summary and turns a partial outcome into an error
// so the exit code tells schedulers to resume.
func finishRun(c *cli.Context, result *orchestrator.MigrationResult, runErr error) error {
	if result != nil && (c.Bool("output-json") || c.String("output-file") != "") {
		if runErr != nil && result.Error == "" {
			result.Error = runErr.Error()
		}
		if err := outputJSON(c, result); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to output JSON: %v\n", err)
		}
	}
	if runErr != nil {
		return runErr
	}
	if result != nil && result.Status == orchestrator.OutcomePartial {
		return fmt.Errorf("run %s: %d/%d phases completed: %w",
			result.RunID, result.PhasesCompleted, result.PhasesTotal, migerr.ErrPartial)
	}
	return nil
}

func takeBackup(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := open(ctx, c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer s.Close()

	if c.Bool("expire") {
		removed, err := s.orch.ExpireBackups(ctx)
		if err != nil {
			return err
		}
		if c.Bool("output-json") {
			return printJSON(removed)
		}
		fmt.Printf("Expired %d backup(s)\n", len(removed))
		return nil
	}

	m, err := s.orch.Backup(ctx)
	if err != nil {
		return err
	}
	if c.Bool("output-json") {
		return printJSON(m)
	}
	fmt.Printf("Backup %s created (%d tables)\n", m.ID, len(m.Tables))
	return nil
}

func listBackups(c *cli.Context) error {
	s, err := open(c.Context, c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer s.Close()

	if c.Bool("output-json") {
		list, err := s.orch.Backups()
		if err != nil {
			return err
		}
		return printJSON(list)
	}
	return s.orch.ShowBackups()
}

func showStatus(c *cli.Context) error {
	s, err := open(c.Context, c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer s.Close()

	if c.Bool("watch") {
		return tui.Run(s.orch.Status, c.Duration("interval"))
	}

	if c.Bool("json") {
		result, err := s.orch.Status()
		if errors.Is(err, checkpoint.ErrNotFound) {
			return printJSON(&orchestrator.StatusResult{Status: "no_active_migration"})
		}
		if err != nil {
			return err
		}
		return printJSON(result)
	}

	return s.orch.ShowStatus()
}

func validateMigration(c *cli.Context) error {
	s, err := open(c.Context, c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := s.orch.Validate(c.Context)
	if report != nil && c.Bool("output-json") {
		if perr := printJSON(report); perr != nil {
			return perr
		}
	}
	return err
}

func planMigration(c *cli.Context) error {
	s, err := open(c.Context, c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer s.Close()

	preview, err := s.orch.Preview(c.Context)
	if err != nil {
		return err
	}
	plan, cp, err := s.orch.PlanResume(c.Context)
	if err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		return err
	}

	if c.Bool("output-json") {
		return printJSON(struct {
			Preview *orchestrator.PreviewResult `json:"preview"`
			Resume  *orchestrator.ResumePlan    `json:"resume,omitempty"`
		}{preview, plan})
	}

	fmt.Printf("%-30s %-12s %10s %10s %12s\n", "Phase", "Kind", "BatchSize", "Batches", "Records")
	fmt.Println(strings.Repeat("-", 78))
	for _, p := range preview.Phases {
		if p.Error != "" {
			fmt.Printf("%-30s %-12s %10s %10s %12s\n", p.Name, p.Kind, "-", "-", "after earlier phases")
			continue
		}
		batchSize := "-"
		if p.BatchSize > 0 {
			batchSize = fmt.Sprint(p.BatchSize)
		}
		fmt.Printf("%-30s %-12s %10s %10d %12d\n", p.Name, p.Kind, batchSize, p.TotalBatches, p.TotalRecords)
	}
	fmt.Println(strings.Repeat("-", 78))
	fmt.Printf("%-30s %-12s %10s %10d %12d\n", "Total", "", "", preview.TotalBatches, preview.TotalRecords)

	if plan != nil && cp != nil {
		fmt.Printf("\nCheckpoint %s (%s): %s\n", cp.RunID, cp.Status, plan)
	}
	return nil
}

func showHistory(c *cli.Context) error {
	s, err := open(c.Context, c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer s.Close()

	if runID := c.String("run"); runID != "" {
		return s.orch.ShowRunDetails(runID)
	}
	return s.orch.ShowHistory()
}

func healthCheck(c *cli.Context) error {
	s, err := open(c.Context, c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := s.orch.HealthCheck(c.Context)
	if err != nil {
		return err
	}
	if c.Bool("output-json") {
		if err := printJSON(result); err != nil {
			return err
		}
	} else {
		fmt.Printf("Backend: %s (%dms)\n", result.Backend, result.LatencyMs)
		for _, t := range result.Tables {
			if t.Error != "" {
				fmt.Printf("  ✗ %-30s %s\n", t.Name, t.Error)
				continue
			}
			fmt.Printf("  ✓ %-30s %10d rows %6dms\n", t.Name, t.Rows, t.LatencyMs)
		}
	}
	if !result.Healthy {
		return errors.New("health check failed: backend unreachable or tables missing")
	}
	return nil
}

// outputJSON writes the run result as JSON to stdout and/or a file
func outputJSON(c *cli.Context, result *orchestrator.MigrationResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if c.Bool("output-json") {
		fmt.Println(string(data))
	}

	if outputFile := c.String("output-file"); outputFile != "" {
		if err := checkpoint.WriteFileAtomic(outputFile, data); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
