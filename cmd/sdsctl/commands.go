package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"sds/internal/config"
	"sds/pkg/sds"
)

type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	storeKind    string
	dbPath       string
	artifactsDir string
	exportsDir   string
	logFormat    string
	logLevel     string

	logger *slog.Logger
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "sdsctl",
		Short:         "Run and inspect stochastic diffusion searches",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(a.stderr, a.logFormat, a.logLevel)
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.storeKind, "store", "", "store backend: memory|sqlite (default from config, else memory)")
	pf.StringVar(&a.dbPath, "db-path", "", "sqlite database path (default from config, else "+defaultDBPath+")")
	pf.StringVar(&a.artifactsDir, "artifacts", defaultArtifactsDir, "run artifacts directory")
	pf.StringVar(&a.exportsDir, "exports", defaultExportsDir, "export output directory")
	pf.StringVar(&a.logFormat, "log-format", "auto", "log format: auto|text|json")
	pf.StringVar(&a.logLevel, "log-level", "info", "log level: debug|info|warn|error")

	root.AddCommand(
		a.runCmd(),
		a.daemonCmd(),
		a.noiseCmd(),
		a.benchCmd(),
		a.runsCmd(),
		a.snapshotsCmd(),
		a.exportCmd(),
	)
	return root
}

func (a *app) openClient(cmd *cobra.Command, storage config.StorageConfig) (*sds.Client, error) {
	kind, path := storage.Kind, storage.Path
	if a.storeKind != "" {
		kind = a.storeKind
	}
	if a.dbPath != "" {
		path = a.dbPath
	}
	client, err := sds.New(sds.Options{
		StoreKind:    kind,
		DBPath:       path,
		ArtifactsDir: a.artifactsDir,
		ExportsDir:   a.exportsDir,
		Logger:       a.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Init(cmd.Context()); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// runFlags are the config overrides shared by run, daemon, noise and bench.
type runFlags struct {
	configPath string

	problem string
	space   string
	model   string
	scores  []float64

	agents        int
	mode          string
	maxIterations int
	reportEvery   int
	seed          int64

	diffusion string
	test      string
	halting   string

	snapshot string
	out      string
	top      int
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	def := config.Default()
	fs.StringVarP(&f.configPath, "config", "c", "", "run config file (.yaml, .yml, .json or .toml)")
	fs.StringVar(&f.problem, "problem", def.Problem.Kind, "problem: string|simulate|peak")
	fs.StringVar(&f.space, "space", def.Problem.Space, "search space for the string problem")
	fs.StringVar(&f.model, "model", def.Problem.Model, "model for the string problem")
	fs.Float64SliceVar(&f.scores, "scores", nil, "hypothesis scores for the simulate problem")
	fs.IntVarP(&f.agents, "agents", "n", def.Search.Agents, "number of agents")
	fs.StringVar(&f.mode, "mode", def.Search.Mode, "iteration mode: synchronous|asynchronous|parallel")
	fs.IntVar(&f.maxIterations, "max-iterations", def.Search.MaxIterations, "iteration cap, 0 for none")
	fs.IntVar(&f.reportEvery, "report-every", def.Search.ReportEvery, "iterations between progress lines, 0 for none")
	fs.Int64Var(&f.seed, "seed", def.Search.Seed, "random seed")
	fs.StringVar(&f.diffusion, "diffusion", def.Diffusion.Kind, "diffusion strategy")
	fs.StringVar(&f.test, "test", def.Test.Kind, "test strategy: boolean|multitest|comparative|scored")
	fs.StringVar(&f.halting, "halting", def.Halting.Kind, "halting predicate")
	fs.StringVar(&f.snapshot, "snapshot", "", "write the final cluster snapshot to this file")
	fs.StringVar(&f.out, "out", "", "run artifacts directory, overrides --artifacts")
	fs.IntVar(&f.top, "top", def.Output.Top, "clusters kept in snapshots and summaries")
}

// load reads the config file, if any, then applies the flags the user set.
func (f *runFlags) load(fs *pflag.FlagSet) (config.RunConfig, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return config.RunConfig{}, err
		}
		cfg = loaded
	}

	fs.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "problem":
			cfg.Problem.Kind = f.problem
		case "space":
			cfg.Problem.Space = f.space
		case "model":
			cfg.Problem.Model = f.model
		case "scores":
			cfg.Problem.Scores = f.scores
		case "agents":
			cfg.Search.Agents = f.agents
		case "mode":
			cfg.Search.Mode = f.mode
		case "max-iterations":
			cfg.Search.MaxIterations = f.maxIterations
		case "report-every":
			cfg.Search.ReportEvery = f.reportEvery
		case "seed":
			cfg.Search.Seed = f.seed
		case "diffusion":
			cfg.Diffusion.Kind = f.diffusion
		case "test":
			cfg.Test.Kind = f.test
		case "halting":
			cfg.Halting.Kind = f.halting
		case "snapshot":
			cfg.Output.Snapshot = f.snapshot
		case "out":
			cfg.Output.Dir = f.out
		case "top":
			cfg.Output.Top = f.top
		}
	})
	return cfg, cfg.Validate()
}

func (a *app) runCmd() *cobra.Command {
	var flags runFlags
	var runID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one search and store its artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd.Flags())
			if err != nil {
				return err
			}
			client, err := a.openClient(cmd, cfg.Storage)
			if err != nil {
				return err
			}
			defer client.Close()

			summary, err := client.Run(cmd.Context(), sds.RunRequest{
				Config:   cfg,
				RunID:    runID,
				Progress: a.stdout,
			})
			if err != nil {
				return err
			}
			a.printSummary(summary)
			return nil
		},
	}
	flags.register(cmd.Flags())
	cmd.Flags().StringVar(&runID, "run-id", "", "run id (default: generated)")
	return cmd
}

func (a *app) daemonCmd() *cobra.Command {
	var flags runFlags
	var addr string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run a search under console and HTTP control until stopped",
		Long: `daemon runs a search that reads commands from stdin:
  q  stop the search
  c  print the current clusters
  w  write a snapshot to --snapshot and the store
  s  print the run status
The same controls are served over HTTP when --addr is set.
Without --max-iterations the search runs until stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd.Flags())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-iterations") {
				cfg.Search.MaxIterations = 0
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			client, err := a.openClient(cmd, cfg.Storage)
			if err != nil {
				return err
			}
			defer client.Close()

			summary, err := client.Run(cmd.Context(), sds.RunRequest{
				Config:     cfg,
				Progress:   a.stdout,
				Console:    a.stdin,
				ConsoleOut: a.stdout,
				HTTPAddr:   cfg.Server.Addr,
			})
			if err != nil {
				return err
			}
			a.printSummary(summary)
			return nil
		},
	}
	flags.register(cmd.Flags())
	cmd.Flags().StringVar(&addr, "addr", "", "control HTTP address, empty disables it (default from config)")
	return cmd
}

func (a *app) noiseCmd() *cobra.Command {
	var flags runFlags
	var agents, iterations int
	cmd := &cobra.Command{
		Use:   "noise",
		Short: "Estimate the background activity of the test strategy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd.Flags())
			if err != nil {
				return err
			}
			client, err := a.openClient(cmd, cfg.Storage)
			if err != nil {
				return err
			}
			defer client.Close()

			noise, err := client.Noise(cmd.Context(), sds.NoiseRequest{Config: cfg, Agents: agents, Iterations: iterations})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "noise=%.4f test=%s problem=%s\n", noise, cfg.Test.Kind, cfg.Problem.Kind)
			return nil
		},
	}
	flags.register(cmd.Flags())
	cmd.Flags().IntVar(&agents, "noise-agents", 100, "agents sampled per iteration")
	cmd.Flags().IntVar(&iterations, "noise-iterations", 100, "iterations averaged")
	return cmd
}

func (a *app) benchCmd() *cobra.Command {
	var flags runFlags
	var runs int
	var id string
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Repeat a run over consecutive seeds and report aggregate statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if runs <= 0 {
				return errors.New("runs must be > 0")
			}
			cfg, err := flags.load(cmd.Flags())
			if err != nil {
				return err
			}
			client, err := a.openClient(cmd, cfg.Storage)
			if err != nil {
				return err
			}
			defer client.Close()

			summary, err := client.Benchmark(cmd.Context(), sds.BenchmarkRequest{Config: cfg, ID: id, Runs: runs})
			if err != nil {
				return err
			}
			st := summary.Report.Stats
			fmt.Fprintf(a.stdout, "benchmark id=%s runs=%d halted=%d success_rate=%.2f\n",
				summary.ID, st.TotalRuns, st.SuccessRuns, st.SuccessRate)
			fmt.Fprintf(a.stdout, "iterations avg=%.1f std=%.1f min=%.0f max=%.0f activity avg=%.4f\n",
				st.AvgIterations, st.StdIterations, st.MinIterations, st.MaxIterations, st.AvgActivity)
			fmt.Fprintf(a.stdout, "report=%s\n", summary.Path)
			return nil
		},
	}
	flags.register(cmd.Flags())
	cmd.Flags().IntVar(&runs, "runs", 10, "number of seeded runs")
	cmd.Flags().StringVar(&id, "id", "", "benchmark id (default: generated)")
	return cmd
}

func (a *app) runsCmd() *cobra.Command {
	var limit int
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List indexed runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return errors.New("limit must be > 0")
			}
			client, err := a.openClient(cmd, config.StorageConfig{})
			if err != nil {
				return err
			}
			defer client.Close()

			entries, err := client.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(a.stdout, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(a.stdout, "no runs found")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(a.stdout, "run_id=%s problem=%s mode=%s agents=%s seed=%d iterations=%s reason=%s activity=%.4f largest=%.4f created=%s\n",
					e.RunID, e.Problem, e.Mode, humanize.Comma(int64(e.Agents)), e.Seed,
					humanize.Comma(int64(e.Iterations)), e.Reason, e.Activity, e.LargestShare, createdAgo(e.CreatedAtUTC))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit runs as JSON")
	return cmd
}

func (a *app) snapshotsCmd() *cobra.Command {
	var runID string
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List stored cluster snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.openClient(cmd, config.StorageConfig{})
			if err != nil {
				return err
			}
			defer client.Close()

			snaps, err := client.Snapshots(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(a.stdout, snaps)
			}
			if len(snaps) == 0 {
				fmt.Fprintln(a.stdout, "no snapshots found")
				return nil
			}
			for _, s := range snaps {
				fmt.Fprintf(a.stdout, "id=%s run_id=%s iteration=%s agents=%s clusters=%d created=%s\n",
					s.ID, s.RunID, humanize.Comma(int64(s.Iteration)), humanize.Comma(int64(s.AgentCount)),
					len(s.Clusters), humanize.Time(s.CreatedAt))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "only list snapshots of this run")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit snapshots as JSON")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var runID, outDir string
	var latest bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy a run's artifacts to the exports directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if runID != "" && latest {
				return errors.New("use either --run-id or --latest, not both")
			}
			if runID == "" && !latest {
				return errors.New("export requires --run-id or --latest")
			}
			client, err := a.openClient(cmd, config.StorageConfig{})
			if err != nil {
				return err
			}
			defer client.Close()

			exported, err := client.Export(cmd.Context(), sds.ExportRequest{RunID: runID, Latest: latest, OutDir: outDir})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&latest, "latest", false, "export the most recent run from the run index")
	cmd.Flags().StringVar(&outDir, "out", "", "export output directory (default --exports)")
	return cmd
}

func (a *app) printSummary(s sds.RunSummary) {
	fmt.Fprintf(a.stdout, "run_id=%s reason=%s iterations=%s activity=%.4f largest=%.4f clusters=%d elapsed=%s\n",
		s.RunID, s.Reason, humanize.Comma(int64(s.Iterations)), s.Activity, s.LargestShare, s.Clusters,
		time.Duration(s.ElapsedSeconds*float64(time.Second)).Round(time.Millisecond))
	for i, entry := range s.Top {
		fmt.Fprintf(a.stdout, "  %d. %s\n", i+1, entry)
	}
	if s.SnapshotPath != "" {
		fmt.Fprintf(a.stdout, "snapshot=%s\n", s.SnapshotPath)
	}
	fmt.Fprintf(a.stdout, "artifacts=%s\n", s.ArtifactsDir)
}

func createdAgo(stamp string) string {
	t, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return stamp
	}
	return humanize.Time(t)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
