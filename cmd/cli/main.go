package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kurihiro0119/docstring-harvester/internal/config"
	"github.com/kurihiro0119/docstring-harvester/internal/credentials"
	"github.com/kurihiro0119/docstring-harvester/internal/dataset"
	"github.com/kurihiro0119/docstring-harvester/internal/domain"
	apperrors "github.com/kurihiro0119/docstring-harvester/internal/errors"
	"github.com/kurihiro0119/docstring-harvester/internal/extract"
	"github.com/kurihiro0119/docstring-harvester/internal/github"
	"github.com/kurihiro0119/docstring-harvester/internal/harvester"
	"github.com/kurihiro0119/docstring-harvester/internal/index"
	"github.com/kurihiro0119/docstring-harvester/internal/scheduler"
	"github.com/kurihiro0119/docstring-harvester/internal/sink"
	"github.com/kurihiro0119/docstring-harvester/internal/storage"
	"github.com/kurihiro0119/docstring-harvester/internal/storage/memory"
	"github.com/kurihiro0119/docstring-harvester/internal/storage/postgres"
	"github.com/kurihiro0119/docstring-harvester/internal/storage/sqlite"
	"github.com/kurihiro0119/docstring-harvester/pkg/client"
)

var (
	cfgFile    string
	outputJSON bool
	verbose    bool
	useAPI     bool

	query     string
	workers   int
	maxRepos  int
	batchSize int

	reposLimit int
	unitsLimit int
	runsLimit  int
	offset     int
	pageSize   int
)

var rootCmd = &cobra.Command{
	Use:   "harvester",
	Short: "Harvest documented code from GitHub",
	Long: `A CLI tool for crawling GitHub repositories and harvesting documented
functions and classes.

Repositories are discovered through the search API, fetched file by file and
stored in batches so an interrupted run resumes where it left off.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a harvest",
	Long:  `Search GitHub, harvest every repository not processed yet and store its documented units.`,
	Args:  cobra.NoArgs,
	RunE:  runHarvest,
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show harvest statistics",
	Long:  `Display totals of the stored repositories and units.`,
	Args:  cobra.NoArgs,
	RunE:  runShowStats,
}

var showReposCmd = &cobra.Command{
	Use:   "repos",
	Short: "Show processed repositories",
	Args:  cobra.NoArgs,
	RunE:  runShowRepos,
}

var showRepoCmd = &cobra.Command{
	Use:   "repo [id]",
	Short: "Show the units harvested from a repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowRepo,
}

var showRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent harvest runs",
	Args:  cobra.NoArgs,
	RunE:  runShowRuns,
}

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export stored units as a JSONL dataset",
	Long:  `Write two rows per stored unit to the given file, or to stdout when no file is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runExport,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	runCmd.Flags().StringVarP(&query, "query", "q", "", "search query (overrides SEARCH_QUERY)")
	runCmd.Flags().IntVarP(&workers, "workers", "w", 0, "number of workers (overrides WORKERS)")
	runCmd.Flags().IntVar(&maxRepos, "max-repos", 0, "stop after this many repositories (overrides MAX_REPOS)")
	runCmd.Flags().IntVar(&batchSize, "batch", 0, "units per commit (overrides COMMIT_BATCH_SIZE)")

	showCmd.PersistentFlags().BoolVar(&useAPI, "api", false, "read from the API server instead of storage")
	showReposCmd.Flags().IntVar(&reposLimit, "limit", 20, "number of repositories")
	showReposCmd.Flags().IntVar(&offset, "offset", 0, "number of repositories to skip")
	showRepoCmd.Flags().IntVar(&unitsLimit, "limit", 50, "number of units")
	showRepoCmd.Flags().IntVar(&offset, "offset", 0, "number of units to skip")
	showRunsCmd.Flags().IntVar(&runsLimit, "limit", 10, "number of runs")

	exportCmd.Flags().IntVar(&pageSize, "page-size", dataset.DefaultPageSize, "units read per query")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(exportCmd)
	showCmd.AddCommand(showReposCmd)
	showCmd.AddCommand(showRepoCmd)
	showCmd.AddCommand(showRunsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		if err := godotenv.Load(cfgFile); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", cfgFile, err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func getStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.StorageType {
	case "postgres":
		return postgres.NewPostgresStorage(cfg.PostgresURL)
	case "memory":
		return memory.New(), nil
	default:
		return sqlite.NewSQLiteStorage(cfg.SQLitePath)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runHarvest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if query != "" {
		cfg.Query = query
	}
	if workers > 0 {
		cfg.Workers = workers
		if os.Getenv("QUEUE_CAPACITY") == "" {
			cfg.QueueCapacity = 2 * workers
		}
	}
	if maxRepos > 0 {
		cfg.MaxRepos = maxRepos
	}
	if batchSize > 0 {
		cfg.CommitBatchSize = batchSize
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	fn, ok := extract.For(cfg.Extension)
	if !ok {
		return fmt.Errorf("no extractor for %s (supported: %s)", cfg.Extension, strings.Join(extract.Extensions(), ", "))
	}

	logger := newLogger()
	slog.SetDefault(logger)

	store, err := getStorage(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	gh, err := github.NewClient(github.ConfigFrom(cfg), cfg.Tokens, github.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create GitHub client: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	idx := index.New()
	sk := sink.New(store, cfg.CommitBatchSize, sink.WithCommitHook(idx.Record), sink.WithLogger(logger))
	h := harvester.New(gh, sk, fn, cfg.Extension,
		harvester.WithMaxFiles(cfg.MaxFilesPerRepo),
		harvester.WithLogger(logger),
	)

	var done atomic.Int64
	progress := func(repo domain.RepositoryRef, res harvester.Result, err error) {
		n := done.Add(1)
		if !verbose && !outputJSON {
			fmt.Printf("\rRepositories: %d (last: %s, %d units)\033[K", n, repo.FullName, res.Units)
		}
	}

	sched := scheduler.New(scheduler.Config{
		Query:         cfg.Query,
		Workers:       cfg.Workers,
		QueueCapacity: cfg.QueueCapacity,
		MaxRepos:      cfg.MaxRepos,
	}, gh, h, sk, idx, store,
		scheduler.WithLogger(logger),
		scheduler.WithProgress(progress),
	)

	if !outputJSON {
		fmt.Printf("Harvesting %q with %d workers and %d credentials\n", cfg.Query, cfg.Workers, len(cfg.Tokens))
	}
	report, runErr := sched.Run(ctx)
	if !verbose && !outputJSON && done.Load() > 0 {
		fmt.Println()
	}

	if outputJSON {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		printReport(report)
		printQuota(gh.CoreQuota())
	}

	if runErr != nil {
		if apperrors.IsStorageCommit(runErr) {
			fmt.Fprintf(os.Stderr, "Storage failed; last successful commit: %s\n", report.LastBatch)
		}
		return runErr
	}
	return nil
}

func printReport(r *scheduler.Report) {
	fmt.Printf("\nRun %s: %s\n\n", r.RunID, r.Status)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})
	table.Append([]string{"Search Pages", strconv.Itoa(r.Pages)})
	table.Append([]string{"Repositories Queued", strconv.Itoa(r.Enqueued)})
	table.Append([]string{"Repositories Processed", strconv.Itoa(r.Processed)})
	table.Append([]string{"Repositories Skipped", strconv.Itoa(r.Skipped)})
	table.Append([]string{"Repositories Failed", strconv.Itoa(r.Failed)})
	if r.Unmarked > 0 {
		table.Append([]string{"Repositories Unmarked", strconv.Itoa(r.Unmarked)})
	}
	table.Append([]string{"Units Committed", strconv.Itoa(r.Units)})
	table.Append([]string{"Batches", strconv.Itoa(r.Batches)})
	table.Append([]string{"Peak Workers Busy", strconv.Itoa(r.PeakInFlight)})
	table.Append([]string{"Last Batch", r.LastBatch.String()})
	table.Append([]string{"Duration", r.Duration.Round(time.Second).String()})
	table.Render()
}

func printQuota(statuses []credentials.Status) {
	fmt.Println("\nCredential quota:")
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "Remaining", "Resets", "Failures"})
	for _, s := range statuses {
		reset := "-"
		if !s.ResetAt.IsZero() {
			reset = s.ResetAt.Local().Format("15:04:05")
		}
		table.Append([]string{
			strconv.Itoa(s.Index),
			strconv.Itoa(s.Remaining),
			reset,
			strconv.Itoa(s.Failures),
		})
	}
	table.Render()
}

// reader is what the show commands read, from storage or the API server
type reader interface {
	GetStats(ctx context.Context) (*domain.Stats, error)
	ListRepos(ctx context.Context, limit, offset int) ([]*domain.ProcessedRepository, error)
	GetRepo(ctx context.Context, id int64) (*domain.ProcessedRepository, error)
	GetRepoUnits(ctx context.Context, id int64, limit, offset int) ([]*domain.CodeUnit, error)
	ListRuns(ctx context.Context, limit int) ([]*domain.HarvestRun, error)
}

type storeReader struct {
	store storage.Storage
}

func (r storeReader) GetStats(ctx context.Context) (*domain.Stats, error) {
	return r.store.GetStats(ctx)
}

func (r storeReader) ListRepos(ctx context.Context, limit, offset int) ([]*domain.ProcessedRepository, error) {
	return r.store.GetProcessedRepositories(ctx, limit, offset)
}

func (r storeReader) GetRepo(ctx context.Context, id int64) (*domain.ProcessedRepository, error) {
	return r.store.GetProcessedRepository(ctx, id)
}

func (r storeReader) GetRepoUnits(ctx context.Context, id int64, limit, offset int) ([]*domain.CodeUnit, error) {
	return r.store.GetCodeUnits(ctx, id, limit, offset)
}

func (r storeReader) ListRuns(ctx context.Context, limit int) ([]*domain.HarvestRun, error) {
	return r.store.GetRuns(ctx, limit)
}

func getReader() (reader, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if useAPI {
		return client.NewClient(cfg.APIEndpoint), func() {}, nil
	}

	store, err := getStorage(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return storeReader{store: store}, func() { store.Close() }, nil
}

func runShowStats(cmd *cobra.Command, args []string) error {
	r, closeFn, err := getReader()
	if err != nil {
		return err
	}
	defer closeFn()

	stats, err := r.GetStats(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}
	if outputJSON {
		return printJSON(stats)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})
	table.Append([]string{"Repositories", fmt.Sprintf("%d", stats.Repositories)})
	table.Append([]string{"Units", fmt.Sprintf("%d", stats.Units)})
	table.Append([]string{"Functions", fmt.Sprintf("%d", stats.Functions)})
	table.Append([]string{"Classes", fmt.Sprintf("%d", stats.Classes)})
	table.Append([]string{"Runs", fmt.Sprintf("%d", stats.Runs)})
	table.Render()
	return nil
}

func runShowRepos(cmd *cobra.Command, args []string) error {
	r, closeFn, err := getReader()
	if err != nil {
		return err
	}
	defer closeFn()

	repos, err := r.ListRepos(cmd.Context(), reposLimit, offset)
	if err != nil {
		return fmt.Errorf("failed to get repositories: %w", err)
	}
	if outputJSON {
		return printJSON(repos)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Repository", "Branch", "Units", "Processed"})
	for _, repo := range repos {
		table.Append([]string{
			strconv.FormatInt(repo.ID, 10),
			repo.FullName,
			repo.DefaultBranch,
			strconv.Itoa(repo.Units),
			repo.ProcessedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	table.Render()
	return nil
}

func runShowRepo(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid repository id %q", args[0])
	}

	r, closeFn, err := getReader()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := cmd.Context()
	repo, err := r.GetRepo(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get repository: %w", err)
	}
	units, err := r.GetRepoUnits(ctx, id, unitsLimit, offset)
	if err != nil {
		return fmt.Errorf("failed to get units: %w", err)
	}
	if outputJSON {
		return printJSON(map[string]interface{}{"repository": repo, "units": units})
	}

	fmt.Printf("\n%s (%d units)\n\n", repo.FullName, repo.Units)
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Kind", "Name", "Path", "Doc"})
	for _, u := range units {
		table.Append([]string{string(u.Kind), u.QualifiedName, u.Path, firstLine(u.Doc, 60)})
	}
	table.Render()
	return nil
}

func runShowRuns(cmd *cobra.Command, args []string) error {
	r, closeFn, err := getReader()
	if err != nil {
		return err
	}
	defer closeFn()

	runs, err := r.ListRuns(cmd.Context(), runsLimit)
	if err != nil {
		return fmt.Errorf("failed to get runs: %w", err)
	}
	if outputJSON {
		return printJSON(runs)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Run", "Query", "Status", "Processed", "Skipped", "Failed", "Units", "Started", "Took"})
	for _, run := range runs {
		took := "-"
		if run.FinishedAt != nil {
			took = run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
		}
		table.Append([]string{
			shortID(run.ID),
			run.Query,
			string(run.Status),
			strconv.Itoa(run.Processed),
			strconv.Itoa(run.Skipped),
			strconv.Itoa(run.Failed),
			strconv.Itoa(run.Units),
			run.StartedAt.Local().Format("2006-01-02 15:04"),
			took,
		})
	}
	table.Render()
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := getStorage(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	var out io.Writer = os.Stdout
	if len(args) == 1 {
		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", args[0], err)
		}
		defer f.Close()
		out = f
	}

	exp := dataset.NewExporter(store, dataset.WithPageSize(pageSize), dataset.WithLogger(newLogger()))
	sum, err := exp.Export(cmd.Context(), out)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		fmt.Printf("Exported %d rows from %d units to %s\n", sum.Rows, sum.Units, args[0])
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string, width int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > width {
		s = string(r[:width-3]) + "..."
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
