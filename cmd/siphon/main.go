package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/siphon/internal/export"
	"github.com/ajitpratap0/siphon/pkg/config"
	"github.com/ajitpratap0/siphon/pkg/events"
	"github.com/ajitpratap0/siphon/pkg/limiter"
	"github.com/ajitpratap0/siphon/pkg/logger"

	json "github.com/goccy/go-json"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "siphon",
		Short: "Siphon - adaptive concurrency engine for large dataset exports",
		Long: `Siphon exports large paginated datasets from rate-limited remote APIs.
It tunes per-category concurrency, paces requests against the remote quota,
and checkpoints progress so interrupted exports resume without duplicating work.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Siphon v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var configFile, inputFile, logLevel string
	var verboseEvents bool

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Run an export",
		Long: `Run an export described by a YAML configuration file. Items are read from
a JSONL input file; each line must carry "id", "section" and optionally
"category" and "data" fields. Interrupting the export leaves a checkpoint
that the next invocation resumes from.

Example:
  siphon export --config export.yaml --input items.jsonl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(configFile, inputFile, logLevel, verboseEvents)
		},
	}
	exportCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to export configuration YAML file (required)")
	exportCmd.Flags().StringVarP(&inputFile, "input", "i", "", "Path to JSONL item file (required)")
	exportCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	exportCmd.Flags().BoolVar(&verboseEvents, "events", false, "Log resilience events (retries, breaker transitions, backpressure)")
	_ = exportCmd.MarkFlagRequired("config")
	_ = exportCmd.MarkFlagRequired("input")
	root.AddCommand(exportCmd)

	var checkpointDir string
	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "List resumable exports",
		Long:  `List checkpoints left behind by interrupted exports and their progress.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listCheckpoints(checkpointDir)
		},
	}
	resumeCmd.Flags().StringVarP(&checkpointDir, "dir", "d", ".siphon", "Checkpoint directory")
	root.AddCommand(resumeCmd)

	validateCmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate an export configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			fmt.Printf("Configuration %s is valid (export %q, output %s)\n",
				configFile, cfg.Name, cfg.OutputPath)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to export configuration YAML file (required)")
	_ = validateCmd.MarkFlagRequired("config")
	root.AddCommand(validateCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// inputItem is one line of the JSONL input file.
type inputItem struct {
	ID       string      `json:"id"`
	Section  string      `json:"section"`
	Category string      `json:"category"`
	Data     interface{} `json:"data"`
}

// runExport drives a full export from a JSONL input file through the
// coordinator, resuming from a prior checkpoint when one exists.
func runExport(configFile, inputFile, logLevel string, verboseEvents bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if err := logger.Init(logger.Config{Level: logLevel, Encoding: "console"}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	log := logger.Get().With(
		zap.String("component", "siphon-cli"),
		zap.String("export_id", cfg.Name),
	)

	sections, categories, err := loadInput(inputFile)
	if err != nil {
		return fmt.Errorf("input error: %w", err)
	}

	opts := []export.Option{}
	if verboseEvents {
		opts = append(opts, export.WithEmitter(events.NewLogEmitter(log)))
	}

	coord, err := export.NewCoordinator(cfg, logger.Get(), opts...)
	if err != nil {
		return err
	}

	// Interrupt leaves the checkpoint behind for the next invocation
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	resumed, err := coord.Initialize(ctx)
	if err != nil {
		return err
	}
	if resumed {
		cp := coord.Checkpoint()
		log.Info("resuming interrupted export",
			zap.Int64("already_processed", cp.ProcessedCount),
			zap.Strings("completed_sections", cp.CompletedSections))
	}

	var total int64
	for _, items := range sections {
		total += int64(len(items))
	}
	coord.SetTotalEstimate(total)

	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)

	log.Info("starting export",
		zap.String("input", inputFile),
		zap.Int("sections", len(names)),
		zap.Int64("items", total))

	identity := func(ctx context.Context, item *export.Item) (interface{}, error) {
		return item.Data, nil
	}

	for _, name := range names {
		source := export.NewSliceSource(sections[name])
		if err := coord.Stream(ctx, name, categories[name], source, identity, nil); err != nil {
			finalizeAfterFailure(coord, log)
			return fmt.Errorf("export failed in section %s: %w", name, err)
		}
	}

	if err := coord.Finalize(); err != nil {
		return fmt.Errorf("failed to finalize export: %w", err)
	}
	if err := coord.Cleanup(); err != nil {
		log.Warn("failed to remove checkpoint", zap.Error(err))
	}
	return nil
}

// finalizeAfterFailure flushes what was written so the next run appends
// cleanly after the checkpoint.
func finalizeAfterFailure(coord *export.Coordinator, log *zap.Logger) {
	if err := coord.Finalize(); err != nil {
		log.Warn("failed to flush output after failure", zap.Error(err))
	}
}

// loadInput reads the JSONL item file and groups items by section. The
// category of a section is taken from its first item.
func loadInput(path string) (map[string][]*export.Item, map[string]limiter.Category, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	sections := make(map[string][]*export.Item)
	categories := make(map[string]limiter.Category)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var in inputItem
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}
		if in.ID == "" {
			return nil, nil, fmt.Errorf("line %d: missing id", line)
		}
		section := in.Section
		if section == "" {
			section = "default"
		}
		if _, ok := categories[section]; !ok {
			categories[section] = limiter.ParseCategory(in.Category)
		}
		sections[section] = append(sections[section], &export.Item{ID: in.ID, Data: in.Data})
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, nil, err
	}
	return sections, categories, nil
}

// listCheckpoints prints every checkpoint in dir with its progress.
func listCheckpoints(dir string) error {
	store, err := export.NewCheckpointStore(dir, zap.NewNop())
	if err != nil {
		return err
	}
	checkpoints, err := store.List()
	if err != nil {
		return err
	}
	if len(checkpoints) == 0 {
		fmt.Println("No resumable exports found.")
		return nil
	}

	fmt.Println("Resumable exports:")
	for _, cp := range checkpoints {
		fmt.Printf("  - %s: %d items processed", cp.ExportID, cp.ProcessedCount)
		if cp.TotalEstimate > 0 {
			fmt.Printf(" of ~%d", cp.TotalEstimate)
		}
		if cp.CurrentSection != "" {
			fmt.Printf(", in section %q", cp.CurrentSection)
		}
		fmt.Printf(", %d sections done, output %s\n",
			len(cp.CompletedSections), cp.OutputPath)
	}
	return nil
}
