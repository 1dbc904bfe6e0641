package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rostrum/internal/analysis"
	"rostrum/internal/config"
	"rostrum/internal/embedding"
	"rostrum/internal/explore"
	"rostrum/internal/logging"
	"rostrum/internal/oracle"
	"rostrum/internal/store"
)

var (
	// Global flags
	verbose    bool
	configPath string
	dbPath     string
	timeout    time.Duration

	// Per-command flags
	embedLimit       int
	embedWorkers     int
	similarYear      int64
	similarThreshold float64
	similarLimit     int
	compareA         string
	compareB         string

	// Logger and loaded configuration, set by PersistentPreRunE
	logger *zap.Logger
	cfg    *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "rostrum",
	Short: "rostrum - ask questions of the UN General Debate corpus",
	Long: `rostrum answers natural-language questions about the UN General Debate
speeches corpus.

The ask command runs an exploration loop: a reasoning model reads the live
database schema, proposes read-only SQL queries, observes their results,
and keeps refining until it can state a final answer. The chat command
answers from semantically similar speech excerpts instead; embed, similar
and compare work with the speech embedding space.

Run without arguments to start the interactive chat interface.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip logger init for interactive mode (it has its own UI)
		if cmd.Name() == "chat" || (cmd.Use == "rostrum" && cmd.CalledAs() == "rostrum") {
			return nil
		}

		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.Corpus.DatabasePath = dbPath
		}

		if err := logging.Initialize(config.StateDir(), cfg.Logging.Debug || verbose, cfg.Logging.Level); err != nil {
			logger.Warn("File logging disabled", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: launch interactive chat
		return runInteractiveChat()
	},
}

// askCmd answers one question through the exploration loop
var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question by iteratively querying the corpus",
	Long: `Answers a natural-language question through iterative query refinement:
  1. The reasoning model receives the question and the live schema
  2. It proposes read-only SQL queries in fenced blocks
  3. Each query runs against the corpus; results feed back to the model
  4. The loop repeats until the model states a final answer

The attempt budget (default 5) bounds how many model turns one question
may consume; when it runs out the command reports that no answer was found.

Example:
  rostrum ask "Which country spoke most often during the 1970s?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

// chatCmd starts the interactive chat interface
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with answers grounded in semantically similar speeches",
	Long: `Starts the interactive chat interface. Each question is embedded and
matched against the speech vectors; the closest speeches ground the
model's answer, with source attributions.

Requires embeddings (run 'rostrum embed' first) and the sqlite-vec
extension.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInteractiveChat()
	},
}

// embedCmd populates the speech vector table
var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Embed speeches that have no vector yet",
	Long: `Finds speeches missing from the vector table, embeds their texts with
the configured embedding engine, and stores the vectors. Already-embedded
speeches are skipped, so the command is safe to re-run after an
interruption.`,
	RunE: runEmbed,
}

// similarCmd finds groups of similar speeches
var similarCmd = &cobra.Command{
	Use:   "similar",
	Short: "Group speeches by pairwise embedding similarity",
	Long: `Computes pairwise cosine similarity over embedded speeches and groups
the ones that reach the threshold. Restrict to a single assembly year
with --year.

Example:
  rostrum similar --year 2001 --threshold 0.85`,
	RunE: runSimilar,
}

// compareCmd compares two countries' speeches over time
var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare two countries' speech similarity across years",
	Long: `For every year in which both delegations spoke, computes the average
pairwise similarity between their speeches, then reports the overall
trend and any significant year-over-year shifts.

Aliases like RUS, USSR and UKR resolve to the full delegation name sets,
so historical name changes are compared as one delegation.

Example:
  rostrum compare --a Ukraine --b Russia`,
	RunE: runCompare,
}

// statusCmd shows system status
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show rostrum system status",
	RunE:  showStatus,
}

// schemaCmd prints the introspected corpus schema
var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the corpus schema as the reasoning model sees it",
	RunE:  runSchema,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Corpus database path (or set ROSTRUM_DB env)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	// Embed flags
	embedCmd.Flags().IntVar(&embedLimit, "limit", 0, "Maximum speeches to embed, 0 = all missing")
	embedCmd.Flags().IntVar(&embedWorkers, "workers", 0, "Concurrent embedding workers (default from config)")

	// Similar flags
	similarCmd.Flags().Int64Var(&similarYear, "year", 0, "Restrict to one assembly year, 0 = all")
	similarCmd.Flags().Float64Var(&similarThreshold, "threshold", analysis.DefaultSimilarityThreshold, "Similarity threshold (0.0-1.0)")
	similarCmd.Flags().IntVar(&similarLimit, "limit", 100, "Maximum speeches to analyze, 0 = all")

	// Compare flags
	compareCmd.Flags().StringVar(&compareA, "a", "Ukraine", "First country name or alias")
	compareCmd.Flags().StringVar(&compareB, "b", "Russia", "Second country name or alias")

	// Add commands to root
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(embedCmd)
	rootCmd.AddCommand(similarCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(schemaCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runAsk answers a single question through the exploration loop
func runAsk(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	if err := cfg.Validate(); err != nil {
		return err
	}

	question := strings.Join(args, " ")
	logger.Info("Answering question", zap.String("question", question))

	st, err := store.OpenReadOnly(cfg.Corpus.DatabasePath, cfg.Corpus.VectorTable)
	if err != nil {
		return fmt.Errorf("failed to open corpus: %w", err)
	}
	defer st.Close()

	schema, err := st.SchemaDescription(ctx)
	if err != nil {
		return fmt.Errorf("failed to introspect schema: %w", err)
	}

	client, err := oracle.NewClient(oracle.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
		Timeout:  cfg.GetLLMTimeout(),
	})
	if err != nil {
		return err
	}

	session := explore.NewSession(client, st, explore.BuildSystemPrompt(schema), explore.Params{
		MaxAttempts:         cfg.Explore.MaxAttempts,
		MaxCommandsPerTurn:  cfg.Explore.MaxCommandsPerTurn,
		MaxObservationBytes: cfg.Explore.MaxObservationBytes,
	})

	result, err := session.Ask(ctx, question)
	if err != nil {
		return fmt.Errorf("exploration failed: %w", err)
	}

	logger.Info("Question answered",
		zap.String("state", result.State.String()),
		zap.Int("attempts", result.AttemptsUsed))

	fmt.Println(renderMarkdown(result.Answer))
	return nil
}

// renderMarkdown pretty-prints through glamour on a terminal and passes
// plain text through otherwise (pipes, redirects).
func renderMarkdown(text string) string {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return text
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return text
	}
	rendered, err := renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(rendered, "\n")
}

// runEmbed populates missing speech embeddings
func runEmbed(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	st, err := store.Open(cfg.Corpus.DatabasePath, cfg.Corpus.VectorTable)
	if err != nil {
		return fmt.Errorf("failed to open corpus: %w", err)
	}
	defer st.Close()

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:   cfg.Embedding.Provider,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		return err
	}
	defer closeEngine(engine)

	workers := embedWorkers
	if workers == 0 {
		workers = cfg.Embedding.Workers
	}

	fmt.Printf("Embedding speeches with %s...\n", engine.Name())
	result, err := analysis.Populate(ctx, st, engine, analysis.PopulateOptions{
		Workers: workers,
		Limit:   embedLimit,
	})
	if err != nil {
		return err
	}

	if result.Missing == 0 {
		fmt.Println("All speeches already embedded.")
		return nil
	}
	fmt.Printf("Embedded %d of %d missing speeches", result.Embedded, result.Missing)
	if result.Failed > 0 {
		fmt.Printf(" (%d failed)", result.Failed)
	}
	fmt.Println()
	if total, err := st.CountEmbeddings(ctx); err == nil {
		fmt.Printf("Corpus total: %d embedded speeches.\n", total)
	}
	return nil
}

// closeEngine releases engines that hold client connections (Gemini).
func closeEngine(engine embedding.Engine) {
	if closer, ok := engine.(io.Closer); ok {
		_ = closer.Close()
	}
}

// runSimilar groups speeches by embedding similarity
func runSimilar(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	st, err := store.OpenReadOnly(cfg.Corpus.DatabasePath, cfg.Corpus.VectorTable)
	if err != nil {
		return fmt.Errorf("failed to open corpus: %w", err)
	}
	defer st.Close()

	groups, err := analysis.FindSimilarSpeeches(ctx, st, analysis.SimilarOptions{
		Year:      similarYear,
		Threshold: similarThreshold,
		Limit:     similarLimit,
	})
	if err != nil {
		return err
	}

	fmt.Printf("\nFound %d groups of similar speeches:\n", len(groups))
	fmt.Println(strings.Repeat("=", 50))
	for i, group := range groups {
		fmt.Printf("Group %d - %d similar speeches:\n", i+1, len(group.Members))
		for _, m := range group.Members {
			fmt.Printf("   %s (%d, Session %d) - Similarity: %.4f\n",
				m.Speech.CountryName, m.Speech.Year, m.Speech.Session, m.Similarity)
		}
		fmt.Println(strings.Repeat("-", 50))
	}
	return nil
}

// runCompare compares two countries' speeches year by year
func runCompare(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	st, err := store.OpenReadOnly(cfg.Corpus.DatabasePath, cfg.Corpus.VectorTable)
	if err != nil {
		return fmt.Errorf("failed to open corpus: %w", err)
	}
	defer st.Close()

	report, err := analysis.CompareCountries(ctx, st,
		analysis.ResolveCountryGroup(compareA),
		analysis.ResolveCountryGroup(compareB))
	if err != nil {
		return err
	}

	if len(report.Years) == 0 {
		fmt.Printf("No years with speeches from both %s and %s.\n", report.GroupA, report.GroupB)
		return nil
	}

	fmt.Printf("\nSimilarity between %s and %s speeches by year:\n", report.GroupA, report.GroupB)
	fmt.Println(strings.Repeat("=", 70))
	for _, year := range report.Years {
		fmt.Printf("\nYear: %d - Average similarity: %.4f\n", year.Year, year.AverageSimilarity)
		fmt.Println(strings.Repeat("-", 70))
		for i, pair := range year.Pairs {
			fmt.Printf("  Comparison %d: Similarity: %.4f\n", i+1, pair.Similarity)
			fmt.Printf("    %s: %s (Session %d)\n", report.GroupA, pair.SpeakerA, pair.SessionA)
			fmt.Printf("    %s: %s (Session %d)\n", report.GroupB, pair.SpeakerB, pair.SessionB)
		}
	}

	if report.Trend != "" {
		fmt.Println("\nOverall trend in speech similarity: " + report.Trend)
	}
	for _, shift := range report.SignificantShifts {
		direction := "increased"
		if shift.Delta < 0 {
			direction = "decreased"
		}
		fmt.Printf("Significant change from %d to %d: Similarity %s by %.4f\n",
			shift.FromYear, shift.ToYear, direction, math.Abs(shift.Delta))
	}
	return nil
}

// showStatus displays system status
func showStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.GetQueryTimeout())
	defer cancel()

	fmt.Println("rostrum System Status")
	fmt.Println("=====================")
	fmt.Printf("Config: %s\n", configPath)
	fmt.Println()

	// Check providers
	if cfg.LLM.APIKey != "" || cfg.LLM.Provider == "ollama" {
		fmt.Printf("✓ LLM configured (%s, %s)\n", cfg.LLM.Provider, cfg.LLM.Model)
	} else {
		fmt.Println("✗ LLM API key not configured (set OPENAI_API_KEY or GEMINI_API_KEY)")
	}
	if cfg.Embedding.APIKey != "" || cfg.Embedding.Provider == "ollama" {
		fmt.Printf("✓ Embedding configured (%s, %s)\n", cfg.Embedding.Provider, cfg.Embedding.Model)
	} else {
		fmt.Println("✗ Embedding API key not configured")
	}

	// Check corpus
	st, err := store.OpenReadOnly(cfg.Corpus.DatabasePath, cfg.Corpus.VectorTable)
	if err != nil {
		fmt.Printf("✗ Corpus not available: %v\n", err)
		return nil
	}
	defer st.Close()
	fmt.Printf("✓ Corpus: %s\n", cfg.Corpus.DatabasePath)

	stats, err := st.Stats(ctx)
	if err != nil {
		fmt.Printf("✗ Could not read corpus stats: %v\n", err)
		return nil
	}
	fmt.Printf("  Speeches:  %d\n", stats.Speeches)
	fmt.Printf("  Countries: %d\n", stats.Countries)
	if stats.YearMin > 0 {
		fmt.Printf("  Years:     %d-%d\n", stats.YearMin, stats.YearMax)
	}

	// Check vector layer
	if stats.VectorExt {
		fmt.Printf("✓ Vector extension loaded (%d speeches embedded)\n", stats.Embeddings)
	} else {
		fmt.Println("✗ Vector extension not available (chat, similar and compare disabled)")
	}
	return nil
}

// runSchema prints the introspected schema text
func runSchema(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.GetQueryTimeout())
	defer cancel()

	st, err := store.OpenReadOnly(cfg.Corpus.DatabasePath, cfg.Corpus.VectorTable)
	if err != nil {
		return fmt.Errorf("failed to open corpus: %w", err)
	}
	defer st.Close()

	schema, err := st.SchemaDescription(ctx)
	if err != nil {
		return fmt.Errorf("failed to introspect schema: %w", err)
	}
	fmt.Println(schema)
	return nil
}
